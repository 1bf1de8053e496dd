package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rowjay/backup-sidecar/internal/util"
)

var commitLogName = regexp.MustCompile(`^CommitLog-\d+-(\d+)\.log$`)

// Factory creates paths for one node.
type Factory struct {
	Identity Identity
}

// NewFactory validates the node identity. Every identity segment must be
// non-empty so keys keep a fixed shape.
func NewFactory(id Identity) (*Factory, error) {
	for name, v := range map[string]string{"region": id.Region, "cluster": id.Cluster, "host": id.Host, "token": id.Token} {
		if v == "" {
			return nil, fmt.Errorf("node %s is required", name)
		}
		if strings.Contains(v, "/") {
			return nil, fmt.Errorf("node %s %q must not contain '/'", name, v)
		}
	}
	return &Factory{Identity: id}, nil
}

// ParseLocal builds a path from a local file. For data files the keyspace and
// column family come from the directory layout. The time is taken from
// snapshotTag when given, else from a commit log's embedded timestamp, else
// from the file's modification time.
func (f *Factory) ParseLocal(file string, typ FileType, snapshotTag string) (*Path, error) {
	if !typ.Valid() {
		return nil, formatErr("file type", string(typ), "unknown type")
	}
	info, err := os.Stat(file)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, formatErr("file name", file, "is a directory")
	}

	p := &Path{
		Identity:         f.Identity,
		Type:             typ,
		FileName:         filepath.Base(file),
		LocalFile:        file,
		UncompressedSize: info.Size(),
	}

	if typ.IsDataFile() {
		tag, err := p.parseDataDirs(file)
		if err != nil {
			return nil, err
		}
		if snapshotTag == "" && typ == TypeSnapshot {
			snapshotTag = tag
		}
	}

	switch {
	case snapshotTag != "":
		t, err := ParseDate(snapshotTag)
		if err != nil {
			return nil, err
		}
		p.Time = t
	case typ == TypeMeta:
		return nil, formatErr("file name", file, "manifest requires a snapshot tag")
	case typ == TypeCommitLog && commitLogName.MatchString(p.FileName):
		millis, err := strconv.ParseInt(commitLogName.FindStringSubmatch(p.FileName)[1], 10, 64)
		if err != nil {
			return nil, &FormatError{Kind: "file name", Value: p.FileName, Err: err}
		}
		p.Time = time.UnixMilli(millis)
	default:
		p.Time = info.ModTime()
	}
	p.Time = p.Time.UTC().Truncate(time.Minute)
	return p, nil
}

// parseDataDirs reads keyspace and column family from
// <ks>/<cf>/<file>, <ks>/<cf>/backups/<file> or <ks>/<cf>/snapshots/<tag>/<file>.
// It returns the snapshot directory name when present.
func (p *Path) parseDataDirs(file string) (string, error) {
	dir := filepath.Dir(file)
	cfDir := dir
	tag := ""
	switch {
	case filepath.Base(dir) == "backups":
		cfDir = filepath.Dir(dir)
	case filepath.Base(filepath.Dir(dir)) == "snapshots":
		tag = filepath.Base(dir)
		cfDir = filepath.Dir(filepath.Dir(dir))
	}
	cf := filepath.Base(cfDir)
	ks := filepath.Base(filepath.Dir(cfDir))
	if !validSegment(cf) || !validSegment(ks) {
		return "", formatErr("file name", file, "cannot determine keyspace and column family")
	}
	p.Keyspace = ks
	p.ColumnFamily = cf
	return tag, nil
}

func validSegment(s string) bool {
	return s != "" && s != "." && s != string(filepath.Separator)
}

// ParseRemote rebuilds a path from a remote key produced by Format. The key
// must start with the factory's prefix; the node identity is taken from the key.
func (f *Factory) ParseRemote(key string) (*Path, error) {
	parts := util.SplitKey(key)
	prefix := util.SplitKey(f.Identity.Prefix)
	if len(parts) < len(prefix) {
		return nil, formatErr("remote key", key, "shorter than prefix")
	}
	for i, seg := range prefix {
		if parts[i] != seg {
			return nil, formatErr("remote key", key, "prefix mismatch")
		}
	}
	parts = parts[len(prefix):]
	// region, cluster, host, token, date, type, file
	if len(parts) < 7 {
		return nil, formatErr("remote key", key, "too few segments")
	}

	p := &Path{
		Identity: Identity{
			Prefix:  f.Identity.Prefix,
			Region:  parts[0],
			Cluster: parts[1],
			Host:    parts[2],
			Token:   parts[3],
		},
		Type: FileType(parts[5]),
	}
	t, err := ParseDate(parts[4])
	if err != nil {
		return nil, &FormatError{Kind: "remote key", Value: key, Err: err}
	}
	p.Time = t
	if !p.Type.Valid() {
		return nil, formatErr("remote key", key, "unknown type "+parts[5])
	}

	rest := parts[6:]
	if p.Type.IsDataFile() {
		if len(rest) != 3 {
			return nil, formatErr("remote key", key, "data file needs keyspace, column family and name")
		}
		p.Keyspace, p.ColumnFamily, p.FileName = rest[0], rest[1], rest[2]
	} else {
		if len(rest) != 1 {
			return nil, formatErr("remote key", key, "unexpected segments after type")
		}
		p.FileName = rest[0]
	}
	return p, nil
}
