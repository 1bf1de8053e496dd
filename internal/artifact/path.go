// Package artifact models one backed-up file and its remote key.
//
// Remote keys have the layout
//
//	<prefix>/<region>/<cluster>/<host>/<token>/<yyyyMMddHHmm>/<TYPE>[/<keyspace>/<columnfamily>]/<filename>
//
// where prefix may span several segments and the keyspace and column family
// segments are present only for data files. Manifests reference artifacts
// purely by this string, so the layout must not change.
package artifact

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/rowjay/backup-sidecar/internal/util"
)

// FileType tags the kind of artifact.
type FileType string

const (
	TypeSnapshot  FileType = "SNAP"
	TypeSST       FileType = "SST"
	TypeCommitLog FileType = "CL"
	TypeMeta      FileType = "META"
)

// IsDataFile reports whether keys of this type carry keyspace and column family.
func (t FileType) IsDataFile() bool {
	return t == TypeSnapshot || t == TypeSST
}

// Valid reports whether t is a known type.
func (t FileType) Valid() bool {
	switch t {
	case TypeSnapshot, TypeSST, TypeCommitLog, TypeMeta:
		return true
	}
	return false
}

// Identity is the origin node baked into every remote key.
type Identity struct {
	Prefix  string
	Region  string
	Cluster string
	Host    string
	Token   string
}

// NodePrefix is the key prefix shared by every artifact of this node.
func (id Identity) NodePrefix() string {
	return util.BuildPrefix(id.Prefix, id.Region, id.Cluster, id.Host, id.Token)
}

// Path is the identity and metadata of one backed-up file.
type Path struct {
	Identity

	Type         FileType
	Keyspace     string
	ColumnFamily string
	FileName     string
	Time         time.Time

	LocalFile        string
	UncompressedSize int64
	CompressedSize   int64
	ThrottleCount    int64
}

// Format renders the remote key.
func (p *Path) Format() string {
	segments := []string{p.Region, p.Cluster, p.Host, p.Token, FormatDate(p.Time), string(p.Type)}
	if p.Type.IsDataFile() {
		segments = append(segments, p.Keyspace, p.ColumnFamily)
	}
	segments = append(segments, p.FileName)
	return util.BuildPrefix(p.Prefix, segments...)
}

func (p *Path) String() string { return p.Format() }

// NewRestoreTarget returns the local path this artifact materializes to under dir.
func (p *Path) NewRestoreTarget(dir string) string {
	switch {
	case p.Type.IsDataFile():
		return filepath.Join(dir, p.Keyspace, p.ColumnFamily, p.FileName)
	case p.Type == TypeCommitLog:
		return filepath.Join(dir, "commitlog", p.FileName)
	default:
		return filepath.Join(dir, "meta", FormatDate(p.Time), p.FileName)
	}
}

// SameKey reports whether two paths share every key-bearing field.
func (p *Path) SameKey(o *Path) bool {
	return p.Identity == o.Identity &&
		p.Type == o.Type &&
		p.Keyspace == o.Keyspace &&
		p.ColumnFamily == o.ColumnFamily &&
		p.FileName == o.FileName &&
		p.Time.Equal(o.Time)
}

// Keys formats every path.
func Keys(paths []*Path) []string {
	keys := make([]string, 0, len(paths))
	for _, p := range paths {
		keys = append(keys, p.Format())
	}
	return keys
}

// Describe is a short human label used in logs and errors.
func (p *Path) Describe() string {
	if p.Type.IsDataFile() {
		return fmt.Sprintf("%s %s.%s/%s", p.Type, p.Keyspace, p.ColumnFamily, p.FileName)
	}
	return fmt.Sprintf("%s %s", p.Type, p.FileName)
}
