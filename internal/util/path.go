package util

import (
	"path"
	"strings"
)

// BuildPrefix joins non-empty key segments into a normalized object key.
func BuildPrefix(prefix string, segments ...string) string {
	parts := []string{}
	if trimmed := strings.Trim(prefix, "/"); trimmed != "" {
		parts = append(parts, trimmed)
	}
	for _, s := range segments {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return path.Join(parts...)
}

// SplitKey splits an object key into its segments, dropping empty ones.
func SplitKey(key string) []string {
	raw := strings.Split(key, "/")
	parts := raw[:0]
	for _, p := range raw {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}
