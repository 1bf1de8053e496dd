// Package membership answers whether an instance is part of the live cluster.
package membership

import (
	"context"
	"slices"
)

// Membership reports whether an instance is live.
type Membership interface {
	IsLive(ctx context.Context, instanceID string) (bool, error)
}

// Static is a membership list taken from configuration. With DualAccount the
// instances seen from a second account are merged in.
type Static struct {
	Local        []string
	CrossAccount []string
	DualAccount  bool
}

// Instances returns the live instance list. In dual-account mode the
// cross-account entries are first removed from the local list and then
// appended, so an instance seen from both accounts appears once, after the
// local-only ones.
func (s Static) Instances() []string {
	out := slices.Clone(s.Local)
	if !s.DualAccount {
		return out
	}
	out = slices.DeleteFunc(out, func(id string) bool {
		return slices.Contains(s.CrossAccount, id)
	})
	return append(out, s.CrossAccount...)
}

func (s Static) IsLive(ctx context.Context, instanceID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return slices.Contains(s.Instances(), instanceID), nil
}
