// Package catalog is the update/release store the masher reads and mutates
// during a push.
package catalog

import (
	"context"
	"errors"
)

var (
	ErrNotFound     = errors.New("catalog: not found")
	ErrInvalidEntry = errors.New("catalog: invalid entry")
)

// Catalog is the query/update contract used by the coordinator and workers.
type Catalog interface {
	FindUpdate(ctx context.Context, title string) (*Update, error)
	GetRelease(ctx context.Context, name string) (*Release, error)
	SetLocked(ctx context.Context, title string, locked bool) error
	ExpireOverride(ctx context.Context, title, nvr string) error
	// CompleteRequest clears the update's request and moves its status to
	// the requested one. Updates without a request are left unchanged.
	CompleteRequest(ctx context.Context, title string) (*Update, error)
}

// Writer seeds a catalog.
type Writer interface {
	PutRelease(ctx context.Context, rel *Release) error
	PutUpdate(ctx context.Context, upd *Update) error
}

func validateUpdate(upd *Update) error {
	if upd == nil || upd.Title == "" {
		return errors.Join(ErrInvalidEntry, errors.New("update title required"))
	}
	if upd.Release == "" {
		return errors.Join(ErrInvalidEntry, errors.New("update release required"))
	}
	if _, err := ParseRequest(string(upd.Request)); err != nil {
		return errors.Join(ErrInvalidEntry, err)
	}
	return nil
}

func validateRelease(rel *Release) error {
	if rel == nil || rel.Name == "" {
		return errors.Join(ErrInvalidEntry, errors.New("release name required"))
	}
	return nil
}
