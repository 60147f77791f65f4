package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process catalog for local pushes and tests.
type Memory struct {
	mu       sync.Mutex
	updates  map[string]*Update
	releases map[string]*Release
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		updates:  map[string]*Update{},
		releases: map[string]*Release{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) PutRelease(_ context.Context, rel *Release) error {
	if err := validateRelease(rel); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases[rel.Name] = rel.clone()
	return nil
}

func (m *Memory) PutUpdate(_ context.Context, upd *Update) error {
	if err := validateUpdate(upd); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates[upd.Title] = upd.clone()
	return nil
}

func (m *Memory) FindUpdate(_ context.Context, title string) (*Update, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	upd, ok := m.updates[title]
	if !ok {
		return nil, fmt.Errorf("update %s: %w", title, ErrNotFound)
	}
	return upd.clone(), nil
}

func (m *Memory) GetRelease(_ context.Context, name string) (*Release, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rel, ok := m.releases[name]
	if !ok {
		return nil, fmt.Errorf("release %s: %w", name, ErrNotFound)
	}
	return rel.clone(), nil
}

func (m *Memory) SetLocked(_ context.Context, title string, locked bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	upd, ok := m.updates[title]
	if !ok {
		return fmt.Errorf("update %s: %w", title, ErrNotFound)
	}
	upd.Locked = locked
	return nil
}

func (m *Memory) ExpireOverride(_ context.Context, title, nvr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	upd, ok := m.updates[title]
	if !ok {
		return fmt.Errorf("update %s: %w", title, ErrNotFound)
	}
	for i := range upd.Builds {
		b := &upd.Builds[i]
		if b.NVR != nvr {
			continue
		}
		if b.Override != nil && !b.Override.Expired() {
			now := m.now()
			b.Override.ExpiredAt = &now
		}
		return nil
	}
	return fmt.Errorf("build %s in %s: %w", nvr, title, ErrNotFound)
}

func (m *Memory) CompleteRequest(_ context.Context, title string) (*Update, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	upd, ok := m.updates[title]
	if !ok {
		return nil, fmt.Errorf("update %s: %w", title, ErrNotFound)
	}
	completeRequest(upd, m.now())
	return upd.clone(), nil
}
