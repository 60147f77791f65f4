package repo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cordum/masher/core/infra/logging"
)

// ErrCompsURL marks a comps source whose scheme is not allowed. The caller
// skips the refresh and composes with the existing checkout.
var ErrCompsURL = errors.New("comps url scheme not allowed")

// CompsLocker serialises comps syncs across processes sharing a checkout.
type CompsLocker interface {
	Lock(ctx context.Context, resource string) (func(), error)
}

// CompsSyncer keeps the package-group checkout current. Syncs in one process
// are serialised by mu; Lock, when set, covers other processes.
type CompsSyncer struct {
	Runner  Runner
	Dir     string
	URL     string
	Schemes []string
	Lock    CompsLocker

	mu sync.Mutex
}

// File returns the package-group file for a release branch.
func (s *CompsSyncer) File(branch string) string {
	return filepath.Join(s.Dir, "comps-"+branch+".xml")
}

func (s *CompsSyncer) allowed() bool {
	for _, scheme := range s.Schemes {
		if scheme != "" && strings.HasPrefix(s.URL, scheme) {
			return true
		}
	}
	return false
}

// Sync clones the checkout if absent, pulls it and runs make.
func (s *CompsSyncer) Sync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.allowed() {
		return fmt.Errorf("%w: %q (allowed %v)", ErrCompsURL, s.URL, s.Schemes)
	}
	if s.Lock != nil {
		unlock, err := s.Lock.Lock(ctx, "comps:"+s.Dir)
		if err != nil {
			return fmt.Errorf("lock comps: %w", err)
		}
		defer unlock()
	}
	if _, err := os.Stat(s.Dir); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(s.Dir), 0o755); err != nil {
			return fmt.Errorf("create comps parent: %w", err)
		}
		logging.Info("repo", "cloning comps", "url", s.URL, "dir", s.Dir)
		if _, err := s.Runner.Run(ctx, Command{Name: "git", Args: []string{"clone", s.URL, s.Dir}, Dir: filepath.Dir(s.Dir)}); err != nil {
			return fmt.Errorf("clone comps: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("stat comps dir: %w", err)
	}
	if _, err := s.Runner.Run(ctx, Command{Name: "git", Args: []string{"pull"}, Dir: s.Dir}); err != nil {
		return fmt.Errorf("pull comps: %w", err)
	}
	if _, err := s.Runner.Run(ctx, Command{Name: "make", Dir: s.Dir}); err != nil {
		return fmt.Errorf("make comps: %w", err)
	}
	return nil
}
