package repo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cordum/masher/core/infra/logging"
)

var (
	ErrComposeFailed = errors.New("compose failed")
	ErrMissingComps  = errors.New("comps file missing")
)

// Composer invokes the repository composition tool.
type Composer struct {
	Runner   Runner
	Command  string
	Config   string
	StageDir string
	// Timeout bounds a single compose; zero waits forever.
	Timeout time.Duration
}

// ComposeRequest names one compose run.
type ComposeRequest struct {
	TagID     string
	OutputDir string
	CompsFile string
}

// Args builds the composer argument list. The previously staged tree for
// the same tag is passed as a delta base when it exists.
func (c *Composer) Args(req ComposeRequest) []string {
	args := []string{"-o", req.OutputDir, "-c", c.Config, "-f", req.CompsFile}
	if c.StageDir != "" {
		previous := filepath.Join(c.StageDir, req.TagID)
		if _, err := os.Stat(previous); err == nil {
			args = append(args, "-p", previous)
		}
	}
	return append(args, req.TagID)
}

// Compose runs the composer and blocks until it exits.
func (c *Composer) Compose(ctx context.Context, req ComposeRequest) error {
	if _, err := os.Stat(req.CompsFile); err != nil {
		return fmt.Errorf("%w: %s", ErrMissingComps, req.CompsFile)
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	start := time.Now()
	cmd := Command{Name: c.Command, Args: c.Args(req)}
	if _, err := c.Runner.Run(ctx, cmd); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrComposeFailed, req.TagID, err)
	}
	logging.Info("repo", "compose finished", "tag", req.TagID, "duration", time.Since(start).Round(time.Second))
	return nil
}
