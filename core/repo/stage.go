package repo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cordum/masher/core/infra/logging"
)

var ErrStageConflict = errors.New("stage path is not a symlink")

// Stager publishes composed trees as <Dir>/<tag> symlinks.
type Stager struct {
	Dir string
}

// Stage points <Dir>/<tagID> at target, replacing any previous link in a
// single rename so readers never see the link missing.
func (s *Stager) Stage(tagID, target string) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create stage dir: %w", err)
	}
	link := filepath.Join(s.Dir, tagID)
	if info, err := os.Lstat(link); err == nil && info.Mode()&os.ModeSymlink == 0 {
		return "", fmt.Errorf("%w: %s", ErrStageConflict, link)
	}
	tmp := filepath.Join(s.Dir, "."+tagID+".tmp-"+strconv.FormatInt(time.Now().UnixNano(), 36))
	if err := os.Symlink(target, tmp); err != nil {
		return "", fmt.Errorf("create stage link: %w", err)
	}
	if err := os.Rename(tmp, link); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("swap stage link: %w", err)
	}
	logging.Info("repo", "staged repository", "link", link, "target", target)
	return link, nil
}

// Current returns the target of the staged link for tagID, or "" when none.
func (s *Stager) Current(tagID string) string {
	target, err := os.Readlink(filepath.Join(s.Dir, tagID))
	if err != nil {
		return ""
	}
	return target
}
