package metadata

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cordum/masher/core/catalog"
	"github.com/cordum/masher/core/infra/logging"
	"github.com/cordum/masher/core/repo"
)

// Request describes one composed repository to annotate.
type Request struct {
	TagID   string
	Path    string
	Release *catalog.Release
	Request catalog.Request
	Updates []*catalog.Update
}

// Injector adds update metadata to a composed repository.
type Injector interface {
	Inject(ctx context.Context, req Request) error
}

// UpdateInfoInjector writes updateinfo.xml, merges it into every arch's
// repodata with modifyrepo, optionally adds package tags and finally caches
// the resulting repodata.
type UpdateInfoInjector struct {
	Runner      repo.Runner
	Modifyrepo  string
	PkgtagsPath string
	CacheDir    string
	BugURL      string
	Now         func() time.Time
}

func (i *UpdateInfoInjector) Inject(ctx context.Context, req Request) error {
	if req.Release == nil {
		return fmt.Errorf("inject %s: release required", req.TagID)
	}
	now := time.Now().UTC()
	if i.Now != nil {
		now = i.Now()
	}
	bugURL := i.BugURL
	if bugURL == "" {
		bugURL = defaultBugURL
	}
	doc, err := renderUpdateInfo(req.Release, req.Request, req.Updates, bugURL, now)
	if err != nil {
		return err
	}
	infoPath := filepath.Join(req.Path, "updateinfo.xml")
	if err := os.WriteFile(infoPath, doc, 0o644); err != nil {
		return fmt.Errorf("write updateinfo: %w", err)
	}

	arches, err := repodataDirs(req.Path)
	if err != nil {
		return err
	}
	pkgtags := ""
	if i.PkgtagsPath != "" {
		if _, err := os.Stat(i.PkgtagsPath); err == nil {
			pkgtags = i.PkgtagsPath
		} else {
			logging.Warn("metadata", "pkgtags database unavailable", "path", i.PkgtagsPath, "error", err)
		}
	}
	for _, arch := range arches {
		repodata := filepath.Join(req.Path, arch, "repodata")
		if err := i.modifyrepo(ctx, "updateinfo", infoPath, repodata); err != nil {
			return err
		}
		if pkgtags != "" {
			if err := i.modifyrepo(ctx, "pkgtags", pkgtags, repodata); err != nil {
				return err
			}
		}
		if i.CacheDir != "" {
			dst := filepath.Join(i.CacheDir, req.TagID, arch, "repodata")
			if err := replaceDir(repodata, dst); err != nil {
				return fmt.Errorf("cache repodata %s: %w", arch, err)
			}
		}
	}
	logging.Info("metadata", "injected updateinfo", "tag", req.TagID, "updates", len(req.Updates), "arches", len(arches))
	return nil
}

func (i *UpdateInfoInjector) modifyrepo(ctx context.Context, mdtype, file, repodata string) error {
	cmd := repo.Command{Name: i.Modifyrepo, Args: []string{"--mdtype=" + mdtype, file, repodata}}
	if _, err := i.Runner.Run(ctx, cmd); err != nil {
		return fmt.Errorf("inject %s: %w", mdtype, err)
	}
	return nil
}

// repodataDirs lists the arch directories under path that carry repodata.
func repodataDirs(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read compose dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if info, err := os.Stat(filepath.Join(path, e.Name(), "repodata")); err == nil && info.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

func replaceDir(src, dst string) error {
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
