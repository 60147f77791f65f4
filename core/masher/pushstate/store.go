// Package pushstate persists one record per work unit so an interrupted push
// leaves evidence behind and can be resumed. The record's presence is the
// cross-process lock for its tag.
package pushstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cordum/masher/core/catalog"
)

// FilePrefix names state files: <state_dir>/MASHING-<tag>.
const FilePrefix = "MASHING-"

var (
	ErrStateExists   = errors.New("push state already exists")
	ErrStateNotFound = errors.New("push state not found")
	ErrInvalidTag    = errors.New("invalid tag identifier")
)

// State is the persisted progress of one work unit. Tagged, Updates and
// CompletedRepos are the historical record; the rest lets a resume rebuild
// the unit without the original request.
type State struct {
	Tagged         bool            `json:"tagged"`
	Updates        []string        `json:"updates"`
	CompletedRepos []string        `json:"completed_repos"`
	Release        string          `json:"release,omitempty"`
	Request        catalog.Request `json:"request,omitempty"`
	Path           string          `json:"path,omitempty"`
	Stage          string          `json:"stage,omitempty"`
	PushID         string          `json:"push_id,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// RepoCompleted reports whether path was already composed.
func (s *State) RepoCompleted(path string) bool {
	for _, p := range s.CompletedRepos {
		if p == path {
			return true
		}
	}
	return false
}

// Entry pairs a tag identifier with its stored state.
type Entry struct {
	TagID string `json:"tag_id"`
	State *State `json:"state"`
}

// Store keeps state files in one directory.
type Store struct {
	dir string
	now func() time.Time
}

func NewStore(dir string) *Store {
	return &Store{dir: dir, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) Dir() string { return s.dir }

// Path returns the state file location for tagID.
func (s *Store) Path(tagID string) string {
	return filepath.Join(s.dir, FilePrefix+tagID)
}

func validTag(tagID string) error {
	if tagID == "" || strings.ContainsAny(tagID, `/\`) || tagID == "." || tagID == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidTag, tagID)
	}
	return nil
}

// Create writes the initial record and fails with ErrStateExists when a
// record for tagID is already present. The file is written in full before
// it becomes visible under its final name.
func (s *Store) Create(tagID string, st *State) error {
	if err := validTag(tagID); err != nil {
		return err
	}
	tmp, err := s.writeTemp(st)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)
	if err := os.Link(tmp, s.Path(tagID)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrStateExists, s.Path(tagID))
		}
		return fmt.Errorf("publish state: %w", err)
	}
	syncDir(s.dir)
	return nil
}

// Save atomically replaces the record for tagID.
func (s *Store) Save(tagID string, st *State) error {
	if err := validTag(tagID); err != nil {
		return err
	}
	tmp, err := s.writeTemp(st)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, s.Path(tagID)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename state: %w", err)
	}
	syncDir(s.dir)
	return nil
}

// Load reads the record for tagID.
func (s *Store) Load(tagID string) (*State, error) {
	if err := validTag(tagID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path(tagID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrStateNotFound, s.Path(tagID))
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", tagID, err)
	}
	return &st, nil
}

// Remove deletes the record; a missing record is ErrStateNotFound.
func (s *Store) Remove(tagID string) error {
	if err := validTag(tagID); err != nil {
		return err
	}
	if err := os.Remove(s.Path(tagID)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrStateNotFound, s.Path(tagID))
		}
		return fmt.Errorf("remove state: %w", err)
	}
	return nil
}

func (s *Store) Exists(tagID string) (bool, error) {
	if err := validTag(tagID); err != nil {
		return false, err
	}
	_, err := os.Lstat(s.Path(tagID))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// List returns every retained record ordered by tag identifier. Unreadable
// records are returned with a nil State so operators still see them.
func (s *Store) List() ([]Entry, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list state dir: %w", err)
	}
	var out []Entry
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, FilePrefix) {
			continue
		}
		tagID := strings.TrimPrefix(name, FilePrefix)
		st, err := s.Load(tagID)
		if err != nil {
			st = nil
		}
		out = append(out, Entry{TagID: tagID, State: st})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TagID < out[j].TagID })
	return out, nil
}

func (s *Store) writeTemp(st *State) (string, error) {
	if st == nil {
		return "", errors.New("nil state")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create state dir: %w", err)
	}
	st.UpdatedAt = s.now()
	if st.Updates == nil {
		st.Updates = []string{}
	}
	if st.CompletedRepos == nil {
		st.CompletedRepos = []string{}
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal state: %w", err)
	}
	f, err := os.CreateTemp(s.dir, ".state-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("write state: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("sync state: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("close state: %w", err)
	}
	return tmp, nil
}

// syncDir flushes the directory entry; failures only cost durability.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
