package pushstate

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/cordum/masher/core/catalog"
)

func TestCreateIsExclusive(t *testing.T) {
	store := NewStore(t.TempDir())
	first := &State{Updates: []string{"pkg-a-1.0-1.fc30"}, Release: "F30", Request: catalog.RequestStable}
	if err := store.Create("f30-updates", first); err != nil {
		t.Fatalf("create: %v", err)
	}
	second := &State{Updates: []string{"other"}}
	if err := store.Create("f30-updates", second); !errors.Is(err, ErrStateExists) {
		t.Fatalf("expected ErrStateExists, got %v", err)
	}
	got, err := store.Load("f30-updates")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got.Updates) != 1 || got.Updates[0] != "pkg-a-1.0-1.fc30" {
		t.Fatalf("existing state was overwritten: %+v", got)
	}
}

func TestCreateRaceHasSingleWinner(t *testing.T) {
	store := NewStore(t.TempDir())
	var wg sync.WaitGroup
	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- store.Create("f30-updates-testing", &State{})
		}()
	}
	wg.Wait()
	close(results)
	wins := 0
	for err := range results {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrStateExists) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one creator, got %d", wins)
	}
}

func TestSaveLoadRoundTripKeepsWireNames(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	st := &State{Updates: []string{"a"}, Stage: "composed"}
	if err := store.Create("f30-updates", st); err != nil {
		t.Fatalf("create: %v", err)
	}
	st.Tagged = true
	st.CompletedRepos = append(st.CompletedRepos, "/mash/f30-updates-190101.0000")
	if err := store.Save("f30-updates", st); err != nil {
		t.Fatalf("save: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "MASHING-f30-updates"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var wire map[string]any
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"tagged", "updates", "completed_repos"} {
		if _, ok := wire[key]; !ok {
			t.Fatalf("missing %s in %s", key, raw)
		}
	}
	got, err := store.Load("f30-updates")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !got.Tagged || !got.RepoCompleted("/mash/f30-updates-190101.0000") || got.UpdatedAt.IsZero() {
		t.Fatalf("unexpected state: %+v", got)
	}
	leftovers, _ := filepath.Glob(filepath.Join(dir, ".state-*"))
	if len(leftovers) != 0 {
		t.Fatalf("temp files left behind: %v", leftovers)
	}
}

func TestEmptyListsEncodeAsArrays(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	if err := store.Create("f30-updates", &State{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	raw, _ := os.ReadFile(store.Path("f30-updates"))
	if !strings.Contains(string(raw), `"completed_repos": []`) {
		t.Fatalf("expected empty array, got %s", raw)
	}
}

func TestRemoveAndExists(t *testing.T) {
	store := NewStore(t.TempDir())
	ok, err := store.Exists("f30-updates")
	if err != nil || ok {
		t.Fatalf("expected absent, got %v %v", ok, err)
	}
	if err := store.Create("f30-updates", &State{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if ok, _ := store.Exists("f30-updates"); !ok {
		t.Fatalf("expected present")
	}
	if err := store.Remove("f30-updates"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := store.Remove("f30-updates"); !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := store.Load("f30-updates"); !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestList(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	for _, tag := range []string{"f30-updates-testing", "f29-updates"} {
		if err := store.Create(tag, &State{Stage: "composed"}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "MASHING-broken"), []byte("{"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "unrelated"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	entries, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].TagID != "broken" || entries[0].State != nil {
		t.Fatalf("expected unreadable entry first: %+v", entries[0])
	}
	if entries[1].TagID != "f29-updates" || entries[1].State.Stage != "composed" {
		t.Fatalf("unexpected entry: %+v", entries[1])
	}
	missing := NewStore(filepath.Join(dir, "nope"))
	if got, err := missing.List(); err != nil || got != nil {
		t.Fatalf("expected empty list for missing dir, got %v %v", got, err)
	}
}

func TestInvalidTag(t *testing.T) {
	store := NewStore(t.TempDir())
	for _, tag := range []string{"", "../x", "a/b", ".."} {
		if err := store.Create(tag, &State{}); !errors.Is(err, ErrInvalidTag) {
			t.Fatalf("tag %q: expected invalid tag, got %v", tag, err)
		}
	}
}
