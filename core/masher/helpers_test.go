package masher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cordum/masher/core/buildsys"
	"github.com/cordum/masher/core/catalog"
	"github.com/cordum/masher/core/infra/config"
	"github.com/cordum/masher/core/masher/pushstate"
	"github.com/cordum/masher/core/notify"
	"github.com/cordum/masher/core/repo"
)

func testRelease() *catalog.Release {
	return &catalog.Release{
		Name:     "F30",
		LongName: "Fedora 30",
		Branch:   "f30",
		State:    catalog.ReleaseCurrent,
		Tags: map[catalog.TagRole]string{
			catalog.TagCandidate:      "f30-updates-candidate",
			catalog.TagTesting:        "f30-updates-testing",
			catalog.TagStable:         "f30-updates",
			catalog.TagPendingTesting: "f30-updates-testing-pending",
			catalog.TagPendingStable:  "f30-updates-pending",
		},
	}
}

func testUpdate(title string, req catalog.Request, typ catalog.UpdateType) *catalog.Update {
	return &catalog.Update{
		Title:   title,
		Release: "F30",
		Request: req,
		Type:    typ,
		Status:  catalog.StatusPending,
		Builds:  []catalog.Build{{NVR: title}},
	}
}

// fakeTags applies submitted actions to its memberships. A task fails, and
// its action is not applied, when failTasks is set or its build is in
// failBuilds.
type fakeTags struct {
	mu          sync.Mutex
	tags        map[string][]string
	batches     [][]buildsys.TagAction
	failTasks   bool
	failBuilds  map[string]bool
	removeFault bool
	nextID      int64
}

func newFakeTags() *fakeTags {
	return &fakeTags{tags: map[string][]string{}, failBuilds: map[string]bool{}, nextID: 100}
}

func (f *fakeTags) ListTags(_ context.Context, nvr string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tags[nvr]...), nil
}

func (f *fakeTags) Submit(_ context.Context, batch *buildsys.Batch) (*buildsys.Pending, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	actions := batch.Actions()
	f.batches = append(f.batches, actions)
	var ids []int64
	var faults []buildsys.Fault
	failed := map[int64]bool{}
	for _, a := range actions {
		if a.Kind == buildsys.ActionRemove {
			if f.removeFault {
				faults = append(faults, buildsys.Fault{Action: a, Code: 1000, Msg: "build not in tag"})
			}
			f.tags[a.Build] = without(f.tags[a.Build], a.From)
			continue
		}
		f.nextID++
		ids = append(ids, f.nextID)
		if f.failTasks || f.failBuilds[a.Build] {
			failed[f.nextID] = true
			continue
		}
		if a.Kind == buildsys.ActionMove {
			f.tags[a.Build] = without(f.tags[a.Build], a.From)
		}
		f.tags[a.Build] = append(without(f.tags[a.Build], a.To), a.To)
	}
	pending := buildsys.NewPending(ids, &taskWatcher{failed: failed}, time.Millisecond, 0)
	if len(faults) > 0 {
		return pending, &buildsys.BatchError{Faults: faults}
	}
	return pending, nil
}

func without(tags []string, tag string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t != tag {
			out = append(out, t)
		}
	}
	return out
}

func (f *fakeTags) memberships(nvr string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tags[nvr]...)
}

func (f *fakeTags) submitted() [][]buildsys.TagAction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]buildsys.TagAction(nil), f.batches...)
}

type taskWatcher struct {
	failed map[int64]bool
}

func (w *taskWatcher) TaskFinished(context.Context, int64) (bool, error) {
	return true, nil
}

func (w *taskWatcher) TaskState(_ context.Context, id int64) (buildsys.TaskState, error) {
	if w.failed[id] {
		return buildsys.TaskFailed, nil
	}
	return buildsys.TaskClosed, nil
}

// fakeComposer lays out a valid tree for the given arches.
type fakeComposer struct {
	mu     sync.Mutex
	arches []string
	calls  []repo.ComposeRequest
	err    error
}

func (c *fakeComposer) Compose(_ context.Context, req repo.ComposeRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, req)
	if c.err != nil {
		return c.err
	}
	for _, arch := range c.arches {
		if err := writeTree(req.OutputDir, arch); err != nil {
			return err
		}
	}
	return nil
}

func (c *fakeComposer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func writeTree(path, arch string) error {
	repodata := filepath.Join(path, arch, "repodata")
	if err := os.MkdirAll(repodata, 0o755); err != nil {
		return err
	}
	primary := []byte("<metadata/>")
	if err := os.WriteFile(filepath.Join(repodata, "primary.xml"), primary, 0o644); err != nil {
		return err
	}
	sum := sha256.Sum256(primary)
	repomd := fmt.Sprintf(`<?xml version="1.0"?>
<repomd xmlns="http://linux.duke.edu/metadata/repo">
  <data type="primary">
    <checksum type="sha256">%s</checksum>
    <location href="repodata/primary.xml"/>
  </data>
</repomd>`, hex.EncodeToString(sum[:]))
	if err := os.WriteFile(filepath.Join(repodata, "repomd.xml"), []byte(repomd), 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(path, arch, "pkg-1.0-1.fc30."+arch+".rpm"), []byte("rpm"), 0o644)
}

type fakeComps struct {
	err   error
	syncs int
}

func (c *fakeComps) Sync(context.Context) error {
	c.syncs++
	return c.err
}

func (c *fakeComps) File(branch string) string {
	return "/comps/comps-" + branch + ".xml"
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Notify(_ context.Context, evt notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recordingNotifier) topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Topic)
	}
	return out
}

func (r *recordingNotifier) last() notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type recordingMetrics struct {
	mu        sync.Mutex
	started   int
	completed map[string]int
	stages    map[string]int
	skipped   int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{completed: map[string]int{}, stages: map[string]int{}}
}

func (m *recordingMetrics) IncPushStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
}

func (m *recordingMetrics) IncWorkUnitCompleted(repo, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed[repo+"/"+status]++
}

func (m *recordingMetrics) ObserveStage(stage string, _ float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages[stage]++
}

func (m *recordingMetrics) IncTitlesSkipped(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skipped += count
}

func (m *recordingMetrics) IncMessagesRejected(string) {}

type testEnv struct {
	cfg      *config.MasherConfig
	catalog  *catalog.Memory
	tags     *fakeTags
	states   *pushstate.Store
	composer *fakeComposer
	notifier *recordingNotifier
	metrics  *recordingMetrics
	stager   *repo.Stager
	svc      Services
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	cfg := &config.MasherConfig{
		MashDir:  filepath.Join(root, "mash"),
		StateDir: filepath.Join(root, "state"),
		StageDir: filepath.Join(root, "stage"),
		CompsDir: filepath.Join(root, "comps"),
		Arches:   []string{"i386", "x86_64", "ppc/ppc64"},
	}
	env := &testEnv{
		cfg:      cfg,
		catalog:  catalog.NewMemory(),
		tags:     newFakeTags(),
		states:   pushstate.NewStore(cfg.StateDir),
		composer: &fakeComposer{arches: []string{"i386", "x86_64", "ppc64"}},
		notifier: &recordingNotifier{},
		metrics:  newRecordingMetrics(),
		stager:   &repo.Stager{Dir: cfg.StageDir},
	}
	if err := env.catalog.PutRelease(context.Background(), testRelease()); err != nil {
		t.Fatalf("put release: %v", err)
	}
	env.svc = Services{
		Catalog:  env.catalog,
		Tags:     env.tags,
		States:   env.states,
		Composer: env.composer,
		Sanity:   &repo.SanityChecker{Arches: cfg.ArchClasses()},
		Stager:   env.stager,
		Notifier: env.notifier,
		Metrics:  env.metrics,
		Now:      func() time.Time { return time.Date(2019, 5, 2, 13, 45, 0, 0, time.UTC) },
	}
	return env
}

// addUpdate stores upd and places its builds in the tag matching its status.
func (e *testEnv) addUpdate(t *testing.T, upd *catalog.Update) {
	t.Helper()
	if err := e.catalog.PutUpdate(context.Background(), upd); err != nil {
		t.Fatalf("put update: %v", err)
	}
	tag := "f30-updates-candidate"
	if upd.Status == catalog.StatusTesting {
		tag = "f30-updates-testing"
	}
	for _, b := range upd.Builds {
		e.tags.tags[b.NVR] = []string{"f30-override", tag}
	}
}

func (e *testEnv) worker(unit WorkUnit, resume bool) *Worker {
	return NewWorker(e.cfg, e.svc, unit, "push-1", resume)
}

func (e *testEnv) find(t *testing.T, title string) *catalog.Update {
	t.Helper()
	upd, err := e.catalog.FindUpdate(context.Background(), title)
	if err != nil {
		t.Fatalf("find %s: %v", title, err)
	}
	return upd
}
