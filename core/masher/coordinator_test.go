package masher

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cordum/masher/core/catalog"
	"github.com/cordum/masher/core/masher/pushstate"
	"github.com/cordum/masher/core/notify"
)

type event struct {
	kind string
	unit string
}

// scriptedRunner records start/finish events instead of running workers.
type scriptedRunner struct {
	mu      sync.Mutex
	events  []event
	fail    map[string]bool
	resumed []WorkUnit
	active  int32
	peak    int32
	delay   time.Duration
}

func (r *scriptedRunner) RunUnit(_ context.Context, unit WorkUnit, _ string, resume bool) UnitResult {
	r.record("start", unit)
	n := atomic.AddInt32(&r.active, 1)
	for {
		peak := atomic.LoadInt32(&r.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&r.peak, peak, n) {
			break
		}
	}
	time.Sleep(r.delay)
	atomic.AddInt32(&r.active, -1)
	r.mu.Lock()
	if resume {
		r.resumed = append(r.resumed, unit)
	}
	r.mu.Unlock()
	r.record("finish", unit)
	if r.fail[unit.Key()] {
		return UnitResult{Unit: unit, Stage: StageFailed, Err: errors.New("boom")}
	}
	return UnitResult{Unit: unit, Stage: StageDone}
}

func (r *scriptedRunner) record(kind string, unit WorkUnit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{kind: kind, unit: unit.Key()})
}

// positions returns the start and finish event index of each unit key.
func (r *scriptedRunner) positions() map[string][2]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string][2]int{}
	for i, e := range r.events {
		p := out[e.unit]
		if e.kind == "start" {
			p[0] = i
		} else {
			p[1] = i
		}
		out[e.unit] = p
	}
	return out
}

func addRelease(t *testing.T, env *testEnv, name string) {
	t.Helper()
	rel := testRelease()
	rel.Name = name
	if err := env.catalog.PutRelease(context.Background(), rel); err != nil {
		t.Fatalf("put release: %v", err)
	}
}

func putUpdate(t *testing.T, env *testEnv, release, title string, req catalog.Request, typ catalog.UpdateType) {
	t.Helper()
	upd := testUpdate(title, req, typ)
	upd.Release = release
	env.addUpdate(t, upd)
}

func TestOrganizeGroupsByReleaseAndRequest(t *testing.T) {
	env := newTestEnv(t)
	addRelease(t, env, "F29")
	putUpdate(t, env, "F30", "a-1-1.fc30", catalog.RequestStable, catalog.TypeBugfix)
	putUpdate(t, env, "F30", "b-1-1.fc30", catalog.RequestTesting, catalog.TypeBugfix)
	putUpdate(t, env, "F30", "c-1-1.fc30", catalog.RequestStable, catalog.TypeSecurity)
	putUpdate(t, env, "F29", "d-1-1.fc29", catalog.RequestStable, catalog.TypeBugfix)
	noRequest := testUpdate("e-1-1.fc30", catalog.RequestNone, catalog.TypeBugfix)
	env.addUpdate(t, noRequest)

	coord := NewCoordinator(env.cfg, env.svc)
	titles := []string{"a-1-1.fc30", "missing-1-1.fc30", "b-1-1.fc30", "c-1-1.fc30", "d-1-1.fc29", "a-1-1.fc30", "e-1-1.fc30"}
	units, skipped, err := coord.Organize(context.Background(), titles)
	if err != nil {
		t.Fatalf("organize: %v", err)
	}
	if strings.Join(skipped, ",") != "missing-1-1.fc30,e-1-1.fc30" {
		t.Fatalf("unexpected skipped titles: %v", skipped)
	}
	if len(units) != 3 {
		t.Fatalf("expected 3 units, got %+v", units)
	}
	if units[0].Key() != "F30/stable" || strings.Join(units[0].Updates, ",") != "a-1-1.fc30,c-1-1.fc30" || !units[0].Important {
		t.Fatalf("unexpected first unit: %+v", units[0])
	}
	if units[1].Key() != "F30/testing" || units[1].Important {
		t.Fatalf("unexpected second unit: %+v", units[1])
	}
	if units[2].Key() != "F29/stable" || units[2].Important {
		t.Fatalf("unexpected third unit: %+v", units[2])
	}
}

func TestPrioritizeOrdersWaves(t *testing.T) {
	units := []WorkUnit{
		{Release: "F30", Request: catalog.RequestTesting},
		{Release: "F29", Request: catalog.RequestStable},
		{Release: "F29", Request: catalog.RequestTesting, Important: true},
		{Release: "F30", Request: catalog.RequestStable, Important: true},
	}
	waves := Prioritize(units)
	var got []string
	for _, w := range waves {
		got = append(got, w.String()+"="+w.Units[0].Key())
	}
	want := "important/stable=F30/stable,important/testing=F29/testing,normal/stable=F29/stable,normal/testing=F30/testing"
	if strings.Join(got, ",") != want {
		t.Fatalf("unexpected waves: %v", got)
	}
	if len(Prioritize(nil)) != 0 {
		t.Fatalf("no units, no waves")
	}
}

func TestPushNormalBatchStableBeforeTesting(t *testing.T) {
	env := newTestEnv(t)
	putUpdate(t, env, "F30", "pkg-a-1.0-1.f30", catalog.RequestStable, catalog.TypeBugfix)
	putUpdate(t, env, "F30", "pkg-b-2.0-1.f30", catalog.RequestTesting, catalog.TypeBugfix)
	runner := &scriptedRunner{}
	coord := NewCoordinator(env.cfg, env.svc).WithRunner(runner)

	res, err := coord.Push(context.Background(), []string{"pkg-a-1.0-1.f30", "pkg-b-2.0-1.f30"})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(res.Units) != 2 || res.PushID == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	pos := runner.positions()
	if pos["F30/stable"][1] > pos["F30/testing"][0] {
		t.Fatalf("testing wave started before stable finished: %+v", runner.events)
	}
	if res.Units[0].Unit.Important || res.Units[1].Unit.Important {
		t.Fatalf("no unit should be important")
	}
}

func TestPushSecurityUnitRunsFirst(t *testing.T) {
	env := newTestEnv(t)
	addRelease(t, env, "F29")
	putUpdate(t, env, "F29", "pkg-c-1.0-1.f29", catalog.RequestStable, catalog.TypeBugfix)
	putUpdate(t, env, "F30", "pkg-a-1.0-1.f30", catalog.RequestTesting, catalog.TypeSecurity)
	putUpdate(t, env, "F30", "pkg-b-2.0-1.f30", catalog.RequestStable, catalog.TypeBugfix)
	runner := &scriptedRunner{}
	coord := NewCoordinator(env.cfg, env.svc).WithRunner(runner)

	if _, err := coord.Push(context.Background(), []string{"pkg-c-1.0-1.f29", "pkg-b-2.0-1.f30", "pkg-a-1.0-1.f30"}); err != nil {
		t.Fatalf("push: %v", err)
	}
	pos := runner.positions()
	important := pos["F30/testing"]
	for _, key := range []string{"F29/stable", "F30/stable"} {
		if pos[key][0] < important[1] {
			t.Fatalf("%s started before the important unit finished: %+v", key, runner.events)
		}
	}
}

func TestPushIsolatesUnitFailures(t *testing.T) {
	env := newTestEnv(t)
	addRelease(t, env, "F29")
	putUpdate(t, env, "F30", "pkg-a-1.0-1.f30", catalog.RequestStable, catalog.TypeBugfix)
	putUpdate(t, env, "F29", "pkg-b-1.0-1.f29", catalog.RequestStable, catalog.TypeBugfix)
	putUpdate(t, env, "F30", "pkg-c-1.0-1.f30", catalog.RequestTesting, catalog.TypeBugfix)
	runner := &scriptedRunner{fail: map[string]bool{"F30/stable": true}}
	coord := NewCoordinator(env.cfg, env.svc).WithRunner(runner)

	res, err := coord.Push(context.Background(), []string{"pkg-a-1.0-1.f30", "pkg-b-1.0-1.f29", "pkg-c-1.0-1.f30"})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(res.Units) != 3 {
		t.Fatalf("every unit must run: %+v", res.Units)
	}
	failed := res.Failed()
	if len(failed) != 1 || failed[0].Unit.Key() != "F30/stable" {
		t.Fatalf("unexpected failures: %+v", failed)
	}
}

func TestPushHonoursMaxParallel(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.MaxParallel = 1
	for _, name := range []string{"F28", "F29"} {
		addRelease(t, env, name)
	}
	putUpdate(t, env, "F28", "pkg-a-1.0-1.f28", catalog.RequestStable, catalog.TypeBugfix)
	putUpdate(t, env, "F29", "pkg-a-1.0-1.f29", catalog.RequestStable, catalog.TypeBugfix)
	putUpdate(t, env, "F30", "pkg-a-1.0-1.f30", catalog.RequestStable, catalog.TypeBugfix)
	runner := &scriptedRunner{delay: 5 * time.Millisecond}
	coord := NewCoordinator(env.cfg, env.svc).WithRunner(runner)

	if _, err := coord.Push(context.Background(), []string{"pkg-a-1.0-1.f28", "pkg-a-1.0-1.f29", "pkg-a-1.0-1.f30"}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if peak := atomic.LoadInt32(&runner.peak); peak != 1 {
		t.Fatalf("expected at most one concurrent unit, saw %d", peak)
	}
}

func TestPushCountsSkippedTitles(t *testing.T) {
	env := newTestEnv(t)
	putUpdate(t, env, "F30", "pkg-a-1.0-1.f30", catalog.RequestStable, catalog.TypeBugfix)
	coord := NewCoordinator(env.cfg, env.svc).WithRunner(&scriptedRunner{})

	res, err := coord.Push(context.Background(), []string{"pkg-a-1.0-1.f30", "nope-1-1", "nada-1-1"})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(res.Skipped) != 2 || env.metrics.skipped != 2 || env.metrics.started != 1 {
		t.Fatalf("unexpected skip accounting: %+v skipped=%d", res.Skipped, env.metrics.skipped)
	}
	if env.notifier.topics()[0] != notify.TopicStart {
		t.Fatalf("push must announce itself first: %v", env.notifier.topics())
	}
}

func TestPushEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	putUpdate(t, env, "F30", "pkg-a-1.0-1.f30", catalog.RequestStable, catalog.TypeBugfix)
	putUpdate(t, env, "F30", "pkg-b-2.0-1.f30", catalog.RequestTesting, catalog.TypeBugfix)
	coord := NewCoordinator(env.cfg, env.svc)

	res, err := coord.Push(context.Background(), []string{"pkg-a-1.0-1.f30", "pkg-b-2.0-1.f30"})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(res.Failed()) != 0 {
		t.Fatalf("unexpected failures: %+v", res.Failed())
	}
	if res.Units[0].TagID != "f30-updates" || res.Units[1].TagID != "f30-updates-testing" {
		t.Fatalf("unexpected unit order: %s, %s", res.Units[0].TagID, res.Units[1].TagID)
	}
	if _, ok := res.Digest["Fedora 30"]["pkg-b-2.0-1.f30"]; !ok {
		t.Fatalf("expected testing digest entry: %+v", res.Digest)
	}
	entries, err := env.states.List()
	if err != nil || len(entries) != 0 {
		t.Fatalf("no state may remain: %+v %v", entries, err)
	}
}

func TestResumeRebuildsUnitsFromState(t *testing.T) {
	env := newTestEnv(t)
	putUpdate(t, env, "F30", "pkg-a-1.0-1.f30", catalog.RequestTesting, catalog.TypeSecurity)
	seed := map[string]*pushstate.State{
		"f30-updates-testing": {Updates: []string{"pkg-a-1.0-1.f30"}, Release: "F30", Request: catalog.RequestTesting, Stage: string(StageComposed)},
		"f30-updates":         {Updates: []string{"pkg-x-1.0-1.f30"}, Release: "F30", Request: catalog.RequestStable},
		"legacy":              {Updates: []string{"pkg-y-1.0-1.f30"}},
	}
	for tag, st := range seed {
		if err := env.states.Create(tag, st); err != nil {
			t.Fatalf("seed %s: %v", tag, err)
		}
	}
	runner := &scriptedRunner{}
	coord := NewCoordinator(env.cfg, env.svc).WithRunner(runner)

	res, err := coord.Resume(context.Background(), []string{"f30-updates-testing", "legacy", "f31-updates"})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(runner.resumed) != 1 {
		t.Fatalf("expected one resumed unit, got %+v", runner.resumed)
	}
	unit := runner.resumed[0]
	if unit.Key() != "F30/testing" || !unit.Important || unit.Updates[0] != "pkg-a-1.0-1.f30" {
		t.Fatalf("unexpected resumed unit: %+v", unit)
	}
	if len(res.Skipped) != 2 {
		t.Fatalf("expected legacy and unknown tags skipped, got %v", res.Skipped)
	}

	runner = &scriptedRunner{}
	if _, err := coord.WithRunner(runner).Resume(context.Background(), nil); err != nil {
		t.Fatalf("resume all: %v", err)
	}
	if len(runner.resumed) != 2 {
		t.Fatalf("expected every resumable state, got %+v", runner.resumed)
	}
}
