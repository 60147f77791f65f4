package masher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cordum/masher/core/buildsys"
	"github.com/cordum/masher/core/catalog"
	"github.com/cordum/masher/core/infra/config"
	"github.com/cordum/masher/core/infra/logging"
	"github.com/cordum/masher/core/infra/metrics"
	"github.com/cordum/masher/core/infra/tracing"
	"github.com/cordum/masher/core/masher/pushstate"
	"github.com/cordum/masher/core/metadata"
	"github.com/cordum/masher/core/notify"
	"github.com/cordum/masher/core/repo"
)

const pathTimeLayout = "060102.1504"

// Composer builds a repository tree.
type Composer interface {
	Compose(ctx context.Context, req repo.ComposeRequest) error
}

// CompsSource keeps the package group checkout current.
type CompsSource interface {
	Sync(ctx context.Context) error
	File(branch string) string
}

// SanityChecker validates a composed tree before staging.
type SanityChecker interface {
	Check(path string) error
}

// Stager publishes a composed tree under its tag identifier.
type Stager interface {
	Stage(tagID, target string) (string, error)
}

// TagSession is a build tag service handle owned by a single worker.
type TagSession interface {
	buildsys.Client
	Close() error
}

// Services are the collaborators shared by the coordinator and its workers.
// When OpenTags is set each worker opens its own session with it; Tags is
// used otherwise.
type Services struct {
	Catalog  catalog.Catalog
	Tags     buildsys.Client
	OpenTags func() (TagSession, error)
	States   *pushstate.Store
	Composer Composer
	Comps    CompsSource
	Injector metadata.Injector
	Sanity   SanityChecker
	Stager   Stager
	Bugs     BugTracker
	Digest   *DigestRenderer
	Notifier notify.Notifier
	Metrics  metrics.PushMetrics
	Now      func() time.Time
}

func (s Services) withDefaults() Services {
	if s.Bugs == nil {
		s.Bugs = LogBugTracker{}
	}
	if s.Notifier == nil {
		s.Notifier = notify.LogNotifier{}
	}
	if s.Metrics == nil {
		s.Metrics = metrics.Noop{}
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	if s.Digest == nil {
		s.Digest, _ = NewDigestRenderer("")
	}
	return s
}

// Worker runs the pipeline for one work unit. A worker is single use.
type Worker struct {
	cfg    *config.MasherConfig
	svc    Services
	unit   WorkUnit
	pushID string
	resume bool

	tags       buildsys.Client
	release    *catalog.Release
	tagID      string
	path       string
	state      *pushstate.State
	owned      bool
	resumeFrom Stage
	updates    []*catalog.Update
	actions    []buildsys.TagAction
	digest     Digest
}

func NewWorker(cfg *config.MasherConfig, svc Services, unit WorkUnit, pushID string, resume bool) *Worker {
	return &Worker{
		cfg:    cfg,
		svc:    svc.withDefaults(),
		unit:   unit,
		pushID: pushID,
		resume: resume,
		digest: Digest{},
	}
}

type step struct {
	stage Stage
	fn    func(context.Context) error
}

// Run drives the unit to done or failed. It never returns an error: failures
// are reported in the result after the state file has been saved.
func (w *Worker) Run(ctx context.Context) UnitResult {
	res := UnitResult{Unit: w.unit, Started: w.svc.Now()}
	ctx, span := tracing.Tracer().Start(ctx, "masher.work_unit", trace.WithAttributes(
		attribute.String("masher.release", w.unit.Release),
		attribute.String("masher.request", string(w.unit.Request)),
		attribute.Bool("masher.resume", w.resume),
		attribute.String("masher.push_id", w.pushID),
	))
	defer span.End()

	err := w.run(ctx)
	if closer, ok := w.tags.(TagSession); ok && w.svc.OpenTags != nil {
		if cerr := closer.Close(); cerr != nil {
			logging.Warn("worker", "closing tag session", "error", cerr)
		}
	}
	res.TagID, res.Path, res.Digest = w.tagID, w.path, w.digest
	res.Finished = w.svc.Now()
	status := "success"
	if err != nil {
		status = "failed"
		res.Stage, res.Err = StageFailed, err
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.fail(ctx, err)
	} else {
		res.Stage = StageDone
	}
	w.svc.Metrics.IncWorkUnitCompleted(w.label(), status)
	return res
}

func (w *Worker) label() string {
	if w.tagID != "" {
		return w.tagID
	}
	return w.unit.Key()
}

func (w *Worker) run(ctx context.Context) error {
	if err := w.step(ctx, StageInit, w.init); err != nil {
		return err
	}
	w.notify(ctx, notify.Mashing(w.pushID, w.tagID, w.state.Updates))

	steps := []step{
		{StageStateLoaded, w.loadState},
		{StageUpdatesLocked, w.lockUpdates},
		{StageSecurityBugsUpdated, w.updateSecurityBugs},
		{StageTagActionsPlanned, w.planTagActions},
		{StageTagActionsApplied, w.applyTagActions},
		{StageBuildrootOverridesExpired, w.expireOverrides},
		{StagePendingTagsRemoved, w.removePendingTags},
		{StageCompsUpdated, w.updateComps},
		{StageComposed, w.compose},
		{StageDigestGenerated, w.generateDigest},
		{StageRequestsCompleted, w.completeRequests},
		{StageMetadataInjected, w.injectMetadata},
		{StageSanityChecked, w.sanityCheck},
		{StageStaged, w.stage},
	}
	for _, s := range steps {
		if w.skip(s.stage) {
			logging.Info("worker", "skipping completed stage", "tag", w.tagID, "stage", s.stage)
			continue
		}
		if err := w.step(ctx, s.stage, s.fn); err != nil {
			return err
		}
	}
	return w.finish(ctx)
}

// skip reports whether a resumed unit already completed stage. Loading state,
// locking updates and rendering the digest always run again; the digest is
// not persisted.
func (w *Worker) skip(stage Stage) bool {
	if !w.resume {
		return false
	}
	switch stage {
	case StageStateLoaded, StageUpdatesLocked, StageDigestGenerated:
		return false
	}
	return w.resumeFrom.Reached(stage)
}

func (w *Worker) step(ctx context.Context, stage Stage, fn func(context.Context) error) error {
	ctx, span := tracing.Tracer().Start(ctx, "masher.stage."+string(stage))
	defer span.End()
	start := time.Now()
	err := fn(ctx)
	w.svc.Metrics.ObserveStage(string(stage), time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%s: %w", stage, err)
	}
	logging.Debug("worker", "stage complete", "tag", w.tagID, "stage", stage)
	if !w.owned {
		return nil
	}
	if !Stage(w.state.Stage).Reached(stage) {
		w.state.Stage = string(stage)
	}
	return w.save()
}

func (w *Worker) save() error {
	if err := w.svc.States.Save(w.tagID, w.state); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

func (w *Worker) init(ctx context.Context) error {
	w.tags = w.svc.Tags
	if w.svc.OpenTags != nil {
		session, err := w.svc.OpenTags()
		if err != nil {
			return fmt.Errorf("open tag session: %w", err)
		}
		w.tags = session
	}
	rel, err := w.svc.Catalog.GetRelease(ctx, w.unit.Release)
	if err != nil {
		return err
	}
	w.release = rel
	w.tagID = w.unit.TagID(rel)
	if w.tagID == "" {
		return fmt.Errorf("%w: %s %s", ErrMissingTag, rel.Name, w.unit.Request.TagRole())
	}
	logging.Info("worker", "running work unit", "tag", w.tagID, "push_id", w.pushID, "resume", w.resume)

	if w.resume {
		st, err := w.svc.States.Load(w.tagID)
		if err != nil {
			if errors.Is(err, pushstate.ErrStateNotFound) {
				return fmt.Errorf("%w: %s", ErrResumeNoState, w.tagID)
			}
			return err
		}
		w.state = st
		w.resumeFrom = Stage(st.Stage)
		// Planning leaves nothing durable behind; redo it unless tags were applied.
		if w.resumeFrom == StageTagActionsPlanned {
			w.resumeFrom = StageSecurityBugsUpdated
		}
		if len(st.Updates) == 0 {
			st.Updates = append([]string(nil), w.unit.Updates...)
		}
		if st.Release == "" {
			st.Release, st.Request = w.unit.Release, w.unit.Request
		}
		w.path = st.Path
	} else {
		exists, err := w.svc.States.Exists(w.tagID)
		if err != nil {
			return err
		}
		if exists {
			logging.Error("worker", "fresh push but state already exists", "tag", w.tagID, "path", w.svc.States.Path(w.tagID))
			return fmt.Errorf("%w: %s", pushstate.ErrStateExists, w.svc.States.Path(w.tagID))
		}
		w.state = &pushstate.State{
			Updates:        append([]string(nil), w.unit.Updates...),
			CompletedRepos: []string{},
			Release:        w.unit.Release,
			Request:        w.unit.Request,
			PushID:         w.pushID,
		}
	}
	if w.path == "" {
		w.path = filepath.Join(w.cfg.MashDir, w.tagID+"-"+w.svc.Now().UTC().Format(pathTimeLayout))
	}
	w.state.Path = w.path
	if w.pushID != "" {
		w.state.PushID = w.pushID
	}
	if err := os.MkdirAll(w.path, 0o755); err != nil {
		return fmt.Errorf("create working dir: %w", err)
	}
	return nil
}

func (w *Worker) loadState(context.Context) error {
	if w.resume {
		w.owned = true
		return nil
	}
	if err := w.svc.States.Create(w.tagID, w.state); err != nil {
		return err
	}
	w.owned = true
	logging.Info("worker", "push state saved", "path", w.svc.States.Path(w.tagID))
	return nil
}

func (w *Worker) lockUpdates(ctx context.Context) error {
	w.updates = w.updates[:0]
	for _, title := range w.state.Updates {
		upd, err := w.svc.Catalog.FindUpdate(ctx, title)
		if err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				logging.Warn("worker", "cannot find update, dropping", "tag", w.tagID, "title", title)
				continue
			}
			return err
		}
		w.updates = append(w.updates, upd)
	}
	if len(w.updates) == 0 {
		return fmt.Errorf("%w: %v", ErrNoUpdates, w.state.Updates)
	}
	for _, upd := range w.updates {
		if err := w.svc.Catalog.SetLocked(ctx, upd.Title, true); err != nil {
			return fmt.Errorf("lock %s: %w", upd.Title, err)
		}
		upd.Locked = true
	}
	return nil
}

func (w *Worker) updateSecurityBugs(ctx context.Context) error {
	for _, upd := range w.updates {
		if !upd.IsSecurity() {
			continue
		}
		if err := w.svc.Bugs.RefreshSecurityBugs(ctx, upd); err != nil {
			return fmt.Errorf("security bugs for %s: %w", upd.Title, err)
		}
	}
	return nil
}

func (w *Worker) planTagActions(ctx context.Context) error {
	for _, upd := range w.updates {
		for i := range upd.Builds {
			tags, err := w.tags.ListTags(ctx, upd.Builds[i].NVR)
			if err != nil {
				return fmt.Errorf("list tags for %s: %w", upd.Builds[i].NVR, err)
			}
			upd.Builds[i].Tags = tags
		}
	}
	plan := PlanTagActions
	if w.resume && !w.state.Tagged {
		plan = PlanRemainingTagActions
	}
	actions, err := plan(w.release, w.updates)
	if err != nil {
		return err
	}
	w.actions = actions
	return nil
}

func (w *Worker) applyTagActions(ctx context.Context) error {
	if len(w.actions) > 0 {
		pending, err := w.tags.Submit(ctx, buildsys.NewBatch(w.actions...))
		if err != nil {
			return fmt.Errorf("%w: %w", ErrTagging, err)
		}
		logging.Info("worker", "waiting for tag tasks", "tag", w.tagID, "tasks", len(pending.Tasks()))
		if err := pending.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %w", ErrTagging, err)
		}
	}
	w.state.Tagged = true
	return nil
}

func (w *Worker) expireOverrides(ctx context.Context) error {
	for _, upd := range w.updates {
		if upd.Request != catalog.RequestStable {
			continue
		}
		for _, b := range upd.Builds {
			if b.Override == nil || b.Override.Expired() {
				continue
			}
			if err := w.svc.Catalog.ExpireOverride(ctx, upd.Title, b.NVR); err != nil {
				return fmt.Errorf("expire override %s: %w", b.NVR, err)
			}
			logging.Info("worker", "expired buildroot override", "build", b.NVR)
		}
	}
	return nil
}

func (w *Worker) removePendingTags(ctx context.Context) error {
	batch := buildsys.NewBatch()
	for _, upd := range w.updates {
		tag := w.release.Tag(upd.Request.PendingTagRole())
		if tag == "" {
			continue
		}
		for _, b := range upd.Builds {
			batch.Remove(tag, b.NVR)
		}
	}
	if batch.Len() == 0 {
		return nil
	}
	pending, err := w.tags.Submit(ctx, batch)
	var faults *buildsys.BatchError
	switch {
	case errors.As(err, &faults):
		logging.Warn("worker", "pending tag removal reported faults", "tag", w.tagID, "error", err)
	case err != nil:
		return fmt.Errorf("remove pending tags: %w", err)
	}
	return pending.Wait(ctx)
}

func (w *Worker) updateComps(ctx context.Context) error {
	if w.svc.Comps == nil {
		return nil
	}
	if err := w.svc.Comps.Sync(ctx); err != nil {
		if errors.Is(err, repo.ErrCompsURL) {
			logging.Error("worker", "comps not updated", "tag", w.tagID, "error", err)
			return nil
		}
		return err
	}
	return nil
}

func (w *Worker) compsFile() string {
	if w.svc.Comps != nil {
		return w.svc.Comps.File(w.release.Branch)
	}
	return filepath.Join(w.cfg.CompsDir, "comps-"+w.release.Branch+".xml")
}

func (w *Worker) compose(ctx context.Context) error {
	if w.state.RepoCompleted(w.path) {
		logging.Info("worker", "already composed", "path", w.path)
		return nil
	}
	req := repo.ComposeRequest{TagID: w.tagID, OutputDir: w.path, CompsFile: w.compsFile()}
	if err := w.svc.Composer.Compose(ctx, req); err != nil {
		return err
	}
	w.state.CompletedRepos = append(w.state.CompletedRepos, w.path)
	return nil
}

// generateDigest keys off the unit's request: on resume the updates may
// already have had their requests completed.
func (w *Worker) generateDigest(context.Context) error {
	if w.unit.Request != catalog.RequestTesting {
		return nil
	}
	for _, upd := range w.updates {
		if err := w.svc.Digest.Render(w.digest, w.release, upd); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) completeRequests(ctx context.Context) error {
	for i, upd := range w.updates {
		if upd.Request == catalog.RequestNone {
			continue
		}
		done, err := w.svc.Catalog.CompleteRequest(ctx, upd.Title)
		if err != nil {
			return fmt.Errorf("complete request for %s: %w", upd.Title, err)
		}
		w.updates[i] = done
	}
	return nil
}

func (w *Worker) injectMetadata(ctx context.Context) error {
	if w.svc.Injector == nil {
		return nil
	}
	return w.svc.Injector.Inject(ctx, metadata.Request{
		TagID:   w.tagID,
		Path:    w.path,
		Release: w.release,
		Request: w.unit.Request,
		Updates: w.updates,
	})
}

func (w *Worker) sanityCheck(context.Context) error {
	return w.svc.Sanity.Check(w.path)
}

func (w *Worker) stage(context.Context) error {
	link, err := w.svc.Stager.Stage(w.tagID, w.path)
	if err != nil {
		return err
	}
	logging.Info("worker", "staged", "link", link, "target", w.path)
	return nil
}

func (w *Worker) finish(ctx context.Context) error {
	for _, upd := range w.updates {
		if err := w.svc.Catalog.SetLocked(ctx, upd.Title, false); err != nil {
			logging.Warn("worker", "unlock failed", "update", upd.Title, "error", err)
		}
	}
	if err := w.svc.States.Remove(w.tagID); err != nil {
		return fmt.Errorf("remove state: %w", err)
	}
	w.owned = false
	w.state.Stage = string(StageDone)
	logging.Info("worker", "work unit finished", "tag", w.tagID, "success", true)
	w.notify(ctx, notify.Complete(w.pushID, w.tagID, true))
	return nil
}

func (w *Worker) fail(ctx context.Context, err error) {
	logging.Error("worker", "work unit failed", "tag", w.label(), "error", err)
	if w.owned {
		if saveErr := w.save(); saveErr != nil {
			logging.Error("worker", "could not save state after failure", "tag", w.tagID, "error", saveErr)
		}
	}
	w.notify(ctx, notify.Complete(w.pushID, w.label(), false))
}

func (w *Worker) notify(ctx context.Context, evt notify.Event) {
	if err := w.svc.Notifier.Notify(ctx, evt); err != nil {
		logging.Warn("worker", "notification failed", "topic", evt.Topic, "error", err)
	}
}
