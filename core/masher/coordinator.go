package masher

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cordum/masher/core/catalog"
	"github.com/cordum/masher/core/infra/config"
	"github.com/cordum/masher/core/infra/logging"
	"github.com/cordum/masher/core/notify"
)

// UnitRunner executes one work unit to completion.
type UnitRunner interface {
	RunUnit(ctx context.Context, unit WorkUnit, pushID string, resume bool) UnitResult
}

// Wave is a set of units started together and joined before the next wave.
type Wave struct {
	Important bool
	Request   catalog.Request
	Units     []WorkUnit
}

func (w Wave) String() string {
	batch := "normal"
	if w.Important {
		batch = "important"
	}
	return batch + "/" + string(w.Request)
}

// Coordinator partitions pushes into work units and runs them in waves.
type Coordinator struct {
	cfg    *config.MasherConfig
	svc    Services
	runner UnitRunner
}

func NewCoordinator(cfg *config.MasherConfig, svc Services) *Coordinator {
	c := &Coordinator{cfg: cfg, svc: svc.withDefaults()}
	c.runner = c
	return c
}

// WithRunner replaces the unit runner.
func (c *Coordinator) WithRunner(r UnitRunner) *Coordinator {
	if r != nil {
		c.runner = r
	}
	return c
}

// RunUnit runs a fresh worker for unit.
func (c *Coordinator) RunUnit(ctx context.Context, unit WorkUnit, pushID string, resume bool) UnitResult {
	return NewWorker(c.cfg, c.svc, unit, pushID, resume).Run(ctx)
}

// Push resolves titles, groups them into work units and runs every wave.
// Unresolvable titles are skipped. Unit failures are reported in the result,
// never as an error.
func (c *Coordinator) Push(ctx context.Context, titles []string) (*PushResult, error) {
	pushID := uuid.NewString()
	c.svc.Metrics.IncPushStarted()
	c.notify(ctx, notify.Start(pushID))
	logging.Info("coordinator", "push started", "push_id", pushID, "titles", len(titles))

	units, skipped, err := c.Organize(ctx, titles)
	if err != nil {
		return nil, err
	}
	if len(skipped) > 0 {
		c.svc.Metrics.IncTitlesSkipped(len(skipped))
	}
	res := c.execute(ctx, pushID, units, false)
	res.Skipped = skipped
	return res, nil
}

// Resume reruns retained state files. With no tag ids every retained state
// is resumed.
func (c *Coordinator) Resume(ctx context.Context, tagIDs []string) (*PushResult, error) {
	entries, err := c.svc.States.List()
	if err != nil {
		return nil, err
	}
	wanted := map[string]bool{}
	for _, id := range tagIDs {
		wanted[id] = true
	}
	pushID := uuid.NewString()
	c.svc.Metrics.IncPushStarted()
	c.notify(ctx, notify.Start(pushID))

	var units []WorkUnit
	var skipped []string
	for _, e := range entries {
		if len(wanted) > 0 && !wanted[e.TagID] {
			continue
		}
		delete(wanted, e.TagID)
		if e.State == nil || e.State.Release == "" || e.State.Request == catalog.RequestNone {
			logging.Warn("coordinator", "state cannot be resumed", "tag", e.TagID)
			skipped = append(skipped, e.TagID)
			continue
		}
		unit := WorkUnit{Release: e.State.Release, Request: e.State.Request, Updates: append([]string(nil), e.State.Updates...)}
		for _, title := range unit.Updates {
			upd, err := c.svc.Catalog.FindUpdate(ctx, title)
			if err == nil && upd.IsSecurity() {
				unit.Important = true
				break
			}
		}
		units = append(units, unit)
	}
	for id := range wanted {
		logging.Warn("coordinator", "no state to resume", "tag", id)
		skipped = append(skipped, id)
	}
	logging.Info("coordinator", "resume started", "push_id", pushID, "units", len(units))
	res := c.execute(ctx, pushID, units, true)
	res.Skipped = skipped
	return res, nil
}

// Organize resolves titles and groups them by (release, request) in first
// seen order. It returns the titles that did not resolve.
func (c *Coordinator) Organize(ctx context.Context, titles []string) ([]WorkUnit, []string, error) {
	var units []WorkUnit
	index := map[string]int{}
	seen := map[string]bool{}
	var skipped []string
	for _, title := range titles {
		if title == "" || seen[title] {
			continue
		}
		seen[title] = true
		upd, err := c.svc.Catalog.FindUpdate(ctx, title)
		if err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				logging.Warn("coordinator", "cannot find update", "title", title)
				skipped = append(skipped, title)
				continue
			}
			return nil, nil, fmt.Errorf("resolve %s: %w", title, err)
		}
		if upd.Request == catalog.RequestNone {
			logging.Warn("coordinator", "update has no request", "title", title)
			skipped = append(skipped, title)
			continue
		}
		key := WorkUnit{Release: upd.Release, Request: upd.Request}.Key()
		i, ok := index[key]
		if !ok {
			i = len(units)
			index[key] = i
			units = append(units, WorkUnit{Release: upd.Release, Request: upd.Request})
		}
		units[i].Updates = append(units[i].Updates, upd.Title)
		if upd.IsSecurity() {
			units[i].Important = true
		}
	}
	return units, skipped, nil
}

// Prioritize orders units into waves: important stable, important testing,
// normal stable, normal testing. Empty waves are omitted.
func Prioritize(units []WorkUnit) []Wave {
	var waves []Wave
	for _, important := range []bool{true, false} {
		for _, req := range []catalog.Request{catalog.RequestStable, catalog.RequestTesting} {
			wave := Wave{Important: important, Request: req}
			for _, u := range units {
				if u.Important == important && u.Request == req {
					wave.Units = append(wave.Units, u)
				}
			}
			if len(wave.Units) > 0 {
				waves = append(waves, wave)
			}
		}
	}
	return waves
}

func (c *Coordinator) execute(ctx context.Context, pushID string, units []WorkUnit, resume bool) *PushResult {
	res := &PushResult{PushID: pushID, Digest: Digest{}}
	for _, wave := range Prioritize(units) {
		logging.Info("coordinator", "starting wave", "push_id", pushID, "wave", wave.String(), "units", len(wave.Units))
		results := make([]UnitResult, len(wave.Units))
		var g errgroup.Group
		if c.cfg != nil && c.cfg.MaxParallel > 0 {
			g.SetLimit(c.cfg.MaxParallel)
		}
		for i, unit := range wave.Units {
			g.Go(func() error {
				results[i] = c.runner.RunUnit(ctx, unit, pushID, resume)
				return nil
			})
		}
		_ = g.Wait()
		for _, r := range results {
			if r.Digest != nil {
				res.Digest.Merge(r.Digest)
			}
		}
		res.Units = append(res.Units, results...)
	}
	logging.Info("coordinator", "push finished", "push_id", pushID, "units", len(res.Units), "failed", len(res.Failed()))
	return res
}

func (c *Coordinator) notify(ctx context.Context, evt notify.Event) {
	if err := c.svc.Notifier.Notify(ctx, evt); err != nil {
		logging.Warn("coordinator", "notification failed", "topic", evt.Topic, "error", err)
	}
}
