// Package masher drives pushes: the coordinator partitions updates into work
// units and runs one worker pipeline per unit.
package masher

import (
	"time"

	"github.com/cordum/masher/core/catalog"
)

// Stage is one step of the worker pipeline. Stages only move forward.
type Stage string

const (
	StageInit                      Stage = "init"
	StageStateLoaded               Stage = "state_loaded"
	StageUpdatesLocked             Stage = "updates_locked"
	StageSecurityBugsUpdated       Stage = "security_bugs_updated"
	StageTagActionsPlanned         Stage = "tag_actions_planned"
	StageTagActionsApplied         Stage = "tag_actions_applied"
	StageBuildrootOverridesExpired Stage = "buildroot_overrides_expired"
	StagePendingTagsRemoved        Stage = "pending_tags_removed"
	StageCompsUpdated              Stage = "comps_updated"
	StageComposed                  Stage = "composed"
	StageDigestGenerated           Stage = "digest_generated"
	StageRequestsCompleted         Stage = "requests_completed"
	StageMetadataInjected          Stage = "metadata_injected"
	StageSanityChecked             Stage = "sanity_checked"
	StageStaged                    Stage = "staged"
	StageDone                      Stage = "done"
	StageFailed                    Stage = "failed"
)

var stageOrder = []Stage{
	StageInit,
	StageStateLoaded,
	StageUpdatesLocked,
	StageSecurityBugsUpdated,
	StageTagActionsPlanned,
	StageTagActionsApplied,
	StageBuildrootOverridesExpired,
	StagePendingTagsRemoved,
	StageCompsUpdated,
	StageComposed,
	StageDigestGenerated,
	StageRequestsCompleted,
	StageMetadataInjected,
	StageSanityChecked,
	StageStaged,
	StageDone,
}

// index returns the stage's position in the pipeline, -1 for failed or
// unknown stages.
func (s Stage) index() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Reached reports whether a unit recorded at s has completed target.
func (s Stage) Reached(target Stage) bool {
	idx := s.index()
	return idx >= 0 && idx >= target.index()
}

// WorkUnit is one (release, request) group of update titles.
type WorkUnit struct {
	Release   string
	Request   catalog.Request
	Updates   []string
	Important bool
}

// TagID is the unit's identifier: the release tag its request targets.
func (u WorkUnit) TagID(rel *catalog.Release) string {
	return rel.Tag(u.Request.TagRole())
}

// Key is the grouping key used before the release is resolved.
func (u WorkUnit) Key() string {
	return u.Release + "/" + string(u.Request)
}

// UnitResult is the outcome of one worker run.
type UnitResult struct {
	Unit     WorkUnit
	TagID    string
	Path     string
	Stage    Stage
	Err      error
	Digest   Digest
	Started  time.Time
	Finished time.Time
}

func (r UnitResult) Success() bool {
	return r.Err == nil && r.Stage == StageDone
}

// PushResult collects every unit of one push in execution order.
type PushResult struct {
	PushID  string
	Skipped []string
	Units   []UnitResult
	Digest  Digest
}

// Failed lists the units that did not reach done.
func (r *PushResult) Failed() []UnitResult {
	var out []UnitResult
	for _, u := range r.Units {
		if !u.Success() {
			out = append(out, u)
		}
	}
	return out
}

// Digest maps release long name to build NVR to rendered notice text.
type Digest map[string]map[string]string

func (d Digest) add(release, nvr, text string) {
	if d[release] == nil {
		d[release] = map[string]string{}
	}
	d[release][nvr] = text
}

// Merge copies other's entries into d.
func (d Digest) Merge(other Digest) {
	for rel, builds := range other {
		for nvr, text := range builds {
			d.add(rel, nvr, text)
		}
	}
}
