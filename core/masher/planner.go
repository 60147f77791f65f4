package masher

import (
	"fmt"
	"sort"

	version "github.com/knqyf263/go-rpm-version"

	"github.com/cordum/masher/core/buildsys"
	"github.com/cordum/masher/core/catalog"
)

// PlanTagActions computes the tag mutations for updates, which must already
// carry their builds' current tag memberships. Updates are visited in
// SortUpdates order.
func PlanTagActions(rel *catalog.Release, updates []*catalog.Update) ([]buildsys.TagAction, error) {
	return planTagActions(rel, updates, false)
}

// PlanRemainingTagActions plans for a push that stopped while its tag
// actions were in flight. Builds already carrying their requested tag were
// handled by the earlier attempt and are left out.
func PlanRemainingTagActions(rel *catalog.Release, updates []*catalog.Update) ([]buildsys.TagAction, error) {
	return planTagActions(rel, updates, true)
}

func planTagActions(rel *catalog.Release, updates []*catalog.Update, remaining bool) ([]buildsys.TagAction, error) {
	var actions []buildsys.TagAction
	for _, upd := range SortUpdates(updates) {
		phase := catalog.TagCandidate
		if upd.Status == catalog.StatusTesting {
			phase = catalog.TagTesting
		}
		phaseTag := rel.Tag(phase)
		requested := rel.Tag(upd.Request.TagRole())
		if requested == "" {
			return nil, fmt.Errorf("%w: %s %s for %s", ErrMissingTag, rel.Name, upd.Request.TagRole(), upd.Title)
		}
		for _, b := range upd.Builds {
			if remaining && hasTag(b.Tags, requested) {
				continue
			}
			if !hasTag(b.Tags, phaseTag) {
				return nil, fmt.Errorf("%w: %s in %s (expected %q, has %v)", ErrNoCurrentTag, b.NVR, upd.Title, phaseTag, b.Tags)
			}
			if rel.State == catalog.ReleasePending && upd.Request == catalog.RequestStable {
				actions = append(actions, buildsys.Add(requested, b.NVR))
			} else {
				actions = append(actions, buildsys.Move(phaseTag, requested, b.NVR))
			}
		}
	}
	return actions, nil
}

func hasTag(memberships []string, tag string) bool {
	if tag == "" {
		return false
	}
	for _, t := range memberships {
		if t == tag {
			return true
		}
	}
	return false
}

type sortedBuild struct {
	update int
	ver    version.Version
}

// SortUpdates orders updates so that, for any package built by more than
// one update, the update with the highest version-release of it comes last.
// Updates sharing no package with another keep their input order after the
// conflicting ones.
func SortUpdates(updates []*catalog.Update) []*catalog.Update {
	byName := map[string][]sortedBuild{}
	var names []string
	for i, upd := range updates {
		for _, b := range upd.Builds {
			name, ver, rel, err := catalog.SplitNVR(b.NVR)
			if err != nil {
				name, ver, rel = b.NVR, "0", "0"
			}
			if _, ok := byName[name]; !ok {
				names = append(names, name)
			}
			byName[name] = append(byName[name], sortedBuild{update: i, ver: version.NewVersion(ver + "-" + rel)})
		}
	}
	sort.Strings(names)

	ordered := make([]int, 0, len(updates))
	placed := map[int]bool{}
	for _, name := range names {
		builds := byName[name]
		if len(builds) < 2 {
			continue
		}
		sort.SliceStable(builds, func(i, j int) bool {
			return builds[i].ver.LessThan(builds[j].ver)
		})
		for _, b := range builds {
			if placed[b.update] {
				// Keep the latest position so the highest build wins.
				ordered = removeIndex(ordered, b.update)
			}
			ordered = append(ordered, b.update)
			placed[b.update] = true
		}
	}
	out := make([]*catalog.Update, 0, len(updates))
	for _, i := range ordered {
		out = append(out, updates[i])
	}
	for i, upd := range updates {
		if !placed[i] {
			out = append(out, upd)
		}
	}
	return out
}

func removeIndex(list []int, v int) []int {
	for i, x := range list {
		if x == v {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
