package catalog

import (
	"fmt"
	"strings"
	"time"
)

// Request is the promotion an update asks for. The zero value means none.
type Request string

const (
	RequestNone    Request = ""
	RequestTesting Request = "testing"
	RequestStable  Request = "stable"
)

// ParseRequest accepts "testing", "stable" or an empty string.
func ParseRequest(raw string) (Request, error) {
	switch r := Request(strings.ToLower(strings.TrimSpace(raw))); r {
	case RequestNone, RequestTesting, RequestStable:
		return r, nil
	default:
		return RequestNone, fmt.Errorf("unknown request %q", raw)
	}
}

// TagRole is the release tag a build lands in once the request completes.
func (r Request) TagRole() TagRole {
	switch r {
	case RequestTesting:
		return TagTesting
	case RequestStable:
		return TagStable
	}
	return ""
}

// PendingTagRole is the pending tag removed once the request is pushed.
func (r Request) PendingTagRole() TagRole {
	switch r {
	case RequestTesting:
		return TagPendingTesting
	case RequestStable:
		return TagPendingStable
	}
	return ""
}

// UpdateStatus is the lifecycle state of an update.
type UpdateStatus string

const (
	StatusPending  UpdateStatus = "pending"
	StatusTesting  UpdateStatus = "testing"
	StatusStable   UpdateStatus = "stable"
	StatusObsolete UpdateStatus = "obsolete"
)

// UpdateType classifies an update; security updates are pushed first.
type UpdateType string

const (
	TypeBugfix      UpdateType = "bugfix"
	TypeSecurity    UpdateType = "security"
	TypeEnhancement UpdateType = "enhancement"
	TypeNewPackage  UpdateType = "newpackage"
)

// ReleaseState affects how builds are tagged.
type ReleaseState string

const (
	ReleaseDisabled ReleaseState = "disabled"
	ReleasePending  ReleaseState = "pending"
	ReleaseCurrent  ReleaseState = "current"
	ReleaseArchived ReleaseState = "archived"
)

// TagRole names one of a release's lifecycle tags.
type TagRole string

const (
	TagCandidate      TagRole = "candidate"
	TagTesting        TagRole = "testing"
	TagStable         TagRole = "stable"
	TagPendingTesting TagRole = "pending-testing"
	TagPendingStable  TagRole = "pending-stable"
)

// Release is a distribution release and its lifecycle tags.
type Release struct {
	Name     string             `json:"name" yaml:"name"`
	LongName string             `json:"long_name" yaml:"long_name"`
	Branch   string             `json:"branch" yaml:"branch"`
	State    ReleaseState       `json:"state" yaml:"state"`
	Tags     map[TagRole]string `json:"tags" yaml:"tags"`
}

// Tag resolves the release-scoped tag for role, or "" when unset.
func (r *Release) Tag(role TagRole) string {
	if r == nil || r.Tags == nil {
		return ""
	}
	return r.Tags[role]
}

// Override is a buildroot override attached to a build.
type Override struct {
	ID        string     `json:"id" yaml:"id"`
	ExpiredAt *time.Time `json:"expired_at,omitempty" yaml:"expired_at,omitempty"`
}

func (o *Override) Expired() bool {
	return o != nil && o.ExpiredAt != nil
}

// Build is one NVR carried by an update. Tag memberships live in the build
// tag service and are filled in by the worker before planning.
type Build struct {
	NVR      string    `json:"nvr" yaml:"nvr"`
	Tags     []string  `json:"-" yaml:"-"`
	Override *Override `json:"override,omitempty" yaml:"override,omitempty"`
}

// Update is a set of builds moving through a release's lifecycle.
type Update struct {
	Title      string       `json:"title" yaml:"title"`
	Release    string       `json:"release" yaml:"release"`
	Request    Request      `json:"request,omitempty" yaml:"request,omitempty"`
	Type       UpdateType   `json:"type" yaml:"type"`
	Status     UpdateStatus `json:"status" yaml:"status"`
	Builds     []Build      `json:"builds" yaml:"builds"`
	Bugs       []int        `json:"bugs,omitempty" yaml:"bugs,omitempty"`
	Notes      string       `json:"notes,omitempty" yaml:"notes,omitempty"`
	Locked     bool         `json:"locked" yaml:"locked"`
	Pushed     bool         `json:"pushed" yaml:"pushed"`
	DatePushed *time.Time   `json:"date_pushed,omitempty" yaml:"date_pushed,omitempty"`
}

func (u *Update) IsSecurity() bool {
	return u != nil && u.Type == TypeSecurity
}

// clone returns a deep copy so callers never share build slices.
func (u *Update) clone() *Update {
	if u == nil {
		return nil
	}
	out := *u
	out.Builds = make([]Build, len(u.Builds))
	for i, b := range u.Builds {
		out.Builds[i] = b
		out.Builds[i].Tags = append([]string(nil), b.Tags...)
		if b.Override != nil {
			ov := *b.Override
			out.Builds[i].Override = &ov
		}
	}
	out.Bugs = append([]int(nil), u.Bugs...)
	return &out
}

func (r *Release) clone() *Release {
	if r == nil {
		return nil
	}
	out := *r
	out.Tags = make(map[TagRole]string, len(r.Tags))
	for k, v := range r.Tags {
		out.Tags[k] = v
	}
	return &out
}

// completeRequest moves the update into the status its request asked for
// and clears the request.
func completeRequest(u *Update, now time.Time) {
	switch u.Request {
	case RequestTesting:
		u.Status = StatusTesting
	case RequestStable:
		u.Status = StatusStable
	default:
		return
	}
	u.Pushed = true
	u.DatePushed = &now
	u.Request = RequestNone
}

// SplitNVR splits "name-version-release" on its last two dashes.
func SplitNVR(nvr string) (name, version, release string, err error) {
	r := strings.LastIndex(nvr, "-")
	if r <= 0 {
		return "", "", "", fmt.Errorf("malformed nvr %q", nvr)
	}
	v := strings.LastIndex(nvr[:r], "-")
	if v <= 0 {
		return "", "", "", fmt.Errorf("malformed nvr %q", nvr)
	}
	return nvr[:v], nvr[v+1 : r], nvr[r+1:], nil
}
