package masher

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/cordum/masher/core/catalog"
	"github.com/cordum/masher/core/infra/logging"
)

// BugTracker refreshes bug metadata for security updates.
type BugTracker interface {
	RefreshSecurityBugs(ctx context.Context, upd *catalog.Update) error
}

// LogBugTracker only records which bugs would be refreshed.
type LogBugTracker struct{}

func (LogBugTracker) RefreshSecurityBugs(_ context.Context, upd *catalog.Update) error {
	logging.Info("worker", "refresh security bugs", "update", upd.Title, "bugs", upd.Bugs)
	return nil
}

const defaultDigestTemplate = `================================================================================
 {{.NVR}} ({{.Release}})
--------------------------------------------------------------------------------
Update:      {{.Title}}
Type:        {{.Type}}
{{- if .Bugs}}
Bugs:        {{join .Bugs}}
{{- end}}
{{- if .Notes}}

{{.Notes}}
{{- end}}
`

type digestView struct {
	NVR     string
	Release string
	Title   string
	Type    catalog.UpdateType
	Bugs    []int
	Notes   string
}

// DigestRenderer renders one testing digest notice per build.
type DigestRenderer struct {
	tmpl *template.Template
}

// NewDigestRenderer parses text, falling back to the built-in notice
// template when text is empty.
func NewDigestRenderer(text string) (*DigestRenderer, error) {
	if strings.TrimSpace(text) == "" {
		text = defaultDigestTemplate
	}
	tmpl, err := template.New("digest").Funcs(template.FuncMap{
		"join": func(ids []int) string {
			parts := make([]string, len(ids))
			for i, id := range ids {
				parts[i] = fmt.Sprintf("#%d", id)
			}
			return strings.Join(parts, ", ")
		},
	}).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse digest template: %w", err)
	}
	return &DigestRenderer{tmpl: tmpl}, nil
}

// Render adds every build of upd to digest under the release long name.
func (r *DigestRenderer) Render(digest Digest, rel *catalog.Release, upd *catalog.Update) error {
	name := rel.LongName
	if name == "" {
		name = rel.Name
	}
	for _, b := range upd.Builds {
		var buf bytes.Buffer
		view := digestView{NVR: b.NVR, Release: name, Title: upd.Title, Type: upd.Type, Bugs: upd.Bugs, Notes: upd.Notes}
		if err := r.tmpl.Execute(&buf, view); err != nil {
			return fmt.Errorf("render digest for %s: %w", b.NVR, err)
		}
		digest.add(name, b.NVR, buf.String())
	}
	return nil
}
