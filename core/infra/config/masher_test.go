package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseMasherDefaults(t *testing.T) {
	cfg, err := ParseMasher([]byte("mash_dir: /mnt/koji/mash/updates\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.StateDir != "/mnt/koji/mash/updates" {
		t.Fatalf("expected state_dir to default to mash_dir, got %q", cfg.StateDir)
	}
	if cfg.MashCommand != "mash" || cfg.MashConf != "/etc/mash/mash.conf" {
		t.Fatalf("unexpected mash defaults: %q %q", cfg.MashCommand, cfg.MashConf)
	}
	if len(cfg.CompsSchemes) != 1 || cfg.CompsSchemes[0] != "git://" {
		t.Fatalf("unexpected comps schemes: %v", cfg.CompsSchemes)
	}
	if cfg.TagPollInterval() != 5*time.Second {
		t.Fatalf("unexpected poll interval: %s", cfg.TagPollInterval())
	}
	if cfg.ComposeTimeout() != 0 || cfg.TagWaitTimeout() != 0 {
		t.Fatalf("expected unbounded timeouts by default")
	}
	if cfg.ModifyrepoCommand != "modifyrepo_c" {
		t.Fatalf("unexpected modifyrepo: %q", cfg.ModifyrepoCommand)
	}
}

func TestParseMasherFull(t *testing.T) {
	data := `
mash_dir: /srv/mash
state_dir: /srv/state
stage_dir: /srv/stage
arches: ["x86_64", "ppc/ppc64/ppc64le"]
max_parallel: 3
compose_timeout_seconds: 600
topic_prefix: org.example
environment: stg
masher_topic: masher.start
koji:
  hub_url: https://koji.example/kojihub
tracing:
  enabled: true
`
	cfg, err := ParseMasher([]byte(data))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.StateDir != "/srv/state" || cfg.MaxParallel != 3 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.ComposeTimeout() != 10*time.Minute {
		t.Fatalf("unexpected compose timeout: %s", cfg.ComposeTimeout())
	}
	if cfg.TriggerSubject() != "org.example.stg.masher.start" {
		t.Fatalf("unexpected subject: %s", cfg.TriggerSubject())
	}
	if !cfg.Tracing.Enabled || cfg.Koji.HubURL == "" {
		t.Fatalf("nested sections not parsed: %+v", cfg)
	}
	classes := cfg.ArchClasses()
	if len(classes) != 2 || len(classes[0]) != 1 || len(classes[1]) != 3 {
		t.Fatalf("unexpected arch classes: %v", classes)
	}
	if classes[1][2] != "ppc64le" {
		t.Fatalf("unexpected alternative: %v", classes[1])
	}
}

func TestParseMasherRejectsSchemaViolations(t *testing.T) {
	cases := map[string]string{
		"missing mash_dir": "stage_dir: /srv/stage\n",
		"unknown key":      "mash_dir: /srv\nbogus: 1\n",
		"negative limit":   "mash_dir: /srv\nmax_parallel: -1\n",
		"wrong type":       "mash_dir: /srv\narches: x86_64\n",
	}
	for name, data := range cases {
		if _, err := ParseMasher([]byte(data)); err == nil {
			t.Fatalf("%s: expected error", name)
		} else if !strings.Contains(err.Error(), "masher") {
			t.Fatalf("%s: unexpected error: %v", name, err)
		}
	}
}

func TestLoadMasherFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "masher.yaml")
	if err := os.WriteFile(path, []byte("mash_dir: /srv/mash\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadMasher(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MashDir != "/srv/mash" {
		t.Fatalf("unexpected mash dir: %q", cfg.MashDir)
	}
	if _, err := LoadMasher(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
