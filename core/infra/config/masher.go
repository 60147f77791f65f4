package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultMashCommand      = "mash"
	defaultMashConf         = "/etc/mash/mash.conf"
	defaultModifyrepo       = "modifyrepo_c"
	defaultTagPollInterval  = 5
	defaultTopicPrefix      = "org.fedoraproject"
	defaultEnvironment      = "dev"
	defaultMasherTopic      = "bodhi.masher.start"
	defaultCompsURLScheme   = "git://"
	archAlternativeSplitter = "/"
)

// KojiConfig points the build tag service client at a hub.
type KojiConfig struct {
	HubURL string `yaml:"hub_url"`
	Cert   string `yaml:"cert"`
	Key    string `yaml:"key"`
	CA     string `yaml:"ca"`
}

// TracingConfig toggles span export.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MasherConfig is the explicit configuration threaded into the coordinator
// and every worker.
type MasherConfig struct {
	MashDir                string        `yaml:"mash_dir"`
	StateDir               string        `yaml:"state_dir"`
	StageDir               string        `yaml:"stage_dir"`
	CacheDir               string        `yaml:"cache_dir"`
	MashCommand            string        `yaml:"mash_command"`
	MashConf               string        `yaml:"mash_conf"`
	CompsDir               string        `yaml:"comps_dir"`
	CompsURL               string        `yaml:"comps_url"`
	CompsSchemes           []string      `yaml:"comps_schemes"`
	Arches                 []string      `yaml:"arches"`
	MaxParallel            int           `yaml:"max_parallel"`
	ComposeTimeoutSeconds  int           `yaml:"compose_timeout_seconds"`
	TagWaitTimeoutSeconds  int           `yaml:"tag_wait_timeout_seconds"`
	TagPollIntervalSeconds int           `yaml:"tag_poll_interval_seconds"`
	ModifyrepoCommand      string        `yaml:"modifyrepo_command"`
	PkgtagsPath            string        `yaml:"pkgtags_path"`
	TopicPrefix            string        `yaml:"topic_prefix"`
	Environment            string        `yaml:"environment"`
	MasherTopic            string        `yaml:"masher_topic"`
	ValidSigner            string        `yaml:"valid_signer"`
	Koji                   KojiConfig    `yaml:"koji"`
	Tracing                TracingConfig `yaml:"tracing"`
}

// LoadMasher reads, validates and defaults a masher config file.
func LoadMasher(path string) (*MasherConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read masher config: %w", err)
	}
	return ParseMasher(data)
}

// ParseMasher parses masher config bytes.
func ParseMasher(data []byte) (*MasherConfig, error) {
	if err := checkMasherSchema(data); err != nil {
		return nil, err
	}
	var cfg MasherConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse masher config: %w", err)
	}
	cfg.applyDefaults()
	if strings.TrimSpace(cfg.MashDir) == "" {
		return nil, fmt.Errorf("masher config: mash_dir is required")
	}
	return &cfg, nil
}

func (c *MasherConfig) applyDefaults() {
	if c.StateDir == "" {
		c.StateDir = c.MashDir
	}
	if c.MashCommand == "" {
		c.MashCommand = defaultMashCommand
	}
	if c.MashConf == "" {
		c.MashConf = defaultMashConf
	}
	if len(c.CompsSchemes) == 0 {
		c.CompsSchemes = []string{defaultCompsURLScheme}
	}
	if c.TagPollIntervalSeconds <= 0 {
		c.TagPollIntervalSeconds = defaultTagPollInterval
	}
	if c.ModifyrepoCommand == "" {
		c.ModifyrepoCommand = defaultModifyrepo
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = defaultTopicPrefix
	}
	if c.Environment == "" {
		c.Environment = defaultEnvironment
	}
	if c.MasherTopic == "" {
		c.MasherTopic = defaultMasherTopic
	}
}

// ArchClasses splits each configured arch entry into its alternatives.
// "ppc/ppc64" yields one class satisfied by either directory.
func (c *MasherConfig) ArchClasses() [][]string {
	out := make([][]string, 0, len(c.Arches))
	for _, entry := range c.Arches {
		var class []string
		for _, alt := range strings.Split(entry, archAlternativeSplitter) {
			if alt = strings.TrimSpace(alt); alt != "" {
				class = append(class, alt)
			}
		}
		if len(class) > 0 {
			out = append(out, class)
		}
	}
	return out
}

// TopicBase is the "<prefix>.<environment>." prefix shared by every subject.
func (c *MasherConfig) TopicBase() string {
	return c.TopicPrefix + "." + c.Environment + "."
}

// TriggerSubject is the subject the daemon listens on for push requests.
func (c *MasherConfig) TriggerSubject() string {
	return c.TopicBase() + c.MasherTopic
}

// ComposeTimeout returns zero when composes may run forever.
func (c *MasherConfig) ComposeTimeout() time.Duration {
	return time.Duration(c.ComposeTimeoutSeconds) * time.Second
}

// TagWaitTimeout returns zero when tag tasks may run forever.
func (c *MasherConfig) TagWaitTimeout() time.Duration {
	return time.Duration(c.TagWaitTimeoutSeconds) * time.Second
}

func (c *MasherConfig) TagPollInterval() time.Duration {
	return time.Duration(c.TagPollIntervalSeconds) * time.Second
}
