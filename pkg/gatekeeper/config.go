// Copyright 2024-2026 Aiku AI

package gatekeeper

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"slices"
	"strings"
	"text/template"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

//go:embed example-config.yaml
var ExampleConfig string

// RoomConfig holds the per-room switches.
type RoomConfig struct {
	Manage      bool `yaml:"manage"`
	WordFilter  bool `yaml:"word_filter"`
	TrustedOnly bool `yaml:"trusted_only"`
	ImageDedup  bool `yaml:"image_dedup"`
}

// MessagesConfig holds the message templates.
type MessagesConfig struct {
	GatekeepMute string `yaml:"gatekeep_mute"`
	GatekeepBan  string `yaml:"gatekeep_ban"`
	FloodAlert   string `yaml:"flood_alert"`
}

type FloodConfig struct {
	Threshold int    `yaml:"threshold"`
	ResetCron string `yaml:"reset_cron"`
}

type BotHeuristicConfig struct {
	Domain      string        `yaml:"domain"`
	BanDuration time.Duration `yaml:"ban_duration"`
}

type ImageDedupConfig struct {
	Reaction    string `yaml:"reaction"`
	MaxDistance int    `yaml:"max_distance"`
	MaxBytes    int    `yaml:"max_bytes"`
}

type TransportConfig struct {
	RetryBase   time.Duration `yaml:"retry_base"`
	RetryBudget time.Duration `yaml:"retry_budget"`
	RateLimit   float64       `yaml:"rate_limit"`
	RateBurst   int           `yaml:"rate_burst"`
}

type SyncConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	BackoffFloor time.Duration `yaml:"backoff_floor"`
	BackoffCap   time.Duration `yaml:"backoff_cap"`
}

type SchedulerConfig struct {
	TickCron string `yaml:"tick_cron"`
}

// Config is the gatekeeper configuration file.
type Config struct {
	HomeserverURL string    `yaml:"homeserver_url"`
	AccessToken   string    `yaml:"access_token"`
	OwnerID       id.UserID `yaml:"owner_id"`
	// AlertRoom receives flood alerts. Empty means the flooded room.
	AlertRoom     id.RoomID `yaml:"alert_room"`
	CommandPrefix string    `yaml:"command_prefix"`
	DatabasePath  string    `yaml:"database_path"`
	// AdminAPIAddr is the listen address of the metrics and status API.
	// Empty disables it.
	AdminAPIAddr string `yaml:"admin_api_addr"`
	// AdminAPIToken authenticates POST /api/command. Empty disables the
	// endpoint.
	AdminAPIToken string `yaml:"admin_api_token"`

	Rooms        map[id.RoomID]*RoomConfig `yaml:"rooms"`
	WordFilter   []string                  `yaml:"word_filter"`
	LetterAlias  [][]string                `yaml:"letter_alias"`
	TrustDomains map[string]bool           `yaml:"trust_domains"`

	Messages               MessagesConfig     `yaml:"messages"`
	Flood                  FloodConfig        `yaml:"flood"`
	BotHeuristic           BotHeuristicConfig `yaml:"bot_heuristic"`
	TrustedOnlyBanDuration time.Duration      `yaml:"trusted_only_ban_duration"`
	MentionDebounce        time.Duration      `yaml:"mention_debounce"`
	ImageDedup             ImageDedupConfig   `yaml:"image_dedup"`
	Transport              TransportConfig    `yaml:"transport"`
	Sync                   SyncConfig         `yaml:"sync"`
	Scheduler              SchedulerConfig    `yaml:"scheduler"`

	Logging zeroconfig.Config `yaml:"logging"`

	wordFilter  []string           `yaml:"-"`
	letterAlias *strings.Replacer  `yaml:"-"`
	templates   *template.Template `yaml:"-"`
}

func (c *Config) setDefaults() {
	c.CommandPrefix = "!"
	c.DatabasePath = "./gatekeeper.db"
	c.AdminAPIAddr = "127.0.0.1:29320"
	c.Messages = MessagesConfig{
		GatekeepMute: "Welcome! A moderator will let you speak shortly.",
		GatekeepBan:  "Automatic ban of {{.User}}.",
		FloodAlert:   "{{.Count}} joins in {{.Room}} this hour. Join rule set to invite.",
	}
	c.Flood = FloodConfig{Threshold: 10, ResetCron: "@hourly"}
	c.BotHeuristic.BanDuration = 24 * time.Hour
	c.TrustedOnlyBanDuration = time.Hour
	c.MentionDebounce = 10 * time.Second
	c.ImageDedup = ImageDedupConfig{Reaction: "♻️", MaxDistance: 2, MaxBytes: 10 << 20}
	c.Transport = TransportConfig{RetryBase: time.Second, RetryBudget: 5 * time.Minute}
	c.Sync = SyncConfig{Timeout: 60 * time.Second, BackoffFloor: 4 * time.Second, BackoffCap: 10 * time.Minute}
	c.Scheduler.TickCron = "@every 10s"
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	c.setDefaults()
	return node.Decode((*rawConfig)(c))
}

// PostProcess validates the config and compiles its derived state.
func (c *Config) PostProcess() error {
	if c.HomeserverURL == "" {
		return fmt.Errorf("homeserver_url is required")
	}
	if c.AccessToken == "" {
		return fmt.Errorf("access_token is required")
	}
	if _, _, err := c.OwnerID.Parse(); err != nil {
		return fmt.Errorf("owner_id: %w", err)
	}
	if c.CommandPrefix == "" {
		return fmt.Errorf("command_prefix must not be empty")
	}

	var pairs []string
	for i, alias := range c.LetterAlias {
		if len(alias) != 2 || alias[0] == "" {
			return fmt.Errorf("letter_alias[%d] must be a [from, to] pair", i)
		}
		pairs = append(pairs, strings.ToLower(alias[0]), strings.ToLower(alias[1]))
	}
	c.letterAlias = strings.NewReplacer(pairs...)
	c.wordFilter = c.wordFilter[:0]
	for _, term := range c.WordFilter {
		if term = strings.ToLower(strings.TrimSpace(term)); term != "" {
			c.wordFilter = append(c.wordFilter, term)
		}
	}

	tpl := template.New("messages").Option("missingkey=zero")
	for name, text := range map[string]string{
		"gatekeep_mute": c.Messages.GatekeepMute,
		"gatekeep_ban":  c.Messages.GatekeepBan,
		"flood_alert":   c.Messages.FloodAlert,
	} {
		if _, err := tpl.New(name).Parse(text); err != nil {
			return fmt.Errorf("messages.%s: %w", name, err)
		}
	}
	c.templates = tpl
	return nil
}

// MessageParams are the fields available to message templates.
type MessageParams struct {
	User  id.UserID
	Room  string
	Count int
}

// FormatMessage renders the named template, falling back to its raw
// text on error.
func (c *Config) FormatMessage(name string, params MessageParams) string {
	if c.templates == nil {
		return name
	}
	var buf bytes.Buffer
	if err := c.templates.ExecuteTemplate(&buf, name, params); err != nil {
		return name
	}
	return buf.String()
}

// Room returns the switches of roomID. Unknown rooms are unmanaged.
func (c *Config) Room(roomID id.RoomID) RoomConfig {
	if rc := c.Rooms[roomID]; rc != nil {
		return *rc
	}
	return RoomConfig{}
}

// ManagedRooms lists the rooms with manage set, sorted.
func (c *Config) ManagedRooms() []id.RoomID {
	var out []id.RoomID
	for roomID, rc := range c.Rooms {
		if rc != nil && rc.Manage {
			out = append(out, roomID)
		}
	}
	slices.Sort(out)
	return out
}

// FilteredTerm returns the first configured term found in text after
// lowercasing and letter aliasing.
func (c *Config) FilteredTerm(text string) (string, bool) {
	if len(c.wordFilter) == 0 {
		return "", false
	}
	normalized := strings.ToLower(text)
	if c.letterAlias != nil {
		normalized = c.letterAlias.Replace(normalized)
	}
	for _, term := range c.wordFilter {
		if strings.Contains(normalized, term) {
			return term, true
		}
	}
	return "", false
}

// LoadConfig reads and post-processes the config file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes and post-processes a YAML config.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Logger builds the logger described by the logging block.
func (c *Config) Logger() (zerolog.Logger, error) {
	log, err := c.Logging.Compile()
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("failed to set up logging: %w", err)
	}
	return *log, nil
}
