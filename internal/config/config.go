package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/example/wodsched/internal/schedule"
)

// Config is the YAML file configuration: which gym, which users, and which
// weekly slots each of them wants. Everything here is validated up front so a
// bad day name or time string fails at startup, not at booking time.
type Config struct {
	App       App                 `yaml:"app"`
	Users     []User              `yaml:"users"`
	Slots     map[string]SlotPref `yaml:"slots"`
	Serve     Serve               `yaml:"serve"`
	Dashboard Dashboard           `yaml:"dashboard"`
}

type App struct {
	ApplicationID      string `yaml:"application_id"`
	CategoryActivityID string `yaml:"category_activity_id"`
	BaseURL            string `yaml:"base_url"`
	Timezone           string `yaml:"timezone"`

	loc *time.Location
}

type User struct {
	Name     string   `yaml:"name"`
	Login    string   `yaml:"login"`
	Password string   `yaml:"password"`
	Days     []string `yaml:"slots"`
}

// SlotPref is a per-weekday preference. In YAML it is either a bare time
// ("18:30") or a mapping with an optional activity filter
// ({time: "18:30", activity: "WOD"}).
type SlotPref struct {
	Time     string `yaml:"time"`
	Activity string `yaml:"activity"`

	tod schedule.TimeOfDay
}

func (p *SlotPref) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		p.Time = value.Value
		return nil
	}
	type plain SlotPref
	var v plain
	if err := value.Decode(&v); err != nil {
		return err
	}
	*p = SlotPref(v)
	return nil
}

// TimeOfDay returns the parsed slot time. Only valid after Load.
func (p SlotPref) TimeOfDay() schedule.TimeOfDay { return p.tod }

type Serve struct {
	CycleInterval    Duration `yaml:"cycle_interval"`
	WaitlistInterval Duration `yaml:"waitlist_interval"`
	MaxConcurrent    int      `yaml:"max_concurrent"`
	StateFile        string   `yaml:"state_file"`
}

type Dashboard struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

// Enabled reports whether dashboard logins are required. Without credentials
// the dashboard is served unauthenticated (local use).
func (d Dashboard) Enabled() bool { return d.Username != "" && d.PasswordHash != "" }

// Duration decodes YAML scalars like "10m" or "1h30m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

const (
	DefaultBaseURL  = "https://sport.nubapp.com"
	DefaultTimezone = "Europe/Madrid"

	defaultCycleInterval    = 10 * time.Minute
	defaultWaitlistInterval = 15 * time.Minute
	defaultMaxConcurrent    = 3
	defaultStateFile        = "wodsched_state.json"
)

// Load reads and validates the YAML config at path.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse decodes and validates raw YAML config. Unknown keys are rejected so a
// typo'd field name does not silently disable a slot.
func Parse(b []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(string(b)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() error {
	if c.App.BaseURL == "" {
		c.App.BaseURL = DefaultBaseURL
	}
	if c.App.Timezone == "" {
		c.App.Timezone = DefaultTimezone
	}
	loc, err := time.LoadLocation(c.App.Timezone)
	if err != nil {
		return fmt.Errorf("app.timezone: %w", err)
	}
	c.App.loc = loc

	if c.Serve.CycleInterval == 0 {
		c.Serve.CycleInterval = Duration(defaultCycleInterval)
	}
	if c.Serve.WaitlistInterval == 0 {
		c.Serve.WaitlistInterval = Duration(defaultWaitlistInterval)
	}
	if c.Serve.MaxConcurrent <= 0 {
		c.Serve.MaxConcurrent = defaultMaxConcurrent
	}
	if c.Serve.StateFile == "" {
		c.Serve.StateFile = defaultStateFile
	}
	return nil
}

func (c *Config) validate() error {
	if c.App.ApplicationID == "" {
		return fmt.Errorf("app.application_id is required")
	}
	if c.App.CategoryActivityID == "" {
		return fmt.Errorf("app.category_activity_id is required")
	}

	slots := make(map[string]SlotPref, len(c.Slots))
	for day, pref := range c.Slots {
		if _, err := schedule.ParseWeekday(day); err != nil {
			return fmt.Errorf("slots: %w", err)
		}
		tod, err := schedule.ParseTimeOfDay(pref.Time)
		if err != nil {
			return fmt.Errorf("slots.%s: %w", day, err)
		}
		pref.tod = tod
		slots[normalizeDay(day)] = pref
	}
	c.Slots = slots

	seen := make(map[string]bool, len(c.Users))
	for i, u := range c.Users {
		if u.Login == "" {
			return fmt.Errorf("users[%d]: login is required", i)
		}
		if u.Password == "" {
			return fmt.Errorf("users[%d] (%s): password is required", i, u.Login)
		}
		if seen[u.Login] {
			return fmt.Errorf("users: duplicate login %q", u.Login)
		}
		seen[u.Login] = true
		for _, day := range u.Days {
			if _, err := schedule.ParseWeekday(day); err != nil {
				return fmt.Errorf("users[%d] (%s): %w", i, u.Login, err)
			}
			if _, ok := c.Slots[normalizeDay(day)]; !ok {
				return fmt.Errorf("users[%d] (%s): no slot configured for %q", i, u.Login, day)
			}
		}
	}

	if c.Dashboard.Username != "" && c.Dashboard.PasswordHash == "" {
		return fmt.Errorf("dashboard.password_hash is required when dashboard.username is set (generate with: wodsched keys --password)")
	}
	return nil
}

// Location returns the gym-local timezone. Only valid after Load.
func (c Config) Location() *time.Location { return c.App.loc }

// Pref returns the slot preference for a weekday name, case-insensitive.
func (c Config) Pref(day string) (SlotPref, bool) {
	p, ok := c.Slots[normalizeDay(day)]
	return p, ok
}

// UserByLogin finds a configured user.
func (c Config) UserByLogin(login string) (User, bool) {
	for _, u := range c.Users {
		if u.Login == login {
			return u, true
		}
	}
	return User{}, false
}

// DaysOf returns the user's configured days, normalized and de-duplicated,
// preserving config order.
func (c Config) DaysOf(u User) []string {
	var out []string
	seen := make(map[string]bool, len(u.Days))
	for _, d := range u.Days {
		d = normalizeDay(d)
		if seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}

// ConfiguredDays lists all days with a slot preference, Monday first.
func (c Config) ConfiguredDays() []string {
	out := make([]string, 0, len(c.Slots))
	for d := range c.Slots {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		wi, _ := schedule.ParseWeekday(out[i])
		wj, _ := schedule.ParseWeekday(out[j])
		return mondayIndex(wi) < mondayIndex(wj)
	})
	return out
}

func mondayIndex(w time.Weekday) int { return (int(w) + 6) % 7 }

func normalizeDay(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// Env holds the deploy-varying knobs read from the environment. The cookie
// keys follow the same convention as the rest of the *_KEY vars: either a
// base64 value or a path to a file holding one (secret mounts).
type Env struct {
	ListenAddr     string `envconfig:"LISTEN_ADDR" default:":8073"`
	DatabaseURL    string `envconfig:"DATABASE_URL"`
	CookieHashKey  string `envconfig:"COOKIE_HASH_KEY"`
	CookieBlockKey string `envconfig:"COOKIE_BLOCK_KEY"`
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
}

func FromEnv() (Env, error) {
	var e Env
	if err := envconfig.Process("wodsched", &e); err != nil {
		return Env{}, err
	}
	return e, nil
}

// CookieKeys decodes the securecookie key pair. Both must be set when the
// dashboard requires logins.
func (e Env) CookieKeys() (hash, block []byte, err error) {
	if e.CookieHashKey == "" || e.CookieBlockKey == "" {
		return nil, nil, fmt.Errorf("WODSCHED_COOKIE_HASH_KEY and WODSCHED_COOKIE_BLOCK_KEY are required (generate with: wodsched keys)")
	}
	hash, err = decodeKey(e.CookieHashKey)
	if err != nil {
		return nil, nil, fmt.Errorf("WODSCHED_COOKIE_HASH_KEY: %w", err)
	}
	block, err = decodeKey(e.CookieBlockKey)
	if err != nil {
		return nil, nil, fmt.Errorf("WODSCHED_COOKIE_BLOCK_KEY: %w", err)
	}
	return hash, block, nil
}

func decodeKey(s string) ([]byte, error) {
	if b, err := os.ReadFile(s); err == nil {
		s = string(b)
	}
	s = strings.TrimSpace(s)
	return base64.StdEncoding.DecodeString(s)
}
