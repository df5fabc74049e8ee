package hubcache

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port          int    `yaml:"port"`
		Origin        string `yaml:"origin"`
		ControlPrefix string `yaml:"controlPrefix"`
	} `yaml:"server"`

	Storage struct {
		// Mode is "leveldb" (default) or "memory".
		Mode string `yaml:"mode"`
		Dir  string `yaml:"dir"`
	} `yaml:"storage"`

	App struct {
		CachePrefix string `yaml:"cachePrefix"`
		Version     string `yaml:"version"`
	} `yaml:"app"`

	Cache struct {
		MaxEntryBytes string                    `yaml:"maxEntryBytes"`
		SweepSchedule string                    `yaml:"sweepSchedule"`
		Categories    map[string]CategoryLimits `yaml:"categories"`

		maxEntryBytes int64
		limits        map[Category]Limits
	} `yaml:"cache"`

	Network struct {
		Timeout        string `yaml:"timeout"`
		RefreshTimeout string `yaml:"refreshTimeout"`

		timeoutDur        time.Duration
		refreshTimeoutDur time.Duration
	} `yaml:"network"`

	Queue struct {
		MaxBodyBytes  string `yaml:"maxBodyBytes"`
		DrainSchedule string `yaml:"drainSchedule"`

		maxBodyBytes int64
	} `yaml:"queue"`

	Offline struct {
		Page  string            `yaml:"page"`
		Roles map[string]string `yaml:"roles"`
	} `yaml:"offline"`

	Lifecycle struct {
		SkipWaiting   *bool    `yaml:"skipWaiting"`
		Precache      []string `yaml:"precache"`
		AssetManifest string   `yaml:"assetManifest"`
		Prewarm       []string `yaml:"prewarm"`
	} `yaml:"lifecycle"`

	Notify struct {
		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Channel  string `yaml:"channel"`
		} `yaml:"redis"`
	} `yaml:"notify"`

	Logging struct {
		Level      string `yaml:"level"`
		StatsEvery string `yaml:"statsEvery"`

		statsEveryDur time.Duration
	} `yaml:"logging"`

	Rules []Rule `yaml:"rules"`
}

// CategoryLimits is the YAML form of Limits.
type CategoryLimits struct {
	MaxEntries int    `yaml:"maxEntries"`
	MaxAge     string `yaml:"maxAge"`
}

type Rule struct {
	Match             string   `yaml:"match"`
	Priority          int      `yaml:"priority"`
	Category          Category `yaml:"category"`
	Strategy          Strategy `yaml:"strategy"`
	Bypass            bool     `yaml:"bypass"`
	BypassWhenCookies []string `yaml:"bypassWhenCookies"`

	// compiled
	matchers []matcher
}

var defaultLimits = map[Category]Limits{
	CategoryStatic:    {MaxEntries: 100, MaxAge: 30 * 24 * time.Hour},
	CategoryDynamic:   {MaxEntries: 50, MaxAge: 24 * time.Hour},
	CategoryAPI:       {MaxEntries: 100, MaxAge: 5 * time.Minute},
	CategoryImages:    {MaxEntries: 50, MaxAge: 7 * 24 * time.Hour},
	CategoryWorkouts:  {MaxEntries: 200, MaxAge: 24 * time.Hour},
	CategoryTemplates: {MaxEntries: 100, MaxAge: 7 * 24 * time.Hour},
}

var defaultRoles = map[string]string{
	"player":            "/offline/player.html",
	"coach":             "/offline/coach.html",
	"parent":            "/offline/parent.html",
	"medical-staff":     "/offline/medical-staff.html",
	"equipment-manager": "/offline/equipment-manager.html",
	"physical-trainer":  "/offline/physical-trainer.html",
	"club-admin":        "/offline/club-admin.html",
	"admin":             "/offline/admin.html",
}

var defaultPrecache = []string{
	"/",
	"/offline.html",
	"/manifest.json",
	"/icons/icon-192x192.png",
	"/icons/icon-512x512.png",
	"/locales/en/common.json",
	"/locales/sv/common.json",
}

var defaultPrewarm = []string{
	"/api/v1/training/templates",
	"/api/v1/equipment/catalog",
	"/api/v1/calendar/events/upcoming",
}

func defaultRules() []Rule {
	return []Rule{
		{Match: `PathRegexp(^/api/(.+/)?(workouts|sessions)/[0-9]+$)`, Priority: 10, Category: CategoryWorkouts, Strategy: StrategyCacheFirst},
		{Match: `PathRegexp(^/api/(.+/)?templates/[0-9]+$)`, Priority: 11, Category: CategoryTemplates, Strategy: StrategyCacheFirst},
		{Match: `PathPrefix(/api/auth/)`, Priority: 15, Bypass: true},
		{Match: `PathPrefix(/api/)`, Priority: 20, Category: CategoryAPI, Strategy: StrategyNetworkFirst},
		{Match: `Dest(image) | PathRegexp((?i)\.(png|jpe?g|gif|svg|webp|ico)$)`, Priority: 30, Category: CategoryImages, Strategy: StrategyCacheFirst},
		{Match: `Accept(text/html)`, Priority: 40, Category: CategoryDynamic, Strategy: StrategyNetworkFirstOffline},
	}
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, errors.CodeInvalidConfig, "read config %s", path)
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML and fills every default.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, errors.Wrap(err, errors.CodeInvalidConfig, "parse config")
	}
	if err := cfg.prepare(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) prepare() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return errors.New(errors.CodeInvalidConfig, "server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if cfg.Server.ControlPrefix == "" {
		cfg.Server.ControlPrefix = "/__hub"
	}
	cfg.Server.ControlPrefix = "/" + strings.Trim(cfg.Server.ControlPrefix, "/")

	switch cfg.Storage.Mode {
	case "":
		cfg.Storage.Mode = "leveldb"
	case "leveldb", "memory":
	default:
		return errors.Newf(errors.CodeInvalidConfig, "storage.mode: unknown mode %q", cfg.Storage.Mode)
	}
	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = "./data"
	}

	if cfg.App.CachePrefix == "" {
		cfg.App.CachePrefix = "hockey-hub"
	}
	if cfg.App.Version == "" {
		cfg.App.Version = "v1"
	}
	if strings.Contains(cfg.App.Version, "-") {
		return errors.Newf(errors.CodeInvalidConfig, "app.version %q must not contain '-'", cfg.App.Version)
	}

	var err error
	if cfg.Cache.maxEntryBytes, err = parseBytesDefault(cfg.Cache.MaxEntryBytes, 5*1024*1024); err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "cache.maxEntryBytes")
	}
	if cfg.Cache.SweepSchedule == "" {
		cfg.Cache.SweepSchedule = "@every 10m"
	}
	if err := validSchedule(cfg.Cache.SweepSchedule); err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "cache.sweepSchedule")
	}
	cfg.Cache.limits = make(map[Category]Limits, len(defaultLimits))
	for c, l := range defaultLimits {
		cfg.Cache.limits[c] = l
	}
	for name, cl := range cfg.Cache.Categories {
		c := Category(name)
		if !c.valid() {
			return errors.Newf(errors.CodeInvalidConfig, "cache.categories: unknown category %q", name)
		}
		l := cfg.Cache.limits[c]
		if cl.MaxEntries > 0 {
			l.MaxEntries = cl.MaxEntries
		}
		if cl.MaxAge != "" {
			d, err := time.ParseDuration(cl.MaxAge)
			if err != nil {
				return errors.Wrapf(err, errors.CodeInvalidConfig, "cache.categories.%s.maxAge", name)
			}
			l.MaxAge = d
		}
		cfg.Cache.limits[c] = l
	}

	if cfg.Network.timeoutDur, err = parseDurationDefault(cfg.Network.Timeout, 5*time.Second); err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "network.timeout")
	}
	if cfg.Network.refreshTimeoutDur, err = parseDurationDefault(cfg.Network.RefreshTimeout, 30*time.Second); err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "network.refreshTimeout")
	}

	if cfg.Queue.maxBodyBytes, err = parseBytesDefault(cfg.Queue.MaxBodyBytes, 1024*1024); err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "queue.maxBodyBytes")
	}
	if cfg.Queue.DrainSchedule == "" {
		cfg.Queue.DrainSchedule = "@every 30s"
	}
	if err := validSchedule(cfg.Queue.DrainSchedule); err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "queue.drainSchedule")
	}

	if cfg.Offline.Page == "" {
		cfg.Offline.Page = "/offline.html"
	}
	if cfg.Offline.Roles == nil {
		cfg.Offline.Roles = defaultRoles
	}

	if cfg.Lifecycle.SkipWaiting == nil {
		t := true
		cfg.Lifecycle.SkipWaiting = &t
	}
	if cfg.Lifecycle.Precache == nil {
		cfg.Lifecycle.Precache = append([]string(nil), defaultPrecache...)
		cfg.Lifecycle.Precache = append(cfg.Lifecycle.Precache, sortedValues(cfg.Offline.Roles)...)
	}
	if cfg.Lifecycle.Prewarm == nil {
		cfg.Lifecycle.Prewarm = defaultPrewarm
	}

	if cfg.Notify.Redis.Channel == "" {
		cfg.Notify.Redis.Channel = cfg.App.CachePrefix + ":events"
	}

	if _, err := parseLevel(cfg.Logging.Level); err != nil {
		return err
	}
	if cfg.Logging.StatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.StatsEvery)
		if err != nil {
			return errors.Wrap(err, errors.CodeInvalidConfig, "logging.statsEvery")
		}
		cfg.Logging.statsEveryDur = d
	}

	if len(cfg.Rules) == 0 {
		cfg.Rules = defaultRules()
	}
	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		ms, err := parseMatch(r.Match)
		if err != nil {
			return errors.Wrapf(err, errors.CodeInvalidConfig, "rules[%d].match", i)
		}
		r.matchers = ms
		if r.Bypass {
			continue
		}
		if !r.Category.valid() {
			return errors.Newf(errors.CodeInvalidConfig, "rules[%d].category: unknown category %q", i, r.Category)
		}
		if !r.Strategy.valid() {
			return errors.Newf(errors.CodeInvalidConfig, "rules[%d].strategy: unknown strategy %q", i, r.Strategy)
		}
	}

	sort.SliceStable(cfg.Rules, func(i, j int) bool {
		return cfg.Rules[i].Priority < cfg.Rules[j].Priority
	})

	return nil
}

// Limits returns the eviction limits of a category.
func (cfg Config) Limits(c Category) Limits {
	if l, ok := cfg.Cache.limits[c]; ok {
		return l
	}
	return defaultLimits[c]
}

// LogLevel returns the configured slog level.
func (cfg Config) LogLevel() slog.Level {
	l, _ := parseLevel(cfg.Logging.Level)
	return l
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, errors.Wrap(err, errors.CodeInvalidConfig, "logging.level")
	}
	return l, nil
}

func validSchedule(expr string) error {
	if expr == "off" {
		return nil
	}
	_, err := cron.ParseStandard(expr)
	return err
}

func parseDurationDefault(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

func sortedValues(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

type matcher interface {
	Match(r Request) bool
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(r Request) bool { return strings.HasPrefix(r.Path(), m.Prefix) }

type pathRegexpMatcher struct{ re *regexp.Regexp }

func (m pathRegexpMatcher) Match(r Request) bool { return m.re.MatchString(r.Path()) }

type destMatcher struct{ Dest string }

func (m destMatcher) Match(r Request) bool { return r.Dest() == m.Dest }

type acceptMatcher struct{ MediaType string }

func (m acceptMatcher) Match(r Request) bool {
	return strings.Contains(strings.ToLower(r.Header.Get("Accept")), m.MediaType)
}

// parseMatch compiles expressions like
// "PathPrefix(/api/) | PathRegexp(^/x/(a|b)$) | Dest(image) | Accept(text/html)".
func parseMatch(expr string) ([]matcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	out := []matcher{}
	for _, p := range splitTopLevel(expr, '|') {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		open := strings.IndexByte(p, '(')
		if open <= 0 || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("expected Func(arg), got %q", p)
		}
		fn := strings.TrimSpace(p[:open])
		arg := strings.TrimSpace(p[open+1 : len(p)-1])
		if arg == "" {
			return nil, fmt.Errorf("empty argument in %q", p)
		}
		switch fn {
		case "PathPrefix":
			if !strings.HasPrefix(arg, "/") {
				return nil, fmt.Errorf("invalid prefix %q", arg)
			}
			out = append(out, pathPrefixMatcher{Prefix: arg})
		case "PathRegexp":
			re, err := regexp.Compile(arg)
			if err != nil {
				return nil, fmt.Errorf("invalid regexp %q: %w", arg, err)
			}
			out = append(out, pathRegexpMatcher{re: re})
		case "Dest":
			out = append(out, destMatcher{Dest: strings.ToLower(arg)})
		case "Accept":
			out = append(out, acceptMatcher{MediaType: strings.ToLower(arg)})
		default:
			return nil, fmt.Errorf("unsupported matcher %q", fn)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

// splitTopLevel splits on sep outside of parentheses, so regexp alternations
// inside PathRegexp(...) stay intact.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case sep:
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

func (r *Rule) Matches(req Request) bool {
	for _, m := range r.matchers {
		if m.Match(req) {
			return true
		}
	}
	return false
}
