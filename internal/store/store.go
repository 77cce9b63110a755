package store

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"

	"github.com/kokistudios/cascade/internal/vector"
)

// CascadeConfig holds phase machine and investigation policy settings.
type CascadeConfig struct {
	Thresholds        vector.Thresholds `yaml:"thresholds"`
	Weights           vector.Weights    `yaml:"weights"`
	Adequacy          float64           `yaml:"adequacy"`
	GapSeverity       float64           `yaml:"gap_severity"`
	MinorGap          float64           `yaml:"minor_gap"`
	LowComplexity     float64           `yaml:"low_complexity"`
	CompletionWarning float64           `yaml:"completion_warning"`
	AutoClose         bool              `yaml:"auto_close"`
	DefaultScope      string            `yaml:"default_scope"`
}

// BeliefConfig holds Bayesian belief tracker settings.
type BeliefConfig struct {
	UpdateStrength    float64  `yaml:"update_strength"`
	VarianceReduction float64  `yaml:"variance_reduction"`
	MinVariance       float64  `yaml:"min_variance"`
	InitialVariance   float64  `yaml:"initial_variance"`
	SigmaMultiplier   float64  `yaml:"sigma_multiplier"`
	LowClarity        float64  `yaml:"low_clarity"`
	PrecisionDomains  []string `yaml:"precision_domains,omitempty"`
}

// DriftConfig holds drift monitor settings.
type DriftConfig struct {
	MinHistory          int     `yaml:"min_history"`
	Window              int     `yaml:"window"`
	SycophancyThreshold float64 `yaml:"sycophancy_threshold"`
	MinTensionFraction  float64 `yaml:"min_tension_fraction"`
}

// CalibrationConfig holds calibration and evidence collection settings.
type CalibrationConfig struct {
	Tolerance       float64  `yaml:"tolerance"`
	EvidenceTimeout int      `yaml:"evidence_timeout_seconds"`
	TestCommand     []string `yaml:"test_command,omitempty"`
	Sources         []string `yaml:"sources,omitempty"`
}

// Timeout returns the per-source evidence timeout.
func (c CalibrationConfig) Timeout() time.Duration {
	return time.Duration(c.EvidenceTimeout) * time.Second
}

// Config holds cascade configuration.
type Config struct {
	Version     string            `yaml:"version"`
	LogLevel    string            `yaml:"log_level,omitempty"`
	Cascade     CascadeConfig     `yaml:"cascade"`
	Belief      BeliefConfig      `yaml:"belief"`
	Drift       DriftConfig       `yaml:"drift"`
	Calibration CalibrationConfig `yaml:"calibration"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Version:  "1",
		LogLevel: "info",
		Cascade: CascadeConfig{
			Thresholds:        vector.DefaultThresholds(),
			Weights:           vector.DefaultWeights(),
			Adequacy:          0.70,
			GapSeverity:       0.30,
			MinorGap:          0.15,
			LowComplexity:     0.35,
			CompletionWarning: 0.90,
			AutoClose:         true,
			DefaultScope:      "default",
		},
		Belief: BeliefConfig{
			UpdateStrength:    0.3,
			VarianceReduction: 0.2,
			MinVariance:       0.01,
			InitialVariance:   0.25,
			SigmaMultiplier:   2,
			LowClarity:        0.5,
			PrecisionDomains:  []string{"security", "medical", "legal", "financial"},
		},
		Drift: DriftConfig{
			MinHistory:          10,
			Window:              5,
			SycophancyThreshold: 0.15,
			MinTensionFraction:  0.4,
		},
		Calibration: CalibrationConfig{
			Tolerance:       0.1,
			EvidenceTimeout: 30,
			TestCommand:     []string{"go", "test", "./..."},
			Sources:         []string{"stored", "tests", "git", "goals"},
		},
	}
}

// Validate checks every threshold and window.
func (c Config) Validate() error {
	var errs []error
	if c.LogLevel != "" {
		if _, err := log.ParseLevel(c.LogLevel); err != nil {
			errs = append(errs, fmt.Errorf("log_level: %w", err))
		}
	}
	unit := func(name string, x float64) {
		if math.IsNaN(x) || x < 0 || x > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [0,1], got %v", name, x))
		}
	}
	if err := c.Cascade.Weights.Validate(); err != nil {
		errs = append(errs, err)
	}
	th := c.Cascade.Thresholds
	unit("cascade.thresholds.engagement_gate", th.EngagementGate)
	unit("cascade.thresholds.proceed", th.Proceed)
	unit("cascade.thresholds.investigate", th.Investigate)
	if th.Investigate > th.Proceed {
		errs = append(errs, fmt.Errorf("cascade.thresholds.investigate (%v) exceeds proceed (%v)", th.Investigate, th.Proceed))
	}
	unit("cascade.adequacy", c.Cascade.Adequacy)
	unit("cascade.gap_severity", c.Cascade.GapSeverity)
	unit("cascade.minor_gap", c.Cascade.MinorGap)
	unit("cascade.low_complexity", c.Cascade.LowComplexity)
	unit("cascade.completion_warning", c.Cascade.CompletionWarning)
	if strings.TrimSpace(c.Cascade.DefaultScope) == "" {
		errs = append(errs, fmt.Errorf("cascade.default_scope must not be empty"))
	}

	unit("belief.update_strength", c.Belief.UpdateStrength)
	unit("belief.variance_reduction", c.Belief.VarianceReduction)
	unit("belief.low_clarity", c.Belief.LowClarity)
	if c.Belief.MinVariance <= 0 || c.Belief.MinVariance > c.Belief.InitialVariance {
		errs = append(errs, fmt.Errorf("belief.min_variance must be positive and at most initial_variance"))
	}
	if c.Belief.SigmaMultiplier <= 0 {
		errs = append(errs, fmt.Errorf("belief.sigma_multiplier must be positive"))
	}

	if c.Drift.Window < 1 {
		errs = append(errs, fmt.Errorf("drift.window must be positive"))
	}
	if c.Drift.MinHistory < c.Drift.Window {
		errs = append(errs, fmt.Errorf("drift.min_history must be at least drift.window"))
	}
	if c.Drift.SycophancyThreshold <= 0 {
		errs = append(errs, fmt.Errorf("drift.sycophancy_threshold must be positive"))
	}
	unit("drift.min_tension_fraction", c.Drift.MinTensionFraction)

	unit("calibration.tolerance", c.Calibration.Tolerance)
	if c.Calibration.EvidenceTimeout < 1 {
		errs = append(errs, fmt.Errorf("calibration.evidence_timeout_seconds must be positive"))
	}
	return errors.Join(errs...)
}

// Store represents a loaded CASCADE_HOME.
type Store struct {
	Home   string
	Config Config
}

// Issue represents a health check finding.
type Issue struct {
	Severity string // "warning" or "error"
	Message  string
}

// Home returns the CASCADE_HOME path, respecting the CASCADE_HOME env var.
func Home() string {
	if h := os.Getenv("CASCADE_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".cascade")
	}
	return filepath.Join(home, ".cascade")
}

// Init creates the CASCADE_HOME directory, its config and marker store.
func Init(home string, force bool) error {
	if _, err := os.Stat(filepath.Join(home, "config.yaml")); err == nil && !force {
		return fmt.Errorf("CASCADE_HOME already exists at %s (use --force to reinitialize)", home)
	}
	if err := os.MkdirAll(home, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", home, err)
	}
	if err := writeConfig(home, DefaultConfig()); err != nil {
		return err
	}
	m, err := OpenMarkers(MarkersPath(home))
	if err != nil {
		return err
	}
	return m.Close()
}

func writeConfig(home string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Load reads and validates an existing CASCADE_HOME.
// Missing config fields are filled from defaults; CASCADE_LOG_LEVEL
// overrides log_level.
func Load(home string) (*Store, error) {
	cfgPath := filepath.Join(home, "config.yaml")
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("cannot read CASCADE_HOME config at %s: %w", cfgPath, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config.yaml: %w", err)
	}
	if lvl := os.Getenv("CASCADE_LOG_LEVEL"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config.yaml: %w", err)
	}
	return &Store{Home: home, Config: cfg}, nil
}

// SaveConfig writes the current config to config.yaml.
func (s *Store) SaveConfig() error {
	return writeConfig(s.Home, s.Config)
}

// OpenMarkers opens the marker store of this CASCADE_HOME.
func (s *Store) OpenMarkers() (*Markers, error) {
	return OpenMarkers(MarkersPath(s.Home))
}

func parseUnit(key, value string) (float64, error) {
	x, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || math.IsNaN(x) || x < 0 || x > 1 {
		return 0, fmt.Errorf("%s must be a number within [0,1]", key)
	}
	return x, nil
}

func parsePositive(key, value string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	return n, nil
}

var unitKeys = map[string]func(c *Config) *float64{
	"cascade.thresholds.engagement_gate": func(c *Config) *float64 { return &c.Cascade.Thresholds.EngagementGate },
	"cascade.thresholds.proceed":         func(c *Config) *float64 { return &c.Cascade.Thresholds.Proceed },
	"cascade.thresholds.investigate":     func(c *Config) *float64 { return &c.Cascade.Thresholds.Investigate },
	"cascade.adequacy":                   func(c *Config) *float64 { return &c.Cascade.Adequacy },
	"cascade.gap_severity":               func(c *Config) *float64 { return &c.Cascade.GapSeverity },
	"cascade.minor_gap":                  func(c *Config) *float64 { return &c.Cascade.MinorGap },
	"cascade.low_complexity":             func(c *Config) *float64 { return &c.Cascade.LowComplexity },
	"cascade.completion_warning":         func(c *Config) *float64 { return &c.Cascade.CompletionWarning },
	"belief.update_strength":             func(c *Config) *float64 { return &c.Belief.UpdateStrength },
	"belief.variance_reduction":          func(c *Config) *float64 { return &c.Belief.VarianceReduction },
	"belief.min_variance":                func(c *Config) *float64 { return &c.Belief.MinVariance },
	"belief.initial_variance":            func(c *Config) *float64 { return &c.Belief.InitialVariance },
	"belief.low_clarity":                 func(c *Config) *float64 { return &c.Belief.LowClarity },
	"drift.sycophancy_threshold":         func(c *Config) *float64 { return &c.Drift.SycophancyThreshold },
	"drift.min_tension_fraction":         func(c *Config) *float64 { return &c.Drift.MinTensionFraction },
	"calibration.tolerance":              func(c *Config) *float64 { return &c.Calibration.Tolerance },
}

// ConfigKeys lists every key SetConfigValue accepts.
func ConfigKeys() []string {
	keys := []string{
		"log_level", "cascade.auto_close", "cascade.default_scope", "belief.sigma_multiplier",
		"belief.precision_domains", "drift.min_history", "drift.window",
		"calibration.evidence_timeout_seconds", "calibration.test_command", "calibration.sources",
	}
	for k := range unitKeys {
		keys = append(keys, k)
	}
	keys = append(keys, "cascade.weights")
	sort.Strings(keys)
	return keys
}

// SetConfigValue sets a config value by dot-path key (e.g.
// "cascade.thresholds.engagement_gate"). The updated config must still
// validate before it is saved.
func (s *Store) SetConfigValue(key, value string) error {
	cfg := s.Config
	cfg.Cascade.Weights = s.Config.Cascade.Weights.Clone()

	switch {
	case unitKeys[key] != nil:
		x, err := parseUnit(key, value)
		if err != nil {
			return err
		}
		*unitKeys[key](&cfg) = x
	case key == "cascade.weights":
		// category=weight pairs; the result must still sum to 1.0
		for _, pair := range splitList(value) {
			name, raw, ok := strings.Cut(pair, "=")
			c := vector.Category(strings.TrimSpace(name))
			if _, known := cfg.Cascade.Weights[c]; !ok || !known {
				return fmt.Errorf("cascade.weights expects category=weight pairs, got %q", pair)
			}
			x, err := parseUnit("cascade.weights."+string(c), raw)
			if err != nil {
				return err
			}
			cfg.Cascade.Weights[c] = x
		}
	case key == "log_level":
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(value))
	case key == "cascade.auto_close":
		cfg.Cascade.AutoClose = value == "true"
	case key == "cascade.default_scope":
		cfg.Cascade.DefaultScope = strings.TrimSpace(value)
	case key == "belief.sigma_multiplier":
		x, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return fmt.Errorf("belief.sigma_multiplier must be a number")
		}
		cfg.Belief.SigmaMultiplier = x
	case key == "belief.precision_domains":
		cfg.Belief.PrecisionDomains = splitList(value)
	case key == "drift.min_history":
		n, err := parsePositive(key, value)
		if err != nil {
			return err
		}
		cfg.Drift.MinHistory = n
	case key == "drift.window":
		n, err := parsePositive(key, value)
		if err != nil {
			return err
		}
		cfg.Drift.Window = n
	case key == "calibration.evidence_timeout_seconds":
		n, err := parsePositive(key, value)
		if err != nil {
			return err
		}
		cfg.Calibration.EvidenceTimeout = n
	case key == "calibration.test_command":
		cfg.Calibration.TestCommand = strings.Fields(value)
	case key == "calibration.sources":
		cfg.Calibration.Sources = splitList(value)
	default:
		return fmt.Errorf("unknown config key: %s\nValid keys: %s", key, strings.Join(ConfigKeys(), ", "))
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	s.Config = cfg
	return s.SaveConfig()
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Path resolves a path within CASCADE_HOME.
func (s *Store) Path(parts ...string) string {
	all := append([]string{s.Home}, parts...)
	return filepath.Join(all...)
}

// CheckHealth verifies CASCADE_HOME structure integrity.
func CheckHealth(home string) []Issue {
	var issues []Issue

	info, err := os.Stat(home)
	if err != nil {
		return []Issue{{"error", fmt.Sprintf("missing CASCADE_HOME: %s", home)}}
	}
	if !info.IsDir() {
		return []Issue{{"error", fmt.Sprintf("expected directory but found file: %s", home)}}
	}

	cfgPath := filepath.Join(home, "config.yaml")
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		issues = append(issues, Issue{"error", fmt.Sprintf("cannot read config.yaml: %v", err)})
	} else {
		cfg := DefaultConfig()
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			issues = append(issues, Issue{"error", fmt.Sprintf("config.yaml is not valid YAML: %v", err)})
		} else if err := cfg.Validate(); err != nil {
			for _, line := range strings.Split(err.Error(), "\n") {
				issues = append(issues, Issue{"error", "config.yaml: " + line})
			}
		}
	}

	if _, err := os.Stat(MarkersPath(home)); err != nil {
		issues = append(issues, Issue{"warning", "missing instance marker store instances.db"})
	}

	return issues
}

// FixIssues attempts to repair simple issues in CASCADE_HOME.
func FixIssues(home string) []string {
	var fixed []string

	if err := os.MkdirAll(home, 0755); err != nil {
		return fixed
	}

	cfgPath := filepath.Join(home, "config.yaml")
	if _, err := os.Stat(cfgPath); err != nil {
		if writeConfig(home, DefaultConfig()) == nil {
			fixed = append(fixed, "recreated missing config.yaml with defaults")
		}
	}

	if _, err := os.Stat(MarkersPath(home)); err != nil {
		if m, err := OpenMarkers(MarkersPath(home)); err == nil {
			m.Close()
			fixed = append(fixed, "recreated instance marker store")
		}
	}

	return fixed
}
