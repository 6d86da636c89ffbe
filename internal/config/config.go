// Package config provides configuration loading from environment, optional
// YAML/TOML files and defaults for the proctoring service.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnv returns the value of key from the environment, or defaultValue if unset or empty.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return defaultValue
}

// GetEnvDuration returns the duration for key, or defaultValue if unset/invalid.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}

// GetEnvInt returns the integer for key, or defaultValue if unset/invalid.
func GetEnvInt(key string, defaultValue int) int {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return n
}

// GetEnvBool returns the boolean for key, or defaultValue if unset/invalid.
func GetEnvBool(key string, defaultValue bool) bool {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return defaultValue
	}
	return b
}

// GetEnvList splits a comma separated value, or returns defaultValue if unset.
func GetEnvList(key string, defaultValue []string) []string {
	s := GetEnv(key, "")
	if s == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Thresholds holds every tunable of the integrity sensors and the classifier.
// None of the defaults come from principled tuning; they are kept
// configurable because docked toolbars, multi-monitor setups and blinking
// all produce false positives.
type Thresholds struct {
	VisibilityDebounce     time.Duration `yaml:"visibility_debounce" toml:"visibility_debounce"`
	TabSwitchRepeatCount   int           `yaml:"tab_switch_repeat_count" toml:"tab_switch_repeat_count"`
	TabSwitchFlagThreshold int           `yaml:"tab_switch_flag_threshold" toml:"tab_switch_flag_threshold"`
	AlertDebounce          time.Duration `yaml:"alert_debounce" toml:"alert_debounce"`

	DevToolsGapPx           int           `yaml:"devtools_gap_px" toml:"devtools_gap_px"`
	GeometryInterval        time.Duration `yaml:"geometry_interval" toml:"geometry_interval"`
	GeometryConfirmReadings int           `yaml:"geometry_confirm_readings" toml:"geometry_confirm_readings"`

	ClickWindow time.Duration `yaml:"click_window" toml:"click_window"`
	ClickLimit  int           `yaml:"click_limit" toml:"click_limit"`

	CameraInterval         time.Duration `yaml:"camera_interval" toml:"camera_interval"`
	CameraAcquireTimeout   time.Duration `yaml:"camera_acquire_timeout" toml:"camera_acquire_timeout"`
	NoFaceAfter            time.Duration `yaml:"no_face_after" toml:"no_face_after"`
	MultiFaceEscalateAfter time.Duration `yaml:"multi_face_escalate_after" toml:"multi_face_escalate_after"`

	FullscreenRequestTimeout   time.Duration `yaml:"fullscreen_request_timeout" toml:"fullscreen_request_timeout"`
	FullscreenReminderInterval time.Duration `yaml:"fullscreen_reminder_interval" toml:"fullscreen_reminder_interval"`

	DisplayRecent int      `yaml:"display_recent" toml:"display_recent"`
	BlockedChords []string `yaml:"blocked_chords" toml:"blocked_chords"`
}

// DeliveryConfig bounds the retries used when handing results to the
// grading collaborator.
type DeliveryConfig struct {
	Attempts int           `yaml:"attempts" toml:"attempts"`
	Backoff  time.Duration `yaml:"backoff" toml:"backoff"`
}

// GradingConfig configures the remote grading/admin API.
type GradingConfig struct {
	Endpoint string        `yaml:"endpoint" toml:"endpoint"`
	APIKey   string        `yaml:"api_key" toml:"api_key"`
	Timeout  time.Duration `yaml:"timeout" toml:"timeout"`
}

// Enabled reports whether both endpoint and key are configured.
func (g GradingConfig) Enabled() bool {
	return g.Endpoint != "" && g.APIKey != ""
}

// ProctorConfig holds configuration for the proctoring service.
type ProctorConfig struct {
	HTTPAddr         string        `yaml:"http_addr" toml:"http_addr"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	LogLevel         string        `yaml:"log_level" toml:"log_level"`
	ExamDuration     time.Duration `yaml:"exam_duration" toml:"exam_duration"`
	StorePath        string        `yaml:"store_path" toml:"store_path"`
	SessionRetention time.Duration `yaml:"session_retention" toml:"session_retention"`
	ReapInterval     time.Duration `yaml:"reap_interval" toml:"reap_interval"`
	AlertFeedSize    int           `yaml:"alert_feed_size" toml:"alert_feed_size"`

	Grading    GradingConfig  `yaml:"grading" toml:"grading"`
	Delivery   DeliveryConfig `yaml:"delivery" toml:"delivery"`
	Thresholds Thresholds     `yaml:"thresholds" toml:"thresholds"`
}

// DefaultThresholds returns thresholds from environment with defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		VisibilityDebounce:         GetEnvDuration("PROCTOR_VISIBILITY_DEBOUNCE", time.Second),
		TabSwitchRepeatCount:       GetEnvInt("PROCTOR_TAB_SWITCH_REPEAT_COUNT", 3),
		TabSwitchFlagThreshold:     GetEnvInt("PROCTOR_TAB_SWITCH_FLAG_THRESHOLD", 3),
		AlertDebounce:              GetEnvDuration("PROCTOR_ALERT_DEBOUNCE", time.Second),
		DevToolsGapPx:              GetEnvInt("PROCTOR_DEVTOOLS_GAP_PX", 160),
		GeometryInterval:           GetEnvDuration("PROCTOR_GEOMETRY_INTERVAL", time.Second),
		GeometryConfirmReadings:    GetEnvInt("PROCTOR_GEOMETRY_CONFIRM_READINGS", 2),
		ClickWindow:                GetEnvDuration("PROCTOR_CLICK_WINDOW", 2*time.Second),
		ClickLimit:                 GetEnvInt("PROCTOR_CLICK_LIMIT", 10),
		CameraInterval:             GetEnvDuration("PROCTOR_CAMERA_INTERVAL", 500*time.Millisecond),
		CameraAcquireTimeout:       GetEnvDuration("PROCTOR_CAMERA_ACQUIRE_TIMEOUT", 10*time.Second),
		NoFaceAfter:                GetEnvDuration("PROCTOR_NO_FACE_AFTER", 3*time.Second),
		MultiFaceEscalateAfter:     GetEnvDuration("PROCTOR_MULTI_FACE_ESCALATE_AFTER", 5*time.Second),
		FullscreenRequestTimeout:   GetEnvDuration("PROCTOR_FULLSCREEN_REQUEST_TIMEOUT", 3*time.Second),
		FullscreenReminderInterval: GetEnvDuration("PROCTOR_FULLSCREEN_REMINDER_INTERVAL", 10*time.Second),
		DisplayRecent:              GetEnvInt("PROCTOR_DISPLAY_RECENT", 3),
		BlockedChords:              GetEnvList("PROCTOR_BLOCKED_CHORDS", DefaultBlockedChords()),
	}
}

// DefaultBlockedChords covers refresh, devtools, save, select-all,
// clipboard and view-source shortcuts.
func DefaultBlockedChords() []string {
	return []string{
		"F5", "Ctrl+R", "Ctrl+Shift+R",
		"F12", "Ctrl+Shift+I", "Ctrl+Shift+J", "Ctrl+Shift+C",
		"Ctrl+S",
		"Ctrl+A", "Ctrl+C", "Ctrl+V", "Ctrl+X",
		"Ctrl+U",
		"Meta+R", "Meta+S", "Meta+A", "Meta+C", "Meta+V", "Meta+X",
		"Meta+Alt+I", "Meta+Alt+J", "Meta+Alt+U",
	}
}

// DefaultProctorConfig returns service config from environment.
func DefaultProctorConfig() ProctorConfig {
	return ProctorConfig{
		HTTPAddr:         GetEnv("HTTP_ADDR", ":8080"),
		ShutdownTimeout:  GetEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		LogLevel:         GetEnv("LOG_LEVEL", "info"),
		ExamDuration:     GetEnvDuration("PROCTOR_EXAM_DURATION", time.Hour),
		StorePath:        GetEnv("PROCTOR_STORE_PATH", "proctor.db"),
		SessionRetention: GetEnvDuration("PROCTOR_SESSION_RETENTION", 10*time.Minute),
		ReapInterval:     GetEnvDuration("PROCTOR_REAP_INTERVAL", 30*time.Second),
		AlertFeedSize:    GetEnvInt("PROCTOR_ALERT_FEED_SIZE", 10000),
		Grading: GradingConfig{
			Endpoint: GetEnv("GRADING_ENDPOINT", ""),
			APIKey:   GetEnv("GRADING_API_KEY", ""),
			Timeout:  GetEnvDuration("GRADING_TIMEOUT", 10*time.Second),
		},
		Delivery: DeliveryConfig{
			Attempts: GetEnvInt("PROCTOR_DELIVERY_ATTEMPTS", 3),
			Backoff:  GetEnvDuration("PROCTOR_DELIVERY_BACKOFF", 500*time.Millisecond),
		},
		Thresholds: DefaultThresholds(),
	}
}

var errNonPositive = errors.New("must be positive")

// Validate checks thresholds for values the sensors cannot run with.
func (t Thresholds) Validate() error {
	durations := map[string]time.Duration{
		"visibility_debounce":          t.VisibilityDebounce,
		"alert_debounce":               t.AlertDebounce,
		"geometry_interval":            t.GeometryInterval,
		"click_window":                 t.ClickWindow,
		"camera_interval":              t.CameraInterval,
		"camera_acquire_timeout":       t.CameraAcquireTimeout,
		"no_face_after":                t.NoFaceAfter,
		"multi_face_escalate_after":    t.MultiFaceEscalateAfter,
		"fullscreen_request_timeout":   t.FullscreenRequestTimeout,
		"fullscreen_reminder_interval": t.FullscreenReminderInterval,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("thresholds.%s: %w", name, errNonPositive)
		}
	}
	ints := map[string]int{
		"tab_switch_repeat_count":   t.TabSwitchRepeatCount,
		"tab_switch_flag_threshold": t.TabSwitchFlagThreshold,
		"devtools_gap_px":           t.DevToolsGapPx,
		"geometry_confirm_readings": t.GeometryConfirmReadings,
		"click_limit":               t.ClickLimit,
		"display_recent":            t.DisplayRecent,
	}
	for name, n := range ints {
		if n <= 0 {
			return fmt.Errorf("thresholds.%s: %w", name, errNonPositive)
		}
	}
	return nil
}

// Validate checks the whole service configuration.
func (c ProctorConfig) Validate() error {
	if c.ExamDuration < time.Second {
		return fmt.Errorf("exam_duration must be at least 1s, got %v", c.ExamDuration)
	}
	if c.Delivery.Attempts <= 0 {
		return fmt.Errorf("delivery.attempts: %w", errNonPositive)
	}
	if c.Delivery.Backoff < 0 {
		return fmt.Errorf("delivery.backoff must not be negative")
	}
	return c.Thresholds.Validate()
}
