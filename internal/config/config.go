package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Settings is the process-lifetime configuration of the bridge.
type Settings struct {
	AppKey      string `yaml:"app_key"`
	SecretKey   string `yaml:"secret_key"`
	AppID       string `yaml:"app_id"`
	RedirectURI string `yaml:"redirect_uri"`
	Server      string `yaml:"server"`
	// BaseURL overrides the gateway URL derived from Server.
	BaseURL string `yaml:"base_url"`

	SGPlantName string `yaml:"sg_plant_name"`
	SHPlantName string `yaml:"sh_plant_name"`

	CacheTTLSeconds        int `yaml:"cache_ttl_seconds"`
	UpstreamTimeoutSeconds int `yaml:"upstream_timeout_seconds"`

	TokenFile   string `yaml:"token_file"`
	StateFile   string `yaml:"state_file"`
	StateDriver string `yaml:"state_driver"`
	StateDSN    string `yaml:"state_dsn"`

	Port             string `yaml:"port"`
	PrefetchSchedule string `yaml:"prefetch_schedule"`

	Log   LogConfig   `yaml:"log"`
	MQTT  MQTTConfig  `yaml:"mqtt"`
	Alert AlertConfig `yaml:"alert"`
}

// LogConfig controls logger construction.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MQTTConfig enables snapshot publication when Broker is set.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

// AlertConfig enables prefetch failure webhooks when WebhookURL is set.
type AlertConfig struct {
	WebhookURL  string `yaml:"webhook_url"`
	WebhookType string `yaml:"webhook_type"`
	MinFailures int    `yaml:"min_failures"`
}

const (
	DefaultServer          = "Europe"
	DefaultCacheTTLSeconds = 90
	DefaultUpstreamTimeout = 20
	DefaultTokenFile       = "/data/tokens.json"
	DefaultStateFile       = "/data/cache.json"
	DefaultStateDriver     = "file"
	DefaultPort            = "8000"
	DefaultTopicPrefix     = "sungrow"
	DefaultAlertFailures   = 3
)

// ConfigError reports every required key that is missing or malformed.
type ConfigError struct {
	Missing []string
	Invalid []string
}

func (e *ConfigError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required env var(s): "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid value(s): "+strings.Join(e.Invalid, ", "))
	}
	return "config: " + strings.Join(parts, "; ")
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// FromEnv loads an optional dotenv file (SUNGROW_ENV_FILE, default .env) into
// the process environment and builds Settings from it.
func FromEnv() (*Settings, error) {
	envFile := os.Getenv("SUNGROW_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading %s: %w", envFile, err)
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds Settings from an optional YAML file named by
// SUNGROW_CONFIG_FILE, then overlays environment values and defaults.
func FromLookup(lookup LookupFunc) (*Settings, error) {
	s := &Settings{}
	// explicit records the numeric keys that were set, so a zero from the
	// operator is validated instead of replaced by a default.
	explicit := map[string]bool{}
	if path, ok := lookup("SUNGROW_CONFIG_FILE"); ok && path != "" {
		fileSettings, fileKeys, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		s = fileSettings
		explicit = fileKeys
	}

	cerr := &ConfigError{}
	str := func(dst *string, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(dst *int, key string) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			cerr.Invalid = append(cerr.Invalid, fmt.Sprintf("%s=%q", key, v))
			return
		}
		*dst = n
		explicit[key] = true
	}

	str(&s.AppKey, "SUNGROW_APP_KEY")
	str(&s.SecretKey, "SUNGROW_SECRET_KEY")
	str(&s.AppID, "SUNGROW_APP_ID")
	str(&s.RedirectURI, "SUNGROW_REDIRECT_URI")
	str(&s.Server, "SUNGROW_SERVER")
	str(&s.BaseURL, "SUNGROW_BASE_URL")
	str(&s.SGPlantName, "SG_PLANT_NAME")
	str(&s.SHPlantName, "SH_PLANT_NAME")
	num(&s.CacheTTLSeconds, "CACHE_TTL_SECONDS")
	num(&s.UpstreamTimeoutSeconds, "UPSTREAM_TIMEOUT_SECONDS")
	str(&s.TokenFile, "TOKEN_FILE")
	str(&s.StateFile, "STATE_FILE")
	str(&s.StateDriver, "STATE_DRIVER")
	str(&s.StateDSN, "STATE_DSN")
	str(&s.Port, "PORT")
	str(&s.PrefetchSchedule, "PREFETCH_SCHEDULE")
	str(&s.Log.Level, "LOG_LEVEL")
	str(&s.Log.Format, "LOG_FORMAT")
	str(&s.MQTT.Broker, "MQTT_BROKER")
	str(&s.MQTT.TopicPrefix, "MQTT_TOPIC_PREFIX")
	str(&s.MQTT.ClientID, "MQTT_CLIENT_ID")
	str(&s.MQTT.Username, "MQTT_USERNAME")
	str(&s.MQTT.Password, "MQTT_PASSWORD")
	str(&s.Alert.WebhookURL, "ALERT_WEBHOOK_URL")
	str(&s.Alert.WebhookType, "ALERT_WEBHOOK_TYPE")
	num(&s.Alert.MinFailures, "ALERT_MIN_FAILURES")

	applyDefaults(s, explicit)
	s.validate(cerr)
	if len(cerr.Missing) > 0 || len(cerr.Invalid) > 0 {
		return nil, cerr
	}
	return s, nil
}

// fileDurations detects which numeric keys a YAML file sets, zero included.
type fileDurations struct {
	CacheTTLSeconds        *int `yaml:"cache_ttl_seconds"`
	UpstreamTimeoutSeconds *int `yaml:"upstream_timeout_seconds"`
}

func loadFile(path string) (*Settings, map[string]bool, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading config file: %w", err)
	}
	s := &Settings{}
	if err := yaml.Unmarshal(buf, s); err != nil {
		return nil, nil, fmt.Errorf("parsing yaml: %w", err)
	}
	var d fileDurations
	if err := yaml.Unmarshal(buf, &d); err != nil {
		return nil, nil, fmt.Errorf("parsing yaml: %w", err)
	}
	explicit := map[string]bool{
		"CACHE_TTL_SECONDS":        d.CacheTTLSeconds != nil,
		"UPSTREAM_TIMEOUT_SECONDS": d.UpstreamTimeoutSeconds != nil,
	}
	return s, explicit, nil
}

func applyDefaults(s *Settings, explicit map[string]bool) {
	if s.Server == "" {
		s.Server = DefaultServer
	}
	if !explicit["CACHE_TTL_SECONDS"] && s.CacheTTLSeconds == 0 {
		s.CacheTTLSeconds = DefaultCacheTTLSeconds
	}
	if !explicit["UPSTREAM_TIMEOUT_SECONDS"] && s.UpstreamTimeoutSeconds == 0 {
		s.UpstreamTimeoutSeconds = DefaultUpstreamTimeout
	}
	if s.TokenFile == "" {
		s.TokenFile = DefaultTokenFile
	}
	if s.StateFile == "" {
		s.StateFile = DefaultStateFile
	}
	if s.StateDriver == "" {
		s.StateDriver = DefaultStateDriver
	}
	if s.Port == "" {
		s.Port = DefaultPort
	}
	if s.Log.Level == "" {
		s.Log.Level = "info"
	}
	if s.Log.Format == "" {
		s.Log.Format = "json"
	}
	if s.MQTT.TopicPrefix == "" {
		s.MQTT.TopicPrefix = DefaultTopicPrefix
	}
	if s.MQTT.ClientID == "" {
		hostname, _ := os.Hostname()
		s.MQTT.ClientID = "sungrowbridge-" + hostname
	}
	if s.Alert.MinFailures == 0 {
		s.Alert.MinFailures = DefaultAlertFailures
	}
}

func (s *Settings) validate(cerr *ConfigError) {
	required := []struct {
		key, val string
	}{
		{"SUNGROW_APP_KEY", s.AppKey},
		{"SUNGROW_SECRET_KEY", s.SecretKey},
		{"SUNGROW_APP_ID", s.AppID},
		{"SUNGROW_REDIRECT_URI", s.RedirectURI},
		{"SG_PLANT_NAME", s.SGPlantName},
		{"SH_PLANT_NAME", s.SHPlantName},
	}
	for _, r := range required {
		if strings.TrimSpace(r.val) == "" {
			cerr.Missing = append(cerr.Missing, r.key)
		}
	}
	if s.CacheTTLSeconds <= 0 {
		cerr.Invalid = append(cerr.Invalid, fmt.Sprintf("CACHE_TTL_SECONDS=%d", s.CacheTTLSeconds))
	}
	if s.UpstreamTimeoutSeconds <= 0 {
		cerr.Invalid = append(cerr.Invalid, fmt.Sprintf("UPSTREAM_TIMEOUT_SECONDS=%d", s.UpstreamTimeoutSeconds))
	}
	switch s.StateDriver {
	case "file", "memory":
	case "sqlite", "postgres":
		if s.StateDSN == "" {
			cerr.Missing = append(cerr.Missing, "STATE_DSN")
		}
	default:
		cerr.Invalid = append(cerr.Invalid, fmt.Sprintf("STATE_DRIVER=%q", s.StateDriver))
	}
}

// CacheTTL returns the realtime cache window.
func (s *Settings) CacheTTL() time.Duration {
	return time.Duration(s.CacheTTLSeconds) * time.Second
}

// UpstreamTimeout bounds every vendor call.
func (s *Settings) UpstreamTimeout() time.Duration {
	return time.Duration(s.UpstreamTimeoutSeconds) * time.Second
}

// Addr is the HTTP listen address.
func (s *Settings) Addr() string {
	return ":" + s.Port
}
