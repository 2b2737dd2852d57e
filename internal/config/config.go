// Package config loads runtime settings from YAML with UMWELT_* environment
// overrides. Each section applies its own overrides and validates itself.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const envPrefix = "UMWELT_"

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Speech      SpeechConfig     `yaml:"speech"`
	Describe    DescribeConfig   `yaml:"describe"`
	Audio       AudioConfig      `yaml:"audio"`
	Selection   SelectionConfig  `yaml:"selection"`
	Spec        SpecConfig       `yaml:"spec"`
	Cache       CacheConfig      `yaml:"cache"`
}

// HTTPConfig is the inspection API listener. /metrics is served there too.
type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

// BusConfig covers both the embedded server and the client connection. When
// Embedded is set and Servers is empty, clients dial the embedded server.
type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	MaxPayload     int32    `yaml:"max_payload"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// NodeConfig identifies this runtime to the modality registry.
type NodeConfig struct {
	ID                string `yaml:"id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type SpeechConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Mode       string `yaml:"mode"` // mock, exec
	Command    string `yaml:"command"`
	Voice      string `yaml:"voice"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	TimeoutMS  int    `yaml:"timeout_ms"`
}

type DescribeConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Mode        string  `yaml:"mode"` // mock, ollama, exec
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	MaxRows     int     `yaml:"max_rows"`
}

type AudioConfig struct {
	SpeechRate     float64 `yaml:"speech_rate"`
	PlaybackRate   float64 `yaml:"playback_rate"`
	ReadAxis       bool    `yaml:"read_axis"`
	Muted          bool    `yaml:"muted"`
	EmitDelayMS    int     `yaml:"emit_delay_ms"`
	SequenceBudget float64 `yaml:"sequence_budget_s"`
	PauseUnit      float64 `yaml:"pause_unit_s"`
}

type SelectionConfig struct {
	DebounceMS   int `yaml:"debounce_ms"`
	EchoWindowMS int `yaml:"echo_window_ms"`
}

type SpecConfig struct {
	Path     string `yaml:"path"`
	DataPath string `yaml:"data_path"`
	// TreeStripSuffix is removed from field names on their way to and from
	// the accessible tree. Empty disables the rewrite.
	TreeStripSuffix string `yaml:"tree_strip_suffix"`
}

type CacheConfig struct {
	DomainEntries      int `yaml:"domain_entries"`
	DescriptionEntries int `yaml:"description_entries"`
}

func Default() Config {
	return Config{
		RuntimeName: "umwelt-runtime",
		Environment: "development",
		HTTP:        HTTPConfig{Bind: "0.0.0.0", Port: 8080},
		Telemetry:   TelemetryConfig{LogLevel: "info", OTLPInsecure: true},
		Bus: BusConfig{
			Embedded:       true,
			Host:           "127.0.0.1",
			Port:           4222,
			StoreDir:       "./data/nats",
			MaxPayload:     1 << 20,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "umwelt-node-1",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/umwelt-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Speech: SpeechConfig{
			Enabled:    true,
			Mode:       "mock",
			Voice:      "en-US",
			SampleRate: 22050,
			Channels:   1,
			TimeoutMS:  45000,
		},
		Describe: DescribeConfig{
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			MaxTokens:   256,
			Temperature: 0.7,
			MaxRows:     200,
		},
		Audio: AudioConfig{
			SpeechRate:     3.5,
			PlaybackRate:   1,
			ReadAxis:       true,
			EmitDelayMS:    250,
			SequenceBudget: 5,
			PauseUnit:      0.25,
		},
		Selection: SelectionConfig{DebounceMS: 50, EchoWindowMS: 300},
		Spec:      SpecConfig{Path: "./umwelt-spec.yaml"},
		Cache:     CacheConfig{DomainEntries: 512, DescriptionEntries: 128},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path loads defaults only.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	overrideString(&c.RuntimeName, envPrefix+"RUNTIME_NAME")
	overrideString(&c.Environment, envPrefix+"RUNTIME_ENVIRONMENT")
	c.HTTP.applyEnv(envPrefix + "HTTP_")
	c.Telemetry.applyEnv(envPrefix + "TELEMETRY_")
	c.Bus.applyEnv(envPrefix + "BUS_")
	c.Node.applyEnv(envPrefix + "NODE_")
	c.EventStore.applyEnv(envPrefix + "EVENT_STORE_")
	c.Speech.applyEnv(envPrefix + "SPEECH_")
	c.Describe.applyEnv(envPrefix + "DESCRIBE_")
	c.Audio.applyEnv(envPrefix + "AUDIO_")
	c.Selection.applyEnv(envPrefix + "SELECTION_")
	c.Spec.applyEnv(envPrefix + "SPEC_")
	c.Cache.applyEnv(envPrefix + "CACHE_")
}

func (c *HTTPConfig) applyEnv(p string) {
	overrideString(&c.Bind, p+"BIND")
	overrideInt(&c.Port, p+"PORT")
}

func (c *TelemetryConfig) applyEnv(p string) {
	overrideString(&c.LogLevel, p+"LOG_LEVEL")
	overrideString(&c.OTLPEndpoint, p+"OTLP_ENDPOINT")
	overrideBool(&c.OTLPInsecure, p+"OTLP_INSECURE")
}

func (c *BusConfig) applyEnv(p string) {
	overrideBool(&c.Embedded, p+"EMBEDDED")
	overrideString(&c.Host, p+"HOST")
	overrideInt(&c.Port, p+"PORT")
	overrideString(&c.StoreDir, p+"STORE_DIR")
	overrideInt32(&c.MaxPayload, p+"MAX_PAYLOAD")
	overrideStringSlice(&c.Servers, p+"SERVERS")
	overrideString(&c.Username, p+"USERNAME")
	overrideString(&c.Password, p+"PASSWORD")
	overrideString(&c.Token, p+"TOKEN")
	overrideBool(&c.TLSInsecure, p+"TLS_INSECURE")
	overrideInt(&c.ConnectTimeout, p+"CONNECT_TIMEOUT_MS")
}

func (c *NodeConfig) applyEnv(p string) {
	overrideString(&c.ID, p+"ID")
	overrideInt(&c.HeartbeatInterval, p+"HEARTBEAT_INTERVAL_MS")
	overrideInt(&c.HeartbeatTimeout, p+"HEARTBEAT_TIMEOUT_MS")
}

func (c *EventStoreConfig) applyEnv(p string) {
	overrideString(&c.Path, p+"PATH")
	overrideString(&c.RetentionMode, p+"RETENTION_MODE")
	overrideInt(&c.RetentionDays, p+"RETENTION_DAYS")
	overrideInt(&c.MaxSessions, p+"MAX_SESSIONS")
	overrideBool(&c.VacuumOnStart, p+"VACUUM_ON_START")
}

func (c *SpeechConfig) applyEnv(p string) {
	overrideBool(&c.Enabled, p+"ENABLED")
	overrideString(&c.Mode, p+"MODE")
	overrideString(&c.Command, p+"COMMAND")
	overrideString(&c.Voice, p+"VOICE")
	overrideInt(&c.SampleRate, p+"SAMPLE_RATE")
	overrideInt(&c.Channels, p+"CHANNELS")
	overrideInt(&c.TimeoutMS, p+"TIMEOUT_MS")
}

func (c *DescribeConfig) applyEnv(p string) {
	overrideBool(&c.Enabled, p+"ENABLED")
	overrideString(&c.Mode, p+"MODE")
	overrideString(&c.Endpoint, p+"ENDPOINT")
	overrideString(&c.Command, p+"COMMAND")
	overrideString(&c.Model, p+"MODEL")
	overrideInt(&c.MaxTokens, p+"MAX_TOKENS")
	overrideFloat(&c.Temperature, p+"TEMPERATURE")
	overrideInt(&c.MaxRows, p+"MAX_ROWS")
}

func (c *AudioConfig) applyEnv(p string) {
	overrideFloat(&c.SpeechRate, p+"SPEECH_RATE")
	overrideFloat(&c.PlaybackRate, p+"PLAYBACK_RATE")
	overrideBool(&c.ReadAxis, p+"READ_AXIS")
	overrideBool(&c.Muted, p+"MUTED")
	overrideInt(&c.EmitDelayMS, p+"EMIT_DELAY_MS")
	overrideFloat(&c.SequenceBudget, p+"SEQUENCE_BUDGET_S")
	overrideFloat(&c.PauseUnit, p+"PAUSE_UNIT_S")
}

func (c *SelectionConfig) applyEnv(p string) {
	overrideInt(&c.DebounceMS, p+"DEBOUNCE_MS")
	overrideInt(&c.EchoWindowMS, p+"ECHO_WINDOW_MS")
}

func (c *SpecConfig) applyEnv(p string) {
	overrideString(&c.Path, p+"PATH")
	overrideString(&c.DataPath, p+"DATA_PATH")
	overrideString(&c.TreeStripSuffix, p+"TREE_STRIP_SUFFIX")
}

func (c *CacheConfig) applyEnv(p string) {
	overrideInt(&c.DomainEntries, p+"DOMAIN_ENTRIES")
	overrideInt(&c.DescriptionEntries, p+"DESCRIPTION_ENTRIES")
}

func overrideString(target *string, key string) {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, key string) {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideInt32(target *int32, key string) {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseInt(value, 10, 32); err == nil {
			*target = int32(parsed)
		}
	}
}

func overrideBool(target *bool, key string) {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, key string) {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// overrideStringSlice reads a comma separated list. Blank entries are skipped
// and an all-blank value leaves target unchanged.
func overrideStringSlice(target *[]string, key string) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	var items []string
	for _, part := range strings.Split(value, ",") {
		if s := strings.TrimSpace(part); s != "" {
			items = append(items, s)
		}
	}
	if len(items) > 0 {
		*target = items
	}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.RuntimeName == "" {
		errs = append(errs, errors.New("runtime_name must not be empty"))
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, errors.New("http.port must be between 1 and 65535"))
	}
	errs = append(errs,
		c.Bus.validate(),
		c.Node.validate(),
		c.EventStore.validate(),
		c.Speech.validate(),
		c.Describe.validate(),
		c.Audio.validate(),
		c.Selection.validate(),
		c.Cache.validate(),
	)
	return errors.Join(errs...)
}

func (c BusConfig) validate() error {
	if !c.Embedded {
		if len(c.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		return nil
	}
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled"))
	}
	if c.MaxPayload < 0 {
		errs = append(errs, errors.New("bus.max_payload must be >= 0"))
	}
	return errors.Join(errs...)
}

func (c NodeConfig) validate() error {
	switch {
	case c.ID == "":
		return errors.New("node.id must not be empty")
	case c.HeartbeatInterval <= 0:
		return errors.New("node.heartbeat_interval_ms must be positive")
	case c.HeartbeatTimeout <= c.HeartbeatInterval:
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	return nil
}

func (c EventStoreConfig) validate() error {
	var errs []error
	if c.Path == "" && c.RetentionMode != "ephemeral" {
		errs = append(errs, errors.New("event_store.path must not be empty"))
	}
	switch c.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		errs = append(errs, errors.New("event_store.retention_mode must be one of ephemeral|session|persistent"))
	}
	if c.RetentionDays < 0 {
		errs = append(errs, errors.New("event_store.retention_days must be >= 0"))
	}
	if c.MaxSessions < 0 {
		errs = append(errs, errors.New("event_store.max_sessions must be >= 0"))
	}
	return errors.Join(errs...)
}

func (c SpeechConfig) validate() error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	switch c.Mode {
	case "mock":
	case "exec":
		if c.Command == "" {
			errs = append(errs, errors.New("speech.command must be set when mode=exec"))
		}
	default:
		errs = append(errs, errors.New("speech.mode must be one of mock|exec"))
	}
	if c.SampleRate <= 0 {
		errs = append(errs, errors.New("speech.sample_rate must be positive"))
	}
	if c.Channels <= 0 {
		errs = append(errs, errors.New("speech.channels must be positive"))
	}
	return errors.Join(errs...)
}

func (c DescribeConfig) validate() error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	switch c.Mode {
	case "mock":
	case "ollama":
		if c.Endpoint == "" {
			errs = append(errs, errors.New("describe.endpoint must be set when mode=ollama"))
		}
	case "exec":
		if c.Command == "" {
			errs = append(errs, errors.New("describe.command must be set when mode=exec"))
		}
	default:
		errs = append(errs, errors.New("describe.mode must be one of mock|ollama|exec"))
	}
	if c.MaxTokens < 0 {
		errs = append(errs, errors.New("describe.max_tokens must be >= 0"))
	}
	if c.MaxRows <= 0 {
		errs = append(errs, errors.New("describe.max_rows must be positive"))
	}
	return errors.Join(errs...)
}

func (c AudioConfig) validate() error {
	var errs []error
	if c.SpeechRate < 0.1 || c.SpeechRate > 10 {
		errs = append(errs, errors.New("audio.speech_rate must be between 0.1 and 10"))
	}
	if c.PlaybackRate < 0.1 || c.PlaybackRate > 2 {
		errs = append(errs, errors.New("audio.playback_rate must be between 0.1 and 2"))
	}
	if c.EmitDelayMS <= 0 {
		errs = append(errs, errors.New("audio.emit_delay_ms must be positive"))
	}
	if c.SequenceBudget <= 0 {
		errs = append(errs, errors.New("audio.sequence_budget_s must be positive"))
	}
	if c.PauseUnit < 0 {
		errs = append(errs, errors.New("audio.pause_unit_s must be >= 0"))
	}
	return errors.Join(errs...)
}

func (c SelectionConfig) validate() error {
	var errs []error
	if c.DebounceMS <= 0 {
		errs = append(errs, errors.New("selection.debounce_ms must be positive"))
	}
	if c.EchoWindowMS <= 0 {
		errs = append(errs, errors.New("selection.echo_window_ms must be positive"))
	}
	return errors.Join(errs...)
}

func (c CacheConfig) validate() error {
	var errs []error
	if c.DomainEntries <= 0 {
		errs = append(errs, errors.New("cache.domain_entries must be positive"))
	}
	if c.DescriptionEntries <= 0 {
		errs = append(errs, errors.New("cache.description_entries must be positive"))
	}
	return errors.Join(errs...)
}
