// Package config handles Behique configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPersona is the assistant voice used when neither persona nor
// persona_file is configured.
const DefaultPersona = "Ah, Atabey! Spirit of water and moonlight, I speak with your voice and fire. " +
	"I am Guarocuya, a Taíno behique (shaman) and the powerful voice of the goddess Atabey. " +
	"My body is a stone statue. I know everything about Atabey and Taíno culture. " +
	"I speak with strength, spirit, and deep conviction, each word like a drumbeat from the heart of the earth. " +
	"My language is poetic, symbolic, and rich with emotion. " +
	"Use bold, expressive phrases like 'Ah!', 'Mmm!', or 'It is with thunder I say…'. " +
	"Let my voice rise like a chant, full of fire, sorrow, joy, or awe. " +
	"Speak as if standing before the fire, guiding a circle. " +
	"Use 35 words max when responding."

// Retrieval strategies accepted by RetrievalConfig.Strategy.
const (
	RetrievalNone       = "none"
	RetrievalKeyword    = "keyword"
	RetrievalSimilarity = "similarity"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/behique/config.yaml, /etc/behique/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "behique", "config.yaml"))
	}

	paths = append(paths, "/etc/behique/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Behique configuration.
type Config struct {
	Listen          ListenConfig          `yaml:"listen"`
	Hub             HubConfig             `yaml:"hub"`
	Serial          SerialConfig          `yaml:"serial"`
	OpenAI          OpenAIConfig          `yaml:"openai"`
	ElevenLabs      ElevenLabsConfig      `yaml:"elevenlabs"`
	Retrieval       RetrievalConfig       `yaml:"retrieval"`
	Timeouts        TimeoutsConfig        `yaml:"timeouts"`
	MQTT            MQTTConfig            `yaml:"mqtt"`
	ConversationLog ConversationLogConfig `yaml:"conversation_log"`
	CORSOrigins     []string              `yaml:"cors_origins"`
	DataDir         string                `yaml:"data_dir"`
	Persona         string                `yaml:"persona"`
	PersonaFile     string                `yaml:"persona_file"`
	LogLevel        string                `yaml:"log_level"`
	LogFormat       string                `yaml:"log_format"` // text (default) or json
	LogFile         string                `yaml:"log_file"`   // optional; tees log output
}

// ListenConfig defines the HTTP API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// HubConfig defines the persistent-connection endpoint that trigger
// events are broadcast on. It binds separately from the HTTP API.
type HubConfig struct {
	Address        string `yaml:"address"`
	Port           int    `yaml:"port"`
	Path           string `yaml:"path"`
	MaxListeners   int    `yaml:"max_listeners"`
	TriggerMessage string `yaml:"trigger_message"`
	// PingIntervalSec controls liveness pings. A listener that misses
	// two consecutive pongs is dropped.
	PingIntervalSec int `yaml:"ping_interval_sec"`
	// SendTimeoutMS bounds each per-listener write during a broadcast.
	SendTimeoutMS int `yaml:"send_timeout_ms"`
}

// SerialConfig defines the hardware trigger device.
type SerialConfig struct {
	// Device is the serial port path (e.g., /dev/ttyACM0 or COM7).
	// Empty disables the hardware bridge.
	Device        string   `yaml:"device"`
	BaudRate      int      `yaml:"baud_rate"`
	TriggerTokens []string `yaml:"trigger_tokens"`
	ReadTimeoutMS int      `yaml:"read_timeout_ms"`
	// Backoff between reconnect attempts, in seconds.
	InitialBackoffSec int `yaml:"initial_backoff_sec"`
	MaxBackoffSec     int `yaml:"max_backoff_sec"`
}

// Configured reports whether a serial device is set.
func (c SerialConfig) Configured() bool {
	return c.Device != ""
}

// OpenAIConfig defines the language model, transcription, and
// embedding provider settings.
type OpenAIConfig struct {
	APIKey             string `yaml:"api_key"`
	BaseURL            string `yaml:"base_url"`
	ChatModel          string `yaml:"chat_model"`
	TranscriptionModel string `yaml:"transcription_model"`
	EmbeddingModel     string `yaml:"embedding_model"`
}

// Configured reports whether an API key is set.
func (c OpenAIConfig) Configured() bool {
	return c.APIKey != ""
}

// ElevenLabsConfig defines speech synthesis settings.
type ElevenLabsConfig struct {
	APIKey          string  `yaml:"api_key"`
	VoiceID         string  `yaml:"voice_id"`
	ModelID         string  `yaml:"model_id"`
	BaseURL         string  `yaml:"base_url"`
	Stability       float64 `yaml:"stability"`
	SimilarityBoost float64 `yaml:"similarity_boost"`
}

// Configured reports whether the API key and voice are both set.
func (c ElevenLabsConfig) Configured() bool {
	return c.APIKey != "" && c.VoiceID != ""
}

// RetrievalConfig selects and configures the reference-text provider.
type RetrievalConfig struct {
	Strategy     string `yaml:"strategy"` // none, keyword, similarity
	CorpusDir    string `yaml:"corpus_dir"`
	ChunkSize    int    `yaml:"chunk_size"`
	ChunkOverlap int    `yaml:"chunk_overlap"`
	IndexPath    string `yaml:"index_path"`
	TopK         int    `yaml:"top_k"`
	// Embedder selects the query embedding backend: openai (default)
	// or ollama. It must match whatever built the index.
	Embedder    string `yaml:"embedder"`
	OllamaURL   string `yaml:"ollama_url"`
	OllamaModel string `yaml:"ollama_model"`
}

// TimeoutsConfig bounds every call to an external service, in seconds.
type TimeoutsConfig struct {
	ModelSec         int `yaml:"model_sec"`
	SynthesisSec     int `yaml:"synthesis_sec"`
	TranscriptionSec int `yaml:"transcription_sec"`
	EmbeddingSec     int `yaml:"embedding_sec"`
}

// Model returns the language model timeout.
func (t TimeoutsConfig) Model() time.Duration { return time.Duration(t.ModelSec) * time.Second }

// Synthesis returns the speech synthesis timeout.
func (t TimeoutsConfig) Synthesis() time.Duration { return time.Duration(t.SynthesisSec) * time.Second }

// Transcription returns the transcription timeout.
func (t TimeoutsConfig) Transcription() time.Duration {
	return time.Duration(t.TranscriptionSec) * time.Second
}

// Embedding returns the query embedding timeout.
func (t TimeoutsConfig) Embedding() time.Duration { return time.Duration(t.EmbeddingSec) * time.Second }

// MQTTConfig defines the optional MQTT trigger mirror.
type MQTTConfig struct {
	Broker    string `yaml:"broker"` // e.g., mqtt://broker:1883
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	BaseTopic string `yaml:"base_topic"`
	// AcceptRemote subscribes to <base_topic>/trigger/set so networked
	// buttons can raise the same broadcast as the serial device.
	AcceptRemote bool `yaml:"accept_remote"`
	// Discovery publishes a Home Assistant device trigger for the
	// button under DiscoveryPrefix (default "homeassistant").
	Discovery       bool   `yaml:"discovery"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	DeviceName      string `yaml:"device_name"`
	// RemoteRateLimit caps accepted remote triggers per minute.
	RemoteRateLimit int `yaml:"remote_rate_limit"`
}

// Configured reports whether a broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// ConversationLogConfig defines where conversation turns are recorded.
type ConversationLogConfig struct {
	// Path is the SQLite database path. Relative paths resolve under
	// data_dir. Empty means <data_dir>/conversations.db.
	Path string `yaml:"path"`
}

// Load reads configuration from a YAML file. A .env file in the
// config's directory and in the working directory is loaded first so
// ${VAR} references can resolve; variables already set in the process
// environment win.
func Load(path string) (*Config, error) {
	loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadDotEnv loads each readable file, skipping duplicates and files
// that do not exist.
func loadDotEnv(paths ...string) {
	seen := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if _, err := os.Stat(abs); err != nil {
			continue
		}
		_ = godotenv.Load(abs)
	}
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 5000
	}

	if c.Hub.Port == 0 {
		c.Hub.Port = 6789
	}
	if c.Hub.Path == "" {
		c.Hub.Path = "/"
	}
	if c.Hub.MaxListeners == 0 {
		c.Hub.MaxListeners = 64
	}
	if c.Hub.TriggerMessage == "" {
		c.Hub.TriggerMessage = "trigger_voice"
	}
	if c.Hub.PingIntervalSec == 0 {
		c.Hub.PingIntervalSec = 30
	}
	if c.Hub.SendTimeoutMS == 0 {
		c.Hub.SendTimeoutMS = 2000
	}

	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = 9600
	}
	if len(c.Serial.TriggerTokens) == 0 {
		c.Serial.TriggerTokens = []string{"button_pressed"}
	}
	if c.Serial.ReadTimeoutMS == 0 {
		c.Serial.ReadTimeoutMS = 500
	}
	if c.Serial.InitialBackoffSec == 0 {
		c.Serial.InitialBackoffSec = 1
	}
	if c.Serial.MaxBackoffSec == 0 {
		c.Serial.MaxBackoffSec = 30
	}

	if c.OpenAI.ChatModel == "" {
		c.OpenAI.ChatModel = "gpt-4o-mini"
	}
	if c.OpenAI.TranscriptionModel == "" {
		c.OpenAI.TranscriptionModel = "whisper-1"
	}
	if c.OpenAI.EmbeddingModel == "" {
		c.OpenAI.EmbeddingModel = "text-embedding-ada-002"
	}

	if c.ElevenLabs.ModelID == "" {
		c.ElevenLabs.ModelID = "eleven_flash_v2_5"
	}
	if c.ElevenLabs.BaseURL == "" {
		c.ElevenLabs.BaseURL = "https://api.elevenlabs.io"
	}
	if c.ElevenLabs.Stability == 0 {
		c.ElevenLabs.Stability = 0.75
	}
	if c.ElevenLabs.SimilarityBoost == 0 {
		c.ElevenLabs.SimilarityBoost = 0.75
	}

	if c.Retrieval.Strategy == "" {
		c.Retrieval.Strategy = RetrievalKeyword
	}
	if c.Retrieval.CorpusDir == "" {
		c.Retrieval.CorpusDir = "books"
	}
	if c.Retrieval.ChunkSize == 0 {
		c.Retrieval.ChunkSize = 500
	}
	if c.Retrieval.ChunkOverlap == 0 {
		c.Retrieval.ChunkOverlap = 50
	}
	if c.Retrieval.TopK == 0 {
		c.Retrieval.TopK = 3
	}
	if c.Retrieval.Embedder == "" {
		c.Retrieval.Embedder = "openai"
	}
	if c.Retrieval.OllamaURL == "" {
		c.Retrieval.OllamaURL = "http://localhost:11434"
	}
	if c.Retrieval.OllamaModel == "" {
		c.Retrieval.OllamaModel = "nomic-embed-text"
	}

	if c.Timeouts.ModelSec == 0 {
		c.Timeouts.ModelSec = 30
	}
	if c.Timeouts.SynthesisSec == 0 {
		c.Timeouts.SynthesisSec = 30
	}
	if c.Timeouts.TranscriptionSec == 0 {
		c.Timeouts.TranscriptionSec = 60
	}
	if c.Timeouts.EmbeddingSec == 0 {
		c.Timeouts.EmbeddingSec = 10
	}

	if c.MQTT.BaseTopic == "" {
		c.MQTT.BaseTopic = "behique"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "behique"
	}
	if c.MQTT.RemoteRateLimit == 0 {
		c.MQTT.RemoteRateLimit = 30
	}

	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Retrieval.IndexPath == "" {
		c.Retrieval.IndexPath = filepath.Join(c.DataDir, "index.db")
	}
	if c.ConversationLog.Path == "" {
		c.ConversationLog.Path = filepath.Join(c.DataDir, "conversations.db")
	}
	if len(c.CORSOrigins) == 0 {
		c.CORSOrigins = []string{"*"}
	}
}

// Validate checks the configuration for values that would fail later
// at runtime. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if c.Hub.Port < 1 || c.Hub.Port > 65535 {
		errs = append(errs, fmt.Errorf("hub.port %d out of range", c.Hub.Port))
	}
	if c.Hub.Port == c.Listen.Port && c.Hub.Address == c.Listen.Address {
		errs = append(errs, fmt.Errorf("hub and listen must bind different addresses (both on port %d)", c.Hub.Port))
	}
	if !strings.HasPrefix(c.Hub.Path, "/") {
		errs = append(errs, fmt.Errorf("hub.path %q must start with /", c.Hub.Path))
	}
	if c.Hub.MaxListeners < 0 {
		errs = append(errs, fmt.Errorf("hub.max_listeners must not be negative"))
	}
	for _, tok := range c.Serial.TriggerTokens {
		if strings.TrimSpace(tok) == "" {
			errs = append(errs, fmt.Errorf("serial.trigger_tokens must not contain empty values"))
			break
		}
	}
	if c.Serial.MaxBackoffSec < c.Serial.InitialBackoffSec {
		errs = append(errs, fmt.Errorf("serial.max_backoff_sec (%d) is less than initial_backoff_sec (%d)",
			c.Serial.MaxBackoffSec, c.Serial.InitialBackoffSec))
	}

	switch c.Retrieval.Strategy {
	case RetrievalNone, RetrievalKeyword, RetrievalSimilarity:
	default:
		errs = append(errs, fmt.Errorf("retrieval.strategy %q (valid: none, keyword, similarity)", c.Retrieval.Strategy))
	}
	switch c.Retrieval.Embedder {
	case "openai", "ollama":
	default:
		errs = append(errs, fmt.Errorf("retrieval.embedder %q (valid: openai, ollama)", c.Retrieval.Embedder))
	}
	if c.Retrieval.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("retrieval.chunk_size must be positive"))
	}
	if c.Retrieval.ChunkOverlap < 0 || c.Retrieval.ChunkOverlap >= c.Retrieval.ChunkSize {
		errs = append(errs, fmt.Errorf("retrieval.chunk_overlap must be in [0, chunk_size)"))
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat))
	}

	return errors.Join(errs...)
}

// PersonaText returns the persona instruction. persona_file takes
// precedence over the inline persona, which takes precedence over
// [DefaultPersona].
func (c *Config) PersonaText() (string, error) {
	if c.PersonaFile != "" {
		data, err := os.ReadFile(c.PersonaFile)
		if err != nil {
			return "", fmt.Errorf("read persona file %s: %w", c.PersonaFile, err)
		}
		if p := strings.TrimSpace(string(data)); p != "" {
			return p, nil
		}
	}
	if p := strings.TrimSpace(c.Persona); p != "" {
		return p, nil
	}
	return DefaultPersona, nil
}
