// Package config loads substrate configuration from defaults, an optional
// YAML file and SUBSTRATE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete substrate configuration.
type Config struct {
	// DataDir holds substrate.db, observations.jsonl and the outbox.
	DataDir string `koanf:"data_dir"`

	// AgentID identifies this node when it submits observations on its own behalf.
	AgentID string `koanf:"agent_id"`

	Confirmation ConfirmationConfig `koanf:"confirmation"`
	Sync         SyncConfig         `koanf:"sync"`
	Qdrant       QdrantConfig       `koanf:"qdrant"`
	Embeddings   EmbeddingsConfig   `koanf:"embeddings"`
	Server       ServerConfig       `koanf:"server"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
	Logging      LoggingConfig      `koanf:"logging"`
}

// ConfirmationConfig tunes the consensus engine.
type ConfirmationConfig struct {
	// Threshold is the number of distinct agents that promotes an observation.
	Threshold int `koanf:"threshold"`

	// ConfidenceFactor is the agent count at which confidence saturates to 1.
	ConfidenceFactor float64 `koanf:"confidence_factor"`

	ContradictionWindow Duration `koanf:"contradiction_window"`
	FuzzyThreshold      float64  `koanf:"fuzzy_threshold"`

	// StaleAfter is the age at which still-pending observations are marked stale.
	StaleAfter Duration `koanf:"stale_after"`
}

// SyncConfig configures peer replication.
type SyncConfig struct {
	Enabled        bool       `koanf:"enabled"`
	Interval       Duration   `koanf:"interval"`
	UrgentInterval Duration   `koanf:"urgent_interval"`
	OutboxPath     string     `koanf:"outbox_path"`
	BatchMaxAge    Duration   `koanf:"batch_max_age"`
	Watch          bool       `koanf:"watch"`
	Peers          []Peer     `koanf:"peers"`
	NATS           NATSConfig `koanf:"nats"`
}

// Peer is another node whose outbox directory this node reads.
type Peer struct {
	Name    string `koanf:"name"`
	Path    string `koanf:"path"`
	Enabled bool   `koanf:"enabled"`
}

// NATSConfig configures batch announcements over NATS.
type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
	Subject string `koanf:"subject"`
}

// QdrantConfig configures the similarity index.
type QdrantConfig struct {
	Enabled bool `koanf:"enabled"`

	// URL overrides Host, Port and UseTLS when set (http://host:port).
	URL        string `koanf:"url"`
	Host       string `koanf:"host"`
	Port       int    `koanf:"port"`
	UseTLS     bool   `koanf:"use_tls"`
	Collection string `koanf:"collection"`
	APIKey     Secret `koanf:"api_key"`
	VectorSize uint64 `koanf:"vector_size"`
}

// EmbeddingsConfig configures the TEI embedding endpoint.
type EmbeddingsConfig struct {
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`

	// RateLimit is the maximum embedding requests per second.
	RateLimit float64  `koanf:"rate_limit"`
	Timeout   Duration `koanf:"timeout"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	APIKey          Secret   `koanf:"api_key"`

	// ObserveRate is the per-agent observation submissions allowed per second.
	ObserveRate  float64 `koanf:"observe_rate"`
	ObserveBurst int     `koanf:"observe_burst"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool    `koanf:"enabled"`
	Endpoint     string  `koanf:"endpoint"`
	ServiceName  string  `koanf:"service_name"`
	Insecure     bool    `koanf:"insecure"`
	SamplingRate float64 `koanf:"sampling_rate"`
}

// LoggingConfig selects log verbosity and encoding.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	dataDir := defaultDataDir()
	return &Config{
		DataDir: dataDir,
		AgentID: defaultAgentID(),
		Confirmation: ConfirmationConfig{
			Threshold:           3,
			ConfidenceFactor:    6,
			ContradictionWindow: Duration(24 * time.Hour),
			FuzzyThreshold:      0.85,
			StaleAfter:          Duration(720 * time.Hour),
		},
		Sync: SyncConfig{
			Enabled:        true,
			Interval:       Duration(60 * time.Second),
			UrgentInterval: Duration(5 * time.Second),
			BatchMaxAge:    Duration(168 * time.Hour),
			Watch:          true,
			NATS: NATSConfig{
				URL:     "nats://localhost:4222",
				Subject: "substrate.batches",
			},
		},
		Qdrant: QdrantConfig{
			Host:       "localhost",
			Port:       6334,
			Collection: "substrate_observations",
			VectorSize: 384,
		},
		Embeddings: EmbeddingsConfig{
			BaseURL:   "http://localhost:8080",
			Model:     "BAAI/bge-small-en-v1.5",
			RateLimit: 20,
			Timeout:   Duration(30 * time.Second),
		},
		Server: ServerConfig{
			Host:            "localhost",
			Port:            3000,
			ShutdownTimeout: Duration(10 * time.Second),
			ObserveRate:     10,
			ObserveBurst:    20,
		},
		Telemetry: TelemetryConfig{
			Endpoint:     "localhost:4317",
			ServiceName:  "substrate",
			Insecure:     true,
			SamplingRate: 1.0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// DBPath is the SQLite database location.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "substrate.db")
}

// LogPath is the append-only observation log location.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "observations.jsonl")
}

// OutboxPath is where this node writes batches for its peers.
func (c *Config) OutboxPath() string {
	if c.Sync.OutboxPath != "" {
		return c.Sync.OutboxPath
	}
	return filepath.Join(c.DataDir, "outbox")
}

// Validate checks the configuration. Every error wraps ErrInvalid.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.DataDir == "" {
		add("data_dir is required")
	}
	if c.AgentID == "" {
		add("agent_id is required")
	}

	conf := c.Confirmation
	if conf.Threshold < 1 {
		add("confirmation.threshold must be >= 1, got %d", conf.Threshold)
	}
	if conf.ConfidenceFactor <= 0 {
		add("confirmation.confidence_factor must be > 0, got %v", conf.ConfidenceFactor)
	}
	if conf.FuzzyThreshold < 0 || conf.FuzzyThreshold > 1 {
		add("confirmation.fuzzy_threshold must be within [0,1], got %v", conf.FuzzyThreshold)
	}
	if conf.ContradictionWindow <= 0 {
		add("confirmation.contradiction_window must be positive")
	}
	if conf.StaleAfter <= 0 {
		add("confirmation.stale_after must be positive")
	}

	if c.Sync.Interval <= 0 {
		add("sync.interval must be positive")
	}
	if c.Sync.UrgentInterval <= 0 {
		add("sync.urgent_interval must be positive")
	}
	if c.Sync.BatchMaxAge <= 0 {
		add("sync.batch_max_age must be positive")
	}
	outbox := filepath.Clean(c.OutboxPath())
	seen := make(map[string]bool, len(c.Sync.Peers))
	for i, p := range c.Sync.Peers {
		switch {
		case p.Name == "":
			add("sync.peers[%d].name is required", i)
		case seen[p.Name]:
			add("sync.peers[%d]: duplicate peer name %q", i, p.Name)
		}
		seen[p.Name] = true
		if p.Path == "" {
			add("sync.peers[%d].path is required", i)
		} else if filepath.Clean(p.Path) == outbox {
			add("sync.peers[%d].path must not be this node's own outbox", i)
		}
	}
	if c.Sync.NATS.Enabled && (c.Sync.NATS.URL == "" || c.Sync.NATS.Subject == "") {
		add("sync.nats.url and sync.nats.subject are required when nats is enabled")
	}

	if c.Qdrant.Enabled {
		if c.Qdrant.Port <= 0 || c.Qdrant.Port > 65535 {
			add("qdrant.port must be 1-65535, got %d", c.Qdrant.Port)
		}
		if c.Qdrant.Collection == "" {
			add("qdrant.collection is required")
		}
		if c.Qdrant.VectorSize == 0 {
			add("qdrant.vector_size must be > 0")
		}
		if c.Embeddings.BaseURL == "" {
			add("embeddings.base_url is required when qdrant is enabled")
		}
	}
	if c.Embeddings.RateLimit < 0 {
		add("embeddings.rate_limit must be >= 0")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		add("server.shutdown_timeout must be positive")
	}
	if c.Server.ObserveRate < 0 || c.Server.ObserveBurst < 0 {
		add("server.observe_rate and server.observe_burst must be >= 0")
	}

	if c.Telemetry.Enabled && c.Telemetry.ServiceName == "" {
		add("telemetry.service_name is required when telemetry is enabled")
	}
	if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
		add("telemetry.sampling_rate must be within [0,1]")
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		add("logging.format must be json or console, got %q", c.Logging.Format)
	}

	return errors.Join(errs...)
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "substrate")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "substrate")
	}
	return filepath.Join(os.TempDir(), "substrate")
}

func defaultAgentID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "substrate"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
