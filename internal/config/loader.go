package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix         = "SUBSTRATE_"
	maxConfigFileSize = 1024 * 1024 // 1MB
)

// envSections lists nested sections, longest first, so SUBSTRATE_SYNC_NATS_URL
// resolves to sync.nats.url rather than sync.nats_url.
var envSections = []string{
	"sync_nats",
	"confirmation",
	"embeddings",
	"telemetry",
	"logging",
	"server",
	"qdrant",
	"sync",
}

// envAliases are flat variable names kept from earlier releases.
var envAliases = map[string]string{
	"data_dir":  "data_dir",
	"agent_id":  "agent_id",
	"log_level": "logging.level",
}

// Load reads configuration with this precedence (highest first):
//  1. SUBSTRATE_* environment variables
//  2. the YAML file at path
//  3. Default()
//
// An empty path means ~/.config/substrate/config.yaml, which may be absent.
// An explicit path must exist. The file must be at most 1MB and must not be
// group or world writable.
//
// Environment variables map to keys by section:
//
//	SUBSTRATE_SYNC_INTERVAL      -> sync.interval
//	SUBSTRATE_SYNC_NATS_ENABLED  -> sync.nats.enabled
//	SUBSTRATE_QDRANT_API_KEY     -> qdrant.api_key
//	SUBSTRATE_LOG_LEVEL          -> logging.level
//	SUBSTRATE_SYNC_PEERS         -> sync.peers ("laptop=/mnt/a/outbox,desk=/mnt/b/outbox")
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}

	content, err := readConfigFile(path, explicit)
	if err != nil {
		return nil, err
	}
	if content != nil {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Qdrant.URL != "" {
		if err := cfg.Qdrant.applyURL(); err != nil {
			return nil, err
		}
	}
	for i := range cfg.Sync.Peers {
		cfg.Sync.Peers[i].Path = expandHome(cfg.Sync.Peers[i].Path)
	}
	cfg.DataDir = expandHome(cfg.DataDir)
	cfg.Sync.OutboxPath = expandHome(cfg.Sync.OutboxPath)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// DefaultConfigPath is ~/.config/substrate/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".substrate", "config.yaml")
	}
	return filepath.Join(home, ".config", "substrate", "config.yaml")
}

// EnsureDirs creates the data directory and outbox with 0700 permissions.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, c.OutboxPath()} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// readConfigFile returns nil content when an implicit path does not exist.
func readConfigFile(path string, explicit bool) ([]byte, error) {
	// Stat through the open descriptor to avoid a TOCTOU race.
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

func validateConfigFileProperties(info os.FileInfo) error {
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", info.Name())
	}
	// Windows has a different permission model.
	if runtime.GOOS != "windows" {
		if perm := info.Mode().Perm(); perm&0022 != 0 {
			return fmt.Errorf("insecure config file permissions: %v (must not be group or world writable)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// envKey maps SUBSTRATE_SECTION_FIELD_NAME to section.field_name.
// Returning an empty key makes koanf skip the variable.
func envKey(name, value string) (string, interface{}) {
	key := strings.ToLower(strings.TrimPrefix(name, envPrefix))

	if alias, ok := envAliases[key]; ok {
		return alias, value
	}
	if key == "sync_peers" {
		return "sync.peers", parsePeers(value)
	}
	for _, section := range envSections {
		if field, ok := strings.CutPrefix(key, section+"_"); ok && field != "" {
			return strings.ReplaceAll(section, "_", ".") + "." + field, value
		}
	}
	return "", nil
}

// parsePeers reads "name=path" pairs separated by commas.
func parsePeers(value string) []interface{} {
	var peers []interface{}
	for _, pair := range strings.Split(value, ",") {
		name, path, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		peers = append(peers, map[string]interface{}{
			"name":    strings.TrimSpace(name),
			"path":    strings.TrimSpace(path),
			"enabled": true,
		})
	}
	return peers
}

func (q *QdrantConfig) applyURL() error {
	u, err := url.Parse(q.URL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: qdrant.url %q is not a valid URL", ErrInvalid, q.URL)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		host = u.Host
		portStr = ""
	}
	q.Host = host
	if portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("%w: qdrant.url port %q: %v", ErrInvalid, portStr, err)
		}
		q.Port = port
	}
	q.UseTLS = u.Scheme == "https"
	q.Enabled = true
	return nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
