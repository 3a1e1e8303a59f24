package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway"`
	Logger   LoggerConfig   `yaml:"logger"`
	Tracer   TracerConfig   `yaml:"tracer"`
	EventLog EventLogConfig `yaml:"event_log"`
	Polls    PollsConfig    `yaml:"polls"`
}

// GatewayConfig describes the gateway endpoint and the identity presented
// during the handshake. Durations are strings ("2s", "500ms") so they read
// naturally in YAML; Validate checks they parse.
type GatewayConfig struct {
	URL              string       `yaml:"url"`
	Token            string       `yaml:"token"` // bearer token, may be "enc:..." encrypted
	ReconnectDelay   string       `yaml:"reconnect_delay"`
	CallTimeout      string       `yaml:"call_timeout"`
	HandshakeTimeout string       `yaml:"handshake_timeout"`
	Client           ClientConfig `yaml:"client"`
	Role             string       `yaml:"role"`
	Scopes           []string     `yaml:"scopes"`
	Caps             []string     `yaml:"caps,omitempty"`
	Commands         []string     `yaml:"commands,omitempty"`
	Locale           string       `yaml:"locale,omitempty"`
	UserAgent        string       `yaml:"user_agent,omitempty"`
}

// ClientConfig is the self-describing identity sent in the connect request.
type ClientConfig struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name,omitempty"`
	Version     string `yaml:"version"`
	Platform    string `yaml:"platform"`
	Mode        string `yaml:"mode"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stdout, stderr, discard, or a file path
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // noop, stdout
}

// EventLogConfig holds settings for the in-memory event log.
type EventLogConfig struct {
	Capacity int `yaml:"capacity"`
}

// PollsConfig holds the background poll schedule.
type PollsConfig struct {
	Enabled       bool         `yaml:"enabled"`
	RatePerMinute int          `yaml:"rate_per_minute"`
	Burst         int          `yaml:"burst"`
	Entries       []PollConfig `yaml:"entries,omitempty"`
}

// PollConfig is one recurring gateway call.
type PollConfig struct {
	Name     string `yaml:"name"`
	Method   string `yaml:"method"`
	Params   string `yaml:"params,omitempty"` // JSON object passed as request params
	Schedule string `yaml:"schedule"`         // cron spec ("*/5 * * * *") or duration ("30s")
}

// Defaults returns a Config with sensible defaults: a local gateway,
// anonymous auth, text logs on stderr and tracing off.
func Defaults() *Config {
	return &Config{
		Gateway: GatewayConfig{
			URL:              "ws://127.0.0.1:18789/ws",
			ReconnectDelay:   "2s",
			CallTimeout:      "30s",
			HandshakeTimeout: "10s",
			Client: ClientConfig{
				ID:      "clawdeck",
				Version: "dev",
				Mode:    "cli",
			},
			Role:   "operator",
			Scopes: []string{"operator.admin"},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		EventLog: EventLogConfig{
			Capacity: 512,
		},
		Polls: PollsConfig{
			Enabled:       false,
			RatePerMinute: 60,
			Burst:         10,
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts
// secrets. A missing file is not an error: defaults plus environment apply.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := decryptSecretsFromEnv(cfg); err != nil {
				return nil, err
			}
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := decryptSecretsFromEnv(cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func decryptSecretsFromEnv(cfg *Config) error {
	passphrase := os.Getenv("CLAWDECK_CONFIG_KEY")
	if passphrase == "" {
		return nil
	}
	if err := decryptSecrets(cfg, passphrase); err != nil {
		return fmt.Errorf("decrypt secrets: %w", err)
	}
	return nil
}

// ApplyEnvOverrides maps CLAWDECK_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CLAWDECK_GATEWAY_URL"); v != "" {
		cfg.Gateway.URL = v
	}
	if v := os.Getenv("CLAWDECK_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Token = v
	}
	if v := os.Getenv("CLAWDECK_GATEWAY_RECONNECT_DELAY"); v != "" {
		cfg.Gateway.ReconnectDelay = v
	}
	if v := os.Getenv("CLAWDECK_GATEWAY_CALL_TIMEOUT"); v != "" {
		cfg.Gateway.CallTimeout = v
	}
	if v := os.Getenv("CLAWDECK_GATEWAY_HANDSHAKE_TIMEOUT"); v != "" {
		cfg.Gateway.HandshakeTimeout = v
	}
	if v := os.Getenv("CLAWDECK_GATEWAY_CLIENT_ID"); v != "" {
		cfg.Gateway.Client.ID = v
	}
	if v := os.Getenv("CLAWDECK_GATEWAY_CLIENT_MODE"); v != "" {
		cfg.Gateway.Client.Mode = v
	}
	if v := os.Getenv("CLAWDECK_GATEWAY_ROLE"); v != "" {
		cfg.Gateway.Role = v
	}
	if v := os.Getenv("CLAWDECK_GATEWAY_SCOPES"); v != "" {
		cfg.Gateway.Scopes = splitAndTrim(v, ",")
	}
	if v := os.Getenv("CLAWDECK_GATEWAY_LOCALE"); v != "" {
		cfg.Gateway.Locale = v
	}
	if v := os.Getenv("CLAWDECK_GATEWAY_USER_AGENT"); v != "" {
		cfg.Gateway.UserAgent = v
	}
	if v := os.Getenv("CLAWDECK_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("CLAWDECK_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("CLAWDECK_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("CLAWDECK_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("CLAWDECK_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("CLAWDECK_EVENTLOG_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.EventLog.Capacity = n
		}
	}
	if v := os.Getenv("CLAWDECK_POLLS_ENABLED"); v == "true" {
		cfg.Polls.Enabled = true
	}
	if v := os.Getenv("CLAWDECK_POLLS_RATE_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Polls.RatePerMinute = n
		}
	}
}

func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// Duration returns the parsed value of a duration field, falling back when
// the field is empty. Validate has already rejected unparsable values, so a
// parse failure here also falls back.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// decryptSecrets finds "enc:..." values and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	if strings.HasPrefix(cfg.Gateway.Token, "enc:") {
		decrypted, err := DecryptValue(strings.TrimPrefix(cfg.Gateway.Token, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("gateway token: %w", err)
		}
		cfg.Gateway.Token = decrypted
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}

	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	return string(plaintext), nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
