// Package config defines the on-disk JSON configuration (spec.md S6,
// "<data>/config.json") and its defaults. The loader/CLI surface
// itself is out of scope (spec.md S1); this package only owns the
// shape of Settings and the directory-layout defaults a driver needs
// to boot the core components, mirroring the config:"..." struct-tag
// convention seen on backend/sia.Options and backend/s3.Options, but
// JSON-tagged rather than ini-tagged since no ini dependency exists in
// the retrieved corpus and config.json is the spec's own format.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Provider selects which backend a mount point talks to.
type Provider string

// Supported providers.
const (
	ProviderS3      Provider = "s3"
	ProviderSia     Provider = "sia"
	ProviderEncrypt Provider = "encrypt"
)

// HostConfig is the shared HTTP endpoint configuration used by the S3
// and Sia providers (spec.md S4.2 host_config).
type HostConfig struct {
	APIPort      int    `json:"ApiPort"`
	HostNameOrIP string `json:"HostNameOrIp"`
	Path         string `json:"Path"`
	Protocol     string `json:"Protocol"`
	AgentString  string `json:"AgentString"`
	APIPassword  string `json:"ApiPassword"`
	APIUser      string `json:"ApiUser"`
	TimeoutMs    int    `json:"TimeoutMs"`
}

// S3Config carries bucket/region/key configuration for the S3 provider.
type S3Config struct {
	Bucket          string `json:"Bucket"`
	Region          string `json:"Region"`
	AccessKey       string `json:"AccessKey"`
	SecretKey       string `json:"SecretKey"`
	URL             string `json:"URL"`
	UsePathStyle    bool   `json:"UsePathStyle"`
	UseRegionInURL  bool   `json:"UseRegionInUrl"`
	EncryptionToken string `json:"EncryptionToken"`
}

// EncryptionConfig selects the chunked-AEAD KDF variant (spec.md Open
// Questions: deferred to configuration).
type EncryptionConfig struct {
	Token      string `json:"Token"`
	KDFVariant string `json:"KdfVariant"` // "blake2b" or "argon2id"
	Path       string `json:"Path"`       // local directory for the encrypt provider
}

// RPCConfig carries the shared-token/version configuration for the
// binary RPC transport (spec.md S4.9).
type RPCConfig struct {
	Token         string `json:"Token"`
	MinVersion    string `json:"MinVersion"`
	SendTimeoutMs int    `json:"SendTimeoutMs"`
	RecvTimeoutMs int    `json:"RecvTimeoutMs"`
}

// Settings is the top-level config.json document.
type Settings struct {
	Version            int              `json:"Version"`
	Provider           Provider         `json:"Provider"`
	APIPort            int              `json:"ApiPort"`
	DataDirectory      string           `json:"DataDirectory"`
	MaxUploadCount     int              `json:"MaxUploadCount"`
	RingBufferFileSize int              `json:"RingBufferFileSize"`
	RetryReadCount     int              `json:"RetryReadCount"`
	MaxConnections     int              `json:"MaxConnections"`
	HostConfig         HostConfig       `json:"HostConfig"`
	S3Config           S3Config         `json:"S3Config"`
	Encryption         EncryptionConfig `json:"EncryptionConfig"`
	RPC                RPCConfig        `json:"RpcConfig"`
}

// Defaults returns the configuration defaults for a fresh data
// directory, matching the end-to-end scenario in spec.md S8 #1: Sia
// provider, ApiPort=10000, HostConfig.ApiPort=9980, MaxUploadCount=5,
// RingBufferFileSize=512, RetryReadCount=6.
func Defaults(dataDir string) Settings {
	return Settings{
		Version:            1,
		Provider:           ProviderSia,
		APIPort:            10000,
		DataDirectory:      dataDir,
		MaxUploadCount:     5,
		RingBufferFileSize: 512,
		RetryReadCount:     6,
		MaxConnections:     8,
		HostConfig: HostConfig{
			APIPort:      9980,
			HostNameOrIP: "127.0.0.1",
			Path:         "",
			Protocol:     "http",
			AgentString:  "Sia-Agent",
			TimeoutMs:    60000,
		},
		Encryption: EncryptionConfig{
			KDFVariant: "argon2id",
		},
		RPC: RPCConfig{
			MinVersion:    "1.0",
			SendTimeoutMs: 5000,
			RecvTimeoutMs: 5000,
		},
	}
}

// CacheDir returns the local content-cache directory under DataDirectory.
func (s Settings) CacheDir() string {
	return filepath.Join(s.DataDirectory, "cache")
}

// LogsDir returns the rotating-log directory under DataDirectory.
func (s Settings) LogsDir() string {
	return filepath.Join(s.DataDirectory, "logs")
}

// MetaDBPath returns the metadata store file path under DataDirectory.
func (s Settings) MetaDBPath() string {
	return filepath.Join(s.DataDirectory, "meta.db")
}

// ConfigPath returns the config.json path under DataDirectory.
func (s Settings) ConfigPath() string {
	return filepath.Join(s.DataDirectory, "config.json")
}

// Load reads config.json from dataDir, creating it (and the cache/logs
// subdirectories) with defaults if it doesn't exist yet.
func Load(dataDir string) (Settings, error) {
	settings := Defaults(dataDir)
	if err := os.MkdirAll(settings.CacheDir(), 0o700); err != nil {
		return Settings{}, err
	}
	if err := os.MkdirAll(settings.LogsDir(), 0o700); err != nil {
		return Settings{}, err
	}

	data, err := os.ReadFile(settings.ConfigPath())
	if os.IsNotExist(err) {
		return settings, Save(settings)
	}
	if err != nil {
		return Settings{}, err
	}
	if err := json.Unmarshal(data, &settings); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

// Save writes settings to its ConfigPath as indented JSON.
func Save(settings Settings) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(settings.ConfigPath(), data, 0o600)
}
