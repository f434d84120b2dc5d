package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix         = "REVIEWRAG_"
	maxConfigFileSize = 1024 * 1024 // 1MB
)

// Load reads configuration from a YAML file and then overrides it with
// environment variables.
//
// Precedence (highest to lowest):
//  1. REVIEWRAG_* environment variables (REVIEWRAG_SERVER_PORT, REVIEWRAG_STORE_BACKEND, ...)
//  2. YAML file at configPath, default ~/.config/reviewrag/config.yaml
//  3. Defaults
//
// The file is optional. When present it must live under ~/.config/reviewrag/
// or /etc/reviewrag/, carry 0600 or 0400 permissions and stay under 1MB.
//
// Environment variables split on the first underscore after the prefix:
//
//	REVIEWRAG_SERVER_PORT        -> server.port
//	REVIEWRAG_STORE_SQLITE_PATH  -> store.sqlite_path
//	REVIEWRAG_GENERATION_API_KEY -> generation.api_key
//
// OPENAI_API_KEY is used for generation.api_key (and embeddings.api_key with
// the openai provider) when those are not set explicitly.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "reviewrag", "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyFallbackSecrets(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// envKey maps REVIEWRAG_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

func applyFallbackSecrets(cfg *Config) {
	key := Secret(os.Getenv("OPENAI_API_KEY"))
	if !key.IsSet() {
		return
	}
	if !cfg.Generation.APIKey.IsSet() {
		cfg.Generation.APIKey = key
	}
	if cfg.Embeddings.Provider == "openai" && !cfg.Embeddings.APIKey.IsSet() {
		cfg.Embeddings.APIKey = key
	}
}

// readConfigFile opens the file once and validates the descriptor it read
// from, so the checked file is the loaded file.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
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

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// validateConfigPath checks that path resolves into an allowed directory.
// It runs even when the file does not exist yet.
func validateConfigPath(path string) error {
	resolved, err := resolvePath(path)
	if err != nil {
		return err
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	allowedDirs := []string{
		filepath.Join(home, ".config", "reviewrag"),
		"/etc/reviewrag",
	}
	for _, dir := range allowedDirs {
		allowed, err := resolvePath(dir)
		if err != nil {
			continue
		}
		if resolved == allowed || strings.HasPrefix(resolved, allowed+string(filepath.Separator)) {
			return nil
		}
	}

	return fmt.Errorf("config file must be in ~/.config/reviewrag/ or /etc/reviewrag/")
}

func resolvePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	// Missing files: resolve the parent so symlinked homes still match.
	if parent, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
		return filepath.Join(parent, filepath.Base(abs)), nil
	}
	return abs, nil
}

// validateConfigFileProperties checks file permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	return nil
}
