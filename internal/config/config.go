// Package config loads per-session tuning knobs (timeout values and a
// debug-artifact dump flag) from a ".env" file at the
// project root with environment variables layered on top, memoized behind
// a process-wide singleton.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// SessionConfig holds the knobs a Session needs beyond what a chip's
// ChipInfo entry already fixes. Only DumpDAArtifacts and ArtifactDir are
// read elsewhere (by session.LoadDA); the BROM, XFlash and XML-DA clients
// use their own built-in timeouts, so the four timeout fields do not change
// any client's behaviour.
type SessionConfig struct {
	HandshakeStepTimeoutMS   int
	TransactionReadTimeoutMS int
	DAReadTimeoutMS          int
	ResyncScanTimeoutMS      int

	// DumpDAArtifacts, when set, writes the selected DA1/DA2 payloads to
	// DA1.bin/DA2.bin in ArtifactDir before upload, for offline inspection.
	DumpDAArtifacts bool
	ArtifactDir     string
}

func defaultSessionConfig() SessionConfig {
	return SessionConfig{
		HandshakeStepTimeoutMS:   200,
		TransactionReadTimeoutMS: 5000,
		DAReadTimeoutMS:          30000,
		ResyncScanTimeoutMS:      2000,
		DumpDAArtifacts:          false,
		ArtifactDir:              ".",
	}
}

var (
	sessionConfig *SessionConfig
	configLoaded  bool
)

// LoadSessionConfig loads and memoizes the session configuration: defaults,
// overridden by a ".env" file at the project root, overridden again by
// environment variables.
func LoadSessionConfig() (*SessionConfig, error) {
	if sessionConfig != nil && configLoaded {
		return sessionConfig, nil
	}

	cfg := defaultSessionConfig()

	// Try to load from .env file in project root
	projectRoot := findProjectRoot()
	envPath := filepath.Join(projectRoot, ".env")

	data, err := os.ReadFile(envPath)
	if err == nil {
		parseEnvFile(string(data), &cfg)
	}

	// Override with environment variables if set
	applyEnvOverrides(&cfg)

	sessionConfig = &cfg
	configLoaded = true
	return sessionConfig, nil
}

func parseEnvFile(content string, cfg *SessionConfig) {
	lines := strings.Split(content, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		setField(cfg, strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
	}
}

func applyEnvOverrides(cfg *SessionConfig) {
	for _, key := range []string{
		"MTKDA_HANDSHAKE_STEP_TIMEOUT_MS",
		"MTKDA_TRANSACTION_READ_TIMEOUT_MS",
		"MTKDA_DA_READ_TIMEOUT_MS",
		"MTKDA_RESYNC_SCAN_TIMEOUT_MS",
		"MTKDA_DUMP_DA_ARTIFACTS",
		"MTKDA_ARTIFACT_DIR",
	} {
		if v := os.Getenv(key); v != "" {
			setField(cfg, key, v)
		}
	}
}

func setField(cfg *SessionConfig, key, value string) {
	switch key {
	case "MTKDA_HANDSHAKE_STEP_TIMEOUT_MS":
		if v, err := strconv.Atoi(value); err == nil {
			cfg.HandshakeStepTimeoutMS = v
		}
	case "MTKDA_TRANSACTION_READ_TIMEOUT_MS":
		if v, err := strconv.Atoi(value); err == nil {
			cfg.TransactionReadTimeoutMS = v
		}
	case "MTKDA_DA_READ_TIMEOUT_MS":
		if v, err := strconv.Atoi(value); err == nil {
			cfg.DAReadTimeoutMS = v
		}
	case "MTKDA_RESYNC_SCAN_TIMEOUT_MS":
		if v, err := strconv.Atoi(value); err == nil {
			cfg.ResyncScanTimeoutMS = v
		}
	case "MTKDA_DUMP_DA_ARTIFACTS":
		cfg.DumpDAArtifacts = value == "1" || strings.EqualFold(value, "true")
	case "MTKDA_ARTIFACT_DIR":
		cfg.ArtifactDir = value
	}
}

func findProjectRoot() string {
	cwd, _ := os.Getwd()
	// First check CWD for .env file
	if _, err := os.Stat(filepath.Join(cwd, ".env")); err == nil {
		return cwd
	}
	// Then walk up looking for go.mod
	for {
		if _, err := os.Stat(filepath.Join(cwd, "go.mod")); err == nil {
			return cwd
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return cwd
		}
		cwd = parent
	}
}

// MustLoadSessionConfig loads the session configuration, panicking if
// LoadSessionConfig returns an error. LoadSessionConfig falls back to
// defaults on every failure it meets (a missing .env file, an undeterminable
// working directory), so it always succeeds and this never panics.
func MustLoadSessionConfig() SessionConfig {
	cfg, err := LoadSessionConfig()
	if err != nil {
		panic(err)
	}
	return *cfg
}
