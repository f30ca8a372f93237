package config

import "testing"

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("expected default http address, got %q", cfg.HTTPAddress)
	}
	if cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("expected default database path, got %q", cfg.DatabasePath)
	}
	if cfg.WindowSize != defaultWindowSize {
		t.Fatalf("expected default window size, got %d", cfg.WindowSize)
	}
}

func TestLoadRejectsInvalidWindowSize(t *testing.T) {
	configViper := NewViper()
	configViper.Set("stream.window_size", 0)
	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected validation error for zero window size")
	}
}

func TestLoadRejectsEmptyDatabasePath(t *testing.T) {
	configViper := NewViper()
	configViper.Set("database.path", "  ")
	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected validation error for blank database path")
	}
}
