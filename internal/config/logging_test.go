package config

import "testing"

func TestLoadLogDefaults(t *testing.T) {
	cfg, err := LoadLog()
	if err != nil {
		t.Fatalf("LoadLog() error = %v", err)
	}
	if cfg.Level != "info" || cfg.Service != "wager-server" || cfg.KeepFiles != 3 || cfg.MaxMB != 10 {
		t.Fatalf("defaults = %+v", cfg)
	}
}

func TestLoadLogParse(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_KEEP_FILES", "0")
	t.Setenv("INSTANCE_ID", "edge-2")
	t.Setenv("LOG_CALLER", "true")

	cfg, err := LoadLog()
	if err != nil {
		t.Fatalf("LoadLog() error = %v", err)
	}
	if cfg.Level != "debug" || cfg.KeepFiles != 0 || cfg.Instance != "edge-2" || !cfg.Caller {
		t.Fatalf("unexpected log config: %+v", cfg)
	}
}

func TestLoadLogRejects(t *testing.T) {
	for name, env := range map[string][2]string{
		"level": {"LOG_LEVEL", "loud"},
		"keep":  {"LOG_KEEP_FILES", "-1"},
	} {
		t.Run(name, func(t *testing.T) {
			t.Setenv(env[0], env[1])
			if _, err := LoadLog(); err == nil {
				t.Fatalf("LoadLog() with %s=%s error = nil", env[0], env[1])
			}
		})
	}
}
