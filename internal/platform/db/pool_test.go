package db

import "testing"

func TestPoolConfig(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		max, min int32
		wantMax  int32
		wantMin  int32
		wantApp  string
	}{
		{"limits applied", "postgres://u:p@localhost:5432/interop", 20, 2, 20, 2, applicationName},
		{"min clamped to max", "postgres://u:p@localhost:5432/interop", 4, 10, 4, 4, applicationName},
		{"url keeps its application name", "postgres://u:p@localhost:5432/interop?application_name=ops", 8, 1, 8, 1, "ops"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := poolConfig(tt.url, tt.max, tt.min)
			if err != nil {
				t.Fatalf("poolConfig() error: %v", err)
			}
			if cfg.MaxConns != tt.wantMax || cfg.MinConns != tt.wantMin {
				t.Errorf("conns = %d/%d, want %d/%d", cfg.MaxConns, cfg.MinConns, tt.wantMax, tt.wantMin)
			}
			if got := cfg.ConnConfig.RuntimeParams["application_name"]; got != tt.wantApp {
				t.Errorf("application_name = %q, want %q", got, tt.wantApp)
			}
		})
	}
}

func TestPoolConfig_InvalidURL(t *testing.T) {
	if _, err := poolConfig("://not a url", 1, 1); err == nil {
		t.Fatal("expected an error for an invalid url")
	}
}
