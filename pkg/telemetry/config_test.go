package telemetry

import (
	"strings"
	"testing"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{name: "default", modify: func(c *Config) {}},
		{name: "production", modify: func(c *Config) { *c = *ProductionConfig(); c.Tracing.Endpoint = "otel:4317" }},
		{name: "missing service name", modify: func(c *Config) { c.ServiceName = "" }, wantErr: "service name"},
		{name: "bad level", modify: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "invalid log level"},
		{name: "bad format", modify: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "invalid log format"},
		{
			name: "bad exporter",
			modify: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "jaeger"
			},
			wantErr: "invalid trace exporter",
		},
		{
			name: "otlp without endpoint",
			modify: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "otlp"
			},
			wantErr: "endpoint is required",
		},
		{name: "sampling out of range", modify: func(c *Config) { c.Tracing.SamplingRate = 1.5 }, wantErr: "sampling rate"},
		{name: "negative stale cycles", modify: func(c *Config) { c.Health.StaleCycles = -1 }, wantErr: "stale cycles"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
