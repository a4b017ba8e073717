package telemetry

import (
	"context"
	"errors"
	"testing"
)

func TestConfigFromEnv(t *testing.T) {
	tests := []struct {
		name      string
		env       map[string]string
		wantOK    bool
		wantEndpt string
		wantRatio float64
		insecure  bool
	}{
		{
			name:      "nothing configured",
			wantRatio: 1,
		},
		{
			name:      "honeycomb",
			env:       map[string]string{"HONEYCOMB_API_KEY": "key"},
			wantOK:    true,
			wantEndpt: "api.honeycomb.io",
			wantRatio: 1,
		},
		{
			name:      "otlp endpoint with sampling",
			env:       map[string]string{"OTEL_EXPORTER_OTLP_ENDPOINT": "collector:4318", "OTEL_TRACES_SAMPLER_ARG": "0.25"},
			wantOK:    true,
			wantEndpt: "collector:4318",
			wantRatio: 0.25,
			insecure:  true,
		},
		{
			name:      "bad ratio ignored",
			env:       map[string]string{"OTEL_EXPORTER_OTLP_ENDPOINT": "collector:4318", "OTEL_TRACES_SAMPLER_ARG": "7"},
			wantOK:    true,
			wantEndpt: "collector:4318",
			wantRatio: 1,
			insecure:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{"HONEYCOMB_API_KEY", "HONEYCOMB_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_INSECURE", "OTEL_TRACES_SAMPLER_ARG", "OTEL_SERVICE_NAME"} {
				t.Setenv(k, "")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg, ok := ConfigFromEnv("1.0", "bacon")
			if ok != tt.wantOK {
				t.Fatalf("ConfigFromEnv() ok = %v, want %v", ok, tt.wantOK)
			}
			if cfg.Endpoint != tt.wantEndpt || cfg.SampleRatio != tt.wantRatio || cfg.Insecure != tt.insecure {
				t.Errorf("ConfigFromEnv() = %+v", cfg)
			}
			if cfg.ServiceName != defaultServiceName || cfg.Device != "bacon" {
				t.Errorf("ConfigFromEnv() = %+v", cfg)
			}
		})
	}
}

func TestInitializeFromEnvWithoutEndpointIsNoop(t *testing.T) {
	t.Setenv("HONEYCOMB_API_KEY", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	shutdown, err := InitializeFromEnv(context.Background(), "test", "")
	if err != nil {
		t.Fatalf("InitializeFromEnv() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestInitializeRequiresEndpoint(t *testing.T) {
	if _, err := Initialize(context.Background(), Config{ServiceName: "x"}); err == nil {
		t.Error("Initialize() without endpoint succeeded")
	}
}

func TestSpansWorkWithoutInitialization(t *testing.T) {
	ctx, span := StartUpdateSpan(context.Background(), "controller.verify", "u1")
	if ctx == nil {
		t.Fatal("StartUpdateSpan() returned nil context")
	}
	EndSpan(span, errors.New("boom"))

	_, span = StartSpan(context.Background(), "checker.check")
	EndSpan(span, context.Canceled)
}
