// Package telemetry provides the observability stack of reposync.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry with stdout or OTLP/gRPC exporters), Prometheus metrics on
// a private registry and the daemon's health surface.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	tel.Logger.SetGlobal()
//
// Metrics implements the recorder interfaces of the engine, oracle and
// audit packages, so the same instance is handed to each of them.
//
// # Health
//
// Health implements engine.HealthReporter. It serves:
//
//	/healthz  liveness: no fatal error and a cycle completed recently
//	/readyz   readiness: first cycle completed and the store responds
//	/metrics  Prometheus exposition
//	/status   JSON with the last cycle report and poll budget
//
// Under systemd it sends READY=1 at startup, WATCHDOG=1 after each cycle
// and STOPPING=1 on shutdown.
package telemetry
