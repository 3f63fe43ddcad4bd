package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/apphost/reposync/pkg/engine"
)

// DefaultStaleCycles is how many poll intervals may pass without a
// completed cycle before liveness fails.
const DefaultStaleCycles = 3

// Notifier forwards service manager state changes.
type Notifier interface {
	Notify(state string) error
}

// SystemdNotifier notifies systemd through NOTIFY_SOCKET. Outside systemd
// every call is a no-op.
type SystemdNotifier struct{}

// Notify implements Notifier.
func (SystemdNotifier) Notify(state string) error {
	_, err := daemon.SdNotify(false, state)
	return err
}

// HealthOptions configures a Health.
type HealthOptions struct {
	// Interval returns the current poll interval. Required.
	Interval func() time.Duration

	// StaleCycles overrides DefaultStaleCycles.
	StaleCycles int

	// Ready checks dependencies such as the state store. Optional.
	Ready func(ctx context.Context) error

	// Extra contributes additional fields to /status. Optional.
	Extra func() map[string]any

	// Metrics serves /metrics. Optional.
	Metrics http.Handler

	// Notifier receives READY, WATCHDOG and STOPPING. Defaults to SystemdNotifier.
	Notifier Notifier

	// Logger receives health logs. Defaults to the global zerolog logger.
	Logger *zerolog.Logger

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Health is the daemon's health surface. It implements engine.HealthReporter
// and serves /healthz, /readyz, /metrics and /status.
type Health struct {
	interval func() time.Duration
	stale    int
	ready    func(ctx context.Context) error
	extra    func() map[string]any
	metrics  http.Handler
	notifier Notifier
	logger   zerolog.Logger
	now      func() time.Time

	mu          sync.RWMutex
	startedAt   time.Time
	lastReport  *engine.CycleReport
	lastCycleAt time.Time
	fatal       error
}

// NewHealth creates a health surface.
func NewHealth(opts HealthOptions) *Health {
	h := &Health{
		interval: opts.Interval,
		stale:    opts.StaleCycles,
		ready:    opts.Ready,
		extra:    opts.Extra,
		metrics:  opts.Metrics,
		notifier: opts.Notifier,
		now:      opts.Now,
	}
	if opts.Logger != nil {
		h.logger = opts.Logger.With().Str("component", "health").Logger()
	} else {
		h.logger = log.Logger.With().Str("component", "health").Logger()
	}
	if h.stale <= 0 {
		h.stale = DefaultStaleCycles
	}
	if h.notifier == nil {
		h.notifier = SystemdNotifier{}
	}
	if h.now == nil {
		h.now = time.Now
	}
	h.startedAt = h.now()
	return h
}

// CycleCompleted implements engine.HealthReporter. It also pets the
// systemd watchdog.
func (h *Health) CycleCompleted(report *engine.CycleReport) {
	h.mu.Lock()
	h.lastReport = report
	h.lastCycleAt = h.now()
	h.mu.Unlock()

	h.notify(daemon.SdNotifyWatchdog)
}

// Fatal implements engine.HealthReporter.
func (h *Health) Fatal(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fatal == nil {
		h.fatal = err
	}
}

// Ready tells the service manager that startup finished.
func (h *Health) Ready() {
	h.notify(daemon.SdNotifyReady)

	if wd, err := daemon.SdWatchdogEnabled(false); err == nil && wd > 0 && h.interval != nil {
		if iv := h.interval(); iv > wd {
			h.logger.Warn().
				Dur("watchdog", wd).
				Dur("poll_interval", iv).
				Msg("Watchdog timeout is shorter than the poll interval")
		}
	}
}

// Stopping tells the service manager that shutdown began.
func (h *Health) Stopping() {
	h.notify(daemon.SdNotifyStopping)
}

func (h *Health) notify(state string) {
	if err := h.notifier.Notify(state); err != nil {
		h.logger.Warn().Err(err).Str("state", state).Msg("Service manager notification failed")
	}
}

// Live returns nil while the daemon is making progress: no fatal error has
// occurred and a cycle completed within the stale window.
func (h *Health) Live() error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.fatal != nil {
		return fmt.Errorf("fatal error: %w", h.fatal)
	}
	if h.interval == nil {
		return nil
	}

	since := h.lastCycleAt
	if since.IsZero() {
		since = h.startedAt
	}
	window := time.Duration(h.stale) * h.interval()
	if age := h.now().Sub(since); age > window {
		return fmt.Errorf("no cycle completed in %s (limit %s)", age.Round(time.Second), window)
	}
	return nil
}

// Readiness returns nil once the first cycle completed and dependencies respond.
func (h *Health) Readiness(ctx context.Context) error {
	h.mu.RLock()
	first := h.lastReport != nil
	fatal := h.fatal
	h.mu.RUnlock()

	if fatal != nil {
		return fmt.Errorf("fatal error: %w", fatal)
	}
	if !first {
		return errors.New("first cycle not completed")
	}
	if h.ready != nil {
		if err := h.ready(ctx); err != nil {
			return fmt.Errorf("dependency check failed: %w", err)
		}
	}
	return nil
}

// Status is the document served on /status.
type Status struct {
	StartedAt   time.Time           `json:"started_at"`
	LastCycleAt *time.Time          `json:"last_cycle_at,omitempty"`
	LastCycle   *engine.CycleReport `json:"last_cycle,omitempty"`
	Live        bool                `json:"live"`
	Fatal       string              `json:"fatal,omitempty"`
	Extra       map[string]any      `json:"extra,omitempty"`
}

// Status returns the current status document.
func (h *Health) Status() Status {
	live := h.Live() == nil

	h.mu.RLock()
	defer h.mu.RUnlock()

	st := Status{
		StartedAt: h.startedAt,
		LastCycle: h.lastReport,
		Live:      live,
	}
	if !h.lastCycleAt.IsZero() {
		at := h.lastCycleAt
		st.LastCycleAt = &at
	}
	if h.fatal != nil {
		st.Fatal = h.fatal.Error()
	}
	if h.extra != nil {
		st.Extra = h.extra()
	}
	return st
}

// Handler returns the HTTP handler of the health surface.
func (h *Health) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.handleLive).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/readyz", h.handleReady).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/status", h.handleStatus).Methods(http.MethodGet)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics).Methods(http.MethodGet)
	}
	return r
}

func (h *Health) handleLive(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, h.Live())
}

func (h *Health) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	writeHealth(w, h.Readiness(ctx))
}

func (h *Health) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(h.Status()); err != nil {
		h.logger.Warn().Err(err).Msg("Failed to encode status")
	}
}

func writeHealth(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintln(w, err.Error())
		return
	}
	fmt.Fprintln(w, "ok")
}

// Serve listens on addr until ctx is cancelled.
func (h *Health) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	server := &http.Server{
		Handler:           h.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()
	h.logger.Info().Str("address", ln.Addr().String()).Msg("Health server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
