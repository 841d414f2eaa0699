package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kiroku/internal/gate"
	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/runlog"
	"github.com/ashita-ai/kiroku/internal/telemetry"
)

// ErrSessionClosed is returned when patches are submitted to a session whose
// patch source has ended.
var ErrSessionClosed = errors.New("server: session closed")

// patchBuffer is the capacity of a session's inbound patch channel. Ingest
// requests block briefly when the translator falls behind.
const patchBuffer = 16

// Session is one live translation: a patch source feeding a translator whose
// derived events fan out through a per-session broker.
type Session struct {
	ID        string
	CreatedAt time.Time

	broker  *Broker
	patches chan []model.Patch
	done    chan struct{} // closed when the translator goroutine exits

	mu         sync.Mutex
	submitters sync.WaitGroup
	closed     bool
	lastActive time.Time
	runErr     error
}

// Submit hands one batch of patches to the session's translator. All patches
// in a batch are applied before any event is derived from them.
func (s *Session) Submit(ctx context.Context, batch []model.Patch) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.submitters.Add(1)
	s.lastActive = time.Now()
	s.mu.Unlock()
	defer s.submitters.Done()

	select {
	case s.patches <- batch:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the patch source, which triggers the final root end event.
// Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	// In-flight Submit calls hold a reference; the channel may only be
	// closed once they have drained.
	s.submitters.Wait()
	close(s.patches)
}

// Closed reports whether the patch source has ended.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Err returns the translation error, if the session failed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runErr
}

// Info returns a point-in-time snapshot of the session's status.
func (s *Session) Info() model.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.SessionInfo{
		SessionID:   s.ID,
		CreatedAt:   s.CreatedAt,
		Closed:      s.closed,
		Subscribers: s.broker.Subscribers(),
	}
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.runErr = err
	s.closed = true
	s.mu.Unlock()
}

// RegistryConfig configures a session registry.
type RegistryConfig struct {
	Logger           *slog.Logger
	SubscriberBuffer int           // Per-subscriber event channel capacity.
	DeliveryLimit    int           // Max concurrent hook deliveries per event; 0 = unlimited.
	IdleTTL          time.Duration // Sessions idle past this are reaped.
	Hooks            []EventHook
}

// Registry owns all live sessions. It starts one translator goroutine per
// session and reaps idle sessions in the background.
type Registry struct {
	cfg    RegistryConfig
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRegistry creates a session registry. Call Start to begin idle reaping
// and Shutdown to cancel all sessions.
func NewRegistry(cfg RegistryConfig) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:      cfg,
		logger:   cfg.Logger,
		sessions: make(map[string]*Session),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Create allocates a new session and starts its translator.
func (reg *Registry) Create() *Session {
	s := &Session{
		ID:         uuid.New().String(),
		CreatedAt:  time.Now().UTC(),
		broker:     NewBroker(reg.cfg.SubscriberBuffer),
		patches:    make(chan []model.Patch, patchBuffer),
		done:       make(chan struct{}),
		lastActive: time.Now(),
	}

	reg.mu.Lock()
	reg.sessions[s.ID] = s
	reg.mu.Unlock()

	reg.wg.Add(1)
	go reg.runSession(s)

	reg.logger.Info("session created", "session_id", s.ID)
	return s
}

// Get returns the session with the given ID, or nil.
func (reg *Registry) Get(id string) *Session {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.sessions[id]
}

// Len reports the number of live sessions.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.sessions)
}

// runSession drives one session's translator until its patch source ends or
// translation fails, then tears the event stream down.
func (reg *Registry) runSession(s *Session) {
	defer reg.wg.Done()
	defer close(s.done)

	tr := runlog.New(reg.logger)
	err := tr.Run(reg.baseCtx, s.patches, func(ctx context.Context, ev model.StreamEvent) error {
		s.broker.Publish(formatSSE(ev))
		reg.deliver(ctx, s.ID, ev)
		return nil
	})
	if err != nil {
		s.fail(err)
		reg.logger.Error("session translation failed", "session_id", s.ID, "error", err)
		s.broker.Publish(formatSSEError(err.Error()))
	}
	s.broker.Close()
}

// deliver fans one event out to all registered hooks through the bounded
// executor. Hook failures are logged and never fail the translation.
func (reg *Registry) deliver(ctx context.Context, sessionID string, ev model.StreamEvent) {
	if len(reg.cfg.Hooks) == 0 {
		return
	}
	tasks := make([]gate.Task[struct{}], 0, len(reg.cfg.Hooks))
	for _, h := range reg.cfg.Hooks {
		tasks = append(tasks, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, h.OnEvent(ctx, sessionID, ev)
		})
	}
	if _, err := gate.Run(ctx, reg.cfg.DeliveryLimit, tasks); err != nil {
		reg.logger.Warn("event hook failed",
			"session_id", sessionID, "event", ev.Event, "error", err)
	}
}

// registerMetrics registers observable OTEL gauges for session health
// monitoring. Called from Start() after the global meter provider has been
// initialized.
func (reg *Registry) registerMetrics() {
	meter := telemetry.Meter("kiroku/server")

	_, _ = meter.Int64ObservableGauge("kiroku.sessions.active",
		metric.WithDescription("Current number of live sessions"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(reg.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("kiroku.sessions.subscribers",
		metric.WithDescription("Current event subscribers across all live sessions"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(reg.subscriberTotal())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("kiroku.sessions.dropped_frames",
		metric.WithDescription("Frames dropped on full subscriber buffers across live sessions"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(reg.droppedTotal())
			return nil
		}),
	)
}

func (reg *Registry) subscriberTotal() int64 {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	var n int64
	for _, s := range reg.sessions {
		n += int64(s.broker.Subscribers())
	}
	return n
}

func (reg *Registry) droppedTotal() int64 {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	var n int64
	for _, s := range reg.sessions {
		n += s.broker.Dropped()
	}
	return n
}

// Start runs the idle-session reaper until ctx is cancelled. It blocks, so
// call it in a goroutine.
func (reg *Registry) Start(ctx context.Context) {
	reg.registerMetrics()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-reg.baseCtx.Done():
			return
		case <-ticker.C:
			reg.reapIdle()
		}
	}
}

func (reg *Registry) reapIdle() {
	cutoff := time.Now().Add(-reg.cfg.IdleTTL)

	reg.mu.Lock()
	var stale []*Session
	for id, s := range reg.sessions {
		// A live subscriber keeps the session alive regardless of how
		// long ago the last patch arrived.
		if s.broker.Subscribers() > 0 {
			continue
		}
		if s.idleSince().Before(cutoff) {
			stale = append(stale, s)
			delete(reg.sessions, id)
		}
	}
	reg.mu.Unlock()

	for _, s := range stale {
		s.Close()
		reg.logger.Info("session reaped", "session_id", s.ID)
	}
}

// Shutdown closes every session's patch source and waits for all translator
// goroutines to finish, bounded by ctx.
func (reg *Registry) Shutdown(ctx context.Context) error {
	reg.mu.Lock()
	all := make([]*Session, 0, len(reg.sessions))
	for _, s := range reg.sessions {
		all = append(all, s)
	}
	reg.sessions = make(map[string]*Session)
	reg.mu.Unlock()

	for _, s := range all {
		s.Close()
	}

	finished := make(chan struct{})
	go func() {
		reg.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		reg.cancel()
		return ctx.Err()
	}
	reg.cancel()
	return nil
}
