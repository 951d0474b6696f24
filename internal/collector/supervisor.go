package collector

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"ohlcv-pipeline/internal/broker"
	"ohlcv-pipeline/internal/metrics"
	"ohlcv-pipeline/internal/model"
)

// SupervisorConfig tunes the collector service.
type SupervisorConfig struct {
	Worker SupervisedWorkerConfig

	ServiceStatusInterval time.Duration
	ServiceStatusTTL      time.Duration
	SubscriptionTTL       time.Duration
	StopGrace             time.Duration
}

// SupervisedWorkerConfig carries the per-worker settings plus the
// default timeframes used when a subscribe command names none.
type SupervisedWorkerConfig struct {
	WorkerConfig
	DefaultTimeframes []string
}

func (c *SupervisorConfig) applyDefaults() {
	if c.ServiceStatusInterval <= 0 {
		c.ServiceStatusInterval = 30 * time.Second
	}
	if c.ServiceStatusTTL <= 0 {
		c.ServiceStatusTTL = 120 * time.Second
	}
	if c.SubscriptionTTL <= 0 {
		c.SubscriptionTTL = time.Hour
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 10 * time.Second
	}
	if len(c.Worker.DefaultTimeframes) == 0 {
		c.Worker.DefaultTimeframes = model.DefaultReconcileTimeframes
	}
}

type workerHandle struct {
	worker *Worker
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor maintains one worker per subscribed symbol and applies
// control commands arriving on the collector:* pub/sub topics.
type Supervisor struct {
	cfg     SupervisorConfig
	broker  broker.Broker
	metrics *metrics.Metrics

	mu      sync.Mutex
	workers map[string]*workerHandle

	// health, when set, has its stream flag refreshed alongside the
	// service snapshot.
	health *metrics.HealthStatus

	// newWorker is injectable for tests.
	newWorker func(symbol string, timeframes []string) *Worker
}

// NewSupervisor builds an empty supervisor.
func NewSupervisor(b broker.Broker, m *metrics.Metrics, cfg SupervisorConfig) *Supervisor {
	cfg.applyDefaults()
	s := &Supervisor{
		cfg:     cfg,
		broker:  b,
		metrics: m,
		workers: make(map[string]*workerHandle),
	}
	s.newWorker = func(symbol string, timeframes []string) *Worker {
		return NewWorker(symbol, timeframes, b, m, cfg.Worker.WorkerConfig)
	}
	return s
}

// SetHealth attaches the liveness endpoint's status so the periodic
// snapshot keeps its stream flag in line with worker connectivity.
func (s *Supervisor) SetHealth(h *metrics.HealthStatus) {
	s.health = h
}

// Subscribe starts workers for the given symbols. Symbols that
// already have a worker are left alone, so repeated subscribe
// commands are harmless.
func (s *Supervisor) Subscribe(ctx context.Context, cmd model.ControlCommand) {
	timeframes := cmd.Timeframes
	if len(timeframes) == 0 {
		timeframes = s.cfg.Worker.DefaultTimeframes
	}

	for _, symbol := range cmd.Symbols {
		s.mu.Lock()
		if _, ok := s.workers[symbol]; ok {
			s.mu.Unlock()
			log.Printf("[supervisor] %s already subscribed, ignoring", symbol)
			continue
		}

		w := s.newWorker(symbol, timeframes)
		wctx, cancel := context.WithCancel(ctx)
		h := &workerHandle{worker: w, cancel: cancel, done: make(chan struct{})}
		s.workers[symbol] = h
		s.mu.Unlock()

		go func() {
			defer close(h.done)
			w.Run(wctx)
		}()

		state := model.SubscriptionState{
			Symbol:         symbol,
			Timeframes:     timeframes,
			WebhookURL:     cmd.WebhookURL,
			SubscriptionID: cmd.SubscriptionID,
			CreatedAt:      time.Now().UTC().Format(time.RFC3339),
		}
		if err := s.broker.SetKV(ctx, broker.KeySubscription(symbol), state.JSON(), s.cfg.SubscriptionTTL); err != nil {
			log.Printf("[supervisor] subscription state write failed for %s: %v", symbol, err)
		}
		log.Printf("[supervisor] started worker for %s (%v)", symbol, timeframes)
	}
}

// Unsubscribe stops one symbol's worker and clears its keys. A
// no-op when the symbol has no worker.
func (s *Supervisor) Unsubscribe(ctx context.Context, symbol string) {
	s.mu.Lock()
	h, ok := s.workers[symbol]
	if ok {
		delete(s.workers, symbol)
	}
	s.mu.Unlock()
	if !ok {
		log.Printf("[supervisor] %s not subscribed, ignoring unsubscribe", symbol)
		return
	}

	h.cancel()
	select {
	case <-h.done:
	case <-time.After(s.cfg.StopGrace):
		log.Printf("[supervisor] %s worker did not stop within grace period", symbol)
	}

	s.broker.DeleteKV(ctx, broker.KeySubscription(symbol))
	s.broker.DeleteKV(ctx, broker.KeyStatus(symbol))
	log.Printf("[supervisor] stopped worker for %s", symbol)
}

// Run consumes control commands until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	ch, err := s.broker.PatternSubscribe(ctx, broker.PatternCollector)
	if err != nil {
		return err
	}
	log.Printf("[supervisor] listening on %s", broker.PatternCollector)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return ctx.Err()
			}
			s.handleCommand(ctx, msg)
		}
	}
}

func (s *Supervisor) handleCommand(ctx context.Context, msg broker.Message) {
	var cmd model.ControlCommand
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
		log.Printf("[supervisor] bad command on %s: %v", msg.Topic, err)
		return
	}

	switch cmd.Action {
	case model.ActionSubscribe:
		s.Subscribe(ctx, cmd)
	case model.ActionUnsubscribe:
		symbol := cmd.Symbol
		if symbol == "" && len(cmd.Symbols) > 0 {
			symbol = cmd.Symbols[0]
		}
		if symbol == "" {
			log.Printf("[supervisor] unsubscribe without symbol on %s", msg.Topic)
			return
		}
		s.Unsubscribe(ctx, symbol)
	default:
		log.Printf("[supervisor] unknown action %q on %s", cmd.Action, msg.Topic)
	}
}

// RunStatus publishes the aggregate service snapshot until ctx is
// cancelled.
func (s *Supervisor) RunStatus(ctx context.Context) error {
	s.writeServiceStatus(ctx) // seed the snapshot before the first tick
	ticker := time.NewTicker(s.cfg.ServiceStatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.writeServiceStatus(ctx)
		}
	}
}

func (s *Supervisor) writeServiceStatus(ctx context.Context) {
	s.mu.Lock()
	active := len(s.workers)
	connected := 0
	for _, h := range s.workers {
		if h.worker.Status().Connected {
			connected++
		}
	}
	s.mu.Unlock()

	if s.health != nil {
		// With no workers there is nothing to stream; an idle service
		// stays healthy.
		s.health.SetStreamConnected(active == 0 || connected > 0)
	}

	status := model.ServiceStatus{
		Service:          "collector",
		ActiveCollectors: active,
		Status:           "running",
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.broker.SetKV(ctx, broker.KeyServiceStatus, status.JSON(), s.cfg.ServiceStatusTTL); err != nil {
		log.Printf("[supervisor] service status write failed: %v", err)
	}
}

// ActiveSymbols lists symbols with a running worker.
func (s *Supervisor) ActiveSymbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.workers))
	for symbol := range s.workers {
		out = append(out, symbol)
	}
	return out
}

// StopAll cancels every worker and waits up to the grace period for
// each to finish. Called on service shutdown.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	handles := make(map[string]*workerHandle, len(s.workers))
	for symbol, h := range s.workers {
		handles[symbol] = h
	}
	s.workers = make(map[string]*workerHandle)
	s.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	deadline := time.After(s.cfg.StopGrace)
	for symbol, h := range handles {
		select {
		case <-h.done:
		case <-deadline:
			log.Printf("[supervisor] %s worker still running at shutdown", symbol)
		}
		s.broker.DeleteKV(ctx, broker.KeyStatus(symbol))
	}
}
