// Package collector owns the websocket leg of the pipeline: one
// worker per symbol streaming candle channels into the candle queue,
// under a supervisor steered over pub/sub.
package collector

import (
	"context"
	"log"
	"sync"
	"time"

	"ohlcv-pipeline/internal/broker"
	"ohlcv-pipeline/internal/metrics"
	"ohlcv-pipeline/internal/model"
	"ohlcv-pipeline/internal/okx"
)

// Worker states, reported in the status:<symbol> snapshot.
const (
	StateInit       = "initialized"
	StateConnecting = "connecting"
	StateSubscribed = "subscribed"
	StateStreaming  = "streaming"
	StateBackoff    = "backoff"
	StateStopped    = "stopped"
)

// Conn is the slice of the stream the worker drives. Tests substitute
// a scripted feed.
type Conn interface {
	Subscribe(args []okx.SubscribeArg) error
	Read() ([]byte, error)
	Close() error
}

// DialFunc opens a Conn to the candle feed.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// DialStream adapts okx.Dial to the worker's connection interface.
func DialStream(ctx context.Context, url string) (Conn, error) {
	return okx.Dial(ctx, url)
}

// WorkerConfig tunes one symbol worker.
type WorkerConfig struct {
	WSURL          string
	InitialDelay   time.Duration // first reconnect delay
	MaxDelay       time.Duration // reconnect delay ceiling
	MaxAttempts    int           // consecutive failed connections before giving up; 0 retries forever
	PushRetries    int           // queue push attempts before dropping a candle
	StatusInterval time.Duration
	StatusTTL      time.Duration
}

func (c *WorkerConfig) applyDefaults() {
	if c.InitialDelay <= 0 {
		c.InitialDelay = 5 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 300 * time.Second
	}
	if c.PushRetries <= 0 {
		c.PushRetries = 3
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = 30 * time.Second
	}
	if c.StatusTTL <= 0 {
		c.StatusTTL = 300 * time.Second
	}
}

// Worker streams one symbol's candle channels into the candle queue.
// It reconnects forever with doubling delay until its context ends.
type Worker struct {
	symbol     string
	timeframes []string
	cfg        WorkerConfig
	broker     broker.Broker
	metrics    *metrics.Metrics

	dial  DialFunc
	sleep func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	state      string
	connected  bool
	reconnects int64
	messages   int64
	errors     int64
	startedAt  time.Time
}

// NewWorker builds a worker for one symbol. The timeframe list is
// fixed for the worker's lifetime; resubscribing a symbol with new
// timeframes replaces the worker.
func NewWorker(symbol string, timeframes []string, b broker.Broker, m *metrics.Metrics, cfg WorkerConfig) *Worker {
	cfg.applyDefaults()
	return &Worker{
		symbol:     symbol,
		timeframes: timeframes,
		cfg:        cfg,
		broker:     b,
		metrics:    m,
		dial:       DialStream,
		sleep:      sleepCtx,
		state:      StateInit,
		startedAt:  time.Now(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (w *Worker) channels() []string {
	out := make([]string, len(w.timeframes))
	for i, tf := range w.timeframes {
		out[i] = okx.CandleChannel(tf)
	}
	return out
}

func (w *Worker) subscribeArgs() []okx.SubscribeArg {
	args := make([]okx.SubscribeArg, len(w.timeframes))
	for i, tf := range w.timeframes {
		args[i] = okx.SubscribeArg{Channel: okx.CandleChannel(tf), InstID: w.symbol}
	}
	return args
}

// Run drives the connect/stream/backoff cycle until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	go w.statusLoop(ctx)

	delay := w.cfg.InitialDelay
	failures := 0
	for ctx.Err() == nil {
		streamed, err := w.streamOnce(ctx)
		if ctx.Err() != nil {
			break
		}
		if streamed {
			// The connection worked before it dropped: restart the
			// delay ladder and the attempt counter.
			delay = w.cfg.InitialDelay
			failures = 0
		} else {
			failures++
			if w.cfg.MaxAttempts > 0 && failures >= w.cfg.MaxAttempts {
				log.Printf("[collector] %s: giving up after %d failed connections", w.symbol, failures)
				break
			}
		}

		w.mu.Lock()
		w.reconnects++
		w.connected = false
		w.mu.Unlock()
		w.setState(ctx, StateBackoff)
		w.metrics.WSReconnects.WithLabelValues(w.symbol).Inc()
		log.Printf("[collector] %s: connection lost (%v), reconnecting in %s", w.symbol, err, delay)

		if w.sleep(ctx, delay) != nil {
			break
		}
		delay *= 2
		if delay > w.cfg.MaxDelay {
			delay = w.cfg.MaxDelay
		}
	}

	w.mu.Lock()
	w.connected = false
	w.mu.Unlock()
	w.setState(context.Background(), StateStopped)
	log.Printf("[collector] %s: worker stopped", w.symbol)
}

// streamOnce runs one connection lifetime: dial, subscribe, then read
// until the connection drops or ctx ends. It reports whether the
// connection delivered any frames before failing.
func (w *Worker) streamOnce(ctx context.Context) (bool, error) {
	w.setState(ctx, StateConnecting)
	conn, err := w.dial(ctx, w.cfg.WSURL)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	if err := conn.Subscribe(w.subscribeArgs()); err != nil {
		return false, err
	}
	w.setState(ctx, StateSubscribed)

	streamed := false
	for ctx.Err() == nil {
		payload, err := conn.Read()
		if err != nil {
			return streamed, err
		}
		if !streamed {
			streamed = true
			w.mu.Lock()
			w.connected = true
			w.mu.Unlock()
			w.setState(ctx, StateStreaming)
			log.Printf("[collector] %s: streaming %v", w.symbol, w.channels())
		}
		w.handleMessage(ctx, payload)
	}
	return streamed, ctx.Err()
}

// handleMessage routes one inbound frame. Only confirmed, valid
// candles reach the queue.
func (w *Worker) handleMessage(ctx context.Context, payload []byte) {
	w.mu.Lock()
	w.messages++
	w.mu.Unlock()

	msg, err := okx.ParseMessage(payload)
	if err != nil {
		w.countError()
		log.Printf("[collector] %s: bad frame: %v", w.symbol, err)
		return
	}

	switch msg.Kind() {
	case okx.KindSubscribeAck:
		log.Printf("[collector] %s: %s ack for %s", w.symbol, msg.Event, msg.Arg.Channel)
	case okx.KindError:
		w.countError()
		log.Printf("[collector] %s: venue error code=%s msg=%s", w.symbol, msg.Code, msg.Msg)
	case okx.KindData:
		for _, row := range msg.Data {
			w.handleCandle(ctx, msg.Arg, row)
		}
	}
}

func (w *Worker) handleCandle(ctx context.Context, arg okx.SubscribeArg, row okx.CandleRow) {
	candle, err := okx.ParseCandle(arg, row)
	if err != nil {
		w.countError()
		log.Printf("[collector] %s: bad candle row: %v", w.symbol, err)
		return
	}
	if !candle.Confirm {
		// In-progress bucket update; only the closing push persists.
		w.metrics.UnconfirmedSkipped.Inc()
		return
	}
	if err := candle.ValidateIngress(); err != nil {
		w.metrics.InvalidRejected.Inc()
		log.Printf("[collector] %s: rejecting candle %s: %v", w.symbol, candle.Key(), err)
		return
	}

	env := model.NewEnvelope(candle, model.SourceStream)
	if err := w.pushWithRetry(ctx, env.JSON()); err != nil {
		w.countError()
		w.metrics.PushFailures.Inc()
		log.Printf("[collector] %s: dropping candle %s after push retries: %v",
			w.symbol, candle.Key(), err)
		return
	}
	w.metrics.CandlesIngested.WithLabelValues(w.symbol).Inc()
}

func (w *Worker) pushWithRetry(ctx context.Context, payload []byte) error {
	var err error
	for attempt := 0; attempt < w.cfg.PushRetries; attempt++ {
		if err = w.broker.Push(ctx, broker.QueueCandles, payload); err == nil {
			return nil
		}
		if w.sleep(ctx, 100*time.Millisecond) != nil {
			return err
		}
	}
	return err
}

func (w *Worker) countError() {
	w.mu.Lock()
	w.errors++
	w.mu.Unlock()
}

func (w *Worker) setState(ctx context.Context, state string) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
	w.writeStatus(ctx)
}

// statusLoop refreshes the status:<symbol> snapshot between state
// changes so the TTL never lapses while the worker is alive.
func (w *Worker) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.writeStatus(ctx)
		}
	}
}

func (w *Worker) writeStatus(ctx context.Context) {
	status := w.Status()
	if err := w.broker.SetKV(ctx, broker.KeyStatus(w.symbol), status.JSON(), w.cfg.StatusTTL); err != nil {
		log.Printf("[collector] %s: status write failed: %v", w.symbol, err)
	}
}

// Status returns the current snapshot of the worker.
func (w *Worker) Status() model.CollectorStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return model.CollectorStatus{
		Symbol:         w.symbol,
		Status:         w.state,
		Connected:      w.connected,
		ReconnectCount: w.reconnects,
		MessageCount:   w.messages,
		ErrorCount:     w.errors,
		Channels:       w.channels(),
		UptimeSeconds:  int64(time.Since(w.startedAt).Seconds()),
		LastUpdate:     time.Now().UTC().Format(time.RFC3339),
	}
}
