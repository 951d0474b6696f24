package collector

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"ohlcv-pipeline/internal/broker"
	"ohlcv-pipeline/internal/metrics"
	"ohlcv-pipeline/internal/model"
)

func testSupervisor(t *testing.T, b broker.Broker) *Supervisor {
	t.Helper()
	m := metrics.NewMetricsWith(prometheus.NewRegistry())
	s := NewSupervisor(b, m, SupervisorConfig{StopGrace: time.Second})

	// Workers whose dial never succeeds and whose backoff sleeps just
	// wait for cancellation: the supervisor logic is exercised without
	// sockets.
	s.newWorker = func(symbol string, timeframes []string) *Worker {
		w := NewWorker(symbol, timeframes, b, m, WorkerConfig{})
		w.dial = func(ctx context.Context, url string) (Conn, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		w.sleep = func(ctx context.Context, d time.Duration) error {
			<-ctx.Done()
			return ctx.Err()
		}
		return w
	}
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestSupervisor_SubscribeIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := broker.NewMemory()
	s := testSupervisor(t, b)
	defer s.StopAll(context.Background())

	cmd := model.ControlCommand{
		Action:     model.ActionSubscribe,
		Symbols:    []string{"BTC-USDT", "ETH-USDT"},
		Timeframes: []string{"5m"},
	}
	s.Subscribe(ctx, cmd)
	s.Subscribe(ctx, cmd) // repeat must not spawn twins

	if got := len(s.ActiveSymbols()); got != 2 {
		t.Fatalf("active = %d, want 2", got)
	}

	payload, _ := b.GetKV(ctx, broker.KeySubscription("BTC-USDT"))
	if payload == nil {
		t.Fatal("subscription state not written")
	}
	var state model.SubscriptionState
	if err := json.Unmarshal(payload, &state); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if state.Symbol != "BTC-USDT" || len(state.Timeframes) != 1 {
		t.Errorf("state = %+v", state)
	}
}

func TestSupervisor_Unsubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := broker.NewMemory()
	s := testSupervisor(t, b)
	defer s.StopAll(context.Background())

	s.Subscribe(ctx, model.ControlCommand{
		Action:  model.ActionSubscribe,
		Symbols: []string{"BTC-USDT"},
	})
	s.Unsubscribe(ctx, "BTC-USDT")

	if got := len(s.ActiveSymbols()); got != 0 {
		t.Fatalf("active = %d, want 0", got)
	}
	if payload, _ := b.GetKV(ctx, broker.KeySubscription("BTC-USDT")); payload != nil {
		t.Error("subscription state not cleared")
	}

	// Unknown symbol is a no-op.
	s.Unsubscribe(ctx, "DOGE-USDT")
}

func TestSupervisor_CommandsOverPubSub(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := broker.NewMemory()
	s := testSupervisor(t, b)
	defer s.StopAll(context.Background())

	go s.Run(ctx)
	time.Sleep(20 * time.Millisecond) // let the pattern subscription attach

	sub := model.ControlCommand{
		Action:  model.ActionSubscribe,
		Symbols: []string{"BTC-USDT"},
	}
	payload, _ := json.Marshal(sub)
	b.Publish(ctx, broker.TopicCollector("BTC-USDT"), payload)

	waitFor(t, func() bool { return len(s.ActiveSymbols()) == 1 })

	unsub := model.ControlCommand{
		Action: model.ActionUnsubscribe,
		Symbol: "BTC-USDT",
	}
	payload, _ = json.Marshal(unsub)
	b.Publish(ctx, broker.TopicCollector("BTC-USDT"), payload)

	waitFor(t, func() bool { return len(s.ActiveSymbols()) == 0 })
}

func TestSupervisor_StreamHealthTracksWorkers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := broker.NewMemory()
	s := testSupervisor(t, b)
	defer s.StopAll(context.Background())

	health := metrics.NewHealthStatus(true)
	s.SetHealth(health)

	// No workers yet: nothing is expected to stream.
	s.writeServiceStatus(ctx)
	if !health.StreamConnected {
		t.Error("idle service reported as disconnected")
	}

	s.Subscribe(ctx, model.ControlCommand{
		Action:  model.ActionSubscribe,
		Symbols: []string{"BTC-USDT"},
	})
	s.mu.Lock()
	w := s.workers["BTC-USDT"].worker
	s.mu.Unlock()
	waitFor(t, func() bool { return w.Status().Status == StateConnecting })

	// A worker stuck dialing means the stream is down.
	s.writeServiceStatus(ctx)
	if health.StreamConnected {
		t.Error("disconnected worker reported as streaming")
	}

	w.mu.Lock()
	w.connected = true
	w.mu.Unlock()
	s.writeServiceStatus(ctx)
	if !health.StreamConnected {
		t.Error("streaming worker not reflected in health")
	}
}

func TestSupervisor_ServiceStatusSnapshot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := broker.NewMemory()
	s := testSupervisor(t, b)
	defer s.StopAll(context.Background())

	s.Subscribe(ctx, model.ControlCommand{
		Action:  model.ActionSubscribe,
		Symbols: []string{"BTC-USDT"},
	})
	s.writeServiceStatus(ctx)

	payload, _ := b.GetKV(ctx, broker.KeyServiceStatus)
	if payload == nil {
		t.Fatal("service status not written")
	}
	var st model.ServiceStatus
	if err := json.Unmarshal(payload, &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Service != "collector" || st.ActiveCollectors != 1 {
		t.Errorf("status = %+v", st)
	}
}
