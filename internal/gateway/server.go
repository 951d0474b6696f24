// Package gateway exposes the pipeline's control surface over HTTP:
// subscription management, per-symbol status, and an aggregate health
// view assembled from the broker snapshots the services publish.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ohlcv-pipeline/internal/broker"
	"ohlcv-pipeline/internal/logger"
	"ohlcv-pipeline/internal/model"
)

// subscriptionTTL matches the supervisor's refresh cadence so a
// gateway-written key survives until the collector takes over.
const subscriptionTTL = time.Hour

// Server is the control API. It owns no workers itself; commands are
// published to the collector supervisor over pub/sub and state is read
// back from the broker's TTL keys.
type Server struct {
	broker broker.Broker
	srv    *http.Server

	// degradedQueueDepth mirrors the persister's threshold so the
	// health view agrees with the processor snapshot.
	degradedQueueDepth int64
}

// NewServer builds the control API listening on addr.
func NewServer(addr string, b broker.Broker) *Server {
	s := &Server{broker: b, degradedQueueDepth: 10000}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/subscribe", s.handleSubscribe)
	mux.HandleFunc("/api/v1/subscribe/", s.handleUnsubscribe)
	mux.HandleFunc("/api/v1/status/", s.handleStatus)
	mux.HandleFunc("/api/v1/subscriptions", s.handleSubscriptions)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      withRequestLog(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[gateway] listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[gateway] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}

// withRequestLog tags each request with a trace ID and emits a
// structured access log line once the handler returns.
func withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := logger.WithTraceID(r.Context(), logger.GenerateTraceID("gw", start))
		next.ServeHTTP(w, r.WithContext(ctx))

		attrs := []any{
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("elapsed", time.Since(start)),
		}
		slog.Info("request", append(attrs, logger.LogWithTrace(ctx)...)...)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, format string, args ...any) {
	writeJSON(w, code, map[string]string{"error": fmt.Sprintf(format, args...)})
}

type subscribeRequest struct {
	Symbols    []string `json:"symbols"`
	Timeframes []string `json:"timeframes,omitempty"`
	WebhookURL string   `json:"webhook_url,omitempty"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method %s not allowed", r.Method)
		return
	}

	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body: %v", err)
		return
	}
	if len(req.Symbols) == 0 {
		writeError(w, http.StatusBadRequest, "symbols is required")
		return
	}
	for _, tf := range req.Timeframes {
		if !model.ValidTimeframe(tf) {
			writeError(w, http.StatusBadRequest, "unknown timeframe %q", tf)
			return
		}
	}

	subscriptionID := newSubscriptionID()
	now := time.Now().UTC().Format(time.RFC3339)

	// The gateway records the subscription itself before publishing:
	// pub/sub drops commands with no listener, and the state key is
	// what makes such a subscription visible (and recoverable) even
	// while the collector service is down.
	for _, symbol := range req.Symbols {
		state := model.SubscriptionState{
			Symbol:         symbol,
			Timeframes:     req.Timeframes,
			WebhookURL:     req.WebhookURL,
			SubscriptionID: subscriptionID,
			CreatedAt:      now,
		}
		if err := s.broker.SetKV(r.Context(), broker.KeySubscription(symbol), state.JSON(), subscriptionTTL); err != nil {
			writeError(w, http.StatusBadGateway, "subscription write failed for %s: %v", symbol, err)
			return
		}
	}

	// One command per symbol so each worker topic carries only its
	// own symbol's traffic.
	for _, symbol := range req.Symbols {
		cmd := model.ControlCommand{
			Action:         model.ActionSubscribe,
			Symbols:        []string{symbol},
			Timeframes:     req.Timeframes,
			WebhookURL:     req.WebhookURL,
			SubscriptionID: subscriptionID,
			Timestamp:      now,
		}
		payload, _ := json.Marshal(cmd)
		if err := s.broker.Publish(r.Context(), broker.TopicCollector(symbol), payload); err != nil {
			writeError(w, http.StatusBadGateway, "publish failed for %s: %v", symbol, err)
			return
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"subscription_id": subscriptionID,
		"symbols":         req.Symbols,
		"status":          "accepted",
	})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method %s not allowed", r.Method)
		return
	}
	symbol := strings.TrimPrefix(r.URL.Path, "/api/v1/subscribe/")
	if symbol == "" || strings.Contains(symbol, "/") {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}

	if _, err := s.broker.DeleteKV(r.Context(), broker.KeySubscription(symbol)); err != nil {
		writeError(w, http.StatusBadGateway, "subscription delete failed: %v", err)
		return
	}

	cmd := model.ControlCommand{
		Action:    model.ActionUnsubscribe,
		Symbol:    symbol,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	payload, _ := json.Marshal(cmd)
	if err := s.broker.Publish(r.Context(), broker.TopicCollector(symbol), payload); err != nil {
		writeError(w, http.StatusBadGateway, "publish failed: %v", err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"symbol": symbol,
		"status": "accepted",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method %s not allowed", r.Method)
		return
	}
	symbol := strings.TrimPrefix(r.URL.Path, "/api/v1/status/")
	if symbol == "" || strings.Contains(symbol, "/") {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}

	payload, err := s.broker.GetKV(r.Context(), broker.KeyStatus(symbol))
	if err != nil {
		writeError(w, http.StatusBadGateway, "status read failed: %v", err)
		return
	}
	if payload == nil {
		writeError(w, http.StatusNotFound, "no status for %s", symbol)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(payload)
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method %s not allowed", r.Method)
		return
	}

	keys, err := s.broker.Keys(r.Context(), "subscription:*")
	if err != nil {
		writeError(w, http.StatusBadGateway, "subscription scan failed: %v", err)
		return
	}

	subs := make([]json.RawMessage, 0, len(keys))
	for _, key := range keys {
		payload, err := s.broker.GetKV(r.Context(), key)
		if err != nil || payload == nil {
			continue // expired between scan and read
		}
		subs = append(subs, json.RawMessage(payload))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":         len(subs),
		"subscriptions": subs,
	})
}

// handleHealth aggregates broker liveness with the collector and
// processor snapshots. The gateway is degraded when the broker is up
// but a downstream service is absent or struggling, and unhealthy
// when the broker itself is gone.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method %s not allowed", r.Method)
		return
	}
	ctx := r.Context()

	checks := map[string]string{}
	status := "healthy"
	code := http.StatusOK

	if err := s.broker.Ping(ctx); err != nil {
		checks["broker"] = "down: " + err.Error()
		writeJSONHealth(w, http.StatusServiceUnavailable, "unhealthy", checks)
		return
	}
	checks["broker"] = "ok"

	if payload, err := s.broker.GetKV(ctx, broker.KeyServiceStatus); err == nil && payload != nil {
		var svc model.ServiceStatus
		if json.Unmarshal(payload, &svc) == nil {
			checks["collector"] = fmt.Sprintf("%s (%d workers)", svc.Status, svc.ActiveCollectors)
		}
	} else {
		checks["collector"] = "no recent status"
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	if payload, err := s.broker.GetKV(ctx, broker.KeyProcessorMetrics); err == nil && payload != nil {
		var pm model.ProcessorMetrics
		if json.Unmarshal(payload, &pm) == nil {
			checks["processor"] = fmt.Sprintf("%s (queue=%d dlq=%d)", pm.Status, pm.QueueLength, pm.DLQLength)
			if pm.Status != "healthy" || pm.QueueLength > s.degradedQueueDepth {
				status = "degraded"
				code = http.StatusServiceUnavailable
			}
		}
	} else {
		checks["processor"] = "no recent metrics"
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSONHealth(w, code, status, checks)
}

func writeJSONHealth(w http.ResponseWriter, code int, status string, checks map[string]string) {
	writeJSON(w, code, map[string]any{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func newSubscriptionID() string {
	buf := make([]byte, 8)
	rand.Read(buf)
	return "sub-" + hex.EncodeToString(buf)
}
