// Package webhooks delivers risk alerts to an external endpoint, such as
// an issuer's case management system.
//
// Each decision at or above the configured level is POSTed as JSON and
// signed with HMAC-SHA256 over the body when a secret is set.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/fraudguard/internal/events"
	"github.com/mbd888/fraudguard/internal/metrics"
	"github.com/mbd888/fraudguard/internal/retry"
	"github.com/mbd888/fraudguard/internal/risk"
)

// Headers set on every delivery.
const (
	HeaderEvent     = "X-Fraudguard-Event"
	HeaderTimestamp = "X-Fraudguard-Timestamp"
	HeaderSignature = "X-Fraudguard-Signature"
)

// ErrQueueFull is returned by Publish when deliveries are backed up.
var ErrQueueFull = errors.New("webhooks: delivery queue full")

// Config configures a Notifier.
type Config struct {
	URL      string
	Secret   string     // HMAC key; unsigned when empty
	MinLevel risk.Level // alerts below this level are skipped
	Workers  int
	Queue    int
	Timeout  time.Duration
	Retry    retry.Policy
}

// DefaultConfig alerts on ALTO and above.
func DefaultConfig(url string) Config {
	return Config{
		URL:      url,
		MinLevel: risk.LevelHigh,
		Workers:  4,
		Queue:    1024,
		Timeout:  10 * time.Second,
		Retry:    retry.Policy{MaxAttempts: 4, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second},
	}
}

// Notifier sends decision alerts from a bounded queue.
type Notifier struct {
	cfg    Config
	client *http.Client
	queue  chan events.Event
	logger *slog.Logger
	wg     sync.WaitGroup
	once   sync.Once
}

// NewNotifier creates a notifier. Call Start before publishing.
func NewNotifier(cfg Config, logger *slog.Logger) *Notifier {
	def := DefaultConfig(cfg.URL)
	if cfg.MinLevel == "" {
		cfg.MinLevel = def.MinLevel
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Queue <= 0 {
		cfg.Queue = def.Queue
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		queue:  make(chan events.Event, cfg.Queue),
		logger: logger,
	}
}

// Start runs the delivery workers until ctx is done or Close is called.
func (n *Notifier) Start(ctx context.Context) {
	for i := 0; i < n.cfg.Workers; i++ {
		n.wg.Add(1)
		go n.worker(ctx)
	}
}

// Close stops accepting alerts and waits for queued ones to be sent.
func (n *Notifier) Close() {
	n.once.Do(func() { close(n.queue) })
	n.wg.Wait()
}

// Publish enqueues the alert if the decision is severe enough.
func (n *Notifier) Publish(_ context.Context, e events.Event) error {
	if !e.RiskLevel.AtLeast(n.cfg.MinLevel) {
		return nil
	}
	select {
	case n.queue <- e:
		return nil
	default:
		metrics.EventsPublishedTotal.WithLabelValues("webhook", "dropped").Inc()
		return ErrQueueFull
	}
}

func (n *Notifier) worker(ctx context.Context) {
	defer n.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-n.queue:
			if !ok {
				return
			}
			n.deliver(ctx, e)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, e events.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		n.logger.Error("failed to encode alert", "decision_id", e.DecisionID, "error", err)
		return
	}

	err = n.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		return n.send(ctx, e, payload)
	})
	if err != nil {
		metrics.EventsPublishedTotal.WithLabelValues("webhook", "failed").Inc()
		n.logger.Warn("alert delivery failed",
			"decision_id", e.DecisionID, "user_id", e.UserID, "risk_level", e.RiskLevel, "error", err)
		return
	}
	metrics.EventsPublishedTotal.WithLabelValues("webhook", "delivered").Inc()
}

func (n *Notifier) send(ctx context.Context, e events.Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, e.Type)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(e.DecidedAt.Unix(), 10))
	if n.cfg.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, n.cfg.Secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether signature matches payload, in constant time.
func Verify(payload []byte, secret, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hmac.Equal(h.Sum(nil), want)
}
