// Package alert implements the outbox, per-symbol alert history, and send
// worker of §4.7, grounded in original_source/bot.py's enqueue_message /
// message_worker but redesigned per §9 with a bounded outbox (the original
// used an unbounded asyncio.Queue) and a golang.org/x/time/rate token
// bucket in place of the flat SEND_DELAY_SECONDS sleep.
package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/sawpanic/riskmonitor/internal/model"
	"github.com/sawpanic/riskmonitor/internal/obsmetrics"
)

// Sender is the abstract chat-bot collaborator (§1: out of scope for its
// command surface and protocol grammar). BlockedError and RateLimitError let
// the worker distinguish the three error classes of §4.7/§7.
type Sender interface {
	Send(ctx context.Context, chatID string, text string) error
	ActiveRecipients() []string
	RemoveRecipient(chatID string)
}

// BlockedError indicates the recipient has blocked the bot (§4.7).
type BlockedError struct{ ChatID string }

func (e *BlockedError) Error() string { return fmt.Sprintf("recipient %s blocked", e.ChatID) }

// RateLimitError carries the advisory retry-after delay (§4.7).
type RateLimitError struct{ RetryAfter time.Duration }

func (e *RateLimitError) Error() string { return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter) }

// Config holds the outbox capacity and worker pacing/retry parameters (§6).
type Config struct {
	OutboxCapacity  int           `yaml:"outbox_capacity"`  // default 2000
	SendDelay       time.Duration `yaml:"send_delay"`       // default 200ms
	RetryLimit      int           `yaml:"retry_limit"`       // default 5
	MaxBackoff      time.Duration `yaml:"max_backoff"`       // default 30s
	AlertWindow     time.Duration `yaml:"alert_window"`      // default 4h, for AlertHistory pruning
}

func DefaultConfig() Config {
	return Config{
		OutboxCapacity: 2000,
		SendDelay:      200 * time.Millisecond,
		RetryLimit:     5,
		MaxBackoff:     30 * time.Second,
		AlertWindow:    4 * time.Hour,
	}
}

// outboxItem pairs a rendered recipient list with the event to send.
type outboxItem struct {
	event      model.AlertEvent
	recipients []string
}

// Outbox is the bounded FIFO of §4.7: the producer never blocks, dropping
// the newest item with a logged queue_drop when full so already-queued
// items are delivered in order (§7 "oldest-first preserved").
type Outbox struct {
	ch      chan outboxItem
	metrics *obsmetrics.Registry
}

func NewOutbox(capacity int) *Outbox {
	return &Outbox{ch: make(chan outboxItem, capacity)}
}

// SetMetrics attaches an optional Prometheus registry; nil disables publishing.
func (o *Outbox) SetMetrics(m *obsmetrics.Registry) { o.metrics = m }

// Len reports the current queue depth, for health/metrics reporting.
func (o *Outbox) Len() int { return len(o.ch) }

// Enqueue attempts to add an item; it drops and logs on a full outbox.
func (o *Outbox) Enqueue(event model.AlertEvent, recipients []string) {
	select {
	case o.ch <- outboxItem{event: event, recipients: recipients}:
	default:
		log.Warn().Str("event_id", event.EventID).Msg("queue_drop")
		if o.metrics != nil {
			o.metrics.QueueDrops.Inc()
		}
	}
}

// History tracks, per symbol, the timestamps of recently sent alerts for
// the BUILDUP alert-window count (§3 AlertHistory) and the dedup set of
// event ids already recorded (§3 invariant: "recorded at most once"). It is
// shared by the evaluation loop, the regime loop and the alert worker (§5
// "protect with a single coarse lock per collection"), so every method
// guards access with mu.
type History struct {
	mu     sync.Mutex
	window time.Duration
	perSym map[string][]time.Time
	seenID map[string]struct{}
}

func NewHistory(window time.Duration) *History {
	return &History{window: window, perSym: make(map[string][]time.Time), seenID: make(map[string]struct{})}
}

// AlreadyRecorded reports whether eventID has been recorded before.
func (h *History) AlreadyRecorded(eventID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alreadyRecordedLocked(eventID)
}

func (h *History) alreadyRecordedLocked(eventID string) bool {
	_, ok := h.seenID[eventID]
	return ok
}

// Record appends a first-seen event id's timestamp into the symbol's
// history and prunes entries older than the configured window.
func (h *History) Record(symbol, eventID string, ts time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.alreadyRecordedLocked(eventID) {
		return
	}
	h.seenID[eventID] = struct{}{}
	h.perSym[symbol] = append(h.perSym[symbol], ts)
	cutoff := ts.Add(-h.window)
	entries := h.perSym[symbol]
	i := 0
	for i < len(entries) && entries[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		h.perSym[symbol] = append(entries[:0], entries[i:]...)
	}
}

// CountInWindow returns how many alerts are recorded for symbol within the
// configured window, used for the BUILDUP alert-window count and for
// MarketState.AlertsInWindow.
func (h *History) CountInWindow(symbol string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.perSym[symbol])
}

// TotalInWindow sums CountInWindow across every tracked symbol.
func (h *History) TotalInWindow() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	total := 0
	for _, v := range h.perSym {
		total += len(v)
	}
	return total
}

// MakeEventID builds the canonical {symbol:ts:type(:seq)} id of §3. seq
// disambiguates same-tick collisions (e.g. two divergence kinds fired in the
// same tick); it is normally 0 and omitted. The id is fully deterministic so
// that replaying an identical tick reproduces identical ids (§8).
func MakeEventID(symbol string, ts time.Time, kind string, seq int) string {
	if seq == 0 {
		return fmt.Sprintf("%s:%d:%s", symbol, ts.Unix(), kind)
	}
	return fmt.Sprintf("%s:%d:%s:%d", symbol, ts.Unix(), kind, seq)
}

// Worker drains the outbox sequentially, applying the retry/backoff/
// rate-limit/pacing rules of §4.7.
type Worker struct {
	cfg     Config
	outbox  *Outbox
	history *History
	sender  Sender
	limiter *rate.Limiter
	metrics *obsmetrics.Registry
}

func NewWorker(cfg Config, outbox *Outbox, history *History, sender Sender) *Worker {
	return &Worker{
		cfg:     cfg,
		outbox:  outbox,
		history: history,
		sender:  sender,
		limiter: rate.NewLimiter(rate.Every(cfg.SendDelay), 1),
	}
}

// SetMetrics attaches an optional Prometheus registry; nil disables publishing.
func (w *Worker) SetMetrics(m *obsmetrics.Registry) { w.metrics = m }

// Run drains the outbox until ctx is canceled, best-effort flushing any
// items already enqueued before returning (§5 cancellation).
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.drainBestEffort()
			return
		case item := <-w.outbox.ch:
			w.deliver(ctx, item)
		}
	}
}

// drainBestEffort flushes whatever is already queued with a short deadline,
// per §5 "best-effort flush with a short deadline".
func (w *Worker) drainBestEffort() {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case item := <-w.outbox.ch:
			flushCtx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
			w.deliver(flushCtx, item)
			cancel()
		default:
			return
		}
	}
}

func (w *Worker) deliver(ctx context.Context, item outboxItem) {
	recipients := item.recipients
	if len(recipients) == 0 {
		recipients = w.sender.ActiveRecipients()
	}

	delivered := false
	for _, chatID := range recipients {
		if w.sendWithRetry(ctx, chatID, item.event) {
			delivered = true
		}
	}

	if delivered {
		w.history.Record(item.event.Symbol, item.event.EventID, item.event.TS)
		if w.metrics != nil {
			w.metrics.AlertsSent.WithLabelValues(string(item.event.Kind)).Inc()
		}
	} else {
		log.Warn().Str("event_id", item.event.EventID).Msg("alert_fail")
		if w.metrics != nil {
			w.metrics.AlertsFailed.WithLabelValues(string(item.event.Kind)).Inc()
		}
	}
}

func (w *Worker) sendWithRetry(ctx context.Context, chatID string, event model.AlertEvent) bool {
	for attempt := 1; attempt <= w.cfg.RetryLimit; attempt++ {
		if err := w.limiter.Wait(ctx); err != nil {
			return false
		}
		err := w.sender.Send(ctx, chatID, event.Text)
		if err == nil {
			return true
		}

		var blocked *BlockedError
		var limited *RateLimitError
		switch {
		case asBlocked(err, &blocked):
			w.sender.RemoveRecipient(chatID)
			return false
		case asRateLimit(err, &limited):
			select {
			case <-ctx.Done():
				return false
			case <-time.After(limited.RetryAfter):
			}
			attempt-- // retry the same slot per §4.7/§9 ("continue loop implicitly")
			continue
		default:
			delay := capped(attempt, w.cfg.MaxBackoff)
			select {
			case <-ctx.Done():
				return false
			case <-time.After(delay):
			}
		}
	}
	return false
}

func asBlocked(err error, out **BlockedError) bool {
	b, ok := err.(*BlockedError)
	if ok {
		*out = b
	}
	return ok
}

func asRateLimit(err error, out **RateLimitError) bool {
	r, ok := err.(*RateLimitError)
	if ok {
		*out = r
	}
	return ok
}

func capped(attempt int, max time.Duration) time.Duration {
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > max {
		d = max
	}
	return d
}
