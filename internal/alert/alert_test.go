package alert

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/riskmonitor/internal/model"
)

func TestOutbox_DropsOnFullPreservingOlderOrder(t *testing.T) {
	out := NewOutbox(2)
	out.Enqueue(model.AlertEvent{EventID: "1"}, []string{"c"})
	out.Enqueue(model.AlertEvent{EventID: "2"}, []string{"c"})
	out.Enqueue(model.AlertEvent{EventID: "3"}, []string{"c"}) // dropped, outbox full

	assert.Equal(t, 2, out.Len())
	first := <-out.ch
	assert.Equal(t, "1", first.event.EventID)
	second := <-out.ch
	assert.Equal(t, "2", second.event.EventID)
}

func TestHistory_DedupesEventID(t *testing.T) {
	h := NewHistory(time.Hour)
	now := time.Now()

	assert.False(t, h.AlreadyRecorded("e1"))
	h.Record("BTCUSDT", "e1", now)
	assert.True(t, h.AlreadyRecorded("e1"))

	h.Record("BTCUSDT", "e1", now) // duplicate, must not double-count
	assert.Equal(t, 1, h.CountInWindow("BTCUSDT"))
}

func TestHistory_PrunesOldEntries(t *testing.T) {
	h := NewHistory(time.Minute)
	base := time.Now()

	h.Record("BTCUSDT", "e1", base)
	h.Record("BTCUSDT", "e2", base.Add(2*time.Minute))

	assert.Equal(t, 1, h.CountInWindow("BTCUSDT"))
}

func TestHistory_TotalInWindowSumsAllSymbols(t *testing.T) {
	h := NewHistory(time.Hour)
	now := time.Now()
	h.Record("BTCUSDT", "e1", now)
	h.Record("ETHUSDT", "e2", now)
	h.Record("ETHUSDT", "e3", now)

	assert.Equal(t, 3, h.TotalInWindow())
}

func TestMakeEventID_DeterministicWithoutSeq(t *testing.T) {
	ts := time.Unix(1000, 0)
	a := MakeEventID("BTCUSDT", ts, "HARD", 0)
	b := MakeEventID("BTCUSDT", ts, "HARD", 0)
	assert.Equal(t, a, b)
	assert.Equal(t, "BTCUSDT:1000:HARD", a)
}

func TestMakeEventID_SeqDisambiguatesDeterministically(t *testing.T) {
	ts := time.Unix(1000, 0)
	a := MakeEventID("BTCUSDT", ts, "LONG_TRAP", 1)
	b := MakeEventID("BTCUSDT", ts, "LONG_TRAP", 1)
	assert.Equal(t, a, b, "replaying the same tick must reproduce the same event id")
	assert.Equal(t, "BTCUSDT:1000:LONG_TRAP:1", a)

	other := MakeEventID("BTCUSDT", ts, "FAKE_MOVE", 2)
	assert.NotEqual(t, a, other, "distinct kinds/seqs in the same tick must not collide")
}

// fakeSender is a minimal in-memory Sender double for exercising Worker.
type fakeSender struct {
	mu        sync.Mutex
	sent      []string
	failFirst map[string]int // chatID -> remaining failures before success
	blocked   map[string]bool
	active    []string
}

func newFakeSender(active ...string) *fakeSender {
	return &fakeSender{failFirst: map[string]int{}, blocked: map[string]bool{}, active: active}
}

func (f *fakeSender) Send(ctx context.Context, chatID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blocked[chatID] {
		return &BlockedError{ChatID: chatID}
	}
	if n := f.failFirst[chatID]; n > 0 {
		f.failFirst[chatID] = n - 1
		return assertErr{}
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSender) ActiveRecipients() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.active...)
}

func (f *fakeSender) RemoveRecipient(chatID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range f.active {
		if c == chatID {
			f.active = append(f.active[:i], f.active[i+1:]...)
			return
		}
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "transient" }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SendDelay = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	cfg.RetryLimit = 3
	return cfg
}

func TestWorker_DeliversAndRecordsHistory(t *testing.T) {
	outbox := NewOutbox(10)
	history := NewHistory(time.Hour)
	sender := newFakeSender("chat1")
	w := NewWorker(testConfig(), outbox, history, sender)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	go w.Run(ctx)

	evt := model.AlertEvent{EventID: "e1", Symbol: "BTCUSDT", TS: time.Now(), Text: "hi"}
	outbox.Enqueue(evt, nil)

	require.Eventually(t, func() bool {
		return history.AlreadyRecorded("e1")
	}, 150*time.Millisecond, time.Millisecond)
}

func TestWorker_BlockedRecipientRemoved(t *testing.T) {
	outbox := NewOutbox(10)
	history := NewHistory(time.Hour)
	sender := newFakeSender("chat1")
	sender.blocked["chat1"] = true
	w := NewWorker(testConfig(), outbox, history, sender)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go w.Run(ctx)

	outbox.Enqueue(model.AlertEvent{EventID: "e1", Symbol: "BTCUSDT", TS: time.Now()}, nil)

	require.Eventually(t, func() bool {
		active := sender.ActiveRecipients()
		return len(active) == 0
	}, 150*time.Millisecond, time.Millisecond)
	assert.False(t, history.AlreadyRecorded("e1"), "a fully-blocked delivery must not be recorded")
}

func TestWorker_TransientErrorRetriesThenSucceeds(t *testing.T) {
	outbox := NewOutbox(10)
	history := NewHistory(time.Hour)
	sender := newFakeSender("chat1")
	sender.failFirst["chat1"] = 2 // fails twice, succeeds on the 3rd attempt
	w := NewWorker(testConfig(), outbox, history, sender)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	go w.Run(ctx)

	outbox.Enqueue(model.AlertEvent{EventID: "e1", Symbol: "BTCUSDT", TS: time.Now(), Text: "hi"}, nil)

	require.Eventually(t, func() bool {
		return history.AlreadyRecorded("e1")
	}, 250*time.Millisecond, time.Millisecond)
}

func TestWorker_ExhaustsRetriesAndFails(t *testing.T) {
	outbox := NewOutbox(10)
	history := NewHistory(time.Hour)
	sender := newFakeSender("chat1")
	sender.failFirst["chat1"] = 99 // always fails within the retry budget
	cfg := testConfig()
	cfg.RetryLimit = 2
	w := NewWorker(cfg, outbox, history, sender)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	go w.Run(ctx)

	outbox.Enqueue(model.AlertEvent{EventID: "e1", Symbol: "BTCUSDT", TS: time.Now()}, nil)

	time.Sleep(100 * time.Millisecond)
	assert.False(t, history.AlreadyRecorded("e1"))
}
