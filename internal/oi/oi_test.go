package oi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/riskmonitor/internal/model"
)

type fakeSink struct {
	samples []model.OISample
}

func (s *fakeSink) IngestOISample(o model.OISample) { s.samples = append(s.samples, o) }

func TestPoller_FetchesAndForwardsLatestSample(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]ohRecord{
			{Symbol: "BTCUSDT", SumOpenInterest: "12345.6", Timestamp: 1_700_000_000_000},
		})
	}))
	defer srv.Close()

	cfg := DefaultConfig([]string{"BTCUSDT"})
	cfg.BaseURL = srv.URL
	sink := &fakeSink{}
	p := NewPoller(cfg, sink)

	require.NoError(t, p.pollOne(context.Background(), "BTCUSDT"))
	require.Len(t, sink.samples, 1)
	assert.Equal(t, 12345.6, sink.samples[0].Value)
}

func TestPoller_MonotonicDedupSkipsRepeatedTimestamp(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]ohRecord{
			{Symbol: "BTCUSDT", SumOpenInterest: "1", Timestamp: 1000},
		})
	}))
	defer srv.Close()

	cfg := DefaultConfig([]string{"BTCUSDT"})
	cfg.BaseURL = srv.URL
	sink := &fakeSink{}
	p := NewPoller(cfg, sink)

	require.NoError(t, p.pollOne(context.Background(), "BTCUSDT"))
	require.NoError(t, p.pollOne(context.Background(), "BTCUSDT"))
	assert.Len(t, sink.samples, 1, "a repeated source timestamp must not be forwarded twice")
}

func TestPoller_HTTPErrorIsolatedPerSymbol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := DefaultConfig([]string{"BTCUSDT", "ETHUSDT"})
	cfg.BaseURL = srv.URL
	sink := &fakeSink{}
	p := NewPoller(cfg, sink)

	// pollAll must not panic or abort despite every request failing.
	p.pollAll(context.Background())
	assert.Empty(t, sink.samples)
}

func TestPoller_RequestTimeoutHonored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	cfg := DefaultConfig([]string{"BTCUSDT"})
	cfg.BaseURL = srv.URL
	cfg.RequestTimeout = 30 * time.Millisecond
	sink := &fakeSink{}
	p := NewPoller(cfg, sink)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := p.pollOne(ctx, "BTCUSDT")
	assert.Error(t, err)
}
