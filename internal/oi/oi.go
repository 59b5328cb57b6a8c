// Package oi implements the open-interest REST poller of §4.1/§6, ported
// from original_source/oi_binance.py: fixed cadence, monotonic-timestamp
// dedup, per-symbol failure isolation. The TTL-based window reset and the
// sample cap live in internal/window, which receives the polled samples.
package oi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/sawpanic/riskmonitor/internal/model"
)

// Sink receives polled OI samples.
type Sink interface {
	IngestOISample(model.OISample)
}

// Config controls poll cadence and the REST endpoint (§6).
type Config struct {
	Symbols      []string      `yaml:"symbols"`
	BaseURL      string        `yaml:"base_url"`
	Period       string        `yaml:"period"`        // e.g. "5m"
	PollInterval time.Duration `yaml:"poll_interval"`  // e.g. 60s
	RequestTimeout time.Duration `yaml:"request_timeout"` // 10s per §5
}

func DefaultConfig(symbols []string) Config {
	return Config{
		Symbols:        symbols,
		BaseURL:        "https://fapi.binance.com/futures/data/openInterestHist",
		Period:         "5m",
		PollInterval:   60 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

// Poller periodically fetches OI history and forwards samples to the sink.
type Poller struct {
	cfg     Config
	sink    Sink
	client  *http.Client
	breaker *gobreaker.CircuitBreaker

	lastTS map[string]int64 // per-symbol last accepted source timestamp, ms
}

func NewPoller(cfg Config, sink Sink) *Poller {
	return &Poller{
		cfg:    cfg,
		sink:   sink,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		lastTS: make(map[string]int64, len(cfg.Symbols)),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "oi-poll",
			Interval:    60 * time.Second,
			Timeout:     60 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 3 },
		}),
	}
}

// Run polls on a fixed cadence until ctx is canceled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	p.pollAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollAll(ctx)
		}
	}
}

// pollAll fetches every symbol, isolating failures per symbol so one venue
// hiccup never corrupts another symbol's window (§4.1/§7).
func (p *Poller) pollAll(ctx context.Context) {
	for _, sym := range p.cfg.Symbols {
		if err := p.pollOne(ctx, sym); err != nil {
			log.Warn().Err(err).Str("symbol", sym).Msg("oi poll failed")
		}
	}
}

type ohRecord struct {
	Symbol               string `json:"symbol"`
	SumOpenInterest      string `json:"sumOpenInterest"`
	Timestamp            int64  `json:"timestamp"`
}

func (p *Poller) pollOne(ctx context.Context, symbol string) error {
	url := fmt.Sprintf("%s?symbol=%s&period=%s&limit=1", p.cfg.BaseURL, symbol, p.cfg.Period)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	_, err = p.breaker.Execute(func() (interface{}, error) {
		resp, err := p.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch OI: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetch OI: status %d", resp.StatusCode)
		}
		var records []ohRecord
		if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
			return nil, fmt.Errorf("decode OI response: %w", err)
		}
		if len(records) == 0 {
			return nil, nil
		}
		rec := records[len(records)-1]
		if rec.Timestamp <= p.lastTS[symbol] {
			return nil, nil // monotonic dedup, §4.1
		}
		val, perr := strconv.ParseFloat(rec.SumOpenInterest, 64)
		if perr != nil {
			return nil, fmt.Errorf("parse OI value: %w", perr)
		}
		p.lastTS[symbol] = rec.Timestamp
		p.sink.IngestOISample(model.OISample{
			Symbol:   symbol,
			Value:    val,
			SourceTS: time.UnixMilli(rec.Timestamp),
		})
		return nil, nil
	})
	return err
}
