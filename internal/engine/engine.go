// Package engine drives the tiered decision-and-tracking pipeline: poll,
// cache check, cheap remote probe, full fetch, durable delta check, analyze,
// post, commit.
package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tkardel/ticketwatch/internal/cache"
	"github.com/tkardel/ticketwatch/internal/domain/ticket"
	"github.com/tkardel/ticketwatch/internal/redact"
)

// Config holds the engine's runtime knobs.
type Config struct {
	PollInterval time.Duration
	Workers      int
	// QualifyingChannel is the channel whose activities count toward the
	// volume signal and whose arrival can trigger analysis.
	QualifyingChannel ticket.Channel
}

// Engine owns the polling loop, the worker pool, and the per-ticket state
// machine. Collaborators are injected so tests can substitute fakes.
type Engine struct {
	cfg      Config
	source   TicketSource
	reasoner Reasoner
	tracker  Tracker
	markers  *cache.MarkerCache
	scrub    func(string) string
	logger   *slog.Logger
	now      func() time.Time

	sem chan struct{}
	wg  sync.WaitGroup
}

// New creates an Engine.
func New(cfg Config, source TicketSource, reasoner Reasoner, tracker Tracker, markers *cache.MarkerCache, logger *slog.Logger) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 60 * time.Second
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QualifyingChannel == "" {
		cfg.QualifyingChannel = ticket.ChannelEmail
	}
	return &Engine{
		cfg:      cfg,
		source:   source,
		reasoner: reasoner,
		tracker:  tracker,
		markers:  markers,
		scrub:    redact.Scrub,
		logger:   logger,
		now:      time.Now,
		sem:      make(chan struct{}, cfg.Workers),
	}
}
