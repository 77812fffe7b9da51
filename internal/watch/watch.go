// Package watch notifies sessions whose round deadline has passed. The
// round timer is advisory: settlement needs an admin-chosen execution
// price, so the watchdog only publishes round-expired and leaves ending the
// round to the admin.
package watch

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"tradefloor/internal/engine"
)

// Watcher scans open rounds on a fixed schedule and publishes one
// round-expired event per (session, round) whose deadline has passed.
type Watcher struct {
	store  engine.Ledger
	notify engine.Notifier
	cron   *cron.Cron

	mu       sync.Mutex
	notified map[string]int // session id -> last round notified
}

func New(store engine.Ledger, notify engine.Notifier) *Watcher {
	return &Watcher{
		store:    store,
		notify:   notify,
		cron:     cron.New(cron.WithSeconds()),
		notified: make(map[string]int),
	}
}

// Start begins the sweep every two seconds.
func (w *Watcher) Start() error {
	_, err := w.cron.AddFunc("*/2 * * * * *", func() {
		if err := w.Sweep(context.Background()); err != nil {
			log.Printf("watch: sweep failed: %v", err)
		}
	})
	if err != nil {
		return err
	}
	w.cron.Start()
	return nil
}

func (w *Watcher) Stop() {
	w.cron.Stop()
}

// Sweep runs one pass. Exported so tests can drive it directly.
func (w *Watcher) Sweep(ctx context.Context) error {
	sessions, err := w.store.ListOpenRoundSessions(ctx)
	if err != nil {
		return err
	}

	// Drop tracking for sessions no longer in an open round, so the map
	// does not grow for the lifetime of the process.
	open := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		open[s.ID] = true
	}
	w.mu.Lock()
	for id := range w.notified {
		if !open[id] {
			delete(w.notified, id)
		}
	}
	w.mu.Unlock()

	now := time.Now()
	for _, s := range sessions {
		if s.RoundEndTime == nil || now.Before(*s.RoundEndTime) {
			continue
		}

		w.mu.Lock()
		already := w.notified[s.ID] >= s.CurrentRound
		if !already {
			w.notified[s.ID] = s.CurrentRound
		}
		w.mu.Unlock()
		if already {
			continue
		}

		w.notify.Publish(s.ID, engine.EventRoundExpired, map[string]any{
			"sessionId":    s.ID,
			"roundNumber":  s.CurrentRound,
			"roundEndTime": s.RoundEndTime,
			"roundStatus":  s.RoundStatus,
		})
	}
	return nil
}
