// Package alerter turns accepted events into operator-facing alerts. It
// consumes store snapshots from the bus, honors the per-profile
// show_toasts/play_sound gates, and fans out to a pluggable sink. Alerting
// is best effort: sink failures are logged, never propagated.
package alerter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"zmnotify/internal/eventbus"
	"zmnotify/internal/store"
	logx "zmnotify/pkg/logx"
)

// Sink delivers one rendered alert somewhere a human will see it.
type Sink interface {
	Notify(ctx context.Context, text string) error
	Name() string
}

type Options struct {
	// RatePerSec caps sink deliveries during alarm storms. 0 means 1/s.
	RatePerSec int
}

type Alerter struct {
	log  logx.Logger
	bus  eventbus.Bus
	st   *store.Store
	sink Sink
	lim  *rate.Limiter

	mu     sync.Mutex
	seen   map[string]int64 // profile -> newest alerted event id
	cancel context.CancelFunc
	done   chan struct{}
}

func New(bus eventbus.Bus, st *store.Store, sink Sink, log logx.Logger, opts Options) *Alerter {
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := opts.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	return &Alerter{
		log:  log,
		bus:  bus,
		st:   st,
		sink: sink,
		lim:  rate.NewLimiter(rate.Limit(rps), rps),
		seen: map[string]int64{},
	}
}

// Start subscribes to accepted events and runs the delivery loop until Stop.
func (a *Alerter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.done != nil {
		a.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	a.mu.Unlock()

	ch, unsub := a.bus.Subscribe(64, store.TopicEventAccepted)
	go func() {
		defer close(a.done)
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				snap, ok := ev.Data.(store.Snapshot)
				if !ok {
					continue
				}
				a.handle(ctx, snap)
			}
		}
	}()
	a.log.Info("alerter started", logx.String("sink", a.sink.Name()))
	return nil
}

func (a *Alerter) Stop() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// handle alerts on the newest event of a snapshot when it has not been
// alerted yet. Read-state mutations republish the same head event; the
// high-water mark keeps those from re-alerting.
func (a *Alerter) handle(ctx context.Context, snap store.Snapshot) {
	if !snap.Settings.ShowToasts || len(snap.Events) == 0 {
		return
	}
	head := snap.Events[0]
	if head.Read {
		return
	}

	a.mu.Lock()
	if a.seen[snap.ProfileID] == head.EventID {
		a.mu.Unlock()
		return
	}
	a.seen[snap.ProfileID] = head.EventID
	a.mu.Unlock()

	if !a.lim.Allow() {
		a.log.Debug("alert suppressed by rate limit",
			logx.String("profile", snap.ProfileID), logx.Int64("event_id", head.EventID))
		return
	}

	text := renderAlert(snap.ProfileID, head, snap.BadgeCount, snap.Settings.PlaySound)
	nctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.sink.Notify(nctx, text); err != nil {
		a.log.Warn("alert delivery failed",
			logx.String("sink", a.sink.Name()), logx.Int64("event_id", head.EventID), logx.Err(err))
	}
}

func renderAlert(profileID string, ev store.NotificationEvent, badge int, sound bool) string {
	cause := ev.Cause
	if cause == "" {
		cause = "alarm"
	}
	bell := ""
	if sound {
		bell = " \U0001F514"
	}
	text := fmt.Sprintf("[%s] %s on %s (event %d, %d unread)%s",
		profileID, cause, ev.MonitorName, ev.EventID, badge, bell)
	if ev.EventURL != "" {
		text += "\n" + ev.EventURL
	}
	return text
}
