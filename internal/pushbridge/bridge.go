// Package pushbridge connects a platform push-notification service to the
// event store. While the socket is up the bridge discards push payloads (the
// socket already delivered them); while it is down, pushes are the only
// delivery path and get forwarded into the store.
package pushbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"zmnotify/internal/store"
	"zmnotify/internal/wire"
	logx "zmnotify/pkg/logx"
)

var ErrPermissionDenied = errors.New("push permission denied")

// retryDelay is the single fixed backoff applied when token registration
// fails once. A second failure gives up until the next Initialize.
var retryDelay = 5 * time.Second

// Payload is one push message as decoded from the platform envelope. The
// alarm fields mirror the socket's wire shape.
type Payload struct {
	Event wire.AlarmEvent `json:"event"`
	Tap   bool            `json:"tap,omitempty"` // user tapped the notification
}

// Platform abstracts the OS push service. Implementations must deliver
// callbacks from a single goroutine.
type Platform interface {
	RequestPermission(ctx context.Context) error
	// Register asks the platform for a device token; the token arrives via
	// the registration listener, not the return value.
	Register(ctx context.Context) error
	AddRegistrationListener(fn func(token, platform string))
	AddMessageListener(fn func(raw []byte, tapped bool))
	AddErrorListener(fn func(err error))
	RemoveAllListeners()
}

// Navigator is how a tap lands the user on the event. Implementations are
// UI-side; the daemon uses a logging stub.
type Navigator interface {
	NavigateToEvent(profileID string, eventID, monitorID int64)
}

// ConnStater reports whether the live socket is up. The store's service
// satisfies it.
type ConnStater interface {
	IsConnected() bool
}

// Bridge owns the push token lifecycle and payload routing.
type Bridge struct {
	log      logx.Logger
	platform Platform
	nav      Navigator
	conn     ConnStater
	st       *store.Store

	mu          sync.Mutex
	initialized bool
	retried     bool
	deviceToken string
	platformID  string
}

func New(platform Platform, nav Navigator, conn ConnStater, st *store.Store, log logx.Logger) *Bridge {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bridge{log: log, platform: platform, nav: nav, conn: conn, st: st}
}

// Initialize requests permission, attaches listeners, then registers.
// Listener attachment strictly precedes registration so a token emitted
// during Register cannot be lost. Idempotent.
func (b *Bridge) Initialize(ctx context.Context) error {
	b.mu.Lock()
	if b.initialized {
		b.mu.Unlock()
		return nil
	}
	b.initialized = true
	b.retried = false
	b.mu.Unlock()

	if err := b.platform.RequestPermission(ctx); err != nil {
		b.mu.Lock()
		b.initialized = false
		b.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}

	b.platform.AddRegistrationListener(b.onToken)
	b.platform.AddMessageListener(b.onMessage)
	b.platform.AddErrorListener(func(err error) {
		b.log.Warn("push platform error", logx.Err(err))
	})

	if err := b.platform.Register(ctx); err != nil {
		return b.retryRegister(ctx, err)
	}
	return nil
}

// retryRegister performs the one fixed-delay retry, then gives up.
func (b *Bridge) retryRegister(ctx context.Context, first error) error {
	b.mu.Lock()
	alreadyRetried := b.retried
	b.retried = true
	b.mu.Unlock()
	if alreadyRetried {
		return fmt.Errorf("push registration failed: %w", first)
	}

	b.log.Warn("push registration failed, retrying once",
		logx.Duration("delay", retryDelay), logx.Err(first))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(retryDelay):
	}
	if err := b.platform.Register(ctx); err != nil {
		b.log.Error("push registration failed permanently", logx.Err(err))
		return fmt.Errorf("push registration failed: %w", err)
	}
	return nil
}

// Shutdown detaches all platform listeners.
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	b.initialized = false
	b.mu.Unlock()
	b.platform.RemoveAllListeners()
}

// Token returns the current device token, "" before registration completes.
func (b *Bridge) Token() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deviceToken
}

func (b *Bridge) onToken(token, platformID string) {
	b.mu.Lock()
	b.deviceToken = token
	b.platformID = platformID
	b.mu.Unlock()

	b.log.Info("push token received", logx.String("platform", platformID))
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	b.st.SetPushToken(ctx, token, platformID)
}

// onMessage handles one push payload. The connected check is snapshotted
// once per payload; flapping between payloads never splits a decision.
// Nothing here may panic outward.
func (b *Bridge) onMessage(raw []byte, tapped bool) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("push handler panic", logx.Any("panic", r))
		}
	}()

	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		b.log.Warn("dropping malformed push payload", logx.Err(err), logx.Int("bytes", len(raw)))
		return
	}
	if err := p.Event.Validate(); err != nil {
		b.log.Warn("dropping push payload without event identity", logx.Err(err))
		return
	}

	profileID := b.st.ActiveProfile()
	if profileID == "" {
		// No profile session; fall back to the first known profile so the
		// history is not silently dropped.
		profiles := b.st.Profiles()
		if len(profiles) == 0 {
			b.log.Warn("push payload with no profile to store it under",
				logx.Int64("event_id", p.Event.EventID))
			return
		}
		profileID = profiles[0]
	}

	if tapped || p.Tap {
		// A tap means the user is looking at this event right now.
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		b.st.MarkRead(ctx, profileID, p.Event.EventID)
		if b.nav != nil {
			b.nav.NavigateToEvent(profileID, p.Event.EventID, p.Event.MonitorID)
		}
		return
	}

	if b.conn.IsConnected() {
		// The socket already delivered (or will deliver) this event.
		b.log.Debug("discarding push payload while socket is live",
			logx.Int64("event_id", p.Event.EventID))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := b.st.AddEvent(ctx, profileID, p.Event); err != nil {
		b.log.Warn("storing push event failed", logx.Int64("event_id", p.Event.EventID), logx.Err(err))
	}
}
