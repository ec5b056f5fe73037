// Package eventserver drives the protocol state machine over one Transport:
// connect, authenticate, command acks, and unsolicited alarm dispatch.
//
// The service is a caller-owned instance (no package-level singleton); the
// event store owns one and tests construct their own with a fake dialer.
package eventserver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"zmnotify/internal/transport"
	"zmnotify/internal/wire"
	logx "zmnotify/pkg/logx"
)

var (
	ErrBadConfig      = errors.New("invalid server config")
	ErrNotConnected   = errors.New("not connected")
	ErrAuthFailed     = errors.New("authentication failed")
	ErrAckTimeout     = errors.New("no ack from server")
	ErrSuperseded     = errors.New("request superseded by a newer one")
	ErrClosed         = errors.New("connection closed")
	ErrCommandFailed  = errors.New("server rejected command")
	ErrLengthMismatch = errors.New("monitor and interval lists must have equal length")
)

// DefaultCommandTimeout bounds send-and-await-ack operations. The wire
// protocol has no request ids and the server never times out on its side;
// without this bound a lost ack would leave callers waiting forever.
const DefaultCommandTimeout = 10 * time.Second

type pendingReq struct {
	ch chan error
}

// Service is the protocol state machine ("the Service" in store terms).
//
// All methods are safe for concurrent use. State subscribers are invoked
// synchronously on every transition, outside the service lock.
type Service struct {
	log  logx.Logger
	dial transport.Dialer

	cmdTimeout time.Duration

	mu            sync.Mutex
	gen           uint64 // session generation; bumped on every connect/disconnect
	tr            transport.Transport
	state         State
	reason        string
	serverVersion string
	portalURL     string
	pending       map[string]*pendingReq

	seq       uint64
	eventSubs map[uint64]func(wire.AlarmEvent)
	stateSubs map[uint64]func(StateChange)
}

type Option func(*Service)

func WithCommandTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.cmdTimeout = d
		}
	}
}

func New(dial transport.Dialer, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:        log,
		dial:       dial,
		cmdTimeout: DefaultCommandTimeout,
		state:      StateDisconnected,
		pending:    map[string]*pendingReq{},
		eventSubs:  map[uint64]func(wire.AlarmEvent){},
		stateSubs:  map[uint64]func(StateChange){},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ---- subscriptions ----

// OnEvent registers an alarm listener. Events are delivered one emission per
// wire element, in array order.
func (s *Service) OnEvent(fn func(wire.AlarmEvent)) (unsubscribe func()) {
	s.mu.Lock()
	s.seq++
	id := s.seq
	s.eventSubs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.eventSubs, id)
			s.mu.Unlock()
		})
	}
}

// OnStateChange registers a state listener. The listener is invoked
// synchronously once with the current state before this returns, then on
// every transition.
func (s *Service) OnStateChange(fn func(StateChange)) (unsubscribe func()) {
	s.mu.Lock()
	s.seq++
	id := s.seq
	s.stateSubs[id] = fn
	cur := StateChange{State: s.state, Reason: s.reason}
	s.mu.Unlock()

	fn(cur)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.stateSubs, id)
			s.mu.Unlock()
		})
	}
}

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Service) IsConnected() bool { return s.State() == StateConnected }

// EventURL builds the portal deep link for one event, or "" when the
// session carries no portal address.
func (s *Service) EventURL(eventID, monitorID int64) string {
	s.mu.Lock()
	base := s.portalURL
	s.mu.Unlock()
	if base == "" {
		return ""
	}
	return fmt.Sprintf("%s/index.php?view=event&eid=%d&mid=%d", base, eventID, monitorID)
}

// ServerVersion reports the version string from the last successful auth.
func (s *Service) ServerVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverVersion
}

// setStateLocked transitions the state machine and returns the emit closure
// to run after unlocking (nil when the state did not change).
func (s *Service) setStateLocked(st State, reason string) func() {
	if s.state == st && s.reason == reason {
		return nil
	}
	s.state = st
	s.reason = reason
	sc := StateChange{State: st, Reason: reason}
	subs := make([]func(StateChange), 0, len(s.stateSubs))
	for _, fn := range s.stateSubs {
		subs = append(subs, fn)
	}
	return func() {
		for _, fn := range subs {
			fn(sc)
		}
	}
}

func emit(fn func()) {
	if fn != nil {
		fn()
	}
}

// ---- connect / disconnect ----

// Connect opens the socket and authenticates. It returns once the state
// machine reaches connected, or with an error once it reaches error.
//
// Any previous connection is torn down first: at most one live socket exists
// process-wide.
func (s *Service) Connect(ctx context.Context, cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.teardownLocked()
	s.gen++
	myGen := s.gen
	tr := s.dial()
	s.tr = tr
	s.portalURL = strings.TrimRight(cfg.CorrelationURL, "/")
	authCh := make(chan error, 1)
	s.pending[wire.AckKey(wire.EventAuth, "")] = &pendingReq{ch: authCh}
	emitConnecting := s.setStateLocked(StateConnecting, "")
	s.mu.Unlock()
	emit(emitConnecting)

	tr.OnMessage(func(f *wire.ServerFrame) { s.dispatch(myGen, f) })
	tr.OnClose(func(err error) { s.handleClose(myGen, err) })

	if err := tr.Open(ctx, cfg.URL()); err != nil {
		s.failConnect(myGen, err)
		return fmt.Errorf("open event socket: %w", err)
	}

	s.mu.Lock()
	if s.gen != myGen {
		s.mu.Unlock()
		return ErrClosed
	}
	emitAuth := s.setStateLocked(StateAuthenticating, "")
	s.mu.Unlock()
	emit(emitAuth)

	if err := tr.Send(wire.NewAuthFrame(cfg.Username, cfg.Password, cfg.ClientVersion)); err != nil {
		s.failConnect(myGen, err)
		return fmt.Errorf("send auth: %w", err)
	}

	timer := time.NewTimer(s.cmdTimeout)
	defer timer.Stop()
	select {
	case err := <-authCh:
		return err
	case <-ctx.Done():
		s.failConnect(myGen, ctx.Err())
		return ctx.Err()
	case <-timer.C:
		s.failConnect(myGen, ErrAckTimeout)
		return fmt.Errorf("authenticating: %w", ErrAckTimeout)
	}
}

// failConnect tears the session down after a connect-phase failure, unless a
// newer session has already taken over.
func (s *Service) failConnect(gen uint64, cause error) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	tr := s.tr
	s.tr = nil
	s.gen++ // invalidate late transport callbacks
	s.rejectPendingLocked(ErrClosed)
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	emitErr := s.setStateLocked(StateError, reason)
	s.mu.Unlock()

	if tr != nil {
		_ = tr.Close()
	}
	emit(emitErr)
}

// Disconnect tears down the transport and clears all listener lists. It is
// idempotent and reachable from every state; it is also the only way to
// leave connected intentionally.
func (s *Service) Disconnect() {
	s.mu.Lock()
	s.gen++ // stop dispatching for the now-defunct socket
	tr := s.tr
	s.tr = nil
	s.rejectPendingLocked(ErrClosed)
	s.serverVersion = ""
	emitDisc := s.setStateLocked(StateDisconnected, "")
	// Listener lists are cleared after the final state emission is computed,
	// so subscribers still observe the disconnect.
	s.eventSubs = map[uint64]func(wire.AlarmEvent){}
	s.stateSubs = map[uint64]func(StateChange){}
	s.mu.Unlock()

	if tr != nil {
		_ = tr.Close()
	}
	emit(emitDisc)
}

// Reconnect drops the current connection. Credentials are not retained, so
// the caller must follow up with a fresh Connect carrying them again.
func (s *Service) Reconnect() {
	s.Disconnect()
}

// teardownLocked closes any live transport without emitting state changes;
// used when a new Connect supersedes an old session.
func (s *Service) teardownLocked() {
	if s.tr != nil {
		tr := s.tr
		s.tr = nil
		go func() { _ = tr.Close() }()
	}
	s.rejectPendingLocked(ErrClosed)
}

func (s *Service) rejectPendingLocked(err error) {
	for key, p := range s.pending {
		select {
		case p.ch <- err:
		default:
		}
		delete(s.pending, key)
	}
}

// ---- inbound dispatch ----

func (s *Service) dispatch(gen uint64, f *wire.ServerFrame) {
	s.mu.Lock()
	if s.gen != gen {
		// Late callback from a torn-down connection.
		s.mu.Unlock()
		return
	}

	switch f.Event {
	case wire.EventAuth:
		s.handleAuthLocked(f)
		return // handleAuthLocked unlocks

	case wire.EventAlarm:
		subs := make([]func(wire.AlarmEvent), 0, len(s.eventSubs))
		for _, fn := range s.eventSubs {
			subs = append(subs, fn)
		}
		s.mu.Unlock()
		for _, ev := range f.Events {
			if err := ev.Validate(); err != nil {
				s.log.Warn("dropping invalid alarm element", logx.Err(err))
				continue
			}
			for _, fn := range subs {
				fn(ev)
			}
		}
		return

	case wire.EventControl, wire.EventPush:
		if f.Event == wire.EventControl && f.Type == wire.TypeVersion && f.Version != "" {
			s.serverVersion = f.Version
		}
		var err error
		if f.Status != wire.StatusSuccess {
			err = fmt.Errorf("%w: %s/%s", ErrCommandFailed, f.Event, f.Type)
		}
		s.resolvePendingLocked(wire.AckKey(f.Event, f.Type), err)
		s.mu.Unlock()
		return

	default:
		s.mu.Unlock()
		s.log.Debug("ignoring unknown server event",
			logx.String("event", f.Event), logx.String("raw", string(f.Raw)))
	}
}

// handleAuthLocked consumes the auth response. Caller holds the lock; this
// unlocks before emitting.
func (s *Service) handleAuthLocked(f *wire.ServerFrame) {
	var (
		emitFn  func()
		authErr error
	)
	if f.Status == wire.StatusSuccess {
		s.serverVersion = f.Version
		emitFn = s.setStateLocked(StateConnected, "")
	} else {
		reason := f.Reason
		if reason == "" {
			reason = "rejected"
		}
		authErr = fmt.Errorf("%w: %s", ErrAuthFailed, reason)
		emitFn = s.setStateLocked(StateError, reason)
	}
	key := wire.AckKey(wire.EventAuth, "")
	p := s.pending[key]
	delete(s.pending, key)
	s.mu.Unlock()

	// State subscribers hear about connected before Connect returns.
	emit(emitFn)
	if p != nil {
		select {
		case p.ch <- authErr:
		default:
		}
	}
}

func (s *Service) resolvePendingLocked(key string, err error) {
	p := s.pending[key]
	if p == nil {
		return
	}
	select {
	case p.ch <- err:
	default:
	}
	delete(s.pending, key)
}

func (s *Service) handleClose(gen uint64, closeErr error) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.tr = nil
	s.rejectPendingLocked(ErrClosed)
	var emitFn func()
	if closeErr == nil {
		emitFn = s.setStateLocked(StateDisconnected, "")
	} else if s.state != StateError {
		emitFn = s.setStateLocked(StateError, closeErr.Error())
	}
	s.mu.Unlock()
	emit(emitFn)
}

// ---- commands ----

// sendCommand implements send-and-await-ack. Correlation is by event+type
// tuple; a newer request for the same tuple supersedes the old one (the wire
// protocol has no request ids).
func (s *Service) sendCommand(ctx context.Context, frame wire.ClientFrame, key string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.state != StateConnected || s.tr == nil {
		s.mu.Unlock()
		s.log.Warn("command rejected while not connected", logx.String("key", key))
		return ErrNotConnected
	}
	tr := s.tr
	if old := s.pending[key]; old != nil {
		select {
		case old.ch <- ErrSuperseded:
		default:
		}
	}
	ch := make(chan error, 1)
	s.pending[key] = &pendingReq{ch: ch}
	s.mu.Unlock()

	if err := tr.Send(frame); err != nil {
		s.dropPending(key, ch)
		return fmt.Errorf("send %s: %w", key, err)
	}

	timer := time.NewTimer(s.cmdTimeout)
	defer timer.Stop()
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		s.dropPending(key, ch)
		return ctx.Err()
	case <-timer.C:
		s.dropPending(key, ch)
		return fmt.Errorf("%s: %w", key, ErrAckTimeout)
	}
}

// dropPending removes the pending record if it is still ours.
func (s *Service) dropPending(key string, ch chan error) {
	s.mu.Lock()
	if p := s.pending[key]; p != nil && p.ch == ch {
		delete(s.pending, key)
	}
	s.mu.Unlock()
}

// SetMonitorFilter tells the server which monitors to watch and at what
// cadence. The lists are positionally paired and validated before any send.
func (s *Service) SetMonitorFilter(ctx context.Context, monitorIDs, intervals []int64) error {
	if len(monitorIDs) != len(intervals) {
		return ErrLengthMismatch
	}
	return s.sendCommand(ctx, wire.NewFilterFrame(monitorIDs, intervals),
		wire.AckKey(wire.EventControl, wire.TypeFilter))
}

// UpdateBadgeCount syncs the unread count to the server.
func (s *Service) UpdateBadgeCount(ctx context.Context, badge int) error {
	if badge < 0 {
		badge = 0
	}
	return s.sendCommand(ctx, wire.NewBadgeFrame(badge),
		wire.AckKey(wire.EventPush, wire.TypeBadge))
}

// RegisterPushToken registers the device token for out-of-band delivery,
// together with the monitor lists the server should push for.
func (s *Service) RegisterPushToken(ctx context.Context, token, platform string, monitorIDs, intervals []int64) error {
	if len(monitorIDs) != len(intervals) {
		return ErrLengthMismatch
	}
	if token == "" {
		return fmt.Errorf("%w: empty token", ErrBadConfig)
	}
	return s.sendCommand(ctx, wire.NewTokenFrame(token, platform, monitorIDs, intervals),
		wire.AckKey(wire.EventPush, wire.TypeToken))
}

// DeregisterPushToken withdraws the token by registering it with empty
// monitor lists; the server stops pushing when nothing is watched.
func (s *Service) DeregisterPushToken(ctx context.Context, token, platform string) error {
	if token == "" {
		return fmt.Errorf("%w: empty token", ErrBadConfig)
	}
	return s.sendCommand(ctx, wire.NewTokenFrame(token, platform, nil, nil),
		wire.AckKey(wire.EventPush, wire.TypeToken))
}

// RequestServerVersion asks the server for its version out of band. The
// response also refreshes ServerVersion().
func (s *Service) RequestServerVersion(ctx context.Context) (string, error) {
	err := s.sendCommand(ctx, wire.NewVersionFrame(),
		wire.AckKey(wire.EventControl, wire.TypeVersion))
	if err != nil {
		return "", err
	}
	return s.ServerVersion(), nil
}
