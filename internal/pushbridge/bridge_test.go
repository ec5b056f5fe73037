package pushbridge

import (
	"context"
	"errors"
	"sync"
	"testing"

	"zmnotify/internal/eventserver"
	"zmnotify/internal/store"
	"zmnotify/internal/transport"
	logx "zmnotify/pkg/logx"
)

type fakePlatform struct {
	mu          sync.Mutex
	permErr     error
	registerErr []error // popped per Register call
	registers   int

	tokenFn func(token, platform string)
	msgFn   func(raw []byte, tapped bool)
	errFn   func(error)
	removed bool

	// emitTokenOnRegister simulates a platform that delivers the token
	// during the Register call itself.
	emitTokenOnRegister string
}

func (p *fakePlatform) RequestPermission(ctx context.Context) error { return p.permErr }

func (p *fakePlatform) Register(ctx context.Context) error {
	p.mu.Lock()
	p.registers++
	var err error
	if len(p.registerErr) > 0 {
		err = p.registerErr[0]
		p.registerErr = p.registerErr[1:]
	}
	tokenFn := p.tokenFn
	tok := p.emitTokenOnRegister
	p.mu.Unlock()

	if err != nil {
		return err
	}
	if tok != "" && tokenFn != nil {
		tokenFn(tok, "android")
	}
	return nil
}

func (p *fakePlatform) AddRegistrationListener(fn func(token, platform string)) {
	p.mu.Lock()
	p.tokenFn = fn
	p.mu.Unlock()
}

func (p *fakePlatform) AddMessageListener(fn func(raw []byte, tapped bool)) {
	p.mu.Lock()
	p.msgFn = fn
	p.mu.Unlock()
}

func (p *fakePlatform) AddErrorListener(fn func(error)) {
	p.mu.Lock()
	p.errFn = fn
	p.mu.Unlock()
}

func (p *fakePlatform) RemoveAllListeners() {
	p.mu.Lock()
	p.tokenFn, p.msgFn, p.errFn = nil, nil, nil
	p.removed = true
	p.mu.Unlock()
}

func (p *fakePlatform) push(t *testing.T, raw []byte, tapped bool) {
	t.Helper()
	p.mu.Lock()
	fn := p.msgFn
	p.mu.Unlock()
	if fn == nil {
		t.Fatalf("no message listener attached")
	}
	fn(raw, tapped)
}

type fakeConn struct{ connected bool }

func (c fakeConn) IsConnected() bool { return c.connected }

type recordingNav struct {
	mu      sync.Mutex
	navs    []int64
	profile string
}

func (n *recordingNav) NavigateToEvent(profileID string, eventID, monitorID int64) {
	n.mu.Lock()
	n.navs = append(n.navs, eventID)
	n.profile = profileID
	n.mu.Unlock()
}

func deadDialer() transport.Dialer {
	return func() transport.Transport { return nil }
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	svc := eventserver.New(deadDialer(), logx.Nop())
	st, err := store.New(svc, nil, nil, logx.Nop())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	st.SeedSettings(context.Background(), "home", store.DefaultSettings())
	return st
}

func TestInitializeAttachesListenersBeforeRegister(t *testing.T) {
	p := &fakePlatform{emitTokenOnRegister: "tok-1"}
	st := newTestStore(t)
	b := New(p, nil, fakeConn{}, st, logx.Nop())

	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	// A token emitted during Register must not be lost.
	if b.Token() != "tok-1" {
		t.Fatalf("token lost, got %q", b.Token())
	}
}

func TestInitializePermissionDenied(t *testing.T) {
	p := &fakePlatform{permErr: errors.New("nope")}
	b := New(p, nil, fakeConn{}, newTestStore(t), logx.Nop())
	if err := b.Initialize(context.Background()); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if p.registers != 0 {
		t.Fatalf("register must not run without permission")
	}
}

func TestRegisterRetriesOnce(t *testing.T) {
	restore := retryDelay
	retryDelay = 0
	defer func() { retryDelay = restore }()

	p := &fakePlatform{registerErr: []error{errors.New("transient")}}
	b := New(p, nil, fakeConn{}, newTestStore(t), logx.Nop())
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("retry should have succeeded: %v", err)
	}
	if p.registers != 2 {
		t.Fatalf("expected exactly 2 register attempts, got %d", p.registers)
	}
}

func TestRegisterGivesUpAfterRetry(t *testing.T) {
	restore := retryDelay
	retryDelay = 0
	defer func() { retryDelay = restore }()

	p := &fakePlatform{registerErr: []error{errors.New("one"), errors.New("two")}}
	b := New(p, nil, fakeConn{}, newTestStore(t), logx.Nop())
	if err := b.Initialize(context.Background()); err == nil {
		t.Fatalf("expected permanent failure")
	}
	if p.registers != 2 {
		t.Fatalf("expected exactly 2 register attempts, got %d", p.registers)
	}
}

func alarmPayload(eventID int64) []byte {
	return []byte(`{"event":{"MonitorId":2,"MonitorName":"Garage","EventId":` +
		fmtInt(eventID) + `,"Cause":"Motion"}}`)
}

func fmtInt(n int64) string {
	if n == 0 {
		return "0"
	}
	var b [20]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	return string(b[i:])
}

func TestForegroundPushStoredWhenDisconnected(t *testing.T) {
	p := &fakePlatform{}
	st := newTestStore(t)
	b := New(p, nil, fakeConn{connected: false}, st, logx.Nop())
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	p.push(t, alarmPayload(41), false)

	events := st.Events("home")
	if len(events) != 1 || events[0].EventID != 41 {
		t.Fatalf("push event not stored: %+v", events)
	}
}

func TestForegroundPushDiscardedWhenConnected(t *testing.T) {
	p := &fakePlatform{}
	st := newTestStore(t)
	b := New(p, nil, fakeConn{connected: true}, st, logx.Nop())
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	p.push(t, alarmPayload(41), false)

	if got := len(st.Events("home")); got != 0 {
		t.Fatalf("push must be discarded while the socket is live, stored %d", got)
	}
}

func TestTapMarksReadAndNavigates(t *testing.T) {
	p := &fakePlatform{}
	st := newTestStore(t)
	nav := &recordingNav{}
	b := New(p, nav, fakeConn{connected: false}, st, logx.Nop())
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	// Event arrives first, then the user taps its notification.
	p.push(t, alarmPayload(41), false)
	if st.BadgeCount("home") != 1 {
		t.Fatalf("expected unread event")
	}
	p.push(t, alarmPayload(41), true)

	if st.BadgeCount("home") != 0 {
		t.Fatalf("tap must mark the event read, badge %d", st.BadgeCount("home"))
	}
	nav.mu.Lock()
	defer nav.mu.Unlock()
	if len(nav.navs) != 1 || nav.navs[0] != 41 {
		t.Fatalf("tap must navigate to the event, got %v", nav.navs)
	}
}

func TestMalformedPushDropped(t *testing.T) {
	p := &fakePlatform{}
	st := newTestStore(t)
	b := New(p, nil, fakeConn{}, st, logx.Nop())
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	p.push(t, []byte(`{broken`), false)
	p.push(t, []byte(`{"event":{"MonitorName":"x"}}`), false) // no identity

	if got := len(st.Events("home")); got != 0 {
		t.Fatalf("malformed payloads must not be stored, got %d", got)
	}
}

func TestShutdownRemovesListeners(t *testing.T) {
	p := &fakePlatform{}
	b := New(p, nil, fakeConn{}, newTestStore(t), logx.Nop())
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	b.Shutdown()
	if !p.removed {
		t.Fatalf("shutdown must remove platform listeners")
	}
}
