package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"zmnotify/internal/eventserver"
	"zmnotify/internal/storage"
	"zmnotify/internal/transport"
	"zmnotify/internal/wire"
	logx "zmnotify/pkg/logx"
)

// fakeServer backs a transport whose server side accepts auth and acks every
// command. It records outgoing frames across connections.
type fakeServer struct {
	mu   sync.Mutex
	sent []wire.ClientFrame
}

type fakeConn struct {
	srv       *fakeServer
	mu        sync.Mutex
	onMessage func(*wire.ServerFrame)
	onClose   func(error)
}

func (s *fakeServer) dialer() transport.Dialer {
	return func() transport.Transport { return &fakeConn{srv: s} }
}

func (s *fakeServer) frames() []wire.ClientFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]wire.ClientFrame(nil), s.sent...)
}

func (s *fakeServer) framesOf(event string) []wire.ClientFrame {
	var out []wire.ClientFrame
	for _, f := range s.frames() {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) Open(ctx context.Context, url string) error { return nil }

func (c *fakeConn) Send(v any) error {
	frame, ok := v.(wire.ClientFrame)
	if !ok {
		data, _ := json.Marshal(v)
		_ = json.Unmarshal(data, &frame)
	}
	c.srv.mu.Lock()
	c.srv.sent = append(c.srv.sent, frame)
	c.srv.mu.Unlock()

	var reply *wire.ServerFrame
	switch frame.Event {
	case wire.EventAuth:
		reply = &wire.ServerFrame{Event: wire.EventAuth, Status: wire.StatusSuccess, Version: "6.1.28"}
	case wire.EventControl:
		d := frame.Data.(wire.ControlData)
		reply = &wire.ServerFrame{Event: wire.EventControl, Type: d.Type, Status: wire.StatusSuccess}
	case wire.EventPush:
		data, _ := json.Marshal(frame.Data)
		var pd wire.PushData
		_ = json.Unmarshal(data, &pd)
		reply = &wire.ServerFrame{Event: wire.EventPush, Type: pd.Type, Status: wire.StatusSuccess}
	}
	if reply != nil {
		c.mu.Lock()
		fn := c.onMessage
		c.mu.Unlock()
		if fn != nil {
			go fn(reply)
		}
	}
	return nil
}

func (c *fakeConn) deliver(f *wire.ServerFrame) {
	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	if fn != nil {
		fn(f)
	}
}

func (c *fakeConn) OnMessage(fn func(*wire.ServerFrame)) func() {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
	return func() {}
}

func (c *fakeConn) OnClose(fn func(error)) func() {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
	return func() {}
}

func (c *fakeConn) Close() error { return nil }

func newTestStore(t *testing.T, db storage.Store) (*Store, *fakeServer) {
	t.Helper()
	srv := &fakeServer{}
	svc := eventserver.New(srv.dialer(), logx.Nop())
	st, err := New(svc, db, nil, logx.Nop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return st, srv
}

func alarm(monitorID, eventID int64) wire.AlarmEvent {
	return wire.AlarmEvent{MonitorID: monitorID, EventID: eventID, Cause: "Motion", MonitorName: "Cam"}
}

func TestGetSettingsDefaults(t *testing.T) {
	st, _ := newTestStore(t, nil)
	ns := st.GetSettings("never-seen")
	if ns.Enabled {
		t.Fatalf("profiles default to disabled")
	}
	if ns.Port != 9000 || !ns.UseTLS || !ns.ShowToasts || ns.PlaySound {
		t.Fatalf("unexpected defaults: %+v", ns)
	}
}

func TestAddEventDedupAndOrder(t *testing.T) {
	st, _ := newTestStore(t, nil)
	ctx := context.Background()

	for _, id := range []int64{1, 2, 3} {
		if err := st.AddEvent(ctx, "home", alarm(1, id)); err != nil {
			t.Fatalf("add %d: %v", id, err)
		}
	}
	// Re-seen event moves to the front and counts as unread again.
	if err := st.AddEvent(ctx, "home", alarm(1, 1)); err != nil {
		t.Fatalf("re-add: %v", err)
	}

	events := st.Events("home")
	if len(events) != 3 {
		t.Fatalf("expected 3 unique events, got %d", len(events))
	}
	wantOrder := []int64{1, 3, 2}
	for i, want := range wantOrder {
		if events[i].EventID != want {
			t.Fatalf("position %d: expected %d, got %d", i, want, events[i].EventID)
		}
	}
	if st.BadgeCount("home") != 3 {
		t.Fatalf("expected badge 3, got %d", st.BadgeCount("home"))
	}
}

func TestHistoryBounded(t *testing.T) {
	st, _ := newTestStore(t, nil)
	ctx := context.Background()
	for id := int64(1); id <= HistoryCap+25; id++ {
		if err := st.AddEvent(ctx, "home", alarm(1, id)); err != nil {
			t.Fatalf("add %d: %v", id, err)
		}
	}
	events := st.Events("home")
	if len(events) != HistoryCap {
		t.Fatalf("expected history capped at %d, got %d", HistoryCap, len(events))
	}
	if events[0].EventID != HistoryCap+25 {
		t.Fatalf("newest event must be first, got %d", events[0].EventID)
	}
	if st.BadgeCount("home") != HistoryCap {
		t.Fatalf("badge must track the bounded history, got %d", st.BadgeCount("home"))
	}
}

func TestAddEventRejectsInvalid(t *testing.T) {
	st, _ := newTestStore(t, nil)
	if err := st.AddEvent(context.Background(), "home", wire.AlarmEvent{MonitorID: 1}); err == nil {
		t.Fatalf("event without id must be rejected")
	}
	if len(st.Events("home")) != 0 {
		t.Fatalf("rejected event must not be stored")
	}
}

func TestReadLifecycle(t *testing.T) {
	st, _ := newTestStore(t, nil)
	ctx := context.Background()
	for _, id := range []int64{1, 2, 3} {
		_ = st.AddEvent(ctx, "home", alarm(1, id))
	}

	st.MarkRead(ctx, "home", 2)
	if st.BadgeCount("home") != 2 {
		t.Fatalf("expected badge 2 after one read, got %d", st.BadgeCount("home"))
	}
	st.MarkRead(ctx, "home", 999) // unknown id is a no-op
	if st.BadgeCount("home") != 2 {
		t.Fatalf("unknown id changed the badge")
	}

	st.MarkAllRead(ctx, "home")
	if st.BadgeCount("home") != 0 {
		t.Fatalf("expected badge 0 after mark all, got %d", st.BadgeCount("home"))
	}
	if len(st.Events("home")) != 3 {
		t.Fatalf("mark all read must keep the history")
	}

	st.ClearEvents(ctx, "home")
	if len(st.Events("home")) != 0 || st.BadgeCount("home") != 0 {
		t.Fatalf("clear must drop history and badge")
	}
}

func TestConnectRequiresEnabledAndHost(t *testing.T) {
	st, _ := newTestStore(t, nil)
	ctx := context.Background()

	if err := st.Connect(ctx, "ghost", "u", "p", ""); err == nil {
		t.Fatalf("unknown profile must fail")
	}

	st.SeedSettings(ctx, "off", NotificationSettings{Host: "zm.local", Port: 9000})
	if err := st.Connect(ctx, "off", "u", "p", ""); err == nil {
		t.Fatalf("disabled profile must fail")
	}

	st.SeedSettings(ctx, "nohost", NotificationSettings{Enabled: true, Port: 9000})
	if err := st.Connect(ctx, "nohost", "u", "p", ""); err == nil {
		t.Fatalf("profile without host must fail")
	}
}

func enabledProfile() NotificationSettings {
	return NotificationSettings{
		Enabled: true, Host: "zm.local", Port: 9000, UseTLS: true, ShowToasts: true,
		Filters: []MonitorFilter{
			{MonitorID: 2, Enabled: true, IntervalSeconds: 60},
			{MonitorID: 3, Enabled: false, IntervalSeconds: 30},
			{MonitorID: 5, Enabled: true, IntervalSeconds: 0},
		},
	}
}

func TestConnectSyncsFilters(t *testing.T) {
	st, srv := newTestStore(t, nil)
	ctx := context.Background()
	st.SeedSettings(ctx, "home", enabledProfile())

	if err := st.Connect(ctx, "home", "admin", "secret", "https://zm.local/zm"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if st.ActiveProfile() != "home" {
		t.Fatalf("expected active profile home, got %q", st.ActiveProfile())
	}

	controls := srv.framesOf(wire.EventControl)
	if len(controls) != 1 {
		t.Fatalf("expected one filter frame, got %d", len(controls))
	}
	d := controls[0].Data.(wire.ControlData)
	if d.Type != wire.TypeFilter {
		t.Fatalf("expected filter control, got %q", d.Type)
	}
	// Only enabled filters, positionally paired.
	if len(d.MonList) != 2 || len(d.IntList) != 2 {
		t.Fatalf("expected 2 enabled filters, got %v / %v", d.MonList, d.IntList)
	}
	if d.MonList[0] != 2 || d.IntList[0] != 60 {
		t.Fatalf("filter projection broken: %v / %v", d.MonList, d.IntList)
	}
}

func TestAlarmRoutedToActiveProfile(t *testing.T) {
	st, srv := newTestStore(t, nil)
	ctx := context.Background()
	st.SeedSettings(ctx, "home", enabledProfile())
	if err := st.Connect(ctx, "home", "admin", "secret", ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	_ = srv

	// A live alarm arrives through the service's event listener.
	st.svc.OnEvent(func(wire.AlarmEvent) {}) // listeners coexist
	st.acceptAlarm("home", alarm(2, 42))

	events := st.Events("home")
	if len(events) != 1 || events[0].EventID != 42 {
		t.Fatalf("alarm not stored: %+v", events)
	}
	if st.BadgeCount("home") != 1 {
		t.Fatalf("expected badge 1, got %d", st.BadgeCount("home"))
	}
}

func TestDisableWhileConnectedDisconnects(t *testing.T) {
	st, _ := newTestStore(t, nil)
	ctx := context.Background()
	st.SeedSettings(ctx, "home", enabledProfile())
	if err := st.Connect(ctx, "home", "admin", "secret", ""); err != nil {
		t.Fatalf("connect: %v", err)
	}

	off := false
	if err := st.UpdateSettings(ctx, "home", SettingsPatch{Enabled: &off}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if st.ActiveProfile() != "" {
		t.Fatalf("disable while connected must disconnect")
	}
	if st.svc.IsConnected() {
		t.Fatalf("service still connected")
	}
}

func TestFilterChangeWhileConnectedResyncs(t *testing.T) {
	st, srv := newTestStore(t, nil)
	ctx := context.Background()
	st.SeedSettings(ctx, "home", enabledProfile())
	if err := st.Connect(ctx, "home", "admin", "secret", ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	before := len(srv.framesOf(wire.EventControl))

	if err := st.SetMonitorFilter(ctx, "home", 7, true, 0); err != nil {
		t.Fatalf("set filter: %v", err)
	}
	controls := srv.framesOf(wire.EventControl)
	if len(controls) != before+1 {
		t.Fatalf("expected a re-sync frame, got %d new", len(controls)-before)
	}
	d := controls[len(controls)-1].Data.(wire.ControlData)
	found := false
	for i, id := range d.MonList {
		if id == 7 {
			found = true
			if d.IntList[i] != DefaultIntervalSeconds {
				t.Fatalf("zero interval must default to %d, got %d", DefaultIntervalSeconds, d.IntList[i])
			}
		}
	}
	if !found {
		t.Fatalf("new monitor missing from sync: %v", d.MonList)
	}
}

func TestEmptyEnabledFilterSetSkipsSync(t *testing.T) {
	st, srv := newTestStore(t, nil)
	ctx := context.Background()
	ns := enabledProfile()
	ns.Filters = []MonitorFilter{{MonitorID: 2, Enabled: false, IntervalSeconds: 60}}
	st.SeedSettings(ctx, "home", ns)
	if err := st.Connect(ctx, "home", "admin", "secret", ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if n := len(srv.framesOf(wire.EventControl)); n != 0 {
		t.Fatalf("no enabled filters must mean no filter frame, got %d", n)
	}
}

func TestBadgeSyncedToServer(t *testing.T) {
	st, srv := newTestStore(t, nil)
	ctx := context.Background()
	st.SeedSettings(ctx, "home", enabledProfile())
	if err := st.Connect(ctx, "home", "admin", "secret", ""); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := st.AddEvent(ctx, "home", alarm(2, 1)); err != nil {
		t.Fatalf("add: %v", err)
	}
	waitForBadges(t, srv, 2)
	st.MarkAllRead(ctx, "home")
	badges := waitForBadges(t, srv, 3)

	// Connect syncs 0, the event syncs 1, mark-all syncs 0 again.
	if badges[len(badges)-1] != 0 {
		t.Fatalf("final badge must be 0, got %v", badges)
	}
}

// waitForBadges polls until n badge frames were sent; badge syncs run
// asynchronously off the mutation path.
func waitForBadges(t *testing.T, srv *fakeServer, n int) []int {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		var badges []int
		for _, f := range srv.framesOf(wire.EventPush) {
			data, _ := json.Marshal(f.Data)
			var pd wire.PushData
			_ = json.Unmarshal(data, &pd)
			if pd.Type == wire.TypeBadge && pd.Badge != nil {
				badges = append(badges, *pd.Badge)
			}
		}
		if len(badges) >= n {
			return badges
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d badge syncs, got %v", n, badges)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPushTokenRegisteredOnConnect(t *testing.T) {
	st, srv := newTestStore(t, nil)
	ctx := context.Background()
	st.SeedSettings(ctx, "home", enabledProfile())
	st.SetPushToken(ctx, "tok-abc", "android")

	if err := st.Connect(ctx, "home", "admin", "secret", ""); err != nil {
		t.Fatalf("connect: %v", err)
	}

	sawToken := false
	for _, f := range srv.framesOf(wire.EventPush) {
		data, _ := json.Marshal(f.Data)
		var pd wire.PushData
		_ = json.Unmarshal(data, &pd)
		if pd.Type == wire.TypeToken && pd.Token == "tok-abc" {
			sawToken = true
		}
	}
	if !sawToken {
		t.Fatalf("pending token must register on connect")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	openDB := func() storage.Store {
		db, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "state.json")}, logx.Nop())
		if err != nil {
			t.Fatalf("open storage: %v", err)
		}
		return db
	}

	db := openDB()
	st, _ := newTestStore(t, db)
	st.SeedSettings(ctx, "home", enabledProfile())
	for id := int64(1); id <= 5; id++ {
		if err := st.AddEvent(ctx, "home", alarm(2, id)); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	st.MarkRead(ctx, "home", 3)
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// A fresh store over the same files sees the same state.
	st2, _ := newTestStore(t, openDB())
	ns := st2.GetSettings("home")
	if !ns.Enabled || ns.Host != "zm.local" || len(ns.Filters) != 3 {
		t.Fatalf("settings not restored: %+v", ns)
	}
	events := st2.Events("home")
	if len(events) != 5 || events[0].EventID != 5 {
		t.Fatalf("history not restored: %+v", events)
	}
	if st2.BadgeCount("home") != 4 {
		t.Fatalf("read flags not restored, badge %d", st2.BadgeCount("home"))
	}
}

func TestSnapshotIsConsistent(t *testing.T) {
	st, _ := newTestStore(t, nil)
	ctx := context.Background()
	st.SeedSettings(ctx, "home", enabledProfile())
	for id := int64(1); id <= 4; id++ {
		_ = st.AddEvent(ctx, "home", alarm(2, id))
	}
	st.MarkRead(ctx, "home", 4)

	snap := st.GetSnapshot("home")
	if snap.BadgeCount != 3 {
		t.Fatalf("expected badge 3, got %d", snap.BadgeCount)
	}
	unread := 0
	for _, ev := range snap.Events {
		if !ev.Read {
			unread++
		}
	}
	if unread != snap.BadgeCount {
		t.Fatalf("badge %d diverged from unread %d", snap.BadgeCount, unread)
	}

	// Mutating the snapshot must not leak back into the store.
	snap.Events[0].Read = true
	if st.BadgeCount("home") != 3 {
		t.Fatalf("snapshot mutation leaked into the store")
	}
}

func TestSecondConnectTearsDownFirst(t *testing.T) {
	st, srv := newTestStore(t, nil)
	ctx := context.Background()
	st.SeedSettings(ctx, "home", enabledProfile())
	work := enabledProfile()
	work.Host = "zm.example.com"
	st.SeedSettings(ctx, "work", work)

	if err := st.Connect(ctx, "home", "admin", "secret", ""); err != nil {
		t.Fatalf("connect home: %v", err)
	}
	if err := st.Connect(ctx, "work", "admin", "secret", ""); err != nil {
		t.Fatalf("connect work: %v", err)
	}
	if st.ActiveProfile() != "work" {
		t.Fatalf("expected work active, got %q", st.ActiveProfile())
	}
	if auths := srv.framesOf(wire.EventAuth); len(auths) != 2 {
		t.Fatalf("expected two auth handshakes, got %d", len(auths))
	}
}

func TestNormalizeFilters(t *testing.T) {
	in := []MonitorFilter{
		{MonitorID: 1, Enabled: true, IntervalSeconds: 0},
		{MonitorID: 1, Enabled: false, IntervalSeconds: 5}, // duplicate dropped
		{MonitorID: 0, Enabled: true, IntervalSeconds: 5},  // invalid id dropped
		{MonitorID: 2, Enabled: true, IntervalSeconds: 30},
	}
	out := normalizeFilters(in)
	if len(out) != 2 {
		t.Fatalf("expected 2 filters, got %+v", out)
	}
	if out[0].IntervalSeconds != DefaultIntervalSeconds {
		t.Fatalf("zero interval must default, got %d", out[0].IntervalSeconds)
	}
}

func TestProfilesListing(t *testing.T) {
	st, _ := newTestStore(t, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		st.SeedSettings(ctx, fmt.Sprintf("p%d", i), DefaultSettings())
	}
	if got := len(st.Profiles()); got != 3 {
		t.Fatalf("expected 3 profiles, got %d", got)
	}
}
