// Package store keeps per-profile notification settings and a bounded,
// deduplicated event history, and drives the protocol service on behalf of
// its callers: connecting the active profile, syncing monitor filters, and
// keeping the server-side badge equal to the local unread count.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"zmnotify/internal/eventbus"
	"zmnotify/internal/eventserver"
	"zmnotify/internal/storage"
	"zmnotify/internal/wire"
	logx "zmnotify/pkg/logx"
)

var (
	ErrProfileDisabled = errors.New("profile is disabled")
	ErrNoHost          = errors.New("profile has no host configured")
	ErrUnknownProfile  = errors.New("unknown profile")
)

// syncTimeout bounds the best-effort server syncs (filter, badge, token) the
// store issues as side effects of mutations.
const syncTimeout = 15 * time.Second

type profileState struct {
	settings NotificationSettings
	events   []NotificationEvent
	badge    int
}

type pushToken struct {
	token    string
	platform string
}

// Store is the single writer for notification state. All mutations happen
// under one mutex; protocol commands are issued after the lock is released so
// a slow server can never stall local reads.
type Store struct {
	log logx.Logger
	svc *eventserver.Service
	db  storage.Store // nil when persistence is disabled
	bus eventbus.Bus

	mu         sync.Mutex
	profiles   map[string]*profileState
	active     string // profile owning the live connection, "" when none
	token      *pushToken
	unsubEvent func()
	unsubState func()
}

// New builds a store around the given service. db and bus may be nil.
func New(svc *eventserver.Service, db storage.Store, bus eventbus.Bus, log logx.Logger) (*Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{
		log:      log,
		svc:      svc,
		db:       db,
		bus:      bus,
		profiles: map[string]*profileState{},
	}
	if err := s.restore(context.Background()); err != nil {
		// Storage trouble degrades to memory-only; the event path must live.
		s.log.Warn("restoring persisted state failed, continuing memory-only", logx.Err(err))
		s.db = nil
	}
	return s, nil
}

// restore loads persisted settings and histories.
func (s *Store) restore(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	settings, err := s.db.LoadSettings(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	for profileID, raw := range settings {
		ns := DefaultSettings()
		if err := json.Unmarshal(raw, &ns); err != nil {
			s.log.Warn("skipping corrupt settings", logx.String("profile", profileID), logx.Err(err))
			continue
		}
		ps := &profileState{settings: ns}
		records, err := s.db.LoadEvents(ctx, profileID)
		if err != nil {
			return fmt.Errorf("load events for %s: %w", profileID, err)
		}
		for _, rec := range records {
			ev, err := recordToEvent(rec)
			if err != nil {
				s.log.Warn("skipping corrupt event record",
					logx.String("profile", profileID), logx.Int64("event_id", rec.EventID), logx.Err(err))
				continue
			}
			ps.events = append(ps.events, ev)
		}
		if len(ps.events) > HistoryCap {
			ps.events = ps.events[:HistoryCap]
		}
		ps.badge = unreadCount(ps.events)
		s.profiles[profileID] = ps
	}
	return nil
}

func recordToEvent(rec storage.EventRecord) (NotificationEvent, error) {
	var ae wire.AlarmEvent
	if err := json.Unmarshal(rec.Payload, &ae); err != nil {
		return NotificationEvent{}, err
	}
	ev := eventFromAlarm(ae)
	ev.ReceivedAt = rec.ReceivedAt
	ev.Read = rec.Read
	return ev, nil
}

func eventFromAlarm(ae wire.AlarmEvent) NotificationEvent {
	return NotificationEvent{
		EventID:       ae.EventID,
		MonitorID:     ae.MonitorID,
		MonitorName:   ae.MonitorName,
		Cause:         ae.Cause,
		Name:          ae.Name,
		DetectionJSON: append(json.RawMessage(nil), ae.DetectionJSON...),
		ImageURL:      ae.ImageURL,
	}
}

func unreadCount(events []NotificationEvent) int {
	n := 0
	for i := range events {
		if !events[i].Read {
			n++
		}
	}
	return n
}

// ---- settings ----

// SeedSettings installs settings for a profile that has none yet. Profiles
// restored from storage keep their stored values; config seeding never
// clobbers user state.
func (s *Store) SeedSettings(ctx context.Context, profileID string, ns NotificationSettings) {
	s.mu.Lock()
	if _, ok := s.profiles[profileID]; ok {
		s.mu.Unlock()
		return
	}
	s.profiles[profileID] = &profileState{settings: ns}
	s.mu.Unlock()
	s.persistSettings(ctx, profileID, ns)
}

// GetSettings returns the profile's settings, or the defaults for a profile
// the store has never seen. The result is a copy.
func (s *Store) GetSettings(profileID string) NotificationSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.profiles[profileID]
	if !ok {
		return DefaultSettings()
	}
	out := ps.settings
	out.Filters = append([]MonitorFilter(nil), ps.settings.Filters...)
	return out
}

// UpdateSettings applies a partial update. Disabling the connected profile
// disconnects it; changing filters while connected re-syncs them.
func (s *Store) UpdateSettings(ctx context.Context, profileID string, patch SettingsPatch) error {
	s.mu.Lock()
	ps := s.ensureLocked(profileID)
	old := ps.settings

	if patch.Enabled != nil {
		ps.settings.Enabled = *patch.Enabled
	}
	if patch.Host != nil {
		ps.settings.Host = *patch.Host
	}
	if patch.Port != nil {
		ps.settings.Port = *patch.Port
	}
	if patch.UseTLS != nil {
		ps.settings.UseTLS = *patch.UseTLS
	}
	if patch.ShowToasts != nil {
		ps.settings.ShowToasts = *patch.ShowToasts
	}
	if patch.PlaySound != nil {
		ps.settings.PlaySound = *patch.PlaySound
	}
	if patch.Filters != nil {
		ps.settings.Filters = normalizeFilters(patch.Filters)
	}

	ns := ps.settings
	connectedHere := s.active == profileID && s.svc.IsConnected()
	disableNow := connectedHere && old.Enabled && !ns.Enabled
	filtersChanged := connectedHere && !disableNow && patch.Filters != nil && !filtersEqual(old.Filters, ns.Filters)
	s.mu.Unlock()

	s.persistSettings(ctx, profileID, ns)
	s.publish(TopicSettingsChanged, profileID)

	if disableNow {
		s.log.Info("profile disabled while connected, disconnecting", logx.String("profile", profileID))
		s.Disconnect()
		return nil
	}
	if filtersChanged {
		s.syncFilters(ctx, profileID, ns.Filters)
	}
	return nil
}

// SetMonitorFilter upserts one monitor's watch entry. A zero interval takes
// the 60s default. The change syncs to the server when this profile is
// connected.
func (s *Store) SetMonitorFilter(ctx context.Context, profileID string, monitorID int64, enabled bool, intervalSeconds int64) error {
	if monitorID <= 0 {
		return fmt.Errorf("monitor id must be positive, got %d", monitorID)
	}
	if intervalSeconds <= 0 {
		intervalSeconds = DefaultIntervalSeconds
	}

	s.mu.Lock()
	ps := s.ensureLocked(profileID)
	found := false
	for i := range ps.settings.Filters {
		if ps.settings.Filters[i].MonitorID == monitorID {
			ps.settings.Filters[i].Enabled = enabled
			ps.settings.Filters[i].IntervalSeconds = intervalSeconds
			found = true
			break
		}
	}
	if !found {
		ps.settings.Filters = append(ps.settings.Filters, MonitorFilter{
			MonitorID: monitorID, Enabled: enabled, IntervalSeconds: intervalSeconds,
		})
	}
	ns := ps.settings
	connectedHere := s.active == profileID && s.svc.IsConnected()
	s.mu.Unlock()

	s.persistSettings(ctx, profileID, ns)
	s.publish(TopicSettingsChanged, profileID)
	if connectedHere {
		s.syncFilters(ctx, profileID, ns.Filters)
	}
	return nil
}

func (s *Store) ensureLocked(profileID string) *profileState {
	ps, ok := s.profiles[profileID]
	if !ok {
		ps = &profileState{settings: DefaultSettings()}
		s.profiles[profileID] = ps
	}
	return ps
}

func normalizeFilters(in []MonitorFilter) []MonitorFilter {
	out := make([]MonitorFilter, 0, len(in))
	seen := map[int64]bool{}
	for _, f := range in {
		if f.MonitorID <= 0 || seen[f.MonitorID] {
			continue
		}
		if f.IntervalSeconds <= 0 {
			f.IntervalSeconds = DefaultIntervalSeconds
		}
		seen[f.MonitorID] = true
		out = append(out, f)
	}
	return out
}

func filtersEqual(a, b []MonitorFilter) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ---- connection lifecycle ----

// Connect brings up the socket for the given profile. Credentials arrive per
// call and are never stored. Any other profile's connection is torn down
// first.
func (s *Store) Connect(ctx context.Context, profileID, username, password, portalURL string) error {
	s.mu.Lock()
	ps, ok := s.profiles[profileID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownProfile, profileID)
	}
	ns := ps.settings
	s.mu.Unlock()

	if !ns.Enabled {
		return fmt.Errorf("%w: %s", ErrProfileDisabled, profileID)
	}
	if ns.Host == "" {
		return fmt.Errorf("%w: %s", ErrNoHost, profileID)
	}

	// Tear down whatever was connected before; one live socket process-wide.
	s.Disconnect()

	// Listeners attach before Connect so the first alarm after auth cannot
	// slip past them. Disconnect cleared the previous generation's listeners.
	unsubEvent := s.svc.OnEvent(func(ev wire.AlarmEvent) { s.acceptAlarm(profileID, ev) })
	unsubState := s.svc.OnStateChange(func(sc eventserver.StateChange) {
		s.publishState(profileID, sc)
	})

	s.mu.Lock()
	s.active = profileID
	s.unsubEvent = unsubEvent
	s.unsubState = unsubState
	token := s.token
	badge := ps.badge
	filters := append([]MonitorFilter(nil), ns.Filters...)
	s.mu.Unlock()

	cfg := eventserver.Config{
		Host:           ns.Host,
		Port:           ns.Port,
		UseTLS:         ns.UseTLS,
		Username:       username,
		Password:       password,
		ClientVersion:  ClientVersion,
		CorrelationURL: portalURL,
	}
	if err := s.svc.Connect(ctx, cfg); err != nil {
		s.mu.Lock()
		s.active = ""
		s.unsubEvent = nil
		s.unsubState = nil
		s.mu.Unlock()
		unsubEvent()
		unsubState()
		return err
	}

	s.syncFilters(ctx, profileID, filters)
	if token != nil {
		s.registerToken(ctx, *token, filters)
	}
	s.syncBadge(ctx, profileID, badge)
	return nil
}

// Disconnect tears down the live connection, if any. Idempotent.
func (s *Store) Disconnect() {
	s.mu.Lock()
	s.active = ""
	s.unsubEvent = nil
	s.unsubState = nil
	s.mu.Unlock()
	// The service clears its own listener lists on disconnect.
	s.svc.Disconnect()
}

// ActiveProfile reports which profile owns the live connection, "" when none.
func (s *Store) ActiveProfile() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SetPushToken records the device push token. When a profile is connected the
// registration is sent immediately; otherwise it is sent on the next Connect.
func (s *Store) SetPushToken(ctx context.Context, token, platform string) {
	s.mu.Lock()
	s.token = &pushToken{token: token, platform: platform}
	profileID := s.active
	var filters []MonitorFilter
	if profileID != "" {
		filters = append(filters, s.profiles[profileID].settings.Filters...)
	}
	s.mu.Unlock()

	if profileID != "" && s.svc.IsConnected() {
		s.registerToken(ctx, pushToken{token: token, platform: platform}, filters)
	}
}

// ---- events ----

// AddEvent records one accepted alarm: deduplicated by event id, newest
// first, history capped. A re-seen event moves to the front and counts as
// unread again.
func (s *Store) AddEvent(ctx context.Context, profileID string, ae wire.AlarmEvent) error {
	if err := ae.Validate(); err != nil {
		return err
	}

	ev := eventFromAlarm(ae)
	ev.ReceivedAt = time.Now().UTC()
	ev.EventURL = s.svc.EventURL(ev.EventID, ev.MonitorID)

	s.mu.Lock()
	ps := s.ensureLocked(profileID)
	filtered := ps.events[:0]
	for _, existing := range ps.events {
		if existing.EventID != ev.EventID {
			filtered = append(filtered, existing)
		}
	}
	ps.events = append([]NotificationEvent{ev}, filtered...)
	if len(ps.events) > HistoryCap {
		ps.events = ps.events[:HistoryCap]
	}
	ps.badge = unreadCount(ps.events)
	s.mu.Unlock()

	s.persistEvents(ctx, profileID)
	s.publish(TopicEventAccepted, profileID)
	s.syncBadgeIfActive(ctx, profileID)
	return nil
}

// acceptAlarm routes a live alarm from the service to the active profile.
func (s *Store) acceptAlarm(profileID string, ev wire.AlarmEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()
	if err := s.AddEvent(ctx, profileID, ev); err != nil {
		s.log.Warn("dropping alarm", logx.Int64("event_id", ev.EventID), logx.Err(err))
	}
}

// MarkRead flags one event as read. Unknown event ids are a no-op.
func (s *Store) MarkRead(ctx context.Context, profileID string, eventID int64) {
	s.mu.Lock()
	ps := s.ensureLocked(profileID)
	changed := false
	for i := range ps.events {
		if ps.events[i].EventID == eventID && !ps.events[i].Read {
			ps.events[i].Read = true
			changed = true
			break
		}
	}
	if changed {
		ps.badge = unreadCount(ps.events)
	}
	s.mu.Unlock()

	if !changed {
		return
	}
	s.persistEvents(ctx, profileID)
	s.publish(TopicEventAccepted, profileID)
	s.syncBadgeIfActive(ctx, profileID)
}

// MarkAllRead flags every event as read and zeroes the badge.
func (s *Store) MarkAllRead(ctx context.Context, profileID string) {
	s.mu.Lock()
	ps := s.ensureLocked(profileID)
	changed := false
	for i := range ps.events {
		if !ps.events[i].Read {
			ps.events[i].Read = true
			changed = true
		}
	}
	ps.badge = 0
	s.mu.Unlock()

	if !changed {
		return
	}
	s.persistEvents(ctx, profileID)
	s.publish(TopicEventAccepted, profileID)
	s.syncBadgeIfActive(ctx, profileID)
}

// ClearEvents drops the whole history for a profile.
func (s *Store) ClearEvents(ctx context.Context, profileID string) {
	s.mu.Lock()
	ps := s.ensureLocked(profileID)
	had := len(ps.events) > 0
	ps.events = nil
	ps.badge = 0
	s.mu.Unlock()

	if !had {
		return
	}
	s.persistEvents(ctx, profileID)
	s.publish(TopicEventAccepted, profileID)
	s.syncBadgeIfActive(ctx, profileID)
}

// Events returns a copy of the history, most recent first.
func (s *Store) Events(profileID string) []NotificationEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.profiles[profileID]
	if !ok {
		return nil
	}
	return append([]NotificationEvent(nil), ps.events...)
}

// BadgeCount reports the unread count for a profile.
func (s *Store) BadgeCount(profileID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.profiles[profileID]
	if !ok {
		return 0
	}
	return ps.badge
}

// GetSnapshot returns the full consistent view of one profile.
func (s *Store) GetSnapshot(profileID string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.profiles[profileID]
	if !ok {
		return Snapshot{ProfileID: profileID, Settings: DefaultSettings()}
	}
	settings := ps.settings
	settings.Filters = append([]MonitorFilter(nil), ps.settings.Filters...)
	return Snapshot{
		ProfileID:  profileID,
		Settings:   settings,
		Events:     append([]NotificationEvent(nil), ps.events...),
		BadgeCount: ps.badge,
	}
}

// Profiles lists every profile the store knows about.
func (s *Store) Profiles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.profiles))
	for id := range s.profiles {
		out = append(out, id)
	}
	return out
}

// ---- server syncs (best effort) ----

// syncFilters projects the enabled filters to the positional wire lists and
// pushes them. An empty enabled set sends nothing.
func (s *Store) syncFilters(ctx context.Context, profileID string, filters []MonitorFilter) {
	ids, intervals := projectFilters(filters)
	if len(ids) == 0 {
		s.log.Debug("no enabled monitor filters, skipping filter sync", logx.String("profile", profileID))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()
	if err := s.svc.SetMonitorFilter(ctx, ids, intervals); err != nil {
		s.log.Warn("monitor filter sync failed", logx.String("profile", profileID), logx.Err(err))
	}
}

func projectFilters(filters []MonitorFilter) (ids, intervals []int64) {
	for _, f := range filters {
		if !f.Enabled {
			continue
		}
		ids = append(ids, f.MonitorID)
		intervals = append(intervals, f.IntervalSeconds)
	}
	return ids, intervals
}

func (s *Store) registerToken(ctx context.Context, tok pushToken, filters []MonitorFilter) {
	ids, intervals := projectFilters(filters)
	ctx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()
	if err := s.svc.RegisterPushToken(ctx, tok.token, tok.platform, ids, intervals); err != nil {
		s.log.Warn("push token registration failed", logx.Err(err))
	}
}

// syncBadgeIfActive pushes the badge count when the mutated profile owns the
// live connection. Failures are logged, never surfaced; local state is the
// source of truth. The sync runs on its own goroutine: mutations arrive on
// the socket's read loop, and the ack this sync waits for arrives through
// that same loop.
func (s *Store) syncBadgeIfActive(ctx context.Context, profileID string) {
	_ = ctx
	s.mu.Lock()
	activeHere := s.active == profileID
	badge := 0
	if ps, ok := s.profiles[profileID]; ok {
		badge = ps.badge
	}
	s.mu.Unlock()
	if !activeHere || !s.svc.IsConnected() {
		return
	}
	go s.syncBadge(context.Background(), profileID, badge)
}

func (s *Store) syncBadge(ctx context.Context, profileID string, badge int) {
	ctx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()
	if err := s.svc.UpdateBadgeCount(ctx, badge); err != nil {
		s.log.Warn("badge sync failed", logx.String("profile", profileID), logx.Err(err))
	}
}

// ---- persistence / publication ----

func (s *Store) persistSettings(ctx context.Context, profileID string, ns NotificationSettings) {
	if s.db == nil {
		return
	}
	data, err := json.Marshal(ns)
	if err != nil {
		s.log.Error("marshal settings", logx.String("profile", profileID), logx.Err(err))
		return
	}
	if err := s.db.SaveSettings(ctx, profileID, data); err != nil {
		s.log.Warn("persist settings failed", logx.String("profile", profileID), logx.Err(err))
	}
}

func (s *Store) persistEvents(ctx context.Context, profileID string) {
	if s.db == nil {
		return
	}
	s.mu.Lock()
	ps, ok := s.profiles[profileID]
	var records []storage.EventRecord
	if ok {
		records = make([]storage.EventRecord, 0, len(ps.events))
		for _, ev := range ps.events {
			payload, err := json.Marshal(wire.AlarmEvent{
				MonitorID:     ev.MonitorID,
				MonitorName:   ev.MonitorName,
				EventID:       ev.EventID,
				Cause:         ev.Cause,
				Name:          ev.Name,
				DetectionJSON: ev.DetectionJSON,
				ImageURL:      ev.ImageURL,
			})
			if err != nil {
				continue
			}
			records = append(records, storage.EventRecord{
				EventID:    ev.EventID,
				Payload:    payload,
				ReceivedAt: ev.ReceivedAt,
				Read:       ev.Read,
			})
		}
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := s.db.ReplaceEvents(ctx, profileID, records); err != nil {
		s.log.Warn("persist events failed", logx.String("profile", profileID), logx.Err(err))
	}
}

func (s *Store) publish(topic, profileID string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Type: topic,
		Time: time.Now(),
		Data: s.GetSnapshot(profileID),
	})
}

func (s *Store) publishState(profileID string, sc eventserver.StateChange) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: TopicConnState, Time: time.Now(), Data: struct {
		ProfileID string
		Change    eventserver.StateChange
	}{ProfileID: profileID, Change: sc}})
}
