package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event field values used on both directions of the socket.
const (
	EventAuth    = "auth"
	EventControl = "control"
	EventPush    = "push"
	EventAlarm   = "alarm"
)

// Type field values inside control/push frames.
const (
	TypeVersion = "version"
	TypeFilter  = "filter"
	TypeToken   = "token"
	TypeBadge   = "badge"
)

// Status values the server uses in acks.
const (
	StatusSuccess = "Success"
	StatusFail    = "Fail"
)

var ErrMissingField = errors.New("missing required field")

// AlarmEvent is one detection occurrence as it appears on the wire.
// The field names follow the server's JSON casing exactly.
//
// Immutable once decoded; everything downstream copies, never mutates.
type AlarmEvent struct {
	MonitorID     int64           `json:"MonitorId"`
	MonitorName   string          `json:"MonitorName"`
	EventID       int64           `json:"EventId"`
	Cause         string          `json:"Cause"`
	Name          string          `json:"Name"`
	DetectionJSON json.RawMessage `json:"DetectionJson,omitempty"`
	ImageURL      string          `json:"ImageUrl,omitempty"`
}

// Validate rejects alarm elements that cannot be keyed or attributed.
func (e *AlarmEvent) Validate() error {
	if e.EventID == 0 {
		return fmt.Errorf("%w: EventId", ErrMissingField)
	}
	if e.MonitorID == 0 {
		return fmt.Errorf("%w: MonitorId", ErrMissingField)
	}
	return nil
}

// ClientFrame is an outgoing command. Data depends on Event.
type ClientFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type AuthData struct {
	User       string `json:"user"`
	Password   string `json:"password"`
	AppVersion string `json:"appversion,omitempty"`
}

type ControlData struct {
	Type    string  `json:"type"`
	MonList []int64 `json:"monlist,omitempty"`
	IntList []int64 `json:"intlist,omitempty"`
}

type PushData struct {
	Type     string `json:"type"`
	Token    string `json:"token,omitempty"`
	Platform string `json:"platform,omitempty"`
	Badge    *int   `json:"badge,omitempty"`
}

// ServerFrame is the superset of everything the server sends. Which fields are
// populated depends on Event; the dispatcher switches on Event and, for acks,
// on Type.
type ServerFrame struct {
	Event   string          `json:"event"`
	Type    string          `json:"type,omitempty"`
	Status  string          `json:"status,omitempty"`
	Version string          `json:"version,omitempty"`
	Reason  string          `json:"reason,omitempty"`
	Events  []AlarmEvent    `json:"events,omitempty"`
	Raw     json.RawMessage `json:"-"`
}

// DecodeServerFrame parses one inbound message. A frame without an event field
// is malformed; per the protocol it is dropped by the caller, never surfaced.
func DecodeServerFrame(data []byte) (*ServerFrame, error) {
	var f ServerFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode server frame: %w", err)
	}
	if f.Event == "" {
		return nil, fmt.Errorf("%w: event", ErrMissingField)
	}
	f.Raw = append(json.RawMessage(nil), data...)
	return &f, nil
}

// AckKey identifies a pending request by its event+type tuple. The protocol
// carries no request ids; the last request of a tuple wins.
func AckKey(event, typ string) string { return event + "|" + typ }

func NewAuthFrame(user, password, appVersion string) ClientFrame {
	return ClientFrame{Event: EventAuth, Data: AuthData{
		User:       user,
		Password:   password,
		AppVersion: appVersion,
	}}
}

func NewVersionFrame() ClientFrame {
	return ClientFrame{Event: EventControl, Data: ControlData{Type: TypeVersion}}
}

func NewFilterFrame(monitorIDs, intervals []int64) ClientFrame {
	return ClientFrame{Event: EventControl, Data: ControlData{
		Type:    TypeFilter,
		MonList: monitorIDs,
		IntList: intervals,
	}}
}

func NewBadgeFrame(badge int) ClientFrame {
	return ClientFrame{Event: EventPush, Data: PushData{Type: TypeBadge, Badge: &badge}}
}

func NewTokenFrame(token, platform string, monitorIDs, intervals []int64) ClientFrame {
	// Token registration reuses the filter lists so the server knows what to
	// push while the socket is down.
	return ClientFrame{Event: EventPush, Data: struct {
		PushData
		MonList []int64 `json:"monlist,omitempty"`
		IntList []int64 `json:"intlist,omitempty"`
	}{
		PushData: PushData{Type: TypeToken, Token: token, Platform: platform},
		MonList:  monitorIDs,
		IntList:  intervals,
	}}
}
