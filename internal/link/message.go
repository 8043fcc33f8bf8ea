package link

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"dispatch-tracker/internal/dispatch"
)

// Kind is the decoded arm of a push envelope.
type Kind int

const (
	KindUnknown Kind = iota
	KindFullUpdate
	KindTaskUpdate
	KindTechnicianUpdate
	KindPing
	KindPong
)

func (k Kind) String() string {
	switch k {
	case KindFullUpdate:
		return "full_update"
	case KindTaskUpdate:
		return "task_update"
	case KindTechnicianUpdate:
		return "technician_update"
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	default:
		return "unknown"
	}
}

// kindByType maps wire types, case-insensitively, including the aliases the
// older map page and the technician consumer use.
var kindByType = map[string]Kind{
	"full_update":       KindFullUpdate,
	"task_data":         KindFullUpdate,
	"task_update":       KindTaskUpdate,
	"update":            KindTaskUpdate,
	"technician_update": KindTechnicianUpdate,
	"location_update":   KindTechnicianUpdate,
	"ping":              KindPing,
	"pong":              KindPong,
}

// Message is one inbound push. Exactly one payload field is set, matching Kind.
type Message struct {
	Kind       Kind
	Type       string
	Snapshot   *dispatch.Snapshot
	Task       *dispatch.TaskPatch
	Technician *dispatch.TechnicianPatch
	Raw        json.RawMessage
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Decode parses a push envelope. Unknown types decode to KindUnknown without
// error; malformed JSON or payloads wrap dispatch.ErrMalformedPayload.
func Decode(b []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Message{}, fmt.Errorf("%w: envelope: %v", dispatch.ErrMalformedPayload, err)
	}
	msg := Message{Type: env.Type, Raw: json.RawMessage(b)}

	// Flat broadcasts (location_update) carry the fields at the top level.
	payload := env.Data
	if len(bytes.TrimSpace(payload)) == 0 || bytes.Equal(bytes.TrimSpace(payload), []byte("null")) {
		payload = b
	}

	kind, ok := kindByType[strings.ToLower(strings.TrimSpace(env.Type))]
	if !ok && env.Type == "" && looksLikeTechnician(b) {
		// The technician consumer greets with bare technician objects.
		kind, ok = KindTechnicianUpdate, true
	}
	if !ok {
		return msg, nil
	}
	msg.Kind = kind

	switch kind {
	case KindFullUpdate:
		var snap dispatch.Snapshot
		if err := json.Unmarshal(payload, &snap); err != nil {
			return msg, err
		}
		msg.Snapshot = &snap
	case KindTaskUpdate:
		var p dispatch.TaskPatch
		if err := json.Unmarshal(payload, &p); err != nil {
			return msg, fmt.Errorf("%w: task update: %v", dispatch.ErrMalformedPayload, err)
		}
		msg.Task = &p
	case KindTechnicianUpdate:
		var p dispatch.TechnicianPatch
		if err := json.Unmarshal(payload, &p); err != nil {
			return msg, fmt.Errorf("%w: technician update: %v", dispatch.ErrMalformedPayload, err)
		}
		msg.Technician = &p
	}
	return msg, nil
}

func looksLikeTechnician(b []byte) bool {
	var probe struct {
		ID   *json.RawMessage `json:"id"`
		Name *string          `json:"name"`
	}
	return json.Unmarshal(b, &probe) == nil && probe.ID != nil && probe.Name != nil
}

// Outbound messages.

type control struct {
	Type string `json:"type"`
}

var (
	fetchTasksMsg = control{Type: "fetch_tasks"}
	pingMsg       = control{Type: "ping"}
)

type LocationUpdate struct {
	Type      string      `json:"type"`
	ID        dispatch.ID `json:"id"`
	Latitude  float64     `json:"latitude"`
	Longitude float64     `json:"longitude"`
}

func NewLocationUpdate(technicianID dispatch.ID, pos dispatch.Position) LocationUpdate {
	return LocationUpdate{Type: "location_update", ID: technicianID, Latitude: pos.Lat, Longitude: pos.Lon}
}

type StatusUpdate struct {
	Type         string      `json:"type"`
	TechnicianID dispatch.ID `json:"technicianId"`
	Status       string      `json:"status"`
}

func NewStatusUpdate(technicianID dispatch.ID, status string) StatusUpdate {
	return StatusUpdate{Type: "status_update", TechnicianID: technicianID, Status: status}
}
