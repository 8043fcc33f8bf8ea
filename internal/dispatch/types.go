// Package dispatch holds the wire and domain model shared by the sync layer:
// tasks, technicians, the dispatch snapshot and the partial update patches.
package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ID identifies a task or technician. The backend sends numeric ids, some
// payloads send strings; both normalize to the decimal string form.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("%w: id: %v", ErrMalformedPayload, err)
		}
		*id = ID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("%w: id: %v", ErrMalformedPayload, err)
	}
	*id = ID(n.String())
	return nil
}

// MarshalJSON emits numeric ids as JSON numbers so outbound messages match
// what the backend sent.
func (id ID) MarshalJSON() ([]byte, error) {
	if id != "" && isDigits(string(id)) {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0 && len(s) < 19
}

// Coord is a latitude or longitude in degrees. Decimal fields arrive as
// strings ("-7.650000"); anything unparsable decodes to 0, i.e. "no fix".
type Coord float64

func (c *Coord) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*c = 0
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("%w: coordinate: %v", ErrMalformedPayload, err)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			f = 0
		}
		*c = Coord(f)
		return nil
	}
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("%w: coordinate %q", ErrMalformedPayload, b)
	}
	*c = Coord(f)
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// Timestamp is an optional point in time. The zero value means "not set".
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("%w: timestamp: %v", ErrMalformedPayload, err)
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("%w: timestamp %q", ErrMalformedPayload, s)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339))
}

// Opt is a patch field. Set reports whether the key was present in the
// payload at all; Null reports an explicit JSON null.
type Opt[T any] struct {
	Set  bool
	Null bool
	V    T
}

// Some returns a set, non-null field.
func Some[T any](v T) Opt[T] {
	return Opt[T]{Set: true, V: v}
}

func (o *Opt[T]) UnmarshalJSON(b []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		o.Null = true
		var zero T
		o.V = zero
		return nil
	}
	return json.Unmarshal(b, &o.V)
}

func (o Opt[T]) MarshalJSON() ([]byte, error) {
	if !o.Set || o.Null {
		return []byte("null"), nil
	}
	return json.Marshal(o.V)
}

// TaskStatus is both a task's lifecycle state and the category it is filed under.
type TaskStatus string

const (
	StatusUnassigned TaskStatus = "unassigned"
	StatusAssigned   TaskStatus = "assigned"
	StatusInTransit  TaskStatus = "in-transit"
	StatusSucceeded  TaskStatus = "succeeded"
	StatusFailed     TaskStatus = "failed"
)

// Categories lists the task categories in display order.
var Categories = []TaskStatus{
	StatusUnassigned,
	StatusAssigned,
	StatusInTransit,
	StatusSucceeded,
	StatusFailed,
}

// ParseTaskStatus normalizes a wire status. The backend is inconsistent
// between "in-transit" and "in_transit".
func ParseTaskStatus(s string) (TaskStatus, bool) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
	for _, c := range Categories {
		if TaskStatus(norm) == c {
			return c, true
		}
	}
	return TaskStatus(s), false
}

// Terminal reports whether no further transitions are expected.
func (s TaskStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

type TechnicianStatus string

const (
	TechAvailable TechnicianStatus = "available"
	TechBusy      TechnicianStatus = "busy"
	TechOffline   TechnicianStatus = "offline"
	TechUnknown   TechnicianStatus = "unknown"
)

// ParseTechnicianStatus maps backend values (on_mission, off_duty, idle) onto
// the four client-side states. Unrecognized values become TechUnknown.
func ParseTechnicianStatus(s string) TechnicianStatus {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_") {
	case "available", "idle":
		return TechAvailable
	case "busy", "on_mission":
		return TechBusy
	case "offline", "off_duty":
		return TechOffline
	default:
		return TechUnknown
	}
}

// Priority is an open set. The web map uses low/medium/high, the backend
// model uses colour names.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Position is a coordinate pair in degrees.
type Position struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid rejects the (0,0) "no fix yet" pair and out-of-range values.
func (p Position) Valid() bool {
	if p.Lat == 0 && p.Lon == 0 {
		return false
	}
	if p.Lat < -90 || p.Lat > 90 || p.Lon < -180 || p.Lon > 180 {
		return false
	}
	return true
}

type Task struct {
	ID                      ID         `json:"id"`
	Title                   string     `json:"title,omitempty"`
	RecipientName           string     `json:"recipient_name"`
	Address                 string     `json:"address"`
	Latitude                Coord      `json:"latitude"`
	Longitude               Coord      `json:"longitude"`
	Priority                Priority   `json:"priority"`
	Status                  TaskStatus `json:"status"`
	AssignedTo              string     `json:"assigned_to,omitempty"`
	Team                    string     `json:"team,omitempty"`
	ScheduledTime           Timestamp  `json:"scheduled_time"`
	EstimatedCompletionTime Timestamp  `json:"estimated_completion_time"`
	ActualCompletionTime    Timestamp  `json:"actual_completion_time"`
}

func (t Task) Position() Position {
	return Position{Lat: float64(t.Latitude), Lon: float64(t.Longitude)}
}

// TaskPatch is an incremental task update. Only fields present in the
// payload are applied.
type TaskPatch struct {
	ID                      ID              `json:"id"`
	TaskID                  ID              `json:"task_id"`
	Title                   Opt[string]     `json:"title"`
	RecipientName           Opt[string]     `json:"recipient_name"`
	Address                 Opt[string]     `json:"address"`
	Latitude                Opt[Coord]      `json:"latitude"`
	Longitude               Opt[Coord]      `json:"longitude"`
	Priority                Opt[Priority]   `json:"priority"`
	Status                  Opt[TaskStatus] `json:"status"`
	AssignedTo              Opt[string]     `json:"assigned_to"`
	Team                    Opt[string]     `json:"team"`
	ScheduledTime           Opt[Timestamp]  `json:"scheduled_time"`
	EstimatedCompletionTime Opt[Timestamp]  `json:"estimated_completion_time"`
	ActualCompletionTime    Opt[Timestamp]  `json:"actual_completion_time"`
}

// Key returns the task id, accepting either "id" or "task_id".
func (p TaskPatch) Key() ID {
	if p.ID != "" {
		return p.ID
	}
	return p.TaskID
}

// Apply shallow-merges the patch over t.
func (p TaskPatch) Apply(t Task) Task {
	if id := p.Key(); id != "" {
		t.ID = id
	}
	apply(&t.Title, p.Title)
	apply(&t.RecipientName, p.RecipientName)
	apply(&t.Address, p.Address)
	apply(&t.Latitude, p.Latitude)
	apply(&t.Longitude, p.Longitude)
	apply(&t.Priority, p.Priority)
	if p.Status.Set && !p.Status.Null {
		t.Status = p.Status.V
	}
	apply(&t.AssignedTo, p.AssignedTo)
	apply(&t.Team, p.Team)
	apply(&t.ScheduledTime, p.ScheduledTime)
	apply(&t.EstimatedCompletionTime, p.EstimatedCompletionTime)
	apply(&t.ActualCompletionTime, p.ActualCompletionTime)
	return t
}

func apply[T any](dst *T, o Opt[T]) {
	if o.Set {
		*dst = o.V
	}
}

type Technician struct {
	ID          ID               `json:"id"`
	Name        string           `json:"name"`
	Team        string           `json:"team,omitempty"`
	Status      TechnicianStatus `json:"status"`
	Latitude    Coord            `json:"latitude"`
	Longitude   Coord            `json:"longitude"`
	Tasks       []Task           `json:"tasks"`
	LastUpdated Timestamp        `json:"last_updated"`
}

func (t Technician) Position() Position {
	return Position{Lat: float64(t.Latitude), Lon: float64(t.Longitude)}
}

// Clone returns a copy that shares no slices with t.
func (t Technician) Clone() Technician {
	out := t
	out.Tasks = append([]Task(nil), t.Tasks...)
	return out
}

// TechnicianPatch is an incremental technician update. The flat
// location_update broadcast decodes into the same shape.
type TechnicianPatch struct {
	ID           ID             `json:"id"`
	TechnicianID ID             `json:"technician_id"`
	Name         Opt[string]    `json:"name"`
	Team         Opt[string]    `json:"team"`
	Status       Opt[string]    `json:"status"`
	Latitude     Opt[Coord]     `json:"latitude"`
	Longitude    Opt[Coord]     `json:"longitude"`
	Tasks        []TaskPatch    `json:"tasks"`
	Timestamp    Opt[Timestamp] `json:"timestamp"`
	LastUpdated  Opt[Timestamp] `json:"last_updated"`
}

func (p TechnicianPatch) Key() ID {
	if p.ID != "" {
		return p.ID
	}
	return p.TechnicianID
}

// UpdatedAt returns the timestamp carried by the patch, if any.
func (p TechnicianPatch) UpdatedAt() (time.Time, bool) {
	if p.LastUpdated.Set && !p.LastUpdated.V.IsZero() {
		return p.LastUpdated.V.Time, true
	}
	if p.Timestamp.Set && !p.Timestamp.V.IsZero() {
		return p.Timestamp.V.Time, true
	}
	return time.Time{}, false
}

// Apply merges the scalar fields of the patch. Task lists are merged by the
// store, which owns the upsert rules.
func (p TechnicianPatch) Apply(t Technician) Technician {
	if id := p.Key(); id != "" {
		t.ID = id
	}
	apply(&t.Name, p.Name)
	apply(&t.Team, p.Team)
	if p.Status.Set {
		t.Status = ParseTechnicianStatus(p.Status.V)
	}
	apply(&t.Latitude, p.Latitude)
	apply(&t.Longitude, p.Longitude)
	return t
}

type Team struct {
	ID              ID     `json:"id"`
	Name            string `json:"name"`
	TotalDrivers    int    `json:"total_drivers"`
	ActiveDrivers   int    `json:"active_drivers"`
	UnassignedTasks int    `json:"unassigned_tasks"`
}

// Snapshot is the full dispatch payload from GET /api/dispatch-data/ and
// from full_update pushes.
type Snapshot struct {
	Teams       []Team       `json:"teams,omitempty"`
	Technicians []Technician `json:"technicians"`
	Unassigned  []Task       `json:"unassigned_tasks"`
	Assigned    []Task       `json:"assigned_tasks"`
	InTransit   []Task       `json:"in_transit_tasks"`
	Succeeded   []Task       `json:"succeeded_tasks"`
	Failed      []Task       `json:"failed_tasks"`

	// HasTechnicians is false when the payload carried no technicians key.
	HasTechnicians bool `json:"-"`
}

func (s *Snapshot) UnmarshalJSON(b []byte) error {
	var aux struct {
		Teams       []Team        `json:"teams"`
		Technicians *[]Technician `json:"technicians"`
		Unassigned  []Task        `json:"unassigned_tasks"`
		Assigned    []Task        `json:"assigned_tasks"`
		InTransit   []Task        `json:"in_transit_tasks"`
		Succeeded   []Task        `json:"succeeded_tasks"`
		Failed      []Task        `json:"failed_tasks"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return fmt.Errorf("%w: snapshot: %v", ErrMalformedPayload, err)
	}
	*s = Snapshot{
		Teams:      aux.Teams,
		Unassigned: aux.Unassigned,
		Assigned:   aux.Assigned,
		InTransit:  aux.InTransit,
		Succeeded:  aux.Succeeded,
		Failed:     aux.Failed,
	}
	if aux.Technicians != nil {
		s.Technicians = *aux.Technicians
		s.HasTechnicians = true
	}
	return nil
}

// Bucket returns the task slice for a category.
func (s *Snapshot) Bucket(status TaskStatus) *[]Task {
	switch status {
	case StatusUnassigned:
		return &s.Unassigned
	case StatusAssigned:
		return &s.Assigned
	case StatusInTransit:
		return &s.InTransit
	case StatusSucceeded:
		return &s.Succeeded
	case StatusFailed:
		return &s.Failed
	}
	return nil
}

// TaskCount returns the number of tasks across all categories.
func (s Snapshot) TaskCount() int {
	return len(s.Unassigned) + len(s.Assigned) + len(s.InTransit) + len(s.Succeeded) + len(s.Failed)
}
