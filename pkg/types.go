package pkg

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// Role describes what a user account can do.  Nurses manage patient
// accounts; patients chat with the assistant.
type Role string

const (
	RoleNurse   Role = "nurse"
	RolePatient Role = "patient"
)

// MedsSignal is the last known medication-adherence signal for a patient.
type MedsSignal string

const (
	MedsTook    MedsSignal = "took"
	MedsSkipped MedsSignal = "skipped"
	MedsUnknown MedsSignal = "unknown"
)

// Clinic groups users.  Every deployment has at least the default clinic,
// created lazily on first use.
type Clinic struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// User is a nurse or patient account.  PinHash is never serialized.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Role      Role      `json:"role"`
	ClinicID  *string   `json:"clinic_id,omitempty"`
	PinHash   string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PatientProfile holds the slow-changing facts a nurse records about a
// patient.  The JSON columns accept a string, a list of strings, or an
// arbitrary object, so they are modeled as FlexValue.
type PatientProfile struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	ClinicID    *string   `json:"clinic_id,omitempty"`
	Diseases    FlexValue `json:"diseases,omitempty"`
	Medications FlexValue `json:"medications,omitempty"`
	Religion    *string   `json:"religion,omitempty"`
	Family      FlexValue `json:"family,omitempty"`
	Preferences FlexValue `json:"preferences,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PatientStatus is the fast-changing daily state of a patient.
type PatientStatus struct {
	ID               string     `json:"id"`
	PatientProfileID string     `json:"patient_profile_id"`
	LastActiveAt     *time.Time `json:"last_active_at,omitempty"`
	LastMood         *string    `json:"last_mood,omitempty"`
	MedsSignal       MedsSignal `json:"meds_signal"`
	Concerns         FlexValue  `json:"concerns,omitempty"`
	LastCheckInAt    *time.Time `json:"last_check_in_at,omitempty"`
	DailySummary     *string    `json:"daily_summary,omitempty"`
	DailySummaryDate *time.Time `json:"daily_summary_date,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// PatientForSelector is the shape the chat layer consumes: identity plus
// whatever profile/status rows exist.  Profile and Status default to unset
// rather than error.
type PatientForSelector struct {
	UserID   string          `json:"userId"`
	Username string          `json:"username"`
	Profile  *PatientProfile `json:"profile,omitempty"`
	Status   *PatientStatus  `json:"status,omitempty"`
}

// Chat is a persisted conversation owned by a user.
type Chat struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// MessagePart is one typed fragment of a chat message.  The chat wire
// format uses "text", "reasoning" and "source" part types.
type MessagePart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
}

// ChatMessage is a single turn in a conversation.  Part order is preserved
// end to end; the server never reorders messages supplied by the caller.
type ChatMessage struct {
	ID        string        `json:"id,omitempty"`
	Role      string        `json:"role"`
	Parts     []MessagePart `json:"parts"`
	CreatedAt time.Time     `json:"created_at,omitempty"`
}

// Text joins the text parts of a message in order.
func (m ChatMessage) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// FlexKind tags the three shapes a loosely-typed profile field can take.
type FlexKind int

const (
	FlexAbsent FlexKind = iota
	FlexScalar
	FlexList
	FlexStructured
)

// FlexValue models a JSON column that may hold a plain string, a list of
// strings, or an arbitrary object.  Each shape has exactly one rendering
// rule: scalar as-is, list comma-joined, structured as its canonical JSON
// serialization.  The zero value is absent and renders to "".
type FlexValue struct {
	kind   FlexKind
	scalar string
	list   []string
	raw    json.RawMessage
}

// Scalar builds a scalar FlexValue.  An empty string stays absent so that
// blank form fields contribute no prompt line.
func Scalar(s string) FlexValue {
	if s == "" {
		return FlexValue{}
	}
	return FlexValue{kind: FlexScalar, scalar: s}
}

// List builds a list FlexValue.
func List(items ...string) FlexValue {
	if len(items) == 0 {
		return FlexValue{}
	}
	return FlexValue{kind: FlexList, list: items}
}

// Structured builds a FlexValue from raw JSON.
func Structured(raw json.RawMessage) FlexValue {
	if len(raw) == 0 {
		return FlexValue{}
	}
	return FlexValue{kind: FlexStructured, raw: raw}
}

// Kind reports which variant the value holds.
func (v FlexValue) Kind() FlexKind { return v.kind }

// IsZero reports whether the value is absent.
func (v FlexValue) IsZero() bool { return v.kind == FlexAbsent }

// Render produces the single-line prompt representation of the value.
func (v FlexValue) Render() string {
	switch v.kind {
	case FlexScalar:
		return v.scalar
	case FlexList:
		return strings.Join(v.list, ", ")
	case FlexStructured:
		compact := &bytes.Buffer{}
		if err := json.Compact(compact, v.raw); err != nil {
			return string(v.raw)
		}
		return compact.String()
	default:
		return ""
	}
}

// UnmarshalJSON classifies the incoming JSON once, instead of probing the
// decoded value at every use site.
func (v *FlexValue) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*v = FlexValue{}
		return nil
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*v = Scalar(s)
		return nil
	case '[':
		var items []string
		if err := json.Unmarshal(trimmed, &items); err == nil {
			*v = List(items...)
			return nil
		}
		// a list of non-strings is still structured data
		*v = Structured(append(json.RawMessage(nil), trimmed...))
		return nil
	default:
		*v = Structured(append(json.RawMessage(nil), trimmed...))
		return nil
	}
}

// MarshalJSON writes the value back in its original shape.
func (v FlexValue) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case FlexScalar:
		return json.Marshal(v.scalar)
	case FlexList:
		return json.Marshal(v.list)
	case FlexStructured:
		return v.raw, nil
	default:
		return []byte("null"), nil
	}
}
