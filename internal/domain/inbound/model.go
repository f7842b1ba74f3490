// Package inbound owns the lifecycle of messages received from external
// systems: parse, validate, consent check, dispatch to the handler of the
// message kind, and acknowledgment. Every processing attempt of a message
// is its own record and leaves one audit row.
package inbound

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/interop/internal/platform/faults"
)

type Format string

const (
	FormatHL7v2 Format = "hl7v2"
	FormatFHIR  Format = "fhir-json"
)

// ContentType is the media type archived with payloads of the format.
func (f Format) ContentType() string {
	if f == FormatFHIR {
		return "application/fhir+json"
	}
	return "x-application/hl7-v2+er7"
}

// Status is the processing state of one attempt.
type Status string

const (
	StatusReceived       Status = "received"
	StatusParsed         Status = "parsed"
	StatusConsentChecked Status = "consent_checked"
	StatusDispatched     Status = "dispatched"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
)

var statusOrder = map[Status]int{
	StatusReceived:       0,
	StatusParsed:         1,
	StatusConsentChecked: 2,
	StatusDispatched:     3,
	StatusCompleted:      4,
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanMoveTo reports whether the transition s -> to is allowed. Statuses
// only move forward one step at a time; any non-terminal status may fail.
func (s Status) CanMoveTo(to Status) bool {
	from, ok := statusOrder[s]
	if !ok {
		return false
	}
	if to == StatusFailed {
		return !s.Terminal()
	}
	next, ok := statusOrder[to]
	return ok && next == from+1
}

// Kind is the closed set of message kinds the router dispatches on.
type Kind int

const (
	KindUnrecognized Kind = iota
	KindAdmission
	KindObservation
	KindOrder

	kindCount
)

var kindNames = [kindCount]string{
	KindUnrecognized: "unrecognized",
	KindAdmission:    "admission",
	KindObservation:  "observation",
	KindOrder:        "order",
}

// String is the entity name used by the mapping rules.
func (k Kind) String() string {
	if k < 0 || k >= kindCount {
		return kindNames[KindUnrecognized]
	}
	return kindNames[k]
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	*k = kindByName(string(b))
	return nil
}

func kindByName(name string) Kind {
	for k, n := range kindNames {
		if n == name {
			return Kind(k)
		}
	}
	return KindUnrecognized
}

// kindOfHL7 classifies a message by its MSH-9.1 code.
func kindOfHL7(code string) Kind {
	switch strings.ToUpper(code) {
	case "ADT":
		return KindAdmission
	case "ORU":
		return KindObservation
	case "ORM", "OML":
		return KindOrder
	}
	return KindUnrecognized
}

// Message is one received payload. Its bytes never change after receipt.
type Message struct {
	ID          uuid.UUID `json:"id"`
	SystemID    uuid.UUID `json:"system_id"`
	SystemName  string    `json:"system_name"`
	Format      Format    `json:"format"`
	ContentHash string    `json:"content_hash"`
	Size        int       `json:"size"`
	Raw         []byte    `json:"-"`
	ReceivedAt  time.Time `json:"received_at"`
}

// Attempt is one pass of a message through the state machine. Reprocessing
// adds a new attempt; earlier attempts are never modified once terminal.
type Attempt struct {
	ID              uuid.UUID       `json:"id"`
	MessageID       uuid.UUID       `json:"message_id"`
	Number          int             `json:"number"`
	Status          Status          `json:"status"`
	Kind            Kind            `json:"kind"`
	MessageType     string          `json:"message_type,omitempty"`
	ControlID       string          `json:"control_id,omitempty"`
	PatientID       string          `json:"patient_id,omitempty"`
	CorrelationID   uuid.UUID       `json:"correlation_id"`
	Structure       json.RawMessage `json:"structure,omitempty"`
	FailureCategory faults.Category `json:"failure_category,omitempty"`
	FailureReason   string          `json:"failure_reason,omitempty"`
	EntityIDs       []uuid.UUID     `json:"entity_ids,omitempty"`
	Version         int             `json:"version"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

func newAttempt(messageID uuid.UUID, number int, correlation uuid.UUID, now time.Time) *Attempt {
	if correlation == uuid.Nil {
		correlation = uuid.New()
	}
	return &Attempt{
		ID:            uuid.New(),
		MessageID:     messageID,
		Number:        number,
		Status:        StatusReceived,
		CorrelationID: correlation,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Reprocessed is returned by a reprocess request: the new attempt and why
// the previous one failed.
type Reprocessed struct {
	Attempt       *Attempt        `json:"attempt"`
	PriorCategory faults.Category `json:"prior_failure_category"`
	PriorReason   string          `json:"prior_failure_reason"`
}
