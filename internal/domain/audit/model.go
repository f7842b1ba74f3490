// Package audit is the append-only record of every exchange attempt. A
// Transaction row is written for each attempt whatever its outcome, and
// rows are never updated or deleted.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/interop/internal/domain/consent"
	"github.com/ehr/interop/internal/platform/faults"
)

type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Outcome is "success" or the failure category of the attempt.
type Outcome string

const OutcomeSuccess Outcome = "success"

// OutcomeOf maps an attempt error onto its recorded outcome.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	return Outcome(faults.CategoryOf(err))
}

// Transaction documents one attempted exchange. The payload itself is not
// stored, only its hash and size.
type Transaction struct {
	ID            uuid.UUID       `json:"id"`
	Direction     Direction       `json:"direction"`
	SystemID      uuid.UUID       `json:"system_id"`
	SystemName    string          `json:"system_name"`
	Operation     string          `json:"operation"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	MessageID     *uuid.UUID      `json:"message_id,omitempty"`
	Attempt       int             `json:"attempt"`
	PayloadHash   string          `json:"payload_hash,omitempty"`
	PayloadSize   int             `json:"payload_size"`
	Consent       consent.Outcome `json:"consent"`
	Outcome       Outcome         `json:"outcome"`
	StatusCode    int             `json:"status_code,omitempty"`
	Detail        string          `json:"detail,omitempty"`
	Latency       time.Duration   `json:"latency_ns"`
	RecordedAt    time.Time       `json:"recorded_at"`
}

// Succeeded reports whether the attempt completed.
func (t *Transaction) Succeeded() bool { return t.Outcome == OutcomeSuccess }

// HashPayload returns the hex sha256 of payload, or "" for an empty one.
func HashPayload(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Query selects transactions for compliance review. Zero fields do not
// filter.
type Query struct {
	SystemID      *uuid.UUID
	Direction     Direction
	Outcome       Outcome
	CorrelationID *uuid.UUID
	MessageID     *uuid.UUID
	Since         *time.Time
	Until         *time.Time
	Limit         int
	Offset        int
}

func (q Query) matches(t *Transaction) bool {
	switch {
	case q.SystemID != nil && t.SystemID != *q.SystemID:
		return false
	case q.Direction != "" && t.Direction != q.Direction:
		return false
	case q.Outcome != "" && t.Outcome != q.Outcome:
		return false
	case q.CorrelationID != nil && t.CorrelationID != *q.CorrelationID:
		return false
	case q.MessageID != nil && (t.MessageID == nil || *t.MessageID != *q.MessageID):
		return false
	case q.Since != nil && t.RecordedAt.Before(*q.Since):
		return false
	case q.Until != nil && !t.RecordedAt.Before(*q.Until):
		return false
	}
	return true
}
