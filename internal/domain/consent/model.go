// Package consent decides whether patient data may cross the exchange
// boundary for a given purpose. Decisions are computed from a snapshot of
// consent records supplied by the caller; this package never writes audit
// rows and never mutates consent state.
package consent

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/interop/internal/platform/faults"
)

// Wildcard matches any value in a scope field.
const Wildcard = "*"

// Status is the lifecycle state of a consent record.
type Status string

const (
	StatusGranted Status = "granted"
	StatusRevoked Status = "revoked"
	StatusExpired Status = "expired"
)

// Purpose uses.
const (
	UseTreatment  = "treatment"
	UseOperations = "operations"
)

// Scope names the data category and purpose of use a record covers.
type Scope struct {
	DataCategory string `json:"data_category"`
	Purpose      string `json:"purpose"`
}

// Record is one consent decision for a patient.
type Record struct {
	ID            uuid.UUID  `json:"id"`
	PatientID     string     `json:"patient_id"`
	Scope         Scope      `json:"scope"`
	Status        Status     `json:"status"`
	EffectiveFrom time.Time  `json:"effective_from"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty"`
	DecidedAt     time.Time  `json:"decided_at"`
}

// EffectiveAt reports whether the record's validity period contains t. The
// period is closed at the start and open at the end.
func (r Record) EffectiveAt(t time.Time) bool {
	if t.Before(r.EffectiveFrom) {
		return false
	}
	return r.EffectiveTo == nil || t.Before(*r.EffectiveTo)
}

// Purpose is what an exchange wants to do with the data.
type Purpose struct {
	Use          string `json:"use"`
	DataCategory string `json:"data_category"`
}

// Outcome is the recorded result of a consent evaluation.
type Outcome string

const (
	Allowed Outcome = "allowed"
	Denied  Outcome = "denied"
	Unknown Outcome = "unknown"
	// NotRequired marks exchanges with system-internal counterparties.
	NotRequired Outcome = "not_required"
	// NotEvaluated marks attempts that failed before the consent step.
	NotEvaluated Outcome = "not_evaluated"
)

// Decision is the result of a consent check.
type Decision struct {
	Outcome  Outcome    `json:"outcome"`
	RecordID *uuid.UUID `json:"record_id,omitempty"`
	Reason   string     `json:"reason,omitempty"`
}

// Permits reports whether the exchange may proceed.
func (d Decision) Permits() bool {
	return d.Outcome == Allowed || d.Outcome == NotRequired
}

// Err converts a refusing decision into its categorized error. Permitting
// decisions return nil.
func (d Decision) Err() error {
	switch d.Outcome {
	case Allowed, NotRequired:
		return nil
	case Denied:
		return faults.New(faults.ConsentDenied, "%s", d.Reason)
	default:
		return faults.New(faults.ConsentUnknown, "%s", d.Reason)
	}
}
