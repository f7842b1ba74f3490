// Package clinical holds the domain entities the exchange engine creates
// and updates from inbound messages: admissions, observations and orders.
// Entities are identified by a natural key derived from their attributes
// so that repeated or corrected messages update rather than duplicate.
package clinical

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/interop/internal/platform/mapping"
)

// Entity names match the mapping rule sets.
const (
	Admission   = "admission"
	Observation = "observation"
	Order       = "order"
)

var ErrNoKey = errors.New("clinical: entity has no natural key")

// Entity is one domain record.
type Entity struct {
	ID              uuid.UUID          `json:"id"`
	Kind            string             `json:"kind"`
	Key             string             `json:"key"`
	PatientID       string             `json:"patient_id"`
	SystemID        uuid.UUID          `json:"system_id"`
	Attributes      mapping.Attributes `json:"attributes"`
	Version         int                `json:"version"`
	SourceMessageID *uuid.UUID         `json:"source_message_id,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// New builds an unsaved entity and derives its key.
func New(kind string, systemID uuid.UUID, attrs mapping.Attributes) (*Entity, error) {
	key, err := KeyOf(kind, attrs)
	if err != nil {
		return nil, err
	}
	return &Entity{
		Kind:       kind,
		Key:        key,
		PatientID:  attrs["patient_id"],
		SystemID:   systemID,
		Attributes: attrs,
	}, nil
}

// KeyOf derives the natural key of an entity.
//
//	admission    visit number, else patient and admit time
//	observation  patient, code, order number, observation time and sequence
//	order        placer order number
func KeyOf(kind string, a mapping.Attributes) (string, error) {
	var parts []string
	required := 1
	switch kind {
	case Admission:
		if v := a["visit_number"]; v != "" {
			return "visit:" + v, nil
		}
		parts, required = []string{a["patient_id"], a["admitted_at"]}, 2
	case Observation:
		order := a["order_number"]
		if order == "" {
			order = a["placer_order"]
		}
		parts, required = []string{a["patient_id"], a["code"], order, a["observed_at"], a["sequence"]}, 2
	case Order:
		parts = []string{a["placer_order"]}
	default:
		return "", fmt.Errorf("clinical: unknown entity kind %q", kind)
	}
	for _, p := range parts[:required] {
		if p == "" {
			return "", fmt.Errorf("%w: %s", ErrNoKey, kind)
		}
	}
	return strings.Join(parts, "|"), nil
}

// merge overlays incoming attributes on the stored ones. Absent attributes
// keep their previous values.
func merge(stored, incoming mapping.Attributes) mapping.Attributes {
	out := make(mapping.Attributes, len(stored)+len(incoming))
	for k, v := range stored {
		out[k] = v
	}
	for k, v := range incoming {
		out[k] = v
	}
	return out
}

// changed reports whether applying incoming would alter stored.
func changed(stored, incoming mapping.Attributes) bool {
	for k, v := range incoming {
		if stored[k] != v {
			return true
		}
	}
	return false
}
