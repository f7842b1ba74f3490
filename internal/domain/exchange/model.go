// Package exchange performs outbound resource calls against external
// systems. Every call is consent gated, every attempt is audited, and
// transient failures are retried with exponential backoff up to a fixed
// ceiling.
package exchange

import (
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/interop/internal/domain/consent"
	"github.com/ehr/interop/internal/platform/hl7v2"
	"github.com/ehr/interop/internal/platform/mapping"
)

type Operation string

const (
	OpCreate Operation = "create"
	OpRead   Operation = "read"
	OpUpdate Operation = "update"
	OpSearch Operation = "search"
	// OpSend delivers a segmented message.
	OpSend Operation = "send"
)

// Request is one logical outbound call.
type Request struct {
	System    string
	Entity    string
	EntityID  *uuid.UUID
	PatientID string
	Purpose   consent.Purpose
	// Attributes are the domain values sent by create and update.
	Attributes mapping.Attributes
	// ResourceID is the remote id for read and update.
	ResourceID string
	// Version, when set, guards an update with If-Match.
	Version string
	Query   url.Values
	// Trigger overrides the event of a sent message, e.g. A08.
	Trigger string
	// Instances are sent as repeated segments in place of Attributes.
	Instances []mapping.Attributes
	// Consent overrides the client's consent snapshot for this call.
	Consent       consent.Snapshot
	CorrelationID uuid.UUID
}

// Response is the result of a successful call.
type Response struct {
	CorrelationID uuid.UUID            `json:"correlation_id"`
	Attempts      int                  `json:"attempts"`
	StatusCode    int                  `json:"status_code"`
	ResourceType  string               `json:"resource_type"`
	ResourceID    string               `json:"resource_id,omitempty"`
	VersionID     string               `json:"version_id,omitempty"`
	Attributes    mapping.Attributes   `json:"attributes,omitempty"`
	Results       []mapping.Attributes `json:"results,omitempty"`
	Total         int                  `json:"total,omitempty"`
	Resource      *Resource            `json:"exchanged_resource,omitempty"`
	// ControlID and Ack describe a sent message.
	ControlID string     `json:"control_id,omitempty"`
	Ack       *hl7v2.Ack `json:"ack,omitempty"`
	// Skipped lists the fields that could not be translated. The call
	// succeeded without them.
	Skipped []string `json:"skipped,omitempty"`
}

// Resource is the local record of a remote resource instance. It is
// created on the first successful exchange and updated on later ones.
type Resource struct {
	ID           uuid.UUID  `json:"id"`
	SystemID     uuid.UUID  `json:"system_id"`
	ResourceType string     `json:"resource_type"`
	ExternalID   string     `json:"external_id"`
	Entity       string     `json:"entity"`
	EntityID     *uuid.UUID `json:"entity_id,omitempty"`
	VersionID    string     `json:"version_id,omitempty"`
	Valid        bool       `json:"valid"`
	SyncedAt     time.Time  `json:"synced_at"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Revision preserves the state a Resource had before an update.
type Revision struct {
	ResourceID   uuid.UUID `json:"resource_id"`
	VersionID    string    `json:"version_id,omitempty"`
	Valid        bool      `json:"valid"`
	SyncedAt     time.Time `json:"synced_at"`
	SupersededAt time.Time `json:"superseded_at"`
}
