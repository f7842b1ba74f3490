package system

import (
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/interop/internal/platform/hl7v2"
)

// Kind classifies a counterparty.
type Kind string

const (
	KindRecordSystem Kind = "record-system"
	KindLaboratory   Kind = "laboratory"
	KindPharmacy     Kind = "pharmacy"
	KindOther        Kind = "other"
)

var validKinds = map[Kind]bool{
	KindRecordSystem: true,
	KindLaboratory:   true,
	KindPharmacy:     true,
	KindOther:        true,
}

// Connectivity is the last known reachability of a counterparty.
type Connectivity string

const (
	ConnUnknown      Connectivity = "unknown"
	ConnConnected    Connectivity = "connected"
	ConnDisconnected Connectivity = "disconnected"
	ConnError        Connectivity = "error"
)

// AuthScheme says how the credential is presented on outbound calls.
type AuthScheme string

const (
	AuthNone   AuthScheme = "none"
	AuthBearer AuthScheme = "bearer"
	AuthAPIKey AuthScheme = "api_key"
)

// System is a remote counterparty. Systems are created by configuration
// sync, never deleted, only deactivated.
type System struct {
	ID              uuid.UUID    `json:"id"`
	Name            string       `json:"name"`
	Kind            Kind         `json:"kind"`
	BaseURL         string       `json:"base_url"`
	ProtocolVersion string       `json:"protocol_version"`
	AuthScheme      AuthScheme   `json:"auth_scheme"`
	CredentialRef   string       `json:"-"`
	Internal        bool         `json:"internal"`
	FieldSep        string       `json:"field_separator,omitempty"`
	ComponentSep    string       `json:"component_separator,omitempty"`
	SegmentTerm     string       `json:"segment_terminator,omitempty"`
	MaxConcurrency  int          `json:"max_concurrency"`
	Active          bool         `json:"active"`
	Connectivity    Connectivity `json:"connectivity"`
	LastConnectedAt *time.Time   `json:"last_connected_at,omitempty"`
	LastProbeAt     *time.Time   `json:"last_probe_at,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Delimiters returns the segmented-message encoding used by the system,
// falling back to the conventional characters for unset fields.
func (s *System) Delimiters() hl7v2.Delimiters {
	d := hl7v2.DefaultDelimiters()
	if len(s.FieldSep) == 1 {
		d.Field = s.FieldSep[0]
	}
	if len(s.ComponentSep) == 1 {
		d.Component = s.ComponentSep[0]
	}
	if s.SegmentTerm != "" {
		d.Segment = s.SegmentTerm
	}
	return d
}

// Validate checks a definition before it is stored.
func (s *System) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("system: name is required")
	}
	if !validKinds[s.Kind] {
		return fmt.Errorf("system %s: invalid kind %q", s.Name, s.Kind)
	}
	if s.BaseURL != "" {
		u, err := url.Parse(s.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("system %s: base_url must be an absolute http(s) URL", s.Name)
		}
	}
	switch s.AuthScheme {
	case AuthNone, "":
	case AuthBearer, AuthAPIKey:
		if s.CredentialRef == "" {
			return fmt.Errorf("system %s: auth scheme %s needs a credential reference", s.Name, s.AuthScheme)
		}
	default:
		return fmt.Errorf("system %s: invalid auth scheme %q", s.Name, s.AuthScheme)
	}
	for label, v := range map[string]string{"field_separator": s.FieldSep, "component_separator": s.ComponentSep} {
		if len(v) > 1 {
			return fmt.Errorf("system %s: %s must be a single character", s.Name, label)
		}
	}
	if s.MaxConcurrency < 0 {
		return fmt.Errorf("system %s: max_concurrency cannot be negative", s.Name)
	}
	return nil
}
