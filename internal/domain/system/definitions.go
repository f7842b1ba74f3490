package system

import (
	"fmt"

	"github.com/spf13/viper"
)

// Definition is one entry of the systems file.
type Definition struct {
	Name            string `mapstructure:"name"`
	Kind            string `mapstructure:"kind"`
	BaseURL         string `mapstructure:"base_url"`
	ProtocolVersion string `mapstructure:"protocol_version"`
	AuthScheme      string `mapstructure:"auth_scheme"`
	CredentialRef   string `mapstructure:"credential_ref"`
	Internal        bool   `mapstructure:"internal"`
	FieldSep        string `mapstructure:"field_separator"`
	ComponentSep    string `mapstructure:"component_separator"`
	SegmentTerm     string `mapstructure:"segment_terminator"`
	MaxConcurrency  int    `mapstructure:"max_concurrency"`
	Active          *bool  `mapstructure:"active"`
}

// System converts the definition. Systems are active unless the file says
// otherwise.
func (d Definition) System() *System {
	active := true
	if d.Active != nil {
		active = *d.Active
	}
	scheme := AuthScheme(d.AuthScheme)
	if scheme == "" {
		scheme = AuthNone
	}
	return &System{
		Name:            d.Name,
		Kind:            Kind(d.Kind),
		BaseURL:         d.BaseURL,
		ProtocolVersion: d.ProtocolVersion,
		AuthScheme:      scheme,
		CredentialRef:   d.CredentialRef,
		Internal:        d.Internal,
		FieldSep:        d.FieldSep,
		ComponentSep:    d.ComponentSep,
		SegmentTerm:     d.SegmentTerm,
		MaxConcurrency:  d.MaxConcurrency,
		Active:          active,
	}
}

// LoadDefinitions reads the "systems" list from a YAML, JSON or TOML file
// and validates every entry.
func LoadDefinitions(path string) ([]*System, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("system: read %s: %w", path, err)
	}
	var defs []Definition
	if err := v.UnmarshalKey("systems", &defs); err != nil {
		return nil, fmt.Errorf("system: decode %s: %w", path, err)
	}

	seen := make(map[string]bool, len(defs))
	out := make([]*System, 0, len(defs))
	for _, d := range defs {
		s := d.System()
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("system: %s is defined twice", s.Name)
		}
		seen[s.Name] = true
		out = append(out, s)
	}
	return out, nil
}
