// Package mapping translates between domain attributes and the two wire
// formats (segmented HL7v2 fields and FHIR resource JSON) using declarative
// rules. Rules are validated when a Catalog is built; at exchange time the
// Engine only reads them.
package mapping

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Format is a wire format.
type Format string

const (
	FormatHL7v2 Format = "hl7v2"
	FormatFHIR  Format = "fhir-json"
)

// Direction says which way a rule set translates.
type Direction string

const (
	// Inbound populates domain attributes from wire input.
	Inbound Direction = "inbound"
	// Outbound produces wire output from domain attributes.
	Outbound Direction = "outbound"
	// Both registers the rule set for both directions.
	Both Direction = "both"
)

// ValueType is the JSON type written for a FHIR value.
type ValueType string

const (
	TypeString  ValueType = "string"
	TypeNumber  ValueType = "number"
	TypeBoolean ValueType = "boolean"
)

// Attributes are the flat domain attribute values of one entity.
type Attributes map[string]string

// Rule maps one domain attribute to one wire location.
type Rule struct {
	Attribute string    `yaml:"attribute"`
	Path      string    `yaml:"path"`
	Transform string    `yaml:"transform,omitempty"`
	Type      ValueType `yaml:"type,omitempty"`
	Required  bool      `yaml:"required,omitempty"`
	// Constant is written on outbound instead of an attribute value.
	Constant string `yaml:"constant,omitempty"`
}

// RuleSet groups the rules of one (entity, format, direction) key.
type RuleSet struct {
	Entity        string    `yaml:"entity"`
	Format        Format    `yaml:"format"`
	Direction     Direction `yaml:"direction"`
	ResourceType  string    `yaml:"resource_type,omitempty"`
	RepeatSegment string    `yaml:"repeat_segment,omitempty"`
	Rules         []Rule    `yaml:"rules"`
}

// Key identifies the rules applicable to one translation.
type Key struct {
	Entity    string
	Format    Format
	Direction Direction
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Entity, k.Format, k.Direction)
}

// Coordinate addresses a segment field or component: PV1-3 or PV1-3.1.
type Coordinate struct {
	Segment   string
	Field     int
	Component int // 0 addresses the whole field
}

var coordinatePattern = regexp.MustCompile(`^([A-Z][A-Z0-9]{2})-(\d+)(?:\.(\d+))?$`)

// ParseCoordinate parses an HL7v2 wire coordinate.
func ParseCoordinate(s string) (Coordinate, error) {
	m := coordinatePattern.FindStringSubmatch(s)
	if m == nil {
		return Coordinate{}, fmt.Errorf("invalid segment coordinate %q", s)
	}
	c := Coordinate{Segment: m[1]}
	c.Field, _ = strconv.Atoi(m[2])
	if m[3] != "" {
		c.Component, _ = strconv.Atoi(m[3])
	}
	if c.Field < 1 || (m[3] != "" && c.Component < 1) {
		return Coordinate{}, fmt.Errorf("invalid segment coordinate %q: indices are 1-based", s)
	}
	if c.Segment == "MSH" && c.Field <= 2 {
		return Coordinate{}, fmt.Errorf("invalid segment coordinate %q: MSH-1 and MSH-2 are encoding fields", s)
	}
	return c, nil
}

func (c Coordinate) String() string {
	if c.Component == 0 {
		return fmt.Sprintf("%s-%d", c.Segment, c.Field)
	}
	return fmt.Sprintf("%s-%d.%d", c.Segment, c.Field, c.Component)
}

// overlaps reports whether two coordinates write the same value: a whole-field
// rule and a component rule on the same field overlap.
func (c Coordinate) overlaps(o Coordinate) bool {
	if c.Segment != o.Segment || c.Field != o.Field {
		return false
	}
	return c.Component == 0 || o.Component == 0 || c.Component == o.Component
}

// Path addresses a value inside resource JSON: a.b[0].c
type Path []step

type step struct {
	Key   string
	Index int // -1 when the step is not indexed
}

var stepPattern = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)(?:\[(\d+)\])?$`)

// ParsePath parses a resource JSON path.
func ParsePath(s string) (Path, error) {
	if s == "" {
		return nil, fmt.Errorf("empty resource path")
	}
	var p Path
	for _, part := range strings.Split(s, ".") {
		m := stepPattern.FindStringSubmatch(part)
		if m == nil {
			return nil, fmt.Errorf("invalid resource path %q at %q", s, part)
		}
		st := step{Key: m[1], Index: -1}
		if m[2] != "" {
			st.Index, _ = strconv.Atoi(m[2])
		}
		p = append(p, st)
	}
	if p[0].Key == "resourceType" {
		return nil, fmt.Errorf("resource path %q: resourceType is set from the rule set", s)
	}
	return p, nil
}

func (p Path) String() string {
	parts := make([]string, len(p))
	for i, st := range p {
		if st.Index >= 0 {
			parts[i] = fmt.Sprintf("%s[%d]", st.Key, st.Index)
		} else {
			parts[i] = st.Key
		}
	}
	return strings.Join(parts, ".")
}

// overlaps reports whether writing p and o would touch the same value: one
// is equal to, or a prefix of, the other.
func (p Path) overlaps(o Path) bool {
	n := min(len(p), len(o))
	for i := 0; i < n; i++ {
		if p[i].Key != o[i].Key {
			return false
		}
		if i < n-1 && p[i].Index != o[i].Index {
			return false
		}
		if i == n-1 && p[i].Index != o[i].Index && p[i].Index >= 0 && o[i].Index >= 0 {
			return false
		}
	}
	return true
}
