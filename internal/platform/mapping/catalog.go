package mapping

import (
	"errors"
	"fmt"
	"sort"
)

type compiledRule struct {
	Rule
	coord     Coordinate
	path      Path
	transform Transform
}

func (r compiledRule) destination(d Direction) string {
	if d == Inbound {
		return r.Attribute
	}
	return r.Path
}

type compiledSet struct {
	key           Key
	resourceType  string
	repeatSegment string
	rules         []compiledRule
}

// Catalog is an immutable, validated collection of rule sets.
type Catalog struct {
	sets map[Key]*compiledSet
}

var knownTypes = map[ValueType]bool{"": true, TypeString: true, TypeNumber: true, TypeBoolean: true}

// NewCatalog validates and compiles rule sets. Sets sharing a key are
// merged. Every problem is reported, joined into one error.
func NewCatalog(sets []RuleSet) (*Catalog, error) {
	c := &Catalog{sets: make(map[Key]*compiledSet)}
	var errs []error

	for i, rs := range sets {
		where := fmt.Sprintf("rule set %d (%s/%s)", i+1, rs.Entity, rs.Format)
		if rs.Entity == "" {
			errs = append(errs, fmt.Errorf("%s: entity is required", where))
			continue
		}
		if rs.Format != FormatHL7v2 && rs.Format != FormatFHIR {
			errs = append(errs, fmt.Errorf("%s: unknown format %q", where, rs.Format))
			continue
		}
		if rs.Format == FormatFHIR && rs.ResourceType == "" {
			errs = append(errs, fmt.Errorf("%s: resource_type is required for %s", where, FormatFHIR))
		}
		var dirs []Direction
		switch rs.Direction {
		case Inbound, Outbound:
			dirs = []Direction{rs.Direction}
		case Both:
			dirs = []Direction{Inbound, Outbound}
		default:
			errs = append(errs, fmt.Errorf("%s: unknown direction %q", where, rs.Direction))
			continue
		}

		for _, dir := range dirs {
			key := Key{Entity: rs.Entity, Format: rs.Format, Direction: dir}
			cs, ok := c.sets[key]
			if !ok {
				cs = &compiledSet{key: key, resourceType: rs.ResourceType, repeatSegment: rs.RepeatSegment}
				c.sets[key] = cs
			}
			if cs.resourceType != rs.ResourceType {
				errs = append(errs, fmt.Errorf("%s: resource_type %q conflicts with %q", key, rs.ResourceType, cs.resourceType))
			}
			if cs.repeatSegment != rs.RepeatSegment {
				errs = append(errs, fmt.Errorf("%s: repeat_segment %q conflicts with %q", key, rs.RepeatSegment, cs.repeatSegment))
			}
			for j, r := range rs.Rules {
				if r.Constant != "" && dir == Inbound {
					continue
				}
				cr, err := compileRule(rs.Format, dir, r)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: rule %d: %w", key, j+1, err))
					continue
				}
				if other, clash := cs.conflict(cr); clash {
					errs = append(errs, fmt.Errorf("%s: rule %d: %q conflicts with rule for %q (both write %s)",
						key, j+1, cr.Attribute+cr.Constant, other.Attribute+other.Constant, cr.destination(dir)))
					continue
				}
				cs.rules = append(cs.rules, cr)
			}
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("mapping: invalid rules: %w", errors.Join(errs...))
	}
	return c, nil
}

func compileRule(f Format, dir Direction, r Rule) (compiledRule, error) {
	cr := compiledRule{Rule: r}
	if r.Attribute == "" && r.Constant == "" {
		return cr, errors.New("attribute or constant is required")
	}
	if r.Attribute != "" && r.Constant != "" {
		return cr, errors.New("attribute and constant are mutually exclusive")
	}
	if !knownTypes[r.Type] {
		return cr, fmt.Errorf("unknown value type %q", r.Type)
	}

	var err error
	switch f {
	case FormatHL7v2:
		if r.Type != "" && r.Type != TypeString {
			return cr, fmt.Errorf("value type %q is not supported for %s", r.Type, f)
		}
		cr.coord, err = ParseCoordinate(r.Path)
	case FormatFHIR:
		cr.path, err = ParsePath(r.Path)
	}
	if err != nil {
		return cr, err
	}

	t, ok := LookupTransform(r.Transform)
	if !ok {
		return cr, fmt.Errorf("unknown transform %q", r.Transform)
	}
	if !t.Supports(dir) {
		return cr, fmt.Errorf("transform %q does not support %s", t.Name, dir)
	}
	cr.transform = t
	return cr, nil
}

// conflict finds an existing rule writing the same destination as r.
func (cs *compiledSet) conflict(r compiledRule) (compiledRule, bool) {
	for _, o := range cs.rules {
		switch {
		case cs.key.Direction == Inbound:
			if o.Attribute == r.Attribute {
				return o, true
			}
		case cs.key.Format == FormatHL7v2:
			if o.coord.overlaps(r.coord) {
				return o, true
			}
		default:
			if o.path.overlaps(r.path) {
				return o, true
			}
		}
	}
	return compiledRule{}, false
}

func (c *Catalog) lookup(entity string, f Format, d Direction) (*compiledSet, bool) {
	cs, ok := c.sets[Key{Entity: entity, Format: f, Direction: d}]
	return cs, ok
}

// Has reports whether rules exist for the key.
func (c *Catalog) Has(entity string, f Format, d Direction) bool {
	_, ok := c.lookup(entity, f, d)
	return ok
}

// ResourceType returns the FHIR resource type the entity maps to.
func (c *Catalog) ResourceType(entity string) string {
	for _, d := range []Direction{Outbound, Inbound} {
		if cs, ok := c.lookup(entity, FormatFHIR, d); ok {
			return cs.resourceType
		}
	}
	return ""
}

// EntityForResource returns the entity whose inbound FHIR rules accept
// resourceType.
func (c *Catalog) EntityForResource(resourceType string) (string, bool) {
	for _, k := range c.Keys() {
		if k.Format == FormatFHIR && k.Direction == Inbound && c.sets[k].resourceType == resourceType {
			return k.Entity, true
		}
	}
	return "", false
}

// RepeatSegment returns the segment iterated per entity instance for the
// entity's inbound HL7v2 rules, or "".
func (c *Catalog) RepeatSegment(entity string) string {
	if cs, ok := c.lookup(entity, FormatHL7v2, Inbound); ok {
		return cs.repeatSegment
	}
	return ""
}

// Keys lists the catalog keys in a stable order.
func (c *Catalog) Keys() []Key {
	keys := make([]Key, 0, len(c.sets))
	for k := range c.sets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}
