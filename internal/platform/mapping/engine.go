package mapping

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ehr/interop/internal/platform/faults"
	"github.com/ehr/interop/internal/platform/hl7v2"
)

// ErrMissingValue marks a required rule whose source value is absent.
var ErrMissingValue = errors.New("required value is missing")

// FieldError records the failure of a single rule application.
type FieldError struct {
	Key       Key
	Attribute string
	Path      string
	Transform string
	Value     string
	Required  bool
	Err       error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s %s <-> %s: %v", e.Key, e.Attribute, e.Path, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

// FieldErrors is the ordered set of rule failures of one translation.
type FieldErrors []*FieldError

// Severe returns the failures of required rules.
func (fe FieldErrors) Severe() FieldErrors {
	var out FieldErrors
	for _, e := range fe {
		if e.Required {
			out = append(out, e)
		}
	}
	return out
}

// Err returns a TransformError covering every failure, or nil.
func (fe FieldErrors) Err() error {
	if len(fe) == 0 {
		return nil
	}
	errs := make([]error, len(fe))
	for i, e := range fe {
		errs[i] = e
	}
	return faults.Wrap(faults.TransformError, errors.Join(errs...), "%d field(s) failed", len(fe))
}

// Summary renders the failures on one line.
func (fe FieldErrors) Summary() string {
	parts := make([]string, len(fe))
	for i, e := range fe {
		parts[i] = fmt.Sprintf("%s: %v", e.Attribute, e.Err)
	}
	return strings.Join(parts, "; ")
}

func (fe FieldErrors) sorted() FieldErrors {
	sort.Slice(fe, func(i, j int) bool {
		if fe[i].Attribute != fe[j].Attribute {
			return fe[i].Attribute < fe[j].Attribute
		}
		return fe[i].Path < fe[j].Path
	})
	return fe
}

// Engine applies catalog rules. It holds no mutable state and is safe for
// concurrent use.
type Engine struct {
	catalog *Catalog
}

// NewEngine creates an engine over a validated catalog.
func NewEngine(c *Catalog) *Engine {
	return &Engine{catalog: c}
}

// Catalog returns the engine's rule catalog.
func (e *Engine) Catalog() *Catalog { return e.catalog }

func (e *Engine) rules(entity string, f Format, d Direction) (*compiledSet, error) {
	cs, ok := e.catalog.lookup(entity, f, d)
	if !ok {
		return nil, faults.New(faults.TransformError, "no mapping rules for %s", Key{entity, f, d})
	}
	return cs, nil
}

func fieldError(cs *compiledSet, r compiledRule, value string, err error) *FieldError {
	return &FieldError{
		Key:       cs.key,
		Attribute: r.Attribute,
		Path:      r.Path,
		Transform: r.transform.Name,
		Value:     value,
		Required:  r.Required,
		Err:       err,
	}
}

// apply runs the rule's transform over a present value, or reports a
// missing required value. ok is false when nothing should be written.
func apply(cs *compiledSet, r compiledRule, value string, present bool) (out string, ok bool, fe *FieldError) {
	if !present || value == "" {
		if r.Required {
			return "", false, fieldError(cs, r, "", ErrMissingValue)
		}
		return "", false, nil
	}
	out, err := r.transform.fn(cs.key.Direction)(value)
	if err != nil {
		return "", false, fieldError(cs, r, value, err)
	}
	return out, true, nil
}

// DecodeHL7 populates the entity's attributes from msg. occurrence selects
// which instance of the rule set's repeat segment is read; other segments
// are read from their first occurrence.
func (e *Engine) DecodeHL7(entity string, msg *hl7v2.Message, occurrence int) (Attributes, FieldErrors, error) {
	cs, err := e.rules(entity, FormatHL7v2, Inbound)
	if err != nil {
		return nil, nil, err
	}
	attrs := Attributes{}
	var errs FieldErrors
	for _, r := range cs.rules {
		n := 0
		if r.coord.Segment == cs.repeatSegment {
			n = occurrence
		}
		value, present := "", false
		if seg := msg.SegmentAt(r.coord.Segment, n); seg != nil {
			value = segmentValue(seg, r.coord)
			present = true
		}
		out, ok, fe := apply(cs, r, value, present)
		if fe != nil {
			errs = append(errs, fe)
		}
		if ok {
			attrs[r.Attribute] = out
		}
	}
	return attrs, errs.sorted(), nil
}

func segmentValue(seg *hl7v2.Segment, c Coordinate) string {
	if c.Component > 0 {
		return seg.GetComponent(c.Field, c.Component)
	}
	if c.Field-1 < len(seg.Fields) && len(seg.Fields[c.Field-1].Components) <= 1 {
		return seg.GetComponent(c.Field, 1)
	}
	return seg.GetField(c.Field)
}

// EncodeHL7 writes the entity's attributes into msg, creating segments as
// needed. occurrence selects the instance of the repeat segment written.
func (e *Engine) EncodeHL7(entity string, attrs Attributes, msg *hl7v2.Message, occurrence int) (FieldErrors, error) {
	cs, err := e.rules(entity, FormatHL7v2, Outbound)
	if err != nil {
		return nil, err
	}
	var errs FieldErrors
	for _, r := range cs.rules {
		value, present := r.Constant, r.Constant != ""
		if !present {
			value, present = attrs[r.Attribute]
		}
		out, ok, fe := apply(cs, r, value, present)
		if fe != nil {
			errs = append(errs, fe)
		}
		if !ok {
			continue
		}
		n := 0
		if r.coord.Segment == cs.repeatSegment {
			n = occurrence
		}
		seg := msg.Segment(r.coord.Segment, n)
		if r.coord.Component == 0 {
			seg.SetField(r.coord.Field, out, msg.Delimiters)
		} else {
			seg.SetComponent(r.coord.Field, r.coord.Component, out, msg.Delimiters)
		}
	}
	return errs.sorted(), nil
}

// DecodeJSON populates the entity's attributes from a decoded resource.
func (e *Engine) DecodeJSON(entity string, resource map[string]any) (Attributes, FieldErrors, error) {
	cs, err := e.rules(entity, FormatFHIR, Inbound)
	if err != nil {
		return nil, nil, err
	}
	if rt, _ := resource["resourceType"].(string); rt != cs.resourceType {
		return nil, nil, faults.New(faults.TransformError, "resourceType %q does not match %s (%s)", rt, entity, cs.resourceType)
	}
	attrs := Attributes{}
	var errs FieldErrors
	for _, r := range cs.rules {
		raw, present := r.path.get(resource)
		value := ""
		if present {
			var serr error
			value, serr = scalarString(raw)
			if serr != nil {
				errs = append(errs, fieldError(cs, r, "", serr))
				continue
			}
		}
		out, ok, fe := apply(cs, r, value, present)
		if fe != nil {
			errs = append(errs, fe)
		}
		if ok {
			attrs[r.Attribute] = out
		}
	}
	return attrs, errs.sorted(), nil
}

// EncodeJSON builds a resource from the entity's attributes.
func (e *Engine) EncodeJSON(entity string, attrs Attributes) (map[string]any, FieldErrors, error) {
	cs, err := e.rules(entity, FormatFHIR, Outbound)
	if err != nil {
		return nil, nil, err
	}
	resource := map[string]any{"resourceType": cs.resourceType}
	var errs FieldErrors
	for _, r := range cs.rules {
		value, present := r.Constant, r.Constant != ""
		if !present {
			value, present = attrs[r.Attribute]
		}
		out, ok, fe := apply(cs, r, value, present)
		if fe != nil {
			errs = append(errs, fe)
		}
		if !ok {
			continue
		}
		typed, terr := typedValue(r.Type, out)
		if terr != nil {
			errs = append(errs, fieldError(cs, r, out, terr))
			continue
		}
		if serr := r.path.set(resource, typed); serr != nil {
			errs = append(errs, fieldError(cs, r, out, serr))
		}
	}
	return resource, errs.sorted(), nil
}

func typedValue(t ValueType, v string) (any, error) {
	switch t {
	case TypeNumber:
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("value %q is not a number", v)
		}
		return json.Number(v), nil
	case TypeBoolean:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("value %q is not a boolean", v)
		}
		return b, nil
	}
	return v, nil
}

func scalarString(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(x), nil
	case nil:
		return "", nil
	}
	return "", fmt.Errorf("value of type %T is not a scalar", v)
}
