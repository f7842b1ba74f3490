package mapping

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/interop/internal/platform/hl7v2"
)

// DateTimeLayout is the domain representation of instants, in UTC.
const DateTimeLayout = "2006-01-02T15:04:05"

// DateLayout is the domain representation of calendar dates.
const DateLayout = "2006-01-02"

// Func converts one value. It must be pure.
type Func func(string) (string, error)

// Transform is a registered value conversion. Outbound converts a domain
// value to its wire form; Inbound converts a wire value to its domain form.
type Transform struct {
	Name       string
	Outbound   Func
	Inbound    Func
	Invertible bool
}

// Supports reports whether the transform can run in direction d.
func (t Transform) Supports(d Direction) bool {
	switch d {
	case Inbound:
		return t.Inbound != nil
	case Outbound:
		return t.Outbound != nil
	case Both:
		return t.Inbound != nil && t.Outbound != nil
	}
	return false
}

func (t Transform) fn(d Direction) Func {
	if d == Inbound {
		return t.Inbound
	}
	return t.Outbound
}

// unsupportedValue is returned by transforms for values outside their
// declared domain.
type unsupportedValue struct {
	transform string
	value     string
}

func (e *unsupportedValue) Error() string {
	return fmt.Sprintf("%s: unsupported value %q", e.transform, e.value)
}

func unsupported(name, value string) error {
	return &unsupportedValue{transform: name, value: value}
}

func codeTable(name string, domainToWire map[string]string) Transform {
	wireToDomain := make(map[string]string, len(domainToWire))
	for k, v := range domainToWire {
		wireToDomain[v] = k
	}
	lookup := func(table map[string]string, fold func(string) string) Func {
		return func(v string) (string, error) {
			if out, ok := table[fold(v)]; ok {
				return out, nil
			}
			return "", unsupported(name, v)
		}
	}
	return Transform{
		Name:       name,
		Outbound:   lookup(domainToWire, strings.ToLower),
		Inbound:    lookup(wireToDomain, strings.ToUpper),
		Invertible: true,
	}
}

// exactTable is like codeTable but matches codes case-sensitively.
func exactTable(name string, domainToWire map[string]string) Transform {
	wireToDomain := make(map[string]string, len(domainToWire))
	for k, v := range domainToWire {
		wireToDomain[v] = k
	}
	lookup := func(table map[string]string) Func {
		return func(v string) (string, error) {
			if out, ok := table[v]; ok {
				return out, nil
			}
			return "", unsupported(name, v)
		}
	}
	return Transform{Name: name, Outbound: lookup(domainToWire), Inbound: lookup(wireToDomain), Invertible: true}
}

func scale(name string, factor float64, places int) Transform {
	conv := func(mult float64) Func {
		return func(v string) (string, error) {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
				return "", unsupported(name, v)
			}
			p := math.Pow(10, float64(places))
			return strconv.FormatFloat(math.Round(f*mult*p)/p, 'f', -1, 64), nil
		}
	}
	return Transform{
		Name:     name,
		Outbound: conv(factor),
		Inbound:  conv(1 / factor),
	}
}

func hl7DateTime(v string) (string, error) {
	t, err := time.Parse(DateTimeLayout, v)
	if err != nil {
		t, err = time.Parse(time.RFC3339, v)
		if err != nil {
			return "", unsupported("hl7_datetime", v)
		}
	}
	return hl7v2.FormatTimestamp(t), nil
}

func domainDateTime(v string) (string, error) {
	t, err := hl7v2.ParseTimestamp(v)
	if err != nil {
		return "", unsupported("hl7_datetime", v)
	}
	return t.Format(DateTimeLayout), nil
}

// fhirDateTime renders a domain instant as a FHIR dateTime, which carries
// an offset whenever it carries a time.
func fhirDateTime(v string) (string, error) {
	if t, err := time.Parse(DateTimeLayout, v); err == nil {
		return t.Format(time.RFC3339), nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC().Format(time.RFC3339), nil
	}
	return "", unsupported("fhir_datetime", v)
}

func domainFromFHIR(v string) (string, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC().Format(DateTimeLayout), nil
	}
	if _, err := time.Parse(DateTimeLayout, v); err == nil {
		return v, nil
	}
	return "", unsupported("fhir_datetime", v)
}

var registry = map[string]Transform{
	"identity": {
		Name:       "identity",
		Outbound:   func(v string) (string, error) { return v, nil },
		Inbound:    func(v string) (string, error) { return v, nil },
		Invertible: true,
	},
	"uppercase": {
		Name:     "uppercase",
		Outbound: func(v string) (string, error) { return strings.ToUpper(v), nil },
		Inbound:  func(v string) (string, error) { return strings.ToUpper(v), nil },
	},
	"lowercase": {
		Name:     "lowercase",
		Outbound: func(v string) (string, error) { return strings.ToLower(v), nil },
		Inbound:  func(v string) (string, error) { return strings.ToLower(v), nil },
	},
	"hl7_datetime": {
		Name:       "hl7_datetime",
		Outbound:   hl7DateTime,
		Inbound:    domainDateTime,
		Invertible: true,
	},
	"fhir_datetime": {
		Name:       "fhir_datetime",
		Outbound:   fhirDateTime,
		Inbound:    domainFromFHIR,
		Invertible: true,
	},
	"hl7_date": {
		Name: "hl7_date",
		Outbound: func(v string) (string, error) {
			t, err := time.Parse(DateLayout, v)
			if err != nil {
				return "", unsupported("hl7_date", v)
			}
			return t.Format("20060102"), nil
		},
		Inbound: func(v string) (string, error) {
			if len(v) < 8 {
				return "", unsupported("hl7_date", v)
			}
			t, err := time.Parse("20060102", v[:8])
			if err != nil {
				return "", unsupported("hl7_date", v)
			}
			return t.Format(DateLayout), nil
		},
		Invertible: true,
	},
	"gender": codeTable("gender", map[string]string{
		"male": "M", "female": "F", "other": "O", "unknown": "U",
	}),
	"hl7_patient_class": codeTable("hl7_patient_class", map[string]string{
		"inpatient": "I", "outpatient": "O", "emergency": "E", "preadmit": "P", "recurring": "R",
	}),
	"fhir_encounter_class": codeTable("fhir_encounter_class", map[string]string{
		"inpatient": "IMP", "outpatient": "AMB", "emergency": "EMER", "preadmit": "PRENC", "recurring": "AMB-R",
	}),
	"abnormal_flag": codeTable("abnormal_flag", map[string]string{
		"normal": "N", "high": "H", "low": "L", "critical_high": "HH", "critical_low": "LL", "abnormal": "A",
	}),
	"result_status": codeTable("result_status", map[string]string{
		"final": "F", "preliminary": "P", "corrected": "C", "cancelled": "X",
	}),
	"order_control": codeTable("order_control", map[string]string{
		"new": "NW", "cancel": "CA", "change": "XO", "hold": "HD",
	}),
	"order_status": codeTable("order_status", map[string]string{
		"active": "IP", "completed": "CM", "revoked": "CA", "on-hold": "HD", "draft": "SC",
	}),
	"code_system_uri": exactTable("code_system_uri", map[string]string{
		"LN":   "http://loinc.org",
		"SCT":  "http://snomed.info/sct",
		"UCUM": "http://unitsofmeasure.org",
		"CPT":  "http://www.ama-assn.org/go/cpt",
		"RXN":  "http://www.nlm.nih.gov/research/umls/rxnorm",
	}),
	"fhir_patient_reference": {
		Name: "fhir_patient_reference",
		Outbound: func(v string) (string, error) {
			if v == "" || strings.Contains(v, "/") {
				return "", unsupported("fhir_patient_reference", v)
			}
			return "Patient/" + v, nil
		},
		Inbound: func(v string) (string, error) {
			id, ok := strings.CutPrefix(v, "Patient/")
			if !ok || id == "" || strings.Contains(id, "/") {
				return "", unsupported("fhir_patient_reference", v)
			}
			return id, nil
		},
		Invertible: true,
	},
	// Domain stores mmol/L, wire carries mg/dL.
	"glucose_mmol_mg": scale("glucose_mmol_mg", 18.0182, 1),
	// Domain stores kg, wire carries lb.
	"kg_lb": scale("kg_lb", 2.20462, 2),
	"decimal": {
		Name: "decimal",
		Outbound: func(v string) (string, error) {
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				return "", unsupported("decimal", v)
			}
			return v, nil
		},
		Inbound: func(v string) (string, error) {
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				return "", unsupported("decimal", v)
			}
			return v, nil
		},
		Invertible: true,
	},
}

// LookupTransform resolves a transform identifier. The empty identifier is
// the identity transform.
func LookupTransform(name string) (Transform, bool) {
	if name == "" {
		name = "identity"
	}
	t, ok := registry[name]
	return t, ok
}

// TransformNames lists the registered transform identifiers.
func TransformNames() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
