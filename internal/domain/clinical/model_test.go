package clinical

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/ehr/interop/internal/platform/mapping"
)

func TestKeyOf(t *testing.T) {
	tests := []struct {
		name  string
		kind  string
		attrs mapping.Attributes
		want  string
		err   bool
	}{
		{"admission by visit", Admission, mapping.Attributes{"visit_number": "V9", "patient_id": "P123"}, "visit:V9", false},
		{"admission fallback", Admission, mapping.Attributes{"patient_id": "P123", "admitted_at": "2026-02-17T09:00:00"}, "P123|2026-02-17T09:00:00", false},
		{"admission without time", Admission, mapping.Attributes{"patient_id": "P123"}, "", true},
		{"observation", Observation, mapping.Attributes{"patient_id": "P1", "code": "GLU", "order_number": "F1", "observed_at": "t", "sequence": "1"}, "P1|GLU|F1|t|1", false},
		{"observation without code", Observation, mapping.Attributes{"patient_id": "P1"}, "", true},
		{"order", Order, mapping.Attributes{"placer_order": "ORD-1"}, "ORD-1", false},
		{"order without placer", Order, mapping.Attributes{}, "", true},
		{"unknown kind", "allergy", mapping.Attributes{}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := KeyOf(tt.kind, tt.attrs)
			if tt.err {
				if err == nil {
					t.Fatalf("expected error, got key %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestNew_NoKey(t *testing.T) {
	_, err := New(Order, uuid.New(), mapping.Attributes{"patient_id": "P1"})
	if !errors.Is(err, ErrNoKey) {
		t.Errorf("expected ErrNoKey, got %v", err)
	}
}
