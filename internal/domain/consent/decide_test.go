package consent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/interop/internal/platform/faults"
)

var (
	t0    = time.Date(2026, 2, 17, 9, 0, 0, 0, time.UTC)
	treat = Purpose{Use: UseTreatment, DataCategory: "admission"}
)

func record(status Status, category, purpose string, decided time.Time) Record {
	return Record{
		ID:            uuid.New(),
		PatientID:     "P123",
		Scope:         Scope{DataCategory: category, Purpose: purpose},
		Status:        status,
		EffectiveFrom: decided,
		DecidedAt:     decided,
	}
}

func TestDecide(t *testing.T) {
	later := t0.Add(time.Hour)
	ended := t0.Add(-time.Minute)
	expiredWindow := record(StatusGranted, "admission", UseTreatment, t0.Add(-2*time.Hour))
	expiredWindow.EffectiveTo = &ended
	future := record(StatusGranted, "admission", UseTreatment, t0.Add(-time.Hour))
	future.EffectiveFrom = t0.Add(time.Hour)

	tests := []struct {
		name    string
		records []Record
		want    Outcome
	}{
		{"no records", nil, Unknown},
		{"exact grant", []Record{record(StatusGranted, "admission", UseTreatment, t0.Add(-time.Hour))}, Allowed},
		{"wildcard grant", []Record{record(StatusGranted, Wildcard, Wildcard, t0.Add(-time.Hour))}, Allowed},
		{"other category", []Record{record(StatusGranted, "observation", UseTreatment, t0.Add(-time.Hour))}, Unknown},
		{"revoked", []Record{record(StatusRevoked, "admission", UseTreatment, t0.Add(-time.Hour))}, Denied},
		{"expired status ignored", []Record{record(StatusExpired, "admission", UseTreatment, t0.Add(-time.Hour))}, Unknown},
		{"outside window", []Record{expiredWindow}, Unknown},
		{"not yet effective", []Record{future}, Unknown},
		{
			"exact purpose beats exact category",
			[]Record{
				record(StatusRevoked, "admission", Wildcard, t0.Add(-time.Minute)),
				record(StatusGranted, Wildcard, UseTreatment, t0.Add(-time.Hour)),
			},
			Allowed,
		},
		{
			"exact beats wildcard regardless of age",
			[]Record{
				record(StatusGranted, "admission", UseTreatment, t0.Add(-48*time.Hour)),
				record(StatusRevoked, Wildcard, Wildcard, t0.Add(-time.Minute)),
			},
			Allowed,
		},
		{
			"latest decision wins a tie",
			[]Record{
				record(StatusGranted, "admission", UseTreatment, t0.Add(-2*time.Hour)),
				record(StatusRevoked, "admission", UseTreatment, t0.Add(-time.Hour)),
			},
			Denied,
		},
		{
			"later decision not yet taken",
			[]Record{
				record(StatusGranted, "admission", UseTreatment, t0.Add(-time.Hour)),
				record(StatusRevoked, "admission", UseTreatment, later),
			},
			Allowed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.records, "P123", treat, t0)
			if d.Outcome != tt.want {
				t.Errorf("expected %s, got %s (%s)", tt.want, d.Outcome, d.Reason)
			}
		})
	}
}

func TestDecide_OtherPatient(t *testing.T) {
	r := record(StatusGranted, Wildcard, Wildcard, t0.Add(-time.Hour))
	r.PatientID = "P999"
	if d := Decide([]Record{r}, "P123", treat, t0); d.Outcome != Unknown {
		t.Errorf("expected unknown, got %s", d.Outcome)
	}
}

func TestDecide_OrderIndependent(t *testing.T) {
	a := record(StatusGranted, "admission", UseTreatment, t0.Add(-time.Hour))
	b := record(StatusRevoked, "admission", UseTreatment, t0.Add(-time.Hour))
	first := Decide([]Record{a, b}, "P123", treat, t0)
	second := Decide([]Record{b, a}, "P123", treat, t0)
	if first.Outcome != second.Outcome || *first.RecordID != *second.RecordID {
		t.Errorf("decision depends on record order: %+v vs %+v", first, second)
	}
}

func TestDecision_Err(t *testing.T) {
	tests := []struct {
		d    Decision
		want faults.Category
	}{
		{Decision{Outcome: Denied, Reason: "revoked"}, faults.ConsentDenied},
		{Decision{Outcome: Unknown}, faults.ConsentUnknown},
	}
	for _, tt := range tests {
		if tt.d.Permits() {
			t.Errorf("%s should not permit", tt.d.Outcome)
		}
		if got := faults.CategoryOf(tt.d.Err()); got != tt.want {
			t.Errorf("%s: expected %s, got %s", tt.d.Outcome, tt.want, got)
		}
	}
	for _, d := range []Decision{{Outcome: Allowed}, Exempt()} {
		if !d.Permits() || d.Err() != nil {
			t.Errorf("%s should permit", d.Outcome)
		}
	}
}

type failingSnapshot struct{}

func (failingSnapshot) RecordsForPatient(context.Context, string) ([]Record, error) {
	return nil, errors.New("connection reset")
}

func TestGatekeeper_Check(t *testing.T) {
	store := NewMemoryStore(record(StatusGranted, "admission", UseTreatment, t0.Add(-time.Hour)))
	g := NewGatekeeper(zerolog.Nop()).WithClock(func() time.Time { return t0 })

	d, err := g.Check(context.Background(), store.Snapshot(), "P123", treat)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Outcome != Allowed {
		t.Errorf("expected allowed, got %s", d.Outcome)
	}

	d, err = g.Check(context.Background(), store.Snapshot(), "", treat)
	if err != nil || d.Outcome != Unknown {
		t.Errorf("expected unknown without patient, got %s %v", d.Outcome, err)
	}

	if _, err := g.Check(context.Background(), failingSnapshot{}, "P123", treat); !faults.Has(err, faults.Internal) {
		t.Errorf("expected Internal error, got %v", err)
	}
}

func TestMemoryStore_SnapshotIsFrozen(t *testing.T) {
	store := NewMemoryStore(record(StatusGranted, "admission", UseTreatment, t0.Add(-time.Hour)))
	snap := store.Snapshot()
	store.Put(record(StatusRevoked, "admission", UseTreatment, t0.Add(-time.Minute)))

	g := NewGatekeeper(zerolog.Nop()).WithClock(func() time.Time { return t0 })
	before, _ := g.Check(context.Background(), snap, "P123", treat)
	after, _ := g.Check(context.Background(), store.Snapshot(), "P123", treat)
	if before.Outcome != Allowed {
		t.Errorf("frozen snapshot should still allow, got %s", before.Outcome)
	}
	if after.Outcome != Denied {
		t.Errorf("new snapshot should deny, got %s", after.Outcome)
	}
	if len(store.All()) != 2 {
		t.Errorf("expected 2 records, got %d", len(store.All()))
	}
}
