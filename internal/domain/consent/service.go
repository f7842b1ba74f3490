package consent

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/interop/internal/platform/faults"
)

// Gatekeeper evaluates consent against caller-supplied snapshots.
type Gatekeeper struct {
	now    func() time.Time
	logger zerolog.Logger
}

func NewGatekeeper(logger zerolog.Logger) *Gatekeeper {
	return &Gatekeeper{now: time.Now, logger: logger.With().Str("component", "consent").Logger()}
}

// WithClock replaces the evaluation clock.
func (g *Gatekeeper) WithClock(now func() time.Time) *Gatekeeper {
	g.now = now
	return g
}

// Check decides whether data for patientID may be exchanged for purpose.
// A snapshot read failure is returned as an Internal error, never as a
// decision.
func (g *Gatekeeper) Check(ctx context.Context, snap Snapshot, patientID string, p Purpose) (Decision, error) {
	if patientID == "" {
		return Decision{Outcome: Unknown, Reason: "no patient identity"}, nil
	}
	records, err := snap.RecordsForPatient(ctx, patientID)
	if err != nil {
		return Decision{}, faults.Wrap(faults.Internal, err, "load consent records")
	}
	d := Decide(records, patientID, p, g.now())
	g.logger.Debug().
		Str("outcome", string(d.Outcome)).
		Str("use", p.Use).
		Str("data_category", p.DataCategory).
		Msg("consent evaluated")
	return d, nil
}

// Exempt is the decision for counterparties inside the organization.
func Exempt() Decision {
	return Decision{Outcome: NotRequired}
}
