package consent

import (
	"fmt"
	"time"
)

func matches(field, want string) (ok, exact bool) {
	switch field {
	case want:
		return true, true
	case Wildcard:
		return true, false
	}
	return false, false
}

// specificity ranks a matching scope: an exact purpose outranks an exact
// data category, and both outrank wildcards.
func specificity(s Scope, p Purpose) (int, bool) {
	purposeOK, purposeExact := matches(s.Purpose, p.Use)
	categoryOK, categoryExact := matches(s.DataCategory, p.DataCategory)
	if !purposeOK || !categoryOK {
		return 0, false
	}
	rank := 0
	if purposeExact {
		rank += 2
	}
	if categoryExact {
		rank++
	}
	return rank, true
}

// preferred reports whether a should apply instead of b at equal rank.
func preferred(a, b Record) bool {
	if !a.DecidedAt.Equal(b.DecidedAt) {
		return a.DecidedAt.After(b.DecidedAt)
	}
	return a.ID.String() > b.ID.String()
}

// Decide selects the most specific record for the patient that is in force
// at the given time and derives the outcome from it. Expired records and
// records outside their validity period are ignored. Without an applicable
// record the outcome is Unknown, which refuses the exchange.
func Decide(records []Record, patientID string, p Purpose, at time.Time) Decision {
	var (
		best     Record
		bestRank = -1
	)
	for _, r := range records {
		if r.PatientID != patientID || r.Status == StatusExpired || !r.EffectiveAt(at) {
			continue
		}
		rank, ok := specificity(r.Scope, p)
		if !ok {
			continue
		}
		if rank > bestRank || (rank == bestRank && preferred(r, best)) {
			best, bestRank = r, rank
		}
	}

	if bestRank < 0 {
		return Decision{
			Outcome: Unknown,
			Reason:  fmt.Sprintf("no consent on record for %s/%s", p.DataCategory, p.Use),
		}
	}
	id := best.ID
	switch best.Status {
	case StatusGranted:
		return Decision{Outcome: Allowed, RecordID: &id}
	case StatusRevoked:
		return Decision{
			Outcome:  Denied,
			RecordID: &id,
			Reason:   fmt.Sprintf("consent revoked for %s/%s", best.Scope.DataCategory, best.Scope.Purpose),
		}
	}
	return Decision{
		Outcome:  Unknown,
		RecordID: &id,
		Reason:   fmt.Sprintf("consent record has unrecognized status %q", best.Status),
	}
}
