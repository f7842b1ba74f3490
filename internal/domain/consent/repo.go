package consent

import "context"

// Snapshot is a read view over consent records. A check reads only from the
// snapshot it is given.
type Snapshot interface {
	RecordsForPatient(ctx context.Context, patientID string) ([]Record, error)
}
