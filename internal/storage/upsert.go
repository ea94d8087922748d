package storage

import "fmt"

// Outcome classifies what happened to one record in a batch.
type Outcome int

const (
	// Inserted means the key did not exist before the write.
	Inserted Outcome = iota
	// Updated means an existing row was fully replaced.
	Updated
	// Skipped means the record was not written.
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case Skipped:
		return "skipped"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// RecordResult is the per-record result of an upsert. Err carries the
// skip reason.
type RecordResult struct {
	Key     string
	Outcome Outcome
	Err     error
}

// BatchResult folds the per-record results of one batch.
type BatchResult struct {
	Inserted int
	Updated  int
	Skipped  int
	Failures []RecordResult
}

// Fold counts outcomes and keeps the skipped records for reporting.
func Fold(results []RecordResult) BatchResult {
	var br BatchResult
	for _, r := range results {
		switch r.Outcome {
		case Inserted:
			br.Inserted++
		case Updated:
			br.Updated++
		default:
			br.Skipped++
			br.Failures = append(br.Failures, r)
		}
	}
	return br
}

// Total is the number of records the batch accounted for.
func (b BatchResult) Total() int {
	return b.Inserted + b.Updated + b.Skipped
}
