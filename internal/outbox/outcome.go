package outbox

// Outcome is the result of processing one claimed record.
type Outcome int

const (
	OutcomeProcessed Outcome = iota + 1
	OutcomeRetryable
	OutcomeDeadLettered
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeProcessed:
		return "processed"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeDeadLettered:
		return "dead_lettered"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Result aggregates one dispatch cycle. Failed counts both retryable and
// dead-lettered outcomes.
type Result struct {
	Processed         int `json:"processed"`
	Failed            int `json:"failed"`
	Skipped           int `json:"skipped"`
	DeadLettered      int `json:"dead_lettered"`
	StateUpdateFailed int `json:"state_update_failed"`
}

func (r *Result) add(o Outcome) {
	switch o {
	case OutcomeProcessed:
		r.Processed++
	case OutcomeRetryable:
		r.Failed++
	case OutcomeDeadLettered:
		r.Failed++
		r.DeadLettered++
	case OutcomeSkipped:
		r.Skipped++
	}
}

// Merge adds the counts of other into r.
func (r *Result) Merge(other Result) {
	r.Processed += other.Processed
	r.Failed += other.Failed
	r.Skipped += other.Skipped
	r.DeadLettered += other.DeadLettered
	r.StateUpdateFailed += other.StateUpdateFailed
}
