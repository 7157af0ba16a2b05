package models

import (
	"time"
)

// BatchError records one symbol's terminal failure within a batch.
type BatchError struct {
	Symbol    string    `json:"symbol"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// BatchReport aggregates the per-symbol outcomes of one orchestrator run.
// Outcomes are an unordered multiset; re-running the same batch is safe
// because writes are idempotent.
type BatchReport struct {
	BatchID     string       `json:"batch_id"`
	Success     int          `json:"success"`
	Failed      int          `json:"failed"`
	Skipped     int          `json:"skipped"`
	Errors      []BatchError `json:"errors,omitempty"`
	RowsWritten int          `json:"rows_written"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at"`
	// Truncated is set when cancellation stopped dispatch before every
	// symbol was attempted.
	Truncated bool `json:"truncated,omitempty"`
}

// Total returns the number of symbols that produced an outcome.
func (r BatchReport) Total() int {
	return r.Success + r.Failed + r.Skipped
}
