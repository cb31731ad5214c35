package model

import "time"

// JobStatus is the terminal state of one job invocation.
type JobStatus string

const (
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobSkipped   JobStatus = "skipped"
)

// JobAudit is one append-only record per job invocation. It is written
// exactly once by the orchestrator and never mutated.
type JobAudit struct {
	JobType     string    `json:"job_type"`
	Status      JobStatus `json:"status"`
	RecordCount int       `json:"record_count"`
	ErrorText   string    `json:"error_text"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// BoardMapping maps a sector/concept board to its ordered constituent
// canonical tickers. Rebuilt rarely because each board costs several
// upstream calls.
type BoardMapping struct {
	BoardCode    string   `json:"board_code"`
	BoardName    string   `json:"board_name"`
	Constituents []string `json:"constituents"` // canonical tickers, upstream order
}
