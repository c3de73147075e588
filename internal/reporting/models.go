package reporting

import "time"

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CallsSummaryRequest requests aggregated call metrics for calls requested
// inside Range. An empty OwnerUserID covers every user.
type CallsSummaryRequest struct {
	OwnerUserID string    `json:"owner_user_id,omitempty"`
	Range       TimeRange `json:"range"`
}

type CallsSummary struct {
	OwnerUserID string    `json:"owner_user_id,omitempty"`
	Range       TimeRange `json:"range"`

	TotalCalls      int `json:"total_calls"`
	OpenCalls       int `json:"open_calls"`
	InProgressCalls int `json:"in_progress_calls"`
	CompletedCalls  int `json:"completed_calls"`
	FailedCalls     int `json:"failed_calls"`
	MissedCalls     int `json:"missed_calls"`

	// AnswerRate is the share of ended calls that were answered.
	AnswerRate float64 `json:"answer_rate"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`

	ScoredCalls         int     `json:"scored_calls"`
	AverageQualityScore float64 `json:"average_quality_score"`

	RecordedCalls int `json:"recorded_calls"`
}
