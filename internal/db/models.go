package db

import "database/sql"

// Evaluation is a row of the evaluations table. Timestamps are unix
// milliseconds; selected_files is a JSON array of paths.
type Evaluation struct {
	ID            string
	UserID        string
	CommitOwner   string
	CommitRepo    string
	CommitHash    string
	CourseID      string
	Tier          string
	Status        string
	Method        string
	StrategyID    sql.NullString
	Confidence    float64
	SelectedFiles string
	Total         float64
	MaxTotal      float64
	ErrorTag      sql.NullString
	ErrorMessage  sql.NullString
	StartedAt     int64
	FinishedAt    sql.NullInt64
}

// EvaluationScore is one rubric criterion result for an evaluation.
type EvaluationScore struct {
	EvaluationID  string
	CriterionName string
	Score         float64
	MaxScore      float64
	Feedback      string
	SourceFiles   string
}

// RepositorySignature is a persisted structural fingerprint.
type RepositorySignature struct {
	ID                 string
	CourseID           string
	PatternHash        string
	Technologies       string
	DirectoryStructure string
	SizeCategory       string
	FileTypes          string
	SourceURL          string
	FirstSeenAt        int64
}

// CachedStrategy is a persisted file-selection strategy keyed by signature
// and course.
type CachedStrategy struct {
	ID                    string
	SignatureID           string
	CourseID              string
	SelectedFiles         string
	PerfAccuracy          float64
	PerfProcessingTime    float64
	PerfEvaluationQuality float64
	UsageCount            int64
	SuccessCount          int64
	SuccessRate           float64
	CreatedAt             int64
	LastUsed              int64
	LastUpdated           int64
	Version               int64
	SourceURL             string
}

// UsageWindow is one user's evaluation counter for a calendar month.
type UsageWindow struct {
	UserID           string
	Month            string
	EvaluationsCount int64
	SubscriptionTier string
	ResetAt          int64
	Version          int64
}
