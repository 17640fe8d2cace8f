package db

import (
	"context"
	"database/sql"
	"fmt"
)

// ----- evaluations -----

const insertEvaluation = `
INSERT INTO evaluations (id, user_id, commit_owner, commit_repo, commit_hash, course_id, tier, started_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`

type InsertEvaluationParams struct {
	ID          string
	UserID      string
	CommitOwner string
	CommitRepo  string
	CommitHash  string
	CourseID    string
	Tier        string
	StartedAt   int64
}

func (q *Queries) InsertEvaluation(ctx context.Context, arg InsertEvaluationParams) error {
	_, err := q.db.ExecContext(ctx, insertEvaluation,
		arg.ID, arg.UserID, arg.CommitOwner, arg.CommitRepo, arg.CommitHash,
		arg.CourseID, arg.Tier, arg.StartedAt)
	if err != nil {
		return fmt.Errorf("inserting evaluation: %w", err)
	}
	return nil
}

const getEvaluation = `
SELECT id, user_id, commit_owner, commit_repo, commit_hash, course_id, tier,
       status, method, strategy_id, confidence, selected_files, total, max_total,
       error_tag, error_message, started_at, finished_at
FROM evaluations
WHERE id = ?
`

func (q *Queries) GetEvaluation(ctx context.Context, id string) (Evaluation, error) {
	var e Evaluation
	err := q.db.QueryRowContext(ctx, getEvaluation, id).Scan(
		&e.ID, &e.UserID, &e.CommitOwner, &e.CommitRepo, &e.CommitHash, &e.CourseID, &e.Tier,
		&e.Status, &e.Method, &e.StrategyID, &e.Confidence, &e.SelectedFiles, &e.Total, &e.MaxTotal,
		&e.ErrorTag, &e.ErrorMessage, &e.StartedAt, &e.FinishedAt)
	if err != nil {
		return Evaluation{}, err
	}
	return e, nil
}

const transitionEvaluation = `
UPDATE evaluations SET status = ? WHERE id = ? AND status = ?
`

type TransitionEvaluationParams struct {
	ID   string
	From string
	To   string
}

// TransitionEvaluation advances the status machine by compare-and-set.
// It reports whether this caller won the transition.
func (q *Queries) TransitionEvaluation(ctx context.Context, arg TransitionEvaluationParams) (bool, error) {
	res, err := q.db.ExecContext(ctx, transitionEvaluation, arg.To, arg.ID, arg.From)
	if err != nil {
		return false, fmt.Errorf("transitioning evaluation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

const setEvaluationSelection = `
UPDATE evaluations
SET method = ?, strategy_id = ?, confidence = ?, selected_files = ?
WHERE id = ?
`

type SetEvaluationSelectionParams struct {
	ID            string
	Method        string
	StrategyID    sql.NullString
	Confidence    float64
	SelectedFiles string
}

func (q *Queries) SetEvaluationSelection(ctx context.Context, arg SetEvaluationSelectionParams) error {
	_, err := q.db.ExecContext(ctx, setEvaluationSelection,
		arg.Method, arg.StrategyID, arg.Confidence, arg.SelectedFiles, arg.ID)
	if err != nil {
		return fmt.Errorf("recording selection: %w", err)
	}
	return nil
}

const completeEvaluation = `
UPDATE evaluations
SET status = 'completed', total = ?, max_total = ?, finished_at = ?
WHERE id = ? AND status = 'grading'
`

type CompleteEvaluationParams struct {
	ID         string
	Total      float64
	MaxTotal   float64
	FinishedAt int64
}

// CompleteEvaluation finalizes a grading evaluation. It reports whether the
// terminal transition was applied.
func (q *Queries) CompleteEvaluation(ctx context.Context, arg CompleteEvaluationParams) (bool, error) {
	res, err := q.db.ExecContext(ctx, completeEvaluation, arg.Total, arg.MaxTotal, arg.FinishedAt, arg.ID)
	if err != nil {
		return false, fmt.Errorf("completing evaluation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

const failEvaluation = `
UPDATE evaluations
SET status = 'failed', error_tag = ?, error_message = ?, finished_at = ?
WHERE id = ? AND status NOT IN ('completed', 'failed')
`

type FailEvaluationParams struct {
	ID           string
	ErrorTag     string
	ErrorMessage string
	FinishedAt   int64
}

// FailEvaluation marks a non-terminal evaluation as failed. It reports
// whether the terminal transition was applied.
func (q *Queries) FailEvaluation(ctx context.Context, arg FailEvaluationParams) (bool, error) {
	res, err := q.db.ExecContext(ctx, failEvaluation, arg.ErrorTag, arg.ErrorMessage, arg.FinishedAt, arg.ID)
	if err != nil {
		return false, fmt.Errorf("failing evaluation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

const deleteEvaluation = `
DELETE FROM evaluations WHERE id = ?
`

func (q *Queries) DeleteEvaluation(ctx context.Context, id string) error {
	if _, err := q.db.ExecContext(ctx, deleteEvaluation, id); err != nil {
		return fmt.Errorf("deleting evaluation: %w", err)
	}
	return nil
}

const requeueInFlightEvaluations = `
UPDATE evaluations SET status = 'pending' WHERE status IN ('selecting', 'grading')
`

// RequeueInFlightEvaluations resets evaluations a previous process left
// mid-flight back to pending. Run once at startup, before any worker starts.
func (q *Queries) RequeueInFlightEvaluations(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, requeueInFlightEvaluations)
	if err != nil {
		return 0, fmt.Errorf("requeueing in-flight evaluations: %w", err)
	}
	return res.RowsAffected()
}

const listPendingEvaluations = `
SELECT id FROM evaluations WHERE status = 'pending' ORDER BY started_at
`

func (q *Queries) ListPendingEvaluations(ctx context.Context) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, listPendingEvaluations)
	if err != nil {
		return nil, fmt.Errorf("listing pending evaluations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning pending evaluation: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ----- evaluation_scores -----

const insertScore = `
INSERT OR REPLACE INTO evaluation_scores (evaluation_id, criterion_name, score, max_score, feedback, source_files)
VALUES (?, ?, ?, ?, ?, ?)
`

type InsertScoreParams struct {
	EvaluationID  string
	CriterionName string
	Score         float64
	MaxScore      float64
	Feedback      string
	SourceFiles   string
}

func (q *Queries) InsertScore(ctx context.Context, arg InsertScoreParams) error {
	_, err := q.db.ExecContext(ctx, insertScore,
		arg.EvaluationID, arg.CriterionName, arg.Score, arg.MaxScore, arg.Feedback, arg.SourceFiles)
	if err != nil {
		return fmt.Errorf("inserting score: %w", err)
	}
	return nil
}

const listScores = `
SELECT evaluation_id, criterion_name, score, max_score, feedback, source_files
FROM evaluation_scores
WHERE evaluation_id = ?
ORDER BY criterion_name
`

func (q *Queries) ListScores(ctx context.Context, evaluationID string) ([]EvaluationScore, error) {
	rows, err := q.db.QueryContext(ctx, listScores, evaluationID)
	if err != nil {
		return nil, fmt.Errorf("listing scores: %w", err)
	}
	defer rows.Close()

	var scores []EvaluationScore
	for rows.Next() {
		var s EvaluationScore
		if err := rows.Scan(&s.EvaluationID, &s.CriterionName, &s.Score, &s.MaxScore, &s.Feedback, &s.SourceFiles); err != nil {
			return nil, fmt.Errorf("scanning score: %w", err)
		}
		scores = append(scores, s)
	}
	return scores, rows.Err()
}

// ----- repository_signatures -----

const upsertSignature = `
INSERT INTO repository_signatures (id, course_id, pattern_hash, technologies, directory_structure, size_category, file_types, source_url, first_seen_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING
`

type UpsertSignatureParams struct {
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

func (q *Queries) UpsertSignature(ctx context.Context, arg UpsertSignatureParams) error {
	_, err := q.db.ExecContext(ctx, upsertSignature,
		arg.ID, arg.CourseID, arg.PatternHash, arg.Technologies, arg.DirectoryStructure,
		arg.SizeCategory, arg.FileTypes, arg.SourceURL, arg.FirstSeenAt)
	if err != nil {
		return fmt.Errorf("upserting signature: %w", err)
	}
	return nil
}

// ----- cached_strategies -----

const upsertStrategy = `
INSERT INTO cached_strategies (id, signature_id, course_id, selected_files, perf_accuracy, perf_processing_time, perf_evaluation_quality, created_at, last_used, last_updated, source_url)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    selected_files       = excluded.selected_files,
    perf_accuracy        = excluded.perf_accuracy,
    perf_processing_time = excluded.perf_processing_time,
    last_updated         = excluded.last_updated,
    source_url           = excluded.source_url,
    version              = version + 1
`

type UpsertStrategyParams struct {
	ID                    string
	SignatureID           string
	CourseID              string
	SelectedFiles         string
	PerfAccuracy          float64
	PerfProcessingTime    float64
	PerfEvaluationQuality float64
	CreatedAt             int64
	LastUsed              int64
	LastUpdated           int64
	SourceURL             string
}

// UpsertStrategy inserts a strategy or refreshes an existing one. Usage and
// outcome counters survive a re-store; only the file list, performance
// snapshot, and provenance are replaced.
func (q *Queries) UpsertStrategy(ctx context.Context, arg UpsertStrategyParams) error {
	_, err := q.db.ExecContext(ctx, upsertStrategy,
		arg.ID, arg.SignatureID, arg.CourseID, arg.SelectedFiles,
		arg.PerfAccuracy, arg.PerfProcessingTime, arg.PerfEvaluationQuality,
		arg.CreatedAt, arg.LastUsed, arg.LastUpdated, arg.SourceURL)
	if err != nil {
		return fmt.Errorf("upserting strategy: %w", err)
	}
	return nil
}

const touchStrategyUsage = `
UPDATE cached_strategies
SET usage_count  = usage_count + 1,
    last_used    = ?,
    success_rate = CAST(success_count AS REAL) / (usage_count + 1),
    version      = version + 1
WHERE id = ?
`

type TouchStrategyUsageParams struct {
	ID       string
	LastUsed int64
}

// TouchStrategyUsage records one cache hit against the strategy.
func (q *Queries) TouchStrategyUsage(ctx context.Context, arg TouchStrategyUsageParams) error {
	_, err := q.db.ExecContext(ctx, touchStrategyUsage, arg.LastUsed, arg.ID)
	if err != nil {
		return fmt.Errorf("touching strategy usage: %w", err)
	}
	return nil
}

const applyStrategyOutcome = `
UPDATE cached_strategies
SET success_count           = success_count + ?,
    success_rate            = CAST(success_count + ? AS REAL) / usage_count,
    perf_evaluation_quality = CASE WHEN ?
        THEN perf_evaluation_quality + ((? - perf_evaluation_quality) / usage_count)
        ELSE perf_evaluation_quality END,
    last_updated            = ?,
    version                 = version + 1
WHERE id = ?
`

type ApplyStrategyOutcomeParams struct {
	ID           string
	SuccessDelta int64
	HasQuality   bool
	Quality      float64
	LastUpdated  int64
}

// ApplyStrategyOutcome folds one evaluation outcome into the strategy's
// counters. Quality, when present, joins a running mean over usage_count.
func (q *Queries) ApplyStrategyOutcome(ctx context.Context, arg ApplyStrategyOutcomeParams) error {
	_, err := q.db.ExecContext(ctx, applyStrategyOutcome,
		arg.SuccessDelta, arg.SuccessDelta, arg.HasQuality, arg.Quality, arg.LastUpdated, arg.ID)
	if err != nil {
		return fmt.Errorf("applying strategy outcome: %w", err)
	}
	return nil
}

const getStrategy = `
SELECT id, signature_id, course_id, selected_files, perf_accuracy, perf_processing_time, perf_evaluation_quality,
       usage_count, success_count, success_rate, created_at, last_used, last_updated, version, source_url
FROM cached_strategies
WHERE id = ?
`

func (q *Queries) GetStrategy(ctx context.Context, id string) (CachedStrategy, error) {
	var s CachedStrategy
	err := q.db.QueryRowContext(ctx, getStrategy, id).Scan(
		&s.ID, &s.SignatureID, &s.CourseID, &s.SelectedFiles,
		&s.PerfAccuracy, &s.PerfProcessingTime, &s.PerfEvaluationQuality,
		&s.UsageCount, &s.SuccessCount, &s.SuccessRate,
		&s.CreatedAt, &s.LastUsed, &s.LastUpdated, &s.Version, &s.SourceURL)
	if err != nil {
		return CachedStrategy{}, err
	}
	return s, nil
}

const deleteStrategy = `
DELETE FROM cached_strategies WHERE id = ?
`

func (q *Queries) DeleteStrategy(ctx context.Context, id string) error {
	if _, err := q.db.ExecContext(ctx, deleteStrategy, id); err != nil {
		return fmt.Errorf("deleting strategy: %w", err)
	}
	return nil
}

const listStrategiesByRecency = `
SELECT s.id, s.signature_id, s.course_id, s.selected_files, s.perf_accuracy, s.perf_processing_time, s.perf_evaluation_quality,
       s.usage_count, s.success_count, s.success_rate, s.created_at, s.last_used, s.last_updated, s.version, s.source_url,
       g.id, g.course_id, g.pattern_hash, g.technologies, g.directory_structure, g.size_category, g.file_types, g.source_url, g.first_seen_at
FROM cached_strategies s
JOIN repository_signatures g ON g.id = s.signature_id
ORDER BY s.last_used ASC
`

type ListStrategiesByRecencyRow struct {
	Strategy  CachedStrategy
	Signature RepositorySignature
}

// ListStrategiesByRecency returns every strategy with its signature, least
// recently used first. Feeding these into an LRU in order reproduces the
// eviction order from before a restart.
func (q *Queries) ListStrategiesByRecency(ctx context.Context) ([]ListStrategiesByRecencyRow, error) {
	rows, err := q.db.QueryContext(ctx, listStrategiesByRecency)
	if err != nil {
		return nil, fmt.Errorf("listing strategies: %w", err)
	}
	defer rows.Close()

	var out []ListStrategiesByRecencyRow
	for rows.Next() {
		var r ListStrategiesByRecencyRow
		if err := rows.Scan(
			&r.Strategy.ID, &r.Strategy.SignatureID, &r.Strategy.CourseID, &r.Strategy.SelectedFiles,
			&r.Strategy.PerfAccuracy, &r.Strategy.PerfProcessingTime, &r.Strategy.PerfEvaluationQuality,
			&r.Strategy.UsageCount, &r.Strategy.SuccessCount, &r.Strategy.SuccessRate,
			&r.Strategy.CreatedAt, &r.Strategy.LastUsed, &r.Strategy.LastUpdated, &r.Strategy.Version, &r.Strategy.SourceURL,
			&r.Signature.ID, &r.Signature.CourseID, &r.Signature.PatternHash, &r.Signature.Technologies,
			&r.Signature.DirectoryStructure, &r.Signature.SizeCategory, &r.Signature.FileTypes,
			&r.Signature.SourceURL, &r.Signature.FirstSeenAt); err != nil {
			return nil, fmt.Errorf("scanning strategy: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const strategyAggregates = `
SELECT COUNT(*), COALESCE(SUM(usage_count), 0) FROM cached_strategies
`

type StrategyAggregatesRow struct {
	Entries    int64
	TotalUsage int64
}

func (q *Queries) StrategyAggregates(ctx context.Context) (StrategyAggregatesRow, error) {
	var r StrategyAggregatesRow
	if err := q.db.QueryRowContext(ctx, strategyAggregates).Scan(&r.Entries, &r.TotalUsage); err != nil {
		return StrategyAggregatesRow{}, fmt.Errorf("aggregating strategies: %w", err)
	}
	return r, nil
}

// ----- user_usage -----

const getUsageWindow = `
SELECT user_id, month, evaluations_count, subscription_tier, reset_at, version
FROM user_usage
WHERE user_id = ? AND month = ?
`

type GetUsageWindowParams struct {
	UserID string
	Month  string
}

func (q *Queries) GetUsageWindow(ctx context.Context, arg GetUsageWindowParams) (UsageWindow, error) {
	var w UsageWindow
	err := q.db.QueryRowContext(ctx, getUsageWindow, arg.UserID, arg.Month).Scan(
		&w.UserID, &w.Month, &w.EvaluationsCount, &w.SubscriptionTier, &w.ResetAt, &w.Version)
	if err != nil {
		return UsageWindow{}, err
	}
	return w, nil
}

const insertUsageWindow = `
INSERT OR IGNORE INTO user_usage (user_id, month, evaluations_count, subscription_tier, reset_at, version)
VALUES (?, ?, 0, ?, ?, 1)
`

type InsertUsageWindowParams struct {
	UserID           string
	Month            string
	SubscriptionTier string
	ResetAt          int64
}

// InsertUsageWindow creates the month's window if it does not exist yet.
// Concurrent callers race harmlessly; exactly one row wins.
func (q *Queries) InsertUsageWindow(ctx context.Context, arg InsertUsageWindowParams) error {
	_, err := q.db.ExecContext(ctx, insertUsageWindow,
		arg.UserID, arg.Month, arg.SubscriptionTier, arg.ResetAt)
	if err != nil {
		return fmt.Errorf("inserting usage window: %w", err)
	}
	return nil
}

const bumpUsageWindow = `
UPDATE user_usage
SET evaluations_count = evaluations_count + 1, version = version + 1
WHERE user_id = ? AND month = ? AND version = ?
`

type BumpUsageWindowParams struct {
	UserID  string
	Month   string
	Version int64
}

// BumpUsageWindow increments the counter under an optimistic version check.
// It reports whether the expected version still held.
func (q *Queries) BumpUsageWindow(ctx context.Context, arg BumpUsageWindowParams) (bool, error) {
	res, err := q.db.ExecContext(ctx, bumpUsageWindow, arg.UserID, arg.Month, arg.Version)
	if err != nil {
		return false, fmt.Errorf("bumping usage window: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

const updateUsageTier = `
UPDATE user_usage
SET subscription_tier = ?, version = version + 1
WHERE user_id = ? AND month = ?
`

type UpdateUsageTierParams struct {
	UserID           string
	Month            string
	SubscriptionTier string
}

func (q *Queries) UpdateUsageTier(ctx context.Context, arg UpdateUsageTierParams) error {
	_, err := q.db.ExecContext(ctx, updateUsageTier, arg.SubscriptionTier, arg.UserID, arg.Month)
	if err != nil {
		return fmt.Errorf("updating usage tier: %w", err)
	}
	return nil
}

const rollForwardExpiredUsage = `
INSERT OR IGNORE INTO user_usage (user_id, month, evaluations_count, subscription_tier, reset_at, version)
SELECT u.user_id, ?, 0, u.subscription_tier, ?, 1
FROM user_usage u
WHERE u.reset_at <= ?
  AND u.month = (SELECT MAX(month) FROM user_usage w WHERE w.user_id = u.user_id)
`

type RollForwardExpiredUsageParams struct {
	Month   string
	ResetAt int64
	Now     int64
}

// RollForwardExpiredUsage opens a fresh window for every user whose latest
// window has expired, carrying the tier forward. Old windows are kept as
// history. Running it twice for the same month is a no-op.
func (q *Queries) RollForwardExpiredUsage(ctx context.Context, arg RollForwardExpiredUsageParams) (int64, error) {
	res, err := q.db.ExecContext(ctx, rollForwardExpiredUsage, arg.Month, arg.ResetAt, arg.Now)
	if err != nil {
		return 0, fmt.Errorf("rolling usage windows forward: %w", err)
	}
	return res.RowsAffected()
}
