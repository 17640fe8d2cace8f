// Package orchestrator owns the evaluation lifecycle: admission against the
// quota ledger, the worker pool that drives each evaluation through file
// selection and grading, and the terminal writes that settle quota and
// strategy outcomes exactly once.
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/repograde/repograde/internal/course"
	"github.com/repograde/repograde/internal/db"
	"github.com/repograde/repograde/internal/evalerr"
	"github.com/repograde/repograde/internal/fetcher"
	"github.com/repograde/repograde/internal/fingerprint"
	"github.com/repograde/repograde/internal/gitref"
	"github.com/repograde/repograde/internal/grader"
	"github.com/repograde/repograde/internal/quota"
	"github.com/repograde/repograde/internal/selection"
)

// Evaluation statuses. Transitions go pending -> selecting -> grading and
// end in completed or failed; every step is a compare-and-swap so replays
// and duplicate workers cannot double-apply side effects.
const (
	StatusPending   = "pending"
	StatusSelecting = "selecting"
	StatusGrading   = "grading"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// errAbandoned aborts processing when another worker already owns the
// evaluation. It never reaches the database.
var errAbandoned = errors.New("evaluation claimed elsewhere")

// Selector runs the file-selection cascade for one repository snapshot.
type Selector interface {
	Select(ctx context.Context, sig fingerprint.RepoSignature, crs course.Course, listing []string, sourceURL string) (*selection.Result, error)
}

// Grader scores fetched evidence files against a course rubric.
type Grader interface {
	Grade(ctx context.Context, crs course.Course, files []fetcher.File) ([]grader.CriterionScore, error)
}

// OutcomeRecorder folds finished evaluations back into cached strategies.
// *strategy.Service satisfies it.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, id string, success bool, quality float64) error
}

// Admission is the receipt returned for an accepted evaluation.
type Admission struct {
	EvaluationID string `json:"evaluationId"`
	Status       string `json:"status"`
}

// Score is one rubric row of a completed evaluation.
type Score struct {
	CriterionName string   `json:"criterionName"`
	Score         float64  `json:"score"`
	MaxScore      float64  `json:"maxScore"`
	Feedback      string   `json:"feedback,omitempty"`
	SourceFiles   []string `json:"sourceFiles,omitempty"`
}

// Evaluation is the caller-facing view of an evaluation record.
type Evaluation struct {
	ID            string     `json:"id"`
	UserID        string     `json:"userId"`
	CommitURL     string     `json:"commitUrl"`
	CourseID      string     `json:"courseId"`
	Status        string     `json:"status"`
	Method        string     `json:"method,omitempty"`
	StrategyID    string     `json:"strategyId,omitempty"`
	Confidence    float64    `json:"confidence,omitempty"`
	SelectedFiles []string   `json:"selectedFiles,omitempty"`
	Total         float64    `json:"total"`
	MaxTotal      float64    `json:"maxTotal"`
	ErrorTag      string     `json:"errorTag,omitempty"`
	ErrorMessage  string     `json:"errorMessage,omitempty"`
	StartedAt     time.Time  `json:"startedAt"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`
	Scores        []Score    `json:"scores,omitempty"`
}

// Deps are the collaborators the orchestrator drives.
type Deps struct {
	Queries  *db.Queries
	Catalog  *course.Catalog
	Fetcher  fetcher.Client
	Selector Selector
	Grader   Grader
	Ledger   *quota.Ledger
	Outcomes OutcomeRecorder
}

// Options configure the worker pool and per-evaluation limits.
type Options struct {
	Workers           int
	QueueSize         int
	Deadline          time.Duration
	MaxAggregateBytes int64
	MaxListingFiles   int
	Now               func() time.Time
}

// DefaultOptions returns the orchestrator defaults: four workers over a
// 64-slot queue, a five-minute evaluation deadline, 4 MiB of evidence per
// evaluation, and a 20,000-file listing cap.
func DefaultOptions() Options {
	return Options{
		Workers:           4,
		QueueSize:         64,
		Deadline:          5 * time.Minute,
		MaxAggregateBytes: 4 << 20,
		MaxListingFiles:   20000,
		Now:               time.Now,
	}
}

// Service admits, runs, and serves evaluations.
type Service struct {
	q        *db.Queries
	catalog  *course.Catalog
	fetch    fetcher.Client
	selector Selector
	grader   Grader
	ledger   *quota.Ledger
	outcomes OutcomeRecorder
	opts     Options
	log      *slog.Logger

	queue chan string
}

// NewService wires an orchestrator. Zero option fields fall back to
// DefaultOptions.
func NewService(deps Deps, opts Options, log *slog.Logger) *Service {
	def := DefaultOptions()
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.Deadline <= 0 {
		opts.Deadline = def.Deadline
	}
	if opts.MaxAggregateBytes <= 0 {
		opts.MaxAggregateBytes = def.MaxAggregateBytes
	}
	if opts.MaxListingFiles <= 0 {
		opts.MaxListingFiles = def.MaxListingFiles
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		q:        deps.Queries,
		catalog:  deps.Catalog,
		fetch:    deps.Fetcher,
		selector: deps.Selector,
		grader:   deps.Grader,
		ledger:   deps.Ledger,
		outcomes: deps.Outcomes,
		opts:     opts,
		log:      log,
		queue:    make(chan string, opts.QueueSize),
	}
}

// Admit checks quota and input, records a pending evaluation, and hands it
// to the worker pool. A full queue sheds the request before any quota or
// fetch work happens.
func (s *Service) Admit(ctx context.Context, userID string, tier quota.Tier, commitURL, courseID string) (*Admission, error) {
	decision, err := s.ledger.CanEvaluate(ctx, userID, tier)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, &quota.ExceededError{Used: decision.Used, Limit: decision.Limit, Tier: decision.Tier}
	}

	ref, err := gitref.ParseCommitURL(commitURL)
	if err != nil {
		return nil, err
	}
	if !s.catalog.Has(courseID) {
		return nil, evalerr.Errorf(evalerr.InvalidInput, "unknown course %q", courseID)
	}

	id := uuid.NewString()
	if err := s.q.InsertEvaluation(ctx, db.InsertEvaluationParams{
		ID:          id,
		UserID:      userID,
		CommitOwner: ref.Owner,
		CommitRepo:  ref.Repo,
		CommitHash:  ref.Hash,
		CourseID:    courseID,
		Tier:        string(tier),
		StartedAt:   s.opts.Now().UnixMilli(),
	}); err != nil {
		return nil, err
	}

	select {
	case s.queue <- id:
	default:
		// The row must not linger as a forever-pending orphan.
		if derr := s.q.DeleteEvaluation(ctx, id); derr != nil {
			s.log.Error("deleting unqueued evaluation", "id", id, "error", derr)
		}
		return nil, evalerr.New(evalerr.RateLimited, "evaluation queue is full, retry shortly")
	}

	s.log.Info("evaluation admitted",
		"id", id, "user_id", userID, "course", courseID, "commit", ref.String())
	return &Admission{EvaluationID: id, Status: StatusPending}, nil
}

// Run requeues evaluations a previous process left unfinished, then consumes
// the queue with the configured worker pool until ctx is canceled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.requeueInterrupted(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for range s.opts.Workers {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case id := <-s.queue:
					s.process(ctx, id)
				}
			}
		})
	}
	return g.Wait()
}

// requeueInterrupted resets mid-flight rows to pending and reloads the
// queue. Nothing else is running at startup, so the reset cannot race a
// live worker.
func (s *Service) requeueInterrupted(ctx context.Context) error {
	reset, err := s.q.RequeueInFlightEvaluations(ctx)
	if err != nil {
		return err
	}
	ids, err := s.q.ListPendingEvaluations(ctx)
	if err != nil {
		return err
	}
	requeued := 0
	for _, id := range ids {
		select {
		case s.queue <- id:
			requeued++
		default:
			// Leftovers stay pending until the next restart.
			s.log.Warn("queue full during requeue", "remaining", len(ids)-requeued)
			return nil
		}
	}
	if reset > 0 || requeued > 0 {
		s.log.Info("interrupted evaluations requeued", "reset", reset, "requeued", requeued)
	}
	return nil
}

func (s *Service) process(parent context.Context, id string) {
	ctx, cancel := context.WithTimeout(parent, s.opts.Deadline)
	defer cancel()

	claimed, err := s.q.TransitionEvaluation(ctx, db.TransitionEvaluationParams{
		ID: id, From: StatusPending, To: StatusSelecting,
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.log.Error("claiming evaluation", "id", id, "error", err)
		}
		return
	}
	if !claimed {
		return
	}

	row, err := s.q.GetEvaluation(ctx, id)
	if err != nil {
		s.log.Error("loading claimed evaluation", "id", id, "error", err)
		return
	}

	res, rows, err := s.evaluate(ctx, row)
	if err != nil {
		s.finishFailed(row, res, err)
		return
	}
	s.finishCompleted(row, res, rows)
}

// evaluate drives one claimed evaluation up to (but not including) its
// terminal transition.
func (s *Service) evaluate(ctx context.Context, row db.Evaluation) (*selection.Result, []grader.CriterionScore, error) {
	ref := gitref.CommitRef{Owner: row.CommitOwner, Repo: row.CommitRepo, Hash: row.CommitHash}
	crs, ok := s.catalog.Get(row.CourseID)
	if !ok {
		return nil, nil, evalerr.Errorf(evalerr.InvalidInput, "unknown course %q", row.CourseID)
	}

	listing, err := s.fetch.ListTree(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	sig, err := fingerprint.BuildSignature(row.CourseID, listing, s.opts.MaxListingFiles)
	if err != nil {
		return nil, nil, err
	}

	res, err := s.selector.Select(ctx, sig, crs, listing, ref.URL())
	if err != nil {
		return nil, nil, err
	}
	if err := s.q.SetEvaluationSelection(ctx, db.SetEvaluationSelectionParams{
		ID:            row.ID,
		Method:        res.Method,
		StrategyID:    sql.NullString{String: res.StrategyID, Valid: res.StrategyID != ""},
		Confidence:    res.Confidence,
		SelectedFiles: db.MarshalStrings(res.Files),
	}); err != nil {
		return res, nil, err
	}

	advanced, err := s.q.TransitionEvaluation(ctx, db.TransitionEvaluationParams{
		ID: row.ID, From: StatusSelecting, To: StatusGrading,
	})
	if err != nil {
		return res, nil, err
	}
	if !advanced {
		return res, nil, errAbandoned
	}

	files, err := s.fetchEvidence(ctx, ref, res.Files)
	if err != nil {
		return res, nil, err
	}

	rows, err := s.grader.Grade(ctx, crs, files)
	if err != nil {
		return res, nil, err
	}
	return res, rows, nil
}

// fetchEvidence retrieves the selected files under one aggregate budget.
// Oversized files arrive truncated and are dropped from the evidence set;
// an exhausted aggregate budget fails the evaluation.
func (s *Service) fetchEvidence(ctx context.Context, ref gitref.CommitRef, paths []string) ([]fetcher.File, error) {
	budget := fetcher.NewBudget(s.opts.MaxAggregateBytes)
	files := make([]fetcher.File, 0, len(paths))
	for _, p := range paths {
		f, err := s.fetch.GetFile(ctx, ref, p, budget)
		if err != nil {
			return nil, err
		}
		if f.Truncated {
			s.log.Info("dropping truncated evidence file", "path", p)
			continue
		}
		files = append(files, f)
	}
	return files, nil
}

func (s *Service) finishCompleted(row db.Evaluation, res *selection.Result, rows []grader.CriterionScore) {
	ctx, cancel := s.terminalContext()
	defer cancel()

	for _, r := range rows {
		if err := s.q.InsertScore(ctx, db.InsertScoreParams{
			EvaluationID:  row.ID,
			CriterionName: r.Name,
			Score:         r.Score,
			MaxScore:      r.MaxScore,
			Feedback:      r.Feedback,
			SourceFiles:   db.MarshalStrings(r.SourceFiles),
		}); err != nil {
			s.finishFailed(row, res, evalerr.Wrap(evalerr.Internal, "persisting scores", err))
			return
		}
	}
	total, maxTotal := grader.Totals(rows)

	// Background strategy persistence must settle before the terminal write.
	res.Wait()

	won, err := s.q.CompleteEvaluation(ctx, db.CompleteEvaluationParams{
		ID: row.ID, Total: total, MaxTotal: maxTotal, FinishedAt: s.opts.Now().UnixMilli(),
	})
	if err != nil {
		s.log.Error("completing evaluation", "id", row.ID, "error", err)
		return
	}
	if !won {
		return
	}

	if err := s.ledger.Increment(ctx, row.UserID, quota.Tier(row.Tier)); err != nil {
		s.log.Error("incrementing usage after completion", "id", row.ID, "user_id", row.UserID, "error", err)
	}

	if res.Method == selection.MethodCache && res.StrategyID != "" {
		quality := -1.0
		if maxTotal > 0 {
			quality = total / maxTotal
		}
		if err := s.outcomes.RecordOutcome(ctx, res.StrategyID, true, quality); err != nil {
			s.log.Warn("recording strategy outcome", "strategy", res.StrategyID, "error", err)
		}
	}

	s.log.Info("evaluation completed",
		"id", row.ID, "method", res.Method, "total", total, "max_total", maxTotal)
}

func (s *Service) finishFailed(row db.Evaluation, res *selection.Result, cause error) {
	if errors.Is(cause, errAbandoned) {
		return
	}
	if errors.Is(cause, context.Canceled) {
		// Shutdown: leave the row for the next startup requeue.
		s.log.Info("evaluation interrupted", "id", row.ID)
		return
	}

	ctx, cancel := s.terminalContext()
	defer cancel()

	if res != nil {
		res.Wait()
	}

	tag := evalerr.TagOf(cause)
	won, err := s.q.FailEvaluation(ctx, db.FailEvaluationParams{
		ID:           row.ID,
		ErrorTag:     string(tag),
		ErrorMessage: evalerr.Message(cause),
		FinishedAt:   s.opts.Now().UnixMilli(),
	})
	if err != nil {
		s.log.Error("failing evaluation", "id", row.ID, "error", err)
		return
	}
	if !won {
		return
	}

	s.log.Warn("evaluation failed", "id", row.ID, "tag", string(tag), "error", cause)

	if evalerr.ConsumesQuota(tag) {
		if err := s.ledger.Increment(ctx, row.UserID, quota.Tier(row.Tier)); err != nil {
			s.log.Error("incrementing usage after failure", "id", row.ID, "user_id", row.UserID, "error", err)
		}
	}

	if tag == evalerr.ParseFailure && res != nil && res.Method == selection.MethodCache && res.StrategyID != "" {
		if err := s.outcomes.RecordOutcome(ctx, res.StrategyID, false, 0); err != nil {
			s.log.Warn("recording strategy outcome", "strategy", res.StrategyID, "error", err)
		}
	}
}

// terminalContext is independent of the evaluation deadline so terminal
// writes still land when the deadline itself caused the failure.
func (s *Service) terminalContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

// Get returns the evaluation when it belongs to userID. Rows owned by other
// users are reported as not found rather than forbidden.
func (s *Service) Get(ctx context.Context, userID, evaluationID string) (*Evaluation, error) {
	row, err := s.q.GetEvaluation(ctx, evaluationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, evalerr.Errorf(evalerr.NotFound, "evaluation %s not found", evaluationID)
	}
	if err != nil {
		return nil, err
	}
	if row.UserID != userID {
		return nil, evalerr.Errorf(evalerr.NotFound, "evaluation %s not found", evaluationID)
	}

	view, err := toView(row)
	if err != nil {
		return nil, err
	}
	if row.Status == StatusCompleted {
		scores, err := s.q.ListScores(ctx, evaluationID)
		if err != nil {
			return nil, err
		}
		view.Scores, err = s.renderScores(row.CourseID, scores)
		if err != nil {
			return nil, err
		}
	}
	return view, nil
}

// renderScores decodes persisted rubric rows and restores rubric order.
func (s *Service) renderScores(courseID string, rows []db.EvaluationScore) ([]Score, error) {
	out := make([]Score, 0, len(rows))
	for _, r := range rows {
		files, err := db.UnmarshalStrings(r.SourceFiles)
		if err != nil {
			return nil, err
		}
		out = append(out, Score{
			CriterionName: r.CriterionName,
			Score:         r.Score,
			MaxScore:      r.MaxScore,
			Feedback:      r.Feedback,
			SourceFiles:   files,
		})
	}
	if crs, ok := s.catalog.Get(courseID); ok {
		slices.SortStableFunc(out, func(a, b Score) int {
			return crs.CriterionIndex(a.CriterionName) - crs.CriterionIndex(b.CriterionName)
		})
	}
	return out, nil
}

func toView(row db.Evaluation) (*Evaluation, error) {
	files, err := db.UnmarshalStrings(row.SelectedFiles)
	if err != nil {
		return nil, err
	}
	ref := gitref.CommitRef{Owner: row.CommitOwner, Repo: row.CommitRepo, Hash: row.CommitHash}
	view := &Evaluation{
		ID:            row.ID,
		UserID:        row.UserID,
		CommitURL:     ref.URL(),
		CourseID:      row.CourseID,
		Status:        row.Status,
		Method:        row.Method,
		StrategyID:    row.StrategyID.String,
		Confidence:    row.Confidence,
		SelectedFiles: files,
		Total:         row.Total,
		MaxTotal:      row.MaxTotal,
		ErrorTag:      row.ErrorTag.String,
		ErrorMessage:  row.ErrorMessage.String,
		StartedAt:     time.UnixMilli(row.StartedAt),
	}
	if row.FinishedAt.Valid {
		t := time.UnixMilli(row.FinishedAt.Int64)
		view.FinishedAt = &t
	}
	return view, nil
}
