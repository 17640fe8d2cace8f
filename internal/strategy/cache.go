package strategy

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/repograde/repograde/internal/db"
	"github.com/repograde/repograde/internal/evalerr"
	"github.com/repograde/repograde/internal/fetcher"
	"github.com/repograde/repograde/internal/fingerprint"
	"github.com/zeebo/xxh3"
)

// Performance is the selection-quality snapshot attached to a strategy.
// Accuracy is the confidence the selection earned when stored,
// ProcessingTime the selection wall time in seconds, and EvaluationQuality
// a running mean of normalized grading totals served from this strategy.
type Performance struct {
	Accuracy          float64
	ProcessingTime    float64
	EvaluationQuality float64
}

// CachedStrategy is one reusable file-selection strategy.
type CachedStrategy struct {
	ID            string
	CourseID      string
	Signature     fingerprint.RepoSignature
	SelectedFiles []string
	Performance   Performance
	UsageCount    int64
	SuccessCount  int64
	SuccessRate   float64
	CreatedAt     time.Time
	LastUsed      time.Time
	LastUpdated   time.Time
	Version       int64
	SourceURL     string
}

func (cs *CachedStrategy) clone() *CachedStrategy {
	out := *cs
	out.SelectedFiles = append([]string(nil), cs.SelectedFiles...)
	out.Signature.Technologies = append([]string(nil), cs.Signature.Technologies...)
	out.Signature.DirectoryStructure = append([]string(nil), cs.Signature.DirectoryStructure...)
	if cs.Signature.FileTypes != nil {
		ft := make(map[string]int, len(cs.Signature.FileTypes))
		for k, v := range cs.Signature.FileTypes {
			ft[k] = v
		}
		out.Signature.FileTypes = ft
	}
	return &out
}

// Hit is a successful cache lookup. Strategy is a snapshot; mutating it does
// not affect the cached entry.
type Hit struct {
	Strategy   *CachedStrategy
	Similarity float64
	Confidence float64
}

// Cache is the strategy cache seen by the selection pipeline and the
// orchestrator.
type Cache interface {
	// Lookup returns the best match at or above the similarity threshold,
	// or nil when nothing qualifies.
	Lookup(ctx context.Context, sig fingerprint.RepoSignature, courseID string) (*Hit, error)
	// Store persists a strategy for the signature and course. Re-storing
	// the same pair refreshes the files without resetting usage history.
	Store(ctx context.Context, sig fingerprint.RepoSignature, courseID, sourceURL string, files []string, perf Performance) (*CachedStrategy, error)
	// RecordOutcome folds one served evaluation's result into the
	// strategy's counters. A negative quality means no quality signal.
	RecordOutcome(ctx context.Context, id string, success bool, quality float64) error
}

// Stats is the cache health snapshot served by the stats endpoint. Hit and
// miss counters are per-process; entries and usage reflect persisted state.
type Stats struct {
	Entries           int     `json:"entries"`
	TotalUsage        int64   `json:"totalUsage"`
	HitCount          int64   `json:"hitCount"`
	MissCount         int64   `json:"missCount"`
	HitRate           float64 `json:"hitRate"`
	AverageConfidence float64 `json:"averageConfidence"`
	Evictions         int64   `json:"evictions"`
}

// ID derives the deterministic strategy id for a signature and course pair.
func ID(signatureID, courseID string) string {
	return fmt.Sprintf("strat_%016x", xxh3.HashString(signatureID+"\x00"+courseID))
}

// Options configure the cache service.
type Options struct {
	MaxEntries          int
	SimilarityThreshold float64
	Now                 func() time.Time
}

// DefaultOptions returns the cache defaults: 1000 entries, 0.8 threshold.
func DefaultOptions() Options {
	return Options{
		MaxEntries:          1000,
		SimilarityThreshold: 0.8,
		Now:                 time.Now,
	}
}

// Service implements Cache over an LRU bounded at MaxEntries, write-through
// to SQLite. Evicted entries are deleted from the database so a restart
// reloads exactly the surviving set.
type Service struct {
	q           *db.Queries
	rawDB       *sql.DB
	opts        Options
	knownCourse func(string) bool
	log         *slog.Logger

	mu      sync.Mutex
	entries *lru.Cache[string, *CachedStrategy]

	statsMu       sync.Mutex
	hitCount      int64
	missCount     int64
	confidenceSum float64
	evictions     int64
}

// NewService builds the cache and reloads persisted strategies least
// recently used first, so in-memory recency matches the stored order.
func NewService(ctx context.Context, q *db.Queries, rawDB *sql.DB, knownCourse func(string) bool, opts Options, log *slog.Logger) (*Service, error) {
	def := DefaultOptions()
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = def.MaxEntries
	}
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = def.SimilarityThreshold
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Service{
		q:           q,
		rawDB:       rawDB,
		opts:        opts,
		knownCourse: knownCourse,
		log:         log,
	}

	entries, err := lru.NewWithEvict(opts.MaxEntries, s.onEvict)
	if err != nil {
		return nil, fmt.Errorf("building strategy LRU: %w", err)
	}
	s.entries = entries

	if err := s.loadPersisted(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) loadPersisted(ctx context.Context) error {
	rows, err := s.q.ListStrategiesByRecency(ctx)
	if err != nil {
		return fmt.Errorf("loading cached strategies: %w", err)
	}
	for _, row := range rows {
		cs, err := fromRow(row)
		if err != nil {
			s.log.Warn("skipping unreadable cached strategy", "id", row.Strategy.ID, "error", err)
			continue
		}
		s.entries.Add(cs.ID, cs)
	}
	s.log.Info("strategy cache loaded", "entries", s.entries.Len())
	return nil
}

// onEvict removes the evicted strategy's row. Runs with s.mu held.
func (s *Service) onEvict(id string, _ *CachedStrategy) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.q.DeleteStrategy(ctx, id); err != nil {
		s.log.Warn("deleting evicted strategy", "id", id, "error", err)
	}
	s.statsMu.Lock()
	s.evictions++
	s.statsMu.Unlock()
	s.log.Debug("strategy evicted", "id", id)
}

// Lookup scans the course's entries for the most similar signature. The best
// match wins only at or above the similarity threshold; equal similarity
// breaks toward the lexicographically smallest id so replays are stable.
func (s *Service) Lookup(ctx context.Context, sig fingerprint.RepoSignature, courseID string) (*Hit, error) {
	s.mu.Lock()

	var best *CachedStrategy
	bestSim := -1.0
	for _, cs := range s.entries.Values() {
		if cs.CourseID != courseID {
			continue
		}
		sim := Similarity(sig, cs.Signature)
		if sim > bestSim || (sim == bestSim && best != nil && cs.ID < best.ID) {
			best, bestSim = cs, sim
		}
	}

	if best == nil || bestSim < s.opts.SimilarityThreshold {
		s.mu.Unlock()
		s.statsMu.Lock()
		s.missCount++
		s.statsMu.Unlock()
		return nil, nil
	}

	now := s.opts.Now()
	best.UsageCount++
	best.LastUsed = now
	best.SuccessRate = float64(best.SuccessCount) / float64(best.UsageCount)
	s.entries.Get(best.ID) // recency bump

	conf := Confidence(bestSim, best.SuccessRate, best.UsageCount)
	snapshot := best.clone()
	s.mu.Unlock()

	if err := s.q.TouchStrategyUsage(ctx, db.TouchStrategyUsageParams{ID: snapshot.ID, LastUsed: now.UnixMilli()}); err != nil {
		s.log.Warn("persisting strategy usage", "id", snapshot.ID, "error", err)
	}

	s.statsMu.Lock()
	s.hitCount++
	s.confidenceSum += conf
	s.statsMu.Unlock()

	return &Hit{Strategy: snapshot, Similarity: bestSim, Confidence: conf}, nil
}

// Store validates and persists the strategy, then mirrors it in memory.
// Inserting a new entry may evict the least recently used one.
func (s *Service) Store(ctx context.Context, sig fingerprint.RepoSignature, courseID, sourceURL string, files []string, perf Performance) (*CachedStrategy, error) {
	if s.knownCourse != nil && !s.knownCourse(courseID) {
		return nil, evalerr.Errorf(evalerr.InvalidInput, "unknown course %q", courseID)
	}
	if sig.CourseID != courseID {
		return nil, evalerr.Errorf(evalerr.InvalidInput, "signature course %q does not match %q", sig.CourseID, courseID)
	}
	if len(fetcher.ApplyGuardrail(files)) != len(files) {
		return nil, evalerr.New(evalerr.InvalidInput, "strategy contains guardrail-filtered files")
	}
	deduped := make([]string, 0, len(files))
	seen := make(map[string]struct{}, len(files))
	for _, f := range files {
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		deduped = append(deduped, f)
	}
	if len(deduped) == 0 {
		return nil, evalerr.New(evalerr.InvalidInput, "strategy has no files")
	}

	id := ID(sig.ID(), courseID)
	now := s.opts.Now()

	tx, err := s.rawDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	qtx := s.q.WithTx(tx)

	if err := qtx.UpsertSignature(ctx, db.UpsertSignatureParams{
		ID:                 sig.ID(),
		CourseID:           sig.CourseID,
		PatternHash:        sig.PatternHash,
		Technologies:       db.MarshalStrings(sig.Technologies),
		DirectoryStructure: db.MarshalStrings(sig.DirectoryStructure),
		SizeCategory:       sig.SizeCategory,
		FileTypes:          db.MarshalIntMap(sig.FileTypes),
		SourceURL:          sourceURL,
		FirstSeenAt:        now.UnixMilli(),
	}); err != nil {
		return nil, err
	}
	if err := qtx.UpsertStrategy(ctx, db.UpsertStrategyParams{
		ID:                    id,
		SignatureID:           sig.ID(),
		CourseID:              courseID,
		SelectedFiles:         db.MarshalStrings(deduped),
		PerfAccuracy:          perf.Accuracy,
		PerfProcessingTime:    perf.ProcessingTime,
		PerfEvaluationQuality: perf.EvaluationQuality,
		CreatedAt:             now.UnixMilli(),
		LastUsed:              now.UnixMilli(),
		LastUpdated:           now.UnixMilli(),
		SourceURL:             sourceURL,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing strategy: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries.Peek(id); ok {
		// Refresh in place without a recency bump, matching the upsert.
		existing.SelectedFiles = append([]string(nil), deduped...)
		existing.Performance.Accuracy = perf.Accuracy
		existing.Performance.ProcessingTime = perf.ProcessingTime
		existing.LastUpdated = now
		existing.SourceURL = sourceURL
		existing.Version++
		return existing.clone(), nil
	}

	cs := &CachedStrategy{
		ID:            id,
		CourseID:      courseID,
		Signature:     sig,
		SelectedFiles: deduped,
		Performance:   perf,
		UsageCount:    1,
		CreatedAt:     now,
		LastUsed:      now,
		LastUpdated:   now,
		Version:       1,
		SourceURL:     sourceURL,
	}
	s.entries.Add(id, cs)
	s.log.Info("strategy stored", "id", id, "course", courseID, "files", len(deduped))
	return cs.clone(), nil
}

// RecordOutcome updates the strategy's success counters and, when quality is
// non-negative, its running quality mean. Outcomes for evicted strategies
// are dropped.
func (s *Service) RecordOutcome(ctx context.Context, id string, success bool, quality float64) error {
	s.mu.Lock()
	cs, ok := s.entries.Peek(id)
	if !ok {
		s.mu.Unlock()
		s.log.Debug("outcome for evicted strategy dropped", "id", id)
		return nil
	}

	var delta int64
	if success {
		delta = 1
	}
	now := s.opts.Now()
	cs.SuccessCount += delta
	cs.SuccessRate = float64(cs.SuccessCount) / float64(cs.UsageCount)
	if quality >= 0 {
		cs.Performance.EvaluationQuality += (quality - cs.Performance.EvaluationQuality) / float64(cs.UsageCount)
	}
	cs.LastUpdated = now
	cs.Version++
	s.mu.Unlock()

	return s.q.ApplyStrategyOutcome(ctx, db.ApplyStrategyOutcomeParams{
		ID:           id,
		SuccessDelta: delta,
		HasQuality:   quality >= 0,
		Quality:      quality,
		LastUpdated:  now.UnixMilli(),
	})
}

// Get returns a snapshot of the strategy without touching recency.
func (s *Service) Get(id string) (*CachedStrategy, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.entries.Peek(id)
	if !ok {
		return nil, false
	}
	return cs.clone(), true
}

// Stats returns the current cache health snapshot.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	var totalUsage int64
	for _, cs := range s.entries.Values() {
		totalUsage += cs.UsageCount
	}
	entries := s.entries.Len()
	s.mu.Unlock()

	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	st := Stats{
		Entries:    entries,
		TotalUsage: totalUsage,
		HitCount:   s.hitCount,
		MissCount:  s.missCount,
		Evictions:  s.evictions,
	}
	if lookups := s.hitCount + s.missCount; lookups > 0 {
		st.HitRate = float64(s.hitCount) / float64(lookups)
	}
	if s.hitCount > 0 {
		st.AverageConfidence = s.confidenceSum / float64(s.hitCount)
	}
	return st
}

func fromRow(row db.ListStrategiesByRecencyRow) (*CachedStrategy, error) {
	files, err := db.UnmarshalStrings(row.Strategy.SelectedFiles)
	if err != nil {
		return nil, err
	}
	techs, err := db.UnmarshalStrings(row.Signature.Technologies)
	if err != nil {
		return nil, err
	}
	dirs, err := db.UnmarshalStrings(row.Signature.DirectoryStructure)
	if err != nil {
		return nil, err
	}
	fileTypes, err := db.UnmarshalIntMap(row.Signature.FileTypes)
	if err != nil {
		return nil, err
	}
	return &CachedStrategy{
		ID:       row.Strategy.ID,
		CourseID: row.Strategy.CourseID,
		Signature: fingerprint.RepoSignature{
			CourseID:           row.Signature.CourseID,
			PatternHash:        row.Signature.PatternHash,
			Technologies:       techs,
			DirectoryStructure: dirs,
			FileTypes:          fileTypes,
			SizeCategory:       row.Signature.SizeCategory,
		},
		SelectedFiles: files,
		Performance: Performance{
			Accuracy:          row.Strategy.PerfAccuracy,
			ProcessingTime:    row.Strategy.PerfProcessingTime,
			EvaluationQuality: row.Strategy.PerfEvaluationQuality,
		},
		UsageCount:   row.Strategy.UsageCount,
		SuccessCount: row.Strategy.SuccessCount,
		SuccessRate:  row.Strategy.SuccessRate,
		CreatedAt:    time.UnixMilli(row.Strategy.CreatedAt),
		LastUsed:     time.UnixMilli(row.Strategy.LastUsed),
		LastUpdated:  time.UnixMilli(row.Strategy.LastUpdated),
		Version:      row.Strategy.Version,
		SourceURL:    row.Strategy.SourceURL,
	}, nil
}
