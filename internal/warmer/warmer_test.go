package warmer

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/repograde/repograde/internal/course"
	"github.com/repograde/repograde/internal/fingerprint"
	"github.com/repograde/repograde/internal/selection"
	"github.com/repograde/repograde/internal/strategy"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	at time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at = c.at.Add(d)
}

type storeCall struct {
	courseID  string
	sourceURL string
	files     []string
	perf      strategy.Performance
}

type fakeStore struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]*strategy.CachedStrategy
	stored  []storeCall
}

func newFakeStore(now func() time.Time) *fakeStore {
	return &fakeStore{now: now, entries: make(map[string]*strategy.CachedStrategy)}
}

func (f *fakeStore) Lookup(context.Context, fingerprint.RepoSignature, string) (*strategy.Hit, error) {
	return nil, nil
}

func (f *fakeStore) Store(_ context.Context, sig fingerprint.RepoSignature, courseID, sourceURL string, files []string, perf strategy.Performance) (*strategy.CachedStrategy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := strategy.ID(sig.ID(), courseID)
	cs := &strategy.CachedStrategy{
		ID:            id,
		CourseID:      courseID,
		SelectedFiles: files,
		Performance:   perf,
		LastUpdated:   f.now(),
		SourceURL:     sourceURL,
	}
	f.entries[id] = cs
	f.stored = append(f.stored, storeCall{courseID: courseID, sourceURL: sourceURL, files: files, perf: perf})
	return cs, nil
}

func (f *fakeStore) RecordOutcome(context.Context, string, bool, float64) error { return nil }

func (f *fakeStore) Get(id string) (*strategy.CachedStrategy, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cs, ok := f.entries[id]
	return cs, ok
}

func (f *fakeStore) calls() []storeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storeCall(nil), f.stored...)
}

func testCatalog(t *testing.T) *course.Catalog {
	t.Helper()
	cat, err := course.LoadCatalog("")
	require.NoError(t, err)
	return cat
}

func newTestWarmer(t *testing.T, store StrategyStore, shapes []Shape, clk *fakeClock) *Warmer {
	t.Helper()
	return New(store, testCatalog(t), shapes, Options{Now: clk.Now}, slog.New(slog.DiscardHandler))
}

func TestLoadShapesEmbedded(t *testing.T) {
	t.Parallel()

	shapes, err := LoadShapes("")
	require.NoError(t, err)
	require.NotEmpty(t, shapes)

	// Every embedded shape names a known course and fully covers its rubric.
	cat := testCatalog(t)
	for _, s := range shapes {
		crs, ok := cat.Get(s.CourseID)
		require.True(t, ok, "shape %s names unknown course %s", s.Name, s.CourseID)
		require.GreaterOrEqual(t, s.Frequency, 1.0)

		files, coverage := selection.RuleBased(crs, s.Files, 0)
		require.NotEmpty(t, files, "shape %s matches no rules", s.Name)
		require.Equal(t, 1.0, coverage, "shape %s does not cover every criterion", s.Name)
	}
}

func TestLoadShapesFromFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "shapes.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"shapes": [
			{"name": "custom", "courseId": "mlops", "frequency": 4, "files": ["README.md", "src/train.py"]}
		]
	}`), 0o644))

	shapes, err := LoadShapes(path)
	require.NoError(t, err)
	require.Len(t, shapes, 1)
	require.Equal(t, "custom", shapes[0].Name)
	require.Equal(t, 6*time.Hour, shapes[0].refreshEvery())
}

func TestLoadShapesRejectsBadTables(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{"not json", `shapes!`},
		{"empty table", `{"shapes": []}`},
		{"frequency below one", `{"shapes":[{"name":"s","courseId":"mlops","frequency":0.5,"files":["README.md"]}]}`},
		{"no files", `{"shapes":[{"name":"s","courseId":"mlops","frequency":1,"files":[]}]}`},
		{"duplicate names", `{"shapes":[
			{"name":"s","courseId":"mlops","frequency":1,"files":["README.md"]},
			{"name":"s","courseId":"llm-rag","frequency":1,"files":["README.md"]}
		]}`},
		{"guardrail violation", `{"shapes":[{"name":"s","courseId":"mlops","frequency":1,"files":["assets/logo.png"]}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "shapes.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0o644))
			_, err := LoadShapes(path)
			require.Error(t, err)
		})
	}
}

func TestRunOnceStoresDueShapes(t *testing.T) {
	t.Parallel()

	shapes, err := LoadShapes("")
	require.NoError(t, err)

	clk := &fakeClock{at: time.UnixMilli(1_000_000_000)}
	store := newFakeStore(clk.Now)
	w := newTestWarmer(t, store, shapes, clk)

	w.RunOnce(context.Background())
	calls := store.calls()
	require.Len(t, calls, len(shapes))
	for i, call := range calls {
		require.Equal(t, "synthetic://"+shapes[i].Name, call.sourceURL)
		require.Equal(t, shapes[i].CourseID, call.courseID)
		require.NotEmpty(t, call.files)
		require.Equal(t, selection.RuleConfidence, call.perf.Accuracy)
	}
}

func TestRunOnceSkipsFreshShapes(t *testing.T) {
	t.Parallel()

	shapes, err := LoadShapes("")
	require.NoError(t, err)

	clk := &fakeClock{at: time.UnixMilli(1_000_000_000)}
	store := newFakeStore(clk.Now)
	w := newTestWarmer(t, store, shapes, clk)

	w.RunOnce(context.Background())
	require.Len(t, store.calls(), len(shapes))

	// Nothing has aged, so nothing is re-warmed.
	w.RunOnce(context.Background())
	require.Len(t, store.calls(), len(shapes))
}

func TestRunOnceRefreshesPerFrequency(t *testing.T) {
	t.Parallel()

	shapes := []Shape{
		{Name: "twice-daily", CourseID: "mlops", Frequency: 2, Files: []string{"README.md", "src/train.py"}},
		{Name: "daily", CourseID: "mlops", Frequency: 1, Files: []string{"README.md", "Dockerfile"}},
	}

	clk := &fakeClock{at: time.UnixMilli(1_000_000_000)}
	store := newFakeStore(clk.Now)
	w := newTestWarmer(t, store, shapes, clk)

	w.RunOnce(context.Background())
	require.Len(t, store.calls(), 2)

	// 13 hours in: the twice-daily shape is past its 12h refresh, the daily
	// one is not.
	clk.Advance(13 * time.Hour)
	w.RunOnce(context.Background())
	calls := store.calls()
	require.Len(t, calls, 3)
	require.Equal(t, "synthetic://twice-daily", calls[2].sourceURL)

	// Another 12 hours and both are stale.
	clk.Advance(12 * time.Hour)
	w.RunOnce(context.Background())
	require.Len(t, store.calls(), 5)
}

func TestRunOnceSkipsBrokenShape(t *testing.T) {
	t.Parallel()

	shapes := []Shape{
		{Name: "ghost", CourseID: "no-such-course", Frequency: 1, Files: []string{"README.md"}},
		{Name: "real", CourseID: "mlops", Frequency: 1, Files: []string{"README.md", "src/train.py"}},
	}

	clk := &fakeClock{at: time.UnixMilli(1_000_000_000)}
	store := newFakeStore(clk.Now)
	w := newTestWarmer(t, store, shapes, clk)

	w.RunOnce(context.Background())
	calls := store.calls()
	require.Len(t, calls, 1)
	require.Equal(t, "synthetic://real", calls[0].sourceURL)
}

func TestRunStopsWithContext(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{at: time.UnixMilli(1_000_000_000)}
	store := newFakeStore(clk.Now)
	w := newTestWarmer(t, store, nil, clk)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, w.Run(ctx))
}
