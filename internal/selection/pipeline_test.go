package selection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/repograde/repograde/internal/course"
	"github.com/repograde/repograde/internal/fingerprint"
	"github.com/repograde/repograde/internal/strategy"
	"github.com/stretchr/testify/require"
)

func testCourse() course.Course {
	return course.Course{
		ID:            "mlops",
		DisplayName:   "MLOps Engineering",
		MaxTotalScore: 100,
		HotPrefixes:   []string{"src/pipeline/"},
		Criteria: []course.Criterion{
			{Name: "Pipeline Orchestration", MaxScore: 30, EvidenceHints: []string{"src/pipeline/**", "dags/**"}},
			{Name: "Model Training", MaxScore: 40, EvidenceHints: []string{"**/train*.py"}, Keywords: []string{"model"}},
			{Name: "Documentation", MaxScore: 30, EvidenceHints: []string{"README*"}},
		},
	}
}

// fullListing covers every criterion of testCourse.
func fullListing() []string {
	return []string{
		"data/raw.txt",
		"src/train.py",
		"requirements.txt",
		"src/pipeline/flow.py",
		"README.md",
	}
}

// partialListing leaves Model Training without evidence.
func partialListing() []string {
	return []string{"README.md", "src/pipeline/flow.py", "notes.csv", "data/raw.txt"}
}

func testSig(t *testing.T, listing []string) fingerprint.RepoSignature {
	t.Helper()
	sig, err := fingerprint.BuildSignature("mlops", listing, 0)
	require.NoError(t, err)
	return sig
}

type fakeLLM struct {
	reply      string
	err        error
	calls      int
	lastSystem string
	lastUser   string
}

func (f *fakeLLM) Complete(_ context.Context, system, user string) (string, error) {
	f.calls++
	f.lastSystem, f.lastUser = system, user
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

type storeCall struct {
	courseID  string
	sourceURL string
	files     []string
	perf      strategy.Performance
}

type fakeCache struct {
	mu        sync.Mutex
	hit       *strategy.Hit
	lookupErr error
	storeErr  error
	stored    []storeCall
}

func (f *fakeCache) Lookup(context.Context, fingerprint.RepoSignature, string) (*strategy.Hit, error) {
	return f.hit, f.lookupErr
}

func (f *fakeCache) Store(_ context.Context, sig fingerprint.RepoSignature, courseID, sourceURL string, files []string, perf strategy.Performance) (*strategy.CachedStrategy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storeErr != nil {
		return nil, f.storeErr
	}
	f.stored = append(f.stored, storeCall{courseID: courseID, sourceURL: sourceURL, files: files, perf: perf})
	return &strategy.CachedStrategy{ID: strategy.ID(sig.ID(), courseID)}, nil
}

func (f *fakeCache) RecordOutcome(context.Context, string, bool, float64) error { return nil }

func (f *fakeCache) calls() []storeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storeCall(nil), f.stored...)
}

func newPipeline(cache strategy.Cache, llm LLMClient, opts Options) *Pipeline {
	return NewPipeline(cache, llm, opts, slog.New(slog.DiscardHandler))
}

func TestSelectCacheHit(t *testing.T) {
	t.Parallel()

	cache := &fakeCache{hit: &strategy.Hit{
		Strategy: &strategy.CachedStrategy{
			ID:            "strat_cafe",
			SelectedFiles: []string{"README.md", "src/train.py", "ghost.py"},
		},
		Similarity: 0.93,
		Confidence: 0.95,
	}}
	p := newPipeline(cache, nil, Options{})

	res, err := p.Select(context.Background(), testSig(t, fullListing()), testCourse(), fullListing(), "")
	require.NoError(t, err)
	require.Equal(t, MethodCache, res.Method)
	// Files the repository no longer has are dropped.
	require.Equal(t, []string{"README.md", "src/train.py"}, res.Files)
	// The survivors hint-match two of the three criteria, so the hit's
	// confidence is scaled accordingly.
	require.InDelta(t, 0.95*2.0/3.0, res.Confidence, 1e-9)
	require.Equal(t, "strat_cafe", res.StrategyID)
	res.Wait() // no background work for cache hits
	require.Empty(t, cache.calls())
}

func TestSelectCacheHitWithoutSurvivorsDegrades(t *testing.T) {
	t.Parallel()

	cache := &fakeCache{hit: &strategy.Hit{
		Strategy:   &strategy.CachedStrategy{ID: "strat_stale", SelectedFiles: []string{"gone.py"}},
		Similarity: 0.9,
		Confidence: 0.9,
	}}
	p := newPipeline(cache, nil, Options{})

	res, err := p.Select(context.Background(), testSig(t, fullListing()), testCourse(), fullListing(), "")
	require.NoError(t, err)
	require.Equal(t, MethodRuleBased, res.Method)
	res.Wait()
}

func TestSelectCacheLookupErrorDegrades(t *testing.T) {
	t.Parallel()

	cache := &fakeCache{lookupErr: errors.New("boom")}
	p := newPipeline(cache, nil, Options{})

	res, err := p.Select(context.Background(), testSig(t, fullListing()), testCourse(), fullListing(), "")
	require.NoError(t, err)
	require.Equal(t, MethodRuleBased, res.Method)
	res.Wait()
}

func TestSelectRuleBasedFullCoverage(t *testing.T) {
	t.Parallel()

	p := newPipeline(nil, nil, Options{})
	res, err := p.Select(context.Background(), testSig(t, fullListing()), testCourse(), fullListing(), "")
	require.NoError(t, err)

	require.Equal(t, MethodRuleBased, res.Method)
	require.Equal(t, 0.9, res.Confidence)
	// Ranked by score: README (readme+hint), pipeline file (hint+hot prefix),
	// training file (hint), manifest.
	require.Equal(t, []string{"README.md", "src/pipeline/flow.py", "src/train.py", "requirements.txt"}, res.Files)
	require.Contains(t, res.Reasoning, "all 3 criteria")
	res.Wait()
}

func TestSelectRuleBasedStoresStrategy(t *testing.T) {
	t.Parallel()

	cache := &fakeCache{}
	p := newPipeline(cache, nil, Options{})
	sig := testSig(t, fullListing())

	res, err := p.Select(context.Background(), sig, testCourse(), fullListing(), "https://github.com/octo/demo/commit/a1b2c3d")
	require.NoError(t, err)
	require.Equal(t, MethodRuleBased, res.Method)
	require.Equal(t, strategy.ID(sig.ID(), "mlops"), res.StrategyID)

	res.Wait()
	calls := cache.calls()
	require.Len(t, calls, 1)
	require.Equal(t, "mlops", calls[0].courseID)
	require.Equal(t, "https://github.com/octo/demo/commit/a1b2c3d", calls[0].sourceURL)
	require.Equal(t, res.Files, calls[0].files)
	require.Equal(t, 0.9, calls[0].perf.Accuracy)
}

func TestSelectLLMAssisted(t *testing.T) {
	t.Parallel()

	llm := &fakeLLM{reply: "```json\n[\"README.md\", \"src/pipeline/flow.py\", \"missing.py\", \"notes.csv\"]\n```"}
	p := newPipeline(nil, llm, Options{})

	res, err := p.Select(context.Background(), testSig(t, partialListing()), testCourse(), partialListing(), "")
	require.NoError(t, err)
	require.Equal(t, MethodLLMAssisted, res.Method)
	require.Equal(t, 1, llm.calls)
	// missing.py is not in the listing; notes.csv is guardrail-filtered.
	require.Equal(t, []string{"README.md", "src/pipeline/flow.py"}, res.Files)
	require.InDelta(t, llmConfidence*2.0/3.0, res.Confidence, 1e-9)
	require.Contains(t, res.Reasoning, "2 of 3")
	require.Empty(t, res.StrategyID) // llm selections are never persisted
	require.Contains(t, llm.lastSystem, "Model Training")
	require.Contains(t, llm.lastUser, "src/pipeline/flow.py")
	res.Wait()
}

func TestSelectLLMAssistedNeverStores(t *testing.T) {
	t.Parallel()

	// Only the rule tier persists strategies, even when the scaled llm
	// confidence clears the store threshold.
	cache := &fakeCache{}
	llm := &fakeLLM{reply: `["README.md", "src/pipeline/flow.py"]`}
	p := newPipeline(cache, llm, Options{SimilarityThreshold: 0.45})

	res, err := p.Select(context.Background(), testSig(t, partialListing()), testCourse(), partialListing(), "")
	require.NoError(t, err)
	require.Equal(t, MethodLLMAssisted, res.Method)
	require.GreaterOrEqual(t, res.Confidence, 0.45)
	require.Empty(t, res.StrategyID)
	res.Wait()
	require.Empty(t, cache.calls())
}

func TestSelectLLMFailureFallsBack(t *testing.T) {
	t.Parallel()

	llm := &fakeLLM{err: errors.New("upstream down")}
	p := newPipeline(nil, llm, Options{})

	res, err := p.Select(context.Background(), testSig(t, partialListing()), testCourse(), partialListing(), "")
	require.NoError(t, err)
	require.Equal(t, MethodFallback, res.Method)
	// The fallback picks only the README, which covers one criterion of three.
	require.InDelta(t, fallbackConfidence/3.0, res.Confidence, 1e-9)
	require.Contains(t, res.Files, "README.md")
}

func TestSelectLLMGarbageFallsBack(t *testing.T) {
	t.Parallel()

	llm := &fakeLLM{reply: "I would start by reading the README."}
	p := newPipeline(nil, llm, Options{})

	res, err := p.Select(context.Background(), testSig(t, partialListing()), testCourse(), partialListing(), "")
	require.NoError(t, err)
	require.Equal(t, MethodFallback, res.Method)
}

func TestSelectFallbackWithoutLLM(t *testing.T) {
	t.Parallel()

	p := newPipeline(nil, nil, Options{})
	res, err := p.Select(context.Background(), testSig(t, partialListing()), testCourse(), partialListing(), "")
	require.NoError(t, err)
	require.Equal(t, MethodFallback, res.Method)
	require.InDelta(t, fallbackConfidence/3.0, res.Confidence, 1e-9)
}

func TestSelectKeywordOnlyEvidenceFallsThrough(t *testing.T) {
	t.Parallel()

	// model_card.md carries the Model Training keyword but matches no hint,
	// so the rule tier cannot claim that criterion as covered.
	listing := []string{"README.md", "src/pipeline/flow.py", "model_card.md"}
	files, cov := RuleBased(testCourse(), listing, 50)
	require.Contains(t, files, "model_card.md")
	require.InDelta(t, 2.0/3.0, cov, 1e-9)

	p := newPipeline(nil, nil, Options{})
	res, err := p.Select(context.Background(), testSig(t, listing), testCourse(), listing, "")
	require.NoError(t, err)
	require.Equal(t, MethodFallback, res.Method)
	require.InDelta(t, fallbackConfidence/3.0, res.Confidence, 1e-9)
}

func TestSelectFallbackZeroCoverageListing(t *testing.T) {
	t.Parallel()

	listing := []string{"c.xyz", "a.xyz", "b.xyz"}
	p := newPipeline(nil, nil, Options{})
	res, err := p.Select(context.Background(), testSig(t, listing), testCourse(), listing, "")
	require.NoError(t, err)
	require.Equal(t, MethodFallback, res.Method)
	require.Equal(t, []string{"a.xyz", "b.xyz", "c.xyz"}, res.Files)
	// Nothing in the listing evidences any criterion.
	require.Equal(t, 0.0, res.Confidence)
}

func TestSelectCapBreaksFullCoverage(t *testing.T) {
	t.Parallel()

	// With only two slots the capped selection cannot cover all three
	// criteria, so the rule tier must not claim full coverage.
	p := newPipeline(nil, nil, Options{MaxFiles: 2})
	res, err := p.Select(context.Background(), testSig(t, fullListing()), testCourse(), fullListing(), "")
	require.NoError(t, err)
	require.Equal(t, MethodFallback, res.Method)
	require.LessOrEqual(t, len(res.Files), 2)
}

func TestSelectEmptyListing(t *testing.T) {
	t.Parallel()

	p := newPipeline(nil, nil, Options{})
	res, err := p.Select(context.Background(), testSig(t, []string{"README.md"}), testCourse(), nil, "")
	require.NoError(t, err)
	require.Equal(t, MethodFallback, res.Method)
	require.Empty(t, res.Files)
	require.Equal(t, 0.0, res.Confidence)
	res.Wait()
}

func TestRuleBasedPermutationInvariance(t *testing.T) {
	t.Parallel()

	crs := testCourse()
	a, covA := RuleBased(crs, fullListing(), 50)

	reversed := make([]string, 0, len(fullListing()))
	for i := len(fullListing()) - 1; i >= 0; i-- {
		reversed = append(reversed, fullListing()[i])
	}
	b, covB := RuleBased(crs, reversed, 50)

	require.Equal(t, a, b)
	require.Equal(t, covA, covB)
	require.Equal(t, 1.0, covA)
}

func TestPruneListing(t *testing.T) {
	t.Parallel()

	crs := testCourse()
	listing := []string{"zz.txt", "aa.txt", "README.md", "src/train.py"}

	pruned := PruneListing(crs, listing, 3)
	require.Equal(t, []string{"README.md", "src/train.py", "zz.txt"}, pruned)

	// Equal scores keep their original relative order.
	all := PruneListing(crs, listing, 0)
	require.Equal(t, []string{"README.md", "src/train.py", "zz.txt", "aa.txt"}, all)
}

func TestFallbackFilesGroups(t *testing.T) {
	t.Parallel()

	listing := []string{
		"weird.xyz",
		"src/model_utils.py",
		"docs/README.md",
		"README.md",
		"app/main.py",
		"package.json",
		"nested/package.json",
	}
	got := FallbackFiles(testCourse(), listing, 50)
	// Sorted READMEs, then top-level manifests, then entry points, then
	// basenames carrying a criterion keyword. nested/package.json and
	// weird.xyz match no group.
	require.Equal(t, []string{
		"README.md",
		"docs/README.md",
		"package.json",
		"app/main.py",
		"src/model_utils.py",
	}, got)
}

func TestFallbackFilesUnrecognizableListing(t *testing.T) {
	t.Parallel()

	listing := make([]string, 0, 15)
	for _, n := range []string{"o", "n", "m", "l", "k", "j", "i", "h", "g", "f", "e", "d", "c", "b", "a"} {
		listing = append(listing, n+".xyz")
	}
	got := FallbackFiles(testCourse(), listing, 50)
	require.Len(t, got, fallbackHeadCount)
	require.Equal(t, "a.xyz", got[0])
}

func TestParseFileArray(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		reply   string
		want    []string
		wantErr bool
	}{
		{"plain array", `["a.py","b.py"]`, []string{"a.py", "b.py"}, false},
		{"fenced array", "```json\n[\"a.py\"]\n```", []string{"a.py"}, false},
		{"fence without tag", "```\n[\"a.py\"]\n```", []string{"a.py"}, false},
		{"mixed element types", `["a.py", 42, null, "b.py"]`, []string{"a.py", "b.py"}, false},
		{"object instead of array", `{"files":["a.py"]}`, nil, true},
		{"empty array", `[]`, nil, true},
		{"prose", "take a look at a.py", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := parseFileArray(tt.reply)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestResultWaitWithoutBackgroundWork(t *testing.T) {
	t.Parallel()

	res := &Result{}
	donech := make(chan struct{})
	go func() {
		res.Wait()
		close(donech)
	}()
	select {
	case <-donech:
	case <-time.After(time.Second):
		t.Fatal("Wait blocked without background work")
	}
}
