// Package selection picks the evidence files for an evaluation through a
// four-tier cascade: cached strategy, rule-based matching, LLM-assisted
// selection, and a static fallback. Every tier degrades to the next on
// failure, so selection itself never fails an evaluation.
package selection

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/repograde/repograde/internal/course"
	"github.com/repograde/repograde/internal/fetcher"
	"github.com/repograde/repograde/internal/fingerprint"
	"github.com/repograde/repograde/internal/strategy"
)

// Selection methods, in cascade order.
const (
	MethodCache       = "cache"
	MethodRuleBased   = "rule-based"
	MethodLLMAssisted = "llm-assisted"
	MethodFallback    = "fallback"
)

// Tier confidences as reported before coverage scaling. Cache hits carry
// their own formula-derived confidence. RuleConfidence is exported for the
// cache warmer, which records it as the accuracy of synthetic strategies.
const (
	RuleConfidence     = 0.9
	llmConfidence      = 0.7
	fallbackConfidence = 0.4
)

// Result is the outcome of one selection.
type Result struct {
	Files      []string
	Method     string
	Confidence float64
	Reasoning  string
	StrategyID string
	Duration   time.Duration

	done <-chan struct{}
}

// Wait blocks until background persistence spawned by this selection has
// settled. Selections without background work return immediately.
func (r *Result) Wait() {
	if r.done != nil {
		<-r.done
	}
}

// Options configure the pipeline.
type Options struct {
	MaxFiles            int
	SimilarityThreshold float64
	LLMListingLimit     int
}

// DefaultOptions returns the pipeline defaults.
func DefaultOptions() Options {
	return Options{
		MaxFiles:            50,
		SimilarityThreshold: 0.8,
		LLMListingLimit:     400,
	}
}

// Pipeline runs the selection cascade. A nil cache disables tier 1 and
// strategy persistence; a nil LLM client disables tier 3.
type Pipeline struct {
	cache strategy.Cache
	llm   LLMClient
	opts  Options
	log   *slog.Logger
}

// NewPipeline builds a selection pipeline.
func NewPipeline(cache strategy.Cache, llm LLMClient, opts Options, log *slog.Logger) *Pipeline {
	def := DefaultOptions()
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = def.MaxFiles
	}
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = def.SimilarityThreshold
	}
	if opts.LLMListingLimit <= 0 {
		opts.LLMListingLimit = def.LLMListingLimit
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{cache: cache, llm: llm, opts: opts, log: log}
}

// Select chooses the evidence files for the signature's repository. The
// returned files are always drawn from the listing, deduplicated, and capped
// at MaxFiles; the confidence is the winning tier's reported confidence
// scaled by the share of rubric criteria those files evidence.
func (p *Pipeline) Select(ctx context.Context, sig fingerprint.RepoSignature, crs course.Course, listing []string, sourceURL string) (*Result, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if len(listing) == 0 {
		p.log.Warn("selection requested for empty listing", "course", crs.ID)
		return &Result{Method: MethodFallback, Reasoning: "no evaluable files", Duration: time.Since(start)}, nil
	}

	listingSet := make(map[string]struct{}, len(listing))
	for _, f := range listing {
		listingSet[f] = struct{}{}
	}
	m := newRuleMatcher(crs)

	// Tier 1: cached strategy.
	if p.cache != nil {
		hit, err := p.cache.Lookup(ctx, sig, crs.ID)
		switch {
		case err != nil:
			p.log.Warn("strategy cache lookup failed, degrading", "course", crs.ID, "error", err)
		case hit != nil:
			files := intersect(hit.Strategy.SelectedFiles, listingSet)
			if len(files) > 0 {
				res := &Result{
					Files:      files,
					Method:     MethodCache,
					Confidence: hit.Confidence,
					Reasoning:  fmt.Sprintf("reused strategy %s at similarity %.2f", hit.Strategy.ID, hit.Similarity),
					StrategyID: hit.Strategy.ID,
				}
				return p.finish(res, m, listingSet, start), nil
			}
			p.log.Info("cached strategy files absent from listing, degrading",
				"course", crs.ID, "strategy", hit.Strategy.ID)
		}
	}

	// Tier 2: rule-based, only when every criterion has evidence.
	if files, cov := RuleBased(crs, listing, p.opts.MaxFiles); len(files) > 0 && cov == 1 {
		res := p.finish(&Result{
			Files:      files,
			Method:     MethodRuleBased,
			Confidence: RuleConfidence,
			Reasoning:  fmt.Sprintf("rule-based selection covering all %d criteria", len(crs.Criteria)),
		}, m, listingSet, start)
		return p.maybeStore(sig, crs.ID, sourceURL, res), nil
	}

	// Tier 3: LLM-assisted.
	if p.llm != nil {
		raw, err := p.llmSelect(ctx, crs, listing)
		if err != nil {
			p.log.Warn("llm-assisted selection failed, degrading", "course", crs.ID, "error", err)
		} else if picked := fetcher.ApplyGuardrail(intersect(raw, listingSet)); len(picked) > 0 {
			res := p.finish(&Result{
				Files:      picked,
				Method:     MethodLLMAssisted,
				Confidence: llmConfidence,
			}, m, listingSet, start)
			covered, total := m.coverage(res.Files)
			res.Reasoning = fmt.Sprintf("llm-assisted selection covering %d of %d criteria", covered, total)
			return res, nil
		} else {
			p.log.Warn("llm selection produced no usable files, degrading", "course", crs.ID)
		}
	}

	// Tier 4: static fallback.
	res := p.finish(&Result{
		Files:      FallbackFiles(crs, listing, p.opts.MaxFiles),
		Method:     MethodFallback,
		Confidence: fallbackConfidence,
		Reasoning:  "static fallback selection",
	}, m, listingSet, start)
	return res, nil
}

// finish normalizes a tier's raw result: files are intersected with the
// listing, deduplicated, and capped, then the confidence is scaled by the
// fraction of criteria the surviving files cover.
func (p *Pipeline) finish(res *Result, m *ruleMatcher, listingSet map[string]struct{}, start time.Time) *Result {
	res.Files = intersect(res.Files, listingSet)
	if len(res.Files) > p.opts.MaxFiles {
		res.Files = res.Files[:p.opts.MaxFiles]
	}
	if covered, total := m.coverage(res.Files); total > 0 {
		res.Confidence *= float64(covered) / float64(total)
	}
	res.Duration = time.Since(start)
	return res
}

// maybeStore persists rule-based selections that clear the similarity
// threshold, so future evaluations of similar repositories hit tier 1. The
// store runs in the background; Result.Wait observes its completion.
func (p *Pipeline) maybeStore(sig fingerprint.RepoSignature, courseID, sourceURL string, res *Result) *Result {
	if p.cache == nil || len(res.Files) == 0 || res.Confidence < p.opts.SimilarityThreshold {
		return res
	}
	res.StrategyID = strategy.ID(sig.ID(), courseID)

	done := make(chan struct{})
	res.done = done
	files := append([]string(nil), res.Files...)
	perf := strategy.Performance{Accuracy: res.Confidence, ProcessingTime: res.Duration.Seconds()}

	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := p.cache.Store(ctx, sig, courseID, sourceURL, files, perf); err != nil {
			p.log.Warn("storing selection strategy", "course", courseID, "error", err)
		}
	}()
	return res
}

// intersect keeps the files present in the listing, first occurrence wins.
func intersect(files []string, listingSet map[string]struct{}) []string {
	out := make([]string, 0, len(files))
	seen := make(map[string]struct{}, len(files))
	for _, f := range files {
		if _, ok := listingSet[f]; !ok {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}
