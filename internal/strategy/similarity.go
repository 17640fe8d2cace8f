// Package strategy caches file-selection strategies keyed by repository
// signature and course. Entries live in a bounded in-memory LRU mirrored to
// SQLite, so both recency ordering and outcome counters survive a restart.
package strategy

import "github.com/repograde/repograde/internal/fingerprint"

// Similarity weights. Pattern-hash equality dominates; the structural
// components fill in the rest.
const (
	weightPatternHash  = 0.40
	weightTechnologies = 0.30
	weightDirectories  = 0.20
	weightSizeCategory = 0.10
)

// Similarity scores two signatures in [0, 1]. The pattern hash and size
// category compare exactly; technologies and directory structure compare by
// Jaccard overlap.
func Similarity(a, b fingerprint.RepoSignature) float64 {
	score := 0.0
	if a.PatternHash == b.PatternHash {
		score += weightPatternHash
	}
	score += weightTechnologies * jaccard(a.Technologies, b.Technologies)
	score += weightDirectories * jaccard(a.DirectoryStructure, b.DirectoryStructure)
	if a.SizeCategory == b.SizeCategory {
		score += weightSizeCategory
	}
	return score
}

// Confidence derives a serving confidence from the match similarity and the
// strategy's track record, clamped to 1. The usage bonus caps at 0.1.
func Confidence(similarity, successRate float64, usageCount int64) float64 {
	c := similarity + 0.1*successRate + min(float64(usageCount)/10, 0.1)
	return min(c, 1)
}

// jaccard computes |a ∩ b| / |a ∪ b| over the distinct elements. Two empty
// sets count as identical.
func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inA := make(map[string]struct{}, len(a))
	for _, s := range a {
		inA[s] = struct{}{}
	}
	union := len(inA)
	intersection := 0
	seen := make(map[string]struct{}, len(b))
	for _, s := range b {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		if _, ok := inA[s]; ok {
			intersection++
		} else {
			union++
		}
	}
	return float64(intersection) / float64(union)
}
