package selection

import (
	pathpkg "path"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/repograde/repograde/internal/course"
)

// Rule-based scoring weights. Evidence hints dominate; README and manifest
// files carry structural weight on their own.
const (
	hintMatchScore = 10
	readmeScore    = 8
	manifestScore  = 6
	hotPrefixScore = 5
	keywordScore   = 4
)

var manifestBasenames = map[string]bool{
	"package.json":       true,
	"pyproject.toml":     true,
	"requirements.txt":   true,
	"setup.py":           true,
	"setup.cfg":          true,
	"go.mod":             true,
	"cargo.toml":         true,
	"pom.xml":            true,
	"gemfile":            true,
	"makefile":           true,
	"dockerfile":         true,
	"docker-compose.yml": true,
	"dbt_project.yml":    true,
	"environment.yml":    true,
	"tsconfig.json":      true,
}

// ruleMatcher precomputes per-criterion keywords so a full listing can be
// scored without re-deriving them per path.
type ruleMatcher struct {
	crs      course.Course
	keywords [][]string
}

func newRuleMatcher(crs course.Course) *ruleMatcher {
	kws := make([][]string, len(crs.Criteria))
	for i := range crs.Criteria {
		kws[i] = crs.Criteria[i].EffectiveKeywords()
	}
	return &ruleMatcher{crs: crs, keywords: kws}
}

func (m *ruleMatcher) scorePath(p string) int {
	lower := strings.ToLower(p)
	base := pathpkg.Base(lower)

	score := 0
	if strings.HasPrefix(base, "readme") {
		score += readmeScore
	}
	if manifestBasenames[base] {
		score += manifestScore
	}
	for _, prefix := range m.crs.HotPrefixes {
		if strings.HasPrefix(lower, strings.ToLower(prefix)) {
			score += hotPrefixScore
			break
		}
	}

	hint, keyword := false, false
	for i := range m.crs.Criteria {
		if !hint && m.matchesHints(i, p) {
			hint = true
		}
		if !keyword && m.matchesKeywords(i, base) {
			keyword = true
		}
		if hint && keyword {
			break
		}
	}
	if hint {
		score += hintMatchScore
	}
	if keyword {
		score += keywordScore
	}
	return score
}

func (m *ruleMatcher) matchesHints(criterion int, p string) bool {
	for _, h := range m.crs.Criteria[criterion].EvidenceHints {
		if matchHint(h, p) {
			return true
		}
	}
	return false
}

func (m *ruleMatcher) matchesKeywords(criterion int, base string) bool {
	for _, kw := range m.keywords[criterion] {
		if strings.Contains(base, kw) {
			return true
		}
	}
	return false
}

// matchesCriterion reports whether the path evidences the criterion. Only
// hint matches qualify: a hint scores hintMatchScore on its own, while a
// keyword basename stays below that bar and is a ranking signal only.
func (m *ruleMatcher) matchesCriterion(criterion int, p string) bool {
	return m.matchesHints(criterion, p)
}

// coverage counts the criteria with at least one hint-matched file.
func (m *ruleMatcher) coverage(files []string) (covered, total int) {
	total = len(m.crs.Criteria)
	for i := range m.crs.Criteria {
		for _, f := range files {
			if m.matchesCriterion(i, f) {
				covered++
				break
			}
		}
	}
	return covered, total
}

// matchHint matches one evidence hint against a path. Hints with glob
// metacharacters match with doublestar; plain hints match by substring.
// Both sides compare case-insensitively.
func matchHint(hint, p string) bool {
	h := strings.ToLower(hint)
	lower := strings.ToLower(p)
	if strings.ContainsAny(h, "*?[{") {
		ok, err := doublestar.Match(h, lower)
		return err == nil && ok
	}
	return strings.Contains(lower, h)
}

type scoredPath struct {
	path  string
	score int
}

// RuleBased scores the listing against the course rubric and returns the
// top maxFiles positive-scoring paths plus the fraction of criteria those
// paths cover. Ties sort by path so reruns are stable.
func RuleBased(crs course.Course, listing []string, maxFiles int) ([]string, float64) {
	m := newRuleMatcher(crs)

	var cands []scoredPath
	for _, p := range listing {
		if s := m.scorePath(p); s > 0 {
			cands = append(cands, scoredPath{path: p, score: s})
		}
	}
	slices.SortFunc(cands, func(a, b scoredPath) int {
		if a.score != b.score {
			return b.score - a.score
		}
		return strings.Compare(a.path, b.path)
	})
	if maxFiles > 0 && len(cands) > maxFiles {
		cands = cands[:maxFiles]
	}

	files := make([]string, len(cands))
	for i, sp := range cands {
		files[i] = sp.path
	}
	covered, total := m.coverage(files)
	if total == 0 {
		return files, 0
	}
	return files, float64(covered) / float64(total)
}

// PruneListing orders the listing highest-scoring first, keeping the
// original order among equal scores, and truncates to limit. Used to fit
// large listings into the tier-3 prompt.
func PruneListing(crs course.Course, listing []string, limit int) []string {
	m := newRuleMatcher(crs)

	scored := make([]scoredPath, len(listing))
	for i, p := range listing {
		scored[i] = scoredPath{path: p, score: m.scorePath(p)}
	}
	slices.SortStableFunc(scored, func(a, b scoredPath) int {
		return b.score - a.score
	})
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}

	out := make([]string, len(scored))
	for i, sp := range scored {
		out[i] = sp.path
	}
	return out
}
