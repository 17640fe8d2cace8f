package selection

import (
	pathpkg "path"
	"slices"
	"strings"

	"github.com/repograde/repograde/internal/course"
)

// fallbackHeadCount bounds the listing-head selection used when nothing in
// the repository is recognizable.
const fallbackHeadCount = 10

var entryPrefixes = []string{"main.", "index.", "app.", "server."}

// FallbackFiles assembles the last-resort selection: READMEs anywhere,
// top-level manifests, conventional entry points, then files whose basename
// carries a criterion keyword. Groups are sorted so the result is
// deterministic; a repository matching nothing yields its sorted listing
// head so grading still sees some content.
func FallbackFiles(crs course.Course, listing []string, maxFiles int) []string {
	var keywords []string
	for i := range crs.Criteria {
		keywords = append(keywords, crs.Criteria[i].EffectiveKeywords()...)
	}

	var readmes, manifests, entries, keyworded []string
	for _, p := range listing {
		base := pathpkg.Base(strings.ToLower(p))
		switch {
		case strings.HasPrefix(base, "readme"):
			readmes = append(readmes, p)
		case !strings.Contains(p, "/") && manifestBasenames[base]:
			manifests = append(manifests, p)
		case isEntryPoint(base):
			entries = append(entries, p)
		default:
			for _, kw := range keywords {
				if strings.Contains(base, kw) {
					keyworded = append(keyworded, p)
					break
				}
			}
		}
	}

	var out []string
	for _, group := range [][]string{readmes, manifests, entries, keyworded} {
		slices.Sort(group)
		out = append(out, group...)
	}
	if len(out) == 0 {
		out = append(out, listing...)
		slices.Sort(out)
		if len(out) > fallbackHeadCount {
			out = out[:fallbackHeadCount]
		}
	}
	if maxFiles > 0 && len(out) > maxFiles {
		out = out[:maxFiles]
	}
	return out
}

func isEntryPoint(base string) bool {
	for _, prefix := range entryPrefixes {
		if strings.HasPrefix(base, prefix) {
			return true
		}
	}
	return false
}
