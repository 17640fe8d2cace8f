package selection

import (
	"context"
	"fmt"
	"strings"

	"github.com/repograde/repograde/internal/course"
	"github.com/repograde/repograde/internal/evalerr"
	"github.com/tidwall/gjson"
)

// LLMClient is the completion surface used for tier-3 selection.
type LLMClient interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

func (p *Pipeline) llmSelect(ctx context.Context, crs course.Course, listing []string) ([]string, error) {
	pruned := PruneListing(crs, listing, p.opts.LLMListingLimit)
	system, user := buildSelectionPrompts(crs, pruned)
	reply, err := p.llm.Complete(ctx, system, user)
	if err != nil {
		return nil, err
	}
	return parseFileArray(reply)
}

func buildSelectionPrompts(crs course.Course, listing []string) (system, user string) {
	var sys strings.Builder
	sys.WriteString("You are a code reviewer selecting evidence files for rubric grading.\n")
	fmt.Fprintf(&sys, "Course: %s\n\nRubric criteria:\n", crs.DisplayName)
	for i := range crs.Criteria {
		c := &crs.Criteria[i]
		fmt.Fprintf(&sys, "- %s (max %g points)", c.Name, c.MaxScore)
		if len(c.EvidenceHints) > 0 {
			fmt.Fprintf(&sys, "; typical evidence: %s", strings.Join(c.EvidenceHints, ", "))
		}
		sys.WriteByte('\n')
	}
	sys.WriteString("\nReply with a JSON array of paths copied verbatim from the listing, choosing the files that best evidence the criteria. No commentary.")

	var usr strings.Builder
	usr.WriteString("Repository file listing:\n")
	for _, p := range listing {
		usr.WriteString(p)
		usr.WriteByte('\n')
	}
	return sys.String(), usr.String()
}

// parseFileArray extracts the selected paths from a model reply, tolerating
// surrounding code fences.
func parseFileArray(reply string) ([]string, error) {
	cleaned := stripCodeFences(reply)
	if !gjson.Valid(cleaned) {
		return nil, evalerr.New(evalerr.ParseFailure, "model reply is not valid JSON")
	}
	parsed := gjson.Parse(cleaned)
	if !parsed.IsArray() {
		return nil, evalerr.New(evalerr.ParseFailure, "model reply is not a JSON array")
	}
	var files []string
	for _, el := range parsed.Array() {
		if el.Type == gjson.String && el.String() != "" {
			files = append(files, el.String())
		}
	}
	if len(files) == 0 {
		return nil, evalerr.New(evalerr.ParseFailure, "model reply selected no files")
	}
	return files, nil
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
