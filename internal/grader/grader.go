package grader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/repograde/repograde/internal/course"
	"github.com/repograde/repograde/internal/evalerr"
	"github.com/repograde/repograde/internal/fetcher"
	"github.com/tidwall/gjson"
)

// CriterionScore is one graded rubric row.
type CriterionScore struct {
	Name        string
	Score       float64
	MaxScore    float64
	Feedback    string
	SourceFiles []string
}

// Totals sums the awarded and maximum points of a score set.
func Totals(rows []CriterionScore) (total, maxTotal float64) {
	for _, r := range rows {
		total += r.Score
		maxTotal += r.MaxScore
	}
	return total, maxTotal
}

// Grader turns evidence files into rubric scores.
type Grader struct {
	model ModelClient
	log   *slog.Logger
}

// New returns a grader over the given model client.
func New(model ModelClient, log *slog.Logger) *Grader {
	if log == nil {
		log = slog.Default()
	}
	return &Grader{model: model, log: log}
}

// gradeReply is the response shape the model is asked to produce. Its schema
// is embedded in the system prompt.
type gradeReply struct {
	Criteria []gradeReplyCriterion `json:"criteria" jsonschema:"description=One entry per rubric criterion"`
}

type gradeReplyCriterion struct {
	Name        string   `json:"name" jsonschema:"description=Criterion name copied from the rubric"`
	Score       float64  `json:"score" jsonschema:"description=Points awarded from 0 to the criterion maximum"`
	Feedback    string   `json:"feedback" jsonschema:"description=One or two sentences justifying the score"`
	SourceFiles []string `json:"sourceFiles" jsonschema:"description=Evidence file paths copied verbatim from the provided files"`
}

var replySchema = sync.OnceValue(func() string {
	r := &jsonschema.Reflector{DoNotReference: true}
	b, err := json.MarshalIndent(r.Reflect(&gradeReply{}), "", "  ")
	if err != nil {
		panic(err)
	}
	return string(b)
})

// Grade scores the course rubric against the given evidence files. The
// result always carries exactly one row per rubric criterion, in rubric
// order; criteria the model skipped come back with a zero score.
func (g *Grader) Grade(ctx context.Context, crs course.Course, files []fetcher.File) ([]CriterionScore, error) {
	if len(files) == 0 {
		return nil, evalerr.New(evalerr.InvalidInput, "no gradable evidence files at this commit")
	}

	system, user := buildGradingPrompts(crs, files)
	reply, err := g.model.Complete(ctx, system, user)
	if err != nil {
		return nil, err
	}

	rows, err := parseGradeReply(crs, files, reply)
	if err != nil {
		return nil, err
	}
	total, maxTotal := Totals(rows)
	g.log.Debug("grading complete", "course", crs.ID, "total", total, "max_total", maxTotal, "files", len(files))
	return rows, nil
}

func buildGradingPrompts(crs course.Course, files []fetcher.File) (system, user string) {
	var sys strings.Builder
	sys.WriteString("You are a strict grader scoring a student repository against a course rubric.\n")
	fmt.Fprintf(&sys, "Course: %s\n\nRubric criteria:\n", crs.DisplayName)
	for i := range crs.Criteria {
		c := &crs.Criteria[i]
		fmt.Fprintf(&sys, "- %s (max %g points)", c.Name, c.MaxScore)
		if len(c.EvidenceHints) > 0 {
			fmt.Fprintf(&sys, "; typical evidence: %s", strings.Join(c.EvidenceHints, ", "))
		}
		sys.WriteByte('\n')
	}
	sys.WriteString("\nScore every criterion from 0 to its maximum using only the provided files as evidence. " +
		"Cite the paths you relied on in sourceFiles, copied verbatim. " +
		"Reply with a single JSON object matching this schema, no commentary:\n\n")
	sys.WriteString(replySchema())

	var usr strings.Builder
	usr.WriteString("Evidence files:\n")
	for _, f := range files {
		fmt.Fprintf(&usr, "\n--- %s ---\n", f.Path)
		usr.Write(f.Content)
		if !bytes.HasSuffix(f.Content, []byte("\n")) {
			usr.WriteByte('\n')
		}
	}
	return sys.String(), usr.String()
}

// parseGradeReply extracts rubric rows from a model reply, tolerating
// surrounding code fences and a bare top-level array. Labels reconcile
// through the course alias table; scores clamp to [0, max]; cited paths not
// among the evidence files are dropped.
func parseGradeReply(crs course.Course, files []fetcher.File, reply string) ([]CriterionScore, error) {
	cleaned := stripCodeFences(reply)
	if !gjson.Valid(cleaned) {
		return nil, evalerr.New(evalerr.ParseFailure, "model reply is not valid JSON")
	}
	root := gjson.Parse(cleaned)
	rows := root.Get("criteria")
	if !rows.Exists() && root.IsArray() {
		rows = root
	}
	if !rows.IsArray() {
		return nil, evalerr.New(evalerr.ParseFailure, "model reply carries no criteria array")
	}

	provided := make(map[string]struct{}, len(files))
	for _, f := range files {
		provided[f.Path] = struct{}{}
	}

	parsed := make(map[string]CriterionScore, len(crs.Criteria))
	for _, el := range rows.Array() {
		name := crs.CanonicalName(el.Get("name").String())
		idx := crs.CriterionIndex(name)
		if idx < 0 {
			continue
		}
		if _, dup := parsed[name]; dup {
			continue
		}
		maxScore := crs.Criteria[idx].MaxScore

		var sources []string
		for _, sf := range el.Get("sourceFiles").Array() {
			if _, ok := provided[sf.String()]; ok {
				sources = append(sources, sf.String())
			}
		}
		parsed[name] = CriterionScore{
			Name:        name,
			Score:       min(max(el.Get("score").Float(), 0), maxScore),
			MaxScore:    maxScore,
			Feedback:    strings.TrimSpace(el.Get("feedback").String()),
			SourceFiles: sources,
		}
	}
	if len(parsed) == 0 {
		return nil, evalerr.New(evalerr.ParseFailure, "model reply matched no rubric criteria")
	}

	out := make([]CriterionScore, 0, len(crs.Criteria))
	for i := range crs.Criteria {
		cr := &crs.Criteria[i]
		if row, ok := parsed[cr.Name]; ok {
			out = append(out, row)
			continue
		}
		out = append(out, CriterionScore{Name: cr.Name, MaxScore: cr.MaxScore})
	}
	return out, nil
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
