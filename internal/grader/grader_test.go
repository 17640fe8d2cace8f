package grader

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/repograde/repograde/internal/course"
	"github.com/repograde/repograde/internal/evalerr"
	"github.com/repograde/repograde/internal/fetcher"
	"github.com/stretchr/testify/require"
)

func testCourse() course.Course {
	return course.Course{
		ID:            "mlops",
		DisplayName:   "MLOps Engineering",
		MaxTotalScore: 100,
		Criteria: []course.Criterion{
			{Name: "Pipeline Orchestration", MaxScore: 30, EvidenceHints: []string{"src/pipeline/**"}, Aliases: []string{"Workflow Orchestration"}},
			{Name: "Model Training", MaxScore: 40, EvidenceHints: []string{"**/train*.py"}},
			{Name: "Documentation", MaxScore: 30, EvidenceHints: []string{"README*"}},
		},
	}
}

func evidence() []fetcher.File {
	return []fetcher.File{
		{Path: "README.md", Content: []byte("# Demo project\n")},
		{Path: "src/train.py", Content: []byte("def train():\n    pass\n")},
		{Path: "src/pipeline/flow.py", Content: []byte("flow = build_dag()")},
	}
}

type fakeModel struct {
	reply      string
	err        error
	calls      int
	lastSystem string
	lastUser   string
}

func (f *fakeModel) Complete(_ context.Context, system, user string) (string, error) {
	f.calls++
	f.lastSystem, f.lastUser = system, user
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

const fullReply = `{
  "criteria": [
    {"name": "Workflow Orchestration", "score": 25, "feedback": "Solid DAG layout.", "sourceFiles": ["src/pipeline/flow.py", "ghost.py"]},
    {"name": "Model Training", "score": 50, "feedback": " Exceeds the scale. ", "sourceFiles": ["src/train.py"]},
    {"name": "Documentation", "score": -3, "feedback": "Thin README."}
  ]
}`

func TestGradeFullReply(t *testing.T) {
	t.Parallel()

	model := &fakeModel{reply: fullReply}
	g := New(model, slog.New(slog.DiscardHandler))

	rows, err := g.Grade(context.Background(), testCourse(), evidence())
	require.NoError(t, err)
	require.Len(t, rows, 3)

	// Rubric order, alias reconciled to the canonical name.
	require.Equal(t, "Pipeline Orchestration", rows[0].Name)
	require.Equal(t, 25.0, rows[0].Score)
	require.Equal(t, 30.0, rows[0].MaxScore)
	require.Equal(t, "Solid DAG layout.", rows[0].Feedback)
	// ghost.py was not among the evidence files.
	require.Equal(t, []string{"src/pipeline/flow.py"}, rows[0].SourceFiles)

	// Over-max clamps down, feedback is trimmed.
	require.Equal(t, "Model Training", rows[1].Name)
	require.Equal(t, 40.0, rows[1].Score)
	require.Equal(t, "Exceeds the scale.", rows[1].Feedback)

	// Negative clamps to zero.
	require.Equal(t, "Documentation", rows[2].Name)
	require.Equal(t, 0.0, rows[2].Score)

	total, maxTotal := Totals(rows)
	require.Equal(t, 65.0, total)
	require.Equal(t, 100.0, maxTotal)
}

func TestGradePromptCarriesRubricAndSchema(t *testing.T) {
	t.Parallel()

	model := &fakeModel{reply: fullReply}
	g := New(model, slog.New(slog.DiscardHandler))

	_, err := g.Grade(context.Background(), testCourse(), evidence())
	require.NoError(t, err)
	require.Equal(t, 1, model.calls)

	require.Contains(t, model.lastSystem, "MLOps Engineering")
	require.Contains(t, model.lastSystem, "Pipeline Orchestration")
	require.Contains(t, model.lastSystem, "max 40 points")
	require.Contains(t, model.lastSystem, `"criteria"`)
	require.Contains(t, model.lastSystem, `"sourceFiles"`)

	require.Contains(t, model.lastUser, "--- README.md ---")
	require.Contains(t, model.lastUser, "def train():")
}

func TestGradeFencedReply(t *testing.T) {
	t.Parallel()

	model := &fakeModel{reply: "```json\n" + fullReply + "\n```"}
	g := New(model, slog.New(slog.DiscardHandler))

	rows, err := g.Grade(context.Background(), testCourse(), evidence())
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, 25.0, rows[0].Score)
}

func TestGradeBareArrayReply(t *testing.T) {
	t.Parallel()

	model := &fakeModel{reply: `[{"name": "Documentation", "score": 12, "feedback": "ok"}]`}
	g := New(model, slog.New(slog.DiscardHandler))

	rows, err := g.Grade(context.Background(), testCourse(), evidence())
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, 12.0, rows[2].Score)
}

func TestGradeZeroFillsMissingCriteria(t *testing.T) {
	t.Parallel()

	model := &fakeModel{reply: `{"criteria":[{"name":"Documentation","score":20,"feedback":"Good README.","sourceFiles":["README.md"]}]}`}
	g := New(model, slog.New(slog.DiscardHandler))

	rows, err := g.Grade(context.Background(), testCourse(), evidence())
	require.NoError(t, err)
	require.Len(t, rows, 3)

	require.Equal(t, "Pipeline Orchestration", rows[0].Name)
	require.Equal(t, 0.0, rows[0].Score)
	require.Equal(t, 30.0, rows[0].MaxScore)
	require.Empty(t, rows[0].Feedback)

	require.Equal(t, 20.0, rows[2].Score)
	require.Equal(t, []string{"README.md"}, rows[2].SourceFiles)
}

func TestGradeDuplicateCriterionFirstWins(t *testing.T) {
	t.Parallel()

	model := &fakeModel{reply: `{"criteria":[
		{"name":"Documentation","score":20,"feedback":"first"},
		{"name":"documentation","score":5,"feedback":"second"}
	]}`}
	g := New(model, slog.New(slog.DiscardHandler))

	rows, err := g.Grade(context.Background(), testCourse(), evidence())
	require.NoError(t, err)
	require.Equal(t, 20.0, rows[2].Score)
	require.Equal(t, "first", rows[2].Feedback)
}

func TestGradeParseFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		reply string
	}{
		{"prose", "The repository looks fine to me."},
		{"no criteria key", `{"scores": []}`},
		{"criteria not array", `{"criteria": 7}`},
		{"empty criteria", `{"criteria": []}`},
		{"only unknown names", `{"criteria":[{"name":"Vibes","score":10}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g := New(&fakeModel{reply: tt.reply}, slog.New(slog.DiscardHandler))
			_, err := g.Grade(context.Background(), testCourse(), evidence())
			require.Error(t, err)
			require.Equal(t, evalerr.ParseFailure, evalerr.TagOf(err))
		})
	}
}

func TestGradeModelErrorPropagates(t *testing.T) {
	t.Parallel()

	boom := evalerr.New(evalerr.UpstreamUnavailable, "model API circuit open")
	g := New(&fakeModel{err: boom}, slog.New(slog.DiscardHandler))

	_, err := g.Grade(context.Background(), testCourse(), evidence())
	require.Error(t, err)
	require.True(t, errors.Is(err, boom))
}

func TestGradeNoEvidenceFiles(t *testing.T) {
	t.Parallel()

	g := New(&fakeModel{reply: fullReply}, slog.New(slog.DiscardHandler))
	_, err := g.Grade(context.Background(), testCourse(), nil)
	require.Error(t, err)
	require.Equal(t, evalerr.InvalidInput, evalerr.TagOf(err))
}

func TestTotalsEmpty(t *testing.T) {
	t.Parallel()

	total, maxTotal := Totals(nil)
	require.Zero(t, total)
	require.Zero(t, maxTotal)
}
