package fingerprint

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/repograde/repograde/internal/evalerr"
	"github.com/stretchr/testify/require"
)

var sampleListing = []string{
	"README.md",
	"requirements.txt",
	"Dockerfile",
	"src/pipeline/orchestrate.py",
	"src/pipeline/steps/train.py",
	"src/model.py",
	"sql/schema.sql",
	"terraform/main.tf",
	"docs/design.md",
}

func TestBuildSignatureDeterministicUnderPermutation(t *testing.T) {
	t.Parallel()

	base, err := BuildSignature("mlops", sampleListing, 0)
	require.NoError(t, err)

	perm := make([]string, len(sampleListing))
	copy(perm, sampleListing)
	rnd := rand.New(rand.NewSource(42))
	for i := 0; i < 10; i++ {
		rnd.Shuffle(len(perm), func(a, b int) { perm[a], perm[b] = perm[b], perm[a] })
		got, err := BuildSignature("mlops", perm, 0)
		require.NoError(t, err)
		require.Equal(t, base, got)
		require.Equal(t, base.ID(), got.ID())
	}
}

func TestBuildSignaturePatternHashShape(t *testing.T) {
	t.Parallel()

	sig, err := BuildSignature("mlops", sampleListing, 0)
	require.NoError(t, err)
	require.Len(t, sig.PatternHash, 16)
	require.Regexp(t, "^[0-9a-f]{16}$", sig.PatternHash)

	// Hash is scoped by course.
	other, err := BuildSignature("data-eng-dbt", sampleListing, 0)
	require.NoError(t, err)
	require.NotEqual(t, sig.PatternHash, other.PatternHash)
}

func TestBuildSignatureSkeletonCollision(t *testing.T) {
	t.Parallel()

	// Same key files and directory skeleton, different leaf files: the
	// pattern hash must collide so similar repos share strategies.
	a := []string{"README.md", "src/pipeline/a.py", "src/pipeline/deep/nested/x.py"}
	b := []string{"README.md", "src/pipeline/b.py", "src/pipeline/deep/nested/y.py"}

	sa, err := BuildSignature("mlops", a, 0)
	require.NoError(t, err)
	sb, err := BuildSignature("mlops", b, 0)
	require.NoError(t, err)
	require.Equal(t, sa.PatternHash, sb.PatternHash)
}

func TestBuildSignatureDirectoryDepthLimit(t *testing.T) {
	t.Parallel()

	sig, err := BuildSignature("mlops", []string{"a/b/c/d/e/file.py"}, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "a/b", "a/b/c"}, sig.DirectoryStructure)
}

func TestBuildSignatureTechnologies(t *testing.T) {
	t.Parallel()

	sig, err := BuildSignature("mlops", sampleListing, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"docker", "markdown", "python", "sql", "terraform"}, sig.Technologies)
}

func TestBuildSignatureFileTypes(t *testing.T) {
	t.Parallel()

	sig, err := BuildSignature("mlops", sampleListing, 0)
	require.NoError(t, err)
	require.Equal(t, 3, sig.FileTypes["py"])
	require.Equal(t, 2, sig.FileTypes["md"])
	require.Equal(t, 1, sig.FileTypes["sql"])
	require.NotContains(t, sig.FileTypes, "", "extensionless files carry no type")
}

func TestBuildSignatureSizeCategories(t *testing.T) {
	t.Parallel()

	listing := func(n int) []string {
		out := make([]string, 0, n)
		for i := 0; i < n; i++ {
			out = append(out, fmt.Sprintf("pkg%d/package.json", i))
		}
		return out
	}

	small, err := BuildSignature("mlops", listing(9), 0)
	require.NoError(t, err)
	require.Equal(t, SizeSmall, small.SizeCategory)

	medium, err := BuildSignature("mlops", listing(10), 0)
	require.NoError(t, err)
	require.Equal(t, SizeMedium, medium.SizeCategory)

	upper, err := BuildSignature("mlops", listing(24), 0)
	require.NoError(t, err)
	require.Equal(t, SizeMedium, upper.SizeCategory)

	large, err := BuildSignature("mlops", listing(25), 0)
	require.NoError(t, err)
	require.Equal(t, SizeLarge, large.SizeCategory)
}

func TestBuildSignatureListingCap(t *testing.T) {
	t.Parallel()

	atCap := make([]string, 20000)
	for i := range atCap {
		atCap[i] = fmt.Sprintf("f%d.py", i)
	}
	_, err := BuildSignature("mlops", atCap, 20000)
	require.NoError(t, err, "listing exactly at the cap is accepted")

	over := append(atCap, "one-more.py")
	_, err = BuildSignature("mlops", over, 20000)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInputTooLarge))
	require.Equal(t, evalerr.InvalidInput, evalerr.TagOf(err))
}

func TestBuildSignatureRejectsEscapingPaths(t *testing.T) {
	t.Parallel()

	_, err := BuildSignature("mlops", []string{"../etc/passwd"}, 0)
	require.Error(t, err)
	require.Equal(t, evalerr.InvalidInput, evalerr.TagOf(err))
}

func TestNormalizePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"src//pipeline///x.py", "src/pipeline/x.py"},
		{"./README.md", "README.md"},
		{"/rooted.py", "rooted.py"},
		{"Model.PY", "Model.py"},
		{"noext", "noext"},
		{"", ""},
	}
	for _, tt := range tests {
		got, err := normalizePath(tt.in)
		require.NoError(t, err)
		require.Equal(t, tt.want, got, "in=%q", tt.in)
	}
}
