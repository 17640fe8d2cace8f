package fingerprint

import (
	"path"
	"sort"
	"strings"
)

// technologyByExtension maps lowercased extensions to the fixed technology
// vocabulary.
var technologyByExtension = map[string]string{
	"py":     "python",
	"ipynb":  "jupyter",
	"sql":    "sql",
	"tf":     "terraform",
	"tfvars": "terraform",
	"go":     "go",
	"js":     "javascript",
	"jsx":    "javascript",
	"ts":     "typescript",
	"tsx":    "typescript",
	"rs":     "rust",
	"java":   "java",
	"rb":     "ruby",
	"sh":     "shell",
	"yml":    "yaml",
	"yaml":   "yaml",
	"md":     "markdown",
}

// technologyByBasename maps well-known lowercased filenames to technologies.
var technologyByBasename = map[string]string{
	"dockerfile":         "docker",
	"docker-compose.yml": "docker",
	"dbt_project.yml":    "dbt",
	"requirements.txt":   "python",
	"pyproject.toml":     "python",
	"setup.py":           "python",
	"package.json":       "javascript",
	"tsconfig.json":      "typescript",
	"go.mod":             "go",
	"cargo.toml":         "rust",
	"pom.xml":            "java",
	"gemfile":            "ruby",
	"makefile":           "make",
}

// inferTechnologies matches extensions and well-known basenames against the
// fixed vocabulary and returns the sorted set.
func inferTechnologies(paths []string) []string {
	set := make(map[string]struct{})
	for _, p := range paths {
		base := strings.ToLower(path.Base(p))
		if tech, ok := technologyByBasename[base]; ok {
			set[tech] = struct{}{}
		}
		ext := strings.TrimPrefix(strings.ToLower(path.Ext(p)), ".")
		if tech, ok := technologyByExtension[ext]; ok {
			set[tech] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for tech := range set {
		out = append(out, tech)
	}
	sort.Strings(out)
	return out
}

// keyBasenames are the manifest and documentation files whose presence
// shapes the pattern hash and the size category.
var keyBasenames = map[string]struct{}{
	"package.json":        {},
	"tsconfig.json":       {},
	"requirements.txt":    {},
	"pyproject.toml":      {},
	"setup.py":            {},
	"go.mod":              {},
	"cargo.toml":          {},
	"pom.xml":             {},
	"build.gradle":        {},
	"dockerfile":          {},
	"docker-compose.yml":  {},
	"docker-compose.yaml": {},
	"dbt_project.yml":     {},
	"makefile":            {},
	"environment.yml":     {},
	"main.py":             {},
	"main.go":             {},
	"index.js":            {},
	"index.ts":            {},
	"app.py":              {},
	"server.js":           {},
}

// isKeyFile reports whether a path is a README, manifest, or entry point.
func isKeyFile(p string) bool {
	base := strings.ToLower(path.Base(p))
	if strings.HasPrefix(base, "readme") {
		return true
	}
	_, ok := keyBasenames[base]
	return ok
}
