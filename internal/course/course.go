// Package course owns the rubric catalog: the ordered criteria of each
// course, their evidence hints, and the alias table that reconciles
// model-produced criterion labels back to canonical names. The catalog is
// loaded once at startup; an unknown course is always the caller's error.
package course

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Criterion is a single rubric dimension with its evidence configuration.
type Criterion struct {
	Name          string   `json:"name" validate:"required"`
	MaxScore      float64  `json:"maxScore" validate:"gt=0"`
	EvidenceHints []string `json:"evidenceHints"`
	Keywords      []string `json:"keywords"`
	Aliases       []string `json:"aliases"`
}

// Course groups an ordered rubric with its selection configuration. Criteria
// order is authoritative: results are always rendered in this order.
type Course struct {
	ID            string      `json:"id" validate:"required"`
	DisplayName   string      `json:"displayName" validate:"required"`
	MaxTotalScore float64     `json:"maxTotalScore" validate:"gt=0"`
	HotPrefixes   []string    `json:"hotPrefixes"`
	Criteria      []Criterion `json:"criteria" validate:"min=1,dive"`
}

type catalogFile struct {
	Courses []Course `json:"courses" validate:"min=1,dive"`
}

// Catalog is the set of known courses.
type Catalog struct {
	courses map[string]Course
	ids     []string
}

//go:embed courses.json
var defaultCatalog []byte

// LoadCatalog reads the course catalog from path, or the embedded default
// when path is empty. Courses with no criteria are rejected at load.
func LoadCatalog(path string) (*Catalog, error) {
	data := defaultCatalog
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read course catalog: %w", err)
		}
		data = b
	}

	var file catalogFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode course catalog: %w", err)
	}
	if err := validator.New().Struct(&file); err != nil {
		return nil, fmt.Errorf("validate course catalog: %w", err)
	}

	c := &Catalog{courses: make(map[string]Course, len(file.Courses))}
	for _, crs := range file.Courses {
		if _, dup := c.courses[crs.ID]; dup {
			return nil, fmt.Errorf("duplicate course id %q", crs.ID)
		}
		c.courses[crs.ID] = crs
		c.ids = append(c.ids, crs.ID)
	}
	sort.Strings(c.ids)
	return c, nil
}

// Get returns the course for id.
func (c *Catalog) Get(id string) (Course, bool) {
	crs, ok := c.courses[id]
	return crs, ok
}

// Has reports whether id names a known course.
func (c *Catalog) Has(id string) bool {
	_, ok := c.courses[id]
	return ok
}

// IDs returns the known course ids in sorted order.
func (c *Catalog) IDs() []string {
	out := make([]string, len(c.ids))
	copy(out, c.ids)
	return out
}

// CanonicalName resolves a raw criterion label against the course's rubric.
// Unknown courses and unresolvable labels return the label unchanged.
func (c *Catalog) CanonicalName(courseID, raw string) string {
	crs, ok := c.courses[courseID]
	if !ok {
		return raw
	}
	return crs.CanonicalName(raw)
}

// CanonicalName maps a model-produced criterion label to the canonical
// criterion name: exact match first, then the alias table, then containment
// in either direction. Downstream components must render with the returned
// name so ordering follows the rubric.
func (co Course) CanonicalName(raw string) string {
	norm := normalizeLabel(raw)
	if norm == "" {
		return raw
	}
	for _, cr := range co.Criteria {
		if normalizeLabel(cr.Name) == norm {
			return cr.Name
		}
	}
	for _, cr := range co.Criteria {
		for _, alias := range cr.Aliases {
			if normalizeLabel(alias) == norm {
				return cr.Name
			}
		}
	}
	for _, cr := range co.Criteria {
		cn := normalizeLabel(cr.Name)
		if strings.Contains(cn, norm) || strings.Contains(norm, cn) {
			return cr.Name
		}
	}
	return raw
}

// CriterionIndex returns the rubric position of a (possibly raw) criterion
// label, or -1 when it does not resolve.
func (co Course) CriterionIndex(raw string) int {
	name := co.CanonicalName(raw)
	for i, cr := range co.Criteria {
		if cr.Name == name {
			return i
		}
	}
	return -1
}

// AllKeywords collects the lowercased keyword vocabulary of every criterion.
func (co Course) AllKeywords() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, cr := range co.Criteria {
		for _, kw := range cr.EffectiveKeywords() {
			if _, ok := seen[kw]; ok {
				continue
			}
			seen[kw] = struct{}{}
			out = append(out, kw)
		}
	}
	sort.Strings(out)
	return out
}

// EffectiveKeywords returns the criterion's explicit keywords plus the
// significant tokens of its name, lowercased.
func (cr Criterion) EffectiveKeywords() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(kw string) {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if len(kw) < 3 {
			return
		}
		if _, ok := seen[kw]; ok {
			return
		}
		seen[kw] = struct{}{}
		out = append(out, kw)
	}
	for _, kw := range cr.Keywords {
		add(kw)
	}
	for _, tok := range strings.FieldsFunc(cr.Name, func(r rune) bool {
		return !('a' <= r && r <= 'z' || 'A' <= r && r <= 'Z' || '0' <= r && r <= '9')
	}) {
		if isStopword(tok) {
			continue
		}
		add(tok)
	}
	return out
}

var stopwords = map[string]struct{}{
	"and": {}, "the": {}, "etc": {}, "for": {}, "with": {}, "of": {},
}

func isStopword(tok string) bool {
	_, ok := stopwords[strings.ToLower(tok)]
	return ok
}

func normalizeLabel(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
