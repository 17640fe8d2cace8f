// Package warmer refreshes the strategy cache with synthetic repository
// shapes, so common layouts hit tier 1 from the first real submission of a
// term instead of paying for selection.
package warmer

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/repograde/repograde/internal/course"
	"github.com/repograde/repograde/internal/fetcher"
	"github.com/repograde/repograde/internal/fingerprint"
	"github.com/repograde/repograde/internal/selection"
	"github.com/repograde/repograde/internal/strategy"
)

// Shape is one synthetic repository layout worth keeping warm. Frequency is
// warms per day: a shape is due when its strategy is older than
// 24h/frequency.
type Shape struct {
	Name      string   `json:"name" validate:"required"`
	CourseID  string   `json:"courseId" validate:"required"`
	Frequency float64  `json:"frequency" validate:"gte=1"`
	Files     []string `json:"files" validate:"min=1"`
}

func (s Shape) refreshEvery() time.Duration {
	return time.Duration(float64(24*time.Hour) / s.Frequency)
}

type shapeFile struct {
	Shapes []Shape `json:"shapes" validate:"min=1,dive"`
}

//go:embed shapes.json
var defaultShapes []byte

// LoadShapes reads the shape table from path, or the embedded default when
// path is empty. Shape names must be unique and every file must survive the
// guardrail filter.
func LoadShapes(path string) ([]Shape, error) {
	data := defaultShapes
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read shape table: %w", err)
		}
		data = b
	}

	var file shapeFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode shape table: %w", err)
	}
	if err := validator.New().Struct(&file); err != nil {
		return nil, fmt.Errorf("validate shape table: %w", err)
	}

	seen := make(map[string]struct{}, len(file.Shapes))
	for _, s := range file.Shapes {
		if _, dup := seen[s.Name]; dup {
			return nil, fmt.Errorf("duplicate shape name %q", s.Name)
		}
		seen[s.Name] = struct{}{}
		if len(fetcher.ApplyGuardrail(s.Files)) != len(s.Files) {
			return nil, fmt.Errorf("shape %q contains guardrail-filtered files", s.Name)
		}
	}
	return file.Shapes, nil
}

// StrategyStore is the cache surface the warmer needs: storing strategies
// plus peeking at an existing one's freshness.
type StrategyStore interface {
	strategy.Cache
	Get(id string) (*strategy.CachedStrategy, bool)
}

// Options configure the warmer.
type Options struct {
	Interval time.Duration
	MaxFiles int
	Now      func() time.Time
}

// DefaultOptions returns hourly ticks and the selection default file cap.
func DefaultOptions() Options {
	return Options{Interval: time.Hour, MaxFiles: 50, Now: time.Now}
}

// Warmer keeps synthetic strategies fresh on a schedule.
type Warmer struct {
	store   StrategyStore
	catalog *course.Catalog
	shapes  []Shape
	opts    Options
	log     *slog.Logger
}

// New builds a warmer over the given shape table.
func New(store StrategyStore, catalog *course.Catalog, shapes []Shape, opts Options, log *slog.Logger) *Warmer {
	def := DefaultOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = def.MaxFiles
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &Warmer{store: store, catalog: catalog, shapes: shapes, opts: opts, log: log}
}

// Run warms once immediately, then on every tick until the context ends.
func (w *Warmer) Run(ctx context.Context) error {
	w.RunOnce(ctx)
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce warms every due shape. Shape failures are logged and skipped;
// warming never touches live evaluations or user quota.
func (w *Warmer) RunOnce(ctx context.Context) {
	now := w.opts.Now()
	warmed := 0
	for _, shape := range w.shapes {
		if ctx.Err() != nil {
			return
		}
		stored, err := w.warmShape(ctx, shape, now)
		if err != nil {
			w.log.Warn("warming shape failed", "shape", shape.Name, "error", err)
			continue
		}
		if stored {
			warmed++
		}
	}
	if warmed > 0 {
		w.log.Info("strategy cache warmed", "shapes", warmed, "total", len(w.shapes))
	}
}

// warmShape refreshes one shape when it is due, reporting whether a store
// happened.
func (w *Warmer) warmShape(ctx context.Context, shape Shape, now time.Time) (bool, error) {
	crs, ok := w.catalog.Get(shape.CourseID)
	if !ok {
		return false, fmt.Errorf("unknown course %q", shape.CourseID)
	}

	sig, err := fingerprint.BuildSignature(shape.CourseID, shape.Files, 0)
	if err != nil {
		return false, fmt.Errorf("fingerprint shape: %w", err)
	}

	if cs, ok := w.store.Get(strategy.ID(sig.ID(), shape.CourseID)); ok && now.Sub(cs.LastUpdated) <= shape.refreshEvery() {
		return false, nil
	}

	start := time.Now()
	files, coverage := selection.RuleBased(crs, shape.Files, w.opts.MaxFiles)
	if len(files) == 0 {
		return false, fmt.Errorf("shape files match no rubric rules")
	}
	if coverage < 1 {
		w.log.Warn("shape does not cover every criterion", "shape", shape.Name, "coverage", coverage)
	}

	_, err = w.store.Store(ctx, sig, shape.CourseID, "synthetic://"+shape.Name, files, strategy.Performance{
		Accuracy:       selection.RuleConfidence * coverage,
		ProcessingTime: time.Since(start).Seconds(),
	})
	if err != nil {
		return false, err
	}
	w.log.Debug("shape warmed", "shape", shape.Name, "course", shape.CourseID, "files", len(files))
	return true, nil
}
