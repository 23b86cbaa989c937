package rollup

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/allocstats/internal/domain/allocation"
	"github.com/ehr/allocstats/internal/domain/scope"
)

const tracerName = "github.com/ehr/allocstats/internal/domain/rollup"

// Summary describes one finished rebuild.
type Summary struct {
	RunID        uuid.UUID      `json:"run_id"`
	ImportID     int64          `json:"import_id"`
	Scopes       int            `json:"scopes"`
	Calculations int            `json:"calculations"`
	Families     map[Family]int `json:"families"`
	StartedAt    time.Time      `json:"started_at"`
	Duration     time.Duration  `json:"duration"`
}

// Orchestrator recomputes every aggregate an import made stale. It keeps no
// progress state: a failed rebuild is retried by running it again.
type Orchestrator struct {
	facts       allocation.ImportRepository
	providers   []Provider
	calculators []Calculator
	concurrency int
	log         zerolog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

type Option func(*Orchestrator)

// WithConcurrency bounds how many calculations of one stage run at once.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

func NewOrchestrator(facts allocation.ImportRepository, providers []Provider, calculators []Calculator, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		facts:       facts,
		providers:   providers,
		calculators: calculators,
		concurrency: 1,
		log:         zerolog.Nop(),
		tracer:      otel.Tracer(tracerName),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// HasFacts reports whether the import produced any fact rows.
func (o *Orchestrator) HasFacts(ctx context.Context, importID int64) (bool, error) {
	return o.facts.ImportHasFacts(ctx, importID)
}

// DirtyScopes returns the deduplicated union of every provider's scopes in
// type, id, granularity, period order.
func (o *Orchestrator) DirtyScopes(ctx context.Context, importID int64) ([]scope.Scope, error) {
	seen := map[string]bool{}
	var out []scope.Scope
	for _, p := range o.providers {
		scopes, err := p.DirtyScopes(ctx, importID)
		if err != nil {
			return nil, err
		}
		o.log.Debug().Str("provider", p.Name()).Int("scopes", len(scopes)).Msg("dirty scopes")
		for _, s := range scopes {
			if k := s.Key(); !seen[k] {
				seen[k] = true
				out = append(out, s)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return scope.Less(out[i], out[j]) })
	return out, nil
}

// Rebuild recomputes all aggregates touched by importID. Fact-reading
// calculators run first so derived ones see fresh hospital counts.
func (o *Orchestrator) Rebuild(ctx context.Context, importID int64) (*Summary, error) {
	sum := &Summary{
		RunID:     uuid.New(),
		ImportID:  importID,
		Families:  make(map[Family]int),
		StartedAt: o.now(),
	}
	ctx, span := o.tracer.Start(ctx, "rollup.Rebuild", trace.WithAttributes(
		attribute.Int64("rollup.import_id", importID),
		attribute.String("rollup.run_id", sum.RunID.String()),
	))
	defer span.End()

	log := o.log.With().Int64("import_id", importID).Str("run_id", sum.RunID.String()).Logger()

	err := o.rebuild(ctx, importID, sum, log)
	sum.Duration = o.now().Sub(sum.StartedAt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error().Err(err).Bool("fatal", IsFatal(err)).Msg("rollup rebuild failed")
		return sum, err
	}

	span.SetAttributes(
		attribute.Int("rollup.scopes", sum.Scopes),
		attribute.Int("rollup.calculations", sum.Calculations),
	)
	log.Info().
		Int("scopes", sum.Scopes).
		Int("calculations", sum.Calculations).
		Dur("duration", sum.Duration).
		Msg("rollup rebuild finished")
	return sum, nil
}

func (o *Orchestrator) rebuild(ctx context.Context, importID int64, sum *Summary, log zerolog.Logger) error {
	ok, err := o.facts.ImportHasFacts(ctx, importID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("import %d: %w", importID, ErrNoFacts)
	}

	scopes, err := o.DirtyScopes(ctx, importID)
	if err != nil {
		return fmt.Errorf("discover scopes: %w", err)
	}
	sum.Scopes = len(scopes)
	log.Info().Int("scopes", len(scopes)).Msg("rollup rebuild started")

	for _, stage := range []Stage{StageFacts, StageDerived} {
		if err := o.runStage(ctx, stage, scopes, sum, log); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) runStage(ctx context.Context, stage Stage, scopes []scope.Scope, sum *Summary, log zerolog.Logger) error {
	ctx, span := o.tracer.Start(ctx, "rollup.Stage", trace.WithAttributes(attribute.Int("rollup.stage", int(stage))))
	defer span.End()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)

schedule:
	for _, s := range scopes {
		for _, c := range o.calculators {
			if gctx.Err() != nil {
				break schedule
			}
			if c.Stage() != stage || !c.Supports(s) {
				continue
			}
			g.Go(func() error {
				if err := c.Calculate(gctx, s); err != nil {
					return fmt.Errorf("calculate %s for %s: %w", c.Family(), s, err)
				}
				log.Debug().Str("family", string(c.Family())).Stringer("scope", s).Msg("aggregate updated")
				mu.Lock()
				sum.Families[c.Family()]++
				sum.Calculations++
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}
