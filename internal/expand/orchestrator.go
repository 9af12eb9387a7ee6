package expand

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/kozaktomas/face-expand/internal/config"
	"github.com/kozaktomas/face-expand/internal/database"
	"github.com/kozaktomas/face-expand/internal/progress"
)

// FailurePolicy decides when failed prototype queries fail the job.
type FailurePolicy string

const (
	// FailAll fails the job only when every query failed.
	FailAll FailurePolicy = "all"
	// FailAny fails the job at the first failed query.
	FailAny FailurePolicy = "any"
	// FailNever always proceeds with whatever succeeded.
	FailNever FailurePolicy = "never"
)

// ParseFailurePolicy validates a policy name; empty means FailAll.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch p := FailurePolicy(s); p {
	case "":
		return FailAll, nil
	case FailAll, FailAny, FailNever:
		return p, nil
	}
	return "", fmt.Errorf("unknown failure policy %q", s)
}

// fails reports whether the aggregation must fail the job.
func (p FailurePolicy) fails(agg Aggregation) bool {
	n := len(agg.Failures)
	switch p {
	case FailNever:
		return false
	case FailAny:
		return n > 0
	default:
		return n > 0 && n == agg.Queried
	}
}

// terminalPublishTimeout bounds the final progress write.
const terminalPublishTimeout = 10 * time.Second

var errTerminalPublish = errors.New("publishing terminal record")

// Store is the part of the relational store a job needs.
type Store interface {
	database.FaceReader
	database.PersonReader
	database.SuggestionWriter
}

// Options are the engine policy values.
type Options struct {
	ConfidenceThreshold float64
	SearchLimit         int
	FailurePolicy       FailurePolicy
	Weights             SelectionWeights

	AutoExpandOnAccept bool
	AutoConfig         Config

	Subscribe progress.SubscribeOptions
}

// DefaultOptions mirrors the embedded configuration defaults.
func DefaultOptions() Options {
	return Options{
		ConfidenceThreshold: 0.62,
		SearchLimit:         100,
		FailurePolicy:       FailAll,
		Weights:             DefaultWeights(),
		AutoExpandOnAccept:  true,
		AutoConfig:          Config{}.WithDefaults(),
	}
}

// NewOptions builds Options from the loaded configuration.
func NewOptions(cfg *config.Config) (Options, error) {
	policy, err := ParseFailurePolicy(cfg.Expand.FailurePolicy)
	if err != nil {
		return Options{}, err
	}
	auto := Config{
		PrototypeCount: Fixed(cfg.Expand.AutoPrototypeCount),
		SuggestionCap:  cfg.Expand.AutoSuggestionCap,
	}.WithDefaults()
	if err := auto.Validate(); err != nil {
		return Options{}, fmt.Errorf("auto expand config: %w", err)
	}
	return Options{
		ConfidenceThreshold: cfg.Expand.ConfidenceThreshold,
		SearchLimit:         cfg.Expand.SearchLimit,
		FailurePolicy:       policy,
		Weights:             WeightsFromConfig(cfg.Selection),
		AutoExpandOnAccept:  cfg.Expand.AutoExpandOnAccept,
		AutoConfig:          auto,
		Subscribe: progress.SubscribeOptions{
			PollInterval:    cfg.Progress.PollInterval,
			ObserverTimeout: cfg.Progress.ObserverTimeout,
		},
	}, nil
}

// Orchestrator runs the phases of one job and keeps its progress record
// current.
type Orchestrator struct {
	store    Store
	index    SimilarityIndex
	progress progress.Store
	opts     Options
	logger   *zap.Logger
	now      func() time.Time
}

// NewOrchestrator wires a job runner.
func NewOrchestrator(store Store, index SimilarityIndex, ps progress.Store, opts Options, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.SearchLimit <= 0 {
		opts.SearchLimit = DefaultOptions().SearchLimit
	}
	if opts.FailurePolicy == "" {
		opts.FailurePolicy = FailAll
	}
	return &Orchestrator{
		store:    store,
		index:    index,
		progress: ps,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// Run executes the job body: selecting, searching, creating. It always
// leaves a terminal record behind, even when a phase panics. The returned
// error is the job failure, or the failure to store the terminal record.
func (o *Orchestrator) Run(ctx context.Context, job Job) (result *progress.Result, err error) {
	log := o.logger.With(zap.String("job_id", job.JobID), zap.Int64("person_id", job.PersonID))
	start := o.now()

	defer func() {
		if p := recover(); p != nil {
			log.Error("expansion panicked", zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
			result = nil
			err = fmt.Errorf("internal error: %v", p)
		}

		rec := progress.Record{Phase: progress.PhaseCompleted, Result: result}
		if err != nil {
			rec = progress.Record{Phase: progress.PhaseFailed, Error: err.Error(), Message: err.Error()}
			log.Warn("expansion failed", zap.Error(err))
		} else {
			rec.Message = fmt.Sprintf("created %d suggestions", result.SuggestionsCreated)
			log.Info("expansion completed",
				zap.Int("created", result.SuggestionsCreated),
				zap.Int("candidates", result.CandidatesFound),
				zap.Int("duplicates", result.DuplicatesSkipped),
				zap.Duration("took", o.now().Sub(start)))
		}

		// Cancellation of the job context must not suppress the terminal record.
		termCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalPublishTimeout)
		defer cancel()
		if perr := o.publish(termCtx, job.Token, rec); perr != nil {
			log.Error("terminal progress record lost", zap.Error(perr))
			err = fmt.Errorf("%w: %w", errTerminalPublish, perr)
		}
	}()

	return o.run(ctx, job, log)
}

func (o *Orchestrator) run(ctx context.Context, job Job, log *zap.Logger) (*progress.Result, error) {
	// Selecting
	o.step(ctx, job.Token, progress.PhaseSelecting, 0, 0, "selecting prototypes")
	labeled, err := o.store.LabeledFaces(ctx, job.PersonID)
	if err != nil {
		return nil, fmt.Errorf("loading labeled faces: %w", err)
	}
	candidates := EligibleCandidates(labeled)
	count := job.Config.PrototypeCount.Normalize(len(candidates))
	prototypes := NewSelector(o.opts.Weights, SeedFromJobID(job.JobID)).Select(candidates, count)
	if len(prototypes) == 0 {
		return nil, ErrNoPrototypes
	}
	log.Debug("prototypes selected", zap.Int("selected", len(prototypes)), zap.Int("eligible", len(candidates)))

	// Searching
	already, err := o.store.SuggestedFaceIDs(ctx, job.PersonID)
	if err != nil {
		return nil, fmt.Errorf("loading existing suggestions: %w", err)
	}
	threshold := job.threshold(o.opts.ConfidenceThreshold)
	o.step(ctx, job.Token, progress.PhaseSearching, 0, len(prototypes), "searching similar faces")

	aggregator := NewAggregator(o.index, o.opts.SearchLimit)
	aggregator.stopOnFailure = o.opts.FailurePolicy == FailAny
	agg := aggregator.Search(ctx, prototypes, threshold, already, func(done, total int) {
		o.step(ctx, job.Token, progress.PhaseSearching, done, total,
			fmt.Sprintf("queried %d of %d prototypes", done, total))
	})
	for _, f := range agg.Failures {
		log.Warn("prototype query failed", zap.Int64("prototype_face_id", f.PrototypeFaceID), zap.Error(f.Err))
	}
	if o.opts.FailurePolicy.fails(agg) {
		causes := make([]error, len(agg.Failures))
		for i, f := range agg.Failures {
			causes[i] = f
		}
		return nil, fmt.Errorf("%w: %d of %d prototype queries failed: %w",
			ErrQueriesFailed, len(agg.Failures), agg.Queried, errors.Join(causes...))
	}

	// Creating
	toWrite := min(len(agg.Scores), job.Config.SuggestionCap)
	o.step(ctx, job.Token, progress.PhaseCreating, 0, toWrite, "creating suggestions")
	written, err := NewWriter(o.store).Write(ctx, job.PersonID, job.JobID, agg.Scores, job.Config.SuggestionCap,
		func(done, total int) {
			o.step(ctx, job.Token, progress.PhaseCreating, done, total,
				fmt.Sprintf("wrote %d of %d suggestions", done, total))
		})
	if err != nil {
		return nil, err
	}

	return &progress.Result{
		SuggestionsCreated: written.Created,
		PrototypesUsed:     len(prototypes),
		CandidatesFound:    agg.CandidatesFound(),
		DuplicatesSkipped:  agg.PreSuggested + written.Duplicates,
		FailedQueries:      len(agg.Failures),
	}, nil
}

// step publishes a non-terminal record. Progress is advisory: failures are
// logged and the job continues.
func (o *Orchestrator) step(ctx context.Context, token string, phase progress.Phase, current, total int, msg string) {
	rec := progress.Record{Phase: phase, Current: current, Total: total, Message: msg}
	if err := o.publish(ctx, token, rec); err != nil {
		o.logger.Debug("progress publish failed", zap.String("token", token), zap.Error(err))
	}
}

func (o *Orchestrator) publish(ctx context.Context, token string, rec progress.Record) error {
	rec.Timestamp = o.now()
	err := o.progress.Publish(ctx, token, rec)
	if errors.Is(err, progress.ErrFinal) {
		// A redelivered job may run after its record went terminal.
		o.logger.Info("progress record already final", zap.String("token", token))
		return nil
	}
	return err
}
