package expand

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kozaktomas/face-expand/internal/constants"
	"github.com/kozaktomas/face-expand/internal/database"
	"github.com/kozaktomas/face-expand/internal/facematch"
	"github.com/kozaktomas/face-expand/internal/progress"
	"github.com/kozaktomas/face-expand/internal/queue"
)

// TaskName is the queue task that runs an expansion job.
const TaskName = "expand.dynamic_prototypes"

// SubmitRequest asks for an expansion of one person.
type SubmitRequest struct {
	PersonID int64
	Config   Config
	// JobID is optional; a uuid is generated when empty.
	JobID string
}

// Submission identifies an admitted job.
type Submission struct {
	JobID         string `json:"job_id"`
	ProgressToken string `json:"progress_token"`
}

// PersonJob is a job submitted for a person after a bulk accept.
type PersonJob struct {
	PersonID int64 `json:"person_id"`
	Submission
}

// SkippedPerson explains why no job was submitted for a person.
type SkippedPerson struct {
	PersonID int64  `json:"person_id"`
	Reason   string `json:"reason"`
	Eligible int    `json:"eligible,omitempty"`
}

// AcceptResult is the outcome of a bulk accept.
type AcceptResult struct {
	Accepted []database.Suggestion
	Jobs     []PersonJob
	Skipped  []SkippedPerson
}

// Service admits jobs, executes them from the queue and applies review
// decisions.
type Service struct {
	store        database.Store
	progress     progress.Store
	dispatcher   queue.Dispatcher
	orchestrator *Orchestrator
	opts         Options
	logger       *zap.Logger
	now          func() time.Time
	newID        func() string
}

// NewService wires the expansion service. index may be the store itself.
func NewService(
	store database.Store,
	index SimilarityIndex,
	ps progress.Store,
	dispatcher queue.Dispatcher,
	opts Options,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if index == nil {
		index = store
	}
	if opts.AutoConfig.PrototypeCount.IsZero() || opts.AutoConfig.SuggestionCap == 0 {
		opts.AutoConfig = opts.AutoConfig.WithDefaults()
	}
	return &Service{
		store:        store,
		progress:     ps,
		dispatcher:   dispatcher,
		orchestrator: NewOrchestrator(store, index, ps, opts, logger),
		opts:         opts,
		logger:       logger,
		now:          time.Now,
		newID:        uuid.NewString,
	}
}

// Register binds the job handler to the queue registry.
func (s *Service) Register(registry *queue.Registry) {
	registry.Register(TaskName, s.HandleTask)
}

// Submit validates the request, publishes the queued record and dispatches
// the job. Admission failures return synchronously and create no job.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (Submission, error) {
	cfg := req.Config.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Submission{}, err
	}

	if _, err := s.store.GetPerson(ctx, req.PersonID); err != nil {
		return Submission{}, fmt.Errorf("loading person: %w", err)
	}
	eligible, err := s.store.CountEligible(ctx, req.PersonID)
	if err != nil {
		return Submission{}, fmt.Errorf("counting eligible faces: %w", err)
	}
	if eligible < constants.MinEligibleFaces {
		return Submission{}, &InsufficientDataError{
			PersonID: req.PersonID,
			Eligible: eligible,
			Required: constants.MinEligibleFaces,
		}
	}

	// Fix the threshold now so a redelivered job uses the same value.
	if cfg.ConfidenceThreshold == nil {
		t := s.opts.ConfidenceThreshold
		cfg.ConfidenceThreshold = &t
	}

	job := Job{
		JobID:       req.JobID,
		Token:       s.newID(),
		PersonID:    req.PersonID,
		Config:      cfg,
		SubmittedAt: s.now(),
	}
	if job.JobID == "" {
		job.JobID = s.newID()
	}

	if err := s.progress.Publish(ctx, job.Token, progress.Record{
		Phase:     progress.PhaseQueued,
		Message:   "waiting for a worker",
		Timestamp: job.SubmittedAt,
	}); err != nil {
		return Submission{}, fmt.Errorf("publishing queued record: %w", err)
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return Submission{}, fmt.Errorf("encoding job: %w", err)
	}
	if err := s.dispatcher.Enqueue(ctx, queue.Task{ID: job.JobID, Name: TaskName, Payload: payload}); err != nil {
		msg := fmt.Sprintf("dispatch failed: %v", err)
		if perr := s.progress.Publish(context.WithoutCancel(ctx), job.Token, progress.Record{
			Phase: progress.PhaseFailed, Message: msg, Error: msg, Timestamp: s.now(),
		}); perr != nil {
			s.logger.Warn("publishing dispatch failure", zap.String("job_id", job.JobID), zap.Error(perr))
		}
		return Submission{}, fmt.Errorf("dispatching job: %w", err)
	}

	s.logger.Info("expansion submitted",
		zap.String("job_id", job.JobID),
		zap.Int64("person_id", job.PersonID),
		zap.Stringer("prototype_count", cfg.PrototypeCount),
		zap.Int("suggestion_cap", cfg.SuggestionCap),
		zap.Int("eligible", eligible))
	return Submission{JobID: job.JobID, ProgressToken: job.Token}, nil
}

// HandleTask is the queue handler of TaskName. Job failures end in the
// terminal record; only a lost terminal record is returned for redelivery.
func (s *Service) HandleTask(ctx context.Context, task queue.Task) error {
	var job Job
	if err := json.Unmarshal(task.Payload, &job); err != nil {
		// Not retryable.
		s.logger.Error("dropping malformed expansion task", zap.String("task_id", task.ID), zap.Error(err))
		return nil
	}

	if rec, err := s.progress.Read(ctx, job.Token); err == nil && rec.Phase.Terminal() {
		s.logger.Info("skipping finished job", zap.String("job_id", job.JobID), zap.String("phase", string(rec.Phase)))
		return nil
	}

	if _, err := s.orchestrator.Run(ctx, job); errors.Is(err, errTerminalPublish) {
		return err
	}
	return nil
}

// Progress returns the current record of a job.
func (s *Service) Progress(ctx context.Context, token string) (progress.Record, error) {
	return s.progress.Read(ctx, token)
}

// Subscribe streams the records of a job until it ends or the observer
// timeout elapses.
func (s *Service) Subscribe(ctx context.Context, token string) (<-chan progress.Record, error) {
	opts := s.opts.Subscribe
	opts.OnError = func(err error) {
		s.logger.Warn("progress poll failed", zap.String("token", token), zap.Error(err))
	}
	return progress.Subscribe(ctx, s.progress, token, opts)
}

// ResolvePerson accepts a numeric id or a person name.
func (s *Service) ResolvePerson(ctx context.Context, ref string) (*database.Person, error) {
	id, name := facematch.ParsePersonRef(ref)
	if id > 0 {
		return s.store.GetPerson(ctx, id)
	}
	if name == "" {
		return nil, fmt.Errorf("empty person reference: %w", database.ErrNotFound)
	}
	return s.store.FindPersonByName(ctx, name)
}

// ListSuggestions returns suggestions of a person, optionally by status.
func (s *Service) ListSuggestions(
	ctx context.Context, personID int64, status database.SuggestionStatus, limit int,
) ([]database.Suggestion, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidConfig, status)
	}
	if limit <= 0 {
		limit = constants.DefaultSuggestionListLimit
	}
	if _, err := s.store.GetPerson(ctx, personID); err != nil {
		return nil, fmt.Errorf("loading person: %w", err)
	}
	return s.store.ListSuggestions(ctx, personID, status, limit)
}

// RejectSuggestions marks pending suggestions rejected.
func (s *Service) RejectSuggestions(ctx context.Context, ids []int64) (int, error) {
	if err := checkIDs(ids); err != nil {
		return 0, err
	}
	return s.store.RejectSuggestions(ctx, ids)
}

// AcceptSuggestions accepts suggestions and, when enabled, submits one
// expansion job per affected person with the configured auto-expand
// settings. Persons below the eligibility minimum are reported as skipped.
func (s *Service) AcceptSuggestions(ctx context.Context, ids []int64) (AcceptResult, error) {
	if err := checkIDs(ids); err != nil {
		return AcceptResult{}, err
	}
	accepted, err := s.store.AcceptSuggestions(ctx, ids)
	if err != nil {
		return AcceptResult{}, fmt.Errorf("accepting suggestions: %w", err)
	}
	res := AcceptResult{Accepted: accepted}
	if !s.opts.AutoExpandOnAccept || len(accepted) == 0 {
		return res, nil
	}

	persons := make(map[int64]struct{})
	for _, sg := range accepted {
		persons[sg.PersonID] = struct{}{}
	}
	ordered := make([]int64, 0, len(persons))
	for id := range persons {
		ordered = append(ordered, id)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	for _, personID := range ordered {
		sub, err := s.Submit(ctx, SubmitRequest{PersonID: personID, Config: s.opts.AutoConfig})
		var insufficient *InsufficientDataError
		switch {
		case err == nil:
			res.Jobs = append(res.Jobs, PersonJob{PersonID: personID, Submission: sub})
		case errors.As(err, &insufficient):
			res.Skipped = append(res.Skipped, SkippedPerson{
				PersonID: personID, Reason: "insufficient data", Eligible: insufficient.Eligible,
			})
		default:
			s.logger.Warn("auto expansion not submitted", zap.Int64("person_id", personID), zap.Error(err))
			res.Skipped = append(res.Skipped, SkippedPerson{PersonID: personID, Reason: err.Error()})
		}
	}
	return res, nil
}

func checkIDs(ids []int64) error {
	if len(ids) > constants.MaxBulkSuggestionIDs {
		return fmt.Errorf("%w: %d > %d", ErrTooManyIDs, len(ids), constants.MaxBulkSuggestionIDs)
	}
	return nil
}
