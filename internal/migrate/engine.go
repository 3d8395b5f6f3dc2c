package migrate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/dusk-indust/kgschema/internal/graph"
)

// ErrPartialMigration is matched by every *PartialFailure.
var ErrPartialMigration = errors.New("migrate: partial migration")

// Defaults for NewEngine.
const (
	DefaultBatchSize = 1000
	DefaultLockTTL   = 10 * time.Minute
	DefaultLockName  = "schema-migration"
)

// Target is the slice of graph.Store the engine rewrites.
type Target interface {
	LockStore
	CountNodes(ctx context.Context, label string) (int, error)
	CountRelationships(ctx context.Context, relType string) (int, error)
	RelabelNodes(ctx context.Context, from, to string, limit int) (int, error)
	RemoveNodeLabel(ctx context.Context, label string, limit int) (int, error)
	RelationshipsByType(ctx context.Context, relType, afterID string, limit int) ([]graph.Relationship, error)
	RetypeRelationship(ctx context.Context, id, newType string, setProps map[string]any) (graph.Relationship, error)
}

// Recorder receives migration measurements. metrics.Collector implements it.
type Recorder interface {
	BatchCommitted(kind string, elements int, elapsed time.Duration)
	OperationFinished(kind, status string)
	LockContended()
}

type nopRecorder struct{}

func (nopRecorder) BatchCommitted(string, int, time.Duration) {}
func (nopRecorder) OperationFinished(string, string)          {}
func (nopRecorder) LockContended()                            {}

// ---------- Reports ----------

// OpResult is the outcome of one plan operation.
type OpResult struct {
	Index     int       `json:"index"`
	Operation Operation `json:"operation"`
	Matched   int       `json:"matched"`
	Updated   int       `json:"updated"`
	Batches   int       `json:"batches"`
	Complete  bool      `json:"complete"`
}

// Report is the structured result of running or dry-running a plan. When
// the run stopped early, Failure says where.
type Report struct {
	FromVersion string          `json:"fromVersion,omitempty"`
	ToVersion   string          `json:"toVersion,omitempty"`
	DryRun      bool            `json:"dryRun"`
	Operations  []OpResult      `json:"operations"`
	Failure     *PartialFailure `json:"failure,omitempty"`
	StartedAt   time.Time       `json:"startedAt"`
	FinishedAt  time.Time       `json:"finishedAt"`
}

// Matched sums matched elements over all operations.
func (r *Report) Matched() int {
	n := 0
	for _, op := range r.Operations {
		n += op.Matched
	}
	return n
}

// Updated sums rewritten elements over all operations.
func (r *Report) Updated() int {
	n := 0
	for _, op := range r.Operations {
		n += op.Updated
	}
	return n
}

// Complete reports whether every operation ran to the end.
func (r *Report) Complete() bool { return !r.DryRun && r.Failure == nil }

// PartialFailure describes where a plan stopped. Batches already committed
// stay committed; re-running the same plan resumes from BatchOffset because
// rewritten elements no longer match.
type PartialFailure struct {
	OperationIndex   int       `json:"operationIndex"`
	Operation        Operation `json:"operation"`
	BatchesCompleted int       `json:"batchesCompleted"`
	BatchesRemaining int       `json:"batchesRemaining"`
	BatchOffset      int       `json:"batchOffset"`
	Err              error     `json:"-"`
	Message          string    `json:"error"`
}

func (e *PartialFailure) Error() string {
	return fmt.Sprintf("migrate: operation %d (%s) stopped after %d batches, %d remaining: %v",
		e.OperationIndex, e.Operation, e.BatchesCompleted, e.BatchesRemaining, e.Err)
}

func (e *PartialFailure) Unwrap() []error { return []error{ErrPartialMigration, e.Err} }

// ---------- Engine ----------

// Engine executes plans against a Target.
type Engine struct {
	target     Target
	batchSize  int
	lockName   string
	owner      string
	lockTTL    time.Duration
	now        func() time.Time
	logger     *zap.Logger
	recorder   Recorder
	onProgress func(ProgressEvent)
}

// Option configures an Engine.
type Option func(*Engine)

// WithBatchSize sets how many elements one batch rewrites.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithLogger sets the engine's logger.
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithRecorder sets the metrics sink.
func WithRecorder(r Recorder) Option { return func(e *Engine) { e.recorder = r } }

// WithProgress registers a callback invoked synchronously for every event.
func WithProgress(fn func(ProgressEvent)) Option { return func(e *Engine) { e.onProgress = fn } }

// WithOwner sets the owner recorded on the migration lock.
func WithOwner(owner string) Option { return func(e *Engine) { e.owner = owner } }

// WithLockName sets the name of the migration lock marker.
func WithLockName(name string) Option { return func(e *Engine) { e.lockName = name } }

// WithLockTTL sets how long a lease lasts without a heartbeat.
func WithLockTTL(ttl time.Duration) Option { return func(e *Engine) { e.lockTTL = ttl } }

// WithClock overrides time.Now for lock expiry.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// NewEngine creates an Engine for target.
func NewEngine(target Target, opts ...Option) *Engine {
	e := &Engine{
		target:    target,
		batchSize: DefaultBatchSize,
		lockName:  DefaultLockName,
		owner:     defaultOwner(),
		lockTTL:   DefaultLockTTL,
		now:       time.Now,
		logger:    zap.NewNop(),
		recorder:  nopRecorder{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// Apply runs plan under the migration lock, one operation at a time and one
// batch at a time. Cancellation is honoured between batches only. When a
// batch fails or ctx is cancelled the returned report is still populated and
// the error is a *PartialFailure.
func (e *Engine) Apply(ctx context.Context, plan *Plan) (*Report, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	lease, err := NewLocker(e.target, e.lockName, e.owner, e.lockTTL, e.now, e.logger).Acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrMigrationInProgress) {
			e.recorder.LockContended()
		}
		return nil, err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			e.logger.Warn("failed to release migration lock", zap.Error(err))
		}
	}()

	report := e.newReport(plan, false)
	for i, op := range plan.Operations {
		e.emit(ProgressEvent{OperationIndex: i, Operation: op, Status: ProgressPending})
	}
	for i, op := range plan.Operations {
		res, pf := e.run(ctx, lease, i, op)
		report.Operations = append(report.Operations, res)
		if pf != nil {
			report.Failure = pf
			report.FinishedAt = e.now()
			return report, pf
		}
	}
	report.FinishedAt = e.now()
	e.logger.Info("migration applied",
		zap.String("to", plan.ToVersion),
		zap.Int("operations", len(report.Operations)),
		zap.Int("updated", report.Updated()),
	)
	return report, nil
}

// DryRun counts what each operation would match without writing anything or
// taking the lock.
func (e *Engine) DryRun(ctx context.Context, plan *Plan) (*Report, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	report := e.newReport(plan, true)
	for i, op := range plan.Operations {
		matched, err := e.count(ctx, op)
		if err != nil {
			return nil, err
		}
		report.Operations = append(report.Operations, OpResult{
			Index: i, Operation: op, Matched: matched, Batches: e.batchesFor(matched),
		})
		e.recorder.OperationFinished(string(op.Kind), "dry_run")
	}
	report.FinishedAt = e.now()
	return report, nil
}

func (e *Engine) newReport(plan *Plan, dryRun bool) *Report {
	return &Report{
		FromVersion: plan.FromVersion,
		ToVersion:   plan.ToVersion,
		DryRun:      dryRun,
		Operations:  []OpResult{},
		StartedAt:   e.now(),
	}
}

// run executes one operation batch by batch.
func (e *Engine) run(ctx context.Context, lease *Lease, i int, op Operation) (OpResult, *PartialFailure) {
	res := OpResult{Index: i, Operation: op}
	log := e.logger.With(zap.Int("operation", i), zap.String("kind", string(op.Kind)), zap.String("from", op.From))

	matched, err := e.count(ctx, op)
	if err != nil {
		return res, e.fail(res, err)
	}
	res.Matched = matched
	e.emit(ProgressEvent{OperationIndex: i, Operation: op, Status: ProgressWorking, Matched: matched})

	// Writes are detached from ctx so a batch is never cut in half.
	batchCtx := context.WithoutCancel(ctx)
	for {
		if err := ctx.Err(); err != nil {
			return res, e.fail(res, err)
		}
		// Heartbeat before every write, including the first batch of each
		// operation: the lease may have lapsed while the previous one ran.
		if err := lease.Renew(batchCtx); err != nil {
			return res, e.fail(res, err)
		}
		start := time.Now()
		n, err := e.batch(batchCtx, op)
		res.Updated += n
		if err != nil {
			log.Warn("migration batch failed", zap.Int("batch", res.Batches+1), zap.Error(err))
			return res, e.fail(res, err)
		}
		if n == 0 {
			break
		}
		res.Batches++
		e.recorder.BatchCommitted(string(op.Kind), n, time.Since(start))
		e.emit(ProgressEvent{
			OperationIndex: i, Operation: op, Status: ProgressWorking,
			Batch: res.Batches, Updated: res.Updated, Matched: matched,
		})
		log.Debug("migration batch committed", zap.Int("batch", res.Batches), zap.Int("elements", n))
		if n < e.batchSize {
			break
		}
	}

	res.Complete = true
	e.recorder.OperationFinished(string(op.Kind), "complete")
	e.emit(ProgressEvent{OperationIndex: i, Operation: op, Status: ProgressComplete, Updated: res.Updated, Matched: matched})
	log.Info("migration operation complete", zap.Int("matched", res.Matched), zap.Int("updated", res.Updated))
	return res, nil
}

func (e *Engine) fail(res OpResult, err error) *PartialFailure {
	remaining := e.batchesFor(res.Matched - res.Updated)
	if remaining == 0 && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		remaining = 1
	}
	e.recorder.OperationFinished(string(res.Operation.Kind), "failed")
	e.emit(ProgressEvent{
		OperationIndex: res.Index, Operation: res.Operation, Status: ProgressFailed,
		Batch: res.Batches, Updated: res.Updated, Matched: res.Matched, Message: err.Error(),
	})
	return &PartialFailure{
		OperationIndex:   res.Index,
		Operation:        res.Operation,
		BatchesCompleted: res.Batches,
		BatchesRemaining: remaining,
		BatchOffset:      res.Updated,
		Err:              err,
		Message:          err.Error(),
	}
}

// count returns how many elements op currently matches.
func (e *Engine) count(ctx context.Context, op Operation) (int, error) {
	var (
		n   int
		err error
	)
	if op.OnNodes() {
		n, err = e.target.CountNodes(ctx, op.From)
	} else {
		n, err = e.target.CountRelationships(ctx, op.From)
	}
	if err != nil {
		return 0, fmt.Errorf("migrate: count %s: %w", op.From, err)
	}
	return n, nil
}

// batch rewrites up to batchSize elements and returns how many it changed.
func (e *Engine) batch(ctx context.Context, op Operation) (int, error) {
	switch op.Kind {
	case OpRenameNodeLabel:
		n, err := e.target.RelabelNodes(ctx, op.From, op.To, e.batchSize)
		if err != nil {
			return 0, fmt.Errorf("migrate: relabel %s: %w", op.From, err)
		}
		return n, nil
	case OpRemoveNodeLabel:
		n, err := e.target.RemoveNodeLabel(ctx, op.From, e.batchSize)
		if err != nil {
			return 0, fmt.Errorf("migrate: remove label %s: %w", op.From, err)
		}
		return n, nil
	case OpRenameRelationshipType:
		return e.retypeBatch(ctx, op.From, op.To, nil)
	case OpRemoveRelationshipType:
		return e.retypeBatch(ctx, op.From, graph.DetachedRelationshipType,
			map[string]any{graph.DetachedFromProperty: op.From})
	default:
		return 0, fmt.Errorf("%w: unknown operation kind %q", ErrInvalidPlan, op.Kind)
	}
}

// retypeBatch recreates one page of relationships. Each relationship is its
// own transaction, so the count returned is exact even on failure.
func (e *Engine) retypeBatch(ctx context.Context, from, to string, setProps map[string]any) (int, error) {
	page, err := e.target.RelationshipsByType(ctx, from, "", e.batchSize)
	if err != nil {
		return 0, fmt.Errorf("migrate: list %s relationships: %w", from, err)
	}
	for i, rel := range page {
		if _, err := e.target.RetypeRelationship(ctx, rel.ID, to, setProps); err != nil {
			return i, fmt.Errorf("migrate: retype relationship %s: %w", rel.ID, err)
		}
	}
	return len(page), nil
}

func (e *Engine) batchesFor(n int) int {
	if n <= 0 {
		return 0
	}
	return (n + e.batchSize - 1) / e.batchSize
}

// emit sends a progress event if a callback is registered.
func (e *Engine) emit(ev ProgressEvent) {
	if e.onProgress != nil {
		e.onProgress(ev)
	}
}
