package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lorenzkrinner/gitfix/internal/persistence"
	"github.com/lorenzkrinner/gitfix/internal/stream"
	"github.com/lorenzkrinner/gitfix/internal/taskqueue"
	"github.com/lorenzkrinner/gitfix/pkg/api"
)

const (
	// DefaultInlineSleepMax is the longest sleep a run waits out in place.
	DefaultInlineSleepMax = 2 * time.Second
	// DefaultLeaseTTL bounds how long a crashed run blocks its instance.
	DefaultLeaseTTL = time.Minute
)

// Config describes how to construct an Engine. Nil collaborators get
// in-memory or no-op defaults.
type Config struct {
	Persistence  persistence.Persistence
	Queue        taskqueue.Queue
	Broker       stream.Broker
	Observer     api.Observer
	Repositories api.Repositories
	Commenter    api.Commenter
	Logger       *slog.Logger

	// InlineSleepMax is the longest remaining sleep waited out inline;
	// longer sleeps suspend the run.
	InlineSleepMax time.Duration
	// LeaseTTL is the per-instance run lease. Steps renew it.
	LeaseTTL time.Duration
	// Owner prefixes lease owner ids. Defaults to a random id per engine.
	Owner string
}

// Engine runs durable workflows over a store, a task queue and a broker.
type Engine struct {
	instances   persistence.InstanceStore
	activity    persistence.ActivityStore
	checkpoints persistence.CheckpointStore

	queue     taskqueue.Queue
	broker    stream.Broker
	observer  api.Observer
	repos     api.Repositories
	commenter api.Commenter
	logger    *slog.Logger
	workflows *workflowRegistry

	inlineSleepMax time.Duration
	leaseTTL       time.Duration
	owner          string
}

var _ api.Engine = (*Engine)(nil)

// New creates an Engine using the given configuration.
func New(cfg Config) *Engine {
	p := cfg.Persistence
	if p.Instances == nil || p.Activity == nil || p.Checkpoints == nil {
		mem := persistence.NewInMemoryStore()
		if p.Instances == nil {
			p.Instances = mem
		}
		if p.Activity == nil {
			p.Activity = mem
		}
		if p.Checkpoints == nil {
			p.Checkpoints = mem
		}
	}

	e := &Engine{
		instances:      p.Instances,
		activity:       p.Activity,
		checkpoints:    p.Checkpoints,
		queue:          cfg.Queue,
		broker:         cfg.Broker,
		observer:       cfg.Observer,
		repos:          cfg.Repositories,
		commenter:      cfg.Commenter,
		logger:         cfg.Logger,
		workflows:      newWorkflowRegistry(),
		inlineSleepMax: cfg.InlineSleepMax,
		leaseTTL:       cfg.LeaseTTL,
		owner:          cfg.Owner,
	}
	if e.queue == nil {
		e.queue = taskqueue.NewInMemoryQueue(0)
	}
	if e.broker == nil {
		e.broker = stream.NewMemoryBroker(stream.DefaultBuffer)
	}
	if e.observer == nil {
		e.observer = api.NoopObserver{}
	}
	if e.repos == nil {
		e.repos = defaultRepositories{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.inlineSleepMax <= 0 {
		e.inlineSleepMax = DefaultInlineSleepMax
	}
	if e.leaseTTL <= 0 {
		e.leaseTTL = DefaultLeaseTTL
	}
	if e.owner == "" {
		e.owner = uuid.NewString()
	}
	return e
}

// defaultRepositories treats every repository as approval-mode with the
// default retry limit.
type defaultRepositories struct{}

func (defaultRepositories) GetRepository(_ context.Context, id string) (api.Repository, error) {
	return api.Repository{ID: id, Mode: api.ModeApproval}, nil
}

// NewInMemoryEngine returns an Engine whose state lives in process memory.
func NewInMemoryEngine() *Engine {
	return New(Config{Persistence: persistence.FromStore(persistence.NewInMemoryStore())})
}

// NewSQLiteEngine returns an Engine whose store and queue share db.
func NewSQLiteEngine(ctx context.Context, db *sql.DB, cfg Config) (*Engine, error) {
	store, err := persistence.NewSQLiteStore(ctx, db)
	if err != nil {
		return nil, err
	}
	queue, err := taskqueue.NewSQLiteQueue(ctx, db)
	if err != nil {
		return nil, err
	}
	cfg.Persistence = persistence.FromStore(store)
	cfg.Queue = queue
	return New(cfg), nil
}

// RegisterWorkflow makes fn available to instances that name it.
func (e *Engine) RegisterWorkflow(name string, fn WorkflowFunc) error {
	return e.workflows.Register(name, fn)
}

// Queue returns the task queue the engine schedules runs on.
func (e *Engine) Queue() taskqueue.Queue { return e.queue }

// Repositories returns the resolver the engine consults for per-repository
// settings.
func (e *Engine) Repositories() api.Repositories { return e.repos }

// Broker returns the live stream broker.
func (e *Engine) Broker() stream.Broker { return e.broker }

func (e *Engine) CreateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	if inst.Workflow == "" {
		inst.Workflow = api.DefaultWorkflow
	}
	now := time.Now().UTC()
	inst.Status = api.StatusAnalyzing
	inst.CreatedAt = now
	inst.UpdatedAt = now

	if err := e.instances.CreateInstance(ctx, inst); err != nil {
		return fmt.Errorf("create instance %s: %w", inst.ID, err)
	}
	return nil
}

func (e *Engine) Enqueue(ctx context.Context, id string) error {
	if _, err := e.GetInstance(ctx, id); err != nil {
		return err
	}
	return e.queue.Enqueue(ctx, taskqueue.NewTask(taskqueue.TaskTypeRun, id, time.Time{}))
}

func (e *Engine) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	inst, err := e.instances.GetInstance(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("instance %s: %w", id, err)
	}
	return inst, nil
}

func (e *Engine) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.WorkflowInstance, error) {
	return e.instances.ListInstances(ctx, persistence.InstanceFilter{
		RepositoryID: opts.RepositoryID,
		Status:       opts.Status,
	})
}

func (e *Engine) ListActivity(ctx context.Context, id string) ([]api.ActivityRecord, error) {
	if _, err := e.GetInstance(ctx, id); err != nil {
		return nil, err
	}
	return e.activity.ListActivity(ctx, id)
}

func (e *Engine) Subscribe(ctx context.Context, id string, topics []api.Topic) (api.Subscription, error) {
	if _, err := e.GetInstance(ctx, id); err != nil {
		return nil, err
	}
	return e.broker.Subscribe(ctx, api.ChannelFor(id), topics)
}

// Execute replays the instance's workflow until it finishes or parks on a
// long sleep. A terminal instance, or one sleeping until a later time, is
// returned unchanged. If another run holds the lease, Execute returns
// api.ErrLeaseHeld.
func (e *Engine) Execute(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	inst, err := e.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status.IsTerminal() {
		return inst, nil
	}
	if !inst.WakeAt.IsZero() && time.Now().Before(inst.WakeAt) {
		return inst, nil
	}

	wf, err := e.workflows.Get(inst.Workflow)
	if err != nil {
		return inst, err
	}
	repo, err := e.repos.GetRepository(ctx, inst.RepositoryID)
	if err != nil {
		return inst, err
	}

	owner := e.owner + "/" + uuid.NewString()
	ok, err := e.instances.TryAcquireLease(ctx, id, owner, e.leaseTTL)
	if err != nil {
		return inst, err
	}
	if !ok {
		return inst, fmt.Errorf("instance %s: %w", id, api.ErrLeaseHeld)
	}
	defer func() {
		// The run's ctx may be cancelled; release on a fresh one.
		if err := e.instances.ReleaseLease(context.WithoutCancel(ctx), id, owner); err != nil {
			e.logger.Warn("release lease failed", slog.String("instance_id", id), slog.Any("error", err))
		}
	}()

	// Re-read under the lease so a run that finished meanwhile is not replayed.
	if inst, err = e.GetInstance(ctx, id); err != nil {
		return nil, err
	}
	if inst.Status.IsTerminal() {
		return inst, nil
	}

	run := &Run{
		ctx:   ctx,
		eng:   e,
		inst:  inst,
		repo:  repo,
		owner: owner,
		seen:  make(map[string]struct{}),
	}
	if err := run.Update(func(w *api.WorkflowInstance) {
		if w.StartedAt.IsZero() {
			w.StartedAt = time.Now().UTC()
		}
		w.WakeAt = time.Time{}
	}); err != nil {
		return run.Instance(), err
	}

	e.observer.OnRunStart(ctx, run.Instance())
	runErr := wf(ctx, run)

	var susp *suspendError
	if errors.As(runErr, &susp) {
		return e.suspend(ctx, run, susp)
	}
	if runErr != nil {
		e.observer.OnRunFailed(ctx, run.Instance(), runErr)
		return run.Instance(), runErr
	}

	e.observer.OnRunCompleted(ctx, run.Instance())
	return run.Instance(), nil
}

// suspend parks the run until susp.wakeAt: the wake time is recorded on the
// instance and a resume task is queued for it.
func (e *Engine) suspend(ctx context.Context, run *Run, susp *suspendError) (*api.WorkflowInstance, error) {
	if err := run.Update(func(w *api.WorkflowInstance) {
		w.WakeAt = susp.wakeAt
	}); err != nil {
		e.observer.OnRunFailed(ctx, run.Instance(), err)
		return run.Instance(), err
	}

	task := taskqueue.NewTask(taskqueue.TaskTypeResume, run.inst.ID, susp.wakeAt)
	if err := e.queue.Enqueue(ctx, task); err != nil {
		// The sweeper re-queues instances whose wake time passed unnoticed.
		err = fmt.Errorf("enqueue resume for %s: %w", run.inst.ID, err)
		e.observer.OnRunFailed(ctx, run.Instance(), err)
		return run.Instance(), err
	}

	e.observer.OnRunSuspended(ctx, run.Instance(), susp.wakeAt)
	return run.Instance(), nil
}
