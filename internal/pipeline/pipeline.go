package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/emperorhan/token-distributor/internal/alert"
	"github.com/emperorhan/token-distributor/internal/circuitbreaker"
	"github.com/emperorhan/token-distributor/internal/domain/model"
	"github.com/emperorhan/token-distributor/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// Task names one of the periodic phases.
type Task string

const (
	TaskConstruct Task = "construct"
	TaskProcess   Task = "process"
	TaskComplete  Task = "complete"
)

// Tasks lists every task in scheduling order.
var Tasks = []Task{TaskConstruct, TaskProcess, TaskComplete}

var ErrUnknownTask = errors.New("unknown task")

// ParseTask resolves a task by name.
func ParseTask(name string) (Task, error) {
	for _, t := range Tasks {
		if string(t) == name {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTask, name)
}

const defaultGaugeInterval = 15 * time.Second

type Config struct {
	ConstructInterval time.Duration
	ProcessInterval   time.Duration
	CompleteInterval  time.Duration

	// GaugeInterval is how often the batches-by-state gauge is refreshed.
	GaugeInterval time.Duration

	UnhealthyThreshold      int
	BreakerFailureThreshold int
	BreakerOpenTimeout      time.Duration

	Alerter alert.Alerter
}

// Phases are the units of work the pipeline schedules.
type Phases interface {
	ConstructBatches(ctx context.Context) (int, error)
	ProcessBatches(ctx context.Context) error
	CompleteBatches(ctx context.Context) error
}

// BatchCounter reports stored batches per state.
type BatchCounter interface {
	CountByState(ctx context.Context) (map[model.BatchState]int, error)
}

type taskRunner struct {
	task     Task
	interval time.Duration
	run      func(ctx context.Context) error
	health   *TaskHealth
	breaker  *circuitbreaker.Breaker
	trigger  chan struct{}
}

// Pipeline runs the construct, process and complete phases as three
// independent periodic tasks. A failing phase never stops its task.
type Pipeline struct {
	cfg     Config
	counter BatchCounter
	alerter alert.Alerter
	logger  *slog.Logger
	tasks   map[Task]*taskRunner
}

func New(cfg Config, phases Phases, counter BatchCounter, logger *slog.Logger) *Pipeline {
	if cfg.GaugeInterval <= 0 {
		cfg.GaugeInterval = defaultGaugeInterval
	}
	p := &Pipeline{
		cfg:     cfg,
		counter: counter,
		alerter: cfg.Alerter,
		logger:  logger.With("component", "pipeline"),
		tasks:   make(map[Task]*taskRunner, len(Tasks)),
	}
	if p.alerter == nil {
		p.alerter = &alert.NoopAlerter{}
	}

	runs := map[Task]struct {
		interval time.Duration
		run      func(ctx context.Context) error
	}{
		TaskConstruct: {cfg.ConstructInterval, func(ctx context.Context) error {
			_, err := phases.ConstructBatches(ctx)
			return err
		}},
		TaskProcess:  {cfg.ProcessInterval, phases.ProcessBatches},
		TaskComplete: {cfg.CompleteInterval, phases.CompleteBatches},
	}
	for _, task := range Tasks {
		r := runs[task]
		p.tasks[task] = &taskRunner{
			task:     task,
			interval: r.interval,
			run:      r.run,
			health:   NewTaskHealth(task, cfg.UnhealthyThreshold, WithDegradedLatency(r.interval)),
			breaker: circuitbreaker.New(circuitbreaker.Config{
				Name:             string(task),
				FailureThreshold: cfg.BreakerFailureThreshold,
				OpenTimeout:      cfg.BreakerOpenTimeout,
				OnStateChange:    p.logBreakerChange,
			}),
			trigger: make(chan struct{}, 1),
		}
	}
	return p
}

func (p *Pipeline) logBreakerChange(name string, from, to circuitbreaker.State) {
	metrics.TaskBreakerState.WithLabelValues(name).Set(float64(to))
	p.logger.Warn("task circuit breaker state changed", "task", name, "from", from.String(), "to", to.String())
}

// Run starts every task and blocks until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	for _, task := range Tasks {
		if p.tasks[task].interval <= 0 {
			return fmt.Errorf("task %s: interval must be positive", task)
		}
	}

	p.logger.Info("pipeline starting",
		"construct_interval", p.cfg.ConstructInterval,
		"process_interval", p.cfg.ProcessInterval,
		"complete_interval", p.cfg.CompleteInterval,
	)

	g, gCtx := errgroup.WithContext(ctx)
	for _, task := range Tasks {
		t := p.tasks[task]
		g.Go(func() error {
			return p.runTask(gCtx, t)
		})
	}
	if p.counter != nil {
		g.Go(func() error {
			return p.runGauges(gCtx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		p.logger.Info("pipeline stopped")
		return nil
	}
	return err
}

// Trigger asks task to run as soon as it is idle. Requests made while one is
// already pending are coalesced. A task whose breaker is open is refused.
func (p *Pipeline) Trigger(task Task) error {
	t, ok := p.tasks[task]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTask, task)
	}
	if err := t.breaker.Allow(); err != nil {
		return err
	}
	select {
	case t.trigger <- struct{}{}:
	default:
	}
	return nil
}

// Health returns a snapshot per task in scheduling order.
func (p *Pipeline) Health() []HealthSnapshot {
	out := make([]HealthSnapshot, 0, len(Tasks))
	for _, task := range Tasks {
		t := p.tasks[task]
		snap := t.health.Snapshot()
		snap.Breaker = t.breaker.GetState().String()
		out = append(out, snap)
	}
	return out
}

// Healthy reports whether no task is unhealthy.
func (p *Pipeline) Healthy() bool {
	for _, t := range p.tasks {
		if t.health.Status() == HealthStatusUnhealthy {
			return false
		}
	}
	return true
}

func (p *Pipeline) runTask(ctx context.Context, t *taskRunner) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-t.trigger:
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.tick(ctx, t)
	}
}

// tick runs one invocation of t. Errors and panics are recorded, never
// propagated.
func (p *Pipeline) tick(ctx context.Context, t *taskRunner) {
	name := string(t.task)
	var elapsed time.Duration
	err := t.breaker.Do(ctx, func(ctx context.Context) error {
		metrics.TaskRunsTotal.WithLabelValues(name).Inc()
		start := time.Now()
		err := safeRun(ctx, t.run)
		elapsed = time.Since(start)
		metrics.TaskLatency.WithLabelValues(name).Observe(elapsed.Seconds())
		return err
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		metrics.TaskSkipped.WithLabelValues(name).Inc()
		p.logger.Debug("task skipped", "task", name, "error", err)
		return
	}
	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return
	}
	t.health.RecordLatency(elapsed)

	if err != nil {
		metrics.TaskErrors.WithLabelValues(name).Inc()
		p.logger.Error("task failed", "task", name, "duration", elapsed, "error", err)
		if t.health.RecordFailure(err) {
			p.sendAlert(ctx, alert.Alert{
				Type:    alert.AlertTypeUnhealthy,
				Subject: name,
				Title:   fmt.Sprintf("Task %s is unhealthy", name),
				Message: err.Error(),
				Fields:  map[string]string{"consecutive_failures": fmt.Sprint(t.health.ConsecutiveFailures())},
			})
		}
	} else if t.health.RecordSuccess() {
		p.sendAlert(ctx, alert.Alert{
			Type:    alert.AlertTypeRecovery,
			Subject: name,
			Title:   fmt.Sprintf("Task %s recovered", name),
		})
	}

	metrics.TaskHealthStatus.WithLabelValues(name).Set(t.health.Status().gaugeValue())
	metrics.TaskConsecutiveFailures.WithLabelValues(name).Set(float64(t.health.ConsecutiveFailures()))
}

func safeRun(ctx context.Context, run func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v\n%s", r, debug.Stack())
		}
	}()
	return run(ctx)
}

func (p *Pipeline) sendAlert(ctx context.Context, a alert.Alert) {
	if err := p.alerter.Send(context.WithoutCancel(ctx), a); err != nil {
		p.logger.Warn("send alert failed", "type", a.Type, "subject", a.Subject, "error", err)
	}
}

func (p *Pipeline) runGauges(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.GaugeInterval)
	defer ticker.Stop()
	for {
		p.refreshGauges(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Pipeline) refreshGauges(ctx context.Context) {
	counts, err := p.counter.CountByState(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("count batches by state failed", "error", err)
		}
		return
	}
	for _, s := range []model.BatchState{
		model.BatchStateInitialized,
		model.BatchStateProcessing,
		model.BatchStateSuccess,
		model.BatchStateFailed,
	} {
		metrics.BatchesByState.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}
