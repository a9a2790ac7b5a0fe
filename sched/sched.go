// Package sched runs cron-scheduled scripts. Schedules persist in the
// store as one replace-on-write record per script; the elected leader
// installs them as in-memory cron entries and fences every tick with a
// per-script distributed lock, so a leadership handover mid-tick cannot
// double-run a script.
package sched

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/zral/mongo-crud-api-sub001/coord"
	"github.com/zral/mongo-crud-api-sub001/lock"
	"github.com/zral/mongo-crud-api-sub001/log"
	"github.com/zral/mongo-crud-api-sub001/metrics"
	"github.com/zral/mongo-crud-api-sub001/sandbox"
	"github.com/zral/mongo-crud-api-sub001/store"
	"github.com/zral/mongo-crud-api-sub001/types"
)

// DefaultLockTTL bounds one scripted tick; the fence lives this long.
const DefaultLockTTL = 300 * time.Second

// fencePrefix namespaces per-tick fence locks.
const fencePrefix = "cron_lock:"

// ErrNotScheduled is returned for operations on a script with no schedule.
var ErrNotScheduled = errors.New("sched: script is not scheduled")

// parser accepts 5-field and seconds-extended 6-field expressions.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ScriptRunner executes a scheduled script's code.
type ScriptRunner interface {
	Execute(ctx context.Context, scriptID, code string, payload, execContext types.Document) (*sandbox.Result, error)
}

// Config tunes the scheduler.
type Config struct {
	InstanceID string
	// LockTTL is the per-tick fence lifetime (default 300s). Must exceed
	// the longest script execution.
	LockTTL time.Duration
	// LeaderGated gates ticking on cluster leadership and fences each tick.
	// When false every instance ticks locally with no distributed fence.
	LeaderGated bool
}

// counters tracks executions since process start. Week and month buckets
// reset when the calendar rolls over; totals never reset.
type counters struct {
	total int64
	week  int64
	month int64

	weekMark  int
	monthMark time.Month
}

// Engine owns the cron runtime and the persisted schedule records.
type Engine struct {
	cfg     Config
	store   store.Store
	runner  ScriptRunner
	locks   *lock.Manager
	metrics *metrics.Metrics
	logger  *log.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
	stats   map[string]*counters
	active  bool
}

// New creates an Engine. Call Start when this instance should begin
// ticking (on leadership, or at boot in local mode).
func New(logger *log.Logger, cfg Config, st store.Store, runner ScriptRunner, c *coord.Client, m *metrics.Metrics) *Engine {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	return &Engine{
		cfg:     cfg,
		store:   st,
		runner:  runner,
		locks:   lock.NewManager(c, logger, cfg.InstanceID).WithPrefix(fencePrefix),
		metrics: m,
		logger:  logger.Named("sched"),
		cron:    cron.New(cron.WithParser(parser)),
		entries: make(map[string]cron.EntryID),
		stats:   make(map[string]*counters),
	}
}

// Start loads every persisted schedule, installs the unpaused ones, and
// begins ticking. Idempotent.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active {
		return nil
	}

	schedules, err := e.store.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("sched: load schedules: %w", err)
	}
	for _, s := range schedules {
		if s.Paused {
			continue
		}
		if err := e.installLocked(s.ScriptID, s.CronExpression); err != nil {
			e.logger.Error("failed to install schedule",
				zap.String("script_id", s.ScriptID),
				zap.Error(err))
		}
	}

	e.cron.Start()
	e.active = true
	e.logger.Info("scheduler started",
		zap.Int("schedules", len(e.entries)),
		zap.Bool("leader_gated", e.cfg.LeaderGated))
	return nil
}

// Stop removes every local cron entry and halts ticking. The persisted
// records survive for the next leader. Blocks until running ticks finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return
	}
	for id, entry := range e.entries {
		e.cron.Remove(entry)
		delete(e.entries, id)
	}
	e.active = false
	e.mu.Unlock()

	<-e.cron.Stop().Done()
	e.logger.Info("scheduler stopped")
}

// Active reports whether this instance is currently ticking.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// installLocked registers a cron entry. Caller holds e.mu.
func (e *Engine) installLocked(scriptID, expr string) error {
	if old, ok := e.entries[scriptID]; ok {
		e.cron.Remove(old)
	}
	entry, err := e.cron.AddFunc(expr, func() { e.tick(scriptID) })
	if err != nil {
		return fmt.Errorf("sched: install %s: %w", scriptID, err)
	}
	e.entries[scriptID] = entry
	return nil
}

// Schedule persists a schedule for the script and installs it when this
// instance is ticking. The expression must parse; the script must exist.
func (e *Engine) Schedule(ctx context.Context, scriptID, expr string, payload types.Document) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("sched: invalid cron expression %q: %w", expr, err)
	}
	if _, err := e.store.GetScript(ctx, scriptID); err != nil {
		return fmt.Errorf("sched: schedule %s: %w", scriptID, err)
	}

	now := time.Now().UTC()
	record := &types.ScheduledScript{
		ScriptID:       scriptID,
		CronExpression: expr,
		Payload:        payload,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if existing, err := e.store.GetSchedule(ctx, scriptID); err == nil {
		record.CreatedAt = existing.CreatedAt
		record.LastExecutedAt = existing.LastExecutedAt
	}
	if err := e.store.SaveSchedule(ctx, record); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active {
		return e.installLocked(scriptID, expr)
	}
	return nil
}

// Reschedule replaces the cron expression of an existing schedule.
func (e *Engine) Reschedule(ctx context.Context, scriptID, expr string) error {
	record, err := e.getSchedule(ctx, scriptID)
	if err != nil {
		return err
	}
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("sched: invalid cron expression %q: %w", expr, err)
	}

	record.CronExpression = expr
	record.UpdatedAt = time.Now().UTC()
	if err := e.store.SaveSchedule(ctx, record); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active && !record.Paused {
		return e.installLocked(scriptID, expr)
	}
	return nil
}

// Unschedule deletes the persisted record and the local entry.
func (e *Engine) Unschedule(ctx context.Context, scriptID string) error {
	if err := e.store.DeleteSchedule(ctx, scriptID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotScheduled
		}
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if entry, ok := e.entries[scriptID]; ok {
		e.cron.Remove(entry)
		delete(e.entries, scriptID)
	}
	return nil
}

// Pause keeps the record but stops ticking the script.
func (e *Engine) Pause(ctx context.Context, scriptID string) error {
	return e.setPaused(ctx, scriptID, true)
}

// Resume reinstates ticking for a paused schedule.
func (e *Engine) Resume(ctx context.Context, scriptID string) error {
	return e.setPaused(ctx, scriptID, false)
}

func (e *Engine) setPaused(ctx context.Context, scriptID string, paused bool) error {
	record, err := e.getSchedule(ctx, scriptID)
	if err != nil {
		return err
	}
	if record.Paused == paused {
		return nil
	}

	record.Paused = paused
	record.UpdatedAt = time.Now().UTC()
	if err := e.store.SaveSchedule(ctx, record); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active {
		return nil
	}
	if paused {
		if entry, ok := e.entries[scriptID]; ok {
			e.cron.Remove(entry)
			delete(e.entries, scriptID)
		}
		return nil
	}
	return e.installLocked(scriptID, record.CronExpression)
}

// TriggerNow runs the script immediately, outside its cron cadence. The
// distributed fence still applies in leader-gated mode.
func (e *Engine) TriggerNow(ctx context.Context, scriptID string) error {
	if _, err := e.getSchedule(ctx, scriptID); err != nil {
		return err
	}
	e.run(ctx, scriptID, true)
	return nil
}

// List returns the operator view of every persisted schedule.
func (e *Engine) List(ctx context.Context) ([]types.ScheduledView, error) {
	schedules, err := e.store.ListSchedules(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]types.ScheduledView, 0, len(schedules))
	for _, s := range schedules {
		view := types.ScheduledView{
			ScriptID:       s.ScriptID,
			CronExpression: s.CronExpression,
			Paused:         s.Paused,
			LastExecutedAt: s.LastExecutedAt,
		}
		if entry, ok := e.entries[s.ScriptID]; ok {
			view.NextRun = e.cron.Entry(entry).Next
		}
		if c, ok := e.stats[s.ScriptID]; ok {
			view.Executions = c.total
			view.ExecutionsWeek = c.week
			view.ExecutionsMonth = c.month
		}
		out = append(out, view)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScriptID < out[j].ScriptID })
	return out, nil
}

func (e *Engine) getSchedule(ctx context.Context, scriptID string) (*types.ScheduledScript, error) {
	record, err := e.store.GetSchedule(ctx, scriptID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotScheduled
	}
	return record, err
}

// tick is the cron callback for one script.
func (e *Engine) tick(scriptID string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.LockTTL)
	defer cancel()
	e.run(ctx, scriptID, false)
}

// run executes one scheduled tick, fenced across the cluster when leader
// gating is on.
func (e *Engine) run(ctx context.Context, scriptID string, manual bool) {
	logger := e.logger.With(zap.String("script_id", scriptID))

	if e.cfg.LeaderGated {
		fence, err := e.locks.Acquire(ctx, scriptID, e.cfg.LockTTL)
		if err != nil {
			e.metrics.CronTicks.WithLabelValues("error").Inc()
			logger.Error("tick fence acquire failed", zap.Error(err))
			return
		}
		if fence == nil {
			e.metrics.CronTicks.WithLabelValues("skipped").Inc()
			logger.Debug("tick already running elsewhere, skipping")
			return
		}
		defer func() { _, _ = fence.Release(ctx) }()
		e.metrics.LocksAcquired.Inc()
	}

	script, err := e.store.GetScript(ctx, scriptID)
	if err != nil {
		e.metrics.CronTicks.WithLabelValues("error").Inc()
		logger.Error("scheduled script lookup failed", zap.Error(err))
		return
	}
	record, err := e.getSchedule(ctx, scriptID)
	if err != nil {
		e.metrics.CronTicks.WithLabelValues("error").Inc()
		logger.Error("schedule lookup failed", zap.Error(err))
		return
	}

	payload := types.Document{}
	for k, v := range record.Payload {
		payload[k] = v
	}
	payload["trigger"] = "cron"
	payload["scheduled"] = !manual
	payload["execution_time"] = time.Now().UTC().Format(time.RFC3339)
	payload["cron_expression"] = record.CronExpression
	payload["distributed_execution"] = e.cfg.LeaderGated

	execContext := types.Document{
		"scriptId":   script.ID,
		"scriptName": script.Name,
		"instanceId": e.cfg.InstanceID,
		"trigger":    "cron",
	}

	res, err := e.runner.Execute(ctx, script.ID, script.Code, payload, execContext)
	if err != nil {
		e.metrics.CronTicks.WithLabelValues("error").Inc()
		logger.Error("scheduled execution failed", zap.Error(err))
		return
	}

	e.metrics.ScriptSeconds.Observe(res.Duration.Seconds())
	if res.OK {
		e.metrics.CronTicks.WithLabelValues("ok").Inc()
		e.metrics.ScriptsExecuted.WithLabelValues(metrics.OutcomeOK).Inc()
	} else {
		e.metrics.CronTicks.WithLabelValues("error").Inc()
		e.metrics.ScriptsExecuted.WithLabelValues(metrics.OutcomeError).Inc()
		logger.Warn("scheduled script failed",
			zap.String("kind", string(res.Kind)),
			zap.String("error", res.Error))
	}

	e.bump(scriptID)

	record.LastExecutedAt = time.Now().UTC()
	record.UpdatedAt = record.LastExecutedAt
	if err := e.store.SaveSchedule(ctx, record); err != nil {
		logger.Warn("failed to persist last execution time", zap.Error(err))
	}
}

// bump advances the execution counters, rolling the week and month buckets
// on calendar boundaries.
func (e *Engine) bump(scriptID string) {
	now := time.Now().UTC()
	_, week := now.ISOWeek()

	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.stats[scriptID]
	if !ok {
		c = &counters{weekMark: week, monthMark: now.Month()}
		e.stats[scriptID] = c
	}
	if c.weekMark != week {
		c.weekMark = week
		c.week = 0
	}
	if c.monthMark != now.Month() {
		c.monthMark = now.Month()
		c.month = 0
	}
	c.total++
	c.week++
	c.month++
}
