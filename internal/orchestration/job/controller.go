package job

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/flowline-dev/flowline/internal/config"
	"github.com/flowline-dev/flowline/internal/ident"
	"github.com/flowline-dev/flowline/internal/log"
	"github.com/flowline-dev/flowline/internal/orchestration/events"
	"github.com/flowline-dev/flowline/internal/orchestration/metrics"
	"github.com/flowline-dev/flowline/internal/orchestration/oerr"
	"github.com/flowline-dev/flowline/internal/pubsub"
	"github.com/flowline-dev/flowline/internal/store"
)

// Controller owns job records, their status transitions, and PollRecords.
// All other components mutate jobs only through UpdateJob.
type Controller struct {
	cfg      config.PollConfig
	clock    ident.Clock
	store    *store.Store
	broker   *pubsub.Broker[events.JobEvent]
	met      *metrics.Metrics
	sessions *sessionLimiters
	results  *cache.Cache

	mu    sync.RWMutex
	jobs  map[string]*Job
	polls map[string]*pollState
}

// NewController creates the job controller. st is the store rooted at the
// jobs directory; terminal records are garbage-collected ResultTTL after
// their last update.
func NewController(cfg config.PollConfig, clock ident.Clock, st *store.Store, broker *pubsub.Broker[events.JobEvent], met *metrics.Metrics) *Controller {
	c := &Controller{
		cfg:      cfg,
		clock:    clock,
		store:    st,
		broker:   broker,
		met:      met,
		sessions: newSessionLimiters(cfg.SessionRate, cfg.SessionBurst),
		jobs:     make(map[string]*Job),
		polls:    make(map[string]*pollState),
	}

	cleanup := cfg.ResultTTL / 4
	if cleanup < time.Second {
		cleanup = time.Second
	}
	c.results = cache.New(cfg.ResultTTL, cleanup)
	c.results.OnEvicted(func(jobID string, _ any) {
		c.evict(jobID)
	})
	return c
}

// Events returns the broker carrying this controller's job events.
func (c *Controller) Events() *pubsub.Broker[events.JobEvent] {
	return c.broker
}

// StartJob allocates a job in PENDING state and returns its record plus the
// first poll interval: zero for push transport, the base interval otherwise.
func (c *Controller) StartJob(ctx context.Context, sessionID string, transport Transport, toolName string) (Job, time.Duration, error) {
	if sessionID == "" {
		return Job{}, 0, oerr.E(oerr.Validation, "job", "StartJob", "sessionId is required")
	}
	if toolName == "" {
		return Job{}, 0, oerr.E(oerr.Validation, "job", "StartJob", "toolName is required")
	}
	if !transport.Valid() {
		return Job{}, 0, oerr.E(oerr.Validation, "job", "StartJob", "unknown transport").
			WithMeta("transport", string(transport))
	}

	now := c.clock.Now()
	j := &Job{
		JobID:     uuid.NewString(),
		ToolName:  toolName,
		SessionID: sessionID,
		Status:    StatusPending,
		Transport: transport,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := c.persist(ctx, j.Clone()); err != nil {
		return Job{}, 0, err
	}

	c.mu.Lock()
	c.jobs[j.JobID] = j
	c.mu.Unlock()

	c.met.JobsTotal.WithLabelValues(string(StatusPending)).Inc()
	c.emit(ctx, j.Clone(), events.JobStarted)
	log.Info(log.CatJob, "Job started", "jobId", j.JobID, "tool", toolName, "transport", transport)

	interval := c.cfg.BaseInterval
	if transport == TransportPush {
		interval = 0
	}
	return j.Clone(), interval, nil
}

// UpdateJob applies a patch to a job. Monotonicity violations (progress
// decrease, any change to a terminal job) are rejected. Accepted updates
// emit a job event; state changes are never dropped.
func (c *Controller) UpdateJob(ctx context.Context, jobID string, patch Patch) error {
	c.mu.Lock()
	j, ok := c.jobs[jobID]
	if !ok {
		c.mu.Unlock()
		return oerr.E(oerr.NotFound, "job", "UpdateJob", "job not found").WithEntities(jobID)
	}

	if j.Status.IsTerminal() {
		c.mu.Unlock()
		return oerr.E(oerr.Conflict, "job", "UpdateJob", "job already terminal").
			WithEntities(jobID).WithMeta("status", string(j.Status))
	}

	newStatus := j.Status
	if patch.Status != nil {
		switch *patch.Status {
		case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
			newStatus = *patch.Status
		default:
			c.mu.Unlock()
			return oerr.E(oerr.Validation, "job", "UpdateJob", "unknown status").
				WithEntities(jobID).WithMeta("status", string(*patch.Status))
		}
	}

	if patch.Progress != nil {
		p := *patch.Progress
		if p < 0 || p > 100 {
			c.mu.Unlock()
			return oerr.E(oerr.Validation, "job", "UpdateJob", "progress outside [0,100]").
				WithEntities(jobID).WithMeta("progress", p)
		}
		if p < j.Progress {
			c.mu.Unlock()
			return oerr.E(oerr.Validation, "job", "UpdateJob", "progress may not decrease").
				WithEntities(jobID).WithMeta("from", j.Progress).WithMeta("to", p)
		}
		j.Progress = p
	}

	if patch.Result != nil && newStatus != StatusCompleted {
		c.mu.Unlock()
		return oerr.E(oerr.Validation, "job", "UpdateJob", "result requires COMPLETED status").
			WithEntities(jobID)
	}

	j.Status = newStatus
	if patch.Message != nil {
		j.Message = *patch.Message
	}
	if patch.Result != nil {
		j.Result = patch.Result
	}

	// Consumers observe updatedAt strictly monotonic per job.
	now := c.clock.Now()
	if !now.After(j.UpdatedAt) {
		now = j.UpdatedAt.Add(time.Nanosecond)
	}
	j.UpdatedAt = now

	snapshot := j.Clone()
	if snapshot.Status.IsTerminal() {
		c.resetThrottle(jobID)
	}
	c.mu.Unlock()

	if err := c.persist(ctx, snapshot); err != nil {
		return err
	}

	c.met.JobUpdatesTotal.Inc()
	eventType := events.JobProgress
	if snapshot.Status.IsTerminal() {
		c.met.JobsTotal.WithLabelValues(string(snapshot.Status)).Inc()
		c.results.Set(jobID, struct{}{}, cache.DefaultExpiration)
		switch snapshot.Status {
		case StatusCompleted:
			eventType = events.JobCompleted
		case StatusFailed:
			eventType = events.JobFailed
		case StatusCancelled:
			eventType = events.JobCancelled
		}
	}
	c.emit(ctx, snapshot, eventType)
	return nil
}

// GetJobResult returns the job record plus the interval the caller should
// wait before polling again, applying rate limiting for pull callers.
func (c *Controller) GetJobResult(ctx context.Context, sessionID, jobID string) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	j, ok := c.jobs[jobID]
	if !ok {
		return Result{}, oerr.E(oerr.NotFound, "job", "GetJobResult", "job not found").WithEntities(jobID)
	}
	if j.SessionID != sessionID {
		return Result{}, oerr.E(oerr.PermissionDenied, "job", "GetJobResult", "job belongs to another session").
			WithEntities(jobID)
	}

	c.met.PollsTotal.WithLabelValues(string(j.Transport)).Inc()

	now := c.clock.Now()
	rec := c.pollRecord(sessionID, jobID)

	// Terminal reads are idempotent and never throttled.
	if j.Status.IsTerminal() {
		rec.Violations = 0
		rec.NextAllowedAt = time.Time{}
		rec.LastPollAt = now
		return Result{Job: j.Clone(), PollInterval: 0}, nil
	}

	if j.Transport == TransportPull {
		if !c.sessions.allow(sessionID) {
			c.met.RateLimitViolations.Inc()
			rl := &RateLimit{
				WaitTime:      c.cfg.MinPollInterval,
				NextAllowedAt: now.Add(c.cfg.MinPollInterval),
			}
			rec.LastPollAt = now
			return Result{Job: j.Clone(), PollInterval: rl.WaitTime, RateLimit: rl}, nil
		}

		if rl := c.checkRateLimit(rec, now); rl != nil {
			c.met.RateLimitViolations.Inc()
			rec.LastPollAt = now
			log.Debug(log.CatJob, "Poll rate limited",
				"jobId", jobID, "session", sessionID, "wait", rl.WaitTime)
			return Result{Job: j.Clone(), PollInterval: rl.WaitTime, RateLimit: rl}, nil
		}
	}

	interval := c.nextInterval(j, rec, now)
	rec.LastPollAt = now
	return Result{Job: j.Clone(), PollInterval: interval}, nil
}

// Cancel transitions a non-terminal job to CANCELLED.
func (c *Controller) Cancel(ctx context.Context, sessionID, jobID string) error {
	c.mu.RLock()
	j, ok := c.jobs[jobID]
	if ok && j.SessionID != sessionID {
		c.mu.RUnlock()
		return oerr.E(oerr.PermissionDenied, "job", "Cancel", "job belongs to another session").
			WithEntities(jobID)
	}
	c.mu.RUnlock()
	if !ok {
		return oerr.E(oerr.NotFound, "job", "Cancel", "job not found").WithEntities(jobID)
	}

	cancelled := StatusCancelled
	msg := "cancelled by caller"
	return c.UpdateJob(ctx, jobID, Patch{Status: &cancelled, Message: &msg})
}

// Get returns a copy of the job record.
func (c *Controller) Get(jobID string) (Job, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	j, ok := c.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return j.Clone(), true
}

// LoadPersisted restores job records from disk after a restart. Jobs that
// were mid-flight are left as-is; their owning workflows decide recovery.
func (c *Controller) LoadPersisted() error {
	keys, err := c.store.Keys()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range keys {
		var j Job
		if err := c.store.Get(key, &j); err != nil {
			log.Warn(log.CatJob, "Skipping unreadable job document", "key", key, "error", err)
			continue
		}
		c.jobs[j.JobID] = &j
		if j.Status.IsTerminal() {
			c.results.Set(j.JobID, struct{}{}, cache.DefaultExpiration)
		}
	}
	log.Info(log.CatJob, "Restored job records", "count", len(c.jobs))
	return nil
}

// pollRecord returns (or creates) the throttle state for a (session, job)
// pair. Callers hold c.mu.
func (c *Controller) pollRecord(sessionID, jobID string) *pollState {
	key := sessionID + "/" + jobID
	rec, ok := c.polls[key]
	if !ok {
		rec = &pollState{SessionID: sessionID, JobID: jobID}
		c.polls[key] = rec
	}
	return rec
}

// resetThrottle clears violation state for every session polling jobID.
// Callers hold c.mu.
func (c *Controller) resetThrottle(jobID string) {
	for _, rec := range c.polls {
		if rec.JobID == jobID {
			rec.Violations = 0
			rec.NextAllowedAt = time.Time{}
		}
	}
}

// persist writes the job document, retrying once on state-store failure.
func (c *Controller) persist(ctx context.Context, j Job) error {
	op := func() error {
		return c.store.Put(j.JobID, j)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 1), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return oerr.E(oerr.Internal, "job", "persist", "writing job document").
			WithEntities(j.JobID).Wrap(err)
	}
	return nil
}

// emit publishes a job event. Delivery is synchronous so state changes are
// never dropped; the push layer handles progress dedup.
func (c *Controller) emit(ctx context.Context, j Job, t events.JobEventType) {
	evt := events.JobEvent{
		Type:      t,
		JobID:     j.JobID,
		ToolName:  j.ToolName,
		SessionID: j.SessionID,
		Status:    string(j.Status),
		Progress:  j.Progress,
		Message:   j.Message,
		Result:    j.Result,
		Timestamp: c.clock.Now(),
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
	c.broker.PublishSync(ctx, pubsub.UpdatedEvent, evt)
}

// evict removes a garbage-collected job from memory and disk.
func (c *Controller) evict(jobID string) {
	c.mu.Lock()
	j, ok := c.jobs[jobID]
	var sessionID string
	if ok {
		sessionID = j.SessionID
		delete(c.jobs, jobID)
	}
	for key, rec := range c.polls {
		if rec.JobID == jobID {
			delete(c.polls, key)
		}
	}
	sessionGone := sessionID != ""
	if sessionGone {
		for _, other := range c.jobs {
			if other.SessionID == sessionID {
				sessionGone = false
				break
			}
		}
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	if sessionGone {
		c.sessions.forget(sessionID)
	}
	if err := c.store.Delete(jobID); err != nil {
		log.Warn(log.CatJob, "Failed to remove expired job document", "jobId", jobID, "error", err)
	}
	log.Debug(log.CatJob, "Job record garbage collected", "jobId", jobID)
}
