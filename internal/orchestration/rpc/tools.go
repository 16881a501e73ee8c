package rpc

import (
	"context"
	"encoding/json"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flowline-dev/flowline/internal/log"
	"github.com/flowline-dev/flowline/internal/orchestration/agent"
	"github.com/flowline-dev/flowline/internal/orchestration/events"
	"github.com/flowline-dev/flowline/internal/orchestration/job"
	"github.com/flowline-dev/flowline/internal/orchestration/lifecycle"
	"github.com/flowline-dev/flowline/internal/orchestration/oerr"
)

// registerCallerTools wires the tools available to clients.
func (s *Server) registerCallerTools() {
	s.RegisterTool(ToolInfo{
		Name:        "submit_taskset",
		Description: "Validate a task set and execute it as a new workflow. Returns a job to track.",
	}, s.handleSubmitTaskset)
	s.RegisterTool(ToolInfo{
		Name:        "validate_taskset",
		Description: "Validate a task set and return the dependency report without executing it.",
	}, s.handleValidateTaskset)
	s.RegisterTool(ToolInfo{
		Name:        "get_job_result",
		Description: "Fetch the current state of a job plus the interval to wait before polling again.",
	}, s.handleGetJobResult)
	s.RegisterTool(ToolInfo{
		Name:        "cancel_job",
		Description: "Cancel a job and the workflow it started.",
	}, s.handleCancelJob)
	s.RegisterTool(ToolInfo{
		Name:        "get_workflow",
		Description: "Fetch a workflow snapshot including task states and history.",
	}, s.handleGetWorkflow)
	s.RegisterTool(ToolInfo{
		Name:        "register_agent",
		Description: "Register a worker agent with its capabilities.",
	}, s.handleRegisterAgent)
	s.RegisterTool(ToolInfo{
		Name:        "deregister_agent",
		Description: "Remove a worker agent; its claims are released.",
	}, s.handleDeregisterAgent)
}

// tasksetArgs accepts either an inline YAML document or structured JSON.
type tasksetArgs struct {
	YAML         string               `json:"yaml,omitempty"`
	ProjectID    string               `json:"projectId,omitempty"`
	Tasks        []lifecycle.TaskSpec `json:"tasks,omitempty"`
	Dependencies []lifecycle.DepSpec  `json:"dependencies,omitempty"`
}

// ParseTaskset decodes a task-set submission into a workflow spec.
func ParseTaskset(args json.RawMessage, sessionID string) (lifecycle.WorkflowSpec, error) {
	var in tasksetArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return lifecycle.WorkflowSpec{}, oerr.E(oerr.Validation, "rpc", "ParseTaskset", "malformed arguments").Wrap(err)
	}

	spec := lifecycle.WorkflowSpec{
		SessionID:    sessionID,
		ProjectID:    in.ProjectID,
		Tasks:        in.Tasks,
		Dependencies: in.Dependencies,
	}
	if in.YAML != "" {
		if err := yaml.Unmarshal([]byte(in.YAML), &spec); err != nil {
			return lifecycle.WorkflowSpec{}, oerr.E(oerr.Validation, "rpc", "ParseTaskset", "malformed task-set document").Wrap(err)
		}
		spec.SessionID = sessionID
	}
	return spec, nil
}

// jobInitiation is the immediate answer to an asynchronous tool.
type jobInitiation struct {
	JobID        string `json:"jobId"`
	Message      string `json:"message"`
	PollInterval int64  `json:"pollInterval"` // milliseconds; 0 on push transport
}

func (s *Server) handleSubmitTaskset(ctx context.Context, call ToolCallParams) (any, error) {
	spec, err := ParseTaskset(call.Arguments, call.SessionID)
	if err != nil {
		return nil, err
	}

	j, interval, err := s.jobs.StartJob(ctx, call.SessionID, job.Transport(call.Transport), "submit_taskset")
	if err != nil {
		return nil, err
	}

	log.SafeGo("taskset-"+j.JobID, func() { s.runTaskset(j.JobID, spec) })

	return jobInitiation{
		JobID:        j.JobID,
		Message:      "task set accepted",
		PollInterval: interval.Milliseconds(),
	}, nil
}

// runTaskset drives a submitted task set to completion, mirroring workflow
// progress onto the tracking job.
func (s *Server) runTaskset(jobID string, spec lifecycle.WorkflowSpec) {
	ctx := context.Background()

	running := job.StatusRunning
	if err := s.jobs.UpdateJob(ctx, jobID, job.Patch{Status: &running, Progress: intp(5), Message: strp("validating task set")}); err != nil {
		log.Warn(log.CatRPC, "Job update failed", "jobId", jobID, "error", err)
	}

	// Subscribe before creating the workflow so no transition is missed.
	subCtx, unsubscribe := context.WithCancel(ctx)
	defer unsubscribe()
	taskEvents := s.coord.TaskEvents().Subscribe(subCtx)
	wfEvents := s.coord.WorkflowEvents().Subscribe(subCtx)

	wf, report, err := s.coord.CreateWorkflow(ctx, spec)
	if err != nil {
		failed := job.StatusFailed
		patch := job.Patch{Status: &failed, Message: strp(err.Error())}
		if uerr := s.jobs.UpdateJob(ctx, jobID, patch); uerr != nil {
			log.Warn(log.CatRPC, "Job update failed", "jobId", jobID, "error", uerr)
		}
		log.Warn(log.CatRPC, "Task set rejected",
			"jobId", jobID, "errors", len(report.Errors), "cycles", len(report.CircularDependencies))
		return
	}
	s.linkJob(jobID, wf.WorkflowID)

	total := len(wf.TaskOrder)
	if err := s.jobs.UpdateJob(ctx, jobID, job.Patch{Progress: intp(10), Message: strp("workflow " + wf.WorkflowID + " running")}); err != nil {
		log.Warn(log.CatRPC, "Job update failed", "jobId", jobID, "error", err)
	}

	for {
		select {
		case evt, ok := <-taskEvents:
			if !ok {
				return
			}
			if evt.Payload.WorkflowID != wf.WorkflowID {
				continue
			}
			s.mirrorProgress(ctx, jobID, wf.WorkflowID, total)
		case evt, ok := <-wfEvents:
			if !ok {
				return
			}
			if evt.Payload.WorkflowID != wf.WorkflowID {
				continue
			}
			switch evt.Payload.Type {
			case events.WorkflowCompleted:
				s.finishJob(ctx, jobID, wf.WorkflowID, job.StatusCompleted, "workflow completed")
				return
			case events.WorkflowFailed:
				s.finishJob(ctx, jobID, wf.WorkflowID, job.StatusFailed, "workflow failed")
				return
			case events.WorkflowCancelled:
				s.finishJob(ctx, jobID, wf.WorkflowID, job.StatusCancelled, "workflow cancelled")
				return
			}
		}
	}
}

// mirrorProgress sets the job's progress to the workflow's terminal-task
// fraction.
func (s *Server) mirrorProgress(ctx context.Context, jobID, workflowID string, total int) {
	wf, ok := s.coord.GetWorkflow(workflowID)
	if !ok || total == 0 {
		return
	}
	done := 0
	for _, t := range wf.Tasks {
		if t.Status.Terminal() {
			done++
		}
	}
	// Hold 100 back for the terminal update.
	progress := 10 + done*85/total
	if err := s.jobs.UpdateJob(ctx, jobID, job.Patch{Progress: &progress}); err != nil {
		log.Debug(log.CatRPC, "Progress mirror skipped", "jobId", jobID, "error", err)
	}
}

// finishJob records the workflow outcome on the tracking job.
func (s *Server) finishJob(ctx context.Context, jobID, workflowID string, status job.Status, msg string) {
	patch := job.Patch{Status: &status, Message: &msg}
	if status == job.StatusCompleted {
		patch.Progress = intp(100)
		if wf, ok := s.coord.GetWorkflow(workflowID); ok {
			patch.Result = workflowSummary(wf)
		}
	}
	if err := s.jobs.UpdateJob(ctx, jobID, patch); err != nil {
		log.Warn(log.CatRPC, "Job finish failed", "jobId", jobID, "error", err)
	}
}

// workflowSummary is the result blob attached to a completed job.
func workflowSummary(wf lifecycle.Workflow) map[string]any {
	tasks := make(map[string]any, len(wf.Tasks))
	for id, t := range wf.Tasks {
		tasks[id] = map[string]any{
			"status": string(t.Status),
			"title":  t.Title,
			"result": t.Result,
		}
	}
	return map[string]any{
		"workflowId":     wf.WorkflowID,
		"status":         string(wf.Status),
		"executionOrder": wf.ExecutionOrder,
		"tasks":          tasks,
	}
}

func (s *Server) handleValidateTaskset(ctx context.Context, call ToolCallParams) (any, error) {
	spec, err := ParseTaskset(call.Arguments, call.SessionID)
	if err != nil {
		return nil, err
	}
	report, err := s.coord.ValidateSpec(spec)
	if err != nil {
		return nil, err
	}
	return report, nil
}

type jobArgs struct {
	JobID string `json:"jobId"`
}

// jobResultWire is the job-result retrieval response, intervals in
// milliseconds.
type jobResultWire struct {
	Job          job.Job        `json:"job"`
	PollInterval int64          `json:"pollInterval"`
	RateLimit    *rateLimitWire `json:"rateLimit,omitempty"`
}

type rateLimitWire struct {
	WaitTime      int64     `json:"waitTime"`
	NextAllowedAt time.Time `json:"nextAllowedAt"`
}

func (s *Server) handleGetJobResult(ctx context.Context, call ToolCallParams) (any, error) {
	var args jobArgs
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return nil, oerr.E(oerr.Validation, "rpc", "get_job_result", "malformed arguments").Wrap(err)
	}
	if args.JobID == "" {
		return nil, oerr.E(oerr.Validation, "rpc", "get_job_result", "jobId is required")
	}

	res, err := s.jobs.GetJobResult(ctx, call.SessionID, args.JobID)
	if err != nil {
		return nil, err
	}

	wire := jobResultWire{Job: res.Job, PollInterval: res.PollInterval.Milliseconds()}
	if res.RateLimit != nil {
		wire.RateLimit = &rateLimitWire{
			WaitTime:      res.RateLimit.WaitTime.Milliseconds(),
			NextAllowedAt: res.RateLimit.NextAllowedAt,
		}
	}
	return wire, nil
}

func (s *Server) handleCancelJob(ctx context.Context, call ToolCallParams) (any, error) {
	var args jobArgs
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return nil, oerr.E(oerr.Validation, "rpc", "cancel_job", "malformed arguments").Wrap(err)
	}
	if args.JobID == "" {
		return nil, oerr.E(oerr.Validation, "rpc", "cancel_job", "jobId is required")
	}

	if workflowID, ok := s.workflowFor(args.JobID); ok {
		if err := s.coord.CancelWorkflow(ctx, workflowID, "job cancelled"); err != nil && !oerr.IsKind(err, oerr.NotFound) {
			return nil, err
		}
	}
	// The workflow's cancelled event may have already settled the job.
	if err := s.jobs.Cancel(ctx, call.SessionID, args.JobID); err != nil && !oerr.IsKind(err, oerr.Conflict) {
		return nil, err
	}
	return map[string]any{"jobId": args.JobID, "status": string(job.StatusCancelled)}, nil
}

type workflowArgs struct {
	WorkflowID string `json:"workflowId"`
}

func (s *Server) handleGetWorkflow(ctx context.Context, call ToolCallParams) (any, error) {
	var args workflowArgs
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return nil, oerr.E(oerr.Validation, "rpc", "get_workflow", "malformed arguments").Wrap(err)
	}
	wf, ok := s.coord.GetWorkflow(args.WorkflowID)
	if !ok {
		return nil, oerr.E(oerr.NotFound, "rpc", "get_workflow", "workflow not found").WithEntities(args.WorkflowID)
	}
	return wf, nil
}

type registerAgentArgs struct {
	AgentID            string   `json:"agentId"`
	Name               string   `json:"name,omitempty"`
	Capabilities       []string `json:"capabilities,omitempty"`
	MaxConcurrentTasks int      `json:"maxConcurrentTasks,omitempty"`
}

func (s *Server) handleRegisterAgent(ctx context.Context, call ToolCallParams) (any, error) {
	var args registerAgentArgs
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return nil, oerr.E(oerr.Validation, "rpc", "register_agent", "malformed arguments").Wrap(err)
	}
	return s.agents.Register(ctx, agent.Agent{
		AgentID:            args.AgentID,
		Name:               args.Name,
		Capabilities:       args.Capabilities,
		MaxConcurrentTasks: args.MaxConcurrentTasks,
	})
}

type agentArgs struct {
	AgentID string `json:"agentId"`
}

func (s *Server) handleDeregisterAgent(ctx context.Context, call ToolCallParams) (any, error) {
	var args agentArgs
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return nil, oerr.E(oerr.Validation, "rpc", "deregister_agent", "malformed arguments").Wrap(err)
	}
	if err := s.agents.Deregister(ctx, args.AgentID); err != nil {
		return nil, err
	}
	return map[string]any{"agentId": args.AgentID, "deregistered": true}, nil
}

func intp(v int) *int       { return &v }
func strp(v string) *string { return &v }
