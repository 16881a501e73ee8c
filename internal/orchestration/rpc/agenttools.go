package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowline-dev/flowline/internal/orchestration/agent"
	"github.com/flowline-dev/flowline/internal/orchestration/lifecycle"
	"github.com/flowline-dev/flowline/internal/orchestration/oerr"
)

// registerAgentTools wires the tools worker agents call back with.
func (s *Server) registerAgentTools() {
	s.RegisterTool(ToolInfo{
		Name:        "claim",
		Description: "Claim a specific task, or the next ready one when no taskId is given.",
	}, s.handleClaim)
	s.RegisterTool(ToolInfo{
		Name:        "heartbeat",
		Description: "Report liveness, current activity, and progress.",
	}, s.handleHeartbeat)
	s.RegisterTool(ToolInfo{
		Name:        "complete",
		Description: "Mark a claimed task completed, attaching its result.",
	}, s.handleComplete)
	s.RegisterTool(ToolInfo{
		Name:        "help",
		Description: "Flag a claimed task as needing help; it moves to blocked.",
	}, s.handleHelp)
	s.RegisterTool(ToolInfo{
		Name:        "block",
		Description: "Report an external blocker on a claimed task; it moves to blocked.",
	}, s.handleBlock)
}

type claimArgs struct {
	AgentID string `json:"agentId"`
	TaskID  string `json:"taskId,omitempty"`
}

// claimResult is the claim tool's answer. Claimed is false when no ready
// task was available.
type claimResult struct {
	Claimed bool            `json:"claimed"`
	Claim   *agent.Claim    `json:"claim,omitempty"`
	Task    *lifecycle.Task `json:"task,omitempty"`
	Message string          `json:"message,omitempty"`
}

func (s *Server) handleClaim(ctx context.Context, call ToolCallParams) (any, error) {
	var args claimArgs
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return nil, oerr.E(oerr.Validation, "rpc", "claim", "malformed arguments").Wrap(err)
	}
	if args.AgentID == "" {
		return nil, oerr.E(oerr.Validation, "rpc", "claim", "agentId is required")
	}

	taskID := args.TaskID
	fromQueue := false
	if taskID == "" {
		next, ok := s.coord.TryNextReady()
		if !ok {
			return claimResult{Claimed: false, Message: "no ready task"}, nil
		}
		taskID = next
		fromQueue = true
	}

	task, ok := s.coord.GetTask(taskID)
	if !ok {
		return nil, oerr.E(oerr.NotFound, "rpc", "claim", "task not found").WithEntities(taskID)
	}
	if task.Status != lifecycle.StatusPending {
		if fromQueue {
			s.coord.Requeue(ctx, taskID, "claim raced")
		}
		return nil, oerr.E(oerr.Conflict, "rpc", "claim", "task is not pending").
			WithEntities(taskID).WithMeta("status", string(task.Status))
	}

	claim, err := s.agents.ClaimTask(ctx, args.AgentID, taskID, task.RequiredCapabilities)
	if err != nil {
		// A popped task goes back so another agent can take it.
		if fromQueue {
			s.coord.Requeue(ctx, taskID, "claim rejected")
		}
		return nil, err
	}

	if !fromQueue {
		s.coord.Withdraw(taskID)
	}
	if err := s.coord.Transition(ctx, taskID, lifecycle.StatusInProgress, "claimed", args.AgentID, false); err != nil {
		s.agents.ReleaseClaim(ctx, taskID, agent.ReleaseFailed)
		s.coord.Requeue(ctx, taskID, "claim rolled back")
		return nil, err
	}

	task, _ = s.coord.GetTask(taskID)
	return claimResult{Claimed: true, Claim: &claim, Task: &task}, nil
}

type heartbeatArgs struct {
	AgentID string `json:"agentId"`
	// Activity names what the agent is doing; empty keeps the current one.
	Activity string `json:"activity,omitempty"`
	// Progress is percent complete of the current activity.
	Progress *float64 `json:"progress,omitempty"`
	// ExpectedDurationSeconds is the agent's own estimate for the activity.
	ExpectedDurationSeconds float64 `json:"expectedDurationSeconds,omitempty"`
}

func (s *Server) handleHeartbeat(ctx context.Context, call ToolCallParams) (any, error) {
	var args heartbeatArgs
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return nil, oerr.E(oerr.Validation, "rpc", "heartbeat", "malformed arguments").Wrap(err)
	}
	if args.AgentID == "" {
		return nil, oerr.E(oerr.Validation, "rpc", "heartbeat", "agentId is required")
	}

	report := agent.HeartbeatReport{
		Activity: agent.Activity(args.Activity),
		Progress: args.Progress,
	}
	if args.ExpectedDurationSeconds > 0 {
		report.ExpectedDuration = time.Duration(args.ExpectedDurationSeconds * float64(time.Second))
	}
	if err := s.agents.Heartbeat(ctx, args.AgentID, report); err != nil {
		return nil, err
	}

	a, _ := s.agents.Get(args.AgentID)
	return map[string]any{"agentId": a.AgentID, "status": string(a.Status)}, nil
}

type completeArgs struct {
	AgentID       string   `json:"agentId"`
	TaskID        string   `json:"taskId"`
	Result        any      `json:"result,omitempty"`
	FilesModified []string `json:"filesModified,omitempty"`
	TestsPassed   *bool    `json:"testsPassed,omitempty"`
}

func (s *Server) handleComplete(ctx context.Context, call ToolCallParams) (any, error) {
	var args completeArgs
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return nil, oerr.E(oerr.Validation, "rpc", "complete", "malformed arguments").Wrap(err)
	}
	if err := s.requireClaim(args.AgentID, args.TaskID, "complete"); err != nil {
		return nil, err
	}

	result := map[string]any{"completedBy": args.AgentID}
	if args.Result != nil {
		result["output"] = args.Result
	}
	if len(args.FilesModified) > 0 {
		result["filesModified"] = args.FilesModified
	}
	if args.TestsPassed != nil {
		result["testsPassed"] = *args.TestsPassed
	}
	if err := s.coord.AttachResult(args.TaskID, result); err != nil {
		return nil, err
	}
	if err := s.coord.Transition(ctx, args.TaskID, lifecycle.StatusCompleted, "completed", args.AgentID, false); err != nil {
		return nil, err
	}

	task, _ := s.coord.GetTask(args.TaskID)
	return map[string]any{"taskId": args.TaskID, "status": string(task.Status)}, nil
}

type helpArgs struct {
	AgentID string `json:"agentId"`
	TaskID  string `json:"taskId"`
	Issue   string `json:"issue"`
}

func (s *Server) handleHelp(ctx context.Context, call ToolCallParams) (any, error) {
	var args helpArgs
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return nil, oerr.E(oerr.Validation, "rpc", "help", "malformed arguments").Wrap(err)
	}
	if args.Issue == "" {
		return nil, oerr.E(oerr.Validation, "rpc", "help", "issue is required")
	}
	if err := s.requireClaim(args.AgentID, args.TaskID, "help"); err != nil {
		return nil, err
	}
	if err := s.coord.Transition(ctx, args.TaskID, lifecycle.StatusBlocked, "help requested: "+args.Issue, args.AgentID, false); err != nil {
		return nil, err
	}
	return map[string]any{"taskId": args.TaskID, "status": string(lifecycle.StatusBlocked)}, nil
}

type blockArgs struct {
	AgentID             string `json:"agentId"`
	TaskID              string `json:"taskId"`
	BlockerType         string `json:"blockerType"`
	Description         string `json:"description"`
	SuggestedResolution string `json:"suggestedResolution,omitempty"`
}

func (s *Server) handleBlock(ctx context.Context, call ToolCallParams) (any, error) {
	var args blockArgs
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return nil, oerr.E(oerr.Validation, "rpc", "block", "malformed arguments").Wrap(err)
	}
	if args.Description == "" {
		return nil, oerr.E(oerr.Validation, "rpc", "block", "description is required")
	}
	if err := s.requireClaim(args.AgentID, args.TaskID, "block"); err != nil {
		return nil, err
	}

	reason := fmt.Sprintf("blocked (%s): %s", args.BlockerType, args.Description)
	if args.SuggestedResolution != "" {
		reason += "; suggested: " + args.SuggestedResolution
	}
	if err := s.coord.Transition(ctx, args.TaskID, lifecycle.StatusBlocked, reason, args.AgentID, false); err != nil {
		return nil, err
	}
	return map[string]any{"taskId": args.TaskID, "status": string(lifecycle.StatusBlocked)}, nil
}

// requireClaim verifies the agent holds the live claim on the task.
func (s *Server) requireClaim(agentID, taskID, op string) error {
	if agentID == "" {
		return oerr.E(oerr.Validation, "rpc", op, "agentId is required")
	}
	if taskID == "" {
		return oerr.E(oerr.Validation, "rpc", op, "taskId is required")
	}
	claim, held := s.agents.GetClaim(taskID)
	if !held {
		return oerr.E(oerr.NotFound, "rpc", op, "no claim on task").WithEntities(taskID)
	}
	if claim.AgentID != agentID {
		return oerr.E(oerr.PermissionDenied, "rpc", op, "task is claimed by another agent").
			WithEntities(taskID).WithMeta("claimedBy", claim.AgentID)
	}
	return nil
}
