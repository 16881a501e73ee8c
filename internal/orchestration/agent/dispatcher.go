package agent

import "context"

// Dispatcher adapts the orchestrator to the lifecycle coordinator's
// assignment contract.
type Dispatcher struct {
	o *Orchestrator
}

// NewDispatcher wraps an orchestrator for use by the coordinator.
func NewDispatcher(o *Orchestrator) *Dispatcher {
	return &Dispatcher{o: o}
}

// Assign selects an agent for the task and records a claim.
func (d *Dispatcher) Assign(ctx context.Context, taskID string, required []string) (string, error) {
	asg, err := d.o.AssignTask(ctx, TaskRequest{TaskID: taskID, RequiredCapabilities: required})
	if err != nil {
		return "", err
	}
	return asg.AgentID, nil
}

// Release drops any claim held on the task.
func (d *Dispatcher) Release(ctx context.Context, taskID, reason string) {
	d.o.ReleaseClaim(ctx, taskID, reason)
}

// RecordOutcome updates the agent's success history.
func (d *Dispatcher) RecordOutcome(agentID string, succeeded bool) {
	d.o.RecordOutcome(agentID, succeeded)
}
