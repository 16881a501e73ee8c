package tracing

// Span attribute keys used across the orchestration layer.
const (
	AttrSessionID  = "session.id"
	AttrJobID      = "job.id"
	AttrToolName   = "rpc.tool.name"
	AttrRequestID  = "rpc.request.id"
	AttrTransport  = "rpc.transport"
	AttrWorkflowID = "workflow.id"
	AttrTaskID     = "task.id"
	AttrAgentID    = "agent.id"

	AttrErrorKind    = "error.kind"
	AttrErrorMessage = "error.message"
)

// Span name prefixes for consistent naming.
const (
	SpanPrefixTool      = "rpc.tool."
	SpanPrefixLifecycle = "lifecycle."
	SpanPrefixAgent     = "agent."
)
