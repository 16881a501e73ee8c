package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/flowline-dev/flowline/internal/ident"
	"github.com/flowline-dev/flowline/internal/log"
	"github.com/flowline-dev/flowline/internal/orchestration/agent"
	"github.com/flowline-dev/flowline/internal/orchestration/job"
	"github.com/flowline-dev/flowline/internal/orchestration/lifecycle"
	"github.com/flowline-dev/flowline/internal/orchestration/metrics"
	"github.com/flowline-dev/flowline/internal/orchestration/tracing"
)

// ToolHandler executes one tool call.
type ToolHandler func(ctx context.Context, call ToolCallParams) (any, error)

// Deps carries the server's collaborators.
type Deps struct {
	Jobs    *job.Controller
	Coord   *lifecycle.Coordinator
	Agents  *agent.Orchestrator
	Clock   ident.Clock
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
}

// Server normalizes the two delivery modes into one tool-dispatch and
// event-emission contract. Stdio callers get push delivery; HTTP callers
// poll.
type Server struct {
	jobs   *job.Controller
	coord  *lifecycle.Coordinator
	agents *agent.Orchestrator
	clock  ident.Clock
	met    *metrics.Metrics
	tracer trace.Tracer

	mu       sync.RWMutex
	tools    map[string]ToolInfo
	handlers map[string]ToolHandler

	// writeMu serializes stdio writes between responses and push
	// notifications.
	writeMu sync.Mutex
	writer  io.Writer

	// jobWorkflow links jobs to the workflow they created, for cancel_job.
	jobMu       sync.Mutex
	jobWorkflow map[string]string
}

// NewServer creates the transport adapter and registers the built-in tools.
func NewServer(d Deps) *Server {
	tracer := d.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("flowline")
	}
	s := &Server{
		jobs:        d.Jobs,
		coord:       d.Coord,
		agents:      d.Agents,
		clock:       d.Clock,
		met:         d.Metrics,
		tracer:      tracer,
		tools:       make(map[string]ToolInfo),
		handlers:    make(map[string]ToolHandler),
		jobWorkflow: make(map[string]string),
	}
	s.registerCallerTools()
	s.registerAgentTools()
	return s
}

// RegisterTool adds a tool to the dispatch table.
func (s *Server) RegisterTool(info ToolInfo, handler ToolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[info.Name] = info
	s.handlers[info.Name] = handler
	log.Debug(log.CatRPC, "Registered tool", "name", info.Name)
}

// Serve reads newline-delimited JSON-RPC from r and writes responses and
// jobProgress notifications to w. Calls arriving on this transport default
// to push delivery. Blocks until r is drained or ctx is cancelled.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	s.writeMu.Lock()
	s.writer = w
	s.writeMu.Unlock()

	pushCtx, stopPush := context.WithCancel(ctx)
	defer stopPush()
	log.SafeGo("rpc-push", func() { s.pushLoop(pushCtx) })

	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.send(NewErrorResponse(nil, NewParseError(err.Error())))
			continue
		}
		if req.IsNotification() {
			continue
		}
		s.send(s.dispatch(ctx, &req, job.TransportPush))

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	return nil
}

// Handler returns the HTTP mux: POST /rpc for tool calls (pull delivery)
// and GET /metrics for prometheus.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.met.Handler())
	mux.HandleFunc("/rpc", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "Failed to read request", http.StatusBadRequest)
			return
		}

		var resp *Response
		var req Request
		if err := json.Unmarshal(body, &req); err != nil {
			resp = NewErrorResponse(nil, NewParseError(err.Error()))
		} else if req.IsNotification() {
			resp = &Response{JSONRPC: JSONRPCVersion}
		} else {
			resp = s.dispatch(r.Context(), &req, job.TransportPull)
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Debug(log.CatRPC, "Failed to write response", "error", err)
		}
	})
	return mux
}

// dispatch routes one request. defaultTransport applies when the envelope
// does not name one.
func (s *Server) dispatch(ctx context.Context, req *Request, defaultTransport job.Transport) *Response {
	switch req.Method {
	case "tools/list":
		return NewResponse(req.ID, s.toolsList())
	case "tools/call":
		return s.toolsCall(ctx, req, defaultTransport)
	case "ping":
		return NewResponse(req.ID, struct{}{})
	default:
		return NewErrorResponse(req.ID, NewMethodNotFound(req.Method))
	}
}

func (s *Server) toolsList() ToolsListResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tools := make([]ToolInfo, 0, len(s.tools))
	for _, t := range s.tools {
		tools = append(tools, t)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return ToolsListResult{Tools: tools}
}

func (s *Server) toolsCall(ctx context.Context, req *Request, defaultTransport job.Transport) *Response {
	var call ToolCallParams
	if err := json.Unmarshal(req.Params, &call); err != nil {
		return NewErrorResponse(req.ID, NewInvalidParams(err.Error()))
	}
	if call.Tool == "" {
		return NewErrorResponse(req.ID, NewInvalidParams("tool is required"))
	}
	if call.SessionID == "" {
		return NewErrorResponse(req.ID, NewInvalidParams("sessionId is required"))
	}
	if call.Transport == "" {
		call.Transport = string(defaultTransport)
	}
	if !job.Transport(call.Transport).Valid() {
		return NewErrorResponse(req.ID, NewInvalidParams("unknown transport: "+call.Transport))
	}

	s.mu.RLock()
	handler, ok := s.handlers[call.Tool]
	s.mu.RUnlock()
	if !ok {
		return NewErrorResponse(req.ID, NewToolNotFound(call.Tool))
	}

	ctx, span := s.tracer.Start(ctx, tracing.SpanPrefixTool+call.Tool,
		trace.WithAttributes(
			attribute.String(tracing.AttrToolName, call.Tool),
			attribute.String(tracing.AttrSessionID, call.SessionID),
			attribute.String(tracing.AttrTransport, call.Transport),
			attribute.String(tracing.AttrRequestID, string(req.ID)),
		))
	defer span.End()

	result, err := handler(ctx, call)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn(log.CatRPC, "Tool call failed",
			"tool", call.Tool, "sessionId", call.SessionID, "error", err)
		return NewErrorResponse(req.ID, toRPCError(err))
	}
	span.SetStatus(codes.Ok, "")
	return NewResponse(req.ID, result)
}

// send writes one message to the stdio transport.
func (s *Server) send(msg any) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.writer == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Warn(log.CatRPC, "Failed to marshal message", "error", err)
		return
	}
	data = append(data, '\n')
	if _, err := s.writer.Write(data); err != nil {
		log.Debug(log.CatRPC, "Failed to write message", "error", err)
	}
}

// linkJob remembers which workflow a job created.
func (s *Server) linkJob(jobID, workflowID string) {
	s.jobMu.Lock()
	s.jobWorkflow[jobID] = workflowID
	s.jobMu.Unlock()
}

func (s *Server) workflowFor(jobID string) (string, bool) {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	wf, ok := s.jobWorkflow[jobID]
	return wf, ok
}
