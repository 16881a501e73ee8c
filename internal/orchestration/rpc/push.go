package rpc

import (
	"context"
	"time"

	"github.com/flowline-dev/flowline/internal/log"
	"github.com/flowline-dev/flowline/internal/orchestration/events"
	"github.com/flowline-dev/flowline/internal/orchestration/job"
)

// progressCoalesceWindow bounds the notification rate per job. Back-to-back
// progress updates inside the window are dropped; status changes and
// terminal events always go out.
const progressCoalesceWindow = 50 * time.Millisecond

// pushLoop forwards job events to the stdio transport as jobProgress
// notifications. Only jobs on the push transport are forwarded.
func (s *Server) pushLoop(ctx context.Context) {
	sub := s.jobs.Events().Subscribe(ctx)

	type lastSent struct {
		at     time.Time
		status string
	}
	recent := make(map[string]lastSent)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			je := evt.Payload

			j, found := s.jobs.Get(je.JobID)
			if !found || j.Transport != job.TransportPush {
				continue
			}

			now := s.clock.Now()
			if je.Type == events.JobProgress && !je.IsTerminal() {
				if prev, seen := recent[je.JobID]; seen &&
					prev.status == je.Status &&
					now.Sub(prev.at) < progressCoalesceWindow {
					continue
				}
			}
			recent[je.JobID] = lastSent{at: now, status: je.Status}
			if je.IsTerminal() {
				delete(recent, je.JobID)
			}

			s.send(&Notification{
				JSONRPC: JSONRPCVersion,
				Method:  "jobProgress",
				Params:  je,
			})
			s.met.PollsTotal.WithLabelValues(string(job.TransportPush)).Inc()
			log.Debug(log.CatRPC, "Pushed job event",
				"jobId", je.JobID, "type", string(je.Type), "status", je.Status)
		}
	}
}
