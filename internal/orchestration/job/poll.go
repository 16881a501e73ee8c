package job

import "time"

// fastPollWindow is the recency threshold under which a poll counts as
// "fast": the job changed less than this long ago.
const fastPollWindow = 500 * time.Millisecond

// minShrunkInterval floors the shrinking interval for actively
// progressing jobs.
const minShrunkInterval = 200 * time.Millisecond

// pollState is the per-(session, job) throttling record.
type pollState struct {
	SessionID string
	JobID     string

	LastPollAt           time.Time
	ConsecutiveFastPolls int
	LastProgress         int
	LastInterval         time.Duration

	// Violations counts rate-limit breaches since the last compliant poll.
	Violations    int
	NextAllowedAt time.Time
}

// nextInterval computes the adaptive poll interval for a pull caller and
// updates the fast-poll bookkeeping. Callers hold the controller lock.
func (c *Controller) nextInterval(j *Job, rec *pollState, now time.Time) time.Duration {
	if j.Transport == TransportPush || j.Status.IsTerminal() {
		rec.LastInterval = 0
		return 0
	}

	base := c.cfg.BaseInterval
	if rec.LastInterval == 0 {
		rec.LastInterval = base
	}

	var interval time.Duration
	switch {
	case now.Sub(j.UpdatedAt) < fastPollWindow:
		// The job just changed; polls this close together back off
		// exponentially so hot loops settle down.
		rec.ConsecutiveFastPolls++
		interval = base << rec.ConsecutiveFastPolls
		if interval > c.cfg.MaxInterval || interval <= 0 {
			interval = c.cfg.MaxInterval
		}
	case j.Progress > rec.LastProgress:
		// Active progress: shrink toward base/2 so the caller sees
		// updates sooner, never below the floor.
		rec.ConsecutiveFastPolls = 0
		target := base / 2
		if target < minShrunkInterval {
			target = minShrunkInterval
		}
		interval = rec.LastInterval - (rec.LastInterval-target)/2
		if interval < target {
			interval = target
		}
	default:
		rec.ConsecutiveFastPolls = 0
		interval = base
	}

	rec.LastProgress = j.Progress
	rec.LastInterval = interval
	return interval
}
