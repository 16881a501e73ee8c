package agent

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/flowline-dev/flowline/internal/log"
	"github.com/flowline-dev/flowline/internal/orchestration/oerr"
)

// watchDebounce coalesces the burst of filesystem events an atomic
// replace produces into a single reload.
const watchDebounce = 250 * time.Millisecond

// Watch reloads the registry when agents.json changes on disk, letting
// operators edit the roster of a running server. New agents are added,
// existing declarations refreshed, and absent agents removed unless they
// still hold tasks. Blocks until ctx is cancelled.
func (o *Orchestrator) Watch(ctx context.Context, registryPath string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return oerr.E(oerr.Internal, "agent", "Watch", "creating filesystem watcher").Wrap(err)
	}
	defer w.Close()

	// Watch the directory: atomic replaces swap the file inode, which
	// would silently detach a watch on the file itself.
	dir := filepath.Dir(registryPath)
	if err := w.Add(dir); err != nil {
		return oerr.E(oerr.Internal, "agent", "Watch", "watching state directory").
			WithMeta("dir", dir).Wrap(err)
	}
	target := filepath.Base(registryPath)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			o.reload(ctx)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn(log.CatAgent, "Registry watcher error", "error", err)
		}
	}
}

// reload merges the on-disk registry document into the live registry.
func (o *Orchestrator) reload(ctx context.Context) {
	var doc registryDoc
	if err := o.store.Get(registryKey, &doc); err != nil {
		log.Warn(log.CatAgent, "Failed to reload agent registry", "error", err)
		return
	}

	now := o.clock.Now()

	o.mu.Lock()
	seen := make(map[string]bool, len(doc.Agents))
	var added, updated, removed []string
	for i := range doc.Agents {
		in := doc.Agents[i]
		if in.AgentID == "" {
			continue
		}
		seen[in.AgentID] = true

		if in.MaxConcurrentTasks < 1 {
			in.MaxConcurrentTasks = 1
		}
		if in.MaxConcurrentTasks > o.maxConc {
			in.MaxConcurrentTasks = o.maxConc
		}

		if live, ok := o.agents[in.AgentID]; ok {
			if declarationEqual(live, &in) {
				continue
			}
			live.Name = in.Name
			live.Capabilities = append([]string(nil), in.Capabilities...)
			live.MaxConcurrentTasks = in.MaxConcurrentTasks
			updated = append(updated, in.AgentID)
			continue
		}

		in.Status = StatusAvailable
		in.CurrentTasks = nil
		in.CurrentActivity = ActivityIdle
		in.LastHeartbeat = now
		in.ActivityStartTime = now
		in.GracePeriodCount = 0
		cp := in
		o.agents[in.AgentID] = &cp
		added = append(added, in.AgentID)
	}

	for id, a := range o.agents {
		if seen[id] || len(a.CurrentTasks) > 0 {
			continue
		}
		delete(o.agents, id)
		removed = append(removed, id)
	}
	o.mu.Unlock()

	if len(added)+len(updated)+len(removed) == 0 {
		return
	}

	log.Info(log.CatAgent, "Agent registry reloaded from disk",
		"added", added, "updated", updated, "removed", removed)
	o.updateAgentGauges()
	o.retryPending()
}

func declarationEqual(a, b *Agent) bool {
	if a.Name != b.Name || a.MaxConcurrentTasks != b.MaxConcurrentTasks {
		return false
	}
	if len(a.Capabilities) != len(b.Capabilities) {
		return false
	}
	for i := range a.Capabilities {
		if a.Capabilities[i] != b.Capabilities[i] {
			return false
		}
	}
	return true
}
