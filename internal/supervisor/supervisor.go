// Package supervisor implements the Supervisor, §4.G: owns one Worker per
// configured phone, fans out commands, and aggregates status externally.
// Spins up N goroutines with graceful shutdown via context cancellation
// and a WaitGroup — generalized from "N queue-consumer goroutines" to
// "N independently supervised phone actors."
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"autophoned/internal/command"
	"autophoned/internal/config"
	"autophoned/internal/device"
	"autophoned/internal/jobstore"
	"autophoned/internal/observability"
	"autophoned/internal/status"
	"autophoned/internal/testcase"
	"autophoned/internal/worker"
)

const commandChannelDepth = 16
const statusChannelDepth = 256

// WorkerHandle is what the Supervisor keeps for each phone: the Worker
// itself plus its private Command Channel.
type WorkerHandle struct {
	Worker *worker.Worker
	Cmds   *command.Channel
}

// StatusMirror optionally republishes status reports to an external
// system (the NATS mirror, §6). Nil means no mirror is configured.
type StatusMirror interface {
	Publish(ctx context.Context, r status.Report) error
}

// Supervisor owns the phone_id → WorkerHandle map and the shared Status
// Channel all workers publish to.
type Supervisor struct {
	mu      sync.RWMutex
	workers map[string]*WorkerHandle

	statusCh *status.Channel
	mirror   StatusMirror
	logger   *zap.Logger
	cfg      *config.Config

	latest map[string]status.Report

	metrics *observability.Metrics

	wg sync.WaitGroup
}

// New constructs a Supervisor with no workers. Call Register once per phone
// to spawn its worker, and run RunAggregation to begin the
// status-aggregation loop.
func New(cfg *config.Config, logger *zap.Logger, mirror StatusMirror) *Supervisor {
	return &Supervisor{
		workers:  make(map[string]*WorkerHandle),
		statusCh: status.New(statusChannelDepth, logger),
		mirror:   mirror,
		logger:   logger,
		cfg:      cfg,
		latest:   make(map[string]status.Report),
	}
}

// SetMetrics wires an optional metrics sink after construction.
func (s *Supervisor) SetMetrics(m *observability.Metrics) {
	s.metrics = m
}

func isActive(st status.WorkerStatus) bool {
	return st != status.Disconnected && st != status.Disabled
}

// WorkerFactory builds the per-device collaborators a Worker needs beyond
// what the Supervisor itself owns (jobstore, channels): the DeviceAgent
// binding and TestCase set, which differ per deployment. The Supervisor
// never calls a WorkerFactory: cmd/autophoned and the tests construct each
// Worker themselves and hand it to Register.
type WorkerFactory func(phoneCfg config.PhoneConfig) (device.Agent, []testcase.TestCase, error)

func (s *Supervisor) spawn(ctx context.Context, h *WorkerHandle) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		h.Worker.Run(ctx)
	}()
}

// Register adds a fully constructed Worker under phoneID, wiring its
// Command Channel, and spawns its goroutine. Used by cmd/autophoned's
// wiring step, which constructs each Worker with its own DeviceAgent and
// TestCase bindings before handing it to the Supervisor.
func (s *Supervisor) Register(ctx context.Context, phoneID string, w *worker.Worker, cmds *command.Channel) {
	s.mu.Lock()
	s.workers[phoneID] = &WorkerHandle{Worker: w, Cmds: cmds}
	s.mu.Unlock()
	s.spawn(ctx, s.workers[phoneID])
}

// StatusChannel exposes the shared Status Channel so each Worker can be
// constructed with it.
func (s *Supervisor) StatusChannel() *status.Channel {
	return s.statusCh
}

// RunAggregation drains the shared Status Channel, tracks the latest
// report per phone for the status surface (§6), and republishes to the
// mirror when configured. Intended to run on its own goroutine for the
// life of the process.
func (s *Supervisor) RunAggregation(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-s.statusCh.Reports():
			s.mu.Lock()
			prev, had := s.latest[r.PhoneID]
			s.latest[r.PhoneID] = r
			s.mu.Unlock()
			if s.metrics != nil {
				switch {
				case !had && isActive(r.Status):
					s.metrics.ActiveWorkers.Add(ctx, 1)
				case had && isActive(prev.Status) && !isActive(r.Status):
					s.metrics.ActiveWorkers.Add(ctx, -1)
				case had && !isActive(prev.Status) && isActive(r.Status):
					s.metrics.ActiveWorkers.Add(ctx, 1)
				}
			}
			if s.mirror != nil {
				if err := s.mirror.Publish(ctx, r); err != nil {
					s.logger.Warn("supervisor: status mirror publish failed",
						zap.String("phone_id", r.PhoneID), zap.Error(err))
				}
			}
		}
	}
}

// Snapshot returns the most recently observed status report for every
// phone, for the `GET /status` surface, §6.
func (s *Supervisor) Snapshot() []status.Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]status.Report, 0, len(s.latest))
	for _, r := range s.latest {
		out = append(out, r)
	}
	return out
}

// NewJob enqueues build_url for phoneID (or every known phone, if
// broadcast is true) and submits a wake-up `job` command, §4.G.
func (s *Supervisor) NewJob(ctx context.Context, jobs *jobstore.Store, phoneID, buildURL string, broadcast bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if broadcast {
		for id, h := range s.workers {
			if err := jobs.Enqueue(ctx, buildURL, id); err != nil {
				return err
			}
			h.Cmds.Submit(command.Command{Kind: command.Job, BuildURL: buildURL})
			s.recordQueueDepth(ctx, jobs, id)
		}
		return nil
	}

	h, ok := s.workers[phoneID]
	if !ok {
		return fmt.Errorf("supervisor: unknown phone %q", phoneID)
	}
	if err := jobs.Enqueue(ctx, buildURL, phoneID); err != nil {
		return err
	}
	h.Cmds.Submit(command.Command{Kind: command.Job, BuildURL: buildURL})
	s.recordQueueDepth(ctx, jobs, phoneID)
	return nil
}

func (s *Supervisor) recordQueueDepth(ctx context.Context, jobs *jobstore.Store, phoneID string) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordQueueDepth(ctx, phoneID, jobs.PendingCount(ctx, phoneID))
}

// Command submits a non-job command to a single worker, or broadcasts it
// to all workers when phoneID is empty.
func (s *Supervisor) Command(phoneID string, cmd command.Command) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if phoneID == "" {
		for _, h := range s.workers {
			h.Cmds.Submit(cmd)
		}
		return nil
	}
	h, ok := s.workers[phoneID]
	if !ok {
		return fmt.Errorf("supervisor: unknown phone %q", phoneID)
	}
	h.Cmds.Submit(cmd)
	return nil
}

// Shutdown submits `stop` to every worker and waits up to
// 2×PHONE_COMMAND_QUEUE_TIMEOUT for them to exit, §5. Workers that do not
// stop in that window are abandoned.
func (s *Supervisor) Shutdown() {
	s.mu.RLock()
	for _, h := range s.workers {
		h.Cmds.Submit(command.Command{Kind: command.Stop})
	}
	s.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * s.cfg.PhoneCommandQueueTimeout):
		s.logger.Warn("supervisor: shutdown timed out, abandoning remaining workers")
	}
}
