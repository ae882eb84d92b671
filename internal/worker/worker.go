// Package worker implements the per-device supervised loop, §4.F: consume
// commands, fetch the next job, install the build, run tests, recover on
// failure. A single goroutine drains a channel with atomic-ish state and a
// metrics hook, generalized from "drain a send queue" to "drive one
// physical phone through autophone's PhoneWorkerSubProcess state machine."
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"autophoned/internal/buildcache"
	"autophoned/internal/command"
	"autophoned/internal/config"
	"autophoned/internal/crashwindow"
	"autophoned/internal/device"
	"autophoned/internal/jobstore"
	"autophoned/internal/mailer"
	"autophoned/internal/observability"
	"autophoned/internal/status"
	"autophoned/internal/testcase"
)

// sdcardCheckFile is the local placeholder pushed to the device during
// check_sdcard; the concrete device.Agent implementation is responsible
// for materializing a real tiny file at this path.
const sdcardCheckFile = "autophone-sdcard-check"

// JobStore is the subset of *jobstore.Store the worker consumes, declared
// here so tests can substitute an in-memory fake instead of a live
// Postgres-backed Store.
type JobStore interface {
	TakeNext(ctx context.Context, deviceID string) *jobstore.Job
	Complete(ctx context.Context, jobID int64) error
}

// BuildCache is the build-cache client the worker consumes, §6.
type BuildCache interface {
	Get(ctx context.Context, buildURL string, enableUnittests bool) (*buildcache.Metadata, error)
}

// Worker drives exactly one phone. Its internal loop is single-threaded
// cooperative: §5 requires no intra-worker races, so every method here
// assumes it runs on the worker's own goroutine, never concurrently.
type Worker struct {
	phoneCfg config.PhoneConfig
	cfg      *config.Config

	agent    device.Agent
	tests    []testcase.TestCase
	jobs     JobStore
	cmds     *command.Channel
	statusCh *status.Channel
	cache    BuildCache
	mail     mailer.Mailer
	crashes  *crashwindow.Window
	logger   *zap.Logger

	state        status.WorkerStatus
	currentBuild string
	debugLevel   int
	lastPing     time.Time

	dropNotifier DropNotifier
	metrics      *observability.Metrics
}

// DropNotifier receives notice when handle_job drops a job via the ABI or
// test-selection filters, for external visibility (the NATS DLQ mirror).
// Optional: nil means no external notification is sent.
type DropNotifier interface {
	PublishDropped(phoneID, buildURL, reason string)
}

// SetDropNotifier wires an optional DropNotifier after construction.
func (w *Worker) SetDropNotifier(n DropNotifier) {
	w.dropNotifier = n
}

// SetMetrics wires an optional metrics sink after construction.
func (w *Worker) SetMetrics(m *observability.Metrics) {
	w.metrics = m
}

// New constructs a Worker in IDLE state (or DISABLED if initialState says
// so, mirroring a persisted disable across restarts, §4.F).
func New(
	phoneCfg config.PhoneConfig,
	cfg *config.Config,
	agent device.Agent,
	tests []testcase.TestCase,
	jobs JobStore,
	cmds *command.Channel,
	statusCh *status.Channel,
	cache BuildCache,
	mail mailer.Mailer,
	logger *zap.Logger,
	initialState status.WorkerStatus,
) *Worker {
	if initialState == "" {
		initialState = status.Idle
	}
	return &Worker{
		phoneCfg: phoneCfg,
		cfg:      cfg,
		agent:    agent,
		tests:    tests,
		jobs:     jobs,
		cmds:     cmds,
		statusCh: statusCh,
		cache:    cache,
		mail:     mail,
		crashes:  crashwindow.New(cfg.PhoneCrashWindow, cfg.PhoneCrashLimit),
		logger:   logger.With(zap.String("phone_id", phoneCfg.PhoneID), zap.String("ip", phoneCfg.IP)),
		state:    initialState,
	}
}

// PhoneID and DeviceRoot satisfy testcase.Worker, so a TestCase can probe
// the device root without importing package worker.
func (w *Worker) PhoneID() string { return w.phoneCfg.PhoneID }

func (w *Worker) DeviceRoot(ctx context.Context) (string, error) {
	return w.agent.DeviceRoot(ctx)
}

// State reports the worker's current externally-observed status.
func (w *Worker) State() status.WorkerStatus { return w.state }

func (w *Worker) setState(st status.WorkerStatus, msg string) {
	w.state = st
	w.statusCh.Publish(status.NewReport(w.phoneCfg.PhoneID, st, w.currentBuild, msg))
}

// Run is the main loop, §4.F. Before the first iteration it performs one
// check_sdcard, falling back to a full recover_phone on failure, mirroring
// worker.py's run() startup probe; DISABLED workers skip this entirely.
// Run returns when a `stop` command is seen or ctx is cancelled. A panic
// inside Run is recovered and reported as DISABLED, and Run then returns.
func (w *Worker) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("worker panicked, disabling phone", zap.Any("panic", r))
			w.disablePhone(ctx, fmt.Sprintf("worker panic: %v", r))
		}
	}()

	if w.state != status.Disabled {
		if !w.checkSdcard(ctx) {
			w.recoverPhone(ctx)
		}
	}

	for {
		if ctx.Err() != nil {
			return
		}

		// Step 1: drain all immediately available commands.
		for {
			cmd, ok := w.cmds.TryReceive()
			if !ok {
				break
			}
			if w.dispatch(ctx, cmd) {
				return
			}
		}

		// Step 2: attempt recovery if in a transient error state.
		if w.state == status.Disconnected {
			w.recoverPhone(ctx)
		}

		// Step 3: if clear of error, pull the next job; otherwise block
		// on the command channel and handle the timeout path.
		if w.state != status.Disconnected && w.state != status.Disabled {
			job := w.jobs.TakeNext(ctx, w.phoneCfg.PhoneID)
			if job != nil {
				w.handleJob(ctx, job)
				continue
			}
		}

		cmd, ok := w.cmds.Receive(ctx, w.cfg.PhoneCommandQueueTimeout)
		if !ok {
			w.handleTimeout(ctx)
			continue
		}
		if w.dispatch(ctx, cmd) {
			return
		}
	}
}

// dispatch applies the effect of a single command and reports whether the
// worker should stop.
func (w *Worker) dispatch(ctx context.Context, cmd command.Command) bool {
	switch cmd.Kind {
	case command.Stop:
		return true
	case command.Job:
		// Purely a wake-up hint; the job itself lives in the store.
	case command.Reboot:
		w.recoverPhone(ctx)
	case command.Disable:
		w.disablePhone(ctx, "disabled by operator")
	case command.Enable:
		if w.state == status.Disabled {
			w.setState(status.Idle, "enabled by operator")
		}
	case command.Debug:
		w.debugLevel = cmd.DebugLevel
		for _, tc := range w.tests {
			tc.SetDebugLevel(cmd.DebugLevel)
		}
	case command.Ping:
		w.pingNow(ctx)
	}
	return false
}

// handleJob applies the ABI compatibility filter and the per-device
// test-selection filter, then drives the build through the cache and into
// run_tests, §4.F.
func (w *Worker) handleJob(ctx context.Context, job *jobstore.Job) {
	if !abiCompatible(w.phoneCfg.ABI, job.BuildURL) {
		const reason = "incompatible ABI"
		w.logger.Info("dropping job", zap.String("reason", reason), zap.String("build_url", job.BuildURL))
		w.jobs.Complete(ctx, job.ID)
		if w.dropNotifier != nil {
			w.dropNotifier.PublishDropped(w.phoneCfg.PhoneID, job.BuildURL, reason)
		}
		if w.metrics != nil {
			w.metrics.RecordDrop(ctx, reason)
		}
		return
	}

	var accepting []testcase.TestCase
	enableUnittests := false
	for _, tc := range w.tests {
		if testcase.Accepts(tc, w.phoneCfg.PhoneID, job.BuildURL) {
			accepting = append(accepting, tc)
			if tc.EnableUnittests() {
				enableUnittests = true
			}
		}
	}
	if len(accepting) == 0 {
		const reason = "no accepting test"
		w.logger.Info("dropping job", zap.String("reason", reason), zap.String("build_url", job.BuildURL))
		w.jobs.Complete(ctx, job.ID)
		if w.dropNotifier != nil {
			w.dropNotifier.PublishDropped(w.phoneCfg.PhoneID, job.BuildURL, reason)
		}
		if w.metrics != nil {
			w.metrics.RecordDrop(ctx, reason)
		}
		return
	}

	md, err := w.cache.Get(ctx, job.BuildURL, enableUnittests)
	if err != nil {
		// Cache failure: the job remains enqueued for the next take_next
		// cycle (which will increment attempts again and eventually
		// prune it), per §4.F.
		w.logger.Warn("build cache request failed, leaving job enqueued", zap.Error(err))
		return
	}

	if w.runTests(ctx, md, accepting) {
		w.jobs.Complete(ctx, job.ID)
		w.setState(status.Idle, "")
	} else {
		w.logger.Warn("run_tests failed, job left in place", zap.Int64("job_id", job.ID))
	}
}

// runTests is §4.F run_tests(metadata).
func (w *Worker) runTests(ctx context.Context, md *buildcache.Metadata, tests []testcase.TestCase) bool {
	if w.state != status.Disconnected && w.state != status.Disabled {
		w.recoverPhone(ctx)
	}
	if w.state == status.Disconnected || w.state == status.Disabled {
		return false
	}

	w.setState(status.Installing, "")
	installed := false
	for attempt := 0; attempt < w.cfg.PhoneRetryLimit; attempt++ {
		if attempt > 0 {
			time.Sleep(w.cfg.PhoneRetryWait)
		}
		root, err := w.agent.DeviceRoot(ctx)
		if err != nil {
			w.agent.Disconnect()
			continue
		}
		remote := root + "/build.apk"
		local := md.CacheBuildDir + "/build.apk"
		if err := w.agent.PushFile(ctx, local, remote); err != nil {
			w.agent.Disconnect()
			continue
		}
		if err := w.agent.InstallApp(ctx, remote); err != nil {
			w.agent.Disconnect()
			continue
		}
		w.agent.RemoveFile(ctx, remote)
		installed = true
		break
	}
	if !installed {
		w.phoneDisconnected(ctx, "install failed after PHONE_RETRY_LIMIT attempts")
		return false
	}

	w.currentBuild = fmt.Sprintf("%v", md.BuildDate)
	w.setState(status.Working, "")

	for _, tc := range tests {
		tc.SetCurrentBuild(md.BuildDate)
		err := tc.RunJob(ctx, testcase.Metadata{
			Tree:          md.Tree,
			BuildDate:     md.BuildDate,
			CacheBuildDir: md.CacheBuildDir,
		}, w)
		if err == nil {
			continue
		}
		var derr *device.Error
		if errors.As(err, &derr) {
			w.phoneDisconnected(ctx, err.Error())
			return false
		}
		w.logger.Warn("test run returned a non-device error", zap.String("test", tc.Name()), zap.Error(err))
	}
	return true
}

// recoverPhone loops up to PHONE_MAX_REBOOTS attempting a clean reboot and
// SD-card probe, §4.F.
func (w *Worker) recoverPhone(ctx context.Context) bool {
	w.setState(status.Rebooting, "")
	for i := 0; i < w.cfg.PhoneMaxReboots; i++ {
		if w.metrics != nil {
			w.metrics.DeviceRebootsTotal.Add(ctx, 1)
		}
		if err := w.agent.Reboot(ctx, w.phoneCfg.IP, true); err != nil {
			w.agent.Disconnect()
			w.crashes.AddCrash()
			w.recordCrashWindowSize(ctx)
			continue
		}
		if _, err := w.agent.DeviceRoot(ctx); err != nil {
			w.agent.Disconnect()
			w.crashes.AddCrash()
			w.recordCrashWindowSize(ctx)
			continue
		}
		if w.checkSdcard(ctx) {
			if w.crashes.TooMany() {
				w.disablePhone(ctx, "crash rate exceeded")
				return false
			}
			w.setState(status.Idle, "")
			return true
		}
	}
	w.phoneDisconnected(ctx, "recovery exhausted PHONE_MAX_REBOOTS")
	return false
}

// checkSdcard probes filesystem health, §4.F. On any failure it clears
// every TestCase's cached base-device path so the next run re-derives it.
func (w *Worker) checkSdcard(ctx context.Context) bool {
	root, err := w.agent.DeviceRoot(ctx)
	if err != nil {
		w.resetTestBasePaths()
		return false
	}
	testDir := root + "/autophonetest"

	if err := w.agent.Mkdirs(ctx, testDir); err != nil {
		w.resetTestBasePaths()
		return false
	}
	exists, err := w.agent.DirExists(ctx, testDir)
	if err != nil || !exists {
		w.resetTestBasePaths()
		return false
	}
	checkPath := testDir + "/" + sdcardCheckFile
	if err := w.agent.PushFile(ctx, sdcardCheckFile, checkPath); err != nil {
		w.resetTestBasePaths()
		return false
	}
	w.agent.RemoveFile(ctx, checkPath)
	w.agent.Rmdir(ctx, testDir)

	wasError := w.state == status.Disconnected || w.state == status.Rebooting
	if wasError {
		w.setState(status.Idle, "")
	}
	return true
}

func (w *Worker) recordCrashWindowSize(ctx context.Context) {
	if w.metrics != nil {
		w.metrics.RecordCrashWindowSize(ctx, w.phoneCfg.PhoneID, w.crashes.Len())
	}
}

func (w *Worker) resetTestBasePaths() {
	for _, tc := range w.tests {
		tc.ResetBaseDevicePath()
	}
}

// handleTimeout is the opportunistic health probe, §4.F.
func (w *Worker) handleTimeout(ctx context.Context) {
	if w.state == status.Disabled {
		return
	}
	if !w.lastPing.IsZero() && time.Since(w.lastPing) < w.cfg.PhonePingInterval {
		return
	}
	w.pingNow(ctx)
}

func (w *Worker) pingNow(ctx context.Context) {
	if w.state == status.Disabled {
		return
	}
	w.lastPing = time.Now()
	_, err := w.agent.DeviceRoot(ctx)
	if err == nil {
		if w.state == status.Disconnected {
			w.recoverPhone(ctx)
			return
		}
		w.setState(status.Idle, "")
		return
	}
	if w.metrics != nil {
		w.metrics.PingFailuresTotal.Add(ctx, 1)
	}
	if w.state != status.Disconnected && w.state != status.Disabled {
		w.phoneDisconnected(ctx, "No response to ping.")
	}
}

// phoneDisconnected and disablePhone are idempotent w.r.t. the error state
// they set; each dispatches a best-effort email, §4.F/§6.
func (w *Worker) phoneDisconnected(ctx context.Context, reason string) {
	if w.state == status.Disconnected {
		return
	}
	w.setState(status.Disconnected, reason)
	w.notify(fmt.Sprintf("%s disconnected", w.phoneCfg.PhoneID), reason)
}

func (w *Worker) disablePhone(ctx context.Context, reason string) {
	if w.state == status.Disabled {
		return
	}
	w.setState(status.Disabled, reason)
	w.notify(fmt.Sprintf("%s disabled", w.phoneCfg.PhoneID), reason)
}

func (w *Worker) notify(subject, body string) {
	if err := w.mail.Send(subject, body); err != nil {
		w.logger.Warn("notification send failed", zap.Error(err))
	}
}

// abiCompatible implements the ABI compatibility filter, §4.F.
func abiCompatible(abi config.ABI, buildURL string) bool {
	switch abi {
	case config.ABIx86:
		return strings.Contains(buildURL, "x86")
	case config.ABIArmeabiV6:
		return strings.Contains(buildURL, "armv6")
	default:
		return !strings.Contains(buildURL, "x86") && !strings.Contains(buildURL, "armv6")
	}
}
