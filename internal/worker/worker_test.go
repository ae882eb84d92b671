package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"autophoned/internal/buildcache"
	"autophoned/internal/command"
	"autophoned/internal/config"
	"autophoned/internal/device"
	devicefake "autophoned/internal/device/fake"
	"autophoned/internal/jobstore"
	"autophoned/internal/mailer"
	"autophoned/internal/status"
	"autophoned/internal/testcase"
	testcasefake "autophoned/internal/testcase/fake"
)

type fakeJobStore struct {
	queued    []*jobstore.Job
	completed []int64
}

func (f *fakeJobStore) TakeNext(ctx context.Context, deviceID string) *jobstore.Job {
	for i, j := range f.queued {
		if j.DeviceID == deviceID {
			f.queued = append(f.queued[:i], f.queued[i+1:]...)
			j.Attempts++
			return j
		}
	}
	return nil
}

func (f *fakeJobStore) Complete(ctx context.Context, jobID int64) error {
	f.completed = append(f.completed, jobID)
	return nil
}

type fakeBuildCache struct {
	md  *buildcache.Metadata
	err error
}

func (f *fakeBuildCache) Get(ctx context.Context, buildURL string, enableUnittests bool) (*buildcache.Metadata, error) {
	return f.md, f.err
}

func testWorker(t *testing.T, agent *devicefake.Agent, tests []testcase.TestCase, jobs JobStore, cache BuildCache) (*Worker, *status.Channel) {
	t.Helper()
	cfg := &config.Config{
		PhoneRetryLimit:          2,
		PhoneRetryWait:           time.Millisecond,
		PhoneMaxReboots:          2,
		PhonePingInterval:        time.Hour,
		PhoneCommandQueueTimeout: 20 * time.Millisecond,
		PhoneCrashWindow:         30 * time.Second,
		PhoneCrashLimit:          5,
	}
	phoneCfg := config.PhoneConfig{PhoneID: "phone-1", IP: "10.0.0.1", ABI: config.ABIArm}
	statusCh := status.New(16, zap.NewNop())
	cmds := command.New(4)
	w := New(phoneCfg, cfg, agent, tests, jobs, cmds, statusCh, cache, mailer.NewLogMailer(zap.NewNop()), zap.NewNop(), status.Idle)
	return w, statusCh
}

// testWorkerCrashLimit is testWorker with an explicit crash limit, since
// crashwindow.Window captures PhoneCrashLimit by value at construction and
// a later mutation of cfg.PhoneCrashLimit has no effect on it.
func testWorkerCrashLimit(t *testing.T, agent *devicefake.Agent, tests []testcase.TestCase, jobs JobStore, cache BuildCache, crashLimit int) (*Worker, *status.Channel) {
	t.Helper()
	cfg := &config.Config{
		PhoneRetryLimit:          2,
		PhoneRetryWait:           time.Millisecond,
		PhoneMaxReboots:          1,
		PhonePingInterval:        time.Hour,
		PhoneCommandQueueTimeout: 20 * time.Millisecond,
		PhoneCrashWindow:         30 * time.Second,
		PhoneCrashLimit:          crashLimit,
	}
	phoneCfg := config.PhoneConfig{PhoneID: "phone-1", IP: "10.0.0.1", ABI: config.ABIArm}
	statusCh := status.New(16, zap.NewNop())
	cmds := command.New(4)
	w := New(phoneCfg, cfg, agent, tests, jobs, cmds, statusCh, cache, mailer.NewLogMailer(zap.NewNop()), zap.NewNop(), status.Idle)
	return w, statusCh
}

func TestHandleJobDropsIncompatibleABI(t *testing.T) {
	agent := devicefake.New("/sdcard")
	tc := testcasefake.New("t1")
	jobs := &fakeJobStore{}
	cache := &fakeBuildCache{}
	w, _ := testWorker(t, agent, []testcase.TestCase{tc}, jobs, cache)

	job := &jobstore.Job{ID: 1, BuildURL: "http://example/x86/build.apk", DeviceID: "phone-1"}
	w.handleJob(context.Background(), job)

	if len(jobs.completed) != 1 || jobs.completed[0] != 1 {
		t.Fatalf("expected the incompatible job to be completed, got %+v", jobs.completed)
	}
	if tc.RunCount != 0 {
		t.Fatalf("expected no test execution for a dropped job")
	}
}

func TestHandleJobDropsWhenNoTestAccepts(t *testing.T) {
	agent := devicefake.New("/sdcard")
	tc := testcasefake.New("t1")
	tc.Repos = map[string][]string{"other-phone": {"mozilla-central"}}
	jobs := &fakeJobStore{}
	cache := &fakeBuildCache{}
	w, _ := testWorker(t, agent, []testcase.TestCase{tc}, jobs, cache)

	job := &jobstore.Job{ID: 2, BuildURL: "http://example/mozilla-central/build.apk", DeviceID: "phone-1"}
	w.handleJob(context.Background(), job)

	if len(jobs.completed) != 1 {
		t.Fatalf("expected the unselected job to be completed, got %+v", jobs.completed)
	}
}

func TestHandleJobCacheFailureLeavesJobEnqueued(t *testing.T) {
	agent := devicefake.New("/sdcard")
	tc := testcasefake.New("t1")
	jobs := &fakeJobStore{}
	cache := &fakeBuildCache{err: errors.New("cache unavailable")}
	w, _ := testWorker(t, agent, []testcase.TestCase{tc}, jobs, cache)

	job := &jobstore.Job{ID: 3, BuildURL: "http://example/arm/build.apk", DeviceID: "phone-1"}
	w.handleJob(context.Background(), job)

	if len(jobs.completed) != 0 {
		t.Fatalf("expected the job to remain uncompleted on cache failure, got %+v", jobs.completed)
	}
}

func TestHandleJobSuccessCompletesAndRunsAcceptingTests(t *testing.T) {
	agent := devicefake.New("/sdcard")
	tc := testcasefake.New("t1")
	jobs := &fakeJobStore{}
	cache := &fakeBuildCache{md: &buildcache.Metadata{Tree: "mozilla-central", BuildDate: 1234.0, CacheBuildDir: "/cache/build"}}
	w, statusCh := testWorker(t, agent, []testcase.TestCase{tc}, jobs, cache)

	job := &jobstore.Job{ID: 4, BuildURL: "http://example/arm/build.apk", DeviceID: "phone-1"}
	w.handleJob(context.Background(), job)

	if len(jobs.completed) != 1 || jobs.completed[0] != 4 {
		t.Fatalf("expected the job to complete, got %+v", jobs.completed)
	}
	if tc.RunCount != 1 {
		t.Fatalf("expected the accepting test to run once, got %d", tc.RunCount)
	}
	if w.State() != status.Idle {
		t.Fatalf("expected worker to end in IDLE, got %s", w.State())
	}

	drainStatus(statusCh)
}

func TestRunTestsInstallFailureDisconnects(t *testing.T) {
	agent := devicefake.New("/sdcard")
	agent.InstallAppErr = errors.New("install rejected")
	tc := testcasefake.New("t1")
	jobs := &fakeJobStore{}
	cache := &fakeBuildCache{}
	w, _ := testWorker(t, agent, []testcase.TestCase{tc}, jobs, cache)

	md := &buildcache.Metadata{Tree: "mozilla-central", BuildDate: 1.0, CacheBuildDir: "/cache/build"}
	ok := w.runTests(context.Background(), md, []testcase.TestCase{tc})
	if ok {
		t.Fatalf("expected run_tests to fail when install always errors")
	}
	if w.State() != status.Disconnected {
		t.Fatalf("expected worker to transition to DISCONNECTED, got %s", w.State())
	}
}

func TestRunTestsDeviceErrorFromTestDisconnects(t *testing.T) {
	agent := devicefake.New("/sdcard")
	tc := testcasefake.New("t1")
	tc.RunJobErr = device.NewError("run_job", errors.New("device gone"))
	jobs := &fakeJobStore{}
	cache := &fakeBuildCache{}
	w, _ := testWorker(t, agent, []testcase.TestCase{tc}, jobs, cache)

	md := &buildcache.Metadata{Tree: "mozilla-central", BuildDate: 1.0, CacheBuildDir: "/cache/build"}
	ok := w.runTests(context.Background(), md, []testcase.TestCase{tc})
	if ok {
		t.Fatalf("expected run_tests to fail when a test raises a device error")
	}
	if w.State() != status.Disconnected {
		t.Fatalf("expected worker to transition to DISCONNECTED, got %s", w.State())
	}
}

func TestCheckSdcardResetsTestBasePathsOnFailure(t *testing.T) {
	agent := devicefake.New("/sdcard")
	agent.MkdirsErr = errors.New("no space")
	tc := testcasefake.New("t1")
	jobs := &fakeJobStore{}
	cache := &fakeBuildCache{}
	w, _ := testWorker(t, agent, []testcase.TestCase{tc}, jobs, cache)

	if ok := w.checkSdcard(context.Background()); ok {
		t.Fatalf("expected check_sdcard to fail when mkdirs fails")
	}
	if tc.ResetCount != 1 {
		t.Fatalf("expected base device path to be reset once, got %d", tc.ResetCount)
	}
}

func TestRecoverPhoneDisconnectsWhenRebootAlwaysFails(t *testing.T) {
	agent := devicefake.New("/sdcard")
	agent.RebootErr = errors.New("reboot refused")
	tc := testcasefake.New("t1")
	jobs := &fakeJobStore{}
	cache := &fakeBuildCache{}
	w, _ := testWorkerCrashLimit(t, agent, []testcase.TestCase{tc}, jobs, cache, 1)

	ok := w.recoverPhone(context.Background())
	if ok {
		t.Fatalf("expected recovery to fail when reboot always errors")
	}
	if w.State() != status.Disconnected {
		t.Fatalf("expected DISCONNECTED after exhausting reboots (the crash limit is only checked after a successful reboot), got %s", w.State())
	}
}

func TestRecoverPhoneDisablesOnceCrashLimitReached(t *testing.T) {
	agent := devicefake.New("/sdcard")
	tc := testcasefake.New("t1")
	jobs := &fakeJobStore{}
	cache := &fakeBuildCache{}
	w, _ := testWorkerCrashLimit(t, agent, []testcase.TestCase{tc}, jobs, cache, 1)

	agent.RebootErr = errors.New("reboot refused")
	if ok := w.recoverPhone(context.Background()); ok {
		t.Fatalf("expected the first recovery attempt to fail")
	}
	if w.State() != status.Disconnected {
		t.Fatalf("expected DISCONNECTED after the failed reboot, got %s", w.State())
	}

	agent.RebootErr = nil
	if ok := w.recoverPhone(context.Background()); ok {
		t.Fatalf("expected the second recovery attempt to report failure once disabled")
	}
	if w.State() != status.Disabled {
		t.Fatalf("expected DISABLED once the crash limit was reached, got %s", w.State())
	}
}

func TestDispatchStopSignalsReturn(t *testing.T) {
	agent := devicefake.New("/sdcard")
	tc := testcasefake.New("t1")
	jobs := &fakeJobStore{}
	cache := &fakeBuildCache{}
	w, _ := testWorker(t, agent, []testcase.TestCase{tc}, jobs, cache)

	if stop := w.dispatch(context.Background(), command.Command{Kind: command.Stop}); !stop {
		t.Fatalf("expected dispatch(Stop) to report stop=true")
	}
}

func TestDispatchDisableThenEnable(t *testing.T) {
	agent := devicefake.New("/sdcard")
	tc := testcasefake.New("t1")
	jobs := &fakeJobStore{}
	cache := &fakeBuildCache{}
	w, _ := testWorker(t, agent, []testcase.TestCase{tc}, jobs, cache)

	w.dispatch(context.Background(), command.Command{Kind: command.Disable})
	if w.State() != status.Disabled {
		t.Fatalf("expected DISABLED after dispatching Disable, got %s", w.State())
	}

	w.dispatch(context.Background(), command.Command{Kind: command.Enable})
	if w.State() != status.Idle {
		t.Fatalf("expected IDLE after dispatching Enable, got %s", w.State())
	}
}

func drainStatus(ch *status.Channel) {
	for {
		select {
		case <-ch.Reports():
		default:
			return
		}
	}
}
