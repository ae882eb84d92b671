package supervisor

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"autophoned/internal/buildcache"
	"autophoned/internal/command"
	"autophoned/internal/config"
	devicefake "autophoned/internal/device/fake"
	"autophoned/internal/jobstore"
	"autophoned/internal/mailer"
	"autophoned/internal/status"
	"autophoned/internal/testcase"
	testcasefake "autophoned/internal/testcase/fake"
	"autophoned/internal/worker"
)

type nullJobStore struct{}

func (nullJobStore) TakeNext(ctx context.Context, deviceID string) *jobstore.Job { return nil }
func (nullJobStore) Complete(ctx context.Context, jobID int64) error             { return nil }

type nullBuildCache struct{}

func (nullBuildCache) Get(ctx context.Context, buildURL string, enableUnittests bool) (*buildcache.Metadata, error) {
	return nil, nil
}

type recordingMirror struct {
	reports []status.Report
}

func (m *recordingMirror) Publish(ctx context.Context, r status.Report) error {
	m.reports = append(m.reports, r)
	return nil
}

func newTestSupervisor(t *testing.T, mirror StatusMirror) *Supervisor {
	t.Helper()
	cfg := &config.Config{PhoneCommandQueueTimeout: 10 * time.Millisecond}
	return New(cfg, zap.NewNop(), mirror)
}

func registerFakeWorker(t *testing.T, s *Supervisor, ctx context.Context, phoneID string) *command.Channel {
	t.Helper()
	phoneCfg := config.PhoneConfig{PhoneID: phoneID, ABI: config.ABIArm}
	cfg := &config.Config{
		PhoneRetryLimit:          1,
		PhoneRetryWait:           time.Millisecond,
		PhoneMaxReboots:          1,
		PhonePingInterval:        time.Hour,
		PhoneCommandQueueTimeout: 10 * time.Millisecond,
		PhoneCrashWindow:         30 * time.Second,
		PhoneCrashLimit:          5,
	}
	cmds := command.New(4)
	tc := testcasefake.New("t1")
	w := worker.New(phoneCfg, cfg, devicefake.New("/sdcard"), []testcase.TestCase{tc},
		nullJobStore{}, cmds, s.StatusChannel(), nullBuildCache{}, mailer.NewLogMailer(zap.NewNop()),
		zap.NewNop(), status.Idle)
	s.Register(ctx, phoneID, w, cmds)
	return cmds
}

func TestRegisterAndSnapshotAfterAggregation(t *testing.T) {
	mirror := &recordingMirror{}
	s := newTestSupervisor(t, mirror)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registerFakeWorker(t, s, ctx, "phone-1")
	go s.RunAggregation(ctx)

	deadline := time.After(time.Second)
	for {
		snap := s.Snapshot()
		if len(snap) == 1 && snap[0].PhoneID == "phone-1" {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for a status snapshot, got %+v", snap)
		case <-time.After(5 * time.Millisecond):
		}
	}

	if len(mirror.reports) == 0 {
		t.Fatalf("expected the mirror to have received at least one report")
	}

	s.Shutdown()
}

func TestCommandUnknownPhoneReturnsError(t *testing.T) {
	s := newTestSupervisor(t, nil)
	if err := s.Command("ghost-phone", command.Command{Kind: command.Ping}); err == nil {
		t.Fatalf("expected an error for an unregistered phone")
	}
}

func TestNewJobUnknownPhoneReturnsErrorWithoutTouchingStore(t *testing.T) {
	s := newTestSupervisor(t, nil)
	if err := s.NewJob(context.Background(), nil, "ghost-phone", "http://example/build.apk", false); err == nil {
		t.Fatalf("expected an error for an unregistered phone")
	}
}

func TestCommandBroadcastReachesAllWorkers(t *testing.T) {
	s := newTestSupervisor(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registerFakeWorker(t, s, ctx, "phone-1")
	registerFakeWorker(t, s, ctx, "phone-2")
	go s.RunAggregation(ctx)

	if err := s.Command("", command.Command{Kind: command.Disable}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		snap := s.Snapshot()
		disabled := 0
		for _, r := range snap {
			if r.Status == status.Disabled {
				disabled++
			}
		}
		if disabled == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for both workers to report DISABLED, got %+v", snap)
		case <-time.After(5 * time.Millisecond):
		}
	}

	s.Shutdown()
}

func TestShutdownStopsAllWorkers(t *testing.T) {
	s := newTestSupervisor(t, nil)
	ctx := context.Background()
	registerFakeWorker(t, s, ctx, "phone-1")
	registerFakeWorker(t, s, ctx, "phone-2")

	done := make(chan struct{})
	go func() {
		s.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for shutdown to complete")
	}
}
