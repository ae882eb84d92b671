package command

import (
	"context"
	"testing"
	"time"
)

func TestSubmitAndTryReceive(t *testing.T) {
	ch := New(2)

	if dropped := ch.Submit(Command{Kind: Ping}); dropped {
		t.Fatalf("expected no drop on first submit")
	}

	cmd, ok := ch.TryReceive()
	if !ok || cmd.Kind != Ping {
		t.Fatalf("expected to receive Ping, got %+v ok=%v", cmd, ok)
	}

	if _, ok := ch.TryReceive(); ok {
		t.Fatalf("expected empty channel to report no command")
	}
}

func TestSubmitDropsNewestWhenFull(t *testing.T) {
	ch := New(1)

	ch.Submit(Command{Kind: Reboot})
	dropped := ch.Submit(Command{Kind: Disable})
	if !dropped {
		t.Fatalf("expected the second submit on a full channel to report a drop")
	}

	cmd, ok := ch.TryReceive()
	if !ok || cmd.Kind != Reboot {
		t.Fatalf("expected the oldest command (Reboot) to survive, got %+v ok=%v", cmd, ok)
	}
}

func TestReceiveTimesOut(t *testing.T) {
	ch := New(1)
	start := time.Now()
	_, ok := ch.Receive(context.Background(), 20*time.Millisecond)
	if ok {
		t.Fatalf("expected Receive to time out on an empty channel")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatalf("expected Receive to wait at least the timeout")
	}
}

func TestReceiveReturnsSubmittedCommand(t *testing.T) {
	ch := New(1)
	ch.Submit(Command{Kind: Job, BuildURL: "http://example/build.apk"})

	cmd, ok := ch.Receive(context.Background(), time.Second)
	if !ok {
		t.Fatalf("expected Receive to return the submitted command")
	}
	if cmd.Kind != Job || cmd.BuildURL != "http://example/build.apk" {
		t.Fatalf("unexpected command: %+v", cmd)
	}
}
