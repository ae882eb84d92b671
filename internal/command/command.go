// Package command implements the supervisor-to-worker Command Channel,
// §4.C: a bounded, per-worker, non-blocking producer side. The original
// autophone PhoneWorker used a multiprocessing Queue with put_nowait for
// exactly this reason — a stuck worker must never back up its supervisor.
package command

import (
	"context"
	"fmt"
	"time"
)

// Kind identifies the variant of a Command, mirroring PhoneWorker's
// dispatch table (cmd_queue) in worker.py: stop/job/reboot/disable/enable
// /debug/ping.
type Kind int

const (
	Stop Kind = iota
	Job
	Reboot
	Disable
	Enable
	Debug
	Ping
)

func (k Kind) String() string {
	switch k {
	case Stop:
		return "stop"
	case Job:
		return "job"
	case Reboot:
		return "reboot"
	case Disable:
		return "disable"
	case Enable:
		return "enable"
	case Debug:
		return "debug"
	case Ping:
		return "ping"
	default:
		return fmt.Sprintf("command(%d)", int(k))
	}
}

// Command is a single instruction delivered to a worker. BuildURL is set
// only for Job; DebugLevel only for Debug.
type Command struct {
	Kind       Kind
	BuildURL   string
	DebugLevel int
}

// Channel is a bounded, single-consumer command queue. Submit never blocks
// the caller: if the channel is full the pending commands are kept and the
// new one is dropped, so a worker that is wedged processing one command
// cannot stall the supervisor's fan-out to other workers.
type Channel struct {
	ch chan Command
}

// New constructs a Channel with the given buffer depth.
func New(depth int) *Channel {
	return &Channel{ch: make(chan Command, depth)}
}

// Submit enqueues cmd, or drops cmd if the channel is full (the pending
// commands are kept). It reports whether cmd was dropped, so callers can
// log the occurrence.
func (c *Channel) Submit(cmd Command) (dropped bool) {
	select {
	case c.ch <- cmd:
		return false
	default:
		return true
	}
}

// TryReceive returns the next pending command without blocking.
func (c *Channel) TryReceive() (Command, bool) {
	select {
	case cmd := <-c.ch:
		return cmd, true
	default:
		return Command{}, false
	}
}

// Receive blocks for up to timeout waiting for a command, mirroring
// PhoneWorkerSubProcess's PHONE_COMMAND_QUEUE_TIMEOUT get() in worker.py's
// main_loop.
func (c *Channel) Receive(ctx context.Context, timeout time.Duration) (Command, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case cmd := <-c.ch:
		return cmd, true
	case <-timer.C:
		return Command{}, false
	case <-ctx.Done():
		return Command{}, false
	}
}
