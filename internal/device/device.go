// Package device defines the DeviceAgent capability, §4.E: the facade the
// worker drives to talk to a physical phone. Only the interface and its
// error type live here — concrete transports (ADB, SUTAgent-over-TCP, …)
// are out of scope for this core, as in the original autophone's DroidSUT.
package device

import (
	"context"
	"fmt"
)

// Error wraps any transport or remote-agent failure encountered while
// driving a device. The worker treats every Error uniformly regardless of
// which operation raised it.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("device: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err as a device Error tagged with the operation name.
func NewError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

// LaunchSpec describes a request to start an application on the device,
// mirroring autophone's run_fennec_with_profile/launch_app parameters.
type LaunchSpec struct {
	Name   string
	Intent string
	Env    map[string]string
	Args   []string
	URL    string
}

// Agent is the capability facade the worker consumes, §4.E. Every method
// fails with *Error on transport or remote-agent failure. Implementations
// may retry internally up to DEVICEMANAGER_RETRY_LIMIT before surfacing an
// Error to the caller.
type Agent interface {
	// DeviceRoot returns the on-device root path used for all subsequent
	// path-taking operations.
	DeviceRoot(ctx context.Context) (string, error)
	DirExists(ctx context.Context, path string) (bool, error)
	Mkdirs(ctx context.Context, path string) error
	Rmdir(ctx context.Context, path string) error
	PushFile(ctx context.Context, local, remote string) error
	PushDir(ctx context.Context, local, remote string) error
	ChmodDir(ctx context.Context, path string) error
	RemoveFile(ctx context.Context, path string) error
	InstallApp(ctx context.Context, remotePath string) error
	KillProcess(ctx context.Context, name string) error
	LaunchApp(ctx context.Context, spec LaunchSpec) error

	// Reboot power-cycles the device at hostIP. If wait is true it blocks
	// until the device responds again. A settling-time hint, set via
	// SetSettlingTime, governs how long Reboot waits before probing.
	Reboot(ctx context.Context, hostIP string, wait bool) error

	// SetSettlingTime sets a post-reboot settling-time hint, §4.E.
	SetSettlingTime(hint float64)

	// Disconnect tears down any cached transport session. The next
	// operation re-establishes it. The worker calls it after a failed
	// reboot, a failed post-reboot probe, or a failed install step.
	Disconnect()
}
