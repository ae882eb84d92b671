// Package fake provides a scripted device.Agent for tests: a small struct
// with knobs that let a test script specific outcomes instead of relying
// on randomness.
package fake

import (
	"context"
	"sync"

	"autophoned/internal/device"
)

// Agent is a scripted device.Agent. Each operation consults its matching
// field to decide success or failure; tests mutate these fields directly.
// Nil error fields mean "succeed". Calls are recorded for assertions.
type Agent struct {
	mu sync.Mutex

	Root string

	DeviceRootErr  error
	DirExistsFn    func(path string) (bool, error)
	MkdirsErr      error
	RmdirErr       error
	PushFileErr    error
	PushDirErr     error
	ChmodDirErr    error
	RemoveFileErr  error
	InstallAppErr  error
	KillProcessErr error
	LaunchAppErr   error
	RebootErr      error

	SettlingTime float64

	Calls []string

	disconnected int
}

func New(root string) *Agent {
	return &Agent{Root: root}
}

func (a *Agent) record(call string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Calls = append(a.Calls, call)
}

func (a *Agent) DeviceRoot(ctx context.Context) (string, error) {
	a.record("device_root")
	if a.DeviceRootErr != nil {
		return "", device.NewError("device_root", a.DeviceRootErr)
	}
	return a.Root, nil
}

func (a *Agent) DirExists(ctx context.Context, path string) (bool, error) {
	a.record("dir_exists:" + path)
	if a.DirExistsFn != nil {
		ok, err := a.DirExistsFn(path)
		if err != nil {
			return false, device.NewError("dir_exists", err)
		}
		return ok, nil
	}
	return true, nil
}

func (a *Agent) Mkdirs(ctx context.Context, path string) error {
	a.record("mkdirs:" + path)
	if a.MkdirsErr != nil {
		return device.NewError("mkdirs", a.MkdirsErr)
	}
	return nil
}

func (a *Agent) Rmdir(ctx context.Context, path string) error {
	a.record("rmdir:" + path)
	if a.RmdirErr != nil {
		return device.NewError("rmdir", a.RmdirErr)
	}
	return nil
}

func (a *Agent) PushFile(ctx context.Context, local, remote string) error {
	a.record("push_file:" + local + "->" + remote)
	if a.PushFileErr != nil {
		return device.NewError("push_file", a.PushFileErr)
	}
	return nil
}

func (a *Agent) PushDir(ctx context.Context, local, remote string) error {
	a.record("push_dir:" + local + "->" + remote)
	if a.PushDirErr != nil {
		return device.NewError("push_dir", a.PushDirErr)
	}
	return nil
}

func (a *Agent) ChmodDir(ctx context.Context, path string) error {
	a.record("chmod_dir:" + path)
	if a.ChmodDirErr != nil {
		return device.NewError("chmod_dir", a.ChmodDirErr)
	}
	return nil
}

func (a *Agent) RemoveFile(ctx context.Context, path string) error {
	a.record("remove_file:" + path)
	if a.RemoveFileErr != nil {
		return device.NewError("remove_file", a.RemoveFileErr)
	}
	return nil
}

func (a *Agent) InstallApp(ctx context.Context, remotePath string) error {
	a.record("install_app:" + remotePath)
	if a.InstallAppErr != nil {
		return device.NewError("install_app", a.InstallAppErr)
	}
	return nil
}

func (a *Agent) KillProcess(ctx context.Context, name string) error {
	a.record("kill_process:" + name)
	if a.KillProcessErr != nil {
		return device.NewError("kill_process", a.KillProcessErr)
	}
	return nil
}

func (a *Agent) LaunchApp(ctx context.Context, spec device.LaunchSpec) error {
	a.record("launch_app:" + spec.Name)
	if a.LaunchAppErr != nil {
		return device.NewError("launch_app", a.LaunchAppErr)
	}
	return nil
}

func (a *Agent) Reboot(ctx context.Context, hostIP string, wait bool) error {
	a.record("reboot:" + hostIP)
	if a.RebootErr != nil {
		return device.NewError("reboot", a.RebootErr)
	}
	return nil
}

func (a *Agent) SetSettlingTime(hint float64) {
	a.SettlingTime = hint
}

func (a *Agent) Disconnect() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disconnected++
}

// Disconnects reports how many times Disconnect was called, for
// assertions that a failed operation tore down the transport session.
func (a *Agent) Disconnects() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.disconnected
}
