// Package testcase defines the TestCase capability, §9 Design Notes: the
// worker never inspects a test's internals beyond this interface.
package testcase

import (
	"context"
	"strings"
)

// Worker is the subset of worker behavior a TestCase needs to drive the
// device while it runs, satisfied by *worker.Worker. Declared here (rather
// than imported from package worker) to avoid an import cycle — the
// worker package depends on testcase, not the reverse.
type Worker interface {
	DeviceRoot(ctx context.Context) (string, error)
	PhoneID() string
}

// Metadata is the subset of buildcache.Metadata a TestCase consumes.
type Metadata struct {
	Tree          string
	BuildDate     float64
	CacheBuildDir string
}

// TestCase is the capability the worker drives after a successful install,
// §4.F run_tests step 6. `DeviceRepos` maps phone_id to the repo names this
// test accepts; an empty map means "all devices, all builds."
type TestCase interface {
	// Name identifies the test for logging.
	Name() string

	// DeviceRepos returns the device→repos selection map, §4.F.
	DeviceRepos() map[string][]string

	// EnableUnittests reports whether this test requests unittest-enabled
	// builds from the build cache.
	EnableUnittests() bool

	// SetCurrentBuild records the build this test is about to run against.
	SetCurrentBuild(buildDate float64)

	// SetDebugLevel adjusts verbosity, mirroring PhoneTest.set_debug_level.
	SetDebugLevel(level int)

	// RunJob executes the test body against the already-installed build.
	// A returned *device.Error propagates as a worker disconnect, §4.F.
	RunJob(ctx context.Context, md Metadata, w Worker) error

	// ResetBaseDevicePath clears any cached base-device-path so the next
	// run re-derives it, mirroring PhoneTest's check_for_crashes cleanup.
	ResetBaseDevicePath()
}

// Accepts implements the per-device test-selection filter, §4.F: (a) an
// empty map applies to all devices and all builds; (b) absence of the
// current device from the map means skip; (c) otherwise accept iff any
// repo in the device's list appears as a substring of buildURL.
func Accepts(tc TestCase, phoneID, buildURL string) bool {
	repos := tc.DeviceRepos()
	if len(repos) == 0 {
		return true
	}
	deviceRepos, ok := repos[phoneID]
	if !ok {
		return false
	}
	for _, repo := range deviceRepos {
		if repo != "" && strings.Contains(buildURL, repo) {
			return true
		}
	}
	return false
}
