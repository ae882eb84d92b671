package testcase

import (
	"context"
	"testing"
)

type fakeTestCase struct {
	repos map[string][]string
}

func (f fakeTestCase) Name() string                     { return "fake" }
func (f fakeTestCase) DeviceRepos() map[string][]string { return f.repos }
func (f fakeTestCase) EnableUnittests() bool            { return false }
func (f fakeTestCase) SetCurrentBuild(float64)           {}
func (f fakeTestCase) SetDebugLevel(int)                {}
func (f fakeTestCase) ResetBaseDevicePath()              {}
func (f fakeTestCase) RunJob(ctx context.Context, md Metadata, w Worker) error {
	return nil
}

func TestAcceptsEmptyMapAppliesToAll(t *testing.T) {
	tc := fakeTestCase{repos: map[string][]string{}}
	if !Accepts(tc, "phone-1", "http://example/mozilla-central/build.apk") {
		t.Fatalf("expected empty device-repos map to accept all devices")
	}
}

func TestAcceptsDeviceAbsentIsSkipped(t *testing.T) {
	tc := fakeTestCase{repos: map[string][]string{"phone-2": {"mozilla-central"}}}
	if Accepts(tc, "phone-1", "http://example/mozilla-central/build.apk") {
		t.Fatalf("expected a device absent from the map to be skipped")
	}
}

func TestAcceptsRepoSubstringMatch(t *testing.T) {
	tc := fakeTestCase{repos: map[string][]string{"phone-1": {"mozilla-central", "mozilla-beta"}}}
	if !Accepts(tc, "phone-1", "http://example/mozilla-beta/build.apk") {
		t.Fatalf("expected a matching repo substring to be accepted")
	}
	if Accepts(tc, "phone-1", "http://example/mozilla-release/build.apk") {
		t.Fatalf("expected a non-matching repo substring to be rejected")
	}
}
