// Package fake provides a scripted testcase.TestCase for tests.
package fake

import (
	"context"
	"sync"

	"autophoned/internal/testcase"
)

type TestCase struct {
	mu sync.Mutex

	TestName     string
	Repos        map[string][]string
	Unittests    bool
	RunJobErr    error
	RunCount     int
	CurrentBuild float64
	DebugLevel   int
	ResetCount   int
}

func New(name string) *TestCase {
	return &TestCase{TestName: name}
}

func (t *TestCase) Name() string                        { return t.TestName }
func (t *TestCase) DeviceRepos() map[string][]string     { return t.Repos }
func (t *TestCase) EnableUnittests() bool                { return t.Unittests }
func (t *TestCase) SetCurrentBuild(buildDate float64)    { t.CurrentBuild = buildDate }
func (t *TestCase) SetDebugLevel(level int)              { t.DebugLevel = level }
func (t *TestCase) ResetBaseDevicePath() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ResetCount++
}

func (t *TestCase) RunJob(ctx context.Context, md testcase.Metadata, w testcase.Worker) error {
	t.mu.Lock()
	t.RunCount++
	t.mu.Unlock()
	return t.RunJobErr
}
