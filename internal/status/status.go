// Package status implements the worker-to-supervisor Status Channel, §4.D:
// a non-blocking publisher side plus the wire record shape from §6.
package status

import (
	"time"

	"go.uber.org/zap"
)

// WorkerStatus is the tagged state a worker reports, §4.D / §4.F.
type WorkerStatus string

const (
	Idle         WorkerStatus = "IDLE"
	Installing   WorkerStatus = "INSTALLING"
	Working      WorkerStatus = "WORKING"
	Rebooting    WorkerStatus = "REBOOTING"
	Disconnected WorkerStatus = "DISCONNECTED"
	Disabled     WorkerStatus = "DISABLED"
)

// Report is the wire shape from §6: `{phone_id, status, current_build?,
// msg?, timestamp}`, serializable as JSON with exactly those keys.
type Report struct {
	PhoneID      string       `json:"phone_id"`
	Status       WorkerStatus `json:"status"`
	CurrentBuild string       `json:"current_build,omitempty"`
	Msg          string       `json:"msg,omitempty"`
	Timestamp    int64        `json:"timestamp"`
}

// NewReport stamps a Report with the current time at seconds resolution,
// per §4.D.
func NewReport(phoneID string, st WorkerStatus, currentBuild, msg string) Report {
	return Report{
		PhoneID:      phoneID,
		Status:       st,
		CurrentBuild: currentBuild,
		Msg:          msg,
		Timestamp:    time.Now().Unix(),
	}
}

// Channel fans status reports from many workers to a single consumer (the
// Supervisor's aggregation loop, which in turn feeds the optional NATS
// mirror).
// Publish never blocks: on a full channel the report is dropped and logged,
// since a stalled status consumer must never stall test execution.
type Channel struct {
	ch     chan Report
	logger *zap.Logger
}

func New(depth int, logger *zap.Logger) *Channel {
	return &Channel{ch: make(chan Report, depth), logger: logger}
}

func (c *Channel) Publish(r Report) {
	select {
	case c.ch <- r:
	default:
		c.logger.Warn("status: channel full, dropping report",
			zap.String("phone_id", r.PhoneID), zap.String("status", string(r.Status)))
	}
}

// Reports exposes the receive side for the Supervisor's aggregation loop.
func (c *Channel) Reports() <-chan Report {
	return c.ch
}
