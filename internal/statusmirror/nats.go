// Package statusmirror republishes the in-process Status Channel to NATS,
// so external dashboards can subscribe without coupling to the
// supervisor's process. It also republishes jobs dropped by the ABI or
// test-selection filters to a dead-letter subject, §4.F.
//
// Uses the same connection options throughout (infinite reconnect, typed
// handlers), generalized from SMS send/DLQ subjects to per-phone status
// subjects.
package statusmirror

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"autophoned/internal/status"
)

const dlqSubject = "autophone.jobs.dropped"

// Mirror publishes status reports to `autophone.status.<phone_id>` and
// dropped-job notices to a shared DLQ-style subject.
type Mirror struct {
	conn   *nats.Conn
	logger *zap.Logger
}

func New(natsURL string, logger *zap.Logger) (*Mirror, error) {
	opts := []nats.Option{
		nats.Name("autophoned"),
		nats.Timeout(10 * time.Second),
		nats.ReconnectWait(5 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Error("nats: disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats: reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("nats: connection closed")
		}),
	}

	conn, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("statusmirror: failed to connect to NATS: %w", err)
	}
	logger.Info("statusmirror: connected to NATS", zap.String("url", conn.ConnectedUrl()))

	return &Mirror{conn: conn, logger: logger}, nil
}

func (m *Mirror) Close() {
	m.conn.Close()
}

func (m *Mirror) HealthCheck(ctx context.Context) error {
	if m.conn.Status() != nats.CONNECTED {
		return fmt.Errorf("statusmirror: NATS not connected, status: %v", m.conn.Status())
	}
	return nil
}

// Publish implements supervisor.StatusMirror.
func (m *Mirror) Publish(ctx context.Context, r status.Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("statusmirror: marshal report: %w", err)
	}
	subject := "autophone.status." + r.PhoneID
	if err := m.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("statusmirror: publish: %w", err)
	}
	return nil
}

// PublishDropped republishes a dropped job for operator visibility —
// jobs the ABI or test-selection filters rejected, §4.F.
func (m *Mirror) PublishDropped(phoneID, buildURL, reason string) {
	payload := map[string]interface{}{
		"phone_id":   phoneID,
		"build_url":  buildURL,
		"reason":     reason,
		"timestamp":  time.Now().Unix(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		m.logger.Error("statusmirror: failed to marshal dropped job", zap.Error(err))
		return
	}
	if err := m.conn.Publish(dlqSubject, data); err != nil {
		m.logger.Error("statusmirror: failed to publish dropped job", zap.Error(err))
	}
}
