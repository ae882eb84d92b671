// Package api exposes the admin HTTP surface over the in-process
// Supervisor command surface and status surface, §6. Follows a plain
// Fiber-handler shape, generalized from SMS message endpoints to
// job/command/status endpoints.
package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"autophoned/internal/command"
	"autophoned/internal/db"
	"autophoned/internal/jobstore"
	"autophoned/internal/supervisor"
)

type Handlers struct {
	logger *zap.Logger
	sup    *supervisor.Supervisor
	jobs   *jobstore.Store
	pg     *db.PostgresDB
	redis  *db.RedisDB
}

func NewHandlers(logger *zap.Logger, sup *supervisor.Supervisor, jobs *jobstore.Store, pg *db.PostgresDB, redis *db.RedisDB) *Handlers {
	return &Handlers{logger: logger, sup: sup, jobs: jobs, pg: pg, redis: redis}
}

type enqueueRequest struct {
	BuildURL  string `json:"build_url"`
	Broadcast bool   `json:"broadcast"`
}

// EnqueueJob handles POST /phones/:id/jobs.
//
//	@Summary		Enqueue a job
//	@Description	Appends a build_url to a device's job queue, or broadcasts to every device
//	@Tags			Jobs
//	@Accept			json
//	@Produce		json
//	@Param			id		path	string			true	"phone_id, or \"all\" to broadcast"
//	@Param			request	body	enqueueRequest	true	"job request"
//	@Success		202
//	@Router			/phones/{id}/jobs [post]
func (h *Handlers) EnqueueJob(c *fiber.Ctx) error {
	phoneID := c.Params("id")
	var req enqueueRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request"})
	}
	if req.BuildURL == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "build_url is required"})
	}
	broadcast := req.Broadcast || phoneID == "all"
	submissionID := uuid.NewString()

	if err := h.sup.NewJob(c.Context(), h.jobs, phoneID, req.BuildURL, broadcast); err != nil {
		h.logger.Error("enqueue job failed", zap.String("submission_id", submissionID), zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	h.logger.Info("job enqueued", zap.String("submission_id", submissionID),
		zap.String("phone_id", phoneID), zap.Bool("broadcast", broadcast))
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"submission_id": submissionID})
}

type commandRequest struct {
	Kind       string `json:"kind"`
	DebugLevel int    `json:"debug_level,omitempty"`
}

var commandKinds = map[string]command.Kind{
	"stop":    command.Stop,
	"reboot":  command.Reboot,
	"disable": command.Disable,
	"enable":  command.Enable,
	"debug":   command.Debug,
	"ping":    command.Ping,
}

// SubmitCommand handles POST /phones/:id/command.
//
//	@Summary		Submit a supervisor command
//	@Description	Submits a non-blocking control command to a worker, or all workers when id is "all"
//	@Tags			Commands
//	@Accept			json
//	@Produce		json
//	@Param			id		path	string			true	"phone_id, or \"all\" to broadcast"
//	@Param			request	body	commandRequest	true	"command request"
//	@Success		202
//	@Router			/phones/{id}/command [post]
func (h *Handlers) SubmitCommand(c *fiber.Ctx) error {
	phoneID := c.Params("id")
	var req commandRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request"})
	}
	kind, ok := commandKinds[req.Kind]
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown command kind"})
	}
	if phoneID == "all" {
		phoneID = ""
	}
	if err := h.sup.Command(phoneID, command.Command{Kind: kind, DebugLevel: req.DebugLevel}); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	return c.SendStatus(fiber.StatusAccepted)
}

// Status handles GET /status: the status surface, §6.
//
//	@Summary		Fleet status
//	@Description	Returns the last-observed status report for every known phone
//	@Tags			Status
//	@Produce		json
//	@Success		200	{array}	status.Report
//	@Router			/status [get]
func (h *Handlers) Status(c *fiber.Ctx) error {
	return c.JSON(h.sup.Snapshot())
}

// HealthCheck handles GET /healthz.
func (h *Handlers) HealthCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok", "time": time.Now().Unix()})
}

// ReadyCheck handles GET /readyz: backing stores must be reachable.
func (h *Handlers) ReadyCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	if err := h.pg.PingContext(ctx); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "not ready", "component": "postgres"})
	}
	if err := h.redis.HealthCheck(ctx); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "not ready", "component": "redis"})
	}
	return c.JSON(fiber.Map{"status": "ready"})
}
