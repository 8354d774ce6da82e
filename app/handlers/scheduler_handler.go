package handlers

import (
	"context"
	"sort"
	"time"

	businessflow "github.com/Nurenaissance/fastapinewone/business_flow"
	"github.com/Nurenaissance/fastapinewone/utils"
	"github.com/gofiber/fiber/v3"
)

// HealthCheck pings one dependency
type HealthCheck func(ctx context.Context) error

// SchedulerHandlerInterface defines the contract for scheduler and health handlers
type SchedulerHandlerInterface interface {
	TriggerScan(c fiber.Ctx) error
	SchedulerHealth(c fiber.Ctx) error
	Health(c fiber.Ctx) error
}

// SchedulerHandler exposes the poll loop controls and service health
type SchedulerHandler struct {
	responder
	flow   businessflow.ScheduledEventFlow
	checks map[string]HealthCheck
}

// NewSchedulerHandler creates a scheduler handler. checks are run by the
// general health endpoint, keyed by dependency name.
func NewSchedulerHandler(flow businessflow.ScheduledEventFlow, checks map[string]HealthCheck, requestTimeout time.Duration) *SchedulerHandler {
	return &SchedulerHandler{
		responder: newResponder(requestTimeout),
		flow:      flow,
		checks:    checks,
	}
}

// TriggerScan wakes the poll loop on this and, with redis, every other instance
// @Router /api/v1/scheduler/scan [post]
func (h *SchedulerHandler) TriggerScan(c fiber.Ctx) error {
	ctx, cancel := h.createRequestContext(c, "/api/v1/scheduler/scan")
	defer cancel()

	result, err := h.flow.TriggerImmediateScan(ctx)
	if err != nil {
		return h.flowError(c, err, "Failed to trigger scan", "TRIGGER_SCAN_FAILED")
	}
	return h.SuccessResponse(c, fiber.StatusAccepted, "Scan triggered", result)
}

// SchedulerHealth reports loop state and event counts
// @Router /api/v1/health/scheduler [get]
func (h *SchedulerHandler) SchedulerHealth(c fiber.Ctx) error {
	ctx, cancel := h.createRequestContext(c, "/api/v1/health/scheduler")
	defer cancel()

	result, err := h.flow.SchedulerHealth(ctx)
	if err != nil {
		return h.flowError(c, err, "Failed to read scheduler health", "SCHEDULER_HEALTH_FAILED")
	}
	status := fiber.StatusOK
	if !result.ThreadAlive {
		status = fiber.StatusServiceUnavailable
	}
	return h.SuccessResponse(c, status, "Scheduler health", result)
}

// Health runs the dependency checks
// @Router /api/v1/health [get]
func (h *SchedulerHandler) Health(c fiber.Ctx) error {
	ctx, cancel := h.createRequestContext(c, "/api/v1/health")
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	healthy := true
	components := make(map[string]string, len(names))
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			healthy = false
			components[name] = "unhealthy: " + err.Error()
			continue
		}
		components[name] = "healthy"
	}

	data := fiber.Map{
		"status":     "healthy",
		"timestamp":  utils.UTCNow().Format(time.RFC3339),
		"components": components,
	}
	if !healthy {
		data["status"] = "unhealthy"
		return h.ErrorResponse(c, fiber.StatusServiceUnavailable, "Service unhealthy", "SERVICE_UNHEALTHY", data)
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Service healthy", data)
}
