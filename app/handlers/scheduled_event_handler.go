package handlers

import (
	"errors"
	"strconv"
	"time"

	"github.com/Nurenaissance/fastapinewone/app/dto"
	businessflow "github.com/Nurenaissance/fastapinewone/business_flow"
	"github.com/Nurenaissance/fastapinewone/utils"
	"github.com/gofiber/fiber/v3"
)

// ScheduledEventHandlerInterface defines the contract for scheduled event handlers
type ScheduledEventHandlerInterface interface {
	Create(c fiber.Ctx) error
	List(c fiber.Ctx) error
	ListFailed(c fiber.Ctx) error
	Get(c fiber.Ctx) error
	Update(c fiber.Ctx) error
	Delete(c fiber.Ctx) error
	Retry(c fiber.Ctx) error
	RetryAllFailed(c fiber.Ctx) error
	Group(c fiber.Ctx) error
}

// ScheduledEventHandler handles scheduled event HTTP requests
type ScheduledEventHandler struct {
	responder
	flow businessflow.ScheduledEventFlow
}

// NewScheduledEventHandler creates a new scheduled event handler
func NewScheduledEventHandler(flow businessflow.ScheduledEventFlow, requestTimeout time.Duration) *ScheduledEventHandler {
	return &ScheduledEventHandler{
		responder: newResponder(requestTimeout),
		flow:      flow,
	}
}

func metadataFrom(c fiber.Ctx) *businessflow.ClientMetadata {
	metadata := businessflow.NewClientMetadata(c.IP(), c.Get("User-Agent"))
	metadata.SetRequestID(c.GetRespHeader(utils.HeaderRequestID))
	return metadata
}

func parseEventID(c fiber.Ctx) (uint, bool) {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

// flowError maps business errors to HTTP answers
func (h responder) flowError(c fiber.Ctx, err error, message, code string) error {
	switch {
	case businessflow.IsScheduledEventNotFound(err):
		return h.ErrorResponse(c, fiber.StatusNotFound, "Scheduled event not found", "SCHEDULED_EVENT_NOT_FOUND", nil)
	case businessflow.IsEventNotFailed(err):
		return h.ErrorResponse(c, fiber.StatusConflict, "Only failed events can be retried", "EVENT_NOT_FAILED", err.Error())
	case businessflow.IsEventProcessing(err):
		return h.ErrorResponse(c, fiber.StatusConflict, "Event is being delivered", "EVENT_PROCESSING", nil)
	case businessflow.IsEventChanged(err):
		return h.ErrorResponse(c, fiber.StatusConflict, "Event changed while being edited", "EVENT_CHANGED", err.Error())
	case businessflow.IsMergeInProgress(err):
		return h.ErrorResponse(c, fiber.StatusConflict, "A merge is already running for this tenant", "MERGE_IN_PROGRESS", nil)
	case businessflow.IsSchedulerDisabled(err):
		return h.ErrorResponse(c, fiber.StatusServiceUnavailable, "Scheduler is not enabled on this instance", "SCHEDULER_DISABLED", nil)
	}

	var be *businessflow.BusinessError
	if errors.As(err, &be) && businessflow.IsValidationError(err) {
		return h.ErrorResponse(c, fiber.StatusBadRequest, be.Message, be.Code, be.Error())
	}
	return h.ErrorResponse(c, fiber.StatusInternalServerError, message, code, nil)
}

func (h responder) requireTenant(c fiber.Ctx) (string, error) {
	tenant := tenantID(c)
	if tenant == "" {
		return "", h.ErrorResponse(c, fiber.StatusBadRequest, "X-Tenant-Id header is required", "MISSING_TENANT_ID", nil)
	}
	return tenant, nil
}

// Create schedules a template delivery
// @Router /api/v1/scheduled-events [post]
func (h *ScheduledEventHandler) Create(c fiber.Ctx) error {
	tenant, err := h.requireTenant(c)
	if tenant == "" {
		return err
	}

	var req dto.CreateScheduledEventRequest
	if err := c.Bind().JSON(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if ok, err := h.validate(c, &req); !ok {
		return err
	}

	ctx, cancel := h.createRequestContext(c, "/api/v1/scheduled-events")
	defer cancel()

	result, err := h.flow.CreateEvent(ctx, tenant, &req, metadataFrom(c))
	if err != nil {
		return h.flowError(c, err, "Failed to create scheduled event", "CREATE_EVENT_FAILED")
	}
	return h.SuccessResponse(c, fiber.StatusCreated, "Scheduled event created successfully", result)
}

// List returns the tenant's events ordered by date and time
// @Router /api/v1/scheduled-events [get]
func (h *ScheduledEventHandler) List(c fiber.Ctx) error {
	tenant, err := h.requireTenant(c)
	if tenant == "" {
		return err
	}

	ctx, cancel := h.createRequestContext(c, "/api/v1/scheduled-events")
	defer cancel()

	result, err := h.flow.ListEvents(ctx, tenant)
	if err != nil {
		return h.flowError(c, err, "Failed to list scheduled events", "LIST_EVENTS_FAILED")
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Scheduled events retrieved successfully", result)
}

// ListFailed returns failed events, for one tenant when the header is present
// @Router /api/v1/scheduled-events/failed [get]
func (h *ScheduledEventHandler) ListFailed(c fiber.Ctx) error {
	var tenant *string
	if t := tenantID(c); t != "" {
		tenant = &t
	}

	ctx, cancel := h.createRequestContext(c, "/api/v1/scheduled-events/failed")
	defer cancel()

	result, err := h.flow.ListFailedEvents(ctx, tenant)
	if err != nil {
		return h.flowError(c, err, "Failed to list failed events", "LIST_FAILED_EVENTS_FAILED")
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Failed events retrieved successfully", result)
}

// Get returns one event
// @Router /api/v1/scheduled-events/{id} [get]
func (h *ScheduledEventHandler) Get(c fiber.Ctx) error {
	id, ok := parseEventID(c)
	if !ok {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid event ID", "INVALID_EVENT_ID", nil)
	}

	ctx, cancel := h.createRequestContext(c, "/api/v1/scheduled-events/"+c.Params("id"))
	defer cancel()

	result, err := h.flow.GetEvent(ctx, tenantID(c), id)
	if err != nil {
		return h.flowError(c, err, "Failed to get scheduled event", "GET_EVENT_FAILED")
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Scheduled event retrieved successfully", result)
}

// Update replaces the schedule and payload of an event
// @Router /api/v1/scheduled-events/{id} [put]
func (h *ScheduledEventHandler) Update(c fiber.Ctx) error {
	tenant, err := h.requireTenant(c)
	if tenant == "" {
		return err
	}
	id, ok := parseEventID(c)
	if !ok {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid event ID", "INVALID_EVENT_ID", nil)
	}

	var req dto.UpdateScheduledEventRequest
	if err := c.Bind().JSON(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if ok, err := h.validate(c, &req); !ok {
		return err
	}

	ctx, cancel := h.createRequestContext(c, "/api/v1/scheduled-events/"+c.Params("id"))
	defer cancel()

	result, err := h.flow.UpdateEvent(ctx, tenant, id, &req, metadataFrom(c))
	if err != nil {
		return h.flowError(c, err, "Failed to update scheduled event", "UPDATE_EVENT_FAILED")
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Scheduled event updated successfully", result)
}

// Delete removes an event
// @Router /api/v1/scheduled-events/{id} [delete]
func (h *ScheduledEventHandler) Delete(c fiber.Ctx) error {
	id, ok := parseEventID(c)
	if !ok {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid event ID", "INVALID_EVENT_ID", nil)
	}

	ctx, cancel := h.createRequestContext(c, "/api/v1/scheduled-events/"+c.Params("id"))
	defer cancel()

	if err := h.flow.DeleteEvent(ctx, tenantID(c), id, metadataFrom(c)); err != nil {
		return h.flowError(c, err, "Failed to delete scheduled event", "DELETE_EVENT_FAILED")
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Scheduled event deleted successfully", nil)
}

// Retry moves a failed event back to pending
// @Router /api/v1/scheduled-events/{id}/retry [post]
func (h *ScheduledEventHandler) Retry(c fiber.Ctx) error {
	id, ok := parseEventID(c)
	if !ok {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid event ID", "INVALID_EVENT_ID", nil)
	}

	ctx, cancel := h.createRequestContext(c, "/api/v1/scheduled-events/"+c.Params("id")+"/retry")
	defer cancel()

	result, err := h.flow.RetryEvent(ctx, tenantID(c), id, metadataFrom(c))
	if err != nil {
		return h.flowError(c, err, "Failed to retry scheduled event", "RETRY_EVENT_FAILED")
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Scheduled event reset to pending", result)
}

// RetryAllFailed resets every failed event, for one tenant when the header is present
// @Router /api/v1/scheduled-events/retry-failed [post]
func (h *ScheduledEventHandler) RetryAllFailed(c fiber.Ctx) error {
	var tenant *string
	if t := tenantID(c); t != "" {
		tenant = &t
	}

	ctx, cancel := h.createRequestContext(c, "/api/v1/scheduled-events/retry-failed")
	defer cancel()

	result, err := h.flow.RetryAllFailed(ctx, tenant, metadataFrom(c))
	if err != nil {
		return h.flowError(c, err, "Failed to retry failed events", "RETRY_FAILED_EVENTS_FAILED")
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Failed events reset to pending", result)
}

// Group merges the tenant's pending events for today and tomorrow
// @Router /api/v1/scheduled-events/group [post]
func (h *ScheduledEventHandler) Group(c fiber.Ctx) error {
	tenant, err := h.requireTenant(c)
	if tenant == "" {
		return err
	}

	ctx, cancel := h.createRequestContext(c, "/api/v1/scheduled-events/group")
	defer cancel()

	result, err := h.flow.TriggerMerge(ctx, tenant, metadataFrom(c))
	if err != nil {
		return h.flowError(c, err, "Failed to merge scheduled events", "MERGE_FAILED")
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Scheduled events merged", result)
}
