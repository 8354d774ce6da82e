// Package handlers contains HTTP request handlers and presentation layer logic for the API endpoints
package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Nurenaissance/fastapinewone/app/dto"
	"github.com/Nurenaissance/fastapinewone/utils"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/requestid"
)

const defaultRequestTimeout = 30 * time.Second

// responder carries the response envelope helpers shared by every handler
type responder struct {
	validator      *validator.Validate
	requestTimeout time.Duration
}

func newResponder(requestTimeout time.Duration) responder {
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	return responder{validator: validator.New(), requestTimeout: requestTimeout}
}

func (h responder) ErrorResponse(c fiber.Ctx, statusCode int, message, errorCode string, details any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: false,
		Message: message,
		Error: dto.ErrorDetail{
			Code:    errorCode,
			Details: details,
		},
	})
}

func (h responder) SuccessResponse(c fiber.Ctx, statusCode int, message string, data any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// validate runs struct validation and renders the failures
func (h responder) validate(c fiber.Ctx, req any) (bool, error) {
	err := h.validator.Struct(req)
	if err == nil {
		return true, nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return false, h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", err.Error())
	}
	var validationErrors []string
	for _, fe := range verrs {
		validationErrors = append(validationErrors, getValidationErrorMessage(fe))
	}
	return false, h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationErrors)
}

// createRequestContext detaches the flow from the fiber request and carries request-scoped values
func (h responder) createRequestContext(c fiber.Ctx, endpoint string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), h.requestTimeout)
	reqID := c.Get(utils.HeaderRequestID)
	if reqID == "" {
		reqID = requestid.FromContext(c)
	}
	ctx = context.WithValue(ctx, utils.RequestIDKey, reqID)
	ctx = context.WithValue(ctx, utils.UserAgentKey, c.Get("User-Agent"))
	ctx = context.WithValue(ctx, utils.IPAddressKey, c.IP())
	ctx = context.WithValue(ctx, utils.EndpointKey, endpoint)
	ctx = context.WithValue(ctx, utils.TimeoutKey, h.requestTimeout)
	if tenant := tenantID(c); tenant != "" {
		ctx = context.WithValue(ctx, utils.TenantIDKey, tenant)
	}
	return ctx, cancel
}

func tenantID(c fiber.Ctx) string {
	return strings.TrimSpace(c.Get(utils.HeaderTenantID))
}

func getValidationErrorMessage(err validator.FieldError) string {
	switch err.Tag() {
	case "required":
		return err.Field() + " is required"
	case "min":
		return err.Field() + " must be at least " + err.Param() + " characters"
	case "max":
		return err.Field() + " must be at most " + err.Param() + " characters"
	case "len":
		return err.Field() + " must be exactly " + err.Param() + " characters"
	case "oneof":
		return err.Field() + " must be one of: " + err.Param()
	case "datetime":
		return fmt.Sprintf("%s must match the layout %s", err.Field(), err.Param())
	case "numeric":
		return err.Field() + " must contain only numbers"
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", err.Field(), err.Param())
	case "lte":
		return fmt.Sprintf("%s must be less than or equal to %s", err.Field(), err.Param())
	default:
		return err.Field() + " is invalid"
	}
}
