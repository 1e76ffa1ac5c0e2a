package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/tunnelgate/internal/audit/domain"
	"github.com/smallbiznis/tunnelgate/internal/authorization"
	partitiondomain "github.com/smallbiznis/tunnelgate/internal/partition/domain"
	quotadomain "github.com/smallbiznis/tunnelgate/internal/quota/domain"
	"github.com/smallbiznis/tunnelgate/internal/ratelimit"
	"github.com/smallbiznis/tunnelgate/internal/scheduler"
	subscriptiondomain "github.com/smallbiznis/tunnelgate/internal/subscription/domain"
	trafficdomain "github.com/smallbiznis/tunnelgate/internal/traffic/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type      string            `json:"type"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable,omitempty"`
	Errors    []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
	ErrRateLimited        = errors.New("rate_limited")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, authorization.ErrInvalidActor):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, authorization.ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:      "rate_limited",
			Message:   "too many requests",
			Retryable: true,
		}
	case errors.Is(err, scheduler.ErrJobLocked):
		return http.StatusConflict, errorPayload{
			Type:      "job_locked",
			Message:   "job is running elsewhere",
			Retryable: true,
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: conflictMessage(err),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, partitiondomain.ErrPartitionMissing):
		return http.StatusServiceUnavailable, errorPayload{
			Type:      "partition_missing",
			Message:   "storage for the event day is not ready",
			Retryable: true,
		}
	case errors.Is(err, quotadomain.ErrConcurrencyConflict):
		return http.StatusServiceUnavailable, errorPayload{
			Type:      "concurrency_conflict",
			Message:   "concurrent update, retry later",
			Retryable: true,
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, ratelimit.ErrLimiterNotConfigured):
		return http.StatusServiceUnavailable, errorPayload{
			Type:      "service_unavailable",
			Message:   "service unavailable",
			Retryable: true,
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog returns the payload type and a stable code for request logs.
func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	_, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	return payload.Type, code
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, trafficdomain.ErrBatchTooLarge),
		errors.Is(err, trafficdomain.ErrInvalidRange),
		errors.Is(err, partitiondomain.ErrUnknownTable),
		errors.Is(err, authorization.ErrInvalidTenant),
		errors.Is(err, authorization.ErrInvalidRole),
		errors.Is(err, auditdomain.ErrInvalidTenant),
		errors.Is(err, auditdomain.ErrInvalidPageToken),
		errors.Is(err, auditdomain.ErrInvalidTimeRange):
		return true
	case isSubscriptionValidationError(err):
		return true
	default:
		return false
	}
}

func isSubscriptionValidationError(err error) bool {
	switch {
	case errors.Is(err, subscriptiondomain.ErrInvalidTenant),
		errors.Is(err, subscriptiondomain.ErrInvalidUser),
		errors.Is(err, subscriptiondomain.ErrInvalidPlan),
		errors.Is(err, subscriptiondomain.ErrInvalidName),
		errors.Is(err, subscriptiondomain.ErrInvalidQuota),
		errors.Is(err, subscriptiondomain.ErrInvalidDuration),
		errors.Is(err, subscriptiondomain.ErrInvalidSubscription):
		return true
	default:
		return false
	}
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, ErrConflict),
		errors.Is(err, subscriptiondomain.ErrActiveSubscriptionExists),
		errors.Is(err, subscriptiondomain.ErrVersionMismatch),
		errors.Is(err, subscriptiondomain.ErrSubscriptionDeleted),
		errors.Is(err, subscriptiondomain.ErrSubscriptionAlreadyActive):
		return true
	default:
		return false
	}
}

func conflictMessage(err error) string {
	switch {
	case errors.Is(err, subscriptiondomain.ErrActiveSubscriptionExists):
		return "user already has an active subscription"
	case errors.Is(err, subscriptiondomain.ErrVersionMismatch):
		return "subscription was modified"
	case errors.Is(err, subscriptiondomain.ErrSubscriptionDeleted):
		return "subscription is deleted"
	case errors.Is(err, subscriptiondomain.ErrSubscriptionAlreadyActive):
		return "subscription is already active"
	default:
		return "conflict"
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, subscriptiondomain.ErrPlanNotFound),
		errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound),
		errors.Is(err, scheduler.ErrUnknownJob),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, trafficdomain.ErrBatchTooLarge):
		return trafficdomain.ErrBatchTooLarge.Error()
	case errors.Is(err, trafficdomain.ErrInvalidRange):
		return trafficdomain.ErrInvalidRange.Error()
	default:
		return err.Error()
	}
}

func validationErrorField(code string) string {
	switch code {
	case "invalid_request":
		return "request"
	case "batch_too_large":
		return "events"
	case "invalid_time_range":
		return "range"
	case "unknown_partitioned_table":
		return "table"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "batch_too_large":
		return "too many events in one batch"
	case "invalid_time_range":
		return "from must be before to"
	default:
		return "invalid value"
	}
}
