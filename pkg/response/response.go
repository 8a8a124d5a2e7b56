package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/ksred/klear-autopilot/internal/autonomy"
	"github.com/ksred/klear-autopilot/internal/ideas"
	"github.com/ksred/klear-autopilot/internal/lifecycle"
	"github.com/ksred/klear-autopilot/internal/risk"
)

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents an error response
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeValidationFailed  = "VALIDATION_FAILED"
	ErrCodeDuplicateResource = "DUPLICATE_RESOURCE"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStateConflict     = "STATE_CONFLICT"
	ErrCodeUnavailable       = "UNAVAILABLE"
)

// ValidationError marks a request the caller must correct.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// Handle processes the error and returns appropriate response
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	var verr *ValidationError
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound),
		errors.Is(err, ideas.ErrNotFound),
		errors.Is(err, risk.ErrPositionNotFound):
		NotFound(c, err.Error())
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		write(c, http.StatusConflict, ErrCodeInvalidTransition, err.Error())
	case errors.Is(err, ideas.ErrStateConflict),
		errors.Is(err, ideas.ErrActiveIdeaExists):
		write(c, http.StatusConflict, ErrCodeStateConflict, err.Error())
	case errors.Is(err, gorm.ErrDuplicatedKey),
		errors.Is(err, ideas.ErrDuplicateIdea):
		Conflict(c, err.Error())
	case errors.As(err, &verr),
		errors.Is(err, risk.ErrInvalidBudget),
		errors.Is(err, risk.ErrUnknownInstrument),
		errors.Is(err, autonomy.ErrUnknownInstrument):
		ValidationFailed(c, err.Error())
	case errors.Is(err, autonomy.ErrQueueFull):
		write(c, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
	default:
		InternalError(c, "An unexpected error occurred")
	}
}

// Success sends a 200 response
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    data,
	})
}

// Accepted sends a 202 response for work that completes asynchronously
func Accepted(c *gin.Context, data interface{}) {
	c.JSON(http.StatusAccepted, Response{
		Success: true,
		Data:    data,
	})
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	write(c, http.StatusNotFound, ErrCodeNotFound, message)
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, message string) {
	write(c, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// ValidationFailed sends a 400 response for semantically invalid input
func ValidationFailed(c *gin.Context, message string) {
	write(c, http.StatusBadRequest, ErrCodeValidationFailed, message)
}

// InternalError sends a 500 response
func InternalError(c *gin.Context, message string) {
	write(c, http.StatusInternalServerError, ErrCodeInternalError, message)
}

// Conflict sends a 409 response
func Conflict(c *gin.Context, message string) {
	write(c, http.StatusConflict, ErrCodeDuplicateResource, message)
}

func write(c *gin.Context, status int, code, message string) {
	c.JSON(status, Response{
		Success: false,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	})
}
