package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/signalsfoundry/fleet-simulator/model"
)

// errBadRequest marks malformed query strings and bodies.
var errBadRequest = errors.New("invalid input")

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, model.ErrNotEligible):
		return http.StatusConflict
	case errors.Is(err, model.ErrInvalidID),
		errors.Is(err, model.ErrInvalidRobot),
		errors.Is(err, model.ErrInvalidReason),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Meta    *meta  `json:"meta,omitempty"`
	Message string `json:"message,omitempty"`
}

type meta struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

func respond(c *gin.Context, code int, data any) {
	c.JSON(code, envelope{Success: true, Data: data})
}

// fail writes the error envelope. Internal errors are not echoed back.
func fail(c *gin.Context, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		msg = "server error"
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(code, envelope{Success: false, Message: msg})
}
