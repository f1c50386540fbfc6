package api

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"trading-core/internal/domain"
)

// envelope is the stable {success, data, message?} response shape every
// handler returns.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data"`
	Message string `json:"message,omitempty"`
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, envelope{Success: true, Data: data})
}

func created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, envelope{Success: true, Data: data})
}

// fail maps a classified domain error to its HTTP status and writes the
// envelope. Unclassified errors are treated as Internal.
func fail(c *gin.Context, err error) {
	de, ok := domain.As(err)
	if !ok {
		log.Printf("api: unclassified error: %v", err)
		c.JSON(http.StatusInternalServerError, envelope{Message: "internal error"})
		return
	}
	status := statusFor(de.Kind)
	if status >= 500 {
		log.Printf("api: %s: %v", de.Code, err)
	}
	c.JSON(status, envelope{Message: de.Message})
}

func statusFor(k domain.Kind) int {
	switch k {
	case domain.KindInvalidInput:
		return http.StatusBadRequest
	case domain.KindUnauthenticated:
		return http.StatusUnauthorized
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindPreconditionFailed:
		return http.StatusUnprocessableEntity
	case domain.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func badRequest(c *gin.Context, msg string) {
	fail(c, domain.InvalidInput("bad_request", msg))
}
