// Package gateway assembles the HTTP surface: the REST envelope, the
// friends and profile handlers, and the router that mounts them next
// to the event socket plane.
package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tinchat/server/internal/v1/friends"
	"github.com/tinchat/server/internal/v1/logging"
	"github.com/tinchat/server/internal/v1/store"
)

// envelope is the response shape shared by every /api handler. data
// carries success payloads, error carries failures, and message
// carries conflict outcomes that are business results rather than
// errors.
type envelope struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp"`
	Cached    *bool  `json:"cached,omitempty"`
	FetchTime string `json:"fetchTime,omitempty"`
}

func stamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// respond writes a success envelope.
func respond(c *gin.Context, status int, data any) {
	c.JSON(status, envelope{Success: true, Data: data, Timestamp: stamp()})
}

// respondFetched writes a success envelope annotated with cache
// provenance and how long the lookup took.
func respondFetched(c *gin.Context, data any, cached bool, took time.Duration) {
	c.JSON(http.StatusOK, envelope{
		Success:   true,
		Data:      data,
		Timestamp: stamp(),
		Cached:    &cached,
		FetchTime: took.Round(time.Millisecond).String(),
	})
}

// respondError writes a failure envelope.
func respondError(c *gin.Context, status int, reason string) {
	c.JSON(status, envelope{Success: false, Error: reason, Timestamp: stamp()})
}

// respondConflict writes a structured conflict outcome. Conflicts
// travel in message rather than error.
func respondConflict(c *gin.Context, msg string) {
	c.JSON(http.StatusConflict, envelope{Success: false, Message: msg, Timestamp: stamp()})
}

// bindJSON decodes the request body, answering malformed input with a
// validation failure. Returns false when the request was already
// answered.
func bindJSON(c *gin.Context, into any) bool {
	if err := c.ShouldBindJSON(into); err != nil {
		respondError(c, http.StatusBadRequest, "body: malformed JSON")
		return false
	}
	return true
}

// friendFailure maps a friends-service error onto the envelope.
func friendFailure(c *gin.Context, err error) {
	switch {
	case errors.Is(err, friends.ErrValidation):
		respondError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, friends.ErrNotReceiver):
		respondError(c, http.StatusUnauthorized, err.Error())
	case errors.Is(err, store.ErrNotFound):
		respondError(c, http.StatusNotFound, "not found")
	case errors.Is(err, friends.ErrSelf),
		errors.Is(err, friends.ErrBlocked),
		errors.Is(err, friends.ErrAlreadyFriends),
		errors.Is(err, friends.ErrRequestExists),
		errors.Is(err, friends.ErrAlreadyHandled),
		errors.Is(err, store.ErrDuplicate):
		respondConflict(c, err.Error())
	case errors.Is(err, friends.ErrUnavailable):
		respondError(c, http.StatusServiceUnavailable, err.Error())
	default:
		logging.Error(c.Request.Context(), "Unhandled friends error", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "internal server error")
	}
}
