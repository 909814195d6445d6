package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arenaproj/arena/pkg/protocol"
	"github.com/arenaproj/arena/pkg/services"
)

// errorBody is the wire shape of every error response. Admin tooling
// depends on it, so the field names are part of the protocol.
type errorBody struct {
	ErrorCode   int    `json:"errorcode"`
	ErrorName   string `json:"errorname"`
	Description string `json:"description"`
}

func writeError(c *gin.Context, status int, description string) {
	c.AbortWithStatusJSON(status, errorBody{
		ErrorCode:   status,
		ErrorName:   http.StatusText(status),
		Description: description,
	})
}

// mapServiceError maps service-layer errors to HTTP error responses.
// Internal errors go to the admin error buffer; the wire only ever
// carries a generic description.
func (s *Server) mapServiceError(c *gin.Context, err error) {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		writeError(c, http.StatusBadRequest, validErr.Error())
		return
	}
	if errors.Is(err, services.ErrUnauthorized) {
		writeError(c, http.StatusUnauthorized, "authentication failed")
		return
	}
	if errors.Is(err, services.ErrNotFound) {
		writeError(c, http.StatusNotFound, "resource not found")
		return
	}
	if errors.Is(err, services.ErrAlreadyExists) {
		writeError(c, http.StatusBadRequest, "resource already exists (use overwrite)")
		return
	}
	if errors.Is(err, protocol.ErrUnsupportedVersion) || errors.Is(err, protocol.ErrMalformedRequest) {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	slog.Error("Unexpected service error", "path", c.Request.URL.Path, "error", err)
	s.errors.Add(c.Request.Method+" "+c.Request.URL.Path+": "+err.Error(), "")
	writeError(c, http.StatusInternalServerError, "internal server error")
}
