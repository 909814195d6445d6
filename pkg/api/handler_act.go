package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arenaproj/arena/pkg/protocol"
	"github.com/arenaproj/arena/pkg/services"
)

// handleAct processes one action batch: normalize the request to V1,
// dispatch it, and render the response in the request's wire dialect.
func (s *Server) handleAct(c *gin.Context) {
	envSlug := c.Param("env")
	if err := services.ValidateEnvSlug(envSlug); err != nil {
		s.mapServiceError(c, err)
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(c, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(c, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) == 0 {
		writeError(c, http.StatusBadRequest, "expected a JSON body")
		return
	}

	req, version, err := protocol.ParseRequest(body)
	if err != nil {
		s.mapServiceError(c, err)
		return
	}

	resp, err := s.acts.ProcessBatch(c.Request.Context(), envSlug, req)
	if err != nil {
		s.mapServiceError(c, err)
		return
	}

	wire, err := protocol.RenderResponse(version, resp)
	if err != nil {
		s.mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, wire)
}
