package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arenaproj/arena/pkg/auth"
	"github.com/arenaproj/arena/pkg/services"
)

// adminBody is the shared body shape of the admin endpoints. The dashed
// admin-pwd key is part of the protocol.
type adminBody struct {
	AdminPwd  string `json:"admin-pwd"`
	Overwrite bool   `json:"overwrite"`
}

// bindJSON decodes an optional JSON body. An empty body binds the zero
// value so Basic-auth-only admin requests work without one.
func bindJSON(c *gin.Context, dst any) error {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.New("request body too large")
		}
		return errors.New("failed to read request body")
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return errors.New("malformed JSON body")
	}
	return nil
}

func (s *Server) handleMakeAgent(c *gin.Context) {
	var body adminBody
	if err := bindJSON(c, &body); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	if !s.isAdmin(c, body.AdminPwd) {
		writeError(c, http.StatusUnauthorized, "admin credential required")
		return
	}

	envSlug, agent := c.Param("env"), c.Param("agent")
	pwd, err := s.accounts.Create(c.Request.Context(), envSlug, agent, body.Overwrite)
	if err != nil {
		s.mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"env": envSlug, "agent": agent, "pwd": pwd})
}

// handleBlockAgent locks an account. Admins may block any agent; an
// agent may also retire itself with its own password.
func (s *Server) handleBlockAgent(c *gin.Context) {
	var body struct {
		adminBody
		Pwd string `json:"pwd"`
	}
	if err := bindJSON(c, &body); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	envSlug, agent := c.Param("env"), c.Param("agent")
	if !s.isAdmin(c, body.AdminPwd) && !s.isAgentSelf(c, envSlug, agent, body.Pwd) {
		writeError(c, http.StatusUnauthorized, "admin credential or agent password required")
		return
	}

	if err := s.accounts.Block(c.Request.Context(), envSlug, agent); err != nil {
		s.mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"env": envSlug, "agent": agent, "status": "blocked"})
}

func (s *Server) handleUnblockAgent(c *gin.Context) {
	var body adminBody
	if err := bindJSON(c, &body); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	if !s.isAdmin(c, body.AdminPwd) {
		writeError(c, http.StatusUnauthorized, "admin credential required")
		return
	}

	envSlug, agent := c.Param("env"), c.Param("agent")
	if err := s.accounts.Unblock(c.Request.Context(), envSlug, agent); err != nil {
		s.mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"env": envSlug, "agent": agent, "status": "active"})
}

func (s *Server) isAgentSelf(c *gin.Context, envSlug, agent, pwd string) bool {
	if pwd == "" {
		return false
	}
	acc, err := s.accounts.Get(c.Request.Context(), envSlug, agent)
	if err != nil {
		return false
	}
	return auth.VerifyPassword(pwd, acc.PasswordHash)
}

func (s *Server) handleMakeEnv(c *gin.Context) {
	var body struct {
		adminBody
		EnvClass    string          `json:"env_class"`
		DisplayName string          `json:"display_name"`
		Config      json.RawMessage `json:"config"`
	}
	if err := bindJSON(c, &body); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	if !s.isAdmin(c, body.AdminPwd) {
		writeError(c, http.StatusUnauthorized, "admin credential required")
		return
	}

	envSlug := c.Param("env")
	err := s.envs.Create(c.Request.Context(), services.CreateEnvironmentRequest{
		Slug:        envSlug,
		EnvClass:    body.EnvClass,
		DisplayName: body.DisplayName,
		Config:      body.Config,
		Overwrite:   body.Overwrite,
	})
	if err != nil {
		s.mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"env": envSlug})
}

func (s *Server) handleDestroyEnv(c *gin.Context) {
	var body adminBody
	if err := bindJSON(c, &body); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	if !s.isAdmin(c, body.AdminPwd) {
		writeError(c, http.StatusUnauthorized, "admin credential required")
		return
	}

	envSlug := c.Param("env")
	if err := s.envs.Destroy(c.Request.Context(), envSlug); err != nil {
		s.mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"env": envSlug, "status": "destroyed"})
}

// handleUploadPlugin installs a plugin archive. The body is the raw zip,
// so the credential must come as HTTP Basic.
func (s *Server) handleUploadPlugin(c *gin.Context) {
	if !s.isAdmin(c, "") {
		writeError(c, http.StatusUnauthorized, "admin credential required (HTTP Basic)")
		return
	}

	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(c, http.StatusRequestEntityTooLarge, "plugin archive too large")
			return
		}
		writeError(c, http.StatusBadRequest, "failed to read request body")
		return
	}

	if err := s.plugins.InstallZip(data); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"environments": s.registry.Refs()})
}
