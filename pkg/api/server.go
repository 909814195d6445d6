// Package api exposes the HTTP surface of the evaluation server: the
// act endpoint, the admin endpoints and the ops endpoints.
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/arenaproj/arena/pkg/auth"
	"github.com/arenaproj/arena/pkg/config"
	"github.com/arenaproj/arena/pkg/env"
	"github.com/arenaproj/arena/pkg/errbuf"
	"github.com/arenaproj/arena/pkg/plugin"
	"github.com/arenaproj/arena/pkg/services"
	"github.com/arenaproj/arena/pkg/store"
	"github.com/arenaproj/arena/pkg/telemetry"
)

// Server wires the services behind the HTTP routes.
type Server struct {
	cfg      *config.Config
	store    *store.Store
	registry *env.Registry
	plugins  *plugin.Loader
	errors   *errbuf.Buffer
	metrics  *telemetry.Metrics

	acts     *services.ActService
	accounts *services.AccountService
	envs     *services.EnvService
	results  *services.ResultsService
	cleanup  *services.CleanupService
}

// NewServer creates the API server and its service layer.
func NewServer(cfg *config.Config, st *store.Store, registry *env.Registry,
	plugins *plugin.Loader, errors *errbuf.Buffer, metrics *telemetry.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		registry: registry,
		plugins:  plugins,
		errors:   errors,
		metrics:  metrics,
		acts:     services.NewActService(st, registry, metrics),
		accounts: services.NewAccountService(st),
		envs:     services.NewEnvService(st, registry),
		results:  services.NewResultsService(st),
		cleanup:  services.NewCleanupService(st),
	}
}

// Router builds the gin engine with all routes and middleware.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(requestID(), bodyLimit(s.cfg.MaxRequestBody), s.logging(), s.recovery())

	// Agent surface. GET is kept alongside PUT for old clients.
	r.PUT("/act/:env", s.handleAct)
	r.GET("/act/:env", s.handleAct)

	// Admin surface.
	r.POST("/makeagent/:env/:agent", s.handleMakeAgent)
	r.PUT("/blockagent/:env/:agent", s.handleBlockAgent)
	r.PUT("/unblockagent/:env/:agent", s.handleUnblockAgent)
	r.PUT("/makeenv/:env", s.handleMakeEnv)
	r.DELETE("/destroyenv/:env", s.handleDestroyEnv)
	r.PUT("/uploadplugin", s.handleUploadPlugin)

	// Ops surface.
	r.GET("/results", s.handleResults)
	r.GET("/results/:env", s.handleResults)
	r.GET("/viewrun/:id", s.handleViewRun)
	r.GET("/errors", s.handleErrors)
	r.GET("/diskusage", s.handleDiskUsage)
	r.GET("/removenonrecentruns", s.handleRemoveNonRecentRuns)
	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	return r
}

// verifyAdmin checks a password against the configured admin hashes.
func (s *Server) verifyAdmin(pwd string) bool {
	for _, hash := range s.cfg.AdminHashes {
		if auth.VerifyPassword(pwd, hash) {
			return true
		}
	}
	return false
}

// isAdmin accepts the admin credential as HTTP Basic (any user name) or
// as the admin-pwd field of the JSON body, already bound by the caller.
func (s *Server) isAdmin(c *gin.Context, bodyPwd string) bool {
	if _, pwd, ok := c.Request.BasicAuth(); ok && s.verifyAdmin(pwd) {
		return true
	}
	return bodyPwd != "" && s.verifyAdmin(bodyPwd)
}
