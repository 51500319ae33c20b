package gateway

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/tinchat/server/internal/v1/config"
	"github.com/tinchat/server/internal/v1/friends"
	"github.com/tinchat/server/internal/v1/health"
	"github.com/tinchat/server/internal/v1/match"
	"github.com/tinchat/server/internal/v1/middleware"
	"github.com/tinchat/server/internal/v1/profiles"
	"github.com/tinchat/server/internal/v1/ratelimit"
	"github.com/tinchat/server/internal/v1/schema"
	"github.com/tinchat/server/internal/v1/session"
)

// Deps carries everything the router mounts. The limiter may be nil in
// tests; the services degrade on their own when unconfigured.
type Deps struct {
	Config   *config.Config
	Sessions *session.Manager
	Friends  *friends.Service
	Profiles *profiles.Manager
	Matcher  *match.Matchmaker
	Limiter  *ratelimit.Limiter
	Health   *health.Handler
}

// NewRouter builds the gin engine with the full HTTP surface mounted.
func NewRouter(d Deps) *gin.Engine {
	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if d.Config.PerfMonitoring {
		router.Use(middleware.RequestTiming())
	}

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = d.Config.Origins()
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization", middleware.HeaderXCorrelationID)
	corsCfg.OptionsResponseStatusCode = http.StatusOK
	router.Use(cors.New(corsCfg))

	if d.Config.TracingEnabled() {
		router.Use(otelgin.Middleware("tinchat"))
	}

	router.NoRoute(func(c *gin.Context) {
		respondError(c, http.StatusNotFound, "no such route")
	})
	router.NoMethod(func(c *gin.Context) {
		respondError(c, http.StatusMethodNotAllowed, "method not allowed")
	})

	// Event socket plane
	ws := router.Group("/ws")
	if d.Limiter != nil {
		ws.Use(d.Limiter.ConnectMiddleware())
	}
	ws.GET("/:chatType", d.Sessions.ServeWs)

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	router.GET("/health/live", d.Health.Liveness)
	router.GET("/health/ready", d.Health.Readiness)

	api := router.Group("/api")
	if d.Limiter != nil {
		api.Use(d.Limiter.Middleware())
	}

	fr := friendsAPI{svc: d.Friends}
	friendsGroup := api.Group("/friends")
	{
		friendsGroup.GET("/health", d.Health.Friends)
		friendsGroup.GET("/:userId", fr.list)
		friendsGroup.GET("/:userId/friends", fr.list)
		friendsGroup.GET("/:userId/requests", fr.requests)
		friendsGroup.GET("/:userId/blocked", fr.blocked)
		friendsGroup.GET("/:userId/mutual", fr.mutual)
		friendsGroup.GET("/:userId/stats", fr.stats)
		friendsGroup.GET("/:userId/suggestions", fr.suggestions)
		friendsGroup.POST("/request/send", fr.sendRequest)
		friendsGroup.POST("/accept-request", fr.accept)
		friendsGroup.POST("/decline-request", fr.decline)
		friendsGroup.POST("/remove", fr.remove)
		friendsGroup.POST("/status", fr.status)
		friendsGroup.POST("/search", fr.search)
		friendsGroup.POST("/batch-status", fr.batchStatus)
		friendsGroup.POST("/block", fr.block)
		friendsGroup.POST("/unblock", fr.unblock)
	}

	pr := profileAPI{profiles: d.Profiles}
	profileGroup := api.Group("/profile")
	{
		profileGroup.GET("/:authId", pr.get)
		profileGroup.POST("/update", pr.update)
	}

	st := statsAPI{deps: d}
	api.GET("/match/stats", st.queue)
	api.GET("/stats", st.system)
	api.GET("/schema", schemaDocs)

	return router
}

// statsAPI exposes operational snapshots for dashboards.
type statsAPI struct {
	deps Deps
}

// queue serves GET /api/match/stats with matchmaker queue health.
func (s statsAPI) queue(c *gin.Context) {
	respond(c, http.StatusOK, s.deps.Matcher.Snapshot())
}

// system serves GET /api/stats with the cross-subsystem snapshot.
func (s statsAPI) system(c *gin.Context) {
	respond(c, http.StatusOK, gin.H{
		"sessions": s.deps.Sessions.Stats(),
		"queues":   s.deps.Matcher.Snapshot(),
		"profiles": s.deps.Profiles.Snapshot(),
	})
}

// schemaDocs serves the generated socket-event reference.
func schemaDocs(c *gin.Context) {
	c.Header("Content-Type", "text/markdown; charset=utf-8")
	c.String(http.StatusOK, schema.RenderDocs())
}
