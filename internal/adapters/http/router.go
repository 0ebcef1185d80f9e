package http

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/ringline/ringline/internal/adapters/signal"
	"github.com/ringline/ringline/internal/app"
	"github.com/ringline/ringline/internal/config"
)

func SetupRouter(ctx context.Context, cfg *config.Config, relay *app.Relay, ctrl *signal.Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("RinglineSessions", store))

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api")
	api.POST("/auth/guest", HandleGuestToken(cfg.Secret))

	authed := api.Group("", IdentityMiddleware(cfg.Secret))
	authed.GET("/online", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"identities": relay.Presence().Online()})
	})
	authed.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("identity", c.GetString("identity")).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	return r
}
