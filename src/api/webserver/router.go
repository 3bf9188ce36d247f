package webserver

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stake-plus/govsignal/src/config"
	"github.com/stake-plus/govsignal/src/store"
)

func attachRoutes(r *gin.Engine, cfg config.APIConfig, s *store.Store, res Resolver, gatherer prometheus.Gatherer) {
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:  cfg.CORSOrigins,
			AllowMethods:  []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
			ExposeHeaders: []string{"Content-Length"},
		}))
	}

	polls := NewPolls(s)
	r.GET("/healthz", polls.Health)
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/v1")
	{
		v1.GET("/polls", polls.List)
		v1.GET("/polls/:id", polls.Get)
	}

	admin := v1.Group("/admin")
	admin.Use(JWTMiddleware([]byte(cfg.JWTSecret)))
	{
		adminH := NewAdmin(s, res)
		admin.GET("/intents", adminH.Intents)
		admin.POST("/intents/:proposalId/resolve", adminH.Resolve)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"err": "not found"})
	})
}
