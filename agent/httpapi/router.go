package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	metricsx "github.com/tanpawarit/agentloop/pkg/metrics"
)

type Config struct {
	Addr        string   `envconfig:"ADDR" default:":8080"`
	CORSOrigins []string `envconfig:"CORS_ORIGINS" split_words:"true" default:"*"`
	Debug       bool     `envconfig:"DEBUG" default:"false"`
}

func NewRouter(cfg Config, h *SessionHandler, metrics *metricsx.Metrics) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(corsConfig(cfg.CORSOrigins)))
	router.Use(requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := router.Group("/v1")
	{
		v1.POST("/sessions", h.CreateSession)
		v1.POST("/sessions/:id/messages", h.PostMessage)
		v1.GET("/sessions/:id/messages", h.GetMessages)
		v1.DELETE("/sessions/:id", h.CloseSession)
		v1.POST("/sessions/:id/cancel", h.CancelTurn)
		v1.POST("/sessions/:id/documents", h.IngestDocument)
	}
	return router
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		log.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("http request")
	}
}

func corsConfig(origins []string) cors.Config {
	conf := cors.Config{
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
	}
	if len(origins) == 0 {
		conf.AllowAllOrigins = true
		return conf
	}
	for _, o := range origins {
		if o == "*" {
			conf.AllowAllOrigins = true
			return conf
		}
	}
	conf.AllowOrigins = origins
	return conf
}
