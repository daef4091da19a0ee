package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatwiki/backend/internal/auth"
	"chatwiki/backend/internal/httpapi/handlers"
	"chatwiki/backend/internal/httpapi/middleware"
)

type Deps struct {
	Signer *auth.Signer
	Auth   *auth.Handler
	Pages  *handlers.PageHandler
	// websocket 入口，nil 时不挂 /ws
	WS gin.HandlerFunc
}

func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestLogger(), gin.Recovery())

	r.Use(cors.New(cors.Config{
		// 允许任意来源（包含 file:// 场景的 Origin: null）
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	d.Auth.Register(r.Group("/v1/auth"))

	v1 := r.Group("/v1")
	v1.Use(middleware.AuthMiddleware(d.Signer))
	d.Pages.Register(v1)

	if d.WS != nil {
		r.GET("/ws", middleware.AuthMiddleware(d.Signer), d.WS)
	}
	return r
}
