package routes

import (
	"net/http"

	"civicsync/controllers"
	"civicsync/middlewares"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// RouterOptions wires the HTTP layer to the engine.
type RouterOptions struct {
	Engine       controllers.Engine
	JWTSecret    string
	CreateLimit  gin.HandlerFunc
	AllowOrigins []string
	Log          zerolog.Logger
}

// NewRouter builds the gin engine with every route mounted.
func NewRouter(opts RouterOptions) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middlewares.RequestLogger(opts.Log))

	corsCfg := cors.DefaultConfig()
	if len(opts.AllowOrigins) > 0 {
		corsCfg.AllowOrigins = opts.AllowOrigins
		corsCfg.AllowCredentials = true
	} else {
		corsCfg.AllowAllOrigins = true
	}
	corsCfg.AddAllowHeaders("Authorization")
	r.Use(cors.New(corsCfg))

	IssueRoutes(r, controllers.NewIssueController(opts.Engine), middlewares.AuthMiddleware(opts.JWTSecret), opts.CreateLimit)
	ClusterRoutes(r, controllers.NewClusterController(opts.Engine))

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}
