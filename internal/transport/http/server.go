package http

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"studymate/internal/bootstrap"
	"studymate/internal/transport/http/handler"
	"studymate/internal/transport/http/middleware"
)

func NewRouter(app *bootstrap.App) *gin.Engine {
	gin.SetMode(app.Config.App.GinMode)
	router := gin.New()
	router.Use(requestLogger(app.Logger), gin.Recovery())
	router.MaxMultipartMemory = int64(app.Config.App.MaxUploadMB) << 20

	healthHandler := handler.NewHealthHandler(app)
	router.GET("/healthz", healthHandler.Check)

	var queue handler.IngestQueue
	if q := app.IngestQueue(); q != nil {
		queue = q
	}
	ragHandler := handler.NewRAGHandler(app.RAG, queue, int64(app.Config.App.MaxUploadMB)<<20, app.Logger)

	v1 := router.Group("/api/v1")
	ragGroup := v1.Group("/rag")
	ragGroup.Use(middleware.AuthJWT(app.Config.Auth.JWTSecret))
	ragGroup.POST("/documents", ragHandler.UploadDocument)
	ragGroup.POST("/documents/text", ragHandler.CreateTextDocument)
	ragGroup.GET("/documents", ragHandler.ListDocuments)
	ragGroup.GET("/documents/:id", ragHandler.GetDocument)
	ragGroup.DELETE("/documents/:id", ragHandler.DeleteDocument)
	ragGroup.POST("/ask", ragHandler.Ask)
	ragGroup.GET("/index/stats", ragHandler.IndexStats)
	ragGroup.POST("/index/rebuild", ragHandler.RebuildIndex)

	return router
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
