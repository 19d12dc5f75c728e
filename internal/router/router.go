package router

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/speakertune/backend/config"
	"github.com/speakertune/backend/internal/handler"
)

func Setup(
	cfg *config.Config,
	speakerHandler *handler.SpeakerHandler,
	trainingHandler *handler.TrainingHandler,
	configHandler *handler.ConfigHandler,
) *gin.Engine {
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.Default()

	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))

	// 兼容原有客户端的两个入口
	r.POST("/upload-text", speakerHandler.UploadText)
	r.POST("/train", trainingHandler.Train)
	r.GET("/healthz", configHandler.Health)

	api := r.Group("/api")
	api.Use(gzip.Gzip(gzip.DefaultCompression))
	{
		speakers := api.Group("/speakers")
		{
			speakers.GET("", speakerHandler.List)
			speakers.GET("/:speaker/record", speakerHandler.GetRecord)
		}

		runs := api.Group("/training-runs")
		{
			runs.GET("/status", trainingHandler.QueueStatus) // 编排器队列状态
			runs.POST("", trainingHandler.Enqueue)
			runs.GET("", trainingHandler.List)
			runs.GET("/:id", trainingHandler.Get)
			runs.POST("/:id/cancel", trainingHandler.Cancel)
		}

		api.GET("/config", configHandler.Get)
	}

	return r
}
