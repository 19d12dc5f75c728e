package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"k8s.io/klog/v2"

	"github.com/speakertune/backend/config"
	"github.com/speakertune/backend/internal/eventbus"
	"github.com/speakertune/backend/internal/handler"
	"github.com/speakertune/backend/internal/pkg/database"
	"github.com/speakertune/backend/internal/pkg/tokenizer"
	"github.com/speakertune/backend/internal/pkg/trainer"
	"github.com/speakertune/backend/internal/repository"
	"github.com/speakertune/backend/internal/router"
	"github.com/speakertune/backend/internal/service"
	"github.com/speakertune/backend/internal/service/orchestrator"
	"github.com/speakertune/backend/internal/subscriber"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径，默认读取 CONFIG_PATH 或 config.yaml")

	// 初始化 klog
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	klog.V(6).Info("服务启动中...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	for _, dir := range []string{cfg.Data.Dir, cfg.Data.StoredDir, cfg.Data.OutputDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("Failed to create directory %s: %v", dir, err)
		}
	}

	// 初始化数据库
	db, err := database.InitDB(cfg.Database.Type, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	// 分词器在启动时构建一次，之后只读
	tok, err := tokenizer.New(tokenizer.Options{
		Name:      cfg.Tokenizer.Name,
		BaseModel: cfg.Model.Name,
		PadToken:  cfg.Tokenizer.PadToken,
		MaxLength: cfg.Model.MaxLength,
		UseFast:   cfg.Tokenizer.UseFast,
	})
	if err != nil {
		log.Fatalf("Failed to initialize tokenizer: %v", err)
	}

	// 初始化 Repository
	recordRepo := repository.NewSpeakerRecordRepository(cfg.Data.StoredDir)
	runRepo := repository.NewTrainingRunRepository(db)
	statusRepo := repository.NewSpeakerStatusRepository(db)

	// 事件总线
	bus := eventbus.NewSpeakerEventBus()
	subscriber.NewSpeakerStatusSubscriber(statusRepo).Register(bus)

	// 初始化 Service
	runner := trainer.NewCommandRunner(cfg.Trainer.Command, cfg.Trainer.WorkDir, cfg.Trainer.Env, cfg.Trainer.Timeout)
	speakerService := service.NewSpeakerService(cfg, recordRepo, bus)
	trainingService := service.NewTrainingService(cfg, speakerService, tok, service.NewPromptBuilder(cfg.Prompt.Template), runner)
	runService := service.NewTrainingRunService(cfg, runRepo, speakerService, trainingService, bus)

	// 训练编排器，worker 数与训练准入一致
	orch, err := orchestrator.NewOrchestrator(cfg.Training.MaxConcurrent, cfg.Training.QueueSize, &runExecutorAdapter{runService: runService})
	if err != nil {
		log.Fatalf("Failed to initialize orchestrator: %v", err)
	}
	runService.SetOrchestrator(orch)
	orch.Start()
	defer orch.Stop(30 * time.Second)

	// 启动时清理上次进程遗留的运行
	cleanupStuckRuns(runService)

	// 初始化 Handler
	speakerHandler := handler.NewSpeakerHandler(speakerService, statusRepo)
	trainingHandler := handler.NewTrainingHandler(runService)
	configHandler := handler.NewConfigHandler(cfg)

	// 设置路由
	r := router.Setup(cfg, speakerHandler, trainingHandler, configHandler)

	log.Printf("Server starting on port %s...", cfg.Server.Port)
	if err := r.Run(":" + cfg.Server.Port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// cleanupStuckRuns 进程重启后队列为空，遗留的 queued/running 记录全部标记为失败
func cleanupStuckRuns(runService *service.TrainingRunService) {
	affected, err := runService.CleanupStuck(context.Background(), 0)
	if err != nil {
		klog.V(6).Infof("清理卡住的训练运行失败: %v", err)
		return
	}

	if affected > 0 {
		klog.V(6).Infof("启动时清理了 %d 个卡住的训练运行", affected)
	}
}
