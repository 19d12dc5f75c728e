package main

import (
	"context"

	"github.com/speakertune/backend/internal/service"
)

// runExecutorAdapter 将 TrainingRunService 适配为 RunExecutor 接口
// 避免 orchestrator 和 service 之间的循环依赖
type runExecutorAdapter struct {
	runService *service.TrainingRunService
}

// ExecuteRun 实现 orchestrator.RunExecutor 接口
func (a *runExecutorAdapter) ExecuteRun(ctx context.Context, runID uint) error {
	return a.runService.Execute(ctx, runID)
}
