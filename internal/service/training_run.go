package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/speakertune/backend/config"
	"github.com/speakertune/backend/internal/domain"
	"github.com/speakertune/backend/internal/eventbus"
	"github.com/speakertune/backend/internal/model"
	"github.com/speakertune/backend/internal/repository"
	"github.com/speakertune/backend/internal/service/orchestrator"
	"github.com/speakertune/backend/internal/service/statemachine"
	"k8s.io/klog/v2"
)

// ErrRunNotFound 训练运行不存在
var ErrRunNotFound = errors.New("training run not found")

// ErrRunNotCancelable 运行已结束，无法取消
var ErrRunNotCancelable = errors.New("training run is not cancelable")

// TrainingRunService 异步训练运行：入队、执行、查询与取消
type TrainingRunService struct {
	cfg          *config.Config
	runRepo      repository.TrainingRunRepository
	speakers     *SpeakerService
	training     *TrainingService
	bus          *eventbus.SpeakerEventBus
	stateMachine *statemachine.RunStateMachine
	orchestrator *orchestrator.Orchestrator

	// inline 同步运行的取消函数
	inline     map[uint]context.CancelFunc
	inlineLock sync.Mutex
}

func NewTrainingRunService(cfg *config.Config, runRepo repository.TrainingRunRepository, speakers *SpeakerService, training *TrainingService, bus *eventbus.SpeakerEventBus) *TrainingRunService {
	return &TrainingRunService{
		cfg:          cfg,
		runRepo:      runRepo,
		speakers:     speakers,
		training:     training,
		bus:          bus,
		stateMachine: statemachine.NewRunStateMachine(),
		inline:       make(map[uint]context.CancelFunc),
	}
}

// SetOrchestrator 设置编排器
// 编排器依赖本服务作为执行器，需在构造后注入
func (s *TrainingRunService) SetOrchestrator(o *orchestrator.Orchestrator) {
	s.orchestrator = o
}

// Enqueue 创建运行记录并提交到编排器
func (s *TrainingRunService) Enqueue(ctx context.Context, speaker string) (*model.TrainingRun, error) {
	if err := s.speakers.Validate(speaker); err != nil {
		return nil, err
	}
	if s.orchestrator == nil {
		return nil, orchestrator.ErrOrchestratorStopped
	}

	run := &model.TrainingRun{
		RunID:   uuid.NewString(),
		Speaker: speaker,
		Status:  string(statemachine.RunStatusPending),
	}
	if err := s.runRepo.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("创建训练运行失败: %w", err)
	}

	// 状态迁移: pending -> queued
	if err := s.transition(ctx, run, statemachine.RunStatusQueued); err != nil {
		return nil, err
	}

	job := orchestrator.NewRunJob(run.ID, speaker, s.cfg.Trainer.Timeout)
	if err := s.orchestrator.EnqueueJob(job); err != nil {
		s.finish(ctx, run, statemachine.RunStatusFailed, "", domain.TrainingFailure(err))
		return nil, fmt.Errorf("训练运行入队失败: %w", err)
	}

	klog.V(6).Infof("训练运行已入队: id=%d, runID=%s, speaker=%s", run.ID, run.RunID, speaker)
	return run, nil
}

// RunNow 同步训练：记录运行并在当前请求内执行，返回最终的运行记录
// 开始后不随调用方的 ctx 取消，只能通过 Cancel 中止
func (s *TrainingRunService) RunNow(ctx context.Context, speaker string) (*model.TrainingRun, error) {
	ctx = context.WithoutCancel(ctx)

	if err := s.speakers.Validate(speaker); err != nil {
		return nil, err
	}

	run := &model.TrainingRun{
		RunID:   uuid.NewString(),
		Speaker: speaker,
		Status:  string(statemachine.RunStatusPending),
	}
	if err := s.runRepo.Create(ctx, run); err != nil {
		return nil, domain.TrainingFailure(fmt.Errorf("创建训练运行失败: %w", err))
	}
	if err := s.transition(ctx, run, statemachine.RunStatusQueued); err != nil {
		return nil, domain.TrainingFailure(err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.inlineLock.Lock()
	s.inline[run.ID] = cancel
	s.inlineLock.Unlock()
	defer func() {
		s.inlineLock.Lock()
		delete(s.inline, run.ID)
		s.inlineLock.Unlock()
		cancel()
	}()

	execErr := s.Execute(runCtx, run.ID)

	final, err := s.runRepo.Get(ctx, run.ID)
	if err != nil {
		final = run
	}
	if execErr != nil {
		return final, domain.TrainingFailure(execErr)
	}
	return final, nil
}

// Execute 执行训练运行（由编排器调用）
func (s *TrainingRunService) Execute(ctx context.Context, id uint) error {
	run, err := s.runRepo.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("获取训练运行失败: %w", err)
	}

	// 状态迁移: queued -> running，排队期间被取消的运行直接跳过
	if err := s.stateMachine.Transition(statemachine.RunStatus(run.Status), statemachine.RunStatusRunning, run.RunID); err != nil {
		klog.Warningf("跳过训练运行: id=%d, status=%s", id, run.Status)
		return nil
	}
	ok, err := s.runRepo.UpdateStatus(ctx, id, run.Status, string(statemachine.RunStatusRunning))
	if err != nil {
		return fmt.Errorf("更新训练运行状态失败: %w", err)
	}
	if !ok {
		klog.Warningf("训练运行状态已变化，跳过: id=%d", id)
		return nil
	}

	now := time.Now()
	run.Status = string(statemachine.RunStatusRunning)
	run.StartedAt = &now
	if err := s.runRepo.Save(ctx, run); err != nil {
		klog.Warningf("保存训练开始时间失败: id=%d, error=%v", id, err)
	}

	result, trainErr := s.training.Train(ctx, run.Speaker)

	// 训练结束后的落库不受取消影响
	persistCtx := context.WithoutCancel(ctx)
	switch {
	case trainErr == nil:
		run.MessageCount = result.MessageCount
		s.finish(persistCtx, run, statemachine.RunStatusSucceeded, result.OutputDir, nil)
		return nil
	case errors.Is(trainErr, context.Canceled):
		s.finish(persistCtx, run, statemachine.RunStatusCanceled, "", trainErr)
		return trainErr
	default:
		s.finish(persistCtx, run, statemachine.RunStatusFailed, "", trainErr)
		return trainErr
	}
}

// finish 写入终止态并发布事件
func (s *TrainingRunService) finish(ctx context.Context, run *model.TrainingRun, to statemachine.RunStatus, outputDir string, runErr error) {
	if err := s.stateMachine.Transition(statemachine.RunStatus(run.Status), to, run.RunID); err != nil {
		klog.Errorf("训练运行终止态迁移失败: id=%d, error=%v", run.ID, err)
		return
	}

	now := time.Now()
	run.Status = string(to)
	run.CompletedAt = &now
	run.OutputDir = outputDir
	run.ErrorKind = ""
	run.ErrorMsg = ""
	if runErr != nil {
		run.ErrorKind = string(domain.KindOf(runErr))
		run.ErrorMsg = runErr.Error()
	}
	if err := s.runRepo.Save(ctx, run); err != nil {
		klog.Errorf("保存训练运行结果失败: id=%d, error=%v", run.ID, err)
	}

	event := eventbus.SpeakerEvent{
		Speaker:      run.Speaker,
		MessageCount: run.MessageCount,
		OutputDir:    outputDir,
		RunID:        run.RunID,
		RunStatus:    run.Status,
		ErrorKind:    run.ErrorKind,
		Error:        run.ErrorMsg,
		At:           now,
	}
	if to == statemachine.RunStatusSucceeded {
		event.Type = eventbus.SpeakerEventTrainingSucceeded
	} else {
		event.Type = eventbus.SpeakerEventTrainingFailed
	}
	if err := s.bus.Publish(ctx, event); err != nil {
		klog.Warningf("训练事件处理失败: runID=%s, error=%v", run.RunID, err)
	}
}

func (s *TrainingRunService) transition(ctx context.Context, run *model.TrainingRun, to statemachine.RunStatus) error {
	from := statemachine.RunStatus(run.Status)
	if err := s.stateMachine.Transition(from, to, run.RunID); err != nil {
		return err
	}
	ok, err := s.runRepo.UpdateStatus(ctx, run.ID, string(from), string(to))
	if err != nil {
		return fmt.Errorf("更新训练运行状态失败: %w", err)
	}
	if !ok {
		return &statemachine.InvalidStateTransitionError{From: string(from), To: string(to)}
	}
	run.Status = string(to)
	return nil
}

// Get 获取单个训练运行
func (s *TrainingRunService) Get(ctx context.Context, id uint) (*model.TrainingRun, error) {
	run, err := s.runRepo.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrRunNotFound
	}
	return run, err
}

func (s *TrainingRunService) GetByRunID(ctx context.Context, runID string) (*model.TrainingRun, error) {
	run, err := s.runRepo.GetByRunID(ctx, runID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrRunNotFound
	}
	return run, err
}

// List speaker 为空时列出全部
func (s *TrainingRunService) List(ctx context.Context, speaker string, limit int) ([]model.TrainingRun, error) {
	if speaker != "" {
		if err := s.speakers.Validate(speaker); err != nil {
			return nil, err
		}
	}
	return s.runRepo.List(ctx, speaker, limit)
}

// Cancel 运行中的训练通过编排器取消，排队中的直接标记为 canceled
func (s *TrainingRunService) Cancel(ctx context.Context, id uint) (*model.TrainingRun, error) {
	run, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	status := statemachine.RunStatus(run.Status)
	if !statemachine.IsActive(status) {
		return nil, ErrRunNotCancelable
	}

	if s.cancelInline(id) || (s.orchestrator != nil && s.orchestrator.CancelRun(id)) {
		klog.V(6).Infof("已发送取消信号: id=%d, runID=%s", id, run.RunID)
		return run, nil
	}

	if status == statemachine.RunStatusQueued {
		ok, err := s.runRepo.UpdateStatus(ctx, id, string(status), string(statemachine.RunStatusCanceled))
		if err != nil {
			return nil, err
		}
		if ok {
			now := time.Now()
			run.Status = string(statemachine.RunStatusCanceled)
			run.CompletedAt = &now
			run.ErrorMsg = "canceled before start"
			if err := s.runRepo.Save(ctx, run); err != nil {
				klog.Warningf("保存取消结果失败: id=%d, error=%v", id, err)
			}
			return run, nil
		}
	}
	return nil, ErrRunNotCancelable
}

func (s *TrainingRunService) cancelInline(id uint) bool {
	s.inlineLock.Lock()
	cancel, ok := s.inline[id]
	s.inlineLock.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// CleanupStuck 启动时将超时的 queued/running 运行标记为失败
func (s *TrainingRunService) CleanupStuck(ctx context.Context, timeout time.Duration) (int64, error) {
	active, err := s.runRepo.GetActive(ctx)
	if err != nil {
		return 0, err
	}
	if len(active) == 0 {
		return 0, nil
	}
	affected, err := s.runRepo.CleanupStuck(ctx, timeout)
	if err != nil {
		return 0, err
	}
	if affected > 0 {
		klog.Warningf("已清理卡住的训练运行: count=%d, timeout=%v", affected, timeout)
	}
	return affected, nil
}

// QueueStatus 编排器未启动时返回空状态
func (s *TrainingRunService) QueueStatus() *orchestrator.QueueStatus {
	if s.orchestrator == nil {
		return &orchestrator.QueueStatus{}
	}
	return s.orchestrator.GetQueueStatus()
}
