package subscriber

import (
	"context"
	"fmt"

	"github.com/speakertune/backend/internal/eventbus"
	"github.com/speakertune/backend/internal/repository"
	"k8s.io/klog/v2"
)

// SpeakerStatusSubscriber 根据上传与训练事件维护说话人状态表
type SpeakerStatusSubscriber struct {
	statusRepo repository.SpeakerStatusRepository
}

func NewSpeakerStatusSubscriber(statusRepo repository.SpeakerStatusRepository) *SpeakerStatusSubscriber {
	return &SpeakerStatusSubscriber{statusRepo: statusRepo}
}

func (s *SpeakerStatusSubscriber) Register(bus *eventbus.SpeakerEventBus) {
	if bus == nil {
		return
	}
	bus.Subscribe(eventbus.SpeakerEventUploaded, s.handleUploaded)
	bus.Subscribe(eventbus.SpeakerEventTrainingSucceeded, s.handleTrainingSucceeded)
	bus.Subscribe(eventbus.SpeakerEventTrainingFailed, s.handleTrainingFailed)
}

func (s *SpeakerStatusSubscriber) handleUploaded(ctx context.Context, event eventbus.SpeakerEvent) error {
	return s.upsert(ctx, event, map[string]interface{}{
		"message_count":  event.MessageCount,
		"stored_path":    event.StoredPath,
		"last_upload_at": event.At,
	})
}

func (s *SpeakerStatusSubscriber) handleTrainingSucceeded(ctx context.Context, event eventbus.SpeakerEvent) error {
	return s.upsert(ctx, event, map[string]interface{}{
		"last_output_dir": event.OutputDir,
		"last_trained_at": event.At,
		"last_run_status": "succeeded",
		"last_error":      "",
	})
}

func (s *SpeakerStatusSubscriber) handleTrainingFailed(ctx context.Context, event eventbus.SpeakerEvent) error {
	status := event.RunStatus
	if status == "" {
		status = "failed"
	}
	return s.upsert(ctx, event, map[string]interface{}{
		"last_run_status": status,
		"last_error":      event.Error,
	})
}

func (s *SpeakerStatusSubscriber) upsert(ctx context.Context, event eventbus.SpeakerEvent, updates map[string]interface{}) error {
	if event.Speaker == "" {
		return fmt.Errorf("说话人为空")
	}
	if err := s.statusRepo.Upsert(ctx, event.Speaker, updates); err != nil {
		klog.Errorf("说话人状态更新失败: type=%s, speaker=%s, error=%v", event.Type, event.Speaker, err)
		return err
	}
	klog.V(6).Infof("说话人状态已更新: type=%s, speaker=%s", event.Type, event.Speaker)
	return nil
}
