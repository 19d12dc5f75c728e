package repository

import (
	"context"
	"errors"
	"time"

	"github.com/speakertune/backend/internal/domain"
	"github.com/speakertune/backend/internal/model"
)

// ErrNotFound 记录不存在错误
var ErrNotFound = errors.New("record not found")

// SpeakerRecordRepository 说话人消息记录存储（每个说话人一个 JSON 文件）
type SpeakerRecordRepository interface {
	// Save 整体覆盖写入，返回写入路径
	Save(ctx context.Context, record *domain.SpeakerRecord) (string, error)
	// Get 不存在时返回 ErrNotFound
	Get(ctx context.Context, speaker string) (*domain.SpeakerRecord, error)
	Path(speaker string) string
}

type TrainingRunRepository interface {
	Create(ctx context.Context, run *model.TrainingRun) error
	Get(ctx context.Context, id uint) (*model.TrainingRun, error)
	GetByRunID(ctx context.Context, runID string) (*model.TrainingRun, error)
	List(ctx context.Context, speaker string, limit int) ([]model.TrainingRun, error)
	Save(ctx context.Context, run *model.TrainingRun) error
	UpdateStatus(ctx context.Context, id uint, from, to string) (bool, error)
	GetActive(ctx context.Context) ([]model.TrainingRun, error)
	CleanupStuck(ctx context.Context, timeout time.Duration) (int64, error)
}

type SpeakerStatusRepository interface {
	Upsert(ctx context.Context, speaker string, updates map[string]interface{}) error
	Get(ctx context.Context, speaker string) (*model.SpeakerStatus, error)
	List(ctx context.Context) ([]model.SpeakerStatus, error)
}
