package repository

import (
	"context"
	"errors"

	"github.com/speakertune/backend/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type speakerStatusRepository struct {
	db *gorm.DB
}

func NewSpeakerStatusRepository(db *gorm.DB) SpeakerStatusRepository {
	return &speakerStatusRepository{db: db}
}

// Upsert 按 speaker 插入或更新指定列
func (r *speakerStatusRepository) Upsert(ctx context.Context, speaker string, updates map[string]interface{}) error {
	row := &model.SpeakerStatus{Speaker: speaker}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "speaker"}},
			DoNothing: true,
		}).Create(row).Error; err != nil {
			return err
		}
		return tx.Model(&model.SpeakerStatus{}).
			Where("speaker = ?", speaker).
			Updates(updates).Error
	})
}

func (r *speakerStatusRepository) Get(ctx context.Context, speaker string) (*model.SpeakerStatus, error) {
	var status model.SpeakerStatus
	err := r.db.WithContext(ctx).Where("speaker = ?", speaker).First(&status).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &status, nil
}

func (r *speakerStatusRepository) List(ctx context.Context) ([]model.SpeakerStatus, error) {
	var statuses []model.SpeakerStatus
	err := r.db.WithContext(ctx).Order("speaker ASC").Find(&statuses).Error
	return statuses, err
}
