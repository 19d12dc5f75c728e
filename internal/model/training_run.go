package model

import (
	"time"

	"gorm.io/gorm"
)

// MaxErrorMsgLength 错误信息保存上限（字符数）
const MaxErrorMsgLength = 2000

// TrainingRun 一次微调运行的记录
type TrainingRun struct {
	ID           uint       `json:"id" gorm:"primaryKey"`
	RunID        string     `json:"run_id" gorm:"size:64;uniqueIndex"` // UUID
	Speaker      string     `json:"speaker" gorm:"size:100;index;not null"`
	Status       string     `json:"status" gorm:"size:50;default:pending;index"` // pending, queued, running, succeeded, failed, canceled
	OutputDir    string     `json:"output_dir" gorm:"size:500"`
	ErrorKind    string     `json:"error_kind" gorm:"size:50"`
	ErrorMsg     string     `json:"error_msg" gorm:"type:text"`
	MessageCount int        `json:"message_count" gorm:"default:0"`
	StartedAt    *time.Time `json:"started_at" gorm:"column:started_at"`
	CompletedAt  *time.Time `json:"completed_at" gorm:"column:completed_at"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TableName 指定表名
func (TrainingRun) TableName() string {
	return "training_runs"
}

// BeforeSave GORM 钩子：截断过长的错误信息，保留开头
func (r *TrainingRun) BeforeSave(tx *gorm.DB) error {
	if runes := []rune(r.ErrorMsg); len(runes) > MaxErrorMsgLength {
		r.ErrorMsg = string(runes[:MaxErrorMsgLength-3]) + "..."
	}
	return nil
}

// BeforeUpdate GORM 钩子：更新前自动设置 UpdatedAt
func (r *TrainingRun) BeforeUpdate(tx *gorm.DB) error {
	r.UpdatedAt = time.Now()
	return nil
}
