package model

import "time"

// SpeakerStatus 说话人上传与训练的最新状态
type SpeakerStatus struct {
	ID            uint       `json:"id" gorm:"primaryKey"`
	Speaker       string     `json:"speaker" gorm:"size:100;uniqueIndex;not null"`
	MessageCount  int        `json:"message_count" gorm:"default:0"`
	StoredPath    string     `json:"stored_path" gorm:"size:500"`
	LastUploadAt  *time.Time `json:"last_upload_at"`
	LastOutputDir string     `json:"last_output_dir" gorm:"size:500"`
	LastTrainedAt *time.Time `json:"last_trained_at"`
	LastRunStatus string     `json:"last_run_status" gorm:"size:50"`
	LastError     string     `json:"last_error" gorm:"size:2000"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (SpeakerStatus) TableName() string {
	return "speaker_statuses"
}
