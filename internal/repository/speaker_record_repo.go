package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/speakertune/backend/internal/domain"
)

type speakerRecordRepository struct {
	baseDir string
}

// NewSpeakerRecordRepository 目录在首次写入时创建
func NewSpeakerRecordRepository(baseDir string) SpeakerRecordRepository {
	return &speakerRecordRepository{baseDir: baseDir}
}

func (r *speakerRecordRepository) Path(speaker string) string {
	return filepath.Join(r.baseDir, speaker+".json")
}

func (r *speakerRecordRepository) Save(ctx context.Context, record *domain.SpeakerRecord) (string, error) {
	if err := os.MkdirAll(r.baseDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create stored dir: %w", err)
	}

	messages := record.Messages
	if messages == nil {
		messages = []string{}
	}
	data, err := marshalRecord(&domain.SpeakerRecord{Speaker: record.Speaker, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("failed to marshal record: %w", err)
	}

	filePath := r.Path(record.Speaker)
	// 写入临时文件再重命名，读方不会看到半截文件
	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write tmp file: %w", err)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	return filePath, nil
}

func (r *speakerRecordRepository) Get(ctx context.Context, speaker string) (*domain.SpeakerRecord, error) {
	data, err := os.ReadFile(r.Path(speaker))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var record domain.SpeakerRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &record, nil
}

// marshalRecord 两空格缩进，非 ASCII 字符原样保留
func marshalRecord(record *domain.SpeakerRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(record); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
