package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/duke-git/lancet/v2/slice"
	"github.com/gabriel-vasile/mimetype"
	"github.com/speakertune/backend/config"
	"github.com/speakertune/backend/internal/domain"
	"github.com/speakertune/backend/internal/eventbus"
	"github.com/speakertune/backend/internal/repository"
	"k8s.io/klog/v2"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// SpeakerService 校验说话人、过滤对话并持久化单人消息
type SpeakerService struct {
	allowed []string
	repo    repository.SpeakerRecordRepository
	bus     *eventbus.SpeakerEventBus
	locks   *speakerLocks
}

func NewSpeakerService(cfg *config.Config, repo repository.SpeakerRecordRepository, bus *eventbus.SpeakerEventBus) *SpeakerService {
	return &SpeakerService{
		allowed: append([]string(nil), cfg.Speakers.Allowed...),
		repo:    repo,
		bus:     bus,
		locks:   newSpeakerLocks(),
	}
}

// Allowed 返回允许的说话人列表副本
func (s *SpeakerService) Allowed() []string {
	return append([]string(nil), s.allowed...)
}

// Validate 说话人不在白名单时返回 InvalidSpeaker
func (s *SpeakerService) Validate(speaker string) error {
	if !slice.Contain(s.allowed, speaker) {
		return domain.NewError(domain.KindInvalidSpeaker, "speaker must be one of %v", s.allowed)
	}
	return nil
}

// Ingest 解析上传的对话，保留指定说话人的消息并整体覆盖写入
func (s *SpeakerService) Ingest(ctx context.Context, raw []byte, speaker string) (string, error) {
	turns, err := parseDialog(raw)
	if err != nil {
		return "", err
	}

	if err := s.Validate(speaker); err != nil {
		return "", err
	}

	messages := filterMessages(turns, speaker)

	lock := s.locks.get(speaker)
	lock.Lock()
	path, err := s.repo.Save(ctx, &domain.SpeakerRecord{Speaker: speaker, Messages: messages})
	lock.Unlock()
	if err != nil {
		return "", err
	}

	klog.V(6).Infof("说话人消息已保存: speaker=%s, turns=%d, messages=%d, path=%s", speaker, len(turns), len(messages), path)

	if err := s.bus.Publish(ctx, eventbus.SpeakerEvent{
		Type:         eventbus.SpeakerEventUploaded,
		Speaker:      speaker,
		MessageCount: len(messages),
		StoredPath:   path,
		At:           time.Now(),
	}); err != nil {
		klog.Warningf("上传事件处理失败: speaker=%s, error=%v", speaker, err)
	}

	return path, nil
}

// Record 读取完整记录，空消息列表不视为错误
func (s *SpeakerService) Record(ctx context.Context, speaker string) (*domain.SpeakerRecord, error) {
	if err := s.Validate(speaker); err != nil {
		return nil, err
	}

	lock := s.locks.get(speaker)
	lock.RLock()
	record, err := s.repo.Get(ctx, speaker)
	lock.RUnlock()
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.NewError(domain.KindRecordNotFound,
				"Stored messages for %s not found. Upload them first via /upload-text", speaker)
		}
		return nil, err
	}
	if record.Messages == nil {
		record.Messages = []string{}
	}
	return record, nil
}

// Load 返回用于训练的消息，记录为空时返回 EmptyRecord
func (s *SpeakerService) Load(ctx context.Context, speaker string) ([]string, error) {
	record, err := s.Record(ctx, speaker)
	if err != nil {
		return nil, err
	}
	if len(record.Messages) == 0 {
		return nil, domain.NewError(domain.KindEmptyRecord, "No messages found to train on")
	}
	return record.Messages, nil
}

// parseDialog 校验 JSON 并取出 dialog 数组，非对象的元素被忽略
func parseDialog(raw []byte) ([]domain.DialogTurn, error) {
	raw = bytes.TrimPrefix(raw, utf8BOM)

	if !isText(raw) || !json.Valid(raw) {
		return nil, domain.NewError(domain.KindMalformedInput, "Invalid JSON file")
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, domain.NewError(domain.KindMalformedInput, `JSON must contain a "dialog" array`)
	}
	dialog, ok := payload["dialog"]
	if !ok {
		return nil, domain.NewError(domain.KindMalformedInput, `JSON must contain a "dialog" array`)
	}
	dialog = bytes.TrimSpace(dialog)
	if len(dialog) == 0 || dialog[0] != '[' {
		return nil, domain.NewError(domain.KindMalformedInput, `JSON must contain a "dialog" array`)
	}

	var items []json.RawMessage
	if err := json.Unmarshal(dialog, &items); err != nil {
		return nil, domain.NewError(domain.KindMalformedInput, `JSON must contain a "dialog" array`)
	}

	turns := make([]domain.DialogTurn, 0, len(items))
	for _, item := range items {
		var turn domain.DialogTurn
		if err := json.Unmarshal(item, &turn); err != nil {
			continue
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

func filterMessages(turns []domain.DialogTurn, speaker string) []string {
	messages := make([]string, 0, len(turns))
	for _, turn := range turns {
		if name, ok := turn.SpeakerName(); ok && name == speaker {
			messages = append(messages, turn.Text())
		}
	}
	return messages
}

// isText 二进制上传直接拒绝
func isText(raw []byte) bool {
	for m := mimetype.Detect(raw); m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

// speakerLocks 每个说话人一把读写锁，说话人集合由白名单限定
type speakerLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

func newSpeakerLocks() *speakerLocks {
	return &speakerLocks{locks: make(map[string]*sync.RWMutex)}
}

func (l *speakerLocks) get(speaker string) *sync.RWMutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[speaker]
	if !ok {
		lock = &sync.RWMutex{}
		l.locks[speaker] = lock
	}
	return lock
}
