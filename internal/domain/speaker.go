package domain

import (
	"encoding/json"
)

// DialogTurn 对话中的一轮发言
// 字段保留原始 JSON，缺失或类型不符时由调用方决定如何处理
type DialogTurn struct {
	Speaker json.RawMessage `json:"speaker"`
	Content json.RawMessage `json:"content"`
}

// SpeakerName 仅当 speaker 为字符串时返回 ok
func (t DialogTurn) SpeakerName() (string, bool) {
	if len(t.Speaker) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(t.Speaker, &s); err != nil {
		return "", false
	}
	return s, true
}

// Text 返回发言内容，缺失或为 null 时为空串，非字符串按 JSON 文本返回
func (t DialogTurn) Text() string {
	if len(t.Content) == 0 || string(t.Content) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(t.Content, &s); err == nil {
		return s
	}
	return string(t.Content)
}

// SpeakerRecord 单个说话人的持久化消息集合
type SpeakerRecord struct {
	Speaker  string   `json:"speaker"`
	Messages []string `json:"messages"`
}

// TrainingExample 数据集中的一行，由训练进程按分词约定编码为定长样本
type TrainingExample struct {
	Text string `json:"text"`
}
