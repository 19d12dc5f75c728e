package service

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
)

// PromptBuilder 将单条消息转换为训练文本
// 未配置模板时原样返回；模板使用 {speaker} 和 {text} 占位符
type PromptBuilder struct {
	template *prompt.DefaultChatTemplate
}

func NewPromptBuilder(tmpl string) *PromptBuilder {
	if tmpl == "" {
		return &PromptBuilder{}
	}
	return &PromptBuilder{
		template: prompt.FromMessages(schema.FString, schema.UserMessage(tmpl)),
	}
}

func (b *PromptBuilder) Build(ctx context.Context, speaker, text string) (string, error) {
	if b == nil || b.template == nil {
		return text, nil
	}
	messages, err := b.template.Format(ctx, map[string]any{
		"speaker": speaker,
		"text":    text,
	})
	if err != nil {
		return "", fmt.Errorf("format prompt: %w", err)
	}
	if len(messages) == 0 {
		return "", fmt.Errorf("format prompt: empty result")
	}
	return messages[0].Content, nil
}

// BuildAll 保持顺序
func (b *PromptBuilder) BuildAll(ctx context.Context, speaker string, texts []string) ([]string, error) {
	out := make([]string, 0, len(texts))
	for _, text := range texts {
		built, err := b.Build(ctx, speaker, text)
		if err != nil {
			return nil, err
		}
		out = append(out, built)
	}
	return out, nil
}
