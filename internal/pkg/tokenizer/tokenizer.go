package tokenizer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/speakertune/backend/internal/pkg/trainer"
	"k8s.io/klog/v2"
)

// 本地分词器目录中至少存在其一
var localTokenizerFiles = []string{"tokenizer.json", "tokenizer_config.json", "tokenizer.model"}

// Options 分词器参数
type Options struct {
	// Name 为空时使用基座模型
	Name      string
	BaseModel string
	PadToken  string
	MaxLength int
	UseFast   bool
}

// Tokenizer 基座模型分词器的使用约定，启动时构建一次，之后只读
// 实际编码由训练进程加载同名分词器完成，进程之间不共享分词器状态
type Tokenizer struct {
	name      string
	local     bool
	padToken  string
	maxLength int
	useFast   bool
}

// New 校验参数；Name 指向本地目录时要求目录中已有分词器文件
func New(opts Options) (*Tokenizer, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = strings.TrimSpace(opts.BaseModel)
	}
	if name == "" {
		return nil, fmt.Errorf("tokenizer name and base model are both empty")
	}
	if opts.MaxLength <= 0 {
		return nil, fmt.Errorf("max length must be positive, got %d", opts.MaxLength)
	}
	if opts.PadToken == "" {
		opts.PadToken = "[PAD]"
	}

	t := &Tokenizer{
		name:      name,
		padToken:  opts.PadToken,
		maxLength: opts.MaxLength,
		useFast:   opts.UseFast,
	}

	if info, err := os.Stat(name); err == nil && info.IsDir() {
		if !hasTokenizerFiles(name) {
			return nil, fmt.Errorf("no tokenizer files in %s, expected one of %v", name, localTokenizerFiles)
		}
		abs, err := filepath.Abs(name)
		if err != nil {
			return nil, err
		}
		t.name = abs
		t.local = true
	}

	klog.V(6).Infof("分词器: name=%s, local=%v, maxLength=%d, padToken=%s", t.name, t.local, t.maxLength, t.padToken)
	return t, nil
}

func (t *Tokenizer) Name() string {
	return t.name
}

func (t *Tokenizer) MaxLength() int {
	return t.maxLength
}

func (t *Tokenizer) PadToken() string {
	return t.padToken
}

// Spec 训练任务中的分词约定
// 保留特殊 token，空文本至少编码出 BOS
func (t *Tokenizer) Spec() trainer.Tokenization {
	return trainer.Tokenization{
		Tokenizer:          t.name,
		UseFast:            t.useFast,
		PadToken:           t.padToken,
		MaxLength:          t.maxLength,
		Padding:            "max_length",
		Truncation:         true,
		AddSpecialTokens:   true,
		LabelsFromInputIDs: true,
		SaveWithAdapter:    true,
	}
}

func hasTokenizerFiles(dir string) bool {
	for _, name := range localTokenizerFiles {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}
