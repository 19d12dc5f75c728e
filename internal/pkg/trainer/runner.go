package trainer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"k8s.io/klog/v2"
)

const (
	JobFileName     = "job.json"
	DatasetFileName = "train.jsonl"

	AdapterConfigFile = "adapter_config.json"
)

const (
	// maxLineBytes 单行输出上限，超过按此长度切开
	maxLineBytes = 4 * 1024
	// maxTailBytes 失败信息中保留的输出尾部上限
	maxTailBytes = 1024
	tailLines    = 20
)

// adapterWeightFiles 任一存在即视为权重已写出
var adapterWeightFiles = []string{"adapter_model.safetensors", "adapter_model.bin"}

// Tokenization 训练进程用基座模型自带的分词器处理数据集
// 每条文本独立编码，截断并填充到 MaxLength，labels 等于 input_ids
type Tokenization struct {
	Tokenizer          string `json:"tokenizer"` // from_pretrained 的模型名或本地目录
	UseFast            bool   `json:"use_fast"`
	PadToken           string `json:"pad_token"` // 分词器没有 pad token 时注册
	MaxLength          int    `json:"max_length"`
	Padding            string `json:"padding"`
	Truncation         bool   `json:"truncation"`
	AddSpecialTokens   bool   `json:"add_special_tokens"`
	LabelsFromInputIDs bool   `json:"labels_from_input_ids"`
	SaveWithAdapter    bool   `json:"save_with_adapter"`
}

// Quantization 4bit 量化加载参数
type Quantization struct {
	LoadIn4Bit                  bool   `json:"load_in_4bit"`
	LLMInt8EnableFP32CPUOffload bool   `json:"llm_int8_enable_fp32_cpu_offload"`
	DeviceMap                   string `json:"device_map"`
	PrepareForKbitTraining      bool   `json:"prepare_for_kbit_training"`
}

type LoRA struct {
	R             int      `json:"r"`
	Alpha         int      `json:"lora_alpha"`
	TargetModules []string `json:"target_modules"`
	Dropout       float64  `json:"lora_dropout"`
}

type TrainingArguments struct {
	OutputDir               string   `json:"output_dir"`
	PerDeviceTrainBatchSize int      `json:"per_device_train_batch_size"`
	NumTrainEpochs          int      `json:"num_train_epochs"`
	LoggingSteps            int      `json:"logging_steps"`
	SaveStrategy            string   `json:"save_strategy"`
	FP16                    bool     `json:"fp16"`
	RemoveUnusedColumns     bool     `json:"remove_unused_columns"`
	ReportTo                []string `json:"report_to"`
}

// Job 交给外部训练进程的完整任务描述
type Job struct {
	Speaker      string            `json:"speaker"`
	BaseModel    string            `json:"base_model"`
	Dataset      string            `json:"dataset"`
	TextField    string            `json:"text_field"`
	NumExamples  int               `json:"num_examples"`
	OutputDir    string            `json:"output_dir"`
	Save         string            `json:"save"` // adapter: 只保存适配器权重
	Tokenization Tokenization      `json:"tokenization"`
	Quantization Quantization      `json:"quantization"`
	LoRA         LoRA              `json:"lora"`
	Training     TrainingArguments `json:"training"`
}

// Runner 执行一次训练任务，返回前保证适配器已写出
type Runner interface {
	Run(ctx context.Context, job *Job) error
}

// CommandRunner 通过子进程调用外部训练工具链
type CommandRunner struct {
	Command []string
	WorkDir string
	Env     []string
	// Timeout 为 0 时不限时
	Timeout time.Duration
}

func NewCommandRunner(command []string, workDir string, env []string, timeout time.Duration) *CommandRunner {
	return &CommandRunner{
		Command: command,
		WorkDir: workDir,
		Env:     env,
		Timeout: timeout,
	}
}

// WriteJob 将任务描述写入 job.OutputDir
func WriteJob(job *Job) (string, error) {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(job.OutputDir, JobFileName)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", err
	}
	return path, nil
}

func (r *CommandRunner) Run(ctx context.Context, job *Job) error {
	if len(r.Command) == 0 {
		return errors.New("trainer command is not configured")
	}

	jobPath, err := WriteJob(job)
	if err != nil {
		return fmt.Errorf("failed to write job file: %w", err)
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	args := append(append([]string{}, r.Command[1:]...), "--job", jobPath)
	cmd := exec.CommandContext(ctx, r.Command[0], args...)
	if r.WorkDir != "" {
		cmd.Dir = r.WorkDir
	}
	cmd.Env = append(os.Environ(), r.Env...)
	cmd.Env = append(cmd.Env, "PYTHONUNBUFFERED=1")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	klog.V(6).Infof("启动训练进程: speaker=%s, cmd=%s", job.Speaker, strings.Join(cmd.Args, " "))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start trainer: %w", err)
	}

	tail := newTailBuffer(tailLines, maxTailBytes)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		streamLines(stdout, job.Speaker, nil)
	}()
	go func() {
		defer wg.Done()
		streamLines(stderr, job.Speaker, tail)
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("trainer interrupted: %w", ctxErr)
		}
		if msg := tail.String(); msg != "" {
			return fmt.Errorf("trainer exited: %v: %s", err, msg)
		}
		return fmt.Errorf("trainer exited: %w", err)
	}

	return VerifyArtifact(job.OutputDir)
}

// VerifyArtifact 检查适配器配置和权重是否都已写出
func VerifyArtifact(dir string) error {
	if _, err := os.Stat(filepath.Join(dir, AdapterConfigFile)); err != nil {
		return fmt.Errorf("adapter artifact missing %s in %s", AdapterConfigFile, dir)
	}
	for _, name := range adapterWeightFiles {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return nil
		}
	}
	return fmt.Errorf("adapter weights missing in %s", dir)
}

// streamLines 按 \n 或 \r 切行写入日志，读到 EOF 为止
// 子进程输出不能停止读取，否则会阻塞在写管道上
func streamLines(r io.Reader, speaker string, tail *tailBuffer) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 2*maxLineBytes), 2*maxLineBytes)
	scanner.Split(splitOutputLines)
	for scanner.Scan() {
		line := strings.ToValidUTF8(scanner.Text(), "")
		if strings.TrimSpace(line) == "" {
			continue
		}
		klog.V(6).Infof("[trainer %s] %s", speaker, line)
		if tail != nil {
			tail.Add(line)
		}
	}
	if err := scanner.Err(); err != nil {
		klog.Warningf("读取训练进程输出失败: speaker=%s, error=%v", speaker, err)
	}
	_, _ = io.Copy(io.Discard, r)
}

// splitOutputLines 进度条只用 \r 刷新，同样视为行尾；无换行的长输出按 maxLineBytes 切块
func splitOutputLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 && i <= maxLineBytes {
		return i + 1, data[:i], nil
	}
	if len(data) >= maxLineBytes {
		return maxLineBytes, data[:maxLineBytes], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// tailBuffer 保留最后若干行输出，总长度按字节截断，用于错误信息
type tailBuffer struct {
	mu       sync.Mutex
	max      int
	maxBytes int
	lines    []string
}

func newTailBuffer(max, maxBytes int) *tailBuffer {
	return &tailBuffer{max: max, maxBytes: maxBytes}
}

func (b *tailBuffer) Add(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if len(b.lines) > b.max {
		b.lines = b.lines[len(b.lines)-b.max:]
	}
}

// String 超出 maxBytes 时保留末尾，从合法的 UTF-8 边界开始
func (b *tailBuffer) String() string {
	b.mu.Lock()
	out := strings.Join(b.lines, "\n")
	b.mu.Unlock()
	if b.maxBytes <= 0 || len(out) <= b.maxBytes {
		return out
	}
	out = out[len(out)-b.maxBytes:]
	for len(out) > 0 && !utf8.RuneStart(out[0]) {
		out = out[1:]
	}
	return "..." + out
}
