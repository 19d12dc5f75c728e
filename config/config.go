package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Database  DatabaseConfig  `yaml:"database" json:"database"`
	Data      DataConfig      `yaml:"data" json:"data"`
	Model     ModelConfig     `yaml:"model" json:"model"`
	Speakers  SpeakersConfig  `yaml:"speakers" json:"speakers"`
	LoRA      LoRAConfig      `yaml:"lora" json:"lora"`
	Training  TrainingConfig  `yaml:"training" json:"training"`
	Trainer   TrainerConfig   `yaml:"trainer" json:"trainer"`
	Tokenizer TokenizerConfig `yaml:"tokenizer" json:"tokenizer"`
	Prompt    PromptConfig    `yaml:"prompt" json:"prompt"`
}

type ServerConfig struct {
	Port string `yaml:"port" json:"port"`
	Mode string `yaml:"mode" json:"mode"` // debug, release
}

type DatabaseConfig struct {
	Type string `yaml:"type" json:"type"` // sqlite, mysql
	DSN  string `yaml:"dsn" json:"-"`
}

type DataConfig struct {
	Dir       string `yaml:"dir" json:"dir"`
	StoredDir string `yaml:"stored_dir" json:"stored_dir"`
	OutputDir string `yaml:"output_dir" json:"output_dir"`
}

// ModelConfig 基座模型与量化加载参数
type ModelConfig struct {
	Name                        string `yaml:"name" json:"name"`
	MaxLength                   int    `yaml:"max_length" json:"max_length"`
	LoadIn4Bit                  bool   `yaml:"load_in_4bit" json:"load_in_4bit"`
	LLMInt8EnableFP32CPUOffload bool   `yaml:"llm_int8_enable_fp32_cpu_offload" json:"llm_int8_enable_fp32_cpu_offload"`
	DeviceMap                   string `yaml:"device_map" json:"device_map"`
}

type SpeakersConfig struct {
	Allowed []string `yaml:"allowed" json:"allowed"`
}

// LoRAConfig 低秩适配器超参数
type LoRAConfig struct {
	R             int      `yaml:"r" json:"r"`
	Alpha         int      `yaml:"lora_alpha" json:"lora_alpha"`
	TargetModules []string `yaml:"target_modules" json:"target_modules"`
	Dropout       float64  `yaml:"lora_dropout" json:"lora_dropout"`
}

// TrainingConfig 训练参数，字段名与外部训练工具链保持一致
type TrainingConfig struct {
	PerDeviceTrainBatchSize int      `yaml:"per_device_train_batch_size" json:"per_device_train_batch_size"`
	NumTrainEpochs          int      `yaml:"num_train_epochs" json:"num_train_epochs"`
	LoggingSteps            int      `yaml:"logging_steps" json:"logging_steps"`
	SaveStrategy            string   `yaml:"save_strategy" json:"save_strategy"`
	FP16                    bool     `yaml:"fp16" json:"fp16"`
	RemoveUnusedColumns     bool     `yaml:"remove_unused_columns" json:"remove_unused_columns"`
	ReportTo                []string `yaml:"report_to" json:"report_to"`
	MaxConcurrent           int      `yaml:"max_concurrent" json:"max_concurrent"`
	QueueSize               int      `yaml:"queue_size" json:"queue_size"`
}

// TrainerConfig 外部训练进程
type TrainerConfig struct {
	Command []string      `yaml:"command" json:"command"`
	WorkDir string        `yaml:"work_dir" json:"work_dir"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	Env     []string      `yaml:"env" json:"-"`
}

// TokenizerConfig Name 为空时使用 model.name 对应的分词器
type TokenizerConfig struct {
	Name     string `yaml:"name" json:"name"`
	PadToken string `yaml:"pad_token" json:"pad_token"`
	UseFast  bool   `yaml:"use_fast" json:"use_fast"`
}

// PromptConfig 为空时消息原样进入训练集
type PromptConfig struct {
	Template string `yaml:"template" json:"template"`
}

// Default 返回与参考部署一致的默认配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8000",
			Mode: "debug",
		},
		Database: DatabaseConfig{
			Type: "sqlite",
			DSN:  "./data/app.db",
		},
		Data: DataConfig{
			Dir:       "./data",
			StoredDir: "./stored",
			OutputDir: "./output_lora",
		},
		Model: ModelConfig{
			Name:                        "meta-llama/Meta-Llama-3-8B-Instruct",
			MaxLength:                   256,
			LoadIn4Bit:                  true,
			LLMInt8EnableFP32CPUOffload: true,
			DeviceMap:                   "auto",
		},
		Speakers: SpeakersConfig{
			Allowed: []string{"User1", "User2"},
		},
		LoRA: LoRAConfig{
			R:             8,
			Alpha:         16,
			TargetModules: []string{"q_proj", "v_proj"},
			Dropout:       0.1,
		},
		Training: TrainingConfig{
			PerDeviceTrainBatchSize: 1,
			NumTrainEpochs:          1,
			LoggingSteps:            1,
			SaveStrategy:            "no",
			FP16:                    true,
			RemoveUnusedColumns:     false,
			ReportTo:                []string{},
			MaxConcurrent:           1,
			QueueSize:               32,
		},
		Trainer: TrainerConfig{
			Command: []string{"python3", "-m", "speakertune_trainer"},
		},
		Tokenizer: TokenizerConfig{
			PadToken: "[PAD]",
		},
	}
}

// Load 按 默认值 -> 配置文件 -> .env -> 环境变量 的顺序构建配置
// path 为空时读取 CONFIG_PATH，仍为空则使用 config.yaml
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "config.yaml"
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	case os.IsNotExist(err):
		klog.V(6).Infof("配置文件不存在，使用默认配置: %s", path)
	default:
		return nil, err
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		klog.Warningf("加载 .env 失败: %v", err)
	}

	cfg.applyEnv()
	cfg.normalize()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		c.Server.Port = port
	}
	if mode := os.Getenv("GIN_MODE"); mode != "" {
		c.Server.Mode = mode
	}

	// 数据库环境变量
	if dbType := os.Getenv("DB_TYPE"); dbType != "" {
		c.Database.Type = dbType
	}
	if dbDSN := os.Getenv("DB_DSN"); dbDSN != "" {
		c.Database.DSN = dbDSN
	}

	// 数据目录环境变量
	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		c.Data.Dir = dataDir
	}
	if storedDir := os.Getenv("STORED_DIR"); storedDir != "" {
		c.Data.StoredDir = storedDir
	}
	if outputDir := os.Getenv("OUTPUT_DIR"); outputDir != "" {
		c.Data.OutputDir = outputDir
	}

	if name := os.Getenv("MODEL_NAME"); name != "" {
		c.Model.Name = name
	}
	if maxLength := os.Getenv("MAX_LENGTH"); maxLength != "" {
		if n, err := strconv.Atoi(maxLength); err == nil {
			c.Model.MaxLength = n
		} else {
			klog.Warningf("MAX_LENGTH 无效，忽略: %q", maxLength)
		}
	}
	if speakers := os.Getenv("VALID_SPEAKERS"); speakers != "" {
		c.Speakers.Allowed = splitList(speakers)
	}
	if name := os.Getenv("TOKENIZER_NAME"); name != "" {
		c.Tokenizer.Name = name
	}
	if command := os.Getenv("TRAINER_COMMAND"); command != "" {
		c.Trainer.Command = strings.Fields(command)
	}
}

func (c *Config) normalize() {
	if c.Data.StoredDir == "" {
		c.Data.StoredDir = filepath.Join(c.Data.Dir, "stored")
	}
	if c.Data.OutputDir == "" {
		c.Data.OutputDir = filepath.Join(c.Data.Dir, "output_lora")
	}
	if c.Training.MaxConcurrent <= 0 {
		c.Training.MaxConcurrent = 1
	}
	if c.Training.QueueSize <= 0 {
		c.Training.QueueSize = 32
	}
	if c.Training.ReportTo == nil {
		c.Training.ReportTo = []string{}
	}
}

func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
