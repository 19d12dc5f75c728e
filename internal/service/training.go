package service

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/speakertune/backend/config"
	"github.com/speakertune/backend/internal/domain"
	"github.com/speakertune/backend/internal/pkg/tokenizer"
	"github.com/speakertune/backend/internal/pkg/trainer"
	"github.com/speakertune/backend/internal/utils"
	"golang.org/x/sync/semaphore"
	"k8s.io/klog/v2"
)

// TrainResult 一次训练的产出
type TrainResult struct {
	OutputDir    string
	MessageCount int
	Duration     time.Duration
}

// TrainingService 读取说话人消息、准备数据集并驱动外部 LoRA 训练
// 训练准入由信号量控制，默认同一时间只允许一个训练占用设备
type TrainingService struct {
	cfg       *config.Config
	speakers  *SpeakerService
	tokenizer *tokenizer.Tokenizer
	prompts   *PromptBuilder
	runner    trainer.Runner
	gate      *semaphore.Weighted
}

func NewTrainingService(cfg *config.Config, speakers *SpeakerService, tok *tokenizer.Tokenizer, prompts *PromptBuilder, runner trainer.Runner) *TrainingService {
	slots := cfg.Training.MaxConcurrent
	if slots <= 0 {
		slots = 1
	}
	return &TrainingService{
		cfg:       cfg,
		speakers:  speakers,
		tokenizer: tok,
		prompts:   prompts,
		runner:    runner,
		gate:      semaphore.NewWeighted(int64(slots)),
	}
}

// Run 同步执行训练，返回适配器输出目录
func (s *TrainingService) Run(ctx context.Context, speaker string) (string, error) {
	result, err := s.Train(ctx, speaker)
	if err != nil {
		return "", err
	}
	return result.OutputDir, nil
}

// Train 说话人存储的错误原样返回，其余错误归为 training_failed
func (s *TrainingService) Train(ctx context.Context, speaker string) (*TrainResult, error) {
	messages, err := s.speakers.Load(ctx, speaker)
	if err != nil {
		return nil, err
	}

	if err := s.gate.Acquire(ctx, 1); err != nil {
		return nil, domain.TrainingFailure(err)
	}
	defer s.gate.Release(1)

	start := time.Now()
	klog.V(6).Infof("开始训练: speaker=%s, messages=%d", speaker, len(messages))

	outputDir, err := s.train(ctx, speaker, messages)
	if err != nil {
		klog.Errorf("训练失败: speaker=%s, error=%v", speaker, err)
		return nil, domain.TrainingFailure(err)
	}

	elapsed := time.Since(start)
	klog.V(6).Infof("训练完成: speaker=%s, output=%s, elapsed=%v", speaker, outputDir, elapsed)
	return &TrainResult{
		OutputDir:    outputDir,
		MessageCount: len(messages),
		Duration:     elapsed,
	}, nil
}

func (s *TrainingService) train(ctx context.Context, speaker string, messages []string) (string, error) {
	texts, err := s.prompts.BuildAll(ctx, speaker, messages)
	if err != nil {
		return "", err
	}

	outputDir := filepath.Join(s.cfg.Data.OutputDir, speaker)
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}
	if err := removeStaleArtifact(outputDir); err != nil {
		return "", err
	}

	datasetPath := filepath.Join(outputDir, trainer.DatasetFileName)
	if err := writeDataset(datasetPath, texts); err != nil {
		return "", fmt.Errorf("failed to write dataset: %w", err)
	}

	job, err := s.buildJob(speaker, datasetPath, outputDir, len(texts))
	if err != nil {
		return "", err
	}
	klog.V(6).Infof("训练作业: %s", utils.ToJSON(job))
	if err := s.runner.Run(ctx, job); err != nil {
		return "", err
	}
	return outputDir, nil
}

func (s *TrainingService) buildJob(speaker, datasetPath, outputDir string, numExamples int) (*trainer.Job, error) {
	absDataset, err := filepath.Abs(datasetPath)
	if err != nil {
		return nil, err
	}
	absOutput, err := filepath.Abs(outputDir)
	if err != nil {
		return nil, err
	}

	cfg := s.cfg
	return &trainer.Job{
		Speaker:     speaker,
		BaseModel:    cfg.Model.Name,
		Dataset:      absDataset,
		TextField:    "text",
		NumExamples:  numExamples,
		OutputDir:    absOutput,
		Save:         "adapter",
		Tokenization: s.tokenizer.Spec(),
		Quantization: trainer.Quantization{
			LoadIn4Bit:                  cfg.Model.LoadIn4Bit,
			LLMInt8EnableFP32CPUOffload: cfg.Model.LLMInt8EnableFP32CPUOffload,
			DeviceMap:                   cfg.Model.DeviceMap,
			PrepareForKbitTraining:      true,
		},
		LoRA: trainer.LoRA{
			R:             cfg.LoRA.R,
			Alpha:         cfg.LoRA.Alpha,
			TargetModules: cfg.LoRA.TargetModules,
			Dropout:       cfg.LoRA.Dropout,
		},
		Training: trainer.TrainingArguments{
			OutputDir:               absOutput,
			PerDeviceTrainBatchSize: cfg.Training.PerDeviceTrainBatchSize,
			NumTrainEpochs:          cfg.Training.NumTrainEpochs,
			LoggingSteps:            cfg.Training.LoggingSteps,
			SaveStrategy:            cfg.Training.SaveStrategy,
			FP16:                    cfg.Training.FP16,
			RemoveUnusedColumns:     cfg.Training.RemoveUnusedColumns,
			ReportTo:                cfg.Training.ReportTo,
		},
	}, nil
}

// writeDataset 每行一条文本，空文本也保留
func writeDataset(path string, texts []string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, text := range texts {
		if err := enc.Encode(domain.TrainingExample{Text: text}); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// removeStaleArtifact 清理上一次运行的适配器文件
func removeStaleArtifact(dir string) error {
	for _, name := range []string{trainer.AdapterConfigFile, "adapter_model.safetensors", "adapter_model.bin"} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
