package service

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/speakertune/backend/internal/domain"
	"github.com/speakertune/backend/internal/pkg/trainer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrainWritesDatasetAndJob(t *testing.T) {
	env := newTestEnv(t)
	env.upload(t, "User1", sampleDialog)

	outputDir, err := env.training.Run(context.Background(), "User1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(env.cfg.Data.OutputDir, "User1"), outputDir)

	f, err := os.Open(filepath.Join(outputDir, trainer.DatasetFileName))
	require.NoError(t, err)
	defer f.Close()

	var examples []domain.TrainingExample
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ex domain.TrainingExample
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ex))
		examples = append(examples, ex)
	}
	require.Equal(t, []domain.TrainingExample{
		{Text: "hello there"},
		{Text: "how are you doing"},
		{Text: ""},
	}, examples)

	jobs := env.runner.Jobs()
	require.Len(t, jobs, 1)
	job := jobs[0]
	assert.Equal(t, "User1", job.Speaker)
	assert.Equal(t, env.cfg.Model.Name, job.BaseModel)
	assert.Equal(t, 3, job.NumExamples)
	assert.Equal(t, "text", job.TextField)
	assert.Equal(t, "adapter", job.Save)
	assert.True(t, filepath.IsAbs(job.Dataset))
	assert.True(t, job.Quantization.LoadIn4Bit)
	assert.True(t, job.Quantization.PrepareForKbitTraining)
	assert.Equal(t, 8, job.LoRA.R)
	assert.Equal(t, 16, job.LoRA.Alpha)
	assert.Equal(t, []string{"q_proj", "v_proj"}, job.LoRA.TargetModules)
	assert.Equal(t, "no", job.Training.SaveStrategy)
	assert.Equal(t, []string{}, job.Training.ReportTo)
}

func TestTrainUsesBaseModelTokenizer(t *testing.T) {
	env := newTestEnv(t)
	env.upload(t, "User1", sampleDialog)

	_, err := env.training.Run(context.Background(), "User1")
	require.NoError(t, err)

	jobs := env.runner.Jobs()
	require.Len(t, jobs, 1)
	tok := jobs[0].Tokenization
	assert.Equal(t, env.cfg.Model.Name, tok.Tokenizer, "数据集必须由基座模型自己的分词器编码")
	assert.Equal(t, env.cfg.Model.MaxLength, tok.MaxLength)
	assert.Equal(t, "[PAD]", tok.PadToken)
	assert.Equal(t, "max_length", tok.Padding)
	assert.True(t, tok.Truncation)
	assert.True(t, tok.AddSpecialTokens, "空文本至少编码出 BOS")
	assert.True(t, tok.LabelsFromInputIDs)
	assert.True(t, tok.SaveWithAdapter)
}

func TestTrainPropagatesStoreErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.training.Run(ctx, "User1")
	assert.Equal(t, domain.KindRecordNotFound, domain.KindOf(err))

	env.upload(t, "User2", sampleDialog)
	env.upload(t, "User1", `{"dialog":[]}`)
	_, err = env.training.Run(ctx, "User1")
	assert.Equal(t, domain.KindEmptyRecord, domain.KindOf(err))

	_, err = env.training.Run(ctx, "User9")
	assert.Equal(t, domain.KindInvalidSpeaker, domain.KindOf(err))

	assert.Empty(t, env.runner.Jobs())
}

func TestTrainRunnerFailureIsOpaque(t *testing.T) {
	env := newTestEnv(t)
	env.runner.err = errors.New("CUDA out of memory")
	env.upload(t, "User2", sampleDialog)

	stale := filepath.Join(env.cfg.Data.OutputDir, "User2", trainer.AdapterConfigFile)
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0755))
	require.NoError(t, os.WriteFile(stale, []byte("{}"), 0644))

	_, err := env.training.Run(context.Background(), "User2")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTrainingFailed))
	assert.Equal(t, "CUDA out of memory", err.Error())

	_, statErr := os.Stat(stale)
	assert.True(t, os.IsNotExist(statErr), "上一次的适配器文件应被清理")
}

func TestTrainAppliesPromptTemplate(t *testing.T) {
	env := newTestEnv(t)
	env.training.prompts = NewPromptBuilder("{speaker} says {text}")
	env.upload(t, "User1", `{"dialog":[{"speaker":"User1","content":"hi"}]}`)

	outputDir, err := env.training.Run(context.Background(), "User1")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(outputDir, trainer.DatasetFileName))
	require.NoError(t, err)
	var ex domain.TrainingExample
	require.NoError(t, json.Unmarshal(data, &ex))
	assert.Equal(t, "User1 says hi", ex.Text)
}

func TestTrainCanceledWhileWaitingForSlot(t *testing.T) {
	env := newTestEnv(t)
	env.upload(t, "User1", sampleDialog)

	require.NoError(t, env.training.gate.Acquire(context.Background(), 1))
	defer env.training.gate.Release(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := env.training.Run(ctx, "User1")
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, domain.KindTrainingFailed, domain.KindOf(err))
	assert.Empty(t, env.runner.Jobs())
}

func TestPromptBuilderIdentity(t *testing.T) {
	b := NewPromptBuilder("")
	out, err := b.BuildAll(context.Background(), "User1", []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, out)
}
