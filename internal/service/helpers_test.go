package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/speakertune/backend/config"
	"github.com/speakertune/backend/internal/eventbus"
	"github.com/speakertune/backend/internal/pkg/tokenizer"
	"github.com/speakertune/backend/internal/pkg/trainer"
	"github.com/speakertune/backend/internal/repository"
	"github.com/stretchr/testify/require"
)

// fakeRunner 记录收到的作业并写出适配器文件
type fakeRunner struct {
	mu    sync.Mutex
	jobs  []*trainer.Job
	err   error
	block bool
}

func (r *fakeRunner) Run(ctx context.Context, job *trainer.Job) error {
	r.mu.Lock()
	r.jobs = append(r.jobs, job)
	r.mu.Unlock()

	if r.block {
		<-ctx.Done()
		return fmt.Errorf("trainer interrupted: %w", ctx.Err())
	}
	if r.err != nil {
		return r.err
	}
	if _, err := trainer.WriteJob(job); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(job.OutputDir, trainer.AdapterConfigFile), []byte("{}"), 0644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(job.OutputDir, "adapter_model.safetensors"), nil, 0644)
}

func (r *fakeRunner) Jobs() []*trainer.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*trainer.Job(nil), r.jobs...)
}

type testEnv struct {
	cfg      *config.Config
	bus      *eventbus.SpeakerEventBus
	speakers *SpeakerService
	training *TrainingService
	runner   *fakeRunner
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Default()
	root := t.TempDir()
	cfg.Data.Dir = root
	cfg.Data.StoredDir = filepath.Join(root, "stored")
	cfg.Data.OutputDir = filepath.Join(root, "output_lora")
	cfg.Model.MaxLength = 8

	tok, err := tokenizer.New(tokenizer.Options{
		BaseModel: cfg.Model.Name,
		PadToken:  "[PAD]",
		MaxLength: cfg.Model.MaxLength,
	})
	require.NoError(t, err)

	bus := eventbus.NewSpeakerEventBus()
	speakers := NewSpeakerService(cfg, repository.NewSpeakerRecordRepository(cfg.Data.StoredDir), bus)
	runner := &fakeRunner{}
	training := NewTrainingService(cfg, speakers, tok, NewPromptBuilder(""), runner)

	return &testEnv{
		cfg:      cfg,
		bus:      bus,
		speakers: speakers,
		training: training,
		runner:   runner,
	}
}

func (e *testEnv) upload(t *testing.T, speaker string, raw string) string {
	t.Helper()
	path, err := e.speakers.Ingest(context.Background(), []byte(raw), speaker)
	require.NoError(t, err)
	return path
}

const sampleDialog = `{"dialog":[
	{"speaker":"User1","content":"hello there"},
	{"speaker":"User2","content":"hi"},
	{"speaker":"User1","content":"how are you doing"},
	{"speaker":"User1"}
]}`
