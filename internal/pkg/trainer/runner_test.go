package trainer

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJob(t *testing.T) *Job {
	t.Helper()
	return &Job{
		Speaker:   "User1",
		BaseModel: "tiny",
		OutputDir: t.TempDir(),
		Save:      "adapter",
		Tokenization: Tokenization{
			Tokenizer:          "tiny",
			PadToken:           "[PAD]",
			MaxLength:          8,
			Padding:            "max_length",
			Truncation:         true,
			AddSpecialTokens:   true,
			LabelsFromInputIDs: true,
		},
		LoRA:      LoRA{R: 8, Alpha: 16, TargetModules: []string{"q_proj", "v_proj"}, Dropout: 0.1},
		Training:  TrainingArguments{PerDeviceTrainBatchSize: 1, NumTrainEpochs: 1, ReportTo: []string{}},
	}
}

// 以 sh 脚本模拟外部训练进程：$2 为 job.json 路径
const fakeTrainer = `d=$(dirname "$2"); echo "step 1 loss 1.0"; echo '{}' > "$d/adapter_config.json"; : > "$d/adapter_model.safetensors"`

func TestCommandRunnerWritesJobAndVerifiesArtifact(t *testing.T) {
	job := newJob(t)
	runner := NewCommandRunner([]string{"sh", "-c", fakeTrainer, "trainer"}, "", nil, 0)

	require.NoError(t, runner.Run(context.Background(), job))

	data, err := os.ReadFile(filepath.Join(job.OutputDir, JobFileName))
	require.NoError(t, err)
	var decoded Job
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "User1", decoded.Speaker)
	assert.Equal(t, []string{"q_proj", "v_proj"}, decoded.LoRA.TargetModules)
	assert.Equal(t, "adapter", decoded.Save)
	assert.Equal(t, "tiny", decoded.Tokenization.Tokenizer)
	assert.Equal(t, 8, decoded.Tokenization.MaxLength)
	assert.True(t, decoded.Tokenization.LabelsFromInputIDs)
}

func TestCommandRunnerNonZeroExit(t *testing.T) {
	job := newJob(t)
	runner := NewCommandRunner([]string{"sh", "-c", `echo "CUDA out of memory" >&2; exit 3`, "trainer"}, "", nil, 0)

	err := runner.Run(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CUDA out of memory")
}

func TestCommandRunnerMissingArtifact(t *testing.T) {
	job := newJob(t)
	runner := NewCommandRunner([]string{"sh", "-c", "true", "trainer"}, "", nil, 0)

	err := runner.Run(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), AdapterConfigFile)
}

func TestCommandRunnerTimeout(t *testing.T) {
	job := newJob(t)
	runner := NewCommandRunner([]string{"sh", "-c", "exec sleep 5", "trainer"}, "", nil, 100*time.Millisecond)

	start := time.Now()
	err := runner.Run(context.Background(), job)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestCommandRunnerDrainsOutputWithoutNewline(t *testing.T) {
	job := newJob(t)
	// 2MB 无换行的 stderr 输出，之后才写出适配器
	script := `head -c 2000000 /dev/zero | tr "\0" x >&2; ` + fakeTrainer
	runner := NewCommandRunner([]string{"sh", "-c", script, "trainer"}, "", nil, 0)

	done := make(chan error, 1)
	go func() { done <- runner.Run(context.Background(), job) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("runner blocked on trainer output")
	}
}

func TestCommandRunnerFailureMessageIsBounded(t *testing.T) {
	job := newJob(t)
	script := `i=0; while [ $i -lt 50 ]; do printf 'Traceback line %s %0300d\n' $i 0 >&2; i=$((i+1)); done; exit 1`
	runner := NewCommandRunner([]string{"sh", "-c", script, "trainer"}, "", nil, 0)

	err := runner.Run(context.Background(), job)
	require.Error(t, err)
	assert.LessOrEqual(t, len(err.Error()), maxTailBytes+100)
	assert.Contains(t, err.Error(), "Traceback line 49")
}

func TestSplitOutputLines(t *testing.T) {
	scanner := bufio.NewScanner(strings.NewReader("epoch 1\r 10%\r 20%\nloss 0.5"))
	scanner.Split(splitOutputLines)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, []string{"epoch 1", " 10%", " 20%", "loss 0.5"}, lines)

	long := strings.Repeat("x", maxLineBytes*2+10)
	scanner = bufio.NewScanner(strings.NewReader(long))
	scanner.Buffer(make([]byte, 0, 2*maxLineBytes), 2*maxLineBytes)
	scanner.Split(splitOutputLines)
	var sizes []int
	for scanner.Scan() {
		sizes = append(sizes, len(scanner.Text()))
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, []int{maxLineBytes, maxLineBytes, 10}, sizes)
}

func TestCommandRunnerNotConfigured(t *testing.T) {
	err := NewCommandRunner(nil, "", nil, 0).Run(context.Background(), newJob(t))
	assert.Error(t, err)
}

func TestVerifyArtifactAcceptsBinWeights(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, AdapterConfigFile), []byte("{}"), 0644))
	assert.Error(t, VerifyArtifact(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "adapter_model.bin"), nil, 0644))
	assert.NoError(t, VerifyArtifact(dir))
}

func TestTailBufferKeepsLastLines(t *testing.T) {
	b := newTailBuffer(2, 0)
	b.Add("a")
	b.Add("  ")
	b.Add("b")
	b.Add("c")
	assert.Equal(t, "b\nc", b.String())
}

func TestTailBufferCapsBytes(t *testing.T) {
	b := newTailBuffer(5, 8)
	b.Add("héllo wörld")
	out := b.String()
	assert.True(t, strings.HasPrefix(out, "..."))
	assert.True(t, utf8.ValidString(out))
	assert.True(t, strings.HasSuffix(out, "wörld"))
}
