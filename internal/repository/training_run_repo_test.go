package repository

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/speakertune/backend/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to connect database: %v", err)
	}
	if err := db.AutoMigrate(&model.TrainingRun{}, &model.SpeakerStatus{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func TestTrainingRunRepository_CreateGetList(t *testing.T) {
	repo := NewTrainingRunRepository(openTestDB(t))
	ctx := context.Background()

	runs := []model.TrainingRun{
		{RunID: "a", Speaker: "User1", Status: "pending"},
		{RunID: "b", Speaker: "User2", Status: "pending"},
		{RunID: "c", Speaker: "User1", Status: "pending"},
	}
	for i := range runs {
		require.NoError(t, repo.Create(ctx, &runs[i]))
	}

	got, err := repo.GetByRunID(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "User2", got.Speaker)

	list, err := repo.List(ctx, "User1", 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c", list[0].RunID, "应按 id 倒序")

	limited, err := repo.List(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	_, err = repo.Get(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = repo.GetByRunID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTrainingRunRepository_UpdateStatusIsConditional(t *testing.T) {
	repo := NewTrainingRunRepository(openTestDB(t))
	ctx := context.Background()

	run := &model.TrainingRun{RunID: "x", Speaker: "User1", Status: "queued"}
	require.NoError(t, repo.Create(ctx, run))

	ok, err := repo.UpdateStatus(ctx, run.ID, "queued", "running")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.UpdateStatus(ctx, run.ID, "queued", "canceled")
	require.NoError(t, err)
	assert.False(t, ok, "状态已变化时不应更新")

	active, err := repo.GetActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "running", active[0].Status)
}

func TestTrainingRunRepository_CleanupStuck(t *testing.T) {
	db := openTestDB(t)
	repo := NewTrainingRunRepository(db)
	ctx := context.Background()

	stale := &model.TrainingRun{RunID: "old", Speaker: "User1", Status: "running"}
	fresh := &model.TrainingRun{RunID: "new", Speaker: "User1", Status: "running"}
	require.NoError(t, repo.Create(ctx, stale))
	require.NoError(t, repo.Create(ctx, fresh))
	require.NoError(t, db.Model(&model.TrainingRun{}).Where("id = ?", stale.ID).
		UpdateColumn("updated_at", time.Now().Add(-time.Hour)).Error)

	affected, err := repo.CleanupStuck(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	got, err := repo.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, "failed", got.Status)
	assert.Equal(t, "training_failed", got.ErrorKind)
}

func TestSpeakerStatusRepository_Upsert(t *testing.T) {
	repo := NewSpeakerStatusRepository(openTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, "User1", map[string]interface{}{"message_count": 2, "stored_path": "stored/User1.json"}))
	require.NoError(t, repo.Upsert(ctx, "User1", map[string]interface{}{"last_run_status": "succeeded"}))

	status, err := repo.Get(ctx, "User1")
	require.NoError(t, err)
	assert.Equal(t, 2, status.MessageCount)
	assert.Equal(t, "stored/User1.json", status.StoredPath)
	assert.Equal(t, "succeeded", status.LastRunStatus)

	list, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = repo.Get(ctx, "User2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTrainingRunRepository_SaveTruncatesLongError(t *testing.T) {
	repo := NewTrainingRunRepository(openTestDB(t))
	ctx := context.Background()

	run := &model.TrainingRun{RunID: "long", Speaker: "User1", Status: "running"}
	require.NoError(t, repo.Create(ctx, run))

	run.Status = "failed"
	run.ErrorMsg = "trainer exited: exit status 1: " + strings.Repeat("Traceback 错误 ", 500)
	require.NoError(t, repo.Save(ctx, run))

	got, err := repo.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "failed", got.Status)
	assert.Len(t, []rune(got.ErrorMsg), model.MaxErrorMsgLength)
	assert.True(t, strings.HasPrefix(got.ErrorMsg, "trainer exited: exit status 1: "))
	assert.True(t, strings.HasSuffix(got.ErrorMsg, "..."))
}
