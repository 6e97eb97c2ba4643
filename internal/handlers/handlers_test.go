package handlers

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobqueue/internal/handler"
	"jobqueue/internal/models"
)

func TestRegisterBuiltins(t *testing.T) {
	reg := handler.NewRegistry()
	up, err := NewUpscale(context.Background(), ImageOptions{OutputDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, Register(reg, up))
	assert.Equal(t, []string{TypeBatch, TypeEcho, TypeThumbnail, TypeUpscale}, reg.Types())

	err = Register(reg, up)
	assert.True(t, errors.Is(err, models.ErrDuplicateType))
}

func TestEcho(t *testing.T) {
	out, err := Echo{}.Execute(context.Background(), models.Payload{"msg": "hi"}, handler.NopProgress)
	require.NoError(t, err)
	assert.Equal(t, "hi", out)
	assert.Error(t, Echo{}.Validate(models.Payload{}))
}

func TestBatchRunsEachItem(t *testing.T) {
	reg := handler.NewRegistry()
	require.NoError(t, Register(reg, nil))
	batch, err := reg.Resolve(TypeBatch)
	require.NoError(t, err)

	var progress progressLog
	out, err := batch.Execute(context.Background(), models.Payload{
		"job_type": TypeEcho,
		"items":    []any{map[string]any{"msg": "a"}, map[string]any{"msg": "b"}},
	}, progress.report)
	require.NoError(t, err)

	result := out.(map[string]any)
	assert.Equal(t, 2, result["count"])
	assert.Equal(t, []any{"a", "b"}, result["results"])
	assert.Equal(t, []int{50, 100}, progress.values)
}

func TestBatchValidate(t *testing.T) {
	reg := handler.NewRegistry()
	require.NoError(t, Register(reg, nil))
	b := NewBatch(reg)

	assert.Error(t, b.Validate(models.Payload{}))
	assert.Error(t, b.Validate(models.Payload{"job_type": TypeBatch}))
	assert.True(t, errors.Is(b.Validate(models.Payload{"job_type": "missing"}), models.ErrHandlerMissing))
	assert.Error(t, b.Validate(models.Payload{"job_type": TypeEcho, "items": []any{map[string]any{}}}))
	assert.NoError(t, b.Validate(models.Payload{"job_type": TypeEcho, "items": []any{map[string]any{"msg": 1}}}))
}

func TestBatchStopsWhenCancelled(t *testing.T) {
	reg := handler.NewRegistry()
	require.NoError(t, Register(reg, nil))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewBatch(reg).Execute(ctx, models.Payload{
		"job_type": TypeEcho,
		"items":    []any{map[string]any{"msg": "a"}},
	}, handler.NopProgress)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestThumbnail(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "photo.png")
	require.NoError(t, os.WriteFile(src, redPNG(t, 40, 20), 0o644))

	out, err := NewThumbnail().Execute(context.Background(), models.Payload{"filepath": src, "width": 10}, handler.NopProgress)
	require.NoError(t, err)

	result := out.(map[string]any)
	want := filepath.Join(dir, "thumb_photo.png")
	assert.Equal(t, want, result["thumbnail_path"])

	f, err := os.Open(want)
	require.NoError(t, err)
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Width)
	assert.Equal(t, 5, cfg.Height)
}

func TestThumbnailRejectsOversizedOutput(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "tall.png")
	require.NoError(t, os.WriteFile(src, redPNG(t, 1, 10), 0o644))

	th := NewThumbnail()
	_, err := th.Execute(context.Background(), models.Payload{"filepath": src, "width": 30000}, handler.NopProgress)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit")
	assert.NoFileExists(t, filepath.Join(dir, "thumb_tall.png"))

	assert.Error(t, th.Validate(models.Payload{"filepath": src, "width": 100000}))
}

func TestThumbnailMissingSource(t *testing.T) {
	_, err := NewThumbnail().Execute(context.Background(), models.Payload{"filepath": filepath.Join(t.TempDir(), "nope.png")}, handler.NopProgress)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Error(t, NewThumbnail().Validate(models.Payload{}))
}
