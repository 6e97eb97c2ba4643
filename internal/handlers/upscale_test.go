package handlers

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobqueue/internal/handler"
	"jobqueue/internal/models"
)

func redPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func imageServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type progressLog struct {
	mu     sync.Mutex
	values []int
}

func (p *progressLog) report(percent int, _ string) {
	p.mu.Lock()
	p.values = append(p.values, percent)
	p.mu.Unlock()
}

func TestUpscaleFromURLGrayscale(t *testing.T) {
	srv := imageServer(t, redPNG(t, 10, 10))
	dir := t.TempDir()

	h, err := NewUpscale(context.Background(), ImageOptions{
		OutputDir:       dir,
		DownloadTimeout: 2 * time.Second,
		MaxBytes:        2 * 1024 * 1024,
	})
	require.NoError(t, err)

	var progress progressLog
	out, err := h.Execute(context.Background(), models.Payload{
		"source_url": srv.URL + "/photo.png",
		"grayscale":  true,
		"scale":      2,
		"output_key": "thumbs/test.png",
	}, progress.report)
	require.NoError(t, err)

	result := out.(map[string]any)
	assert.Equal(t, 20, result["width"])
	assert.Equal(t, filepath.Join(dir, "thumbs", "test.png"), result["output_path"])
	assert.IsNonDecreasing(t, progress.values)

	data, err := os.ReadFile(filepath.Join(dir, "thumbs", "test.png"))
	require.NoError(t, err)
	img, _, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 20, img.Bounds().Dx())
	r, g, b, _ := img.At(0, 0).RGBA()
	assert.True(t, r == g && g == b, "expected grayscale pixel, got r=%d g=%d b=%d", r, g, b)
}

func TestUpscaleFromPathWithExplicitSize(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in.png")
	require.NoError(t, os.WriteFile(src, redPNG(t, 8, 4), 0o644))

	h, err := NewUpscale(context.Background(), ImageOptions{OutputDir: dir})
	require.NoError(t, err)
	out, err := h.Execute(context.Background(), models.Payload{"source_path": src, "width": 16}, handler.NopProgress)
	require.NoError(t, err)

	result := out.(map[string]any)
	assert.Equal(t, 16, result["width"])
	assert.Equal(t, 8, result["height"])
	assert.Equal(t, filepath.Join(dir, "upscaled", "in_upscaled.png"), result["output_path"])
}

func TestUpscaleValidate(t *testing.T) {
	h, err := NewUpscale(context.Background(), ImageOptions{OutputDir: t.TempDir()})
	require.NoError(t, err)

	assert.Error(t, h.Validate(models.Payload{}))
	assert.Error(t, h.Validate(models.Payload{"source_path": "a.png", "destination": "s3"}))
	assert.Error(t, h.Validate(models.Payload{"source_path": "a.png", "scale": -1}))
	assert.NoError(t, h.Validate(models.Payload{"source_path": "a.png"}))
}

func TestUpscaleRejectsOversizedDownload(t *testing.T) {
	srv := imageServer(t, redPNG(t, 64, 64))
	h, err := NewUpscale(context.Background(), ImageOptions{OutputDir: t.TempDir(), MaxBytes: 16})
	require.NoError(t, err)

	_, err = h.Execute(context.Background(), models.Payload{"source_url": srv.URL}, handler.NopProgress)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestUpscaleUploadsToS3(t *testing.T) {
	var (
		mu      sync.Mutex
		gotPath string
		gotType string
		gotBody int
	)
	s3srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotPath = r.URL.Path
		gotType = r.Header.Get("Content-Type")
		gotBody = len(body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(s3srv.Close)

	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")

	src := imageServer(t, redPNG(t, 4, 4))
	h, err := NewUpscale(context.Background(), ImageOptions{
		OutputDir:   t.TempDir(),
		S3Bucket:    "media",
		S3Region:    "us-east-1",
		S3Endpoint:  s3srv.URL,
		S3PathStyle: true,
	})
	require.NoError(t, err)

	out, err := h.Execute(context.Background(), models.Payload{
		"source_url": src.URL,
		"output_key": "up/big.png",
	}, handler.NopProgress)
	require.NoError(t, err)
	assert.Equal(t, "s3://media/up/big.png", out.(map[string]any)["output_path"])

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, strings.HasSuffix(gotPath, "/media/up/big.png"), gotPath)
	assert.Equal(t, "image/png", gotType)
	assert.Positive(t, gotBody)
}

func TestSanitizeKeyStaysRelative(t *testing.T) {
	assert.Equal(t, "etc/passwd", sanitizeKey("../../etc/passwd"))
	assert.Equal(t, "a/b.png", sanitizeKey("/a/./b.png"))
}

func TestTargetSize(t *testing.T) {
	tests := []struct {
		name    string
		src     image.Rectangle
		p       upscalePayload
		w, h    int
		wantErr bool
	}{
		{name: "default factor", src: image.Rect(0, 0, 3, 2), w: 12, h: 8},
		{name: "scale", src: image.Rect(0, 0, 10, 5), p: upscalePayload{Scale: 1.5}, w: 15, h: 7},
		{name: "width keeps aspect", src: image.Rect(0, 0, 8, 4), p: upscalePayload{Width: 16}, w: 16, h: 8},
		{name: "height keeps aspect", src: image.Rect(0, 0, 8, 4), p: upscalePayload{Height: 2}, w: 4, h: 2},
		{name: "both sides", src: image.Rect(0, 0, 8, 4), p: upscalePayload{Width: 5, Height: 50}, w: 5, h: 50},
		{name: "width on tall source exceeds pixels", src: image.Rect(0, 0, 1, 2), p: upscalePayload{Width: 6000}, wantErr: true},
		{name: "huge width", src: image.Rect(0, 0, 1000, 1000), p: upscalePayload{Width: 100000}, wantErr: true},
		{name: "sides that wrap when multiplied", src: image.Rect(0, 0, 4, 4), p: upscalePayload{Width: 1 << 32, Height: 1 << 32}, wantErr: true},
		{name: "huge scale", src: image.Rect(0, 0, 100, 100), p: upscalePayload{Scale: 1e12}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h, err := targetSize(tt.src, tt.p)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "limit")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.w, w)
			assert.Equal(t, tt.h, h)
		})
	}
}

func TestUpscaleRejectsOversizedOutput(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "tall.png")
	require.NoError(t, os.WriteFile(src, redPNG(t, 1, 2), 0o644))

	h, err := NewUpscale(context.Background(), ImageOptions{OutputDir: dir})
	require.NoError(t, err)

	payload := models.Payload{"source_path": src, "width": 6000}
	require.NoError(t, h.Validate(payload))
	_, err = h.Execute(context.Background(), payload, handler.NopProgress)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "6000x12000")

	assert.Error(t, h.Validate(models.Payload{"source_path": src, "width": 100000}))
	assert.Error(t, h.Validate(models.Payload{"source_path": src, "width": 1 << 32, "height": 1 << 32}))
	assert.Error(t, h.Validate(models.Payload{"source_path": src, "width": 20000, "height": 20000}))
}

func TestCheckImageSize(t *testing.T) {
	assert.NoError(t, checkImageSize("output", 8192, 8192))
	assert.Error(t, checkImageSize("output", 0, 10))
	assert.Error(t, checkImageSize("output", maxImageSide+1, 1))
	assert.Error(t, checkImageSize("output", 10000, 10000))
}
