package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"jobqueue/internal/handler"
	"jobqueue/internal/models"
)

const defaultUpscaleFactor = 4.0

// ImageOptions configures the upscale_image handler.
type ImageOptions struct {
	OutputDir       string
	S3Bucket        string
	S3Region        string
	S3Endpoint      string
	S3PathStyle     bool
	MaxBytes        int64
	DownloadTimeout time.Duration
	DefaultWidth    int
	DefaultHeight   int
}

type imageUploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Upscale resizes an image from a URL or local path and stores the result
// locally or in S3.
type Upscale struct {
	opts       ImageOptions
	httpClient *http.Client
	local      imageUploader
	s3         imageUploader
}

type upscalePayload struct {
	SourceURL   string  `json:"source_url"`
	SourcePath  string  `json:"source_path"`
	Scale       float64 `json:"scale"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	Grayscale   bool    `json:"grayscale"`
	OutputKey   string  `json:"output_key"`
	Destination string  `json:"destination"`
}

// NewUpscale constructs the handler and an S3 uploader when a bucket is configured.
func NewUpscale(ctx context.Context, opts ImageOptions) (*Upscale, error) {
	if opts.DownloadTimeout == 0 {
		opts.DownloadTimeout = 30 * time.Second
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "./output"
	}
	if opts.MaxBytes == 0 {
		opts.MaxBytes = 25 * 1024 * 1024
	}

	var s3Upload imageUploader
	if opts.S3Bucket != "" {
		client, err := newS3Client(ctx, opts)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: opts.S3Bucket}
	}

	return &Upscale{
		opts:       opts,
		httpClient: &http.Client{Timeout: opts.DownloadTimeout},
		local:      &localUploader{baseDir: opts.OutputDir},
		s3:         s3Upload,
	}, nil
}

func newS3Client(ctx context.Context, opts ImageOptions) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.S3Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.S3Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.S3Endpoint)
		}
		o.UsePathStyle = opts.S3PathStyle
	}), nil
}

func (h *Upscale) decode(payload models.Payload) (upscalePayload, error) {
	p := upscalePayload{Width: h.opts.DefaultWidth, Height: h.opts.DefaultHeight}
	if err := decodePayload(payload, &p); err != nil {
		return p, err
	}
	if p.SourceURL == "" && p.SourcePath == "" {
		return p, errors.New("source_url or source_path is required")
	}
	if p.Scale < 0 || p.Width < 0 || p.Height < 0 {
		return p, errors.New("scale, width and height must not be negative")
	}
	if p.Width > maxImageSide || p.Height > maxImageSide {
		return p, fmt.Errorf("width and height must be at most %d", maxImageSide)
	}
	if p.Scale == 0 && p.Width > 0 && p.Height > 0 {
		if err := checkImageSize("output", float64(p.Width), float64(p.Height)); err != nil {
			return p, err
		}
	}
	if p.Destination == "" {
		p.Destination = "local"
		if h.s3 != nil {
			p.Destination = "s3"
		}
	}
	if _, err := h.pickUploader(p.Destination); err != nil {
		return p, err
	}
	return p, nil
}

func (h *Upscale) Validate(payload models.Payload) error {
	_, err := h.decode(payload)
	return err
}

// Execute loads, transforms and uploads a single image.
func (h *Upscale) Execute(ctx context.Context, payload models.Payload, progress handler.Progress) (any, error) {
	p, err := h.decode(payload)
	if err != nil {
		return nil, err
	}

	progress(10, "Loading image")
	data, contentType, err := h.load(ctx, p)
	if err != nil {
		return nil, err
	}
	if err := checkSourceSize(bytes.NewReader(data)); err != nil {
		return nil, err
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	progress(30, "Upscaling image")
	width, height, err := targetSize(img.Bounds(), p)
	if err != nil {
		return nil, err
	}
	if p.Grayscale {
		img = imaging.Grayscale(img)
	}
	img = imaging.Resize(img, width, height, imaging.Lanczos)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	progress(70, "Encoding image")
	outputFormat := chooseFormat(p.OutputKey, format, contentType)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, outputFormat, imaging.JPEGQuality(90)); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}

	outputKey := p.OutputKey
	if outputKey == "" {
		outputKey = fmt.Sprintf("upscaled/%s_upscaled.%s", sourceStem(p), formatExtension(outputFormat))
	}
	outputKey = sanitizeKey(outputKey)

	progress(90, "Uploading image")
	uploader, err := h.pickUploader(p.Destination)
	if err != nil {
		return nil, err
	}
	location, err := uploader.Upload(ctx, outputKey, buf.Bytes(), mimeForFormat(outputFormat, contentType))
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}

	bounds := img.Bounds()
	return map[string]any{
		"output_path": location,
		"width":       bounds.Dx(),
		"height":      bounds.Dy(),
	}, nil
}

// targetSize prefers explicit dimensions, then a scale factor, then the
// default factor. A single explicit side keeps the source aspect ratio.
func targetSize(src image.Rectangle, p upscalePayload) (int, int, error) {
	sw, sh := float64(src.Dx()), float64(src.Dy())
	if sw == 0 || sh == 0 {
		return 0, 0, errors.New("invalid image dimensions")
	}
	var w, h float64
	switch {
	case p.Scale == 0 && p.Width > 0 && p.Height > 0:
		w, h = float64(p.Width), float64(p.Height)
	case p.Scale == 0 && p.Width > 0:
		w = float64(p.Width)
		h = math.Round(sh * w / sw)
	case p.Scale == 0 && p.Height > 0:
		h = float64(p.Height)
		w = math.Round(sw * h / sh)
	default:
		scale := p.Scale
		if scale == 0 {
			scale = defaultUpscaleFactor
		}
		w, h = math.Floor(sw*scale), math.Floor(sh*scale)
	}
	w, h = max(w, 1), max(h, 1)
	if err := checkImageSize("output", w, h); err != nil {
		return 0, 0, err
	}
	return int(w), int(h), nil
}

func (h *Upscale) load(ctx context.Context, p upscalePayload) ([]byte, string, error) {
	if p.SourceURL != "" {
		return h.download(ctx, p.SourceURL)
	}
	f, err := os.Open(p.SourcePath)
	if err != nil {
		return nil, "", fmt.Errorf("open source: %w", err)
	}
	defer f.Close()
	body, err := readLimited(f, h.opts.MaxBytes)
	return body, "", err
}

func (h *Upscale) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download image: status %d", resp.StatusCode)
	}
	body, err := readLimited(resp.Body, h.opts.MaxBytes)
	if err != nil {
		return nil, "", err
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("image too large (>%d bytes)", limit)
	}
	return body, nil
}

func (h *Upscale) pickUploader(destination string) (imageUploader, error) {
	switch strings.ToLower(destination) {
	case "s3":
		if h.s3 != nil {
			return h.s3, nil
		}
		return nil, errors.New("destination s3 requested but IMAGE_S3_BUCKET is not configured")
	case "local":
		return h.local, nil
	}
	return nil, fmt.Errorf("unknown destination %q", destination)
}

func sourceStem(p upscalePayload) string {
	src := p.SourcePath
	if src == "" {
		src = p.SourceURL
		if i := strings.IndexAny(src, "?#"); i >= 0 {
			src = src[:i]
		}
	}
	stem := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	if stem == "" || stem == "." || stem == "/" {
		return "image"
	}
	return stem
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	case imaging.TIFF:
		return "tiff"
	default:
		return "jpg"
	}
}

func chooseFormat(outputKey, decodeFormat, contentType string) imaging.Format {
	switch strings.ToLower(filepath.Ext(outputKey)) {
	case ".png":
		return imaging.PNG
	case ".jpg", ".jpeg":
		return imaging.JPEG
	}
	switch strings.ToLower(decodeFormat) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func mimeForFormat(format imaging.Format, fallback string) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	case imaging.TIFF:
		return "image/tiff"
	}
	if strings.Contains(strings.ToLower(fallback), "png") {
		return "image/png"
	}
	return "image/jpeg"
}

// sanitizeKey keeps keys relative so local writes stay under the output dir.
func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean("/" + key))
	return strings.TrimPrefix(key, "/")
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
