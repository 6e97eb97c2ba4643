package handlers

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"

	"jobqueue/internal/handler"
	"jobqueue/internal/models"
)

const defaultThumbnailWidth = 300

type thumbnailPayload struct {
	Filepath   string `json:"filepath"`
	OutputPath string `json:"output_path"`
	Width      int    `json:"width"`
}

// Thumbnail writes a scaled-down copy of a local image next to the source
// unless an output path is given.
type Thumbnail struct {
	width int
}

func NewThumbnail() *Thumbnail {
	return &Thumbnail{width: defaultThumbnailWidth}
}

func (h *Thumbnail) decode(payload models.Payload) (thumbnailPayload, error) {
	p := thumbnailPayload{}
	if err := decodePayload(payload, &p); err != nil {
		return p, err
	}
	if p.Filepath == "" {
		return p, errors.New("filepath is required")
	}
	if p.Width < 0 {
		return p, errors.New("width must not be negative")
	}
	if p.Width > maxImageSide {
		return p, fmt.Errorf("width must be at most %d", maxImageSide)
	}
	if p.Width == 0 {
		p.Width = h.width
	}
	if p.OutputPath == "" {
		file := filepath.Base(p.Filepath)
		p.OutputPath = filepath.Join(filepath.Dir(p.Filepath), "thumb_"+file)
	}
	return p, nil
}

func (h *Thumbnail) Validate(payload models.Payload) error {
	_, err := h.decode(payload)
	return err
}

func (h *Thumbnail) Execute(ctx context.Context, payload models.Payload, progress handler.Progress) (any, error) {
	p, err := h.decode(payload)
	if err != nil {
		return nil, err
	}

	progress(20, "Reading source")
	in, err := os.Open(p.Filepath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("source image missing: %w", err)
		}
		return nil, fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	if err := checkSourceSize(in); err != nil {
		return nil, err
	}
	if _, err := in.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind source: %w", err)
	}
	src, _, err := image.Decode(in)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if src.Bounds().Dx() == 0 || src.Bounds().Dy() == 0 {
		return nil, errors.New("invalid image dimensions")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	progress(50, "Scaling")
	outW := float64(p.Width)
	outH := max(math.Round(float64(src.Bounds().Dy())*outW/float64(src.Bounds().Dx())), 1)
	if err := checkImageSize("thumbnail", outW, outH); err != nil {
		return nil, err
	}
	newWidth, newHeight := int(outW), int(outH)
	dst := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	progress(80, "Writing thumbnail")
	if err := os.MkdirAll(filepath.Dir(p.OutputPath), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	out, err := os.Create(p.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	defer out.Close()

	switch strings.ToLower(filepath.Ext(p.OutputPath)) {
	case ".png":
		err = png.Encode(out, dst)
	default:
		err = jpeg.Encode(out, dst, &jpeg.Options{Quality: 85})
	}
	if err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return map[string]any{"thumbnail_path": p.OutputPath, "width": newWidth, "height": newHeight}, nil
}
