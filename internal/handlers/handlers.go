// Package handlers holds the job types shipped with the server.
package handlers

import (
	"encoding/json"
	"fmt"
	"image"
	"io"

	"jobqueue/internal/handler"
	"jobqueue/internal/models"
)

const (
	TypeEcho      = "echo"
	TypeBatch     = "batch_process"
	TypeUpscale   = "upscale_image"
	TypeThumbnail = "thumbnail_generate"
)

// Image dimensions are capped on both the input and the output side. A
// decode or resize beyond these allocates enough to take the process down.
const (
	maxImageSide   = 1 << 15
	maxImagePixels = 64 << 20
)

// Register adds every built-in job type to reg.
func Register(reg *handler.Registry, upscale *Upscale) error {
	if err := reg.Register(TypeEcho, Echo{}); err != nil {
		return err
	}
	if err := reg.Register(TypeBatch, NewBatch(reg)); err != nil {
		return err
	}
	if err := reg.Register(TypeThumbnail, NewThumbnail()); err != nil {
		return err
	}
	if upscale != nil {
		if err := reg.Register(TypeUpscale, upscale); err != nil {
			return err
		}
	}
	return nil
}

// decodePayload maps the generic payload onto a typed struct.
func decodePayload(payload models.Payload, dst any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// checkImageSize rejects dimensions outside the side and pixel caps. Sizes
// are floats so an oversized request cannot wrap around.
func checkImageSize(what string, w, h float64) error {
	if w < 1 || h < 1 {
		return fmt.Errorf("%s %.0fx%.0f is empty", what, w, h)
	}
	if w > maxImageSide || h > maxImageSide || w*h > maxImagePixels {
		return fmt.Errorf("%s %.0fx%.0f exceeds the %d pixel limit", what, w, h, maxImagePixels)
	}
	return nil
}

// checkSourceSize reads only the image header.
func checkSourceSize(r io.Reader) error {
	cfg, _, err := image.DecodeConfig(r)
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}
	return checkImageSize("source", float64(cfg.Width), float64(cfg.Height))
}
