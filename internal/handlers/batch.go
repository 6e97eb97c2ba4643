package handlers

import (
	"context"
	"errors"
	"fmt"

	"jobqueue/internal/handler"
	"jobqueue/internal/models"
)

type batchPayload struct {
	JobType string           `json:"job_type"`
	Items   []models.Payload `json:"items"`
}

// Batch runs another registered job type once per item, in order, inside a
// single job.
type Batch struct {
	registry *handler.Registry
}

func NewBatch(reg *handler.Registry) *Batch {
	return &Batch{registry: reg}
}

func (b *Batch) decode(payload models.Payload) (batchPayload, handler.Handler, error) {
	var p batchPayload
	if err := decodePayload(payload, &p); err != nil {
		return p, nil, err
	}
	if p.JobType == "" {
		return p, nil, errors.New("job_type is required")
	}
	if p.JobType == TypeBatch {
		return p, nil, errors.New("batches cannot nest")
	}
	h, err := b.registry.Resolve(p.JobType)
	if err != nil {
		return p, nil, err
	}
	return p, h, nil
}

func (b *Batch) Validate(payload models.Payload) error {
	p, h, err := b.decode(payload)
	if err != nil {
		return err
	}
	if v, ok := h.(handler.Validator); ok {
		for i, item := range p.Items {
			if err := v.Validate(item); err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}
		}
	}
	return nil
}

func (b *Batch) Execute(ctx context.Context, payload models.Payload, progress handler.Progress) (any, error) {
	p, h, err := b.decode(payload)
	if err != nil {
		return nil, err
	}
	results := make([]any, 0, len(p.Items))
	for i, item := range p.Items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := h.Execute(ctx, item, handler.NopProgress)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		results = append(results, out)
		progress((i+1)*100/len(p.Items), fmt.Sprintf("Processing %d/%d", i+1, len(p.Items)))
	}
	return map[string]any{"results": results, "count": len(results)}, nil
}
