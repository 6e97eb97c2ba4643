package handlers

import (
	"context"
	"errors"

	"jobqueue/internal/handler"
	"jobqueue/internal/models"
)

// Echo returns payload.msg unchanged.
type Echo struct{}

func (Echo) Execute(ctx context.Context, payload models.Payload, progress handler.Progress) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	progress(50, "echoing")
	return payload["msg"], nil
}

func (Echo) Validate(payload models.Payload) error {
	if _, ok := payload["msg"]; !ok {
		return errors.New("msg is required")
	}
	return nil
}
