package api

import (
	"errors"
	"fmt"

	"meshqueue/internal/services"
)

var (
	// ErrUploadTooLarge rejects inputs above api.max_upload_mb.
	ErrUploadTooLarge = fmt.Errorf("%w: upload exceeds size limit", services.ErrValidation)
	// ErrArtifactNotReady is returned when a stage has not produced output yet.
	ErrArtifactNotReady = fmt.Errorf("%w: artifact not ready", services.ErrNotFound)
	// ErrArtifactGone is returned when a recorded artifact is missing from the store.
	ErrArtifactGone = errors.New("artifact no longer available")
)
