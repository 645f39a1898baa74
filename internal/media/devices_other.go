//go:build !(linux && cgo)

package media

import (
	"context"
	"fmt"
	"log/slog"
)

// DeviceCapturer needs camera and microphone drivers that are only built on
// linux with cgo.
type DeviceCapturer struct {
	Logger *slog.Logger
}

func (DeviceCapturer) Capture(context.Context) (*Source, error) {
	return nil, fmt.Errorf("capture devices not supported in this build: %w", ErrMediaUnavailable)
}
