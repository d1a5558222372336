package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/ktbr/veil/internal/detect"
	"github.com/ktbr/veil/internal/ffmpeg"
	"github.com/ktbr/veil/internal/media"
	"github.com/ktbr/veil/internal/workspace"
)

// FailureKind is the single outcome category attached to a failed
// request. Every component error maps to exactly one kind.
type FailureKind string

const (
	FailureUnsupportedMedia    FailureKind = "unsupported_media_kind"
	FailureDetectorUnavailable FailureKind = "detector_unavailable"
	FailureFrameExtraction     FailureKind = "frame_extraction_failed"
	FailureReassembly          FailureKind = "reassembly_failed"
	FailureTimeout             FailureKind = "timeout"
	FailureWorkspace           FailureKind = "workspace_error"
	FailureCanceled            FailureKind = "canceled"
	FailureLimitExceeded       FailureKind = "limit_exceeded"
	FailureInternal            FailureKind = "internal"
)

// ErrLimit marks media rejected because it exceeds the configured size
// or duration limits.
var ErrLimit = errors.New("media exceeds limits")

// FailureKindOf maps a processing error to its failure kind. Context
// expiry wins over whatever error the dying subprocess produced, so a
// timeout mid-extraction reports as a timeout, not a corrupt source.
func FailureKindOf(ctx context.Context, err error) FailureKind {
	switch {
	case ctx != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		return FailureTimeout
	case ctx != nil && errors.Is(ctx.Err(), context.Canceled):
		return FailureCanceled
	case errors.Is(err, media.ErrUnsupported):
		return FailureUnsupportedMedia
	case errors.Is(err, detect.ErrUnavailable):
		return FailureDetectorUnavailable
	case errors.Is(err, ffmpeg.ErrExtraction):
		return FailureFrameExtraction
	case errors.Is(err, ffmpeg.ErrReassembly):
		return FailureReassembly
	case errors.Is(err, workspace.ErrWorkspace):
		return FailureWorkspace
	case errors.Is(err, ErrLimit):
		return FailureLimitExceeded
	default:
		return FailureInternal
	}
}

// UserMessage renders the one-line explanation shown to the requester.
// Diagnostic detail (transcoder stderr, inner errors) never reaches it.
func (k FailureKind) UserMessage() string {
	switch k {
	case FailureUnsupportedMedia:
		return "this file is neither a supported image nor a supported video"
	case FailureDetectorUnavailable:
		return "the face detector is not available, the service cannot process media"
	case FailureFrameExtraction:
		return "the video could not be read, it may be corrupt or use an unsupported format"
	case FailureReassembly:
		return "the processed video could not be assembled, please try again"
	case FailureTimeout:
		return "processing took too long and was stopped"
	case FailureWorkspace:
		return "the service could not allocate scratch storage, please try again"
	case FailureCanceled:
		return "processing was canceled"
	case FailureLimitExceeded:
		return "the file exceeds the size or duration limit"
	default:
		return "an internal error occurred"
	}
}

// Error wraps a component failure with its kind for the transport layer.
type Error struct {
	Kind FailureKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrapFailure(ctx context.Context, err error) *Error {
	return &Error{Kind: FailureKindOf(ctx, err), Err: err}
}
