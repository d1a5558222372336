// Package pipeline sequences media requests through classification,
// detection, blurring and reassembly, and maps every failure to a single
// request outcome.
package pipeline

import (
	"github.com/ktbr/veil/internal/media"
)

const (
	StateReceived   = "received"
	StateClassified = "classified"
	StateProcessing = "processing"
	StateDone       = "done"
	StateFailed     = "failed"
)

// Request is one unit of work handed over by the transport layer. The
// orchestrator owns it exclusively for its lifetime.
type Request struct {
	ID        string
	Requester string
	// SrcPath is the spooled upload on local disk. The orchestrator
	// copies it into the request workspace and never mutates it.
	SrcPath string
	// Filename is the name the requester gave the file; only its
	// extension is used, to pick the output encoding for images.
	Filename string
	// DeclaredHint is the transport's MIME hint, if any.
	DeclaredHint string
}

// Result is a successfully processed request.
type Result struct {
	// OutputPath points at the processed media file. It lives outside
	// the (already released) workspace; the transport layer removes it
	// after delivery.
	OutputPath string
	Kind       media.Kind
	Frames     int
	Faces      int
}
