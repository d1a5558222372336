// Package media decides whether an incoming file is a still image or a
// video container by sniffing its content.
package media

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// ErrUnsupported marks files that are neither a decodable image nor a
// recognizable video container.
var ErrUnsupported = errors.New("unsupported media kind")

// imageTypes are the still-image formats the renderer can re-encode.
var imageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
}

// Classify probes the file header and returns the media kind. The declared
// MIME hint from the transport layer is only consulted when sniffing yields
// a generic binary type; content always wins over the hint.
func Classify(path, declaredHint string) (Kind, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("probe %s: %w", path, err)
	}

	detected := mt.String()
	if kind, ok := kindOf(detected); ok {
		return kind, nil
	}

	if detected == "application/octet-stream" && declaredHint != "" {
		if kind, ok := kindOf(declaredHint); ok {
			return kind, nil
		}
	}

	return "", fmt.Errorf("%w: detected %s", ErrUnsupported, detected)
}

func kindOf(mime string) (Kind, bool) {
	// Strip parameters like "; charset=utf-8" before matching.
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	switch {
	case imageTypes[mime]:
		return KindImage, true
	case strings.HasPrefix(mime, "video/"):
		return KindVideo, true
	default:
		return "", false
	}
}

// Ext returns the canonical file extension for a kind's output file.
func Ext(kind Kind) string {
	if kind == KindVideo {
		return ".mp4"
	}
	return ".jpg"
}
