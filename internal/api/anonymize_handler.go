package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/google/uuid"

	"github.com/ktbr/veil/internal/media"
	"github.com/ktbr/veil/internal/pipeline"
)

// multipartOverhead pads the body limit so boundaries and part headers
// do not push a file at the exact size limit over the edge.
const multipartOverhead = 64 * 1024

func anonymizeHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := Identity(r.Context())

		remaining, err := cfg.Repository.CooldownRemaining(r.Context(), identity, time.Now())
		if err != nil {
			cfg.Logger.Error("cooldown lookup failed", "error", err)
			WriteError(w, http.StatusInternalServerError, "cooldown check failed", "INTERNAL_ERROR")
			return
		}
		if remaining > 0 {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int64(remaining.Seconds())+1))
			WriteJSON(w, http.StatusTooManyRequests, ErrorResponse{
				Error:      "cooldown in effect",
				Code:       "COOLDOWN",
				RetryAfter: int64(remaining.Seconds()) + 1,
			})
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxUploadBytes+multipartOverhead)
		file, header, err := r.FormFile("media")
		if err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				WriteError(w, http.StatusRequestEntityTooLarge, "upload too large", "LIMIT_EXCEEDED")
				return
			}
			WriteError(w, http.StatusBadRequest, "multipart field 'media' is required", "BAD_REQUEST")
			return
		}
		defer file.Close()

		srcPath, err := spoolUpload(cfg.SpoolDir, file)
		if err != nil {
			cfg.Logger.Error("spool upload failed", "error", err)
			WriteError(w, http.StatusInternalServerError, "failed to store upload", "INTERNAL_ERROR")
			return
		}
		defer os.Remove(srcPath)

		// The cooldown starts once the upload is accepted, regardless
		// of the processing outcome.
		if cfg.Cooldown > 0 && !IsOwner(r.Context()) {
			if err := cfg.Repository.SetCooldown(r.Context(), identity, time.Now().Add(cfg.Cooldown)); err != nil {
				cfg.Logger.Warn("set cooldown failed", "error", err)
			}
		}

		req := pipeline.Request{
			ID:           uuid.NewString(),
			Requester:    RequesterID(cfg.IdentitySecret, identity),
			SrcPath:      srcPath,
			Filename:     header.Filename,
			DeclaredHint: header.Header.Get("Content-Type"),
		}

		result, err := cfg.Service.Process(r.Context(), req)
		if err != nil {
			writeFailure(w, err)
			return
		}
		defer os.Remove(result.OutputPath)

		w.Header().Set("X-Media-Request-ID", req.ID)
		w.Header().Set("X-Media-Kind", string(result.Kind))
		w.Header().Set("X-Faces-Found", fmt.Sprintf("%d", result.Faces))
		w.Header().Set("Content-Type", outputContentType(result))
		w.Header().Set("Content-Disposition", `attachment; filename="anonymized`+outputExt(result)+`"`)
		serveOutput(w, cfg, result.OutputPath)
	}
}

func cancelRequestHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			WriteError(w, http.StatusBadRequest, "request id required", "BAD_REQUEST")
			return
		}
		rec, err := cfg.Repository.GetRequest(r.Context(), id)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		if rec == nil {
			WriteError(w, http.StatusNotFound, "request not found", "NOT_FOUND")
			return
		}
		if !IsOwner(r.Context()) && rec.Requester != RequesterID(cfg.IdentitySecret, Identity(r.Context())) {
			WriteError(w, http.StatusForbidden, "not your request", "FORBIDDEN")
			return
		}
		canceled := cfg.Service.Cancel(id)
		WriteJSON(w, http.StatusOK, CancelResponse{ID: id, Canceled: canceled})
	}
}

// writeFailure maps a pipeline failure to an HTTP response.
func writeFailure(w http.ResponseWriter, err error) {
	var failure *pipeline.Error
	if !errors.As(err, &failure) {
		WriteError(w, http.StatusInternalServerError, "processing failed", "INTERNAL_ERROR")
		return
	}
	status := http.StatusInternalServerError
	switch failure.Kind {
	case pipeline.FailureUnsupportedMedia:
		status = http.StatusUnsupportedMediaType
	case pipeline.FailureLimitExceeded:
		status = http.StatusRequestEntityTooLarge
	case pipeline.FailureTimeout:
		status = http.StatusGatewayTimeout
	case pipeline.FailureCanceled:
		status = http.StatusConflict
	case pipeline.FailureDetectorUnavailable:
		status = http.StatusServiceUnavailable
	}
	WriteError(w, status, failure.Kind.UserMessage(), string(failure.Kind))
}

func spoolUpload(dir string, src io.Reader) (string, error) {
	tmp, err := os.CreateTemp(dir, "upload-*")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

func serveOutput(w http.ResponseWriter, cfg ServerConfig, path string) {
	f, err := os.Open(path)
	if err != nil {
		cfg.Logger.Error("open output failed", "error", err)
		WriteError(w, http.StatusInternalServerError, "output unavailable", "INTERNAL_ERROR")
		return
	}
	defer f.Close()
	if fi, err := f.Stat(); err == nil {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", fi.Size()))
	}
	if _, err := io.Copy(w, f); err != nil {
		cfg.Logger.Warn("deliver output interrupted", "error", err)
	}
}

func outputContentType(result *pipeline.Result) string {
	if result.Kind == media.KindVideo {
		return "video/mp4"
	}
	if outputExt(result) == ".png" {
		return "image/png"
	}
	return "image/jpeg"
}

func outputExt(result *pipeline.Result) string {
	ext := ".mp4"
	if result.Kind == media.KindImage {
		ext = ".jpg"
	}
	if e := filepath.Ext(result.OutputPath); e != "" {
		ext = e
	}
	return ext
}
