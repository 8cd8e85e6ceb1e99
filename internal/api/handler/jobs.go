package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kiranshivaraju/transchord/internal/api/response"
	"github.com/kiranshivaraju/transchord/internal/langs"
	"github.com/kiranshivaraju/transchord/internal/pipeline"
	"github.com/kiranshivaraju/transchord/internal/vault"
	"github.com/kiranshivaraju/transchord/pkg/models"
)

// sniffBytes is how much of an upload is inspected for its type and language.
const sniffBytes = 4096

// multipartMemory is how much of a multipart body is held in memory before spilling to disk.
const multipartMemory = 8 << 20

var safeExt = regexp.MustCompile(`^\.[A-Za-z0-9]{1,10}$`)

// JobService defines the pipeline operations the handlers depend on.
type JobService interface {
	Submit(ctx context.Context, req pipeline.SubmitRequest) (string, error)
	Status(ctx context.Context, jobID string) (*pipeline.JobStatus, error)
	Download(ctx context.Context, jobID, passphrase string) (string, error)
	Cancel(ctx context.Context, jobID string) (*pipeline.CancelResult, error)
}

// UploadConfig bounds what POST /api/v1/jobs accepts and says where sources are kept.
type UploadConfig struct {
	Dir                string
	DefaultChunkSizeKB int
	MaxChunkSizeKB     int
	MaxBytes           int64
}

type uploadParams struct {
	Passphrase  string `form:"passphrase" validate:"required"`
	SourceLang  string `form:"source_lang" validate:"max=64"`
	SourceCode  string `form:"source_code" validate:"required,max=35"`
	TargetLang  string `form:"target_lang" validate:"max=64"`
	TargetCode  string `form:"target_code" validate:"required,max=35,nefield=SourceCode"`
	ChunkSizeKB int    `form:"chunk_size_kb" validate:"min=1"`
}

type submitResponse struct {
	JobID     string            `json:"job_id"`
	StatusURL string            `json:"status_url"`
	Lang      models.LangConfig `json:"lang"`
}

// NewSubmitJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
func NewSubmitJobHandler(svc JobService, cfg UploadConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.MaxBytes > 0 {
			if r.ContentLength > cfg.MaxBytes {
				response.Error(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE",
					fmt.Sprintf("Upload exceeds %d bytes", cfg.MaxBytes), nil)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxBytes)
		}
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				response.Error(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE",
					fmt.Sprintf("Upload exceeds %d bytes", tooLarge.Limit), nil)
				return
			}
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Expected a multipart form", nil)
			return
		}
		defer r.MultipartForm.RemoveAll()

		file, header, err := r.FormFile("file")
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "file is required", nil)
			return
		}
		defer file.Close()

		params := uploadParams{
			Passphrase:  r.FormValue("passphrase"),
			SourceLang:  strings.TrimSpace(r.FormValue("source_lang")),
			SourceCode:  strings.TrimSpace(r.FormValue("source_code")),
			TargetLang:  strings.TrimSpace(r.FormValue("target_lang")),
			TargetCode:  strings.TrimSpace(r.FormValue("target_code")),
			ChunkSizeKB: cfg.DefaultChunkSizeKB,
		}
		if params.SourceCode == "" {
			params.SourceCode = langs.Auto
		}
		if raw := r.FormValue("chunk_size_kb"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid upload parameters",
					map[string]string{"chunk_size_kb": "integer"})
				return
			}
			params.ChunkSizeKB = n
		}
		if err := validate.Struct(params); err != nil {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid upload parameters", validationDetails(err))
			return
		}
		if cfg.MaxChunkSizeKB > 0 && params.ChunkSizeKB > cfg.MaxChunkSizeKB {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid upload parameters",
				map[string]string{"chunk_size_kb": fmt.Sprintf("max=%d", cfg.MaxChunkSizeKB)})
			return
		}

		head := make([]byte, sniffBytes)
		n, err := io.ReadFull(file, head)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Could not read upload", nil)
			return
		}
		head = head[:n]

		if n > 0 && !isText(head) {
			response.Error(w, http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE",
				"Only plain text documents can be translated",
				map[string]string{"detected": mimetype.Detect(head).String()})
			return
		}

		lang, err := langs.Resolve(models.LangConfig{
			SourceLang: params.SourceLang,
			SourceCode: params.SourceCode,
			TargetLang: params.TargetLang,
			TargetCode: params.TargetCode,
		}, head)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_LANGUAGE", err.Error(), nil)
			return
		}

		path, err := saveUpload(cfg.Dir, header.Filename, io.MultiReader(bytes.NewReader(head), file))
		if err != nil {
			slog.Error("save upload", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Could not store upload", nil)
			return
		}

		jobID, err := svc.Submit(r.Context(), pipeline.SubmitRequest{
			SourcePath: path,
			Passphrase: params.Passphrase,
			ChunkSize:  params.ChunkSizeKB * 1024,
			Lang:       lang,
		})
		if err != nil {
			_ = os.Remove(path)
			slog.Error("submit job", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Could not start translation", nil)
			return
		}

		response.Accepted(w, submitResponse{
			JobID:     jobID,
			StatusURL: "/api/v1/jobs/" + jobID,
			Lang:      lang,
		})
	}
}

// isText reports whether the sniffed type is text/plain or a refinement of it.
func isText(head []byte) bool {
	for m := mimetype.Detect(head); m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

func saveUpload(dir, filename string, src io.Reader) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	ext := filepath.Ext(filename)
	if !safeExt.MatchString(ext) {
		ext = ".txt"
	}
	path := filepath.Join(dir, uuid.NewString()+ext)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

type statusResponse struct {
	JobID       string                  `json:"job_id"`
	State       string                  `json:"state"`
	Progress    any                     `json:"progress"`
	Result      *models.AggregateResult `json:"result,omitempty"`
	DownloadURL string                  `json:"download_url,omitempty"`
}

// NewJobStatusHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewJobStatusHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")

		st, err := svc.Status(r.Context(), jobID)
		if err != nil {
			slog.Error("job status", "job_id", jobID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			return
		}

		resp := statusResponse{JobID: st.JobID, State: st.State, Result: st.Result}
		if st.Progress != nil {
			resp.Progress = st.Progress
		} else {
			resp.Progress = map[string]string{"status": "not_found"}
		}
		if st.Result != nil {
			resp.DownloadURL = "/api/v1/jobs/" + jobID + "/download"
		}
		response.JSON(w, resp)
	}
}

// NewDownloadHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}/download.
// The passphrase is taken from the query string.
func NewDownloadHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")
		passphrase := r.URL.Query().Get("passphrase")
		if passphrase == "" {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "passphrase is required", nil)
			return
		}

		text, err := svc.Download(r.Context(), jobID, passphrase)
		if err != nil {
			switch {
			case errors.Is(err, pipeline.ErrResultNotReady):
				response.Error(w, http.StatusBadRequest, "RESULT_NOT_READY", "Task is not finished yet", nil)
			case errors.Is(err, pipeline.ErrJobFailed):
				response.Error(w, http.StatusBadRequest, "JOB_FAILED", "Task failed or was cancelled", nil)
			case errors.Is(err, pipeline.ErrJobNotFound):
				response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Result file not found", nil)
			case errors.Is(err, vault.ErrDecryption):
				response.Error(w, http.StatusUnauthorized, "DECRYPTION_FAILED", "Decryption failed", nil)
			default:
				slog.Error("download", "job_id", jobID, "error", err)
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			}
			return
		}

		response.Attachment(w, "translated_"+jobID+".txt", text)
	}
}

type cancelResponse struct {
	JobID          string `json:"job_id"`
	Status         string `json:"status"`
	DispatchPurged bool   `json:"dispatch_purged"`
	ChunksPurged   int    `json:"chunks_purged"`
}

// NewCancelHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobID}/cancel.
func NewCancelHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")

		res, err := svc.Cancel(r.Context(), jobID)
		if err != nil {
			if errors.Is(err, pipeline.ErrJobNotFound) {
				response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Job not found", nil)
				return
			}
			slog.Error("cancel", "job_id", jobID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			return
		}

		response.JSON(w, cancelResponse{
			JobID:          res.JobID,
			Status:         "cancellation_requested",
			DispatchPurged: res.DispatchPurged,
			ChunksPurged:   res.ChunksPurged,
		})
	}
}
