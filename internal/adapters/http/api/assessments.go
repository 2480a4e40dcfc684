package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	service "github.com/okian/fieldsync/internal/app"
	"github.com/okian/fieldsync/internal/domain/model"
	"github.com/okian/fieldsync/pkg/logger"
)

const (
	mediaField       = "video"
	multipartMemory  = 32 << 20
	uploadFilePrefix = "upload-*"
)

// AssessmentsHandler serves capture, history and reprocess requests.
type AssessmentsHandler struct {
	deps           Dependencies
	maxUploadBytes int64
	uploadDir      string
	captureDir     string
	log            logger.Logger
}

// NewAssessmentsHandler creates a new assessments handler. JSON captures may
// only reference media under captureDir; with no captureDir they must not
// reference media at all.
func NewAssessmentsHandler(deps Dependencies, maxUploadBytes int64, uploadDir, captureDir string, log logger.Logger) *AssessmentsHandler {
	return &AssessmentsHandler{
		deps:           deps,
		maxUploadBytes: maxUploadBytes,
		uploadDir:      uploadDir,
		captureDir:     captureDir,
		log:            log,
	}
}

// HandleSubmit handles POST /assessments. It accepts a JSON capture that
// points at media in the capture directory, or a multipart upload carrying
// the media in the "video" part.
func (h *AssessmentsHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	req, cleanup, err := h.decodeCapture(w, r)
	defer cleanup()
	if err != nil {
		writeServiceError(w, err)
		return
	}

	res, err := h.deps.Submit(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	status := http.StatusCreated
	if res.Deferred {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// HandleList handles GET /assessments[?sync=true].
func (h *AssessmentsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	sync := false
	if raw := r.URL.Query().Get("sync"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("%w: sync must be a boolean", ErrBadRequest))
			return
		}
		sync = v
	}
	view, err := h.deps.History(r.Context(), sync)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// HandleGet handles GET /assessments/{id}.
func (h *AssessmentsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := h.deps.Record(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// HandleReprocess handles POST /assessments/{id}/reprocess.
func (h *AssessmentsHandler) HandleReprocess(w http.ResponseWriter, r *http.Request) {
	res, err := h.deps.Reprocess(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	status := http.StatusOK
	if res.Origin != service.OriginAPI {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// HandleSync handles POST /sync.
func (h *AssessmentsHandler) HandleSync(w http.ResponseWriter, r *http.Request) {
	summary, err := h.deps.SyncPending(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *AssessmentsHandler) decodeCapture(w http.ResponseWriter, r *http.Request) (service.CaptureRequest, func(), error) {
	noop := func() {}
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		var req service.CaptureRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, multipartMemory)).Decode(&req); err != nil {
			return req, noop, fmt.Errorf("%w: %w", ErrBadRequest, err)
		}
		if req.MediaPath != "" {
			path, err := h.capturePath(req.MediaPath)
			if err != nil {
				h.log.Warn(r.Context(), "capture media path rejected", logger.String("mediaPath", req.MediaPath))
				return req, noop, err
			}
			req.MediaPath = path
		}
		return req, noop, nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return service.CaptureRequest{}, noop, fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	cleanup := func() { _ = r.MultipartForm.RemoveAll() }

	req := service.CaptureRequest{
		ClientKey:      r.FormValue("clientKey"),
		SubjectID:      firstValue(r.FormValue("subjectId"), r.FormValue("athleteId")),
		AssessmentType: r.FormValue("assessmentType"),
		Category:       model.Category(r.FormValue("category")),
	}
	if raw := r.FormValue("submittedAt"); raw != "" {
		at, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return req, cleanup, fmt.Errorf("%w: submittedAt must be RFC3339", ErrBadRequest)
		}
		req.SubmittedAt = at
	}

	path, err := h.stageMedia(r)
	if err != nil {
		return req, cleanup, err
	}
	if path != "" {
		req.MediaPath = path
		cleanup = func() {
			_ = os.Remove(path)
			_ = r.MultipartForm.RemoveAll()
		}
	}
	return req, cleanup, nil
}

// stageMedia writes the uploaded media to a temporary file the local store
// can copy from. It returns "" when the request carries no media.
func (h *AssessmentsHandler) stageMedia(r *http.Request) (string, error) {
	file, header, err := r.FormFile(mediaField)
	if errors.Is(err, http.ErrMissingFile) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	defer file.Close()

	tmp, err := os.CreateTemp(h.uploadDir, uploadFilePrefix+filepath.Ext(header.Filename))
	if err != nil {
		return "", fmt.Errorf("stage upload: %w", err)
	}
	if _, err := io.Copy(tmp, file); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("stage upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("stage upload: %w", err)
	}
	h.log.Debug(r.Context(), "upload staged", logger.String("file", header.Filename), logger.Int64("bytes", header.Size))
	return tmp.Name(), nil
}

func firstValue(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// capturePath resolves a client-supplied media path against the capture
// directory. Relative paths are taken from the capture directory.
func (h *AssessmentsHandler) capturePath(p string) (string, error) {
	if h.captureDir == "" {
		return "", fmt.Errorf("%w: mediaPath is not accepted, upload the media as multipart", ErrMediaPath)
	}
	root, err := filepath.Abs(h.captureDir)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMediaPath, err)
	}
	path := p
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	path = filepath.Clean(path)
	if !within(root, path) {
		return "", fmt.Errorf("%w: %q is outside the capture directory", ErrMediaPath, p)
	}
	// Links under the capture directory must not lead out of it.
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		resolvedRoot, err := filepath.EvalSymlinks(root)
		if err != nil || !within(resolvedRoot, resolved) {
			return "", fmt.Errorf("%w: %q is outside the capture directory", ErrMediaPath, p)
		}
	}
	return path, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || rel == ".." {
		return false
	}
	return !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
