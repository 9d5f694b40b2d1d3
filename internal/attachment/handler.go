package attachment

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kaifmc11/Task-Management-System/internal/auth"
	"github.com/kaifmc11/Task-Management-System/internal/dto"
	"github.com/kaifmc11/Task-Management-System/internal/task"
)

const (
	// multipartMemory ограничивает часть формы в памяти, остальное уходит во временные файлы.
	multipartMemory   = 32 << 20
	multipartOverhead = 1 << 20
	cacheControl      = "max-age=31536000"

	DefaultMaxFilesPerRequest = 10
)

type Handler struct {
	service  Service
	auth     *auth.Authenticator
	maxSize  int64
	maxFiles int
	logger   *zap.Logger
}

func NewHandler(service Service, authenticator *auth.Authenticator, maxSize int64, maxFiles int, logger *zap.Logger) *Handler {
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	if maxFiles <= 0 {
		maxFiles = DefaultMaxFilesPerRequest
	}
	return &Handler{
		service:  service,
		auth:     authenticator,
		maxSize:  maxSize,
		maxFiles: maxFiles,
		logger:   logger.With(zap.String("component", "http")),
	}
}

func (h *Handler) RegisterHandlers(mux *http.ServeMux) {
	authenticated := func(fn http.HandlerFunc) http.Handler {
		return h.auth.Middleware(fn)
	}
	admin := func(fn http.HandlerFunc) http.Handler {
		return h.auth.Middleware(auth.RequireAdmin(fn))
	}

	mux.Handle("POST /upload", admin(h.handleUpload))
	mux.Handle("GET /files/{fileId}", authenticated(h.handleDownload))
	mux.Handle("DELETE /{taskId}/files/{fileId}", admin(h.handleDelete))
	mux.Handle("GET /task-files/{taskId}", authenticated(h.handleList))
	mux.Handle("DELETE /tasks/trashed", admin(h.handlePurgeTrashed))
	mux.Handle("DELETE /tasks/{taskId}", admin(h.handlePurge))
}

// Routes возвращает mux со всеми маршрутами сервиса, включая healthz и metrics.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	h.RegisterHandlers(mux)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	requester, _ := auth.FromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, h.maxSize*int64(h.maxFiles)+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.writeError(w, http.StatusBadRequest, "File too large")
			return
		}
		h.writeError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	taskID := r.FormValue("taskId")
	if taskID == "" {
		h.writeError(w, http.StatusBadRequest, "TaskId is required")
		return
	}

	headers := r.MultipartForm.File["file"]
	if len(headers) == 0 {
		h.writeError(w, http.StatusBadRequest, "No file uploaded")
		return
	}
	if len(headers) > h.maxFiles {
		h.writeError(w, http.StatusBadRequest, "Too many files in one request, max "+strconv.Itoa(h.maxFiles))
		return
	}

	inputs := make([]UploadInput, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			h.logger.Error("failed to open multipart file", zap.String("filename", fh.Filename), zap.Error(err))
			h.writeError(w, http.StatusBadRequest, "Invalid multipart form")
			return
		}
		defer f.Close()
		inputs = append(inputs, newUploadInput(taskID, requester.UserID, fh, f))
	}

	if len(inputs) == 1 {
		record, err := h.service.Upload(r.Context(), inputs[0])
		if err != nil {
			h.writeServiceError(w, err)
			return
		}
		file := mapRecord(record)
		writeJSON(w, http.StatusOK, dto.UploadResponse{
			Success: true,
			Message: "File uploaded and associated with task successfully",
			File:    &file,
		})
		return
	}

	results := h.service.UploadBatch(r.Context(), inputs)
	resp := dto.BatchUploadResponse{Files: make([]dto.BatchUploadItem, 0, len(results))}
	succeeded, firstFailure := 0, 0
	for _, res := range results {
		item := dto.BatchUploadItem{OriginalName: res.OriginalName}
		if res.Err != nil {
			status, message := h.statusFor(res.Err)
			if firstFailure == 0 {
				firstFailure = status
			}
			item.Message = message
		} else {
			file := mapRecord(res.File)
			item.Success = true
			item.File = &file
			succeeded++
		}
		resp.Files = append(resp.Files, item)
	}

	status := http.StatusOK
	switch {
	case succeeded == 0:
		status = firstFailure
	case succeeded < len(results):
		status = http.StatusMultiStatus
	}
	resp.Success = succeeded > 0
	writeJSON(w, status, resp)
}

func newUploadInput(taskID, userID string, fh *multipart.FileHeader, content io.Reader) UploadInput {
	return UploadInput{
		TaskID:       taskID,
		OriginalName: fh.Filename,
		ContentType:  fh.Header.Get("Content-Type"),
		Size:         fh.Size,
		Content:      content,
		UploadedBy:   userID,
	}
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	d, err := h.service.Open(r.Context(), r.PathValue("fileId"), r.Header.Get("Range"))
	if err != nil {
		var rangeErr *RangeError
		if errors.As(err, &rangeErr) {
			w.Header().Set("Content-Range", "bytes */"+strconv.FormatInt(rangeErr.Size, 10))
		}
		h.writeServiceError(w, err)
		return
	}
	defer d.Stream.Close()

	header := w.Header()
	header.Set("Content-Type", d.ContentType)
	header.Set("Content-Disposition", ContentDisposition(d.Filename))
	header.Set("Content-Length", strconv.FormatInt(d.Length(), 10))
	header.Set("Cache-Control", cacheControl)
	header.Set("Accept-Ranges", "bytes")

	status := http.StatusOK
	if d.Range != nil {
		header.Set("Content-Range", d.Range.ContentRange(d.Size))
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)

	if r.Method == http.MethodHead {
		return
	}

	n, err := io.Copy(w, d.Stream)
	downloadedBytesTotal.Add(float64(n))
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		// Заголовки уже отправлены: обрываем соединение, чтобы клиент не принял обрезанный файл.
		h.logger.Error("download stream failed",
			zap.String("file_id", r.PathValue("fileId")),
			zap.Int64("written", n),
			zap.Error(err),
		)
		panic(http.ErrAbortHandler)
	}
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	requester, _ := auth.FromContext(r.Context())

	if err := h.service.Delete(r.Context(), r.PathValue("taskId"), r.PathValue("fileId"), requester); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.MessageResponse{Success: true, Message: "File deleted successfully"})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	records, err := h.service.ListByTask(r.Context(), r.PathValue("taskId"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	files := make([]dto.FileResponse, 0, len(records))
	for _, record := range records {
		files = append(files, mapRecord(record))
	}
	writeJSON(w, http.StatusOK, dto.FilesResponse{Success: true, Files: files})
}

func (h *Handler) handlePurge(w http.ResponseWriter, r *http.Request) {
	requester, _ := auth.FromContext(r.Context())

	if err := h.service.PurgeTask(r.Context(), r.PathValue("taskId"), requester); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.MessageResponse{Success: true, Message: "Task deleted successfully"})
}

func (h *Handler) handlePurgeTrashed(w http.ResponseWriter, r *http.Request) {
	requester, _ := auth.FromContext(r.Context())

	purged, err := h.service.PurgeTrashed(r.Context(), requester)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.MessageResponse{
		Success: true,
		Message: strconv.Itoa(purged) + " trashed tasks permanently deleted",
	})
}

// statusFor сопоставляет ошибку сервиса со статусом и сообщением для клиента.
func (h *Handler) statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrFileTooLarge):
		return http.StatusBadRequest, "File too large"
	case errors.Is(err, ErrInvalidFileType), errors.Is(err, ErrInvalidContentType):
		return http.StatusBadRequest, "Invalid file type. Allowed types: .jpg, .jpeg, .png, .pdf, .doc, .docx"
	case errors.Is(err, ErrEmptyContent),
		errors.Is(err, ErrInvalidFilename),
		errors.Is(err, ErrPathTraversal),
		errors.Is(err, ErrInvalidTaskID),
		errors.Is(err, ErrInvalidFileID):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, ErrTaskNotFound):
		return http.StatusNotFound, "Task not found"
	case errors.Is(err, ErrFileNotFound):
		return http.StatusNotFound, "File not found"
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, "Access denied. Admins only."
	case errors.Is(err, ErrRangeNotSatisfiable):
		return http.StatusRequestedRangeNotSatisfiable, "Requested range not satisfiable"
	default:
		h.logger.Error("request failed", zap.Error(err))
		return http.StatusInternalServerError, "Internal server error"
	}
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	status, message := h.statusFor(err)
	h.writeError(w, status, message)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, dto.MessageResponse{Success: false, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func mapRecord(record task.FileRecord) dto.FileResponse {
	return dto.FileResponse{
		ID:           record.ID.Hex(),
		Filename:     record.Filename,
		OriginalName: record.OriginalName,
		Size:         record.Size,
		ContentType:  record.ContentType,
		UploadDate:   record.UploadDate,
		UploadedBy:   record.UploadedBy,
	}
}
