// handlers_filesets.go - File set upload and management handlers
package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/robot-viewer/backend/internal/models"
	"github.com/robot-viewer/backend/internal/storage"
	"github.com/robot-viewer/backend/internal/upload"
)

// FileSetHandlerImpl implements the FileSetHandler interface
type FileSetHandlerImpl struct {
	store   storage.Store
	uploads UploadJobs
}

// NewFileSetHandler creates a new file set handler instance
func NewFileSetHandler(store storage.Store, uploads UploadJobs) FileSetHandler {
	return &FileSetHandlerImpl{
		store:   store,
		uploads: uploads,
	}
}

// HandleCreateFileSet creates an empty file set
func (h *FileSetHandlerImpl) HandleCreateFileSet(c echo.Context) error {
	var req createFileSetRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid JSON body", err)
	}
	if req.Name == "" {
		req.Name = "robot"
	}

	info, err := h.store.CreateSet(req.Name)
	if err != nil {
		return NewInternalError("failed to create file set", err)
	}
	return c.JSON(http.StatusCreated, info)
}

// HandleListFileSets returns recently uploaded file sets
func (h *FileSetHandlerImpl) HandleListFileSets(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	sets, err := h.store.List(limit)
	if err != nil {
		return NewInternalError("failed to list file sets", err)
	}
	if sets == nil {
		sets = []*models.FileSetInfo{}
	}
	return c.JSON(http.StatusOK, sets)
}

// HandleGetFileSet returns metadata for a file set
func (h *FileSetHandlerImpl) HandleGetFileSet(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}

	info, err := h.store.Get(id)
	if err != nil {
		return NewNotFoundError("file set", id)
	}
	return c.JSON(http.StatusOK, info)
}

// HandleRenameFileSet updates the display name of a file set
func (h *FileSetHandlerImpl) HandleRenameFileSet(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}

	var req createFileSetRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid request body", err)
	}
	if req.Name == "" {
		return NewValidationError("name")
	}

	info, err := h.store.Rename(id, req.Name)
	if err != nil {
		return NewNotFoundError("file set", id)
	}
	return c.JSON(http.StatusOK, info)
}

// HandleDeleteFileSet removes a file set and its files
func (h *FileSetHandlerImpl) HandleDeleteFileSet(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}

	if err := h.store.Delete(id); err != nil {
		return NewNotFoundError("file set", id)
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleAddFiles stores the parts of a multipart upload. Each "files" part
// is stored under the matching "paths" value, or its filename when no path
// is given, so dropped folders keep their layout.
func (h *FileSetHandlerImpl) HandleAddFiles(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}
	if _, err := h.store.Get(id); err != nil {
		return NewNotFoundError("file set", id)
	}

	form, err := c.MultipartForm()
	if err != nil {
		return NewBadRequestError("invalid multipart form", err)
	}
	files := form.File["files"]
	if len(files) == 0 {
		return NewValidationError("files")
	}
	paths := form.Value["paths"]

	for i, fh := range files {
		relPath := fh.Filename
		if i < len(paths) && paths[i] != "" {
			relPath = paths[i]
		}
		src, err := fh.Open()
		if err != nil {
			return NewInternalError("failed to open uploaded file", err)
		}
		_, err = h.store.AddFile(id, relPath, src)
		src.Close()
		if err != nil {
			return FromError("failed to save file "+relPath, err)
		}
	}

	info, err := h.store.Get(id)
	if err != nil {
		return FromError("failed to read file set", err)
	}
	return c.JSON(http.StatusCreated, info)
}

// HandleUploadArchive stores a dropped .zip and expands it into the set
func (h *FileSetHandlerImpl) HandleUploadArchive(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}

	file, err := c.FormFile("file")
	if err != nil {
		return NewBadRequestError("no file provided", err)
	}
	if !storage.IsArchive(file.Filename) {
		return NewBadRequestError("archive must be a .zip file", nil)
	}

	src, err := file.Open()
	if err != nil {
		return NewInternalError("failed to open uploaded file", err)
	}
	defer src.Close()

	if _, err := h.store.AddFile(id, file.Filename, src); err != nil {
		return FromError("failed to save archive", err)
	}
	info, err := h.store.ExpandArchive(id, file.Filename)
	if err != nil {
		return NewBadRequestError("failed to expand archive", err)
	}
	return c.JSON(http.StatusCreated, info)
}

// HandleUploadChunk accepts a single chunk of a chunked upload
func (h *FileSetHandlerImpl) HandleUploadChunk(c echo.Context) error {
	uploadID := c.FormValue("uploadId")
	if uploadID == "" {
		return NewValidationError("uploadId")
	}
	chunkIndex, err := strconv.Atoi(c.FormValue("chunkIndex"))
	if err != nil || chunkIndex < 0 {
		return NewValidationError("chunkIndex")
	}

	file, err := c.FormFile("file")
	if err != nil {
		return NewBadRequestError("no chunk provided", err)
	}
	src, err := file.Open()
	if err != nil {
		return NewInternalError("failed to open chunk", err)
	}
	defer src.Close()

	if err := h.store.SaveChunk(uploadID, chunkIndex, src); err != nil {
		return NewBadRequestError("failed to save chunk", err)
	}
	return c.NoContent(http.StatusAccepted)
}

// HandleCompleteUpload completes a chunked upload and starts async processing
func (h *FileSetHandlerImpl) HandleCompleteUpload(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}

	var req upload.JobRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid request body", err)
	}
	req.SetID = id
	if err := validateJobRequest(req); err != nil {
		return err
	}
	if _, err := h.store.Get(id); err != nil {
		return NewNotFoundError("file set", id)
	}

	job := h.uploads.StartJob(req)
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"jobId":  job.ID,
		"status": job.Status,
	})
}

// HandleUploadJobStatus returns the progress of an upload job
func (h *FileSetHandlerImpl) HandleUploadJobStatus(c echo.Context) error {
	id := c.Param("jobId")
	if id == "" {
		return NewValidationError("jobId")
	}

	job, ok := h.uploads.GetJob(id)
	if !ok {
		return NewNotFoundError("upload job", id)
	}
	return c.JSON(http.StatusOK, job)
}

// Request/Response types

type createFileSetRequest struct {
	Name string `json:"name"`
}

func validateJobRequest(r upload.JobRequest) error {
	if r.UploadID == "" {
		return NewValidationError("uploadId")
	}
	if strings.TrimSpace(r.RelPath) == "" {
		return NewValidationError("path")
	}
	if r.TotalChunks <= 0 {
		return NewBadRequestError("totalChunks must be positive", nil)
	}
	switch r.Encoding {
	case "", "none", "gzip", "binary-gzip":
	default:
		return NewBadRequestError("unsupported encoding: "+r.Encoding, nil)
	}
	return nil
}
