package upload

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/robot-viewer/backend/internal/logging"
	"github.com/robot-viewer/backend/internal/models"
	"github.com/robot-viewer/backend/internal/storage"
)

// Status represents the upload processing status.
type Status string

const (
	StatusProcessing    Status = "processing"
	StatusAssembling    Status = "assembling"
	StatusDecompressing Status = "decompressing"
	StatusExpanding     Status = "expanding"
	StatusComplete      Status = "complete"
	StatusError         Status = "error"
)

// Job represents an async upload processing job.
type Job struct {
	ID             string              `json:"id"`
	UploadID       string              `json:"uploadId"`
	SetID          string              `json:"fileSetId"`
	RelPath        string              `json:"path"`
	TotalChunks    int                 `json:"totalChunks"`
	OriginalSize   int64               `json:"originalSize"`
	CompressedSize int64               `json:"compressedSize"`
	Encoding       string              `json:"encoding"`
	Status         Status              `json:"status"`
	Progress       float64             `json:"progress"`
	Stage          string              `json:"stage"`         // Current stage description
	StageProgress  float64             `json:"stageProgress"` // Progress within current stage
	FileInfo       *models.FileInfo    `json:"fileInfo,omitempty"`
	FileSet        *models.FileSetInfo `json:"fileSet,omitempty"`
	Error          string              `json:"error,omitempty"`
	CreatedAt      time.Time           `json:"createdAt"`
	CompletedAt    *time.Time          `json:"completedAt,omitempty"`
}

// Store defines the interface needed from storage layer.
type Store interface {
	CompleteChunkedUpload(uploadID, setID, relPath string, totalChunks int) (*models.FileInfo, error)
	GetFilePath(setID, relPath string) (string, error)
	ExpandArchive(setID, relPath string) (*models.FileSetInfo, error)
	Get(setID string) (*models.FileSetInfo, error)
	RegisterFile(setID string)
}

// Manager handles async upload processing.
type Manager struct {
	jobs  map[string]*Job
	mu    sync.RWMutex
	store Store
	log   logging.Logger
}

// NewManager creates a new upload processing manager.
func NewManager(store Store, log logging.Logger) *Manager {
	if log == nil {
		log = logging.Noop()
	}
	return &Manager{
		jobs:  make(map[string]*Job),
		store: store,
		log:   log.With(logging.String("component", "upload")),
	}
}

// JobRequest describes a finished chunked upload.
type JobRequest struct {
	UploadID       string `json:"uploadId"`
	SetID          string `json:"fileSetId"`
	RelPath        string `json:"path"`
	TotalChunks    int    `json:"totalChunks"`
	OriginalSize   int64  `json:"originalSize"`
	CompressedSize int64  `json:"compressedSize"`
	Encoding       string `json:"encoding"`
}

// StartJob begins async processing of an upload.
func (m *Manager) StartJob(req JobRequest) *Job {
	job := &Job{
		ID:             uuid.New().String(),
		UploadID:       req.UploadID,
		SetID:          req.SetID,
		RelPath:        req.RelPath,
		TotalChunks:    req.TotalChunks,
		OriginalSize:   req.OriginalSize,
		CompressedSize: req.CompressedSize,
		Encoding:       req.Encoding,
		Status:         StatusProcessing,
		Stage:          "preparing",
		CreatedAt:      time.Now(),
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	// Start async processing
	go m.processJob(job)

	return job
}

// GetJob returns a copy of a job.
func (m *Manager) GetJob(id string) (*Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, false
	}
	copied := *job
	return &copied, true
}

// processJob handles the actual async processing.
func (m *Manager) processJob(job *Job) {
	ctx := context.Background()
	log := m.log.With(logging.String("job_id", job.ID[:8]), logging.String("path", job.RelPath))
	log.Info(ctx, "starting upload processing")

	// Stage 1: Assemble chunks
	m.updateJobStatus(job, StatusAssembling, "assembling chunks", 0)

	info, err := m.store.CompleteChunkedUpload(job.UploadID, job.SetID, job.RelPath, job.TotalChunks)
	if err != nil {
		m.markJobError(job, fmt.Sprintf("failed to assemble chunks: %v", err))
		return
	}

	m.updateJobStatus(job, StatusAssembling, "assembling chunks", 100)
	log.Debug(ctx, "chunks assembled", logging.Any("bytes", info.Size))

	// Stage 2: Decompress if needed
	if job.Encoding == "gzip" || job.Encoding == "binary-gzip" {
		m.updateJobStatus(job, StatusDecompressing, "decompressing file", 0)

		if size, err := m.decompressFileWithProgress(job); err != nil {
			// The file might still be usable as-is
			log.Warn(ctx, "decompression failed, keeping file as uploaded", logging.Err(err))
		} else {
			info.Size = size
			m.store.RegisterFile(job.SetID)
		}

		m.updateJobStatus(job, StatusDecompressing, "decompressing file", 100)
	}

	// Stage 3: Expand a dropped archive into the set
	if storage.IsArchive(job.RelPath) {
		m.updateJobStatus(job, StatusExpanding, "expanding archive", 0)
		set, err := m.store.ExpandArchive(job.SetID, job.RelPath)
		if err != nil {
			m.markJobError(job, fmt.Sprintf("failed to expand archive: %v", err))
			return
		}
		m.setFileSet(job, set)
		m.updateJobStatus(job, StatusExpanding, "expanding archive", 100)
	} else if set, err := m.store.Get(job.SetID); err == nil {
		m.setFileSet(job, set)
	}

	m.mu.Lock()
	job.FileInfo = info
	m.mu.Unlock()
	m.markJobComplete(job)
	log.Info(ctx, "upload processing complete", logging.Any("bytes", info.Size))
}

func (m *Manager) setFileSet(job *Job, set *models.FileSetInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job.FileSet = set
}

// decompressFileWithProgress decompresses a gzip file in place with progress tracking.
func (m *Manager) decompressFileWithProgress(job *Job) (int64, error) {
	path, err := m.store.GetFilePath(job.SetID, job.RelPath)
	if err != nil {
		return 0, err
	}

	compressedFile, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer compressedFile.Close()

	// Check gzip magic
	magic := make([]byte, 2)
	if _, err := io.ReadFull(compressedFile, magic); err != nil {
		return 0, err
	}
	if magic[0] != 0x1f || magic[1] != 0x8b {
		return 0, fmt.Errorf("not a gzip file")
	}
	if _, err := compressedFile.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}

	reader, err := gzip.NewReader(compressedFile)
	if err != nil {
		return 0, err
	}
	defer reader.Close()

	tempPath := path + ".decompressing"
	outFile, err := os.Create(tempPath)
	if err != nil {
		return 0, err
	}

	// Stream decompress with progress updates
	buf := make([]byte, 1024*1024)
	var written int64
	lastProgressUpdate := time.Now()

	for {
		n, readErr := reader.Read(buf)
		if n > 0 {
			if _, writeErr := outFile.Write(buf[:n]); writeErr != nil {
				outFile.Close()
				os.Remove(tempPath)
				return 0, fmt.Errorf("write error: %w", writeErr)
			}
			written += int64(n)

			if job.OriginalSize > 0 && time.Since(lastProgressUpdate) > 100*time.Millisecond {
				progress := float64(written) / float64(job.OriginalSize) * 100
				if progress > 99 {
					progress = 99
				}
				m.updateJobStatus(job, StatusDecompressing, "decompressing file", progress)
				lastProgressUpdate = time.Now()
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				outFile.Close()
				os.Remove(tempPath)
				return 0, fmt.Errorf("read error: %w", readErr)
			}
			break
		}
	}

	outFile.Close()

	if job.OriginalSize > 0 && written != job.OriginalSize {
		os.Remove(tempPath)
		return 0, fmt.Errorf("decompressed size mismatch: got %d bytes, expected %d bytes", written, job.OriginalSize)
	}

	// Replace original with decompressed
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return 0, err
	}
	return written, nil
}

// updateJobStatus updates job progress (thread-safe).
func (m *Manager) updateJobStatus(job *Job, status Status, stage string, stageProgress float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job.Status = status
	job.Stage = stage
	job.StageProgress = stageProgress

	// Assembling: 0-40%, Decompressing: 40-70%, Expanding: 70-95%
	switch status {
	case StatusAssembling:
		job.Progress = stageProgress * 0.4
	case StatusDecompressing:
		job.Progress = 40 + stageProgress*0.3
	case StatusExpanding:
		job.Progress = 70 + stageProgress*0.25
	case StatusComplete:
		job.Progress = 100
	}
}

// markJobComplete marks job as complete (thread-safe).
func (m *Manager) markJobComplete(job *Job) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job.Status = StatusComplete
	job.Progress = 100
	now := time.Now()
	job.CompletedAt = &now
}

// markJobError marks job as failed (thread-safe).
func (m *Manager) markJobError(job *Job, errMsg string) {
	m.mu.Lock()
	job.Status = StatusError
	job.Error = errMsg
	now := time.Now()
	job.CompletedAt = &now
	m.mu.Unlock()

	m.log.Warn(context.Background(), "upload job failed", logging.String("job_id", job.ID[:8]), logging.String("error", errMsg))
}

// CleanupOldJobs removes jobs older than the specified duration.
func (m *Manager) CleanupOldJobs(maxAge time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for id, job := range m.jobs {
		if job.Status == StatusComplete || job.Status == StatusError {
			if job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
				delete(m.jobs, id)
			}
		}
	}
}
