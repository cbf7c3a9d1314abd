// interfaces.go - Handler interface definitions for clean separation of concerns
package api

import (
	"context"

	"github.com/labstack/echo/v4"

	"github.com/robot-viewer/backend/internal/models"
	"github.com/robot-viewer/backend/internal/resolver"
	"github.com/robot-viewer/backend/internal/session"
	"github.com/robot-viewer/backend/internal/topology"
	"github.com/robot-viewer/backend/internal/upload"
)

// HealthHandler handles health check operations
type HealthHandler interface {
	HandleHealth(c echo.Context) error
}

// FileSetHandler handles file set uploads and management
type FileSetHandler interface {
	HandleCreateFileSet(c echo.Context) error
	HandleListFileSets(c echo.Context) error
	HandleGetFileSet(c echo.Context) error
	HandleRenameFileSet(c echo.Context) error
	HandleDeleteFileSet(c echo.Context) error
	HandleAddFiles(c echo.Context) error
	HandleUploadArchive(c echo.Context) error
	HandleUploadChunk(c echo.Context) error
	HandleCompleteUpload(c echo.Context) error
	HandleUploadJobStatus(c echo.Context) error
}

// LoadHandler handles robot load operations
type LoadHandler interface {
	HandleStartLoad(c echo.Context) error
	HandleListLoads(c echo.Context) error
	HandleGetLoad(c echo.Context) error
	HandleDeleteLoad(c echo.Context) error
	HandleKeepAlive(c echo.Context) error
	HandleGetModel(c echo.Context) error
	HandleGetModelMsgpack(c echo.Context) error
	HandleGetStructure(c echo.Context) error
	HandleGetSource(c echo.Context) error
	HandleResolve(c echo.Context) error
}

// JointHandler handles edits of a loaded robot's joints
type JointHandler interface {
	HandleEditLimits(c echo.Context) error
	HandleSetAngle(c echo.Context) error
}

// LoadManager is the part of session.Manager the handlers use
type LoadManager interface {
	StartLoad(ctx context.Context, req session.LoadRequest) (*models.LoadSession, error)
	GetLoad(id string) (*models.LoadSession, bool)
	ListLoads() []*models.LoadSession
	DeleteLoad(ctx context.Context, id string) error
	TouchLoad(id string) bool
	WithModel(id string, fn func(*models.UnifiedRobotModel) error) error
	SourceText(id string) (string, models.SourceFormat, error)
	Tree(id string) (*topology.Tree, error)
	Resolve(id, ref, contextDir, packageHint string) (resolver.Match, bool, error)
	EditJointLimit(ctx context.Context, id, joint string, edit models.JointLimitEdit) (*session.EditResult, error)
	SetJointAngle(id, joint string, angle float64, ignoreLimits bool) (float64, error)
	Subscribe() (<-chan models.LoadSession, func())
}

// UploadJobs is the part of upload.Manager the handlers use
type UploadJobs interface {
	StartJob(req upload.JobRequest) *upload.Job
	GetJob(id string) (*upload.Job, bool)
}

var (
	_ LoadManager = (*session.Manager)(nil)
	_ UploadJobs  = (*upload.Manager)(nil)
)
