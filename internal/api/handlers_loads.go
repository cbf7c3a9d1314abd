// handlers_loads.go - Robot load operation handlers
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/robot-viewer/backend/internal/catalog"
	"github.com/robot-viewer/backend/internal/logging"
	"github.com/robot-viewer/backend/internal/models"
	"github.com/robot-viewer/backend/internal/session"
	"github.com/robot-viewer/backend/internal/topology"
	"github.com/robot-viewer/backend/internal/web"
)

// LoadHandlerImpl implements the LoadHandler interface
type LoadHandlerImpl struct {
	loads   LoadManager
	catalog *catalog.Store
	log     logging.Logger
}

// NewLoadHandler creates a new load handler instance. cat may be nil.
func NewLoadHandler(loads LoadManager, cat *catalog.Store, log logging.Logger) LoadHandler {
	if log == nil {
		log = logging.Noop()
	}
	return &LoadHandlerImpl{
		loads:   loads,
		catalog: cat,
		log:     log,
	}
}

// HandleStartLoad starts loading a document from a file set or the library
func (h *LoadHandlerImpl) HandleStartLoad(c echo.Context) error {
	var req startLoadRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid request body", err)
	}

	loadReq, err := req.toLoadRequest()
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	load, err := h.loads.StartLoad(ctx, loadReq)
	if err != nil {
		return FromError("failed to start load", err)
	}
	logging.FromContext(ctx, h.log).Info(ctx, "load started",
		logging.String("load_id", load.ID),
		logging.String("entry", load.Entry))

	return c.JSON(http.StatusAccepted, load)
}

// HandleListLoads returns every retained load, newest first
func (h *LoadHandlerImpl) HandleListLoads(c echo.Context) error {
	return c.JSON(http.StatusOK, h.loads.ListLoads())
}

// HandleGetLoad returns the status of a load
func (h *LoadHandlerImpl) HandleGetLoad(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}

	load, ok := h.loads.GetLoad(id)
	if !ok {
		return NewNotFoundError("load", id)
	}

	// Touch load to prevent cleanup while being viewed
	h.loads.TouchLoad(id)

	return c.JSON(http.StatusOK, load)
}

// HandleDeleteLoad drops a load
func (h *LoadHandlerImpl) HandleDeleteLoad(c echo.Context) error {
	id := c.Param("id")
	if err := h.loads.DeleteLoad(c.Request().Context(), id); err != nil {
		return FromError("failed to delete load", err)
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleKeepAlive extends load lifetime for active viewing
func (h *LoadHandlerImpl) HandleKeepAlive(c echo.Context) error {
	id := c.Param("id")
	if ok := h.loads.TouchLoad(id); !ok {
		return NewNotFoundError("load", id)
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleGetModel returns the unified model of a completed load as JSON
func (h *LoadHandlerImpl) HandleGetModel(c echo.Context) error {
	id := c.Param("id")
	var body []byte
	err := h.loads.WithModel(id, func(m *models.UnifiedRobotModel) error {
		var err error
		body, err = json.Marshal(m)
		return err
	})
	if err != nil {
		return h.loadError(id, "failed to read model", err)
	}
	return c.JSONBlob(http.StatusOK, body)
}

// HandleGetModelMsgpack returns the unified model in MessagePack format
func (h *LoadHandlerImpl) HandleGetModelMsgpack(c echo.Context) error {
	id := c.Param("id")
	var data []byte
	err := h.loads.WithModel(id, func(m *models.UnifiedRobotModel) error {
		var err error
		data, err = models.MarshalMsgpack(m)
		return err
	})
	if err != nil {
		return h.loadError(id, "failed to encode msgpack", err)
	}
	return c.Blob(http.StatusOK, "application/msgpack", data)
}

// HandleGetStructure returns the link tree of a completed load, plus the
// catalog view when a catalog is configured
func (h *LoadHandlerImpl) HandleGetStructure(c echo.Context) error {
	id := c.Param("id")
	tree, err := h.loads.Tree(id)
	if err != nil {
		return h.loadError(id, "failed to read structure", err)
	}

	resp := structureResponse{Tree: tree, Nodes: tree.Nodes()}
	if h.catalog != nil {
		ctx := c.Request().Context()
		summary, err := h.catalog.Summary(ctx, id)
		switch {
		case err == nil:
			resp.Summary = &summary
			joints, err := h.catalog.ControllableJoints(ctx, id)
			if err != nil {
				return NewInternalError("failed to query catalog", err)
			}
			resp.Controllable = joints
		case !errors.Is(err, catalog.ErrNotFound):
			return NewInternalError("failed to query catalog", err)
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// HandleGetSource returns the current source text, including applied limit
// patches
func (h *LoadHandlerImpl) HandleGetSource(c echo.Context) error {
	id := c.Param("id")
	text, format, err := h.loads.SourceText(id)
	if err != nil {
		return h.loadError(id, "failed to read source", err)
	}
	c.Response().Header().Set("X-Source-Format", string(format))
	contentType := echo.MIMETextPlainCharsetUTF8
	if format == models.FormatURDF || format == models.FormatMJCF {
		contentType = echo.MIMEApplicationXMLCharsetUTF8
	}
	return c.Blob(http.StatusOK, contentType, []byte(text))
}

// HandleResolve reports how a reference resolves against a load's files
func (h *LoadHandlerImpl) HandleResolve(c echo.Context) error {
	id := c.QueryParam("load")
	if id == "" {
		return NewValidationError("load")
	}
	ref := c.QueryParam("ref")
	if ref == "" {
		return NewValidationError("ref")
	}

	match, ok, err := h.loads.Resolve(id, ref, c.QueryParam("context"), c.QueryParam("package"))
	if err != nil {
		return h.loadError(id, "failed to resolve", err)
	}
	resp := resolveResponse{Ref: ref, Found: ok}
	if ok {
		resp.Path = match.Path
		resp.Strategy = match.Strategy
		resp.Size = match.Handle.Size()
	}
	return c.JSON(http.StatusOK, resp)
}

// loadError maps errors of load accessors.
func (h *LoadHandlerImpl) loadError(id, message string, err error) error {
	if errors.Is(err, models.ErrLoadNotFound) {
		return NewNotFoundError("load", id)
	}
	return FromError(message, err)
}

// Request/Response types

type startLoadRequest struct {
	FileSetID string `json:"fileSetId"`
	Entry     string `json:"entry"`
	// URL names a library document, as served under web.LibraryPrefix.
	URL    string `json:"url"`
	Viewer string `json:"viewer"`
	// Format forces a parser instead of detecting one.
	Format string `json:"format"`
}

func (r *startLoadRequest) toLoadRequest() (session.LoadRequest, error) {
	req := session.LoadRequest{Viewer: r.Viewer, FileSetID: r.FileSetID, Entry: r.Entry}
	switch f := models.SourceFormat(strings.ToLower(r.Format)); f {
	case "":
	case models.FormatURDF, models.FormatMJCF, models.FormatUSD:
		req.Format = f
	default:
		return req, NewBadRequestError("format must be urdf, mjcf or usd", nil)
	}
	switch {
	case r.URL != "":
		u, err := url.Parse(r.URL)
		if err != nil || u.Scheme != "" || u.Host != "" || strings.Contains(r.URL, "://") {
			return req, NewBadRequestError("url must name a library document", nil)
		}
		entry := strings.TrimPrefix("/"+strings.TrimLeft(u.Path, "/"), web.LibraryPrefix)
		entry = path.Clean(strings.TrimLeft(entry, "/"))
		if entry == "." || strings.HasPrefix(entry, "..") {
			return req, NewBadRequestError("url must name a library document", nil)
		}
		req.FileSetID = ""
		req.Entry = entry
		req.Library = true
	case r.FileSetID == "":
		return req, NewValidationError("fileSetId or url")
	case r.Entry == "":
		return req, NewValidationError("entry")
	}
	return req, nil
}

type structureResponse struct {
	Tree         *topology.Tree     `json:"tree"`
	Nodes        []topology.Node    `json:"nodes"`
	Summary      *catalog.Summary   `json:"summary,omitempty"`
	Controllable []catalog.JointRow `json:"controllable,omitempty"`
}

type resolveResponse struct {
	Ref      string `json:"ref"`
	Found    bool   `json:"found"`
	Path     string `json:"path,omitempty"`
	Strategy string `json:"strategy,omitempty"`
	Size     int64  `json:"size,omitempty"`
}
