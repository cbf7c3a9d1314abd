// handlers_joints.go - Joint limit and angle handlers
package api

import (
	"math"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/robot-viewer/backend/internal/logging"
	"github.com/robot-viewer/backend/internal/models"
)

// JointHandlerImpl implements the JointHandler interface
type JointHandlerImpl struct {
	loads LoadManager
	log   logging.Logger
}

// NewJointHandler creates a new joint handler instance
func NewJointHandler(loads LoadManager, log logging.Logger) JointHandler {
	if log == nil {
		log = logging.Noop()
	}
	return &JointHandlerImpl{loads: loads, log: log}
}

// HandleEditLimits applies a partial limit edit to a joint. The response
// says whether the source text could be kept in sync.
func (h *JointHandlerImpl) HandleEditLimits(c echo.Context) error {
	id, joint := c.Param("id"), c.Param("joint")
	if joint == "" {
		return NewValidationError("joint")
	}

	var edit models.JointLimitEdit
	if err := c.Bind(&edit); err != nil {
		return NewBadRequestError("invalid request body", err)
	}
	if edit.Empty() {
		return NewBadRequestError("edit carries no limit fields", nil)
	}
	for name, v := range map[string]*float64{
		"lower": edit.Lower, "upper": edit.Upper, "effort": edit.Effort, "velocity": edit.Velocity,
	} {
		if v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0)) {
			return NewValidationError(name)
		}
	}

	ctx := c.Request().Context()
	res, err := h.loads.EditJointLimit(ctx, id, joint, edit)
	if err != nil {
		return FromError("failed to edit joint limits", err)
	}
	if res.Warning != "" {
		logging.FromContext(ctx, h.log).Info(ctx, "limit edit kept out of source",
			logging.String("load_id", id),
			logging.String("joint", joint))
	}
	return c.JSON(http.StatusOK, res)
}

// HandleSetAngle drives a joint and returns the applied value
func (h *JointHandlerImpl) HandleSetAngle(c echo.Context) error {
	id, joint := c.Param("id"), c.Param("joint")

	var req setAngleRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid request body", err)
	}
	if req.Angle == nil {
		return NewValidationError("angle")
	}

	applied, err := h.loads.SetJointAngle(id, joint, *req.Angle, req.IgnoreLimits)
	if err != nil {
		return FromError("failed to set joint angle", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"joint": joint,
		"value": applied,
	})
}

type setAngleRequest struct {
	Angle        *float64 `json:"angle"`
	IgnoreLimits bool     `json:"ignoreLimits"`
}
