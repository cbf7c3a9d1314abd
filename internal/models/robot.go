package models

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// SourceFormat identifies the document format a model was built from.
type SourceFormat string

const (
	FormatURDF SourceFormat = "urdf"
	FormatMJCF SourceFormat = "mjcf"
	FormatUSD  SourceFormat = "usd"
)

// JointType is the kinematic type of a joint.
type JointType string

const (
	JointFixed      JointType = "fixed"
	JointRevolute   JointType = "revolute"
	JointContinuous JointType = "continuous"
	JointPrismatic  JointType = "prismatic"
	JointPlanar     JointType = "planar"
	JointFloating   JointType = "floating"
)

// ConstraintType is the kind of closed-chain relation.
type ConstraintType string

const (
	ConstraintWeld    ConstraintType = "weld"
	ConstraintConnect ConstraintType = "connect"
	ConstraintJoint   ConstraintType = "joint"
)

// Vec3 is a 3-component vector in the document's units.
type Vec3 = r3.Vec

// Pose is a translation plus roll/pitch/yaw rotation in radians.
type Pose struct {
	XYZ Vec3 `json:"xyz"`
	RPY Vec3 `json:"rpy"`
}

// InertialProperties holds mass and the inertia tensor of a link.
type InertialProperties struct {
	Mass   float64 `json:"mass"`
	Origin Pose    `json:"origin"`
	Ixx    float64 `json:"ixx"`
	Iyy    float64 `json:"iyy"`
	Izz    float64 `json:"izz"`
	Ixy    float64 `json:"ixy"`
	Ixz    float64 `json:"ixz"`
	Iyz    float64 `json:"iyz"`
}

// Link is a rigid body in the kinematic tree.
type Link struct {
	Name     string              `json:"name"`
	Inertial *InertialProperties `json:"inertial,omitempty"`
	// ParentName is set for joint-less attachment to another link.
	ParentName   string `json:"parentName,omitempty"`
	RenderHandle string `json:"renderHandle,omitempty"`
}

// JointLimits holds the authored limits of a joint. Effort and Velocity
// stay nil when the document does not declare them.
type JointLimits struct {
	Lower    float64  `json:"lower"`
	Upper    float64  `json:"upper"`
	HasRange bool     `json:"hasRange"`
	Effort   *float64 `json:"effort,omitempty"`
	Velocity *float64 `json:"velocity,omitempty"`
}

// Joint connects a parent link to a child link.
type Joint struct {
	Name         string       `json:"name"`
	Type         JointType    `json:"type"`
	Parent       string       `json:"parent"`
	Child        string       `json:"child"`
	Origin       Pose         `json:"origin"`
	Axis         Vec3         `json:"axis"`
	Limits       *JointLimits `json:"limits,omitempty"`
	CurrentValue float64      `json:"currentValue"`
}

// Controllable reports whether the joint is exposed to actuation.
func (j *Joint) Controllable() bool {
	return j.Type != JointFixed
}

// DisplayRange returns the slider range for the joint. Continuous and
// unbounded joints get [-pi, pi]; the stored limits are not touched.
func (j *Joint) DisplayRange() (float64, float64) {
	if j.Type == JointContinuous || j.Limits == nil || !j.Limits.HasRange {
		return -math.Pi, math.Pi
	}
	return j.Limits.Lower, j.Limits.Upper
}

// Constraint is a closed kinematic loop between two bodies or two joints.
type Constraint struct {
	Name   string         `json:"name"`
	Type   ConstraintType `json:"type"`
	First  string         `json:"first"`
	Second string         `json:"second"`
}

// UnifiedRobotModel is the format-independent kinematic description of a robot.
type UnifiedRobotModel struct {
	Name         string                   `json:"name"`
	Links        *OrderedMap[*Link]       `json:"links"`
	Joints       *OrderedMap[*Joint]      `json:"joints"`
	Constraints  *OrderedMap[*Constraint] `json:"constraints"`
	RootLink     string                   `json:"rootLink,omitempty"`
	RenderHandle string                   `json:"renderHandle,omitempty"`
	SourceFormat SourceFormat             `json:"sourceFormat"`
}

// NewUnifiedRobotModel creates an empty model for the given format.
func NewUnifiedRobotModel(name string, format SourceFormat) *UnifiedRobotModel {
	return &UnifiedRobotModel{
		Name:         name,
		Links:        NewOrderedMap[*Link](),
		Joints:       NewOrderedMap[*Joint](),
		Constraints:  NewOrderedMap[*Constraint](),
		SourceFormat: format,
	}
}

// AddLink adds l unless a link with the same name exists.
func (m *UnifiedRobotModel) AddLink(l *Link) bool {
	if m.Links.Has(l.Name) {
		return false
	}
	m.Links.Set(l.Name, l)
	return true
}

// AddJoint adds j unless a joint with the same name exists. Fixed joints
// never carry limits.
func (m *UnifiedRobotModel) AddJoint(j *Joint) bool {
	if m.Joints.Has(j.Name) {
		return false
	}
	if j.Type == JointFixed {
		j.Limits = nil
	}
	m.Joints.Set(j.Name, j)
	return true
}

// AddConstraint adds c unless a constraint with the same name exists.
func (m *UnifiedRobotModel) AddConstraint(c *Constraint) bool {
	if m.Constraints.Has(c.Name) {
		return false
	}
	m.Constraints.Set(c.Name, c)
	return true
}

// Link returns the named link.
func (m *UnifiedRobotModel) Link(name string) (*Link, bool) {
	return m.Links.Get(name)
}

// Joint returns the named joint.
func (m *UnifiedRobotModel) Joint(name string) (*Joint, bool) {
	return m.Joints.Get(name)
}

// RootCandidates returns, in declaration order, every link that is neither a
// joint child nor attached to a parent link.
func (m *UnifiedRobotModel) RootCandidates() []string {
	children := make(map[string]struct{}, m.Joints.Len())
	m.Joints.Each(func(_ string, j *Joint) bool {
		children[j.Child] = struct{}{}
		return true
	})

	var roots []string
	m.Links.Each(func(name string, l *Link) bool {
		if _, ok := children[name]; ok {
			return true
		}
		if l.ParentName != "" && m.Links.Has(l.ParentName) {
			return true
		}
		roots = append(roots, name)
		return true
	})
	return roots
}

// ComputeRoot sets RootLink to the first root candidate and returns all
// candidates so callers can report disconnected trees.
func (m *UnifiedRobotModel) ComputeRoot() []string {
	roots := m.RootCandidates()
	m.RootLink = ""
	if len(roots) > 0 {
		m.RootLink = roots[0]
	}
	return roots
}

// ControllableJoints returns the non-fixed joints in declaration order.
func (m *UnifiedRobotModel) ControllableJoints() []*Joint {
	var out []*Joint
	m.Joints.Each(func(_ string, j *Joint) bool {
		if j.Controllable() {
			out = append(out, j)
		}
		return true
	})
	return out
}

// DanglingJoints returns joints whose parent or child is not a known link.
func (m *UnifiedRobotModel) DanglingJoints() []*Joint {
	var out []*Joint
	m.Joints.Each(func(_ string, j *Joint) bool {
		if !m.Links.Has(j.Parent) || !m.Links.Has(j.Child) {
			out = append(out, j)
		}
		return true
	})
	return out
}
