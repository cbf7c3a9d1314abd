package models

import (
	"encoding/json"
	"math"
	"testing"
)

func twoLinkModel() *UnifiedRobotModel {
	m := NewUnifiedRobotModel("arm", FormatURDF)
	m.AddLink(&Link{Name: "base"})
	m.AddLink(&Link{Name: "arm"})
	m.AddJoint(&Joint{
		Name:   "j1",
		Type:   JointRevolute,
		Parent: "base",
		Child:  "arm",
		Limits: &JointLimits{Lower: -1, Upper: 1, HasRange: true},
	})
	return m
}

func TestComputeRoot(t *testing.T) {
	m := twoLinkModel()
	roots := m.ComputeRoot()
	if m.RootLink != "base" {
		t.Errorf("expected root base, got %q", m.RootLink)
	}
	if len(roots) != 1 {
		t.Errorf("expected a single root candidate, got %v", roots)
	}
}

func TestComputeRootPicksFirstDeclared(t *testing.T) {
	m := NewUnifiedRobotModel("two-trees", FormatURDF)
	m.AddLink(&Link{Name: "a"})
	m.AddLink(&Link{Name: "b"})
	m.AddLink(&Link{Name: "c"})
	m.AddJoint(&Joint{Name: "bc", Type: JointFixed, Parent: "b", Child: "c"})

	roots := m.ComputeRoot()
	if m.RootLink != "a" {
		t.Errorf("expected first declared root a, got %q", m.RootLink)
	}
	if len(roots) != 2 || roots[1] != "b" {
		t.Errorf("unexpected candidates %v", roots)
	}
}

func TestComputeRootSkipsAttachedLinks(t *testing.T) {
	m := NewUnifiedRobotModel("mjcf", FormatMJCF)
	m.AddLink(&Link{Name: "site", ParentName: "world"})
	m.AddLink(&Link{Name: "world"})
	m.ComputeRoot()
	if m.RootLink != "world" {
		t.Errorf("expected world, got %q", m.RootLink)
	}
}

func TestFixedJointsCarryNoLimits(t *testing.T) {
	m := twoLinkModel()
	m.AddLink(&Link{Name: "tool"})
	m.AddJoint(&Joint{
		Name: "flange", Type: JointFixed, Parent: "arm", Child: "tool",
		Limits: &JointLimits{Lower: 0, Upper: 0},
	})

	j, _ := m.Joint("flange")
	if j.Limits != nil {
		t.Errorf("fixed joint kept limits")
	}
	ctrl := m.ControllableJoints()
	if len(ctrl) != 1 || ctrl[0].Name != "j1" {
		t.Errorf("unexpected controllable joints %v", ctrl)
	}
}

func TestDisplayRange(t *testing.T) {
	tests := []struct {
		name      string
		joint     Joint
		wantLower float64
		wantUpper float64
	}{
		{"continuous", Joint{Type: JointContinuous}, -math.Pi, math.Pi},
		{"continuous with effort only", Joint{Type: JointContinuous, Limits: &JointLimits{}}, -math.Pi, math.Pi},
		{"revolute", Joint{Type: JointRevolute, Limits: &JointLimits{Lower: -2, Upper: 0.5, HasRange: true}}, -2, 0.5},
		{"revolute no limits", Joint{Type: JointRevolute}, -math.Pi, math.Pi},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lo, hi := tt.joint.DisplayRange()
			if lo != tt.wantLower || hi != tt.wantUpper {
				t.Errorf("got [%v, %v], want [%v, %v]", lo, hi, tt.wantLower, tt.wantUpper)
			}
		})
	}

	j := Joint{Type: JointContinuous}
	j.DisplayRange()
	if j.Limits != nil {
		t.Errorf("display range mutated limits")
	}
}

func TestDuplicateNamesKeepFirst(t *testing.T) {
	m := twoLinkModel()
	if m.AddLink(&Link{Name: "base", ParentName: "x"}) {
		t.Errorf("duplicate link accepted")
	}
	l, _ := m.Link("base")
	if l.ParentName != "" {
		t.Errorf("duplicate replaced original")
	}
}

func TestDanglingJoints(t *testing.T) {
	m := twoLinkModel()
	m.AddJoint(&Joint{Name: "ghost", Type: JointRevolute, Parent: "arm", Child: "missing"})
	d := m.DanglingJoints()
	if len(d) != 1 || d[0].Name != "ghost" {
		t.Errorf("unexpected dangling joints %v", d)
	}
}

func TestOrderedMapJSONKeepsOrder(t *testing.T) {
	m := NewOrderedMap[int]()
	m.Set("z", 1)
	m.Set("a", 2)
	m.Set("z", 3)

	out, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"z":3,"a":2}` {
		t.Errorf("unexpected json %s", out)
	}
}

func TestJointLimitEditApply(t *testing.T) {
	effort := 50.0
	l := JointLimits{Lower: -1, Upper: 1, HasRange: true, Effort: &effort}
	lower := -1.2
	JointLimitEdit{Lower: &lower}.Apply(&l)

	if l.Lower != -1.2 || l.Upper != 1 {
		t.Errorf("unexpected range [%v, %v]", l.Lower, l.Upper)
	}
	if l.Effort == nil || *l.Effort != 50 {
		t.Errorf("effort changed")
	}
	if l.Velocity != nil {
		t.Errorf("velocity should stay absent")
	}
}

func TestDiagnosticsWarnOnce(t *testing.T) {
	d := NewDiagnostics()
	d.WarnOnce(KindStructural, "unsupported_interpolation", "cubic", "interpolation %s", "cubic")
	d.WarnOnce(KindStructural, "unsupported_interpolation", "cubic", "interpolation %s", "cubic")
	d.WarnOnce(KindStructural, "unsupported_interpolation", "step", "interpolation %s", "step")

	if got := d.Count("unsupported_interpolation"); got != 3 {
		t.Errorf("expected count 3, got %d", got)
	}
	if got := len(d.Warnings()); got != 2 {
		t.Errorf("expected 2 warnings, got %d", got)
	}
}
