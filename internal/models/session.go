package models

// LoadStatus represents the status of a load operation.
type LoadStatus string

const (
	LoadStatusPending  LoadStatus = "pending"
	LoadStatusLoading  LoadStatus = "loading"
	LoadStatusComplete LoadStatus = "complete"
	LoadStatusError    LoadStatus = "error"
)

// LoadSession is the externally visible state of one load operation.
type LoadSession struct {
	ID               string       `json:"id"`
	Generation       uint64       `json:"generation"`
	FileSetID        string       `json:"fileSetId,omitempty"`
	Entry            string       `json:"entry"`
	Format           SourceFormat `json:"format,omitempty"`
	Status           LoadStatus   `json:"status"`
	Progress         float64      `json:"progress"` // 0-100
	LinkCount        int          `json:"linkCount,omitempty"`
	JointCount       int          `json:"jointCount,omitempty"`
	Controllable     int          `json:"controllableJoints,omitempty"`
	ProcessingTimeMs int64        `json:"processingTimeMs,omitempty"`
	Error            string       `json:"error,omitempty"`
	Warnings         []Warning    `json:"warnings,omitempty"`
}

// NewLoadSession creates a LoadSession in pending status.
func NewLoadSession(id string, generation uint64, fileSetID, entry string) *LoadSession {
	return &LoadSession{
		ID:         id,
		Generation: generation,
		FileSetID:  fileSetID,
		Entry:      entry,
		Status:     LoadStatusPending,
		Warnings:   make([]Warning, 0),
	}
}

// JointLimitEdit is a partial joint-limit update coming from the UI.
type JointLimitEdit struct {
	Lower    *float64 `json:"lower,omitempty"`
	Upper    *float64 `json:"upper,omitempty"`
	Effort   *float64 `json:"effort,omitempty"`
	Velocity *float64 `json:"velocity,omitempty"`
}

// Empty reports whether the edit carries no fields.
func (e JointLimitEdit) Empty() bool {
	return e.Lower == nil && e.Upper == nil && e.Effort == nil && e.Velocity == nil
}

// Apply merges the edit into l. The range becomes authored once lower or
// upper is set.
func (e JointLimitEdit) Apply(l *JointLimits) {
	if e.Lower != nil {
		l.Lower = *e.Lower
		l.HasRange = true
	}
	if e.Upper != nil {
		l.Upper = *e.Upper
		l.HasRange = true
	}
	if e.Effort != nil {
		v := *e.Effort
		l.Effort = &v
	}
	if e.Velocity != nil {
		v := *e.Velocity
		l.Velocity = &v
	}
}
