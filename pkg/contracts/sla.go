package contracts

import "time"

// SLAStatus is the lifecycle state of a deadline clock.
type SLAStatus string

const (
	SLAActive   SLAStatus = "active"
	SLAMet      SLAStatus = "met"
	SLABreached SLAStatus = "breached"
	SLAPaused   SLAStatus = "paused"
)

// SLAType categorizes the deadline a clock tracks.
type SLAType string

const (
	SLAFirstResponse SLAType = "first_response"
	SLAResolution    SLAType = "resolution"
)

// SLATracking is one deadline clock tied to an escalation. Exactly one
// active-or-paused clock may exist per (case, level) pair at a time.
// EndTime is set iff status is met or breached.
type SLATracking struct {
	ID          string     `json:"id"`
	CaseID      string     `json:"case_id"`
	Level       int        `json:"level"`
	SLAType     SLAType    `json:"sla_type"`
	TargetHours float64    `json:"target_hours"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	Status      SLAStatus  `json:"status"`
	BreachReason string    `json:"breach_reason,omitempty"`

	// PausedAt is set while the clock is paused. On resume the start
	// time is shifted forward by the pause duration, so progress only
	// accumulates over active time.
	PausedAt *time.Time `json:"paused_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Target returns the clock's deadline duration.
func (c *SLATracking) Target() time.Duration {
	return time.Duration(c.TargetHours * float64(time.Hour))
}

// Terminal reports whether the clock has been closed.
func (c *SLATracking) Terminal() bool {
	return c.Status == SLAMet || c.Status == SLABreached
}

// Progress returns the elapsed/target ratio as a percentage.
// Active clocks report a value clamped to [0, 100]; breached clocks are
// pinned at 100; met clocks are frozen at the ratio reached at EndTime.
func (c *SLATracking) Progress(now time.Time) float64 {
	target := c.Target()
	if target <= 0 {
		return 100
	}
	switch c.Status {
	case SLABreached:
		return 100
	case SLAMet:
		if c.EndTime == nil {
			return 100
		}
		now = *c.EndTime
	case SLAPaused:
		if c.PausedAt != nil {
			now = *c.PausedAt
		}
	}
	pct := float64(now.Sub(c.StartTime)) / float64(target) * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// Clone returns a deep copy.
func (c *SLATracking) Clone() *SLATracking {
	d := *c
	if c.EndTime != nil {
		t := *c.EndTime
		d.EndTime = &t
	}
	if c.PausedAt != nil {
		t := *c.PausedAt
		d.PausedAt = &t
	}
	return &d
}
