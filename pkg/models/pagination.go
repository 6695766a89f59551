package models

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 200
)

// Cursor selects a window of a channel's log. At most one of BeforeID
// and AfterID is honored; BeforeID wins when both are set.
type Cursor struct {
	BeforeID int64 `json:"beforeId,omitempty"`
	AfterID  int64 `json:"afterId,omitempty"`
	Limit    int   `json:"limit,omitempty"`
}

// Normalize clamps the limit into range.
func (c Cursor) Normalize() Cursor {
	if c.Limit <= 0 {
		c.Limit = DefaultPageLimit
	}
	if c.Limit > MaxPageLimit {
		c.Limit = MaxPageLimit
	}
	if c.BeforeID < 0 {
		c.BeforeID = 0
	}
	if c.AfterID < 0 {
		c.AfterID = 0
	}
	return c
}
