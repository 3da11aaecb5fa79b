package state

// Clock is the only time source the protocol components read. The core advances it
// to each command's versioned timestamp before executing the command.
type Clock interface {
	Now() int64 // unix seconds
}

// ManualClock is a monotonically non-decreasing clock driven by command timestamps.
type ManualClock struct {
	now int64
}

func NewManualClock(start int64) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() int64 {
	return c.now
}

// Advance moves the clock to ts. Earlier timestamps leave it unchanged.
func (c *ManualClock) Advance(ts int64) int64 {
	if ts > c.now {
		c.now = ts
	}
	return c.now
}
