package frame

import (
	"image"
	"time"
)

// Role identifies which sensor a frame came from.
type Role int

const (
	Visible Role = iota
	Thermal
)

func (r Role) String() string {
	switch r {
	case Visible:
		return "visible"
	case Thermal:
		return "thermal"
	default:
		return "unknown"
	}
}

// Frame is one decoded sensor image. Exactly one of Gray or Raw is set,
// matching Role. Frames are never mutated after construction.
type Frame struct {
	Role      Role
	Timestamp uint64 // producer clock, microseconds
	Seq       uint32
	Gray      *image.Gray   // visible, 8-bit
	Raw       *image.Gray16 // thermal, raw sensor counts
	Received  time.Time
}

// Bounds returns the payload rectangle, or an empty rectangle if the frame
// carries no payload.
func (f *Frame) Bounds() image.Rectangle {
	switch {
	case f.Gray != nil:
		return f.Gray.Bounds()
	case f.Raw != nil:
		return f.Raw.Bounds()
	default:
		return image.Rectangle{}
	}
}
