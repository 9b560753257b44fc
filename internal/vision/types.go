// Package vision holds the frame types shared by the receiver and the
// normalizer, and the normalizer itself.
//
// Raw frames are reported by the vision system in millimeters and radians,
// with the origin at the center of the field. Normalized frames are in
// meters with the origin moved to the team's defending corner.
package vision

import (
	"fmt"
	"strings"
	"time"
)

// Ball is a single ball observation from one camera.
type Ball struct {
	Confidence float32
	Area       uint32
	X          float32 // mm
	Y          float32 // mm
	Z          float32 // mm
	PixelX     float32
	PixelY     float32
}

// Robot is a single robot observation from one camera. RobotID and
// Orientation are optional on the wire and are nil when absent.
type Robot struct {
	Confidence  float32
	RobotID     *uint32
	X           float32 // mm
	Y           float32 // mm
	Orientation *float32 // radians
	PixelX      float32
	PixelY      float32
	Height      float32
}

// ID returns the robot identifier, or zero when it was not reported.
func (r Robot) ID() uint32 {
	if r.RobotID == nil {
		return 0
	}
	return *r.RobotID
}

// Heading returns the orientation in radians, or zero when it was not reported.
func (r Robot) Heading() float64 {
	if r.Orientation == nil {
		return 0
	}
	return float64(*r.Orientation)
}

// Detection is the detection section of one vision packet.
type Detection struct {
	FrameNumber  uint32
	TCapture     float64
	TSent        float64
	CameraID     uint32
	Balls        []Ball
	RobotsYellow []Robot
	RobotsBlue   []Robot
}

// FieldGeometry is the subset of the geometry section describing the
// playing surface. All values are millimeters.
type FieldGeometry struct {
	FieldLength   int32
	FieldWidth    int32
	GoalWidth     int32
	GoalDepth     int32
	BoundaryWidth int32
}

// FieldSize converts the geometry into a FieldSize in meters. The field
// length runs along x and becomes Width.
func (g FieldGeometry) FieldSize() FieldSize {
	return FieldSize{
		Width:  float64(g.FieldLength) / 1000,
		Height: float64(g.FieldWidth) / 1000,
	}
}

// Geometry is the geometry section of a vision packet.
type Geometry struct {
	Field *FieldGeometry
}

// RawFrame is the decoded content of one datagram. Either section may be
// absent; a geometry-only packet has a nil Detection.
type RawFrame struct {
	Detection  *Detection
	Geometry   *Geometry
	ReceivedAt time.Time
}

// HasDetection reports whether the frame carries ball/robot observations.
func (f *RawFrame) HasDetection() bool {
	return f != nil && f.Detection != nil
}

// FieldSize is the playing field size in meters.
type FieldSize struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Validate checks that both dimensions are positive.
func (s FieldSize) Validate() error {
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("field size must be positive, got %gx%g", s.Width, s.Height)
	}
	return nil
}

// TeamSide is the half of the field the team defends.
type TeamSide string

const (
	SideLeft  TeamSide = "left"
	SideRight TeamSide = "right"
)

// ParseTeamSide accepts "left" or "right" in any case.
func ParseTeamSide(s string) (TeamSide, error) {
	switch TeamSide(strings.ToLower(strings.TrimSpace(s))) {
	case SideLeft:
		return SideLeft, nil
	case SideRight:
		return SideRight, nil
	}
	return "", fmt.Errorf("invalid team side %q: must be left or right", s)
}

// Point is a position in meters.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NoBall is the sentinel ball position used when the ball was not observed
// and no fallback was requested.
var NoBall = Point{X: -1, Y: -1}

// NormalizedRobot is a robot pose in team coordinates.
type NormalizedRobot struct {
	RobotID     uint32  `json:"robotId"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Orientation float64 `json:"orientation"`
}

// NormalizedFrame is a detection frame remapped into team coordinates.
// It is never mutated after Normalize returns it.
type NormalizedFrame struct {
	CameraID     uint32            `json:"cameraId"`
	FrameNumber  uint32            `json:"frameNumber"`
	TCapture     float64           `json:"tCapture"`
	Ball         Point             `json:"ball"`
	RobotsYellow []NormalizedRobot `json:"robotsYellow"`
	RobotsBlue   []NormalizedRobot `json:"robotsBlue"`
}
