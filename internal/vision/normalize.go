package vision

import "math"

// NormalizeOptions controls the missing-data policies of Normalize.
type NormalizeOptions struct {
	// KeepLastBall reuses the previous frame's ball position when the raw
	// frame has no ball observation. Requires a previous frame.
	KeepLastBall bool
}

// Normalize remaps a raw detection frame into team coordinates: meters,
// origin at the team's defending corner, rotated 180 degrees when the team
// defends the right side.
//
// A raw frame without a detection section yields prev unchanged (which may
// be nil). prev is never modified; the returned frame shares no slices with
// it or with raw.
func Normalize(raw *RawFrame, field FieldSize, side TeamSide, prev *NormalizedFrame, opts NormalizeOptions) (*NormalizedFrame, error) {
	if !raw.HasDetection() {
		return prev, nil
	}
	det := raw.Detection
	halfW, halfH := field.Width/2, field.Height/2
	flip := side == SideRight

	out := &NormalizedFrame{
		CameraID:    det.CameraID,
		FrameNumber: det.FrameNumber,
		TCapture:    det.TCapture,
	}

	switch {
	case len(det.Balls) > 0 && finite(det.Balls[0].X) && finite(det.Balls[0].Y):
		x, y := float64(det.Balls[0].X), float64(det.Balls[0].Y)
		if flip {
			x, y = -x, -y
		}
		out.Ball = Point{X: x/1000 + halfW, Y: y/1000 + halfH}
	case opts.KeepLastBall:
		if prev == nil {
			return nil, &PreconditionError{Op: "keep last ball", Err: ErrNoPreviousFrame}
		}
		out.Ball = prev.Ball
	default:
		out.Ball = NoBall
	}

	out.RobotsYellow = normalizeRobots(det.RobotsYellow, halfW, halfH, flip)
	out.RobotsBlue = normalizeRobots(det.RobotsBlue, halfW, halfH, flip)
	return out, nil
}

func normalizeRobots(robots []Robot, halfW, halfH float64, flip bool) []NormalizedRobot {
	out := make([]NormalizedRobot, 0, len(robots))
	for _, r := range robots {
		x, y, theta := orZero(float64(r.X)), orZero(float64(r.Y)), orZero(r.Heading())
		if flip {
			x, y, theta = -x, -y, theta+math.Pi
		}
		out = append(out, NormalizedRobot{
			RobotID:     r.ID(),
			X:           x/1000 + halfW,
			Y:           y/1000 + halfH,
			Orientation: theta,
		})
	}
	return out
}

// finite reports whether v is neither NaN nor infinite. A ball with a
// non-finite coordinate is treated as not observed.
func finite(v float32) bool {
	return !math.IsNaN(float64(v)) && !math.IsInf(float64(v), 0)
}

// orZero maps non-finite robot fields to zero, like a missing field.
func orZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
