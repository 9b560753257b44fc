package sslproto

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/banshee-data/sslvision/internal/vision"
)

// AppendWrapper appends the wire encoding of frame to b. Sections that are
// nil in frame are omitted. Optional robot fields are written only when set.
func AppendWrapper(b []byte, frame *vision.RawFrame) []byte {
	if frame == nil {
		return b
	}
	if frame.Detection != nil {
		b = appendMessage(b, wrapperDetection, appendDetection(nil, frame.Detection))
	}
	if frame.Geometry != nil {
		b = appendMessage(b, wrapperGeometry, appendGeometry(nil, frame.Geometry))
	}
	return b
}

func appendDetection(b []byte, det *vision.Detection) []byte {
	b = appendVarint(b, detectionFrameNumber, uint64(det.FrameNumber))
	b = appendDouble(b, detectionTCapture, det.TCapture)
	b = appendDouble(b, detectionTSent, det.TSent)
	b = appendVarint(b, detectionCameraID, uint64(det.CameraID))
	for _, ball := range det.Balls {
		b = appendMessage(b, detectionBalls, appendBall(nil, ball))
	}
	for _, r := range det.RobotsYellow {
		b = appendMessage(b, detectionRobotsYellow, appendRobot(nil, r))
	}
	for _, r := range det.RobotsBlue {
		b = appendMessage(b, detectionRobotsBlue, appendRobot(nil, r))
	}
	return b
}

func appendBall(b []byte, ball vision.Ball) []byte {
	b = appendFloat(b, ballConfidence, ball.Confidence)
	b = appendVarint(b, ballArea, uint64(ball.Area))
	b = appendFloat(b, ballX, ball.X)
	b = appendFloat(b, ballY, ball.Y)
	b = appendFloat(b, ballZ, ball.Z)
	b = appendFloat(b, ballPixelX, ball.PixelX)
	b = appendFloat(b, ballPixelY, ball.PixelY)
	return b
}

func appendRobot(b []byte, r vision.Robot) []byte {
	b = appendFloat(b, robotConfidence, r.Confidence)
	if r.RobotID != nil {
		b = appendVarint(b, robotID, uint64(*r.RobotID))
	}
	b = appendFloat(b, robotX, r.X)
	b = appendFloat(b, robotY, r.Y)
	if r.Orientation != nil {
		b = appendFloat(b, robotOrientation, *r.Orientation)
	}
	b = appendFloat(b, robotPixelX, r.PixelX)
	b = appendFloat(b, robotPixelY, r.PixelY)
	b = appendFloat(b, robotHeight, r.Height)
	return b
}

func appendGeometry(b []byte, geo *vision.Geometry) []byte {
	if geo.Field == nil {
		return b
	}
	f := geo.Field
	var fb []byte
	fb = appendVarint(fb, fieldLength, uint64(int64(f.FieldLength)))
	fb = appendVarint(fb, fieldWidth, uint64(int64(f.FieldWidth)))
	fb = appendVarint(fb, fieldGoalWidth, uint64(int64(f.GoalWidth)))
	fb = appendVarint(fb, fieldGoalDepth, uint64(int64(f.GoalDepth)))
	fb = appendVarint(fb, fieldBoundaryWidth, uint64(int64(f.BoundaryWidth)))
	return appendMessage(b, geometryField, fb)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendFloat(b []byte, num protowire.Number, v float32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}
