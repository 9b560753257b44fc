// Package sslproto decodes and encodes SSL-Vision wrapper packets.
//
// Only the sections the bridge consumes are modelled: the detection frame
// and the field size part of the geometry. Every other field is skipped,
// which keeps the decoder tolerant of newer schema revisions.
package sslproto

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/banshee-data/sslvision/internal/vision"
)

// Field numbers from the SSL-Vision wrapper schema.
const (
	wrapperDetection = 1
	wrapperGeometry  = 2

	detectionFrameNumber  = 1
	detectionTCapture     = 2
	detectionTSent        = 3
	detectionCameraID     = 4
	detectionBalls        = 5
	detectionRobotsYellow = 6
	detectionRobotsBlue   = 7

	ballConfidence = 1
	ballArea       = 2
	ballX          = 3
	ballY          = 4
	ballZ          = 5
	ballPixelX     = 6
	ballPixelY     = 7

	robotConfidence  = 1
	robotID          = 2
	robotX           = 3
	robotY           = 4
	robotOrientation = 5
	robotPixelX      = 6
	robotPixelY      = 7
	robotHeight      = 8

	geometryField = 1

	fieldLength        = 1
	fieldWidth         = 2
	fieldGoalWidth     = 3
	fieldGoalDepth     = 4
	fieldBoundaryWidth = 5
)

// DecodeError reports a malformed or truncated packet. Path names the
// message being decoded when the error occurred.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("sslproto: decode %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decoder decodes wrapper packets. The zero value is ready to use.
type Decoder struct{}

// Decode implements the receiver's decoder interface.
func (Decoder) Decode(b []byte) (*vision.RawFrame, error) {
	return Decode(b)
}

// Decode parses one wrapper packet. A packet with neither section, including
// a zero-length one, decodes successfully into an empty frame.
func Decode(b []byte) (*vision.RawFrame, error) {
	frame := &vision.RawFrame{}
	err := walk(b, "wrapper", func(num protowire.Number, typ protowire.Type, v field) error {
		switch {
		case num == wrapperDetection && typ == protowire.BytesType:
			det, err := decodeDetection(v.bytes)
			if err != nil {
				return err
			}
			frame.Detection = det
		case num == wrapperGeometry && typ == protowire.BytesType:
			geo, err := decodeGeometry(v.bytes)
			if err != nil {
				return err
			}
			frame.Geometry = geo
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return frame, nil
}

func decodeDetection(b []byte) (*vision.Detection, error) {
	det := &vision.Detection{}
	err := walk(b, "detection", func(num protowire.Number, typ protowire.Type, v field) error {
		switch num {
		case detectionFrameNumber:
			det.FrameNumber = v.asUint32(typ)
		case detectionTCapture:
			det.TCapture = v.asFloat64(typ)
		case detectionTSent:
			det.TSent = v.asFloat64(typ)
		case detectionCameraID:
			det.CameraID = v.asUint32(typ)
		case detectionBalls:
			if typ != protowire.BytesType {
				return nil
			}
			ball, err := decodeBall(v.bytes)
			if err != nil {
				return err
			}
			det.Balls = append(det.Balls, ball)
		case detectionRobotsYellow, detectionRobotsBlue:
			if typ != protowire.BytesType {
				return nil
			}
			robot, err := decodeRobot(v.bytes)
			if err != nil {
				return err
			}
			if num == detectionRobotsYellow {
				det.RobotsYellow = append(det.RobotsYellow, robot)
			} else {
				det.RobotsBlue = append(det.RobotsBlue, robot)
			}
		}
		return nil
	})
	return det, err
}

func decodeBall(b []byte) (vision.Ball, error) {
	var ball vision.Ball
	err := walk(b, "detection.ball", func(num protowire.Number, typ protowire.Type, v field) error {
		switch num {
		case ballConfidence:
			ball.Confidence = v.asFloat32(typ)
		case ballArea:
			ball.Area = v.asUint32(typ)
		case ballX:
			ball.X = v.asFloat32(typ)
		case ballY:
			ball.Y = v.asFloat32(typ)
		case ballZ:
			ball.Z = v.asFloat32(typ)
		case ballPixelX:
			ball.PixelX = v.asFloat32(typ)
		case ballPixelY:
			ball.PixelY = v.asFloat32(typ)
		}
		return nil
	})
	return ball, err
}

func decodeRobot(b []byte) (vision.Robot, error) {
	var robot vision.Robot
	err := walk(b, "detection.robot", func(num protowire.Number, typ protowire.Type, v field) error {
		switch num {
		case robotConfidence:
			robot.Confidence = v.asFloat32(typ)
		case robotID:
			if typ == protowire.VarintType {
				id := v.asUint32(typ)
				robot.RobotID = &id
			}
		case robotX:
			robot.X = v.asFloat32(typ)
		case robotY:
			robot.Y = v.asFloat32(typ)
		case robotOrientation:
			if typ == protowire.Fixed32Type {
				o := v.asFloat32(typ)
				robot.Orientation = &o
			}
		case robotPixelX:
			robot.PixelX = v.asFloat32(typ)
		case robotPixelY:
			robot.PixelY = v.asFloat32(typ)
		case robotHeight:
			robot.Height = v.asFloat32(typ)
		}
		return nil
	})
	return robot, err
}

func decodeGeometry(b []byte) (*vision.Geometry, error) {
	geo := &vision.Geometry{}
	err := walk(b, "geometry", func(num protowire.Number, typ protowire.Type, v field) error {
		if num != geometryField || typ != protowire.BytesType {
			return nil
		}
		fg := &vision.FieldGeometry{}
		err := walk(v.bytes, "geometry.field", func(num protowire.Number, typ protowire.Type, v field) error {
			switch num {
			case fieldLength:
				fg.FieldLength = v.asInt32(typ)
			case fieldWidth:
				fg.FieldWidth = v.asInt32(typ)
			case fieldGoalWidth:
				fg.GoalWidth = v.asInt32(typ)
			case fieldGoalDepth:
				fg.GoalDepth = v.asInt32(typ)
			case fieldBoundaryWidth:
				fg.BoundaryWidth = v.asInt32(typ)
			}
			return nil
		})
		if err != nil {
			return err
		}
		geo.Field = fg
		return nil
	})
	return geo, err
}

// field holds one consumed field value. Exactly one member is meaningful,
// selected by the wire type the visitor receives.
type field struct {
	varint uint64
	fixed  uint64
	bytes  []byte
}

// Values with an unexpected wire type read as zero, matching how protobuf
// treats a type mismatch as an unknown field.
func (f field) asUint32(typ protowire.Type) uint32 {
	if typ != protowire.VarintType {
		return 0
	}
	return uint32(f.varint)
}

func (f field) asInt32(typ protowire.Type) int32 {
	if typ != protowire.VarintType {
		return 0
	}
	return int32(f.varint)
}

func (f field) asFloat32(typ protowire.Type) float32 {
	if typ != protowire.Fixed32Type {
		return 0
	}
	return math.Float32frombits(uint32(f.fixed))
}

func (f field) asFloat64(typ protowire.Type) float64 {
	if typ != protowire.Fixed64Type {
		return 0
	}
	return math.Float64frombits(f.fixed)
}

// walk iterates over the fields of one message and hands each to visit.
// Groups and other wire types the schema never uses are skipped.
func walk(b []byte, path string, visit func(protowire.Number, protowire.Type, field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return &DecodeError{Path: path, Err: protowire.ParseError(n)}
		}
		b = b[n:]

		var v field
		switch typ {
		case protowire.VarintType:
			v.varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var x uint32
			x, n = protowire.ConsumeFixed32(b)
			v.fixed = uint64(x)
		case protowire.Fixed64Type:
			v.fixed, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			v.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return &DecodeError{Path: path, Err: protowire.ParseError(n)}
			}
			b = b[n:]
			continue
		}
		if n < 0 {
			return &DecodeError{Path: path, Err: protowire.ParseError(n)}
		}
		b = b[n:]

		if err := visit(num, typ, v); err != nil {
			return err
		}
	}
	return nil
}
