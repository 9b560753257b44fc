package main

import (
	"math"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/sslvision/internal/vision"
	"github.com/banshee-data/sslvision/internal/vision/sslproto"
)

// geometryEvery is how often a geometry section rides along with a detection.
const geometryEvery = 60

// Simulator produces a ball circling the center spot with robots spread
// along each half.
type Simulator struct {
	robots int
	frame  uint32
	field  vision.FieldGeometry
}

// NewSimulator creates a simulator for a division B field.
func NewSimulator(robotsPerTeam int) *Simulator {
	return &Simulator{
		robots: robotsPerTeam,
		field: vision.FieldGeometry{
			FieldLength:   9000,
			FieldWidth:    6000,
			GoalWidth:     1000,
			GoalDepth:     180,
			BoundaryWidth: 300,
		},
	}
}

// Next encodes the packet for elapsed time t since the start.
func (s *Simulator) Next(t time.Duration) []byte {
	s.frame++
	phase := t.Seconds()

	det := &vision.Detection{
		FrameNumber: s.frame,
		TCapture:    phase,
		TSent:       phase,
		Balls: []vision.Ball{{
			Confidence: 0.95,
			X:          float32(1500 * math.Cos(phase)),
			Y:          float32(1000 * math.Sin(phase)),
		}},
		RobotsYellow: s.team(-1, phase),
		RobotsBlue:   s.team(1, phase),
	}
	frame := &vision.RawFrame{Detection: det}
	if s.frame%geometryEvery == 1 {
		field := s.field
		frame.Geometry = &vision.Geometry{Field: &field}
	}
	return sslproto.AppendWrapper(nil, frame)
}

func (s *Simulator) team(side float32, phase float64) []vision.Robot {
	robots := make([]vision.Robot, 0, s.robots)
	for i := 0; i < s.robots; i++ {
		id := uint32(i)
		heading := float32(math.Mod(phase+float64(i), 2*math.Pi))
		robots = append(robots, vision.Robot{
			Confidence:  0.9,
			RobotID:     &id,
			X:           side * float32(500+600*i%4000),
			Y:           float32(-2500 + 1000*(i%6)),
			Orientation: &heading,
			Height:      140,
		})
	}
	return robots
}

func writeCapture(path string, sim *Simulator, frames int, interval time.Duration, port int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		return err
	}
	start := time.Now()
	for i := 0; i < frames; i++ {
		elapsed := time.Duration(i) * interval
		data, err := ethernetFrame(sim.Next(elapsed), port)
		if err != nil {
			return err
		}
		ci := gopacket.CaptureInfo{Timestamp: start.Add(elapsed), CaptureLength: len(data), Length: len(data)}
		if err := w.WritePacket(ci, data); err != nil {
			return err
		}
	}
	return nil
}

func ethernetFrame(payload []byte, port int) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		DstMAC:       net.HardwareAddr{0x01, 0x00, 0x5e, 0x05, 0x17, 0x02},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      1,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(10, 0, 0, 5),
		DstIP:    net.IPv4(224, 5, 23, 2),
	}
	udp := &layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(port)}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
