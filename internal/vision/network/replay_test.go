package network

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sslvision/internal/vision/sslproto"
)

type capturedPacket struct {
	payload []byte
	ts      time.Time
}

type sliceSource struct {
	packets []capturedPacket
	err     error
}

func (s *sliceSource) Next() ([]byte, time.Time, error) {
	if len(s.packets) == 0 {
		if s.err != nil {
			return nil, time.Time{}, s.err
		}
		return nil, time.Time{}, io.EOF
	}
	p := s.packets[0]
	s.packets = s.packets[1:]
	return p.payload, p.ts, nil
}

func udpFrame(t *testing.T, dstPort uint16, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
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
	udp := &layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(dstPort)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)))
	return buf.Bytes()
}

func writeCapture(t *testing.T, frames []capturedPacket) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vision.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	for _, fr := range frames {
		ci := gopacket.CaptureInfo{Timestamp: fr.ts, CaptureLength: len(fr.payload), Length: len(fr.payload)}
		require.NoError(t, w.WritePacket(ci, fr.payload))
	}
	return path
}

func TestReplay_DeliversInOrder(t *testing.T) {
	start := time.Unix(1700000000, 0)
	src := &sliceSource{packets: []capturedPacket{
		{payload: []byte{1}, ts: start},
		{payload: []byte{2}, ts: start.Add(time.Millisecond)},
		{payload: []byte{3}, ts: start.Add(2 * time.Millisecond)},
	}}

	var got []byte
	n, err := Replay(context.Background(), src, func(p []byte, _ time.Time) { got = append(got, p[0]) }, ReplayOptions{Speed: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte{1, 2, 3}, got)
}

func TestReplay_SourceError(t *testing.T) {
	boom := errors.New("bad block")
	src := &sliceSource{packets: []capturedPacket{{payload: []byte{1}}}, err: boom}

	n, err := Replay(context.Background(), src, func([]byte, time.Time) {}, ReplayOptions{})
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, err, boom)
}

func TestReplay_Cancelled(t *testing.T) {
	start := time.Unix(0, 0)
	src := &sliceSource{packets: []capturedPacket{
		{payload: []byte{1}, ts: start},
		{payload: []byte{2}, ts: start.Add(time.Hour)},
	}}
	ctx, cancel := context.WithCancel(context.Background())

	n, err := Replay(ctx, src, func([]byte, time.Time) { cancel() }, ReplayOptions{Speed: 1})
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenPCAP_FiltersByPortAndFeedsReceiver(t *testing.T) {
	start := time.Unix(1700000000, 0).UTC()
	path := writeCapture(t, []capturedPacket{
		{payload: udpFrame(t, 10006, detectionPacket(1)), ts: start},
		{payload: udpFrame(t, 10020, []byte("referee")), ts: start.Add(5 * time.Millisecond)},
		{payload: udpFrame(t, 10006, detectionPacket(2)), ts: start.Add(16 * time.Millisecond)},
	})

	src, err := OpenPCAP(path, 10006)
	require.NoError(t, err)
	defer src.Close()

	r := NewReceiver(ReceiverConfig{Group: "224.5.23.2", Port: 10006, Decoder: sslproto.Decoder{}})
	n, err := Replay(context.Background(), src, r.Ingest, ReplayOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	current, previous := r.Frames()
	assert.Equal(t, uint32(2), frameNumber(current))
	assert.Equal(t, uint32(1), frameNumber(previous))
	assert.True(t, start.Add(16*time.Millisecond).Equal(current.ReceivedAt))
}

func TestOpenPCAP_Errors(t *testing.T) {
	_, err := OpenPCAP(filepath.Join(t.TempDir(), "missing.pcap"), 10006)
	assert.ErrorIs(t, err, os.ErrNotExist)

	junk := filepath.Join(t.TempDir(), "junk.pcap")
	require.NoError(t, os.WriteFile(junk, []byte("not a capture file at all"), 0o644))
	_, err = OpenPCAP(junk, 10006)
	assert.Error(t, err)
}
