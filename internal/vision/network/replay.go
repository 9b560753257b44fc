package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// ReplaySource yields captured datagram payloads in capture order. Next
// returns io.EOF when the capture is exhausted.
type ReplaySource interface {
	Next() (payload []byte, ts time.Time, err error)
}

// ReplayOptions controls Replay pacing.
type ReplayOptions struct {
	// Speed scales capture time. 1 replays in real time, 2 twice as fast,
	// 0 as fast as possible.
	Speed float64
}

// Replay feeds every datagram from src to sink, stamped with its capture
// time, until src is exhausted or ctx is cancelled. It returns the number
// of datagrams delivered.
func Replay(ctx context.Context, src ReplaySource, sink func(packet []byte, at time.Time), opts ReplayOptions) (int, error) {
	var first time.Time
	start := time.Now()
	count := 0
	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		payload, ts, err := src.Next()
		if errors.Is(err, io.EOF) {
			return count, nil
		}
		if err != nil {
			return count, fmt.Errorf("replay packet %d: %w", count+1, err)
		}

		if opts.Speed > 0 {
			if first.IsZero() {
				first = ts
			}
			due := time.Duration(float64(ts.Sub(first)) / opts.Speed)
			if wait := due - time.Since(start); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					timer.Stop()
					return count, ctx.Err()
				case <-timer.C:
				}
			}
		}

		sink(payload, ts)
		count++
	}
}

// PCAPSource reads UDP payloads for one destination port from a pcap or
// pcapng capture file.
type PCAPSource struct {
	file     *os.File
	data     gopacket.PacketDataSource
	linkType layers.LinkType
	port     layers.UDPPort
}

// OpenPCAP opens a capture and filters it to UDP datagrams sent to port.
func OpenPCAP(path string, port int) (*PCAPSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture %s: %w", path, err)
	}
	src := &PCAPSource{file: f, port: layers.UDPPort(port)}

	if r, err := pcapgo.NewReader(f); err == nil {
		src.data, src.linkType = r, r.LinkType()
		return src, nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to rewind capture %s: %w", path, err)
	}
	ng, err := pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s is neither pcap nor pcapng: %w", path, err)
	}
	src.data, src.linkType = ng, ng.LinkType()
	return src, nil
}

// Next returns the next matching UDP payload.
func (s *PCAPSource) Next() ([]byte, time.Time, error) {
	for {
		data, ci, err := s.data.ReadPacketData()
		if err != nil {
			return nil, time.Time{}, err
		}
		packet := gopacket.NewPacket(data, s.linkType, gopacket.Default)
		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || udp.DstPort != s.port || len(udp.Payload) == 0 {
			continue
		}
		return udp.Payload, ci.Timestamp, nil
	}
}

// Close closes the capture file.
func (s *PCAPSource) Close() error {
	return s.file.Close()
}
