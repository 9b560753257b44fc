package network

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sslvision/internal/monitoring"
	"github.com/banshee-data/sslvision/internal/vision"
	"github.com/banshee-data/sslvision/internal/vision/sslproto"
)

const (
	waitFor = 2 * time.Second
	tick    = 2 * time.Millisecond
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

func detectionPacket(frameNumber uint32) []byte {
	id := uint32(1)
	return sslproto.AppendWrapper(nil, &vision.RawFrame{Detection: &vision.Detection{
		FrameNumber:  frameNumber,
		CameraID:     0,
		Balls:        []vision.Ball{{X: float32(frameNumber), Y: 0}},
		RobotsYellow: []vision.Robot{{RobotID: &id, X: 100, Y: 200}},
	}})
}

func geometryPacket() []byte {
	return sslproto.AppendWrapper(nil, &vision.RawFrame{Geometry: &vision.Geometry{
		Field: &vision.FieldGeometry{FieldLength: 9000, FieldWidth: 6000},
	}})
}

// oversizedPacket is a valid detection packet of about 2.7KB, larger than
// DefaultBufferSize.
func oversizedPacket(frameNumber uint32) []byte {
	robots := make([]vision.Robot, 80)
	for i := range robots {
		id := uint32(i)
		robots[i] = vision.Robot{RobotID: &id, X: float32(i), Y: 1, Confidence: 1}
	}
	return sslproto.AppendWrapper(nil, &vision.RawFrame{Detection: &vision.Detection{
		FrameNumber: frameNumber,
		RobotsBlue:  robots,
	}})
}

// malformedPacket declares a 127-byte detection section but carries one byte.
var malformedPacket = []byte{0x0a, 0x7f, 0x08}

func newTestReceiver(t *testing.T, sock *MockUDPSocket, onFrame func()) *Receiver {
	t.Helper()
	r := NewReceiver(ReceiverConfig{
		Group:         "224.5.23.2",
		Port:          10006,
		ReadTimeout:   5 * time.Millisecond,
		Decoder:       sslproto.Decoder{},
		SocketFactory: NewMockMulticastSocketFactory(sock),
		OnFrame:       onFrame,
	})
	t.Cleanup(r.Stop)
	return r
}

func frameNumber(f *vision.RawFrame) uint32 {
	if f == nil || f.Detection == nil {
		return 0
	}
	return f.Detection.FrameNumber
}

func TestReceiver_DiscardsFirstDatagram(t *testing.T) {
	sock := NewMockUDPSocket(detectionPacket(1), detectionPacket(2))
	var calls atomic.Int32
	r := newTestReceiver(t, sock, func() { calls.Add(1) })

	require.NoError(t, r.Start(context.Background()))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, waitFor, tick)

	assert.Equal(t, uint32(2), frameNumber(r.CurrentFrame()))
	assert.Nil(t, r.PreviousFrame(), "warm-up datagram must not become a frame")
	assert.Equal(t, uint64(1), r.Stats().Packets)
}

func TestReceiver_MalformedDatagramBetweenValidOnes(t *testing.T) {
	sock := NewMockUDPSocket(geometryPacket(), detectionPacket(1))
	var calls atomic.Int32
	r := newTestReceiver(t, sock, func() { calls.Add(1) })

	require.NoError(t, r.Start(context.Background()))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, waitFor, tick)
	first := r.CurrentFrame()
	require.Equal(t, uint32(1), frameNumber(first))

	sock.Push(malformedPacket)
	require.Eventually(t, func() bool { return r.Stats().DecodeErrors == 1 }, waitFor, tick)
	assert.Same(t, first, r.CurrentFrame())
	assert.Equal(t, int32(1), calls.Load(), "decode failures must not invoke the callback")

	sock.Push(detectionPacket(2))
	require.Eventually(t, func() bool { return calls.Load() == 2 }, waitFor, tick)
	assert.Equal(t, uint32(2), frameNumber(r.CurrentFrame()))
	assert.Same(t, first, r.PreviousFrame())

	stats := r.Stats()
	assert.Equal(t, uint64(3), stats.Packets)
	assert.Equal(t, uint64(2), stats.Detections)
	assert.NoError(t, r.Err())
}

func TestReceiver_GeometryPacketKeepsCurrentFrame(t *testing.T) {
	sock := NewMockUDPSocket(detectionPacket(0), detectionPacket(5))
	var calls atomic.Int32
	r := newTestReceiver(t, sock, func() { calls.Add(1) })

	require.NoError(t, r.Start(context.Background()))
	require.Eventually(t, func() bool { return frameNumber(r.CurrentFrame()) == 5 }, waitFor, tick)
	current := r.CurrentFrame()

	sock.Push(geometryPacket())
	require.Eventually(t, func() bool { return r.Geometry() != nil }, waitFor, tick)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, waitFor, tick)

	assert.Same(t, current, r.CurrentFrame())
	assert.Equal(t, vision.FieldSize{Width: 9, Height: 6}, r.Geometry().Field.FieldSize())
	assert.Equal(t, uint64(1), r.Stats().GeometryPackets)
}

func TestReceiver_FramesAreConsistentPairs(t *testing.T) {
	sock := NewMockUDPSocket(detectionPacket(0))
	for i := uint32(1); i <= 200; i++ {
		sock.Push(detectionPacket(i))
	}
	r := newTestReceiver(t, sock, nil)
	require.NoError(t, r.Start(context.Background()))

	deadline := time.Now().Add(waitFor)
	for frameNumber(r.CurrentFrame()) < 200 {
		if time.Now().After(deadline) {
			t.Fatal("receiver did not reach the last frame")
		}
		cur, prev := r.Frames()
		if cur != nil && prev != nil {
			require.Equal(t, frameNumber(prev)+1, frameNumber(cur))
		}
		select {
		case <-r.Done():
			t.Fatal("receiver exited early")
		default:
		}
	}
}

func TestReceiver_StopIsIdempotentAndSilencesCallback(t *testing.T) {
	sock := NewMockUDPSocket(detectionPacket(0), detectionPacket(1))
	var calls atomic.Int32
	r := newTestReceiver(t, sock, func() { calls.Add(1) })

	require.NoError(t, r.Start(context.Background()))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, waitFor, tick)

	r.Stop()
	r.Stop()
	select {
	case <-r.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	assert.True(t, sock.Closed())
	assert.NoError(t, r.Err())

	sock.Push(detectionPacket(2))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.ErrorIs(t, r.Start(context.Background()), ErrAlreadyStarted)
}

func TestReceiver_StopBeforeStart(t *testing.T) {
	r := newTestReceiver(t, NewMockUDPSocket(), nil)
	r.Stop()
	<-r.Done()
	assert.ErrorIs(t, r.Start(context.Background()), ErrAlreadyStarted)
}

func TestReceiver_ContextCancellationStopsLoop(t *testing.T) {
	sock := NewMockUDPSocket()
	r := newTestReceiver(t, sock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx))
	cancel()

	select {
	case <-r.Done():
	case <-time.After(waitFor):
		t.Fatal("loop did not exit on context cancellation")
	}
	assert.NoError(t, r.Err())
	assert.True(t, sock.Closed())
}

func TestReceiver_FatalSocketErrorIsSurfaced(t *testing.T) {
	sock := NewMockUDPSocket(detectionPacket(0))
	r := newTestReceiver(t, sock, nil)

	require.NoError(t, r.Start(context.Background()))
	require.Eventually(t, func() bool { return sock.Reads() == 1 }, waitFor, tick)
	sock.FailNextRead(net.ErrClosed)

	select {
	case <-r.Done():
	case <-time.After(waitFor):
		t.Fatal("loop did not exit on a closed socket")
	}
	require.Error(t, r.Err())
	assert.ErrorIs(t, r.Err(), net.ErrClosed)
}

func TestReceiver_TransientReadErrorContinues(t *testing.T) {
	sock := NewMockUDPSocket(detectionPacket(0))
	r := newTestReceiver(t, sock, nil)

	require.NoError(t, r.Start(context.Background()))
	require.Eventually(t, func() bool { return sock.Reads() == 1 }, waitFor, tick)
	sock.FailNextRead(errors.New("connection refused"))
	sock.Push(detectionPacket(9))

	require.Eventually(t, func() bool { return frameNumber(r.CurrentFrame()) == 9 }, waitFor, tick)
	assert.NoError(t, r.Err())
}

func TestReceiver_StartErrors(t *testing.T) {
	t.Run("bind error from factory", func(t *testing.T) {
		factory := NewMockMulticastSocketFactory(nil)
		factory.Error = &BindError{Addr: "224.5.23.2:10006", Err: errors.New("address already in use")}
		r := NewReceiver(ReceiverConfig{Group: "224.5.23.2", Port: 10006, Decoder: sslproto.Decoder{}, SocketFactory: factory})

		err := r.Start(context.Background())
		var be *BindError
		require.True(t, errors.As(err, &be))
		assert.Equal(t, "224.5.23.2:10006", be.Addr)
	})

	t.Run("untyped factory error becomes bind error", func(t *testing.T) {
		factory := NewMockMulticastSocketFactory(nil)
		factory.Error = errors.New("boom")
		r := NewReceiver(ReceiverConfig{Group: "224.5.23.2", Port: 10006, Decoder: sslproto.Decoder{}, SocketFactory: factory})

		var be *BindError
		assert.True(t, errors.As(r.Start(context.Background()), &be))
	})

	t.Run("unicast group", func(t *testing.T) {
		factory := NewMockMulticastSocketFactory(NewMockUDPSocket())
		r := NewReceiver(ReceiverConfig{Group: "10.0.0.1", Port: 10006, Decoder: sslproto.Decoder{}, SocketFactory: factory})

		err := r.Start(context.Background())
		var je *JoinError
		require.True(t, errors.As(err, &je))
		assert.ErrorIs(t, err, ErrNotMulticast)
		assert.Empty(t, factory.Calls, "no socket should be opened for an invalid group")
	})

	t.Run("unknown interface", func(t *testing.T) {
		factory := NewMockMulticastSocketFactory(NewMockUDPSocket())
		r := NewReceiver(ReceiverConfig{Group: "224.5.23.2", Port: 10006, Interface: "does-not-exist0", Decoder: sslproto.Decoder{}, SocketFactory: factory})

		var je *JoinError
		assert.True(t, errors.As(r.Start(context.Background()), &je))
	})

	t.Run("missing decoder", func(t *testing.T) {
		r := NewReceiver(ReceiverConfig{Group: "224.5.23.2", Port: 10006})
		assert.Error(t, r.Start(context.Background()))
	})
}

func TestReceiver_RcvBufApplied(t *testing.T) {
	sock := NewMockUDPSocket()
	r := NewReceiver(ReceiverConfig{
		Group:         "224.5.23.2",
		Port:          10006,
		RcvBuf:        1 << 20,
		Decoder:       sslproto.Decoder{},
		SocketFactory: NewMockMulticastSocketFactory(sock),
	})
	defer r.Stop()

	require.NoError(t, r.Start(context.Background()))
	assert.Equal(t, 1<<20, sock.ReadBufferSize())
}

func TestReceiver_IngestTracksRateIncludingDecodeFailures(t *testing.T) {
	r := NewReceiver(ReceiverConfig{Group: "224.5.23.2", Port: 10006, Decoder: sslproto.Decoder{}})
	start := time.Unix(1700000000, 0)

	for i := 0; i < 3; i++ {
		r.Ingest(detectionPacket(uint32(i)), start.Add(time.Duration(i)*60*time.Millisecond))
	}
	assert.Zero(t, r.FPS())

	for i := 3; i < 10; i++ {
		packet := detectionPacket(uint32(i))
		if i%2 == 0 {
			packet = malformedPacket
		}
		r.Ingest(packet, start.Add(time.Duration(i)*60*time.Millisecond))
	}
	assert.InDelta(t, 16.67, r.FPS(), 0.01)

	stats := r.Stats()
	assert.Equal(t, uint64(10), stats.Packets)
	assert.Equal(t, uint64(3), stats.DecodeErrors)
	assert.Equal(t, start.Add(540*time.Millisecond).UnixNano(), stats.LastPacketAt.UnixNano())
	assert.InDelta(t, 0, stats.JitterMs, 1e-6)
	assert.True(t, start.Add(540*time.Millisecond).Equal(r.CurrentFrame().ReceivedAt))
	assert.Equal(t, uint32(7), frameNumber(r.PreviousFrame()))
}

func TestReceiver_SetCallback(t *testing.T) {
	r := NewReceiver(ReceiverConfig{Group: "224.5.23.2", Port: 10006, Decoder: sslproto.Decoder{}})
	var calls int
	r.SetCallback(func() { calls++ })
	r.Ingest(detectionPacket(1), time.Now())
	r.SetCallback(nil)
	r.Ingest(detectionPacket(2), time.Now())
	assert.Equal(t, 1, calls)
	assert.Len(t, r.ID(), 36)
	assert.Equal(t, "224.5.23.2:10006", r.Addr())
}

func TestReceiver_StopFromCallbackReturnsPromptly(t *testing.T) {
	sock := NewMockUDPSocket(detectionPacket(0), detectionPacket(1))
	var (
		r       *Receiver
		calls   atomic.Int32
		stopDur atomic.Int64
	)
	r = newTestReceiver(t, sock, func() {
		calls.Add(1)
		start := time.Now()
		r.Stop()
		stopDur.Store(int64(time.Since(start)))
	})

	require.NoError(t, r.Start(context.Background()))
	select {
	case <-r.Done():
	case <-time.After(waitFor):
		t.Fatal("loop did not exit after Stop from the callback")
	}
	assert.Less(t, time.Duration(stopDur.Load()), 500*time.Millisecond)
	assert.True(t, sock.Closed())
	assert.NoError(t, r.Err())

	sock.Push(detectionPacket(2))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestReceiver_OversizedDatagramIsTruncated(t *testing.T) {
	big := oversizedPacket(7)
	require.Greater(t, len(big), DefaultBufferSize)

	sock := NewMockUDPSocket(detectionPacket(0), detectionPacket(1))
	var calls atomic.Int32
	r := newTestReceiver(t, sock, func() { calls.Add(1) })

	require.NoError(t, r.Start(context.Background()))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, waitFor, tick)
	first := r.CurrentFrame()

	sock.Push(big)
	require.Eventually(t, func() bool { return r.Stats().DecodeErrors == 1 }, waitFor, tick)
	assert.Same(t, first, r.CurrentFrame())
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, uint64(len(detectionPacket(1))+DefaultBufferSize), r.Stats().Bytes)
}

func TestReceiver_IngestTruncatesLikeSocketRead(t *testing.T) {
	big := oversizedPacket(7)
	require.Greater(t, len(big), DefaultBufferSize)

	r := NewReceiver(ReceiverConfig{Group: "224.5.23.2", Port: 10006, Decoder: sslproto.Decoder{}})
	var calls int
	r.SetCallback(func() { calls++ })

	r.Ingest(detectionPacket(1), time.Now())
	first := r.CurrentFrame()
	r.Ingest(big, time.Now())

	stats := r.Stats()
	assert.Equal(t, uint64(1), stats.DecodeErrors)
	assert.Equal(t, uint64(len(detectionPacket(1))+DefaultBufferSize), stats.Bytes)
	assert.Same(t, first, r.CurrentFrame())
	assert.Equal(t, 1, calls)

	roomy := NewReceiver(ReceiverConfig{Group: "224.5.23.2", Port: 10006, BufferSize: 4096, Decoder: sslproto.Decoder{}})
	roomy.Ingest(big, time.Now())
	assert.Zero(t, roomy.Stats().DecodeErrors)
	assert.Equal(t, uint32(7), frameNumber(roomy.CurrentFrame()))
}

func TestReceiver_EmptyDatagramFiresCallback(t *testing.T) {
	r := NewReceiver(ReceiverConfig{Group: "224.5.23.2", Port: 10006, Decoder: sslproto.Decoder{}})
	var calls int
	r.SetCallback(func() { calls++ })

	r.Ingest(detectionPacket(3), time.Now())
	current := r.CurrentFrame()
	r.Ingest([]byte{}, time.Now())

	assert.Equal(t, 2, calls)
	assert.Zero(t, r.Stats().DecodeErrors)
	assert.Equal(t, uint64(2), r.Stats().Packets)
	assert.Same(t, current, r.CurrentFrame())
}
