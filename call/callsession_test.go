package call

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrsingh-rishi/voice-client/model"
	"github.com/mrsingh-rishi/voice-client/protocol"
	"github.com/mrsingh-rishi/voice-client/types"
)

func TestConversationRoundTrip(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, "abc")
	assert.Equal(t, "abc", h.s.SessionID())

	require.NoError(t, h.s.StartListening(context.Background()))
	assert.Equal(t, transition{model.StateIdle, model.StateListening}, h.ev.state(t))

	start := conn.nextControl(t)
	assert.Equal(t, protocol.TypeSessionStart, start.Type)
	assert.Equal(t, "abc", start.SessionID)
	assert.Equal(t, protocol.SessionStartData{Format: protocol.FormatPCM16, SampleRate: 16000, Channels: 1},
		sessionStartData(t, start))

	stream := h.src.stream(t)
	stream.blocks <- fill(4, 0.5)
	pcm := conn.nextBinary(t)
	require.Len(t, pcm, 8)
	assert.Equal(t, int16(16383), int16(binary.LittleEndian.Uint16(pcm)))

	stream.blocks <- fill(4, 0)
	conn.nextBinary(t)
	h.clk.Advance(1200 * time.Millisecond)

	end := conn.nextControl(t)
	assert.Equal(t, protocol.TypeAudioEnd, end.Type)
	assert.Equal(t, transition{model.StateListening, model.StateProcessing}, h.ev.state(t))

	conn.serverSend(t, protocol.TypeTranscript, protocol.TextData{Text: "hello there", IsFinal: true})
	assert.Equal(t, types.TextEvent{Text: "hello there", Final: true}, <-h.ev.transcripts)
	conn.serverSend(t, protocol.TypeResponseText, protocol.TextData{Text: "Hi"})
	assert.Equal(t, types.TextEvent{Text: "Hi"}, <-h.ev.responses)

	conn.serverSend(t, protocol.TypeResponseAudio, audioPayload(t, []byte{0, 0x40, 0, 0xc0}, 24000))
	seg := h.sink.started(t)
	assert.Equal(t, 24000, seg.SampleRate)
	assert.Equal(t, []float32{0.5, -0.5}, seg.Samples)
	assert.Equal(t, transition{model.StateProcessing, model.StateSpeaking}, h.ev.state(t))

	conn.serverSend(t, protocol.TypeResponseAudioEnd, nil)
	<-h.ev.audioEnds
	h.sink.finish(t)
	assert.Equal(t, transition{model.StateSpeaking, model.StateIdle}, h.ev.state(t))
	assert.Equal(t, model.StateIdle, h.s.State())
}

func TestBinaryAudioUsesLastStatedRate(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, "s1")

	conn.serverRaw(true, []byte{1, 0, 2, 0})
	assert.Equal(t, 22050, h.sink.started(t).SampleRate)
	h.sink.finish(t)

	conn.serverSend(t, protocol.TypeResponseAudio, audioPayload(t, []byte{1, 0}, 24000))
	assert.Equal(t, 24000, h.sink.started(t).SampleRate)
	h.sink.finish(t)

	conn.serverRaw(true, []byte{3, 0})
	assert.Equal(t, 24000, h.sink.started(t).SampleRate)
	h.sink.finish(t)
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, "s1")

	conn.serverRaw(false, []byte("not json"))
	conn.serverRaw(false, []byte(`{"data":{}}`))
	conn.serverRaw(false, []byte(`{"type":"bogus"}`))
	conn.serverRaw(false, []byte(`{"type":"transcript"}`))
	conn.serverRaw(false, []byte(`{"type":"response_audio","data":{"audio":"%%%"}}`))
	conn.serverRaw(true, []byte{1, 2, 3})
	conn.serverSend(t, protocol.TypeTranscript, protocol.TextData{Text: "ok"})

	select {
	case ev := <-h.ev.transcripts:
		assert.Equal(t, "ok", ev.Text)
	case <-time.After(time.Second):
		t.Fatal("valid message after malformed ones not handled")
	}
	assert.Empty(t, h.ev.disconnected)
	assert.False(t, conn.isClosed())
	h.ev.noErr(t, 20*time.Millisecond)
}

func TestServerErrorForcesIdle(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, "s1")
	require.NoError(t, h.s.StartListening(context.Background()))
	h.ev.state(t)
	stream := h.src.stream(t)

	conn.serverSend(t, protocol.TypeError, protocol.ErrorData{Message: "pipeline failed"})
	err := h.ev.err(t)
	var se *types.ServerError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "pipeline failed", se.Message)
	assert.Equal(t, transition{model.StateListening, model.StateIdle}, h.ev.state(t))

	select {
	case <-stream.closed:
	case <-time.After(time.Second):
		t.Fatal("capture still running after server error")
	}
	assert.False(t, conn.isClosed(), "a server error keeps the connection")
}

func TestBargeInStopsPlayback(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, "s1")
	require.NoError(t, h.s.StartListening(context.Background()))
	h.ev.state(t)
	conn.nextControl(t)

	stream := h.src.stream(t)
	stream.blocks <- fill(4, 0)
	conn.nextBinary(t)
	h.clk.Advance(1200 * time.Millisecond)
	assert.Equal(t, model.StateProcessing, h.ev.state(t).to)

	conn.serverSend(t, protocol.TypeResponseAudio, audioPayload(t, []byte{1, 0}, 24000))
	h.sink.started(t)
	assert.Equal(t, model.StateSpeaking, h.ev.state(t).to)

	require.NoError(t, h.s.StartListening(context.Background()))
	assert.Equal(t, transition{model.StateSpeaking, model.StateListening}, h.ev.state(t))
	assert.Eventually(t, func() bool { return h.sink.canceledCount() == 1 }, time.Second, 5*time.Millisecond)

	h.barrier(t)
	assert.Equal(t, model.StateListening, h.s.State(), "the stale drain must not move the state")
}

func TestStopListeningSendsNoAudioEnd(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, "s1")
	require.NoError(t, h.s.StartListening(context.Background()))
	h.ev.state(t)
	conn.nextControl(t)

	h.src.stream(t).blocks <- fill(4, 0.4)
	conn.nextBinary(t)

	require.NoError(t, h.s.StopListening())
	assert.Equal(t, transition{model.StateListening, model.StateIdle}, h.ev.state(t))
	h.barrier(t)
	conn.noControl(t, 30*time.Millisecond)
	assert.Equal(t, 1, h.clk.Pending(), "only the heartbeat stays armed")
}

func TestHeartbeatPings(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, "s1")

	h.clk.Advance(29 * time.Second)
	conn.noControl(t, 20*time.Millisecond)

	h.clk.Advance(time.Second)
	ping := conn.nextControl(t)
	assert.Equal(t, protocol.TypePing, ping.Type)
	assert.Equal(t, h.clk.Now().UnixMilli(), ping.Timestamp)

	h.barrier(t)
	h.clk.Advance(30 * time.Second)
	assert.Equal(t, protocol.TypePing, conn.nextControl(t).Type)

	b, err := protocol.Pong(ping.Timestamp).Encode()
	require.NoError(t, err)
	conn.serverRaw(false, b)
	h.barrier(t)
	h.ev.noErr(t, 20*time.Millisecond)
}

func TestReconnectBudget(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, "s1")
	h.dialer.setFail(true)

	require.NoError(t, conn.Close())
	err := <-h.ev.disconnected
	var ce *types.ConnectionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "", h.s.SessionID())
	assert.Eventually(t, func() bool { return h.clk.Pending() == 1 }, time.Second, time.Millisecond)

	h.clk.Advance(1999 * time.Millisecond)
	h.barrier(t)
	assert.Equal(t, 1, h.dialer.count())

	for attempt := 1; attempt <= 5; attempt++ {
		h.clk.Advance(2 * time.Second)
		h.dialer.waitDial(t)
		<-h.ev.disconnected
		if attempt < 5 {
			assert.Eventually(t, func() bool { return h.clk.Pending() == 1 }, time.Second, time.Millisecond)
		}
	}

	err = h.ev.err(t)
	require.True(t, errors.As(err, &ce))
	assert.True(t, errors.Is(err, types.ErrReconnectExhausted))
	assert.Equal(t, 5, ce.Attempts)

	h.barrier(t)
	assert.Equal(t, 0, h.clk.Pending())
	h.clk.Advance(time.Minute)
	h.barrier(t)
	assert.Equal(t, 6, h.dialer.count())
	h.ev.noErr(t, 20*time.Millisecond)
}

func TestReconnectRestoresBudget(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, "s1")

	require.NoError(t, conn.Close())
	<-h.ev.disconnected
	assert.Eventually(t, func() bool { return h.clk.Pending() == 1 }, time.Second, time.Millisecond)

	h.clk.Advance(2 * time.Second)
	next := h.dialer.waitDial(t)
	<-h.ev.connected
	next.serverSend(t, protocol.TypeSessionStart, protocol.SessionStartData{SessionID: "s2"})
	assert.Equal(t, "s2", <-h.ev.sessions)
}

func TestConnectReportsDialFailure(t *testing.T) {
	h := newHarness(t)
	h.dialer.setFail(true)

	err := h.s.Connect(context.Background())
	var ce *types.ConnectionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "dial", ce.Op)

	h.dialer.waitDial(t)
	assert.Eventually(t, func() bool { return h.clk.Pending() == 1 }, time.Second, time.Millisecond,
		"the reconnect policy still runs after an initial failure")
}

func TestDisconnectLeavesNothingArmed(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, "s1")
	require.NoError(t, h.s.StartListening(context.Background()))
	h.ev.state(t)
	conn.nextControl(t)

	require.NoError(t, h.s.Disconnect())
	end := conn.nextControl(t)
	assert.Equal(t, protocol.TypeSessionEnd, end.Type)
	assert.Equal(t, "s1", end.SessionID)
	assert.True(t, conn.isClosed())
	assert.Nil(t, <-h.ev.disconnected)
	assert.Equal(t, transition{model.StateListening, model.StateIdle}, h.ev.state(t))

	assert.Equal(t, 0, h.clk.Pending())
	assert.Equal(t, "", h.s.SessionID())
	h.clk.Advance(time.Minute)
	h.barrier(t)
	assert.Equal(t, 1, h.dialer.count())
}

func TestWriteFailureTriggersReconnect(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, "s1")
	conn.mu.Lock()
	conn.writeErr = errors.New("broken pipe")
	conn.mu.Unlock()

	h.clk.Advance(30 * time.Second)
	err := <-h.ev.disconnected
	assert.Error(t, err)
	assert.Eventually(t, func() bool { return h.clk.Pending() == 1 }, time.Second, time.Millisecond)
}

func TestStartListeningDeviceError(t *testing.T) {
	h := newHarness(t)
	h.src.mu.Lock()
	h.src.err = errors.New("permission denied")
	h.src.mu.Unlock()

	err := h.s.StartListening(context.Background())
	var de *types.DeviceError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, model.StateIdle, h.s.State())
}

func TestCallsAfterCloseFail(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Close())
	assert.NoError(t, h.s.Close())
	assert.ErrorIs(t, h.s.Connect(context.Background()), ErrClosed)
	assert.ErrorIs(t, h.s.StartListening(context.Background()), ErrClosed)
}
