package call

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrsingh-rishi/voice-client/capture"
	"github.com/mrsingh-rishi/voice-client/clock"
	"github.com/mrsingh-rishi/voice-client/protocol"
	"github.com/mrsingh-rishi/voice-client/transport/mocks"
	"github.com/mrsingh-rishi/voice-client/types"
)

func newMockSession(t *testing.T, dialer *mocks.MockDialer, ev *events) *Session {
	t.Helper()
	clk := clock.NewFake(time.Unix(0, 0))
	rec := capture.New(&fakeSource{}, capture.Config{ChunkSize: 4}, capture.WithClock(clk))
	cfg := DefaultConfig()
	cfg.URL = "ws://agent.test/ws/audio"
	cfg.MaxReconnectAttempts = 0
	s := NewSession(cfg, dialer, rec, newFakeSink(), ev.handlers(), WithClock(clk))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConnectDialsConfiguredURL(t *testing.T) {
	ctrl := gomock.NewController(t)
	dialer := mocks.NewMockDialer(ctrl)
	conn := mocks.NewMockConn(ctrl)

	closed := make(chan struct{})
	dialer.EXPECT().Dial(gomock.Any(), "ws://agent.test/ws/audio").Return(conn, nil)
	conn.EXPECT().ReadFrame().DoAndReturn(func() (bool, []byte, error) {
		<-closed
		return false, nil, io.EOF
	}).AnyTimes()
	conn.EXPECT().WriteFrame(false, gomock.Any()).DoAndReturn(func(_ bool, data []byte) error {
		var msg map[string]any
		assert.NoError(t, json.Unmarshal(data, &msg))
		assert.Equal(t, protocol.TypeSessionEnd, msg["type"])
		return nil
	})
	conn.EXPECT().Close().DoAndReturn(func() error {
		select {
		case <-closed:
		default:
			close(closed)
		}
		return nil
	}).MinTimes(1)

	ev := newEvents()
	s := newMockSession(t, dialer, ev)
	require.NoError(t, s.Connect(context.Background()))
	<-ev.connected
	require.NoError(t, s.Disconnect())
	assert.Nil(t, <-ev.disconnected)
}

func TestExhaustedBudgetWithoutRetries(t *testing.T) {
	ctrl := gomock.NewController(t)
	dialer := mocks.NewMockDialer(ctrl)
	dialer.EXPECT().Dial(gomock.Any(), gomock.Any()).Return(nil, errors.New("no route to host")).Times(1)

	ev := newEvents()
	s := newMockSession(t, dialer, ev)
	err := s.Connect(context.Background())
	var ce *types.ConnectionError
	require.True(t, errors.As(err, &ce))

	err = ev.err(t)
	assert.True(t, errors.Is(err, types.ErrReconnectExhausted))
}
