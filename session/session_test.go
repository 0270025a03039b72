package session

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bluetuith-org/api-devices/api/appfeatures"
	"github.com/bluetuith-org/api-devices/api/bluetooth"
	"github.com/bluetuith-org/api-devices/api/config"
	"github.com/bluetuith-org/api-devices/api/errorkinds"
	"github.com/bluetuith-org/api-devices/api/eventbus"
	"github.com/bluetuith-org/api-devices/transport/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	txEndpoint      = bluetooth.GattEndpoint("0000fee0-0000-1000-8000-00805f9b34fb", "0000fee1-0000-1000-8000-00805f9b34fb")
	rxEndpoint      = bluetooth.GattEndpoint("0000fee0-0000-1000-8000-00805f9b34fb", "0000fee2-0000-1000-8000-00805f9b34fb")
	versionEndpoint = bluetooth.GattEndpoint("0000180a-0000-1000-8000-00805f9b34fb", "00002a26-0000-1000-8000-00805f9b34fb")

	testDevice = bluetooth.DeviceIdentity{
		Address: bluetooth.MacAddress{0xAA, 0xBB, 0xCC, 0x00, 0x11, 0x22},
		Name:    "Test Band",
	}
)

// textCodec is a line protocol used to exercise the session.
type textCodec struct{}

func (textCodec) Encode(cmd bluetooth.Command) (bluetooth.Request, error) {
	switch cmd.Kind {
	case bluetooth.CommandBatteryRequest:
		return bluetooth.Request{
			Frames: []bluetooth.Frame{bluetooth.WriteFrame(txEndpoint, []byte("BAT?"), true)},
			Reply:  bluetooth.EventBatteryInfo,
		}, nil

	case bluetooth.CommandVibrate:
		return bluetooth.Request{
			Frames: []bluetooth.Frame{
				bluetooth.WriteFrame(txEndpoint, []byte("VIB"), true),
				bluetooth.DelayFrame(time.Minute),
				bluetooth.WriteFrame(txEndpoint, []byte("VIB"), true),
			},
			Abortable: true,
		}, nil

	case bluetooth.CommandStopVibrate:
		return bluetooth.Request{
			Frames: []bluetooth.Frame{bluetooth.WriteFrame(txEndpoint, []byte("STOP"), true)},
		}, nil

	case bluetooth.CommandNotification:
		args, ok := cmd.Args.(bluetooth.NotificationArgs)
		if !ok {
			return bluetooth.Request{}, errors.New("missing notification arguments")
		}

		return bluetooth.Request{
			Frames: []bluetooth.Frame{bluetooth.WriteFrame(txEndpoint, []byte("MSG:"+args.Title), false)},
		}, nil

	case bluetooth.CommandVersionRequest:
		return bluetooth.Request{
			Frames: []bluetooth.Frame{bluetooth.ReadFrame(versionEndpoint)},
		}, nil
	}

	return bluetooth.Request{}, errorkinds.ErrNotSupported
}

func (textCodec) Decode(frame bluetooth.InboundFrame) ([]bluetooth.Event, error) {
	data := frame.Data

	switch {
	case frame.Endpoint == versionEndpoint:
		return []bluetooth.Event{bluetooth.NewEvent(bluetooth.EventVersionInfo, bluetooth.VersionInfo{Firmware: string(data)})}, nil

	case bytes.HasPrefix(data, []byte("BAT:")):
		level, err := strconv.Atoi(string(data[4:]))
		if err != nil {
			return nil, err
		}

		return []bluetooth.Event{bluetooth.NewEvent(bluetooth.EventBatteryInfo, bluetooth.BatteryInfo{Level: level})}, nil

	case bytes.Equal(data, []byte("ERR")):
		return []bluetooth.Event{bluetooth.NewEvent(bluetooth.EventError, bluetooth.DeviceError{Code: 1, Message: "busy"})}, nil
	}

	return nil, errorkinds.ErrMalformedResponse
}

func batteryResponder(level string) memory.Responder {
	return func(w memory.Write) []bluetooth.InboundFrame {
		if string(w.Data) != "BAT?" {
			return nil
		}

		return []bluetooth.InboundFrame{{Endpoint: rxEndpoint, Data: []byte("BAT:" + level)}}
	}
}

func connect(t *testing.T, tr *memory.Transport, opts ...Option) *Session {
	t.Helper()

	s := New(testDevice, tr, textCodec{}, opts...)
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Disconnect(ctx)
	})

	return s
}

func nextEvent(t *testing.T, s *Session) bluetooth.Event {
	t.Helper()

	select {
	case ev, ok := <-s.Events():
		require.True(t, ok, "event channel closed")
		return ev

	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}

	return bluetooth.Event{}
}

func waitPending(t *testing.T, p bluetooth.Pending) error {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := p.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)

	return err
}

func TestSession_RequestCompletesOnReply(t *testing.T) {
	s := connect(t, memory.New(memory.WithResponder(batteryResponder("80"))))

	p, err := s.Send(bluetooth.NewCommand(bluetooth.CommandBatteryRequest))
	require.NoError(t, err)
	require.NoError(t, waitPending(t, p))

	ev := nextEvent(t, s)
	assert.Equal(t, bluetooth.EventBatteryInfo, ev.Kind)
	assert.Equal(t, testDevice, ev.Device)
	assert.False(t, ev.Time.IsZero())
	assert.Equal(t, 80, ev.Data.(bluetooth.BatteryInfo).Level)
}

func TestSession_RequestTimesOutWithoutReply(t *testing.T) {
	tr := memory.New()
	s := connect(t, tr, WithActionTimeout(100*time.Millisecond))

	p, err := s.Send(bluetooth.NewCommand(bluetooth.CommandBatteryRequest))
	require.NoError(t, err)

	err = waitPending(t, p)
	assert.ErrorIs(t, err, errorkinds.ErrActionTimeout)
	assert.ErrorIs(t, err, errorkinds.ErrTransactionFailed)

	// The queue keeps going after the failure.
	next, err := s.Send(bluetooth.NewCommand(bluetooth.CommandNotification, bluetooth.NotificationArgs{Title: "hi"}))
	require.NoError(t, err)
	require.NoError(t, waitPending(t, next))
	assert.Len(t, tr.Writes(), 2)
}

func TestSession_DeviceErrorRejectsRequest(t *testing.T) {
	tr := memory.New(memory.WithResponder(func(w memory.Write) []bluetooth.InboundFrame {
		return []bluetooth.InboundFrame{{Endpoint: rxEndpoint, Data: []byte("ERR")}}
	}))
	s := connect(t, tr)

	p, err := s.Send(bluetooth.NewCommand(bluetooth.CommandBatteryRequest))
	require.NoError(t, err)
	assert.ErrorIs(t, waitPending(t, p), errorkinds.ErrActionRejected)

	assert.Equal(t, bluetooth.EventError, nextEvent(t, s).Kind)
}

func TestSession_UnsupportedFeatureIsRejectedBeforeQueueing(t *testing.T) {
	tr := memory.New()
	s := connect(t, tr, WithFeatures(appfeatures.NewFeatureSet(appfeatures.FeatureBattery, nil)))

	_, err := s.Send(bluetooth.NewCommand(bluetooth.CommandVibrate))
	assert.ErrorIs(t, err, errorkinds.ErrNotSupported)

	var fe appfeatures.FeatureError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, appfeatures.FeatureVibration, fe.Feature)
	assert.Empty(t, tr.Writes())
}

func TestSession_EncodeFailure(t *testing.T) {
	s := connect(t, memory.New())

	_, err := s.Send(bluetooth.NewCommand(bluetooth.CommandNotification))
	assert.ErrorIs(t, err, errorkinds.ErrEncode)
}

func TestSession_AbortStopsAlertAheadOfQueue(t *testing.T) {
	tr := memory.New()
	s := connect(t, tr)

	alert, err := s.Send(bluetooth.NewCommand(bluetooth.CommandVibrate))
	require.NoError(t, err)
	queued, err := s.Send(bluetooth.NewCommand(bluetooth.CommandNotification, bluetooth.NotificationArgs{Title: "later"}))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(tr.Writes()) == 1 }, 5*time.Second, 5*time.Millisecond)

	stop, err := s.SendAbort(bluetooth.NewCommand(bluetooth.CommandStopVibrate))
	require.NoError(t, err)

	assert.ErrorIs(t, waitPending(t, alert), errorkinds.ErrActionAborted)
	require.NoError(t, waitPending(t, stop))
	require.NoError(t, waitPending(t, queued))

	var payloads []string
	for _, w := range tr.Writes() {
		payloads = append(payloads, string(w.Data))
	}
	assert.Equal(t, []string{"VIB", "STOP", "MSG:later"}, payloads)
}

func TestSession_LinkLossFailsPendingAndClosesEvents(t *testing.T) {
	tr := memory.New()

	var (
		mu     sync.Mutex
		states []bluetooth.ConnectionState
	)
	s := connect(t, tr, WithStateHook(func(_ bluetooth.DeviceIdentity, state bluetooth.ConnectionState) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, state)
	}))

	alert, err := s.Send(bluetooth.NewCommand(bluetooth.CommandVibrate))
	require.NoError(t, err)
	queued, err := s.Send(bluetooth.NewCommand(bluetooth.CommandBatteryRequest))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(tr.Writes()) == 1 }, 5*time.Second, 5*time.Millisecond)
	tr.Drop(nil)

	assert.ErrorIs(t, waitPending(t, alert), errorkinds.ErrDisconnected)
	assert.ErrorIs(t, waitPending(t, queued), errorkinds.ErrDisconnected)

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
	}

	_, open := <-s.Events()
	assert.False(t, open)
	assert.Equal(t, bluetooth.StateDisconnected, s.State())
	assert.Len(t, tr.Writes(), 1)

	late, err := s.Send(bluetooth.NewCommand(bluetooth.CommandStopVibrate))
	assert.ErrorIs(t, err, errorkinds.ErrQueueClosed)
	assert.ErrorIs(t, late.Wait(context.Background()), errorkinds.ErrQueueClosed)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bluetooth.ConnectionState{
		bluetooth.StateConnecting,
		bluetooth.StateConnected,
		bluetooth.StateDisconnected,
	}, states)
}

func TestSession_DisconnectFlushesQueueAndCannotReconnect(t *testing.T) {
	tr := memory.New()
	s := New(testDevice, tr, textCodec{})
	require.NoError(t, s.Connect(context.Background()))

	alert, err := s.Send(bluetooth.NewCommand(bluetooth.CommandVibrate))
	require.NoError(t, err)
	queued, err := s.Send(bluetooth.NewCommand(bluetooth.CommandNotification, bluetooth.NotificationArgs{Title: "x"}))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(tr.Writes()) == 1 }, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.Error(t, s.Disconnect(ctx))

	assert.ErrorIs(t, waitPending(t, queued), errorkinds.ErrQueueClosed)
	assert.ErrorIs(t, waitPending(t, alert), errorkinds.ErrQueueClosed)
	assert.False(t, tr.IsOpen())
	assert.Equal(t, bluetooth.StateDisconnected, s.State())

	_, open := <-s.Events()
	assert.False(t, open)

	assert.ErrorIs(t, s.Connect(context.Background()), errorkinds.ErrAlreadyOpen)
	assert.NoError(t, s.Disconnect(context.Background()))
}

func TestSession_ConnectFailure(t *testing.T) {
	tr := memory.New()
	require.NoError(t, tr.Open(context.Background()))

	s := New(testDevice, tr, textCodec{})
	err := s.Connect(context.Background())
	assert.ErrorIs(t, err, errorkinds.ErrTransportError)
	assert.Equal(t, bluetooth.StateFailed, s.State())
}

func TestSession_ReadValueIsDecoded(t *testing.T) {
	tr := memory.New(memory.WithReadValue(versionEndpoint, []byte("2.4.1")))
	s := connect(t, tr)

	p, err := s.Send(bluetooth.NewCommand(bluetooth.CommandVersionRequest))
	require.NoError(t, err)
	require.NoError(t, waitPending(t, p))

	ev := nextEvent(t, s)
	assert.Equal(t, bluetooth.EventVersionInfo, ev.Kind)
	assert.Equal(t, "2.4.1", ev.Data.(bluetooth.VersionInfo).Firmware)
}

func TestSession_MalformedReadFailsTransaction(t *testing.T) {
	tr := memory.New(memory.WithReadValue(rxEndpoint, []byte("garbage")))
	s := New(testDevice, tr, readCodec{})
	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect(context.Background())

	p, err := s.Send(bluetooth.NewCommand(bluetooth.CommandBatteryRequest))
	require.NoError(t, err)
	assert.ErrorIs(t, waitPending(t, p), errorkinds.ErrMalformedResponse)
	assert.EqualValues(t, 1, s.Stats().DecodeErrors)
}

// readCodec reads the battery level instead of writing a request.
type readCodec struct{ textCodec }

func (readCodec) Encode(bluetooth.Command) (bluetooth.Request, error) {
	return bluetooth.Request{Frames: []bluetooth.Frame{bluetooth.ReadFrame(rxEndpoint)}}, nil
}

func TestSession_UnsolicitedEventsInOrderAndMalformedDropped(t *testing.T) {
	tr := memory.New()
	s := connect(t, tr)

	tr.Inject(bluetooth.InboundFrame{Endpoint: rxEndpoint, Data: []byte("BAT:10")})
	tr.Inject(bluetooth.InboundFrame{Endpoint: rxEndpoint, Data: []byte("????")})
	tr.Inject(bluetooth.InboundFrame{Endpoint: rxEndpoint, Data: []byte("BAT:20")})

	assert.Equal(t, 10, nextEvent(t, s).Data.(bluetooth.BatteryInfo).Level)
	assert.Equal(t, 20, nextEvent(t, s).Data.(bluetooth.BatteryInfo).Level)
	assert.EqualValues(t, 1, s.Stats().DecodeErrors)
}

func TestSession_DropOldestWhenConsumerIsSlow(t *testing.T) {
	tr := memory.New()
	s := connect(t, tr, WithEventBuffer(2), WithOverflow(config.OverflowDropOldest))

	for i := 1; i <= 5; i++ {
		tr.Inject(bluetooth.InboundFrame{Endpoint: rxEndpoint, Data: []byte("BAT:" + strconv.Itoa(i))})
	}

	require.Eventually(t, func() bool {
		return s.Stats().DroppedEvents == 3
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, 4, nextEvent(t, s).Data.(bluetooth.BatteryInfo).Level)
	assert.Equal(t, 5, nextEvent(t, s).Data.(bluetooth.BatteryInfo).Level)
}

func TestSession_BlockingOverflowReleasedByDisconnect(t *testing.T) {
	tr := memory.New()
	s := New(testDevice, tr, textCodec{}, WithEventBuffer(1), WithOverflow(config.OverflowBlock))
	require.NoError(t, s.Connect(context.Background()))

	for i := 1; i <= 4; i++ {
		tr.Inject(bluetooth.InboundFrame{Endpoint: rxEndpoint, Data: []byte("BAT:" + strconv.Itoa(i))})
	}

	assert.Equal(t, 1, nextEvent(t, s).Data.(bluetooth.BatteryInfo).Level)
	assert.Equal(t, 2, nextEvent(t, s).Data.(bluetooth.BatteryInfo).Level)

	done := make(chan error, 1)
	go func() { done <- s.Disconnect(context.Background()) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect blocked")
	}
	assert.EqualValues(t, 0, s.Stats().DroppedEvents)
}

func TestSession_PublishesToBus(t *testing.T) {
	bus := eventbus.New(nil)
	defer bus.Close()

	sub := bus.Subscribe(bluetooth.EventBatteryInfo)
	defer sub.Unsubscribe()

	tr := memory.New()
	connect(t, tr, WithBus(bus))
	tr.Inject(bluetooth.InboundFrame{Endpoint: rxEndpoint, Data: []byte("BAT:55")})

	select {
	case data := <-sub.C:
		ev, ok := data.(bluetooth.Event)
		require.True(t, ok)
		assert.Equal(t, testDevice, ev.Device)
		assert.Equal(t, 55, ev.Data.(bluetooth.BatteryInfo).Level)

	case <-time.After(5 * time.Second):
		t.Fatal("event not published")
	}
}

// notifyCodec enables notifications on the receive endpoint once the link
// is open.
type notifyCodec struct{ textCodec }

func (notifyCodec) Init() bluetooth.Request {
	return bluetooth.Request{Frames: []bluetooth.Frame{bluetooth.SubscribeFrame(rxEndpoint, true)}}
}

func TestSession_InitializerRunsBeforeCommands(t *testing.T) {
	tr := memory.New(memory.WithResponder(batteryResponder("64")))
	s := New(testDevice, tr, notifyCodec{})
	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect(context.Background())

	p, err := s.Send(bluetooth.NewCommand(bluetooth.CommandBatteryRequest))
	require.NoError(t, err)
	require.NoError(t, waitPending(t, p))

	assert.True(t, tr.Notifying(rxEndpoint))
	assert.Eventually(t, func() bool {
		return s.Stats().Queue.Executed == 2
	}, time.Second, 10*time.Millisecond)
}

func TestSession_SendBeforeConnectIsRejected(t *testing.T) {
	tr := memory.New()
	s := New(testDevice, tr, notifyCodec{})

	_, err := s.Send(bluetooth.NewCommand(bluetooth.CommandNotification, bluetooth.NotificationArgs{Title: "x"}))
	assert.ErrorIs(t, err, errorkinds.ErrMethodCall)
	_, err = s.SendAbort(bluetooth.NewCommand(bluetooth.CommandStopVibrate))
	assert.ErrorIs(t, err, errorkinds.ErrMethodCall)

	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect(context.Background())

	p, err := s.Send(bluetooth.NewCommand(bluetooth.CommandNotification, bluetooth.NotificationArgs{Title: "x"}))
	require.NoError(t, err)
	require.NoError(t, waitPending(t, p))

	assert.True(t, tr.Notifying(rxEndpoint))
	writes := tr.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, "MSG:x", string(writes[0].Data))
}

func TestSession_DisconnectBeforeConnectEndsSession(t *testing.T) {
	tr := memory.New()
	s := New(testDevice, tr, textCodec{})

	require.NoError(t, s.Disconnect(context.Background()))
	assert.Equal(t, bluetooth.StateDisconnected, s.State())

	select {
	case <-s.Done():
	default:
		t.Fatal("session not ended")
	}

	assert.ErrorIs(t, s.Connect(context.Background()), errorkinds.ErrAlreadyOpen)
	assert.False(t, tr.IsOpen())

	_, err := s.Send(bluetooth.NewCommand(bluetooth.CommandBatteryRequest))
	assert.ErrorIs(t, err, errorkinds.ErrMethodCall)
	assert.NoError(t, s.Disconnect(context.Background()))
}
