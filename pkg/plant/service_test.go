package plant

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robotalks/boap.go/pkg/acp"
	"github.com/robotalks/boap.go/pkg/acp/pipe"
	"github.com/robotalks/boap.go/pkg/event"
	"github.com/robotalks/boap.go/pkg/msgs"
	"github.com/robotalks/boap.go/pkg/stats"
)

// rig fakes the plate hardware: a settable ball position per axis and
// a record of every commanded servo angle.
type rig struct {
	lock   sync.Mutex
	pos    [2]float32
	touch  [2]bool
	angles [2][]float32
}

func newRig() *rig {
	r := &rig{}
	r.touch[msgs.AxisX] = true
	r.touch[msgs.AxisY] = true
	return r
}

// Position implements PositionSource.
func (r *rig) Position(axis msgs.Axis) (float32, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.pos[axis], r.touch[axis]
}

// SetAngle implements ServoDriver.
func (r *rig) SetAngle(axis msgs.Axis, rad float32) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.angles[axis] = append(r.angles[axis], rad)
}

func (r *rig) set(axis msgs.Axis, pos float32, touching bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.pos[axis] = pos
	r.touch[axis] = touching
}

func (r *rig) lastAngle(axis msgs.Axis) (float32, int) {
	r.lock.Lock()
	defer r.lock.Unlock()
	n := len(r.angles[axis])
	if n == 0 {
		return 0, 0
	}
	return r.angles[axis][n-1], n
}

// fixture runs a full plant node over a pipe hub, with the operator
// station stack as the remote end.
type fixture struct {
	t       *testing.T
	rig     *rig
	plant   *acp.Stack
	pc      *acp.Stack
	disp    *event.Dispatcher
	sampler *Sampler
	service *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hub := pipe.NewHub()
	dir, err := acp.NewDirectory([]string{"sta-plant", "sta-ctl", "sta-pc"})
	require.NoError(t, err)
	plant, err := acp.New(&acp.Config{Directory: dir, Transport: hub.Endpoint("sta-plant")})
	require.NoError(t, err)
	pc, err := acp.New(&acp.Config{Directory: dir, Transport: hub.Endpoint("sta-pc")})
	require.NoError(t, err)

	table := stats.NewTable()
	disp := event.New(&event.Config{Discard: ReleaseDiscarded(table)})
	sampler := NewSampler(disp, table)
	rig := newRig()
	service, err := NewService(&Config{
		Stack:   plant,
		Sampler: sampler,
		Source:  rig,
		Servo:   rig,
	})
	require.NoError(t, err)
	require.NoError(t, service.Bind(disp))

	ctx, cancel := context.WithCancel(context.Background())
	dispDone := make(chan error, 1)
	listenDone := make(chan error, 1)
	go func() { dispDone <- disp.Run(ctx) }()
	go func() { listenDone <- NewListener(plant, disp).Run(ctx) }()
	disp.Start()

	t.Cleanup(func() {
		cancel()
		<-dispDone
		<-listenDone
		plant.Close()
		pc.Close()
	})
	return &fixture{
		t:       t,
		rig:     rig,
		plant:   plant,
		pc:      pc,
		disp:    disp,
		sampler: sampler,
		service: service,
	}
}

// ping round-trips a ping request. Handlers run in arrival order, so a
// pong also proves every earlier message and tick has been handled.
func (f *fixture) ping() {
	f.t.Helper()
	req, err := f.pc.NewMessage(msgs.NodePlant, msgs.MsgPingReq, 0)
	require.NoError(f.t, err)
	require.NoError(f.t, f.pc.Send(req))
	resp, err := f.pc.Receive(2 * time.Second)
	require.NoError(f.t, err)
	require.Equal(f.t, msgs.MsgPingResp, resp.ID())
	require.Equal(f.t, msgs.NodePlant, resp.Sender())
	require.Equal(f.t, msgs.NodePC, resp.Receiver())
	resp.Destroy()
}

func (f *fixture) send(payload msgs.Payload) {
	f.t.Helper()
	msg, err := msgs.NewMessage(f.pc, msgs.NodePlant, payload)
	require.NoError(f.t, err)
	require.NoError(f.t, f.pc.Send(msg))
}

func (f *fixture) receive() msgs.Payload {
	f.t.Helper()
	msg, err := f.pc.Receive(2 * time.Second)
	require.NoError(f.t, err)
	defer msg.Destroy()
	decoded, err := msgs.Decode(msg)
	require.NoError(f.t, err)
	return decoded
}

func (f *fixture) transact(payload msgs.Payload) msgs.Payload {
	f.t.Helper()
	f.send(payload)
	return f.receive()
}

func (f *fixture) noReply() {
	f.t.Helper()
	_, err := f.pc.Receive(50 * time.Millisecond)
	require.Equal(f.t, acp.ErrTimeout, err)
}

func (f *fixture) tick(n int) {
	f.t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(f.t, f.disp.Send(EvSamplingTick, nil))
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestServiceValidation(t *testing.T) {
	_, err := NewService(nil)
	require.Error(t, err)
	_, err = NewService(&Config{})
	require.Error(t, err)
}

func TestServiceDefaults(t *testing.T) {
	fix := newFixture(t)
	require.Equal(t, msgs.NodePC, fix.service.operator)
	for axis := range fix.service.axes {
		require.Equal(t, DefaultFilterOrder, fix.service.axes[axis].filter.Order())
	}
}

func TestBindConflict(t *testing.T) {
	fix := newFixture(t)
	require.Equal(t, event.ErrHandlerBound, fix.service.Bind(fix.disp))
}

func TestPingRequest(t *testing.T) {
	fix := newFixture(t)
	fix.ping()
}

func TestPidSettingsRequests(t *testing.T) {
	fix := newFixture(t)

	got := fix.transact(&msgs.GetPidSettingsReq{AxisID: msgs.AxisX})
	require.Equal(t, &msgs.GetPidSettingsResp{
		AxisID:           msgs.AxisX,
		ProportionalGain: DefaultProportionalGain,
		IntegralGain:     DefaultIntegralGain,
		DerivativeGain:   DefaultDerivativeGain,
	}, got)

	set := fix.transact(&msgs.SetPidSettingsReq{
		AxisID:           msgs.AxisY,
		ProportionalGain: 2.5,
		IntegralGain:     0.25,
		DerivativeGain:   1.5,
	})
	require.Equal(t, &msgs.SetPidSettingsResp{
		AxisID:              msgs.AxisY,
		OldProportionalGain: DefaultProportionalGain,
		OldIntegralGain:     DefaultIntegralGain,
		OldDerivativeGain:   DefaultDerivativeGain,
		NewProportionalGain: 2.5,
		NewIntegralGain:     0.25,
		NewDerivativeGain:   1.5,
	}, set)

	got = fix.transact(&msgs.GetPidSettingsReq{AxisID: msgs.AxisY})
	require.Equal(t, &msgs.GetPidSettingsResp{
		AxisID:           msgs.AxisY,
		ProportionalGain: 2.5,
		IntegralGain:     0.25,
		DerivativeGain:   1.5,
	}, got)

	// The other axis keeps its tuning, and a request naming no real
	// axis is dropped without an answer.
	got = fix.transact(&msgs.GetPidSettingsReq{AxisID: msgs.AxisX})
	require.Equal(t, DefaultProportionalGain,
		float64(got.(*msgs.GetPidSettingsResp).ProportionalGain))
	fix.send(&msgs.GetPidSettingsReq{AxisID: 7})
	fix.noReply()
}

func TestSamplingPeriodRequests(t *testing.T) {
	fix := newFixture(t)

	req, err := fix.pc.NewMessage(msgs.NodePlant, msgs.MsgGetSamplingPeriodReq, 0)
	require.NoError(t, err)
	require.NoError(t, fix.pc.Send(req))
	got := fix.receive().(*msgs.GetSamplingPeriodResp)
	require.InDelta(t, 0.02, float64(got.SamplingPeriod), 1e-9)

	set := fix.transact(&msgs.SetSamplingPeriodReq{SamplingPeriod: 0.05})
	resp := set.(*msgs.SetSamplingPeriodResp)
	require.InDelta(t, 0.02, float64(resp.OldSamplingPeriod), 1e-9)
	require.Equal(t, float32(0.05), resp.NewSamplingPeriod)
	require.Equal(t, 50*time.Millisecond, fix.sampler.Period())

	// A non-positive period is refused and changes nothing.
	fix.send(&msgs.SetSamplingPeriodReq{SamplingPeriod: -0.02})
	fix.noReply()
	require.Equal(t, 50*time.Millisecond, fix.sampler.Period())
}

func TestFilterOrderRequests(t *testing.T) {
	fix := newFixture(t)

	got := fix.transact(&msgs.GetFilterOrderReq{AxisID: msgs.AxisX})
	require.Equal(t, &msgs.GetFilterOrderResp{AxisID: msgs.AxisX, FilterOrder: 5}, got)

	set := fix.transact(&msgs.SetFilterOrderReq{AxisID: msgs.AxisX, FilterOrder: 3})
	require.Equal(t, &msgs.SetFilterOrderResp{
		Status:         msgs.StatusOk,
		AxisID:         msgs.AxisX,
		OldFilterOrder: 5,
		NewFilterOrder: 3,
	}, set)
	got = fix.transact(&msgs.GetFilterOrderReq{AxisID: msgs.AxisX})
	require.Equal(t, uint32(3), got.(*msgs.GetFilterOrderResp).FilterOrder)
	got = fix.transact(&msgs.GetFilterOrderReq{AxisID: msgs.AxisY})
	require.Equal(t, uint32(5), got.(*msgs.GetFilterOrderResp).FilterOrder)

	for _, order := range []uint32{0, MaxFilterOrder + 1} {
		set = fix.transact(&msgs.SetFilterOrderReq{AxisID: msgs.AxisX, FilterOrder: order})
		require.Equal(t, &msgs.SetFilterOrderResp{
			Status:         msgs.StatusInvalidParams,
			AxisID:         msgs.AxisX,
			OldFilterOrder: 3,
			NewFilterOrder: 3,
		}, set, "order %d", order)
	}

	set = fix.transact(&msgs.SetFilterOrderReq{AxisID: 9, FilterOrder: 3})
	require.Equal(t, &msgs.SetFilterOrderResp{
		Status: msgs.StatusInvalidParams,
		AxisID: 9,
	}, set)
}

func TestTraceEnableAcknowledged(t *testing.T) {
	fix := newFixture(t)

	for _, enable := range []bool{true, false} {
		fix.send(&msgs.BallTraceEnable{Enable: enable})
		msg, err := fix.pc.Receive(2 * time.Second)
		require.NoError(t, err)
		require.Equal(t, msgs.MsgBallTraceEnable, msg.ID())
		require.Equal(t, msgs.NodePlant, msg.Sender())
		require.Equal(t, msgs.NodePC, msg.Receiver())
		decoded, err := msgs.Decode(msg)
		require.NoError(t, err)
		require.Equal(t, enable, decoded.(*msgs.BallTraceEnable).Enable)
		msg.Destroy()
	}
}

func TestSetpointRequest(t *testing.T) {
	fix := newFixture(t)
	fix.send(&msgs.NewSetpointReq{SetpointX: 30, SetpointY: -40})
	fix.ping()
	require.Equal(t, mmToM(30), fix.service.axes[msgs.AxisX].pid.Setpoint())
	require.Equal(t, mmToM(-40), fix.service.axes[msgs.AxisY].pid.Setpoint())
}

func TestControlTicks(t *testing.T) {
	fix := newFixture(t)

	// Order-1 filters pass the raw reading through.
	for _, axis := range []msgs.Axis{msgs.AxisX, msgs.AxisY} {
		set := fix.transact(&msgs.SetFilterOrderReq{AxisID: axis, FilterOrder: 1})
		require.Equal(t, msgs.StatusOk, set.(*msgs.SetFilterOrderResp).Status)
	}

	fix.rig.set(msgs.AxisX, 100, true)
	fix.rig.set(msgs.AxisY, 50, true)

	// One tick per axis. The ball is far off center, so both commands
	// saturate, and with tracing off nothing is reported.
	fix.tick(2)
	fix.ping()
	angle, n := fix.rig.lastAngle(msgs.AxisX)
	require.Equal(t, 1, n)
	require.Equal(t, -float32(SaturationThreshold), angle)
	angle, n = fix.rig.lastAngle(msgs.AxisY)
	require.Equal(t, 1, n)
	require.Equal(t, -float32(SaturationThreshold), angle)
	fix.noReply()

	// With tracing on, the next full sampling period reports the pair
	// of positions measured on its two ticks.
	fix.send(&msgs.BallTraceEnable{Enable: true})
	echo := fix.receive()
	require.Equal(t, &msgs.BallTraceEnable{Enable: true}, echo)

	fix.tick(2)
	trace := fix.receive()
	require.Equal(t, &msgs.BallTraceInd{
		SampleNumber: 0,
		SetpointX:    0,
		PositionX:    100,
		SetpointY:    0,
		PositionY:    50,
	}, trace)
}

func TestBallOffPlate(t *testing.T) {
	fix := newFixture(t)

	set := fix.transact(&msgs.SetFilterOrderReq{AxisID: msgs.AxisX, FilterOrder: 1})
	require.Equal(t, msgs.StatusOk, set.(*msgs.SetFilterOrderResp).Status)

	fix.rig.set(msgs.AxisX, 80, true)
	fix.tick(2)
	fix.ping()
	angle, n := fix.rig.lastAngle(msgs.AxisX)
	require.Equal(t, 1, n)
	require.NotZero(t, angle)

	// Missed readings are tolerated for a few samples by reusing the
	// last one; then the plate levels and the loop state clears.
	fix.rig.set(msgs.AxisX, 80, false)
	fix.tick(10)
	fix.ping()
	angle, n = fix.rig.lastAngle(msgs.AxisX)
	require.Equal(t, 6, n)
	require.Zero(t, angle)

	// Without a believed position there is nothing to trace either.
	fix.send(&msgs.BallTraceEnable{Enable: true})
	echo := fix.receive()
	require.Equal(t, &msgs.BallTraceEnable{Enable: true}, echo)
	fix.tick(2)
	fix.ping()
	fix.noReply()
}

func TestUnknownMessageReleased(t *testing.T) {
	fix := newFixture(t)
	req, err := fix.pc.NewMessage(msgs.NodePlant, 0x7F, 0)
	require.NoError(t, err)
	require.NoError(t, fix.pc.Send(req))
	fix.ping()
	waitFor(t, "message release", func() bool { return fix.plant.LiveMessages() == 0 })
}

func TestListenerReleasesRefusedMessages(t *testing.T) {
	hub := pipe.NewHub()
	dir, err := acp.NewDirectory([]string{"sta-plant", "sta-ctl", "sta-pc"})
	require.NoError(t, err)
	plant, err := acp.New(&acp.Config{Directory: dir, Transport: hub.Endpoint("sta-plant")})
	require.NoError(t, err)
	defer plant.Close()
	pc, err := acp.New(&acp.Config{Directory: dir, Transport: hub.Endpoint("sta-pc")})
	require.NoError(t, err)
	defer pc.Close()

	// Nothing drains this dispatcher, so the second message is refused
	// with a full queue and the listener must release it.
	disp := event.New(&event.Config{QueueCapacity: 1, Discard: ReleaseDiscarded(nil)})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- NewListener(plant, disp).Run(ctx) }()

	for i := 0; i < 2; i++ {
		req, err := pc.NewMessage(msgs.NodePlant, msgs.MsgPingReq, 0)
		require.NoError(t, err)
		require.NoError(t, pc.Send(req))
	}
	waitFor(t, "queue overload", func() bool { return disp.Overloads() == 1 })
	waitFor(t, "one queued message", func() bool { return plant.LiveMessages() == 1 })

	// Closing the dispatcher discards the queued event; the discard
	// observer destroys its message.
	require.NoError(t, disp.Close())
	waitFor(t, "queued message release", func() bool { return plant.LiveMessages() == 0 })

	cancel()
	require.Equal(t, context.Canceled, <-done)
}
