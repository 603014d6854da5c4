package plant

import (
	"errors"
	"math"
	"time"

	"github.com/golang/glog"

	"github.com/robotalks/boap.go/pkg/acp"
	"github.com/robotalks/boap.go/pkg/event"
	"github.com/robotalks/boap.go/pkg/msgs"
)

// Control loop defaults, applied to both axes at startup.
const (
	DefaultFilterOrder      = 5
	DefaultProportionalGain = 1.0
	DefaultIntegralGain     = 0.0
	DefaultDerivativeGain   = 0.5

	// SaturationThreshold bounds the commanded plate tilt in radians.
	SaturationThreshold = math.Pi / 6

	// MaxFilterOrder bounds the sample window a request may configure.
	MaxFilterOrder = 4096

	// Consecutive missed readings tolerated before the ball is deemed
	// off the plate.
	spuriousNoTouchTolerance = 5
)

type axisState struct {
	filter *MovingAverage
	pid    *PID
}

// Config parameterizes the control service.
type Config struct {
	// Stack sends replies and trace indications.
	Stack *acp.Stack
	// Sampler owns the loop clock; the service rearms it on request.
	Sampler *Sampler
	// Source measures the ball position.
	Source PositionSource
	// Servo drives the plate tilt.
	Servo ServoDriver
	// Operator receives ball trace indications. Defaults to the
	// operator station node.
	Operator acp.NodeID
}

// Service is the control brain of the plant node.
type Service struct {
	stack    *acp.Stack
	sampler  *Sampler
	source   PositionSource
	servo    ServoDriver
	operator acp.NodeID

	axes    [2]axisState
	axis    msgs.Axis
	tracing bool

	noTouch [2]int
	lastRaw [2]float32

	xAsserted bool
	xPosition float32
	xSetpoint float32
}

// NewService creates the control service with default tuning on both
// axes.
func NewService(cfg *Config) (*Service, error) {
	if cfg == nil || cfg.Stack == nil || cfg.Sampler == nil || cfg.Source == nil || cfg.Servo == nil {
		return nil, errors.New("plant: stack, sampler, source and servo are required")
	}
	operator := cfg.Operator
	if operator == msgs.NodePlant {
		operator = msgs.NodePC
	}
	s := &Service{
		stack:    cfg.Stack,
		sampler:  cfg.Sampler,
		source:   cfg.Source,
		servo:    cfg.Servo,
		operator: operator,
	}
	ts := float32(cfg.Sampler.Period().Seconds())
	for axis := range s.axes {
		filter, err := NewMovingAverage(DefaultFilterOrder)
		if err != nil {
			return nil, err
		}
		s.axes[axis] = axisState{
			filter: filter,
			pid: NewPID(0, DefaultProportionalGain, DefaultIntegralGain,
				DefaultDerivativeGain, ts, SaturationThreshold),
		}
	}
	return s, nil
}

// Bind registers the service handlers with the dispatcher.
func (s *Service) Bind(d *event.Dispatcher) error {
	if err := d.Register(EvSamplingTick, event.HandlerFunc(s.handleTick)); err != nil {
		return err
	}
	if err := d.Register(EvMessagePending, event.HandlerFunc(s.handleMessage)); err != nil {
		d.Register(EvSamplingTick, nil)
		return err
	}
	return nil
}

// handleTick runs one control iteration for the axis whose turn it is.
func (s *Service) handleTick(event.Event) {
	defer s.sampler.done()

	axis := s.axis
	position, touching := s.source.Position(axis)
	if touching {
		s.noTouch[axis] = 0
		s.lastRaw[axis] = position
	} else {
		s.noTouch[axis]++
	}

	st := &s.axes[axis]
	if touching || s.noTouch[axis] < spuriousNoTouchTolerance {
		// On a spurious miss the previous reading is reused.
		filtered := st.filter.Sample(s.lastRaw[axis])
		s.servo.SetAngle(axis, st.pid.Sample(mmToM(filtered)))

		if axis == msgs.AxisY && s.xAsserted && s.tracing {
			s.traceBallPosition(s.xSetpoint, s.xPosition,
				mToMM(st.pid.Setpoint()), filtered)
		}
		if axis == msgs.AxisX {
			s.xAsserted = true
			s.xPosition = filtered
			s.xSetpoint = mToMM(st.pid.Setpoint())
		}
	} else {
		// Ball off the plate: level it and clear the loop state.
		if axis == msgs.AxisX {
			s.xAsserted = false
		}
		s.servo.SetAngle(axis, 0)
		st.filter.Reset(0)
		st.pid.Reset()
	}

	s.axis ^= 1
}

// handleMessage dispatches one received message to its handler. Every
// path consumes the message.
func (s *Service) handleMessage(ev event.Event) {
	msg, ok := ev.Payload.(*acp.Message)
	if !ok {
		glog.Warningf("plant: event %d carried no message", ev.ID)
		return
	}
	switch msg.ID() {
	case msgs.MsgPingReq:
		s.handlePing(msg)
	case msgs.MsgBallTraceEnable:
		s.handleTraceEnable(msg)
	case msgs.MsgNewSetpointReq:
		s.handleNewSetpoint(msg)
	case msgs.MsgGetPidSettingsReq:
		s.handleGetPidSettings(msg)
	case msgs.MsgSetPidSettingsReq:
		s.handleSetPidSettings(msg)
	case msgs.MsgGetSamplingPeriodReq:
		s.handleGetSamplingPeriod(msg)
	case msgs.MsgSetSamplingPeriodReq:
		s.handleSetSamplingPeriod(msg)
	case msgs.MsgGetFilterOrderReq:
		s.handleGetFilterOrder(msg)
	case msgs.MsgSetFilterOrderReq:
		s.handleSetFilterOrder(msg)
	default:
		glog.Warningf("plant: received unknown message 0x%02X from node %d", msg.ID(), msg.Sender())
		msg.Destroy()
	}
}

func (s *Service) handlePing(req *acp.Message) {
	defer req.Destroy()
	resp, err := s.stack.NewMessage(req.Sender(), msgs.MsgPingResp, 0)
	if err != nil {
		glog.Errorf("plant: cannot answer ping from node %d: %v", req.Sender(), err)
		return
	}
	glog.V(2).Infof("plant: responding to ping request from node %d", req.Sender())
	if err := s.stack.Send(resp); err != nil {
		glog.Warningf("plant: cannot answer ping from node %d: %v", req.Sender(), err)
	}
}

func (s *Service) handleTraceEnable(req *acp.Message) {
	peer := req.Sender()
	var cmd msgs.BallTraceEnable
	if err := cmd.Unpack(req.Payload()); err != nil {
		glog.Warningf("plant: malformed trace enable from node %d: %v", peer, err)
		req.Destroy()
		return
	}
	s.tracing = cmd.Enable
	if cmd.Enable {
		glog.Info("plant: ball tracing enabled")
	} else {
		glog.Info("plant: ball tracing disabled")
	}
	// The request is echoed back as the acknowledgement.
	if err := s.stack.Echo(req); err != nil {
		glog.Warningf("plant: cannot acknowledge trace enable to node %d: %v", peer, err)
	}
}

func (s *Service) handleNewSetpoint(req *acp.Message) {
	defer req.Destroy()
	var cmd msgs.NewSetpointReq
	if err := cmd.Unpack(req.Payload()); err != nil {
		glog.Warningf("plant: malformed setpoint request from node %d: %v", req.Sender(), err)
		return
	}
	s.axes[msgs.AxisX].pid.SetSetpoint(mmToM(cmd.SetpointX))
	s.axes[msgs.AxisY].pid.SetSetpoint(mmToM(cmd.SetpointY))
	glog.V(1).Infof("plant: setpoint changed to (%g, %g)", cmd.SetpointX, cmd.SetpointY)
}

func (s *Service) handleGetPidSettings(req *acp.Message) {
	defer req.Destroy()
	var query msgs.GetPidSettingsReq
	if err := query.Unpack(req.Payload()); err != nil {
		glog.Warningf("plant: malformed PID settings query from node %d: %v", req.Sender(), err)
		return
	}
	if !query.AxisID.Valid() {
		glog.Warningf("plant: PID settings query from node %d names no axis", req.Sender())
		return
	}
	kp, ki, kd := s.axes[query.AxisID].pid.Gains()
	s.reply(req, &msgs.GetPidSettingsResp{
		AxisID:           query.AxisID,
		ProportionalGain: kp,
		IntegralGain:     ki,
		DerivativeGain:   kd,
	})
}

func (s *Service) handleSetPidSettings(req *acp.Message) {
	defer req.Destroy()
	var cmd msgs.SetPidSettingsReq
	if err := cmd.Unpack(req.Payload()); err != nil {
		glog.Warningf("plant: malformed PID settings request from node %d: %v", req.Sender(), err)
		return
	}
	if !cmd.AxisID.Valid() {
		glog.Warningf("plant: PID settings request from node %d names no axis", req.Sender())
		return
	}
	oldKp, oldKi, oldKd := s.axes[cmd.AxisID].pid.SetGains(
		cmd.ProportionalGain, cmd.IntegralGain, cmd.DerivativeGain)
	glog.Infof("plant: changed %v PID settings from (%g, %g, %g) to (%g, %g, %g)",
		cmd.AxisID, oldKp, oldKi, oldKd,
		cmd.ProportionalGain, cmd.IntegralGain, cmd.DerivativeGain)
	s.reply(req, &msgs.SetPidSettingsResp{
		AxisID:              cmd.AxisID,
		OldProportionalGain: oldKp,
		OldIntegralGain:     oldKi,
		OldDerivativeGain:   oldKd,
		NewProportionalGain: cmd.ProportionalGain,
		NewIntegralGain:     cmd.IntegralGain,
		NewDerivativeGain:   cmd.DerivativeGain,
	})
}

func (s *Service) handleGetSamplingPeriod(req *acp.Message) {
	defer req.Destroy()
	s.reply(req, &msgs.GetSamplingPeriodResp{
		SamplingPeriod: float32(s.sampler.Period().Seconds()),
	})
}

func (s *Service) handleSetSamplingPeriod(req *acp.Message) {
	defer req.Destroy()
	var cmd msgs.SetSamplingPeriodReq
	if err := cmd.Unpack(req.Payload()); err != nil {
		glog.Warningf("plant: malformed sampling period request from node %d: %v", req.Sender(), err)
		return
	}
	if !(cmd.SamplingPeriod > 0) {
		glog.Warningf("plant: node %d requested invalid sampling period %g", req.Sender(), cmd.SamplingPeriod)
		return
	}
	period := time.Duration(float64(cmd.SamplingPeriod) * float64(time.Second))
	old := float32(s.sampler.SetPeriod(period).Seconds())
	s.axes[msgs.AxisX].pid.SetSamplingPeriod(cmd.SamplingPeriod)
	s.axes[msgs.AxisY].pid.SetSamplingPeriod(cmd.SamplingPeriod)
	glog.Infof("plant: sampling period changed from %g to %g", old, cmd.SamplingPeriod)
	s.reply(req, &msgs.SetSamplingPeriodResp{
		OldSamplingPeriod: old,
		NewSamplingPeriod: cmd.SamplingPeriod,
	})
}

func (s *Service) handleGetFilterOrder(req *acp.Message) {
	defer req.Destroy()
	var query msgs.GetFilterOrderReq
	if err := query.Unpack(req.Payload()); err != nil {
		glog.Warningf("plant: malformed filter order query from node %d: %v", req.Sender(), err)
		return
	}
	if !query.AxisID.Valid() {
		glog.Warningf("plant: filter order query from node %d names no axis", req.Sender())
		return
	}
	s.reply(req, &msgs.GetFilterOrderResp{
		AxisID:      query.AxisID,
		FilterOrder: uint32(s.axes[query.AxisID].filter.Order()),
	})
}

func (s *Service) handleSetFilterOrder(req *acp.Message) {
	defer req.Destroy()
	var cmd msgs.SetFilterOrderReq
	if err := cmd.Unpack(req.Payload()); err != nil {
		glog.Warningf("plant: malformed filter order request from node %d: %v", req.Sender(), err)
		return
	}
	resp := msgs.SetFilterOrderResp{Status: msgs.StatusOk, AxisID: cmd.AxisID}
	if !cmd.AxisID.Valid() {
		glog.Warningf("plant: filter order request from node %d names no axis", req.Sender())
		resp.Status = msgs.StatusInvalidParams
		s.reply(req, &resp)
		return
	}
	filter := s.axes[cmd.AxisID].filter
	old := uint32(filter.Order())
	resp.OldFilterOrder = old
	resp.NewFilterOrder = old
	if cmd.FilterOrder < 1 || cmd.FilterOrder > MaxFilterOrder {
		glog.Warningf("plant: node %d requested invalid %v filter order %d",
			req.Sender(), cmd.AxisID, cmd.FilterOrder)
		resp.Status = msgs.StatusInvalidParams
	} else if err := filter.Resize(int(cmd.FilterOrder)); err != nil {
		glog.Warningf("plant: cannot change %v filter order from %d to %d: %v",
			cmd.AxisID, old, cmd.FilterOrder, err)
		resp.Status = msgs.StatusInvalidParams
	} else {
		resp.NewFilterOrder = cmd.FilterOrder
		glog.Infof("plant: changed %v filter order from %d to %d", cmd.AxisID, old, cmd.FilterOrder)
	}
	s.reply(req, &resp)
}

// reply packs payload into a fresh message addressed to the sender of
// req and sends it. req stays owned by the caller.
func (s *Service) reply(req *acp.Message, payload msgs.Payload) {
	resp, err := msgs.NewMessage(s.stack, req.Sender(), payload)
	if err != nil {
		glog.Errorf("plant: cannot create response 0x%02X for node %d: %v",
			payload.ID(), req.Sender(), err)
		return
	}
	if err := s.stack.Send(resp); err != nil {
		glog.Warningf("plant: cannot send response 0x%02X to node %d: %v",
			payload.ID(), req.Sender(), err)
	}
}

func (s *Service) traceBallPosition(setpointX, positionX, setpointY, positionY float32) {
	ind, err := msgs.NewMessage(s.stack, s.operator, &msgs.BallTraceInd{
		SampleNumber: s.sampler.SampleNumber(),
		SetpointX:    setpointX,
		PositionX:    positionX,
		SetpointY:    setpointY,
		PositionY:    positionY,
	})
	if err != nil {
		glog.V(1).Infof("plant: cannot create ball trace indication: %v", err)
		return
	}
	if err := s.stack.Send(ind); err != nil {
		glog.V(1).Infof("plant: cannot send ball trace indication: %v", err)
	}
}

func mmToM(mm float32) float32 { return mm / 1000 }

func mToMM(m float32) float32 { return m * 1000 }
