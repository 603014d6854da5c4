package msgs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/robotalks/boap.go/pkg/acp"
)

// ErrBadSize reports a payload whose length does not match its type.
var ErrBadSize = errors.New("payload size mismatch")

// LogLineSize is the fixed wire size of a log commit payload.
const LogLineSize = 200

// Payload is a typed view over a message payload.
type Payload interface {
	// ID returns the message id the payload travels under.
	ID() acp.MsgID
	// Size returns the exact wire size in bytes.
	Size() int
	// Pack serializes into b, which must hold Size bytes.
	Pack(b []byte)
	// Unpack deserializes from b, failing on a size mismatch.
	Unpack(b []byte) error
}

// NewMessage creates a message addressed to receiver, sized and tagged
// for p, with p packed as the payload. Ownership follows acp rules.
func NewMessage(s *acp.Stack, receiver acp.NodeID, p Payload) (*acp.Message, error) {
	msg, err := s.NewMessage(receiver, p.ID(), p.Size())
	if err != nil {
		return nil, err
	}
	p.Pack(msg.Payload())
	return msg, nil
}

// Decode returns the typed payload of msg. Messages that carry none
// decode to nil; ids outside the catalog fail.
func Decode(msg *acp.Message) (Payload, error) {
	return DecodeRaw(msg.ID(), msg.Payload())
}

// DecodeRaw is Decode over a raw frame body, for consumers tapping the
// wire below the stack.
func DecodeRaw(id acp.MsgID, payload []byte) (Payload, error) {
	factory, known := catalog[id]
	if !known {
		return nil, fmt.Errorf("unknown message id 0x%02X", uint8(id))
	}
	if factory == nil {
		if len(payload) != 0 {
			return nil, ErrBadSize
		}
		return nil, nil
	}
	p := factory()
	if err := p.Unpack(payload); err != nil {
		return nil, err
	}
	return p, nil
}

var catalog = map[acp.MsgID]func() Payload{
	MsgPingReq:               nil,
	MsgPingResp:              nil,
	MsgBallTraceInd:          func() Payload { return &BallTraceInd{} },
	MsgBallTraceEnable:       func() Payload { return &BallTraceEnable{} },
	MsgNewSetpointReq:        func() Payload { return &NewSetpointReq{} },
	MsgGetPidSettingsReq:     func() Payload { return &GetPidSettingsReq{} },
	MsgGetPidSettingsResp:    func() Payload { return &GetPidSettingsResp{} },
	MsgSetPidSettingsReq:     func() Payload { return &SetPidSettingsReq{} },
	MsgSetPidSettingsResp:    func() Payload { return &SetPidSettingsResp{} },
	MsgGetSamplingPeriodReq:  nil,
	MsgGetSamplingPeriodResp: func() Payload { return &GetSamplingPeriodResp{} },
	MsgSetSamplingPeriodReq:  func() Payload { return &SetSamplingPeriodReq{} },
	MsgSetSamplingPeriodResp: func() Payload { return &SetSamplingPeriodResp{} },
	MsgGetFilterOrderReq:     func() Payload { return &GetFilterOrderReq{} },
	MsgGetFilterOrderResp:    func() Payload { return &GetFilterOrderResp{} },
	MsgSetFilterOrderReq:     func() Payload { return &SetFilterOrderReq{} },
	MsgSetFilterOrderResp:    func() Payload { return &SetFilterOrderResp{} },
	MsgLogCommit:             func() Payload { return &LogCommit{} },
}

// BallTraceInd reports one control-loop sample per axis: where the
// ball was asked to be and where it was measured.
type BallTraceInd struct {
	SampleNumber uint64
	SetpointX    float32
	PositionX    float32
	SetpointY    float32
	PositionY    float32
}

// ID implements Payload.
func (*BallTraceInd) ID() acp.MsgID { return MsgBallTraceInd }

// Size implements Payload.
func (*BallTraceInd) Size() int { return 24 }

// Pack implements Payload.
func (p *BallTraceInd) Pack(b []byte) {
	binary.LittleEndian.PutUint64(b[0:], p.SampleNumber)
	putFloat(b[8:], p.SetpointX)
	putFloat(b[12:], p.PositionX)
	putFloat(b[16:], p.SetpointY)
	putFloat(b[20:], p.PositionY)
}

// Unpack implements Payload.
func (p *BallTraceInd) Unpack(b []byte) error {
	if len(b) != p.Size() {
		return ErrBadSize
	}
	p.SampleNumber = binary.LittleEndian.Uint64(b[0:])
	p.SetpointX = getFloat(b[8:])
	p.PositionX = getFloat(b[12:])
	p.SetpointY = getFloat(b[16:])
	p.PositionY = getFloat(b[20:])
	return nil
}

// BallTraceEnable turns the per-sample trace stream on or off.
type BallTraceEnable struct {
	Enable bool
}

// ID implements Payload.
func (*BallTraceEnable) ID() acp.MsgID { return MsgBallTraceEnable }

// Size implements Payload.
func (*BallTraceEnable) Size() int { return 4 }

// Pack implements Payload.
func (p *BallTraceEnable) Pack(b []byte) {
	putBool(b[0:], p.Enable)
}

// Unpack implements Payload.
func (p *BallTraceEnable) Unpack(b []byte) error {
	if len(b) != p.Size() {
		return ErrBadSize
	}
	p.Enable = getBool(b[0:])
	return nil
}

// NewSetpointReq asks the plant to drive the ball to a new position.
type NewSetpointReq struct {
	SetpointX float32
	SetpointY float32
}

// ID implements Payload.
func (*NewSetpointReq) ID() acp.MsgID { return MsgNewSetpointReq }

// Size implements Payload.
func (*NewSetpointReq) Size() int { return 8 }

// Pack implements Payload.
func (p *NewSetpointReq) Pack(b []byte) {
	putFloat(b[0:], p.SetpointX)
	putFloat(b[4:], p.SetpointY)
}

// Unpack implements Payload.
func (p *NewSetpointReq) Unpack(b []byte) error {
	if len(b) != p.Size() {
		return ErrBadSize
	}
	p.SetpointX = getFloat(b[0:])
	p.SetpointY = getFloat(b[4:])
	return nil
}

// GetPidSettingsReq fetches the regulator gains of one axis.
type GetPidSettingsReq struct {
	AxisID Axis
}

// ID implements Payload.
func (*GetPidSettingsReq) ID() acp.MsgID { return MsgGetPidSettingsReq }

// Size implements Payload.
func (*GetPidSettingsReq) Size() int { return 4 }

// Pack implements Payload.
func (p *GetPidSettingsReq) Pack(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], uint32(p.AxisID))
}

// Unpack implements Payload.
func (p *GetPidSettingsReq) Unpack(b []byte) error {
	if len(b) != p.Size() {
		return ErrBadSize
	}
	p.AxisID = Axis(binary.LittleEndian.Uint32(b[0:]))
	return nil
}

// GetPidSettingsResp carries the current regulator gains of one axis.
type GetPidSettingsResp struct {
	AxisID           Axis
	ProportionalGain float32
	IntegralGain     float32
	DerivativeGain   float32
}

// ID implements Payload.
func (*GetPidSettingsResp) ID() acp.MsgID { return MsgGetPidSettingsResp }

// Size implements Payload.
func (*GetPidSettingsResp) Size() int { return 16 }

// Pack implements Payload.
func (p *GetPidSettingsResp) Pack(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], uint32(p.AxisID))
	putFloat(b[4:], p.ProportionalGain)
	putFloat(b[8:], p.IntegralGain)
	putFloat(b[12:], p.DerivativeGain)
}

// Unpack implements Payload.
func (p *GetPidSettingsResp) Unpack(b []byte) error {
	if len(b) != p.Size() {
		return ErrBadSize
	}
	p.AxisID = Axis(binary.LittleEndian.Uint32(b[0:]))
	p.ProportionalGain = getFloat(b[4:])
	p.IntegralGain = getFloat(b[8:])
	p.DerivativeGain = getFloat(b[12:])
	return nil
}

// SetPidSettingsReq installs new regulator gains on one axis.
type SetPidSettingsReq struct {
	AxisID           Axis
	ProportionalGain float32
	IntegralGain     float32
	DerivativeGain   float32
}

// ID implements Payload.
func (*SetPidSettingsReq) ID() acp.MsgID { return MsgSetPidSettingsReq }

// Size implements Payload.
func (*SetPidSettingsReq) Size() int { return 16 }

// Pack implements Payload.
func (p *SetPidSettingsReq) Pack(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], uint32(p.AxisID))
	putFloat(b[4:], p.ProportionalGain)
	putFloat(b[8:], p.IntegralGain)
	putFloat(b[12:], p.DerivativeGain)
}

// Unpack implements Payload.
func (p *SetPidSettingsReq) Unpack(b []byte) error {
	if len(b) != p.Size() {
		return ErrBadSize
	}
	p.AxisID = Axis(binary.LittleEndian.Uint32(b[0:]))
	p.ProportionalGain = getFloat(b[4:])
	p.IntegralGain = getFloat(b[8:])
	p.DerivativeGain = getFloat(b[12:])
	return nil
}

// SetPidSettingsResp acknowledges a gain change with both the
// replaced and the installed values.
type SetPidSettingsResp struct {
	AxisID              Axis
	OldProportionalGain float32
	OldIntegralGain     float32
	OldDerivativeGain   float32
	NewProportionalGain float32
	NewIntegralGain     float32
	NewDerivativeGain   float32
}

// ID implements Payload.
func (*SetPidSettingsResp) ID() acp.MsgID { return MsgSetPidSettingsResp }

// Size implements Payload.
func (*SetPidSettingsResp) Size() int { return 28 }

// Pack implements Payload.
func (p *SetPidSettingsResp) Pack(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], uint32(p.AxisID))
	putFloat(b[4:], p.OldProportionalGain)
	putFloat(b[8:], p.OldIntegralGain)
	putFloat(b[12:], p.OldDerivativeGain)
	putFloat(b[16:], p.NewProportionalGain)
	putFloat(b[20:], p.NewIntegralGain)
	putFloat(b[24:], p.NewDerivativeGain)
}

// Unpack implements Payload.
func (p *SetPidSettingsResp) Unpack(b []byte) error {
	if len(b) != p.Size() {
		return ErrBadSize
	}
	p.AxisID = Axis(binary.LittleEndian.Uint32(b[0:]))
	p.OldProportionalGain = getFloat(b[4:])
	p.OldIntegralGain = getFloat(b[8:])
	p.OldDerivativeGain = getFloat(b[12:])
	p.NewProportionalGain = getFloat(b[16:])
	p.NewIntegralGain = getFloat(b[20:])
	p.NewDerivativeGain = getFloat(b[24:])
	return nil
}

// GetSamplingPeriodResp carries the current sampling period in
// seconds.
type GetSamplingPeriodResp struct {
	SamplingPeriod float32
}

// ID implements Payload.
func (*GetSamplingPeriodResp) ID() acp.MsgID { return MsgGetSamplingPeriodResp }

// Size implements Payload.
func (*GetSamplingPeriodResp) Size() int { return 4 }

// Pack implements Payload.
func (p *GetSamplingPeriodResp) Pack(b []byte) {
	putFloat(b[0:], p.SamplingPeriod)
}

// Unpack implements Payload.
func (p *GetSamplingPeriodResp) Unpack(b []byte) error {
	if len(b) != p.Size() {
		return ErrBadSize
	}
	p.SamplingPeriod = getFloat(b[0:])
	return nil
}

// SetSamplingPeriodReq installs a new sampling period in seconds.
type SetSamplingPeriodReq struct {
	SamplingPeriod float32
}

// ID implements Payload.
func (*SetSamplingPeriodReq) ID() acp.MsgID { return MsgSetSamplingPeriodReq }

// Size implements Payload.
func (*SetSamplingPeriodReq) Size() int { return 4 }

// Pack implements Payload.
func (p *SetSamplingPeriodReq) Pack(b []byte) {
	putFloat(b[0:], p.SamplingPeriod)
}

// Unpack implements Payload.
func (p *SetSamplingPeriodReq) Unpack(b []byte) error {
	if len(b) != p.Size() {
		return ErrBadSize
	}
	p.SamplingPeriod = getFloat(b[0:])
	return nil
}

// SetSamplingPeriodResp acknowledges a period change.
type SetSamplingPeriodResp struct {
	OldSamplingPeriod float32
	NewSamplingPeriod float32
}

// ID implements Payload.
func (*SetSamplingPeriodResp) ID() acp.MsgID { return MsgSetSamplingPeriodResp }

// Size implements Payload.
func (*SetSamplingPeriodResp) Size() int { return 8 }

// Pack implements Payload.
func (p *SetSamplingPeriodResp) Pack(b []byte) {
	putFloat(b[0:], p.OldSamplingPeriod)
	putFloat(b[4:], p.NewSamplingPeriod)
}

// Unpack implements Payload.
func (p *SetSamplingPeriodResp) Unpack(b []byte) error {
	if len(b) != p.Size() {
		return ErrBadSize
	}
	p.OldSamplingPeriod = getFloat(b[0:])
	p.NewSamplingPeriod = getFloat(b[4:])
	return nil
}

// GetFilterOrderReq fetches the measurement filter order of one axis.
type GetFilterOrderReq struct {
	AxisID Axis
}

// ID implements Payload.
func (*GetFilterOrderReq) ID() acp.MsgID { return MsgGetFilterOrderReq }

// Size implements Payload.
func (*GetFilterOrderReq) Size() int { return 4 }

// Pack implements Payload.
func (p *GetFilterOrderReq) Pack(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], uint32(p.AxisID))
}

// Unpack implements Payload.
func (p *GetFilterOrderReq) Unpack(b []byte) error {
	if len(b) != p.Size() {
		return ErrBadSize
	}
	p.AxisID = Axis(binary.LittleEndian.Uint32(b[0:]))
	return nil
}

// GetFilterOrderResp carries the current filter order of one axis.
type GetFilterOrderResp struct {
	AxisID      Axis
	FilterOrder uint32
}

// ID implements Payload.
func (*GetFilterOrderResp) ID() acp.MsgID { return MsgGetFilterOrderResp }

// Size implements Payload.
func (*GetFilterOrderResp) Size() int { return 8 }

// Pack implements Payload.
func (p *GetFilterOrderResp) Pack(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], uint32(p.AxisID))
	binary.LittleEndian.PutUint32(b[4:], p.FilterOrder)
}

// Unpack implements Payload.
func (p *GetFilterOrderResp) Unpack(b []byte) error {
	if len(b) != p.Size() {
		return ErrBadSize
	}
	p.AxisID = Axis(binary.LittleEndian.Uint32(b[0:]))
	p.FilterOrder = binary.LittleEndian.Uint32(b[4:])
	return nil
}

// SetFilterOrderReq installs a new measurement filter order on one
// axis.
type SetFilterOrderReq struct {
	AxisID      Axis
	FilterOrder uint32
}

// ID implements Payload.
func (*SetFilterOrderReq) ID() acp.MsgID { return MsgSetFilterOrderReq }

// Size implements Payload.
func (*SetFilterOrderReq) Size() int { return 8 }

// Pack implements Payload.
func (p *SetFilterOrderReq) Pack(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], uint32(p.AxisID))
	binary.LittleEndian.PutUint32(b[4:], p.FilterOrder)
}

// Unpack implements Payload.
func (p *SetFilterOrderReq) Unpack(b []byte) error {
	if len(b) != p.Size() {
		return ErrBadSize
	}
	p.AxisID = Axis(binary.LittleEndian.Uint32(b[0:]))
	p.FilterOrder = binary.LittleEndian.Uint32(b[4:])
	return nil
}

// SetFilterOrderResp acknowledges a filter order change. The new
// order is meaningful only when Status is StatusOk.
type SetFilterOrderResp struct {
	Status         Status
	AxisID         Axis
	OldFilterOrder uint32
	NewFilterOrder uint32
}

// ID implements Payload.
func (*SetFilterOrderResp) ID() acp.MsgID { return MsgSetFilterOrderResp }

// Size implements Payload.
func (*SetFilterOrderResp) Size() int { return 16 }

// Pack implements Payload.
func (p *SetFilterOrderResp) Pack(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], uint32(p.Status))
	binary.LittleEndian.PutUint32(b[4:], uint32(p.AxisID))
	binary.LittleEndian.PutUint32(b[8:], p.OldFilterOrder)
	binary.LittleEndian.PutUint32(b[12:], p.NewFilterOrder)
}

// Unpack implements Payload.
func (p *SetFilterOrderResp) Unpack(b []byte) error {
	if len(b) != p.Size() {
		return ErrBadSize
	}
	p.Status = Status(binary.LittleEndian.Uint32(b[0:]))
	p.AxisID = Axis(binary.LittleEndian.Uint32(b[4:]))
	p.OldFilterOrder = binary.LittleEndian.Uint32(b[8:])
	p.NewFilterOrder = binary.LittleEndian.Uint32(b[12:])
	return nil
}

// LogCommit forwards one formatted log line to the log aggregator.
// The line travels in a fixed-size buffer as a NUL-terminated string
// and is truncated to fit.
type LogCommit struct {
	Message string
}

// ID implements Payload.
func (*LogCommit) ID() acp.MsgID { return MsgLogCommit }

// Size implements Payload.
func (*LogCommit) Size() int { return LogLineSize }

// Pack implements Payload.
func (p *LogCommit) Pack(b []byte) {
	n := copy(b[:LogLineSize-1], p.Message)
	for i := n; i < LogLineSize; i++ {
		b[i] = 0
	}
}

// Unpack implements Payload.
func (p *LogCommit) Unpack(b []byte) error {
	if len(b) != LogLineSize {
		return ErrBadSize
	}
	end := bytes.IndexByte(b, 0)
	if end < 0 {
		end = len(b)
	}
	p.Message = strings.TrimRight(string(b[:end]), "\n")
	return nil
}

func putFloat(b []byte, v float32) {
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
}

func getFloat(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

func putBool(b []byte, v bool) {
	var w uint32
	if v {
		w = 1
	}
	binary.LittleEndian.PutUint32(b, w)
}

func getBool(b []byte) bool {
	return binary.LittleEndian.Uint32(b) != 0
}
