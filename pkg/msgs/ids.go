// Package msgs defines the message catalog spoken between the
// stations: the id space, the typed payloads and their fixed wire
// layouts. Payloads serialize as packed little-endian scalars, so a
// frame built here is readable by every station regardless of
// architecture.
package msgs

import (
	"fmt"

	"github.com/robotalks/boap.go/pkg/acp"
)

// Well-known node ids of the standard three-station deployment.
const (
	NodePlant      acp.NodeID = 0x00
	NodeController acp.NodeID = 0x01
	NodePC         acp.NodeID = 0x02
)

// Message ids.
const (
	MsgPingReq               acp.MsgID = 0x00
	MsgPingResp              acp.MsgID = 0x01
	MsgBallTraceInd          acp.MsgID = 0x02
	MsgBallTraceEnable       acp.MsgID = 0x03
	MsgNewSetpointReq        acp.MsgID = 0x04
	MsgGetPidSettingsReq     acp.MsgID = 0x05
	MsgGetPidSettingsResp    acp.MsgID = 0x06
	MsgSetPidSettingsReq     acp.MsgID = 0x07
	MsgSetPidSettingsResp    acp.MsgID = 0x08
	MsgGetSamplingPeriodReq  acp.MsgID = 0x09
	MsgGetSamplingPeriodResp acp.MsgID = 0x0A
	MsgSetSamplingPeriodReq  acp.MsgID = 0x0B
	MsgSetSamplingPeriodResp acp.MsgID = 0x0C
	MsgGetFilterOrderReq     acp.MsgID = 0x0D
	MsgGetFilterOrderResp    acp.MsgID = 0x0E
	MsgSetFilterOrderReq     acp.MsgID = 0x0F
	MsgSetFilterOrderResp    acp.MsgID = 0x10
	MsgLogCommit             acp.MsgID = 0x11
)

// Axis selects one of the two platform axes.
type Axis uint32

// Axes.
const (
	AxisX Axis = 0
	AxisY Axis = 1
)

// Valid reports whether a names a real axis.
func (a Axis) Valid() bool {
	return a <= AxisY
}

// String implements fmt.Stringer.
func (a Axis) String() string {
	switch a {
	case AxisX:
		return "X-axis"
	case AxisY:
		return "Y-axis"
	default:
		return fmt.Sprintf("axis(%d)", uint32(a))
	}
}

// Status reports the outcome of a settings request.
type Status uint32

// Statuses.
const (
	StatusOk            Status = 0
	StatusError         Status = 1
	StatusInvalidParams Status = 2
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusOk:
		return "ok"
	case StatusError:
		return "error"
	case StatusInvalidParams:
		return "invalid params"
	default:
		return fmt.Sprintf("status(%d)", uint32(s))
	}
}
