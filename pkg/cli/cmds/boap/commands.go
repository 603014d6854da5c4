// Package boap provides the operator commands steering a balancing
// plant station.
package boap

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/abiosoft/ishell"

	"github.com/robotalks/boap.go/pkg/acp"
	"github.com/robotalks/boap.go/pkg/cli/sh"
	"github.com/robotalks/boap.go/pkg/keepalive"
	"github.com/robotalks/boap.go/pkg/msgs"
)

var (
	// PingCmd measures the round trip to a station.
	PingCmd = ishell.Cmd{
		Name:    "ping",
		Aliases: []string{"p"},
		Help:    "[STATION]",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			s := sh.ShellFrom(c)
			sess := s.Session
			node := msgs.NodePlant
			if len(c.Args) > 0 {
				var err error
				if node, err = sess.Env.Directory.Resolve(c.Args[0]); err != nil {
					c.Err(fmt.Errorf("Invalid STATION: %v", err))
					return
				}
			}
			req, err := sess.Stack.NewMessage(node, msgs.MsgPingReq, 0)
			if err != nil {
				c.Err(err)
				return
			}
			start := time.Now()
			if err = sess.Stack.Send(req); err != nil {
				c.Err(err)
				return
			}
			rsp, err := pongFrom(sess, node, sh.CommandTimeout)
			if err != nil {
				c.Err(err)
				return
			}
			rtt := time.Since(start)
			rsp.Destroy()
			station, _ := sess.Env.Directory.Lookup(node)
			if s.OutputJSON {
				out, err := json.Marshal(struct {
					Station string
					Node    acp.NodeID
					RTT     string
				}{station, node, rtt.String()})
				if err != nil {
					c.Err(err)
					return
				}
				c.Println(string(out))
				return
			}
			c.Printf("%s (node %d): time=%v\n", station, node, rtt)
		}),
	}

	// SetpointCmd asks the plant to drive the ball to a position.
	SetpointCmd = ishell.Cmd{
		Name:    "setpoint",
		Aliases: []string{"sp"},
		Help:    "X(mm) Y(mm)",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			if len(c.Args) < 2 {
				c.Err(fmt.Errorf("X and Y required"))
				return
			}
			var msg msgs.NewSetpointReq
			val, err := strconv.ParseFloat(c.Args[0], 32)
			if err != nil {
				c.Err(fmt.Errorf("Invalid X: %v", err))
				return
			}
			msg.SetpointX = float32(val)
			if val, err = strconv.ParseFloat(c.Args[1], 32); err != nil {
				c.Err(fmt.Errorf("Invalid Y: %v", err))
				return
			}
			msg.SetpointY = float32(val)
			sh.SendOnly(c, msgs.NodePlant, &msg)
		}),
	}

	// PidCmd reads or sets the PID gains of one axis.
	PidCmd = ishell.Cmd{
		Name: "pid",
		Help: "AXIS [KP KI KD]",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			if len(c.Args) < 1 {
				c.Err(fmt.Errorf("AXIS required"))
				return
			}
			axis, ok := parseAxis(c, c.Args[0])
			if !ok {
				return
			}
			if len(c.Args) == 1 {
				sh.Transact(c, msgs.NodePlant,
					&msgs.GetPidSettingsReq{AxisID: axis},
					msgs.MsgGetPidSettingsResp)
				return
			}
			if len(c.Args) != 4 {
				c.Err(fmt.Errorf("KP, KI and KD required"))
				return
			}
			msg := msgs.SetPidSettingsReq{AxisID: axis}
			val, err := strconv.ParseFloat(c.Args[1], 32)
			if err != nil {
				c.Err(fmt.Errorf("Invalid KP: %v", err))
				return
			}
			msg.ProportionalGain = float32(val)
			if val, err = strconv.ParseFloat(c.Args[2], 32); err != nil {
				c.Err(fmt.Errorf("Invalid KI: %v", err))
				return
			}
			msg.IntegralGain = float32(val)
			if val, err = strconv.ParseFloat(c.Args[3], 32); err != nil {
				c.Err(fmt.Errorf("Invalid KD: %v", err))
				return
			}
			msg.DerivativeGain = float32(val)
			sh.Transact(c, msgs.NodePlant, &msg, msgs.MsgSetPidSettingsResp)
		}),
	}

	// PeriodCmd reads or sets the control loop sampling period.
	PeriodCmd = ishell.Cmd{
		Name: "period",
		Help: "[PERIOD(s)]",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			if len(c.Args) == 0 {
				sh.TransactEmpty(c, msgs.NodePlant,
					msgs.MsgGetSamplingPeriodReq, msgs.MsgGetSamplingPeriodResp)
				return
			}
			val, err := strconv.ParseFloat(c.Args[0], 32)
			if err != nil {
				c.Err(fmt.Errorf("Invalid PERIOD: %v", err))
				return
			}
			sh.Transact(c, msgs.NodePlant,
				&msgs.SetSamplingPeriodReq{SamplingPeriod: float32(val)},
				msgs.MsgSetSamplingPeriodResp)
		}),
	}

	// FilterCmd reads or sets the moving average order of one axis.
	FilterCmd = ishell.Cmd{
		Name: "filter",
		Help: "AXIS [ORDER]",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			if len(c.Args) < 1 {
				c.Err(fmt.Errorf("AXIS required"))
				return
			}
			axis, ok := parseAxis(c, c.Args[0])
			if !ok {
				return
			}
			if len(c.Args) == 1 {
				sh.Transact(c, msgs.NodePlant,
					&msgs.GetFilterOrderReq{AxisID: axis},
					msgs.MsgGetFilterOrderResp)
				return
			}
			order, err := strconv.ParseUint(c.Args[1], 10, 32)
			if err != nil {
				c.Err(fmt.Errorf("Invalid ORDER: %v", err))
				return
			}
			sh.Transact(c, msgs.NodePlant,
				&msgs.SetFilterOrderReq{AxisID: axis, FilterOrder: uint32(order)},
				msgs.MsgSetFilterOrderResp)
		}),
	}

	// TraceCmd turns the ball trace stream on or off. The plant echoes
	// the request back as the acknowledgement.
	TraceCmd = ishell.Cmd{
		Name: "trace",
		Help: "on|off",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			if len(c.Args) < 1 {
				c.Err(fmt.Errorf("on or off required"))
				return
			}
			var msg msgs.BallTraceEnable
			switch strings.ToLower(c.Args[0]) {
			case "on":
				msg.Enable = true
			case "off":
			default:
				c.Err(fmt.Errorf("Invalid argument %q, want on or off", c.Args[0]))
				return
			}
			sh.Transact(c, msgs.NodePlant, &msg, msgs.MsgBallTraceEnable)
		}),
	}

	// PeersCmd probes every peer station once and reports who answers.
	PeersCmd = ishell.Cmd{
		Name: "peers",
		Help: "",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			s := sh.ShellFrom(c)
			sess := s.Session
			type peerState struct {
				Station string
				Node    acp.NodeID
				Alive   bool
			}
			var states []peerState
			prober := keepalive.NewProber(sess.Stack, sess.Pings, keepalive.Config{
				Window: sh.CommandTimeout,
				OnState: keepalive.StateFunc(func(node acp.NodeID, alive bool) {
					station, _ := sess.Env.Directory.Lookup(node)
					states = append(states, peerState{station, node, alive})
				}),
			})
			if err := prober.Probe(); err != nil {
				c.Err(err)
				return
			}
			if s.OutputJSON {
				out, err := json.Marshal(states)
				if err != nil {
					c.Err(err)
					return
				}
				c.Println(string(out))
				return
			}
			for _, st := range states {
				state := "alive"
				if !st.Alive {
					state = "dead"
				}
				c.Printf("%s (node %d): %s\n", st.Station, st.Node, state)
			}
		}),
	}
)

func init() {
	sh.AddCmds(
		&PingCmd,
		&SetpointCmd,
		&PidCmd,
		&PeriodCmd,
		&FilterCmd,
		&TraceCmd,
		&PeersCmd,
	)
}

// parseAxis maps an axis argument to its wire id.
func parseAxis(c *ishell.Context, arg string) (msgs.Axis, bool) {
	switch strings.ToLower(arg) {
	case "x", "0":
		return msgs.AxisX, true
	case "y", "1":
		return msgs.AxisY, true
	}
	c.Err(fmt.Errorf("Invalid AXIS %q, want x or y", arg))
	return 0, false
}

// pongFrom pops pongs until one from node arrives. Pongs of earlier
// probes left in the queue are destroyed.
func pongFrom(sess *sh.Session, node acp.NodeID, timeout time.Duration) (*acp.Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("no response from node %d", node)
		}
		rsp, err := sess.Pings.Receive(remaining)
		if err == acp.ErrTimeout {
			return nil, fmt.Errorf("no response from node %d", node)
		}
		if err != nil {
			return nil, err
		}
		if rsp.Sender() == node {
			return rsp, nil
		}
		rsp.Destroy()
	}
}
