package sh

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"reflect"
	"time"

	"github.com/abiosoft/ishell"
	"github.com/golang/glog"

	"github.com/robotalks/boap.go/pkg/acp"
	"github.com/robotalks/boap.go/pkg/env"
	"github.com/robotalks/boap.go/pkg/msgs"
	"github.com/robotalks/boap.go/pkg/route"
)

// Shell provides ishell backed interactive shell.
type Shell struct {
	Interactive bool
	OutputJSON  bool
	AutoConnect bool

	Shell   *ishell.Shell
	Config  *env.Config
	Session *Session
}

// Session is a joined deployment: an open stack with a running router
// splitting the replies interactive commands wait for from the pongs
// of liveness probes.
type Session struct {
	Ctx       context.Context
	Cancel    func()
	Env       *env.Env
	Stack     *acp.Stack
	Router    *route.Router
	Responses *route.Subscription
	Pings     *route.Subscription
}

const (
	shellKey          = "$shell"
	unconnectedPrompt = "[none] > "
)

// CommandTimeout bounds one request/reply exchange.
const CommandTimeout = time.Second

var (
	// flags

	evalOnly   bool
	outputJSON bool

	// commands
	commands = []*ishell.Cmd{
		&StationsCmd,
		&ConnectCmd,
		&DisconnectCmd,
	}

	// replyIDs are the message ids routed to Session.Responses.
	replyIDs = []acp.MsgID{
		msgs.MsgBallTraceEnable,
		msgs.MsgGetPidSettingsResp,
		msgs.MsgSetPidSettingsResp,
		msgs.MsgGetSamplingPeriodResp,
		msgs.MsgSetSamplingPeriodResp,
		msgs.MsgGetFilterOrderResp,
		msgs.MsgSetFilterOrderResp,
	}
)

func init() {
	flag.BoolVar(&evalOnly, "e", evalOnly, "Evaluation only, no interactive shell.")
	flag.BoolVar(&outputJSON, "json", outputJSON, "Print output in JSON.")
}

// AddCmds is used by other commands providers during init func.
func AddCmds(cmds ...*ishell.Cmd) {
	commands = append(commands, cmds...)
}

// New creates a new shell.
func New(conf *env.Config) *Shell {
	s := &Shell{
		Interactive: !evalOnly,
		OutputJSON:  outputJSON,

		Shell:  ishell.New(),
		Config: conf,
	}
	s.Shell.Set(shellKey, s)
	s.Shell.SetPrompt(unconnectedPrompt)
	for _, cmd := range commands {
		s.Shell.AddCmd(cmd)
	}
	return s
}

// ShellFrom gets Shell from ishell context.
func ShellFrom(c *ishell.Context) *Shell {
	return c.Get(shellKey).(*Shell)
}

// MustBeConnected wraps command func requires a connection.
func MustBeConnected(fn func(c *ishell.Context)) func(c *ishell.Context) {
	return func(c *ishell.Context) {
		if ShellFrom(c).Session == nil {
			c.Err(fmt.Errorf("not connected"))
			return
		}
		fn(c)
	}
}

// Await receives from sub until a message carrying the wanted id
// arrives or the timeout expires. Leftovers of timed out exchanges are
// destroyed along the way.
func Await(sub *route.Subscription, id acp.MsgID, timeout time.Duration) (*acp.Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, acp.ErrTimeout
		}
		msg, err := sub.Receive(remaining)
		if err != nil {
			return nil, err
		}
		if msg.ID() == id {
			return msg, nil
		}
		msg.Destroy()
	}
}

// Transact sends req to node, waits for the reply and prints it.
func Transact(c *ishell.Context, node acp.NodeID, req msgs.Payload, reply acp.MsgID) error {
	s := ShellFrom(c)
	if s.Session == nil {
		err := fmt.Errorf("not connected")
		c.Err(err)
		return err
	}
	msg, err := msgs.NewMessage(s.Session.Stack, node, req)
	if err != nil {
		c.Err(err)
		return err
	}
	return transact(c, msg, reply)
}

// TransactEmpty sends a bare request id to node, waits for the reply
// and prints it.
func TransactEmpty(c *ishell.Context, node acp.NodeID, id, reply acp.MsgID) error {
	s := ShellFrom(c)
	if s.Session == nil {
		err := fmt.Errorf("not connected")
		c.Err(err)
		return err
	}
	msg, err := s.Session.Stack.NewMessage(node, id, 0)
	if err != nil {
		c.Err(err)
		return err
	}
	return transact(c, msg, reply)
}

// SendOnly sends req to node without waiting for a reply.
func SendOnly(c *ishell.Context, node acp.NodeID, req msgs.Payload) error {
	s := ShellFrom(c)
	if s.Session == nil {
		err := fmt.Errorf("not connected")
		c.Err(err)
		return err
	}
	msg, err := msgs.NewMessage(s.Session.Stack, node, req)
	if err != nil {
		c.Err(err)
		return err
	}
	if err = s.Session.Stack.Send(msg); err != nil {
		c.Err(err)
		return err
	}
	return PrintReply(c, nil)
}

func transact(c *ishell.Context, req *acp.Message, reply acp.MsgID) error {
	s := ShellFrom(c)
	if err := s.Session.Stack.Send(req); err != nil {
		c.Err(err)
		return err
	}
	rsp, err := Await(s.Session.Responses, reply, CommandTimeout)
	if err == acp.ErrTimeout {
		c.Err(fmt.Errorf("Command timeout"))
		return context.DeadlineExceeded
	}
	if err != nil {
		c.Err(err)
		return err
	}
	defer rsp.Destroy()
	p, err := msgs.Decode(rsp)
	if err != nil {
		c.Err(err)
		return err
	}
	return PrintReply(c, p)
}

// PrintReply prints a decoded reply honoring the -json flag. A nil
// payload prints as a plain acknowledgement.
func PrintReply(c *ishell.Context, p msgs.Payload) error {
	s := ShellFrom(c)
	if s.OutputJSON {
		out, err := json.Marshal(p)
		if err != nil {
			c.Err(err)
			return err
		}
		c.Println(string(out))
		return nil
	}
	if p == nil {
		c.Println("OK")
		return nil
	}
	v := reflect.Indirect(reflect.ValueOf(p))
	c.Printf("%s %+v\n", v.Type().Name(), v)
	return nil
}

// WithAutoConnect sets AutoConnect.
func (s *Shell) WithAutoConnect(en bool) *Shell {
	s.AutoConnect = en
	return s
}

// Deployment loads the configured deployment without joining it.
func (s *Shell) Deployment() (*env.Deployment, error) {
	if s.Session != nil {
		return s.Session.Env.Deployment, nil
	}
	if s.Config.DeploymentFile != "" {
		return env.LoadDeployment(s.Config.DeploymentFile)
	}
	return env.DefaultDeployment(), nil
}

// Connect joins the deployment as the configured station.
func (s *Shell) Connect() error {
	e, err := s.Config.NewEnv()
	if err != nil {
		return err
	}
	stack, err := e.NewStack()
	if err != nil {
		return err
	}
	sess := &Session{Env: e, Stack: stack}
	sess.Router = route.NewRouter(stack, route.Options{
		AutoPong: true,
		LogLines: func(sender acp.NodeID, line string) {
			glog.Infof("station %d: %s", sender, line)
		},
	})
	if sess.Responses, err = sess.Router.Subscribe(0, replyIDs...); err != nil {
		stack.Close()
		return err
	}
	if sess.Pings, err = sess.Router.Subscribe(0, msgs.MsgPingResp); err != nil {
		stack.Close()
		return err
	}
	sess.Ctx, sess.Cancel = context.WithCancel(context.Background())
	s.Disconnect()
	s.Session = sess
	go sess.Router.Run(sess.Ctx)
	s.Shell.SetPrompt(fmt.Sprintf("%s > ", e.Config.Station))
	return nil
}

// Disconnect leaves the deployment.
func (s *Shell) Disconnect() {
	if s.Session != nil {
		s.Session.Cancel()
		s.Session.Stack.Close()
		s.Session = nil
		s.Shell.SetPrompt(unconnectedPrompt)
	}
}

// Run runs the shell.
func (s *Shell) Run(args ...string) {
	if s.AutoConnect && s.Config.Station != "" {
		if s.Interactive {
			s.Shell.Printf("Joining as %s ...\n", s.Config.Station)
		}
		if err := s.Connect(); err != nil {
			log.Fatalf("join as %q failed: %v", s.Config.Station, err)
		}
	}

	if len(args) > 0 {
		if err := s.Shell.Process(args...); err != nil {
			log.Fatalln(err)
		}
		return
	}
	if s.Interactive {
		s.Shell.Run()
		return
	}
	log.Fatalln("command expected")
}

var (
	// StationsCmd lists the stations of the configured deployment.
	StationsCmd = ishell.Cmd{
		Name:    "stations",
		Aliases: []string{"list", "l"},
		Help:    "",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			dep, err := s.Deployment()
			if err != nil {
				c.Err(err)
				return
			}
			if s.OutputJSON {
				out, err := json.Marshal(dep.Stations)
				if err != nil {
					c.Err(err)
					return
				}
				c.Println(string(out))
				return
			}
			for node, station := range dep.Stations {
				c.Printf("%d: %s\n", node, station)
			}
		},
	}

	// ConnectCmd joins the deployment, optionally as another station.
	ConnectCmd = ishell.Cmd{
		Name:    "connect",
		Aliases: []string{"c"},
		Help:    "[STATION]",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			if len(c.Args) > 0 {
				s.Config.Station = c.Args[0]
			}
			if err := s.Connect(); err != nil {
				c.Err(err)
				return
			}
		},
	}

	// DisconnectCmd leaves the deployment.
	DisconnectCmd = ishell.Cmd{
		Name:    "disconnect",
		Aliases: []string{"d"},
		Help:    "",
		Func: func(c *ishell.Context) {
			ShellFrom(c).Disconnect()
		},
	}
)

// Main is a helper to provide a single call in main.
func Main() {
	flag.Parse()
	New(env.NewConfig()).WithAutoConnect(true).Run(flag.Args()...)
}
