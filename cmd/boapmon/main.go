package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"reflect"
	"sync"

	"golang.org/x/net/websocket"

	"github.com/robotalks/boap.go/pkg/acp"
	"github.com/robotalks/boap.go/pkg/acp/mqtt"
	"github.com/robotalks/boap.go/pkg/msgs"
)

var (
	mqttURL    = "tcp://localhost:1883"
	listenAddr = ":8780"
)

func init() {
	if val := os.Getenv("BOAP_MQTT_URL"); val != "" {
		mqttURL = val
	}
	flag.StringVar(&mqttURL, "mqtt", mqttURL, "MQTT broker URL.")
	flag.StringVar(&listenAddr, "listen", listenAddr, "Address serving the ball trace stream.")
}

func main() {
	flag.Parse()
	log.SetFlags(log.Lmicroseconds)

	feed := newTraceFeed()
	_, err := mqtt.NewMonitor(mqttURL, func(station string, frame []byte) {
		h, err := acp.ParseHeader(frame)
		if err != nil {
			log.Printf("%s: bad frame: %v", station, err)
			return
		}
		p, err := msgs.DecodeRaw(h.ID, frame[acp.HeaderSize:])
		if err != nil {
			log.Printf("%s: %d->%d: decode error: (id=0x%02X) %v",
				station, h.Sender, h.Receiver, uint8(h.ID), err)
			return
		}
		if p == nil {
			log.Printf("%s: %d->%d: [%s]", station, h.Sender, h.Receiver, idName(h.ID))
			return
		}
		log.Printf("%s: %d->%d: [%s] %+v", station, h.Sender, h.Receiver,
			reflect.Indirect(reflect.ValueOf(p)).Type().Name(),
			reflect.Indirect(reflect.ValueOf(p)))
		if trace, ok := p.(*msgs.BallTraceInd); ok {
			feed.publish(trace)
		}
	})
	if err != nil {
		log.Fatalln(err)
	}

	http.Handle("/trace", websocket.Handler(feed.serve))
	log.Fatalln(http.ListenAndServe(listenAddr, nil))
}

// idName names the payloadless catalog ids for the log.
func idName(id acp.MsgID) string {
	switch id {
	case msgs.MsgPingReq:
		return "PingReq"
	case msgs.MsgPingResp:
		return "PingResp"
	}
	return fmt.Sprintf("msg-0x%02X", uint8(id))
}

// traceSample is the JSON shape of one control loop sample.
type traceSample struct {
	Sample    uint64  `json:"sample"`
	SetpointX float32 `json:"sx"`
	PositionX float32 `json:"x"`
	SetpointY float32 `json:"sy"`
	PositionY float32 `json:"y"`
}

// traceFeed fans ball trace samples out to connected browsers. Slow
// consumers lose samples rather than stall the tap.
type traceFeed struct {
	lock sync.Mutex
	subs map[chan []byte]bool
}

func newTraceFeed() *traceFeed {
	return &traceFeed{subs: make(map[chan []byte]bool)}
}

func (f *traceFeed) publish(p *msgs.BallTraceInd) {
	sample, err := json.Marshal(traceSample{
		Sample:    p.SampleNumber,
		SetpointX: p.SetpointX,
		PositionX: p.PositionX,
		SetpointY: p.SetpointY,
		PositionY: p.PositionY,
	})
	if err != nil {
		return
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	for ch := range f.subs {
		select {
		case ch <- sample:
		default:
		}
	}
}

// serve streams samples to one browser until it goes away.
func (f *traceFeed) serve(conn *websocket.Conn) {
	ch := make(chan []byte, 64)
	f.lock.Lock()
	f.subs[ch] = true
	f.lock.Unlock()
	defer func() {
		f.lock.Lock()
		delete(f.subs, ch)
		f.lock.Unlock()
	}()
	for sample := range ch {
		if err := websocket.Message.Send(conn, string(sample)); err != nil {
			return
		}
	}
}
