package mqtt

import (
	"fmt"
	"strings"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/glog"
)

// FrameTap observes a raw frame published to a station.
type FrameTap func(station string, frame []byte)

// Monitor taps every station topic under the broker prefix. It never
// publishes; protocol dumps and dashboards hang off it.
type Monitor struct {
	client paho.Client
}

// NewMonitor connects to the broker and feeds every observed frame to
// tap. The wildcard subscription is renewed on every reconnect.
func NewMonitor(brokerURL string, tap FrameTap) (*Monitor, error) {
	opts, prefix, err := ClientOptionsFromURL(brokerURL)
	if err != nil {
		return nil, err
	}
	if opts.ClientID == "" {
		opts.SetClientID("boap-monitor")
	}
	filter := prefix + topicBase + "+"
	opts.SetOnConnectHandler(func(c paho.Client) {
		glog.V(2).Infof("mqtt: SUB %q", filter)
		c.Subscribe(filter, 0, func(_ paho.Client, m paho.Message) {
			topic := m.Topic()
			station := topic[strings.LastIndexByte(topic, '/')+1:]
			tap(station, m.Payload())
		})
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		glog.Warningf("mqtt: monitor connection lost: %v", err)
	})
	m := &Monitor{client: paho.NewClient(opts)}
	token := m.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect %q: %v", brokerURL, err)
	}
	return m, nil
}

// Close implements io.Closer.
func (m *Monitor) Close() error {
	m.client.Disconnect(250)
	return nil
}
