package env

import (
	"fmt"
	"io/ioutil"

	"gopkg.in/yaml.v3"

	"github.com/robotalks/boap.go/pkg/acp"
	"github.com/robotalks/boap.go/pkg/acp/mqtt"
	"github.com/robotalks/boap.go/pkg/acp/udp"
)

// Transport selectors recognized in a deployment description.
const (
	TransportMQTT = "mqtt"
	TransportUDP  = "udp"
)

// Deployment describes a bench: the frame carrier every station shares
// and the station addresses in node id order.
type Deployment struct {
	// Transport selects the frame carrier, "mqtt" or "udp".
	Transport string `yaml:"transport"`
	// Broker is the MQTT broker URL; unused for udp.
	Broker string `yaml:"broker,omitempty"`
	// Stations lists the station addresses in node id order: topic
	// names for mqtt, host:port for udp.
	Stations []string `yaml:"stations"`
}

// DefaultDeployment is the standard three-station bench over a local
// broker.
func DefaultDeployment() *Deployment {
	return &Deployment{
		Transport: TransportMQTT,
		Broker:    "tcp://localhost:1883",
		Stations:  []string{"sta-plant", "sta-controller", "sta-pc"},
	}
}

// LoadDeployment reads a YAML deployment description from a file.
func LoadDeployment(path string) (*Deployment, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("env: read deployment: %v", err)
	}
	return ParseDeployment(data)
}

// ParseDeployment decodes a YAML deployment description.
func ParseDeployment(data []byte) (*Deployment, error) {
	var dep Deployment
	if err := yaml.Unmarshal(data, &dep); err != nil {
		return nil, fmt.Errorf("env: parse deployment: %v", err)
	}
	if err := dep.validate(); err != nil {
		return nil, err
	}
	return &dep, nil
}

func (d *Deployment) validate() error {
	switch d.Transport {
	case TransportMQTT:
		if d.Broker == "" {
			return fmt.Errorf("env: deployment names no broker")
		}
	case TransportUDP:
	default:
		return fmt.Errorf("env: unknown transport %q", d.Transport)
	}
	if len(d.Stations) < 2 {
		return fmt.Errorf("env: deployment needs at least two stations")
	}
	return nil
}

// Connect opens the transport of the named station. Peer registration
// is left to the stack.
func (d *Deployment) Connect(station string) (acp.Transport, error) {
	switch d.Transport {
	case TransportMQTT:
		return mqtt.NewStation(d.Broker, station)
	case TransportUDP:
		return udp.Listen(station)
	}
	return nil, fmt.Errorf("env: unknown transport %q", d.Transport)
}
