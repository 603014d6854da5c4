// Package env provides the shared command line and deployment
// configuration surface of the station programs.
package env

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/robotalks/boap.go/pkg/acp"
)

// Config provides common options to set up a station environment.
type Config struct {
	// Station is this program's entry in the deployment.
	Station string

	// DeploymentFile names a YAML deployment description. Empty
	// selects the default bench deployment.
	DeploymentFile string

	// BrokerURL overrides the deployment's MQTT broker.
	BrokerURL string
}

var defaultConfig Config

var stationFromEnv bool

func init() {
	defaultConfig.Station = machineStation()
	if val := os.Getenv("BOAP_STATION"); val != "" {
		defaultConfig.Station = val
		stationFromEnv = true
	}
	if val := os.Getenv("BOAP_DEPLOY"); val != "" {
		defaultConfig.DeploymentFile = val
	}
	if val := os.Getenv("BOAP_MQTT_URL"); val != "" {
		defaultConfig.BrokerURL = val
	}
}

// SetupFlags sets up command line flags.
func SetupFlags() {
	flag.StringVar(&defaultConfig.Station, "station", defaultConfig.Station, "Station name in the deployment.")
	flag.StringVar(&defaultConfig.DeploymentFile, "deploy", defaultConfig.DeploymentFile, "Deployment description file.")
	flag.StringVar(&defaultConfig.BrokerURL, "mqtt", defaultConfig.BrokerURL, "MQTT broker URL override.")
}

// SetDefaultStation pins the station a program plays unless the
// environment or flags name another one. Call it from init.
func SetDefaultStation(name string) {
	if !stationFromEnv {
		defaultConfig.Station = name
	}
}

// Default gets the default config.
func Default() *Config {
	return &defaultConfig
}

// NewConfig creates a Config with default configurations.
func NewConfig() *Config {
	conf := defaultConfig
	return &conf
}

// Env is the composed messaging environment of one station.
type Env struct {
	Config     *Config
	Deployment *Deployment
	Directory  *acp.Directory
	Node       acp.NodeID
	Transport  acp.Transport
}

// NewEnv loads the deployment and opens this station's transport.
func (c *Config) NewEnv() (*Env, error) {
	dep := DefaultDeployment()
	if c.DeploymentFile != "" {
		var err error
		if dep, err = LoadDeployment(c.DeploymentFile); err != nil {
			return nil, err
		}
	}
	if c.BrokerURL != "" {
		dep.Broker = c.BrokerURL
	}
	dir, err := acp.NewDirectory(dep.Stations)
	if err != nil {
		return nil, fmt.Errorf("env: bad deployment: %v", err)
	}
	node, err := dir.Resolve(c.Station)
	if err != nil {
		return nil, fmt.Errorf("env: station %q is not part of the deployment", c.Station)
	}
	transport, err := dep.Connect(c.Station)
	if err != nil {
		return nil, err
	}
	return &Env{
		Config:     c,
		Deployment: dep,
		Directory:  dir,
		Node:       node,
		Transport:  transport,
	}, nil
}

// MustNewEnv creates an Env and fails on error.
func (c *Config) MustNewEnv() *Env {
	env, err := c.NewEnv()
	if err != nil {
		log.Fatalln(err)
	}
	return env
}

// NewStack opens the messaging stack of this station over the
// environment's transport.
func (e *Env) NewStack() (*acp.Stack, error) {
	return acp.New(&acp.Config{Directory: e.Directory, Transport: e.Transport})
}

// MustNewStack opens the messaging stack and fails on error.
func (e *Env) MustNewStack() *acp.Stack {
	stack, err := e.NewStack()
	if err != nil {
		log.Fatalln(err)
	}
	return stack
}
