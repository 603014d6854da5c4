package sim

import "flag"

var defaultConfig = Config{
	ExtentX: DefaultExtentX,
	ExtentY: DefaultExtentY,
	Step:    DefaultStep,
}

// SetupFlags sets command line flags.
func SetupFlags() {
	flag.Float64Var(&defaultConfig.ExtentX, "plate-x", defaultConfig.ExtentX, "Plate extent (mm) along the X axis.")
	flag.Float64Var(&defaultConfig.ExtentY, "plate-y", defaultConfig.ExtentY, "Plate extent (mm) along the Y axis.")
	flag.DurationVar(&defaultConfig.Step, "sim-step", defaultConfig.Step, "Integration step of the physics loop.")
	flag.Float64Var(&defaultConfig.NoiseStdDev, "sim-noise", defaultConfig.NoiseStdDev, "Std deviation (mm) of measurement noise.")
}

// Default gets default config.
func Default() *Config {
	return &defaultConfig
}

// NewConfig creates a default config.
func NewConfig() *Config {
	conf := defaultConfig
	return &conf
}

// NewPlate creates the plate from config.
func (c *Config) NewPlate() *Plate {
	return NewPlate(c)
}
