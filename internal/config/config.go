// Package config loads the YAML scenarios run by the simulator CLI.
//
// A scenario describes the controller tunables, the simulated controller,
// the devices plugged into it and the traffic to drive at each device.
// ${VAR} and ${VAR:-default} references are expanded from the environment
// before parsing; [LoadEnv] fills the environment from .env files first.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ardnew/softehci/host/hal"
	"github.com/ardnew/softehci/host/hal/ehci"
	"github.com/ardnew/softehci/pkg"
	"github.com/ardnew/softehci/pkg/prof"
)

// Scenario is one simulator run.
type Scenario struct {
	Controller ehci.Config   `yaml:"controller"`
	Sim        Sim           `yaml:"sim"`
	Log        Log           `yaml:"log"`
	Profile    prof.Options  `yaml:"profile"`
	Duration   time.Duration `yaml:"duration"`
	Devices    []Device      `yaml:"devices"`
}

// Sim configures the simulated controller.
type Sim struct {
	Ports      int           `yaml:"ports"`
	AckLatency int           `yaml:"ack_latency"`
	Tick       time.Duration `yaml:"tick"`
}

// Log configures stack logging.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Device is a simulated function and when it is plugged in.
type Device struct {
	Port         int           `yaml:"port"` // 1-based
	Speed        string        `yaml:"speed"`
	Vendor       uint16        `yaml:"vendor"`
	Product      uint16        `yaml:"product"`
	Manufacturer string        `yaml:"manufacturer"`
	Name         string        `yaml:"name"`
	Serial       string        `yaml:"serial"`
	AttachAfter  time.Duration `yaml:"attach_after"`
	DetachAfter  time.Duration `yaml:"detach_after"` // Zero stays attached
	Endpoints    []Endpoint    `yaml:"endpoints"`
}

// Endpoint is a non-control endpoint of a simulated device and the traffic
// the CLI drives on it once the device is configured.
type Endpoint struct {
	Address   uint8  `yaml:"address"`
	Type      string `yaml:"type"` // bulk or interrupt
	MaxPacket uint16 `yaml:"max_packet"`
	Interval  uint8  `yaml:"interval"`

	Transfers int `yaml:"transfers"`
	Size      int `yaml:"size"`

	// Stalls and Errors inject that many STALL or transaction-error
	// handshakes before the endpoint behaves.
	Stalls int `yaml:"stalls"`
	Errors int `yaml:"errors"`
}

// Default returns a scenario with one high-speed device on port 1 that
// exchanges bulk traffic in both directions.
func Default() Scenario {
	return Scenario{
		Controller: ehci.DefaultConfig(),
		Sim:        Sim{Ports: 2, Tick: 125 * time.Microsecond},
		Log:        Log{Level: "info", Format: "text"},
		Duration:   2 * time.Second,
		Devices: []Device{{
			Port:         1,
			Speed:        "high",
			Vendor:       0x1209,
			Product:      0x0001,
			Manufacturer: "softehci",
			Name:         "Loopback",
			Endpoints: []Endpoint{
				{Address: 0x81, Type: "bulk", MaxPacket: 512, Transfers: 32, Size: 4096},
				{Address: 0x02, Type: "bulk", MaxPacket: 512, Transfers: 32, Size: 4096},
				{Address: 0x83, Type: "interrupt", MaxPacket: 8, Interval: 1, Transfers: 8, Size: 8},
			},
		}},
	}
}

// Load reads, expands and validates the scenario at path. Fields the file
// leaves out keep their [Default] values, except that a file listing
// devices replaces the default device.
func Load(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, err
	}
	s, err := Parse(data)
	if err != nil {
		return Scenario{}, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Parse expands and decodes a scenario document.
func Parse(data []byte) (Scenario, error) {
	s := Default()
	s.Devices = nil
	if err := yaml.Unmarshal([]byte(Expand(string(data))), &s); err != nil {
		return Scenario{}, err
	}
	if s.Devices == nil {
		s.Devices = Default().Devices
	}
	if err := s.Validate(); err != nil {
		return Scenario{}, err
	}
	return s, nil
}

// Expand replaces ${VAR} and ${VAR:-default} with values from the
// environment. Unset variables without a default are left as written.
func Expand(s string) string {
	return os.Expand(s, func(ref string) string {
		name, def, hasDef := strings.Cut(ref, ":-")
		if v, ok := os.LookupEnv(name); ok && v != "" {
			return v
		}
		if hasDef {
			return def
		}
		return "${" + ref + "}"
	})
}

// Validate reports every problem with the scenario.
func (s *Scenario) Validate() error {
	errs := []error{s.Controller.Validate()}
	if s.Sim.Ports < 1 || s.Sim.Ports > 15 {
		errs = append(errs, fmt.Errorf("sim.ports %d (1-15)", s.Sim.Ports))
	}
	if s.Sim.AckLatency < 0 {
		errs = append(errs, fmt.Errorf("sim.ack_latency %d", s.Sim.AckLatency))
	}
	if s.Sim.Tick <= 0 {
		errs = append(errs, fmt.Errorf("sim.tick %v", s.Sim.Tick))
	}
	if _, err := pkg.ParseLogLevel(s.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.Log.LogFormat(); err != nil {
		errs = append(errs, err)
	}
	if s.Duration < 0 {
		errs = append(errs, fmt.Errorf("duration %v", s.Duration))
	}

	used := make(map[int]bool)
	for i, d := range s.Devices {
		switch {
		case d.Port < 1 || d.Port > s.Sim.Ports:
			errs = append(errs, fmt.Errorf("devices[%d].port %d (1-%d)", i, d.Port, s.Sim.Ports))
		case used[d.Port]:
			errs = append(errs, fmt.Errorf("devices[%d].port %d already used", i, d.Port))
		}
		used[d.Port] = true
		if _, err := d.BusSpeed(); err != nil {
			errs = append(errs, fmt.Errorf("devices[%d]: %w", i, err))
		}
		if d.DetachAfter != 0 && d.DetachAfter <= d.AttachAfter {
			errs = append(errs, fmt.Errorf("devices[%d]: detach_after before attach_after", i))
		}
		for j, e := range d.Endpoints {
			if err := e.validate(); err != nil {
				errs = append(errs, fmt.Errorf("devices[%d].endpoints[%d]: %w", i, j, err))
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", pkg.ErrInvalidParameter, err)
	}
	return nil
}

// LogFormat decodes Format.
func (l Log) LogFormat() (pkg.LogFormat, error) {
	switch strings.ToLower(l.Format) {
	case "", "text":
		return pkg.LogFormatText, nil
	case "json":
		return pkg.LogFormatJSON, nil
	}
	return pkg.LogFormatText, fmt.Errorf("log.format %q (text or json)", l.Format)
}

// BusSpeed decodes Speed. Empty means high speed.
func (d Device) BusSpeed() (hal.Speed, error) {
	switch strings.ToLower(d.Speed) {
	case "", "high":
		return hal.SpeedHigh, nil
	case "full":
		return hal.SpeedFull, nil
	case "low":
		return hal.SpeedLow, nil
	}
	return hal.SpeedUnknown, fmt.Errorf("speed %q (low, full or high)", d.Speed)
}

// TransferType decodes Type.
func (e Endpoint) TransferType() (hal.TransferType, error) {
	switch strings.ToLower(e.Type) {
	case "bulk":
		return hal.TransferBulk, nil
	case "interrupt":
		return hal.TransferInterrupt, nil
	}
	return 0, fmt.Errorf("type %q (bulk or interrupt)", e.Type)
}

func (e Endpoint) validate() error {
	if _, err := e.TransferType(); err != nil {
		return err
	}
	switch {
	case e.Address&0x0F == 0 || e.Address&0x70 != 0:
		return fmt.Errorf("address %#02x", e.Address)
	case e.MaxPacket == 0 || e.MaxPacket > 1024:
		return fmt.Errorf("max_packet %d (1-1024)", e.MaxPacket)
	case e.Transfers < 0 || e.Size < 0 || e.Stalls < 0 || e.Errors < 0:
		return errors.New("negative count")
	}
	return nil
}
