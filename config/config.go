// Package config loads the YAML configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fieldline/swathguide/guidance"
)

type Config struct {
	Device   DeviceConfig     `yaml:"device"`
	NTRIP    NTRIPConfig      `yaml:"ntrip"`
	Vehicle  guidance.Vehicle `yaml:"vehicle"`
	Field    FieldConfig      `yaml:"field"`
	Guidance GuidanceConfig   `yaml:"guidance"`
	Feedback FeedbackConfig   `yaml:"feedback"`
	Log      LogConfig        `yaml:"log"`
	Web      WebConfig        `yaml:"web"`
	MQTT     MQTTConfig       `yaml:"mqtt"`
}

const DefaultOverlap = 0.12

// Device transports.
const (
	TransportBLE    = "ble"
	TransportSerial = "serial"
	TransportTCP    = "tcp"
	TransportListen = "listen"
)

type DeviceConfig struct {
	Transport      string        `yaml:"transport"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	Watchdog       time.Duration `yaml:"watchdog"`
	// ConfigureUBX writes the UBX output configuration after each connect.
	ConfigureUBX bool `yaml:"configure_ubx"`
	NavRateHz    int  `yaml:"nav_rate_hz"`
	SilenceNMEA  bool `yaml:"silence_nmea"`

	BLE    BLEConfig    `yaml:"ble"`
	Serial SerialConfig `yaml:"serial"`
	TCP    TCPConfig    `yaml:"tcp"`
}

type BLEConfig struct {
	Address     string   `yaml:"address"`
	Names       []string `yaml:"names"`
	ServiceUUID string   `yaml:"service_uuid"`
	WriteUUID   string   `yaml:"write_uuid"`
	NotifyUUID  string   `yaml:"notify_uuid"`
	MTU         int      `yaml:"mtu"`
}

type SerialConfig struct {
	Port  string `yaml:"port"`
	Bauds []int  `yaml:"bauds"`
}

type TCPConfig struct {
	Addr string `yaml:"addr"`
}

type NTRIPConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	Mountpoint  string        `yaml:"mountpoint"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	GGAInterval time.Duration `yaml:"gga_interval"`
	Timeout     time.Duration `yaml:"timeout"`
	// AutoConnect opens the correction stream at startup.
	AutoConnect bool `yaml:"auto_connect"`
}

// FieldConfig holds the boundary and reference line normally provided by
// the record keeping side.
type FieldConfig struct {
	Boundary  guidance.Polygon  `yaml:"boundary"`
	Reference []guidance.LatLon `yaml:"reference"`
}

type GuidanceConfig struct {
	// Overlap is the fraction of the implement width shared by neighbouring
	// passes. Unset means DefaultOverlap.
	Overlap          *float64 `yaml:"overlap"`
	HeadingTolerance float64  `yaml:"heading_tolerance"`
	MaxLines         int      `yaml:"max_lines"`
	// AutoStart starts guidance at startup when a field is configured.
	AutoStart bool `yaml:"auto_start"`
}

type FeedbackConfig struct {
	SilenceThreshold float64       `yaml:"silence_threshold"`
	Gain             float64       `yaml:"gain"`
	MinInterval      time.Duration `yaml:"min_interval"`
	MaxInterval      time.Duration `yaml:"max_interval"`
	Poll             time.Duration `yaml:"poll"`
	StaleAfter       time.Duration `yaml:"stale_after"`
}

type LogConfig struct {
	StateInterval time.Duration `yaml:"state_interval"`
	Debug         bool          `yaml:"debug"`
}

type WebConfig struct {
	Listen string `yaml:"listen"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

// Parse decodes a configuration document, applies defaults and validates
// it.
func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	d := &cfg.Device
	if d.Transport == "" {
		d.Transport = TransportSerial
	}
	if d.ReconnectDelay <= 0 {
		d.ReconnectDelay = 2 * time.Second
	}
	if d.NavRateHz <= 0 {
		d.NavRateHz = 5
	}

	if cfg.NTRIP.Port == 0 {
		cfg.NTRIP.Port = 2101
	}
	if cfg.NTRIP.Timeout <= 0 {
		cfg.NTRIP.Timeout = 2 * time.Second
	}

	if cfg.Guidance.Overlap == nil {
		ov := DefaultOverlap
		cfg.Guidance.Overlap = &ov
	}
	if cfg.Guidance.HeadingTolerance <= 0 {
		cfg.Guidance.HeadingTolerance = guidance.DefaultHeadingTolerance
	}
	if cfg.Guidance.MaxLines <= 0 {
		cfg.Guidance.MaxLines = guidance.DefaultMaxLines
	}

	f := &cfg.Feedback
	if f.SilenceThreshold <= 0 {
		f.SilenceThreshold = 0.03
	}
	if f.Gain <= 0 {
		f.Gain = 0.1
	}
	if f.MinInterval <= 0 {
		f.MinInterval = 250 * time.Millisecond
	}
	if f.MaxInterval <= 0 {
		f.MaxInterval = 2 * time.Second
	}
	if f.Poll <= 0 {
		f.Poll = 100 * time.Millisecond
	}
	if f.StaleAfter <= 0 {
		f.StaleAfter = 2 * time.Second
	}

	if cfg.Log.StateInterval == 0 {
		cfg.Log.StateInterval = 30 * time.Second
	}

	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "swathguide"
	}
	if cfg.MQTT.Topic == "" {
		cfg.MQTT.Topic = "swathguide"
	}
}

func (cfg *Config) validate() error {
	switch cfg.Device.Transport {
	case TransportBLE:
		if cfg.Device.BLE.Address == "" && len(cfg.Device.BLE.Names) == 0 {
			return fmt.Errorf("device.ble.address or device.ble.names is required")
		}
	case TransportSerial:
	case TransportTCP, TransportListen:
		if cfg.Device.TCP.Addr == "" {
			return fmt.Errorf("device.tcp.addr is required for transport %s", cfg.Device.Transport)
		}
	default:
		return fmt.Errorf("device.transport %q is not one of ble, serial, tcp, listen", cfg.Device.Transport)
	}
	if cfg.Device.BLE.MTU != 0 && cfg.Device.BLE.MTU < 23 {
		return fmt.Errorf("device.ble.mtu must be at least 23")
	}

	if cfg.NTRIP.Host != "" && cfg.NTRIP.Mountpoint == "" && cfg.NTRIP.AutoConnect {
		return fmt.Errorf("ntrip.mountpoint is required when ntrip.auto_connect is true")
	}
	if cfg.NTRIP.Port < 0 || cfg.NTRIP.Port > 65535 {
		return fmt.Errorf("ntrip.port %d is out of range", cfg.NTRIP.Port)
	}

	if cfg.Vehicle.Width < 0 || cfg.Vehicle.Length < 0 {
		return fmt.Errorf("vehicle dimensions must be >= 0")
	}
	if ov := *cfg.Guidance.Overlap; ov < 0 || ov >= 1 {
		return fmt.Errorf("guidance.overlap must be in [0, 1)")
	}

	if n := len(cfg.Field.Reference); n != 0 && n != 2 {
		return fmt.Errorf("field.reference needs exactly 2 points, got %d", n)
	}
	if cfg.Field.Configured() && cfg.Vehicle.Width <= 0 {
		return fmt.Errorf("vehicle.width is required with a field")
	}
	if cfg.Guidance.AutoStart && !cfg.Field.Configured() {
		return fmt.Errorf("guidance.auto_start needs field.boundary and field.reference")
	}

	if cfg.Feedback.MinInterval > cfg.Feedback.MaxInterval {
		return fmt.Errorf("feedback.min_interval must not exceed feedback.max_interval")
	}
	return nil
}

// Configured reports whether both the boundary and the reference line are
// present.
func (f FieldConfig) Configured() bool {
	return len(f.Boundary) >= 3 && len(f.Reference) == 2
}

// ReferenceLine returns the reference line. Only valid when Configured.
func (f FieldConfig) ReferenceLine() guidance.Line {
	return guidance.Line{Start: f.Reference[0], End: f.Reference[1]}
}
