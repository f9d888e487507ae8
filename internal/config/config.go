package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"homeautomation-gateway/internal/calibration"
	"homeautomation-gateway/internal/logger"
)

const (
	TransportRemote = "remote"
	TransportSerial = "serial"
)

// GatewayConfig is the process configuration. It is read once at startup.
type GatewayConfig struct {
	DocumentRoot           string                          `json:"documentRoot"`
	ListenAddress          string                          `json:"listenAddress"`
	NetworkPort            int                             `json:"networkPort"`
	Workers                int                             `json:"workers"`
	LogLevel               string                          `json:"logLevel"`
	LogFile                string                          `json:"logFile"`
	PidFile                string                          `json:"pidFile"`
	LogStreamPath          string                          `json:"logStreamPath"`
	ShutdownTimeoutSeconds int                             `json:"shutdownTimeoutSeconds"`
	Device                 DeviceConfig                    `json:"device"`
	Calibration            map[string]calibration.Override `json:"calibration,omitempty"`
}

// DeviceConfig describes how to reach and prepare the interface board.
type DeviceConfig struct {
	Transport                string        `json:"transport"`
	Host                     string        `json:"host"`
	Port                     int           `json:"port"`
	Serial                   int           `json:"serial"`
	Password                 string        `json:"password"`
	SerialPortName           string        `json:"serialPortName"`
	AutoDetectPort           bool          `json:"autoDetectPort"`
	BaudRate                 int           `json:"baudRate"`
	CommandTimeoutMS         int           `json:"commandTimeoutMs"`
	ReconnectIntervalSeconds int           `json:"reconnectIntervalSeconds"`
	Ratiometric              *bool         `json:"ratiometric,omitempty"`
	Inputs                   []InputConfig `json:"inputs"`
}

// InputConfig holds the per-input board settings applied after attach.
// Zero values leave the board's setting untouched.
type InputConfig struct {
	Index         int `json:"index"`
	ChangeTrigger int `json:"changeTrigger,omitempty"`
	DataRateMS    int `json:"dataRateMs,omitempty"`
}

func (d DeviceConfig) Address() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

func (d DeviceConfig) CommandTimeout() time.Duration {
	return time.Duration(d.CommandTimeoutMS) * time.Millisecond
}

func (d DeviceConfig) ReconnectInterval() time.Duration {
	return time.Duration(d.ReconnectIntervalSeconds) * time.Second
}

// RatiometricEnabled reports the ratiometric setting, defaulting to on.
func (d DeviceConfig) RatiometricEnabled() bool {
	return d.Ratiometric == nil || *d.Ratiometric
}

func (c *GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.ListenAddress, c.NetworkPort)
}

func (c *GatewayConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// defaultInputs mirrors the board setup the sensors were calibrated with.
// Input 4 feeds the relay board and is left alone.
func defaultInputs() []InputConfig {
	return []InputConfig{
		{Index: 0, ChangeTrigger: 1, DataRateMS: 128},
		{Index: 1, ChangeTrigger: 1, DataRateMS: 256},
		{Index: 2, DataRateMS: 1000},
		{Index: 3, DataRateMS: 1000},
		{Index: 5, DataRateMS: 1000},
		{Index: 6, DataRateMS: 1000},
		{Index: 7, DataRateMS: 1000},
	}
}

// Default returns a configuration with every field at its default.
func Default() *GatewayConfig {
	return &GatewayConfig{
		DocumentRoot:           "html",
		ListenAddress:          "0.0.0.0",
		NetworkPort:            8000,
		Workers:                5,
		LogLevel:               "INFO",
		LogStreamPath:          "/ws/logs",
		ShutdownTimeoutSeconds: 5,
		Device: DeviceConfig{
			Transport:                TransportRemote,
			Host:                     "localhost",
			Port:                     5001,
			Serial:                   250000,
			Password:                 "PASSWORD",
			AutoDetectPort:           true,
			BaudRate:                 115200,
			CommandTimeoutMS:         3000,
			ReconnectIntervalSeconds: 5,
			Inputs:                   defaultInputs(),
		},
	}
}

// DefaultPath is the config file location used when none is given.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "gateway_config.json"
	}
	return filepath.Join(dir, "HomeAutomationGateway", "gateway_config.json")
}

// Load reads the configuration file at path. If it does not exist, the
// defaults are written there and returned.
func Load(path string) (*GatewayConfig, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("Config file '%s' not found. Using default settings.", path)
			conf := Default()
			if err := Save(path, conf); err != nil {
				logger.Warn("Could not write default config: %v", err)
			}
			return conf, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var conf GatewayConfig
	if err := json.Unmarshal(file, &conf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	conf.applyDefaults()
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config '%s': %w", path, err)
	}

	logger.Info("Loaded config from '%s'", path)
	return &conf, nil
}

func (c *GatewayConfig) applyDefaults() {
	def := Default()
	if c.DocumentRoot == "" {
		logger.Warn("Configuration key 'documentRoot' not found, using default '%s'.", def.DocumentRoot)
		c.DocumentRoot = def.DocumentRoot
	}
	if c.ListenAddress == "" {
		logger.Warn("Configuration key 'listenAddress' not found, using default '%s'.", def.ListenAddress)
		c.ListenAddress = def.ListenAddress
	}
	if c.NetworkPort == 0 {
		c.NetworkPort = def.NetworkPort
	}
	if c.Workers == 0 {
		logger.Warn("Configuration key 'workers' not found, using default %d.", def.Workers)
		c.Workers = def.Workers
	}
	if c.LogLevel == "" {
		logger.Warn("Configuration key 'logLevel' not found, using default '%s'.", def.LogLevel)
		c.LogLevel = def.LogLevel
	}
	if c.LogStreamPath == "" {
		c.LogStreamPath = def.LogStreamPath
	}
	if c.ShutdownTimeoutSeconds == 0 {
		c.ShutdownTimeoutSeconds = def.ShutdownTimeoutSeconds
	}

	d := &c.Device
	if d.Transport == "" {
		logger.Warn("Configuration key 'device.transport' not found, using default '%s'.", def.Device.Transport)
		d.Transport = def.Device.Transport
	}
	if d.Host == "" {
		d.Host = def.Device.Host
	}
	if d.Port == 0 {
		d.Port = def.Device.Port
	}
	if d.BaudRate == 0 {
		d.BaudRate = def.Device.BaudRate
	}
	if d.CommandTimeoutMS == 0 {
		d.CommandTimeoutMS = def.Device.CommandTimeoutMS
	}
	if d.ReconnectIntervalSeconds == 0 {
		d.ReconnectIntervalSeconds = def.Device.ReconnectIntervalSeconds
	}
	if d.Inputs == nil {
		d.Inputs = def.Device.Inputs
	}
	// A serial setup without a fixed port can only work with auto-detection.
	if d.Transport == TransportSerial && d.SerialPortName == "" {
		d.AutoDetectPort = true
	}
}

// Validate reports the first setting that cannot work.
func (c *GatewayConfig) Validate() error {
	if c.NetworkPort < 1 || c.NetworkPort > 65535 {
		return fmt.Errorf("networkPort %d out of range", c.NetworkPort)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if !strings.HasPrefix(c.LogStreamPath, "/") || strings.HasPrefix(c.LogStreamPath, "/ajax/") {
		return fmt.Errorf("logStreamPath %q must be absolute and outside /ajax/", c.LogStreamPath)
	}
	switch c.Device.Transport {
	case TransportRemote:
		if c.Device.Port < 1 || c.Device.Port > 65535 {
			return fmt.Errorf("device.port %d out of range", c.Device.Port)
		}
	case TransportSerial:
		if c.Device.BaudRate < 1 {
			return fmt.Errorf("device.baudRate %d invalid", c.Device.BaudRate)
		}
	default:
		return fmt.Errorf("device.transport %q unknown (want %q or %q)", c.Device.Transport, TransportRemote, TransportSerial)
	}
	if c.Device.CommandTimeoutMS < 0 || c.Device.ReconnectIntervalSeconds < 0 {
		return errors.New("device timeouts must not be negative")
	}
	for _, in := range c.Device.Inputs {
		if in.Index < 0 || in.ChangeTrigger < 0 || in.DataRateMS < 0 {
			return fmt.Errorf("device.inputs entry %+v has a negative value", in)
		}
	}
	return nil
}

// Save writes conf to path as indented JSON, creating the directory if needed.
func Save(path string, conf *GatewayConfig) error {
	if conf == nil {
		return fmt.Errorf("cannot save nil config")
	}
	data, err := json.MarshalIndent(conf, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	logger.Debug("Saved config to '%s'", path)
	return nil
}
