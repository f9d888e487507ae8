package device

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"homeautomation-gateway/internal/config"
	"homeautomation-gateway/internal/logger"
)

// Port is an open byte stream to the board.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// Dialer opens a fresh Port.
type Dialer func() (Port, error)

// netPort adapts a network connection to Port.
type netPort struct {
	net.Conn
}

func (p netPort) SetReadTimeout(t time.Duration) error {
	if t <= 0 {
		return p.SetReadDeadline(time.Time{})
	}
	return p.SetReadDeadline(time.Now().Add(t))
}

func remoteDialer(cfg config.DeviceConfig) Dialer {
	addr := cfg.Address()
	timeout := cfg.CommandTimeout()
	return func() (Port, error) {
		logger.Debug("Connecting to remote board service at %s", addr)
		conn, err := net.DialTimeout("tcp", addr, timeout)
		if err != nil {
			return nil, err
		}
		return netPort{Conn: conn}, nil
	}
}

func serialDialer(cfg config.DeviceConfig) Dialer {
	return func() (Port, error) {
		if cfg.SerialPortName != "" {
			p, err := openSerial(cfg.SerialPortName, cfg.BaudRate)
			if err == nil {
				return p, nil
			}
			if !cfg.AutoDetectPort {
				return nil, err
			}
			logger.Warn("Configured port '%s' failed (%v). Falling back to auto-detection.", cfg.SerialPortName, err)
		}

		name, err := FindPort(cfg.BaudRate)
		if err != nil {
			return nil, err
		}
		logger.Info("Auto-detection found board on port %s.", name)
		return openSerial(name, cfg.BaudRate)
	}
}

func openSerial(name string, baud int) (Port, error) {
	logger.Info("Attempting to open serial port: %s", name)
	p, err := serial.Open(name, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return p, nil
}

// ListPorts returns every serial port the system reports.
func ListPorts() ([]*enumerator.PortDetails, error) {
	return enumerator.GetDetailedPortsList()
}

// FindPort probes each USB serial port for a board answering a status request.
func FindPort(baud int) (string, error) {
	ports, err := ListPorts()
	if err != nil {
		logger.Warn("FindPort: could not list ports: %v", err)
	}
	if len(ports) == 0 {
		return "", errors.New("no serial ports found on the system")
	}

	logger.Info("Found %d serial ports. Probing for the board...", len(ports))
	for _, port := range ports {
		if !port.IsUSB {
			logger.Debug("Skipping port %s: not a USB port.", port.Name)
			continue
		}
		logger.Debug("Probing port: %s (VID: %s, PID: %s)", port.Name, port.VID, port.PID)
		if probePort(port.Name, baud, 4*time.Second) {
			return port.Name, nil
		}
	}
	return "", errors.New("could not find the board on any USB serial port")
}

// probePort reports whether a board answers on portName within timeout. The
// port is closed on return even if the probe is still blocked.
func probePort(portName string, baud int, timeout time.Duration) bool {
	result := make(chan bool, 1)
	var (
		mu   sync.Mutex
		open Port
	)

	go func() {
		p, err := openSerial(portName, baud)
		if err != nil {
			logger.Debug("Could not open port %s to probe: %v", portName, err)
			result <- false
			return
		}
		mu.Lock()
		open = p
		mu.Unlock()

		rep, err := exchange(p, request{Get: "status"}, timeout/2)

		mu.Lock()
		if open != nil {
			open.Close()
			open = nil
		}
		mu.Unlock()

		if err != nil {
			logger.Debug("Port %s: no usable status reply: %v", portName, err)
			result <- false
			return
		}
		result <- rep.Attached != nil
	}()

	select {
	case ok := <-result:
		return ok
	case <-time.After(timeout):
		logger.Warn("Port %s: probe timed out after %v.", portName, timeout)
		mu.Lock()
		if open != nil {
			open.Close()
			open = nil
		}
		mu.Unlock()
		return false
	}
}

// describe is used by -list-ports output.
func describe(p *enumerator.PortDetails) string {
	if !p.IsUSB {
		return p.Name
	}
	b, _ := json.Marshal(struct {
		VID, PID, Serial, Product string
	}{p.VID, p.PID, p.SerialNumber, p.Product})
	return p.Name + " " + string(b)
}

// DescribePorts formats ListPorts output one port per line.
func DescribePorts() ([]string, error) {
	ports, err := ListPorts()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ports))
	for _, p := range ports {
		out = append(out, describe(p))
	}
	return out, nil
}
