// Package adapter contains the transports shipped with canbus. Importing it
// registers them:
//
//	import _ "github.com/roffe/canbus/adapter"
//
//	bus, err := canbus.New(&canbus.Config{Interface: "slcan", Channel: "/dev/ttyACM0", Bitrate: 500000})
package adapter

import (
	"errors"
	"fmt"
	"net"
	"runtime"
	"strings"

	"go.bug.st/serial/enumerator"
)

type PortInfo struct {
	Name         string
	IsUSB        bool
	VID, PID     string
	SerialNumber string
	Product      string
}

func (p PortInfo) String() string {
	if !p.IsUSB {
		return p.Name
	}
	return fmt.Sprintf("%s (USB %s:%s %s %s)", p.Name, p.VID, p.PID, p.Product, p.SerialNumber)
}

// SerialPorts lists the serial ports usable with serial adapters.
func SerialPorts() ([]PortInfo, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	if len(ports) == 0 {
		return nil, errors.New("no serial ports found")
	}
	out := make([]PortInfo, 0, len(ports))
	for _, port := range ports {
		name := port.Name
		if runtime.GOOS == "windows" {
			name = strings.ToUpper(name)
		}
		out = append(out, PortInfo{
			Name:         name,
			IsUSB:        port.IsUSB,
			VID:          port.VID,
			PID:          port.PID,
			SerialNumber: port.SerialNumber,
			Product:      port.Product,
		})
	}
	return out, nil
}

// SocketCANDevices lists the network interfaces that look like CAN devices.
func SocketCANDevices() (dev []string) {
	ifaces, _ := net.Interfaces()
	for _, i := range ifaces {
		if strings.Contains(i.Name, "can") {
			dev = append(dev, i.Name)
		}
	}
	return
}
