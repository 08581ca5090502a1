package entity

import "time"

// DeviceType classifies a client device.
type DeviceType string

const (
	DeviceWeb       DeviceType = "web"
	DeviceMobile    DeviceType = "mobile"
	DeviceDesktop   DeviceType = "desktop"
	DeviceServer    DeviceType = "server"
	DeviceMCPServer DeviceType = "mcp-server"
)

// ValidDeviceType reports whether t is a known device type.
func ValidDeviceType(t DeviceType) bool {
	switch t {
	case DeviceWeb, DeviceMobile, DeviceDesktop, DeviceServer, DeviceMCPServer:
		return true
	}
	return false
}

// Capabilities describes what a device can consume.
type Capabilities struct {
	Streaming bool `json:"streaming"`
	Tools     bool `json:"tools"`
	Vision    bool `json:"vision"`
}

// Device is the identity for a connected client.
type Device struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Type         DeviceType   `json:"type"`
	Capabilities Capabilities `json:"capabilities"`
	CreatedAt    time.Time    `json:"createdAt"`
	LastSeenAt   time.Time    `json:"lastSeenAt"`
}
