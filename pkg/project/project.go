// Package project models the firmware image's self-description: a
// minimal Project carrying a list of Devices, decoded from the raw
// firmware bytes once FwtClient has verified their hash. The wire format
// here is a small manifest, not the full firmware layout itself.
// FwtClient only needs enough structure to resolve a device by name
// after a download.
package project

import (
	"fmt"

	"github.com/librescoot/groundcontrol/pkg/wire"
)

// Device is one named component described by a Project manifest.
type Device struct {
	Name    string
	Version string
}

// Project is the decoded firmware manifest: a name and the set of
// devices it describes.
type Project struct {
	Name    string
	Devices []Device
}

// DeviceWithName returns the device matching name.
func (p *Project) DeviceWithName(name string) (Device, bool) {
	for _, d := range p.Devices {
		if d.Name == name {
			return d, true
		}
	}
	return Device{}, false
}

// manifestMagic tags the leading bytes of a decoded firmware image so
// DecodeFromMemory can fail fast on unrelated data.
const manifestMagic = "GCPJ"

// DecodeFromMemory parses a Project manifest out of a verified firmware
// image buffer. The format is: magic(4) | name(string) |
// device_count(varuint) | device_count * (name(string), version(string)).
func DecodeFromMemory(data []byte) (*Project, error) {
	if len(data) < len(manifestMagic) || string(data[:len(manifestMagic)]) != manifestMagic {
		return nil, fmt.Errorf("project: missing manifest magic")
	}
	r := wire.NewReader(data[len(manifestMagic):])

	name, ok := r.ReadString()
	if !ok {
		return nil, fmt.Errorf("project: truncated project name")
	}

	count, ok := r.ReadVarUint()
	if !ok {
		return nil, fmt.Errorf("project: truncated device count")
	}

	devices := make([]Device, 0, count)
	for i := uint64(0); i < count; i++ {
		devName, ok := r.ReadString()
		if !ok {
			return nil, fmt.Errorf("project: truncated device name at index %d", i)
		}
		devVersion, ok := r.ReadString()
		if !ok {
			return nil, fmt.Errorf("project: truncated device version at index %d", i)
		}
		devices = append(devices, Device{Name: devName, Version: devVersion})
	}

	return &Project{Name: name, Devices: devices}, nil
}
