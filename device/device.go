// Package device routes the port I/O of the KVM processor.
package device

import (
	"errors"
	"fmt"
)

var (
	ErrDataLenInvalid = errors.New("invalid data size on port")
	ErrPortConflict   = errors.New("port range already claimed")
)

// Debug is a normally empty function that enables debug prints.
var Debug = func(string, ...interface{}) {}

// IODevice describes the interface a IO-Port device must implement.
type IODevice interface {
	Read(uint64, []byte) error
	Write(uint64, []byte) error
	IOPort() uint64
	Size() uint64
}

// Bus dispatches port accesses to the device claiming the port. Unclaimed
// ports read as zero and ignore writes.
type Bus struct {
	devs []IODevice
}

func overlaps(a, b IODevice) bool {
	return a.IOPort() < b.IOPort()+b.Size() && b.IOPort() < a.IOPort()+a.Size()
}

// Register claims d's port range.
func (b *Bus) Register(d IODevice) error {
	for _, o := range b.devs {
		if overlaps(o, d) {
			return fmt.Errorf("%w: %#x-%#x", ErrPortConflict, d.IOPort(), d.IOPort()+d.Size())
		}
	}

	b.devs = append(b.devs, d)

	return nil
}

func (b *Bus) find(port uint64) IODevice {
	for _, d := range b.devs {
		if port >= d.IOPort() && port < d.IOPort()+d.Size() {
			return d
		}
	}

	return nil
}

func (b *Bus) Read(port uint64, data []byte) error {
	d := b.find(port)
	if d == nil {
		Debug("device: read of unclaimed port %#x", port)

		for i := range data {
			data[i] = 0
		}

		return nil
	}

	return d.Read(port, data)
}

func (b *Bus) Write(port uint64, data []byte) error {
	d := b.find(port)
	if d == nil {
		Debug("device: write of unclaimed port %#x: %#x", port, data)

		return nil
	}

	return d.Write(port, data)
}
