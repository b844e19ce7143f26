// Package iodev holds port devices that have no behavior of their own.
package iodev

// NoopDevice claims ports a kernel pokes at early without needing an
// answer, such as the legacy PIC and PIT.
type NoopDevice struct {
	Port  uint64
	Psize uint64
}

func (n *NoopDevice) Read(port uint64, data []byte) error {
	for i := range data {
		data[i] = 0
	}

	return nil
}

func (n *NoopDevice) Write(port uint64, data []byte) error {
	return nil
}

func (n *NoopDevice) IOPort() uint64 {
	return n.Port
}

func (n *NoopDevice) Size() uint64 {
	return n.Psize
}

// Legacy returns noop devices for the 8259 PICs, the 8254 PIT and the
// NMI status port.
func Legacy() []*NoopDevice {
	return []*NoopDevice{
		{Port: 0x20, Psize: 2},
		{Port: 0x40, Psize: 4},
		{Port: 0x61, Psize: 1},
		{Port: 0xa0, Psize: 2},
	}
}
