// Package serial is a transmit-only 16550 UART on COM1.
package serial

const (
	COM1Addr = 0x03f8

	lsrTxEmpty = 0x60
	// iirNoInt is the IIR value with no interrupt pending.
	iirNoInt = 0x01
	// dlDefault divides 115200 down to 9600 baud.
	dlDefault = 0xc
)

type Serial struct {
	IER byte
	LCR byte
	MCR byte
	SCR byte
	DLL byte
	DLM byte

	// out receives every byte written to THR.
	out func(byte) error
}

func New(out func(byte) error) *Serial {
	return &Serial{
		DLL: dlDefault,
		out: out,
	}
}

func (s *Serial) dlab() bool {
	return s.LCR&0x80 != 0
}

func (s *Serial) IOPort() uint64 {
	return COM1Addr
}

func (s *Serial) Size() uint64 {
	return 0x8
}

func (s *Serial) Read(port uint64, values []byte) error {
	port -= COM1Addr

	switch {
	case port == 0 && !s.dlab():
		// RBR, nothing is ever received.
		values[0] = 0
	case port == 0 && s.dlab():
		values[0] = s.DLL
	case port == 1 && !s.dlab():
		values[0] = s.IER
	case port == 1 && s.dlab():
		values[0] = s.DLM
	case port == 2:
		// IIR
		values[0] = iirNoInt
	case port == 3:
		values[0] = s.LCR
	case port == 4:
		values[0] = s.MCR
	case port == 5:
		// LSR
		values[0] = lsrTxEmpty
	case port == 6:
		// MSR
		values[0] = 0
	case port == 7:
		values[0] = s.SCR
	}

	return nil
}

func (s *Serial) Write(port uint64, values []byte) error {
	port -= COM1Addr

	switch {
	case port == 0 && !s.dlab():
		// THR
		for _, b := range values {
			if err := s.out(b); err != nil {
				return err
			}
		}
	case port == 0 && s.dlab():
		s.DLL = values[0]
	case port == 1 && !s.dlab():
		s.IER = values[0]
	case port == 1 && s.dlab():
		s.DLM = values[0]
	case port == 3:
		s.LCR = values[0]
	case port == 4:
		s.MCR = values[0]
	case port == 7:
		s.SCR = values[0]
	}

	// FCR and the read-only registers ignore writes.
	return nil
}
