package serial_test

import (
	"errors"
	"testing"

	"github.com/bobuhiro11/gokboot/serial"
)

func TestOut(t *testing.T) {
	t.Parallel()

	var got []byte

	s := serial.New(func(b byte) error {
		got = append(got, b)

		return nil
	})

	for _, b := range []byte("boot") {
		if err := s.Write(serial.COM1Addr, []byte{b}); err != nil {
			t.Fatal(err)
		}
	}

	if string(got) != "boot" {
		t.Fatalf("got %q, want %q", got, "boot")
	}
}

func TestDivisorLatch(t *testing.T) {
	t.Parallel()

	var got []byte

	s := serial.New(func(b byte) error {
		got = append(got, b)

		return nil
	})

	// Set DLAB, program 115200 baud, clear DLAB.
	for _, w := range []struct {
		port uint64
		v    byte
	}{
		{serial.COM1Addr + 3, 0x80},
		{serial.COM1Addr + 0, 0x01},
		{serial.COM1Addr + 1, 0x00},
		{serial.COM1Addr + 3, 0x03},
	} {
		if err := s.Write(w.port, []byte{w.v}); err != nil {
			t.Fatal(err)
		}
	}

	if len(got) != 0 || s.DLL != 1 || s.DLM != 0 || s.LCR != 3 {
		t.Fatalf("got output %q, dll %#x dlm %#x lcr %#x", got, s.DLL, s.DLM, s.LCR)
	}
}

func TestIn(t *testing.T) {
	t.Parallel()

	s := serial.New(func(byte) error { return nil })

	for _, tt := range []struct {
		port uint64
		want byte
	}{
		{serial.COM1Addr + 2, 0x01},
		{serial.COM1Addr + 5, 0x60},
		{serial.COM1Addr + 0, 0x00},
	} {
		b := []byte{0xff}
		if err := s.Read(tt.port, b); err != nil {
			t.Fatal(err)
		}

		if b[0] != tt.want {
			t.Fatalf("port %#x: got %#x, want %#x", tt.port, b[0], tt.want)
		}
	}

	if err := s.Write(serial.COM1Addr+7, []byte{0x5a}); err != nil {
		t.Fatal(err)
	}

	b := []byte{0}
	if err := s.Read(serial.COM1Addr+7, b); err != nil || b[0] != 0x5a {
		t.Fatalf("scratch: got (%#x, %v)", b[0], err)
	}
}

func TestOutError(t *testing.T) {
	t.Parallel()

	errFull := errors.New("full")
	s := serial.New(func(byte) error { return errFull })

	if err := s.Write(serial.COM1Addr, []byte{'x'}); !errors.Is(err, errFull) {
		t.Fatalf("got %v, want %v", err, errFull)
	}
}
