package staging_test

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"strings"
	"testing"

	"github.com/bobuhiro11/gokboot/addr"
	"github.com/bobuhiro11/gokboot/firmware"
	"github.com/bobuhiro11/gokboot/memory"
	"github.com/bobuhiro11/gokboot/staging"
)

func newSim(t *testing.T, ramSize int, opts ...firmware.SimOption) *firmware.Sim {
	t.Helper()

	ram, err := memory.New(ramSize)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { ram.Close() })

	s, err := firmware.NewSim(ram, opts...)
	if err != nil {
		t.Fatal(err)
	}

	return s
}

func newContext(t *testing.T, ramSize int, p staging.Policy, minSize uint64) (*staging.Context, *firmware.Sim) {
	t.Helper()

	s := newSim(t, ramSize)
	c := staging.New(s, s.Memory(), p)

	if err := c.Init(minSize); err != nil {
		t.Fatalf("Init(%#x): %v", minSize, err)
	}

	return c, s
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7) ^ seed
	}

	return b
}

func mustCopyIn(t *testing.T, c *staging.Context, b []byte, dest addr.Kern) {
	t.Helper()

	if n, err := c.CopyIn(b, dest); err != nil || n != len(b) {
		t.Fatalf("CopyIn(%v, %#x): got (%d, %v)", dest, len(b), n, err)
	}
}

func mustCopyOut(t *testing.T, c *staging.Context, src addr.Kern, n int) []byte {
	t.Helper()

	b := make([]byte, n)
	if _, err := c.CopyOut(src, b); err != nil {
		t.Fatalf("CopyOut(%v, %#x): %v", src, n, err)
	}

	return b
}

func TestInitAlignment(t *testing.T) {
	t.Parallel()

	c, _ := newContext(t, 64<<20, staging.Policy{
		Ceiling: 32 << 20,
		Align:   addr.SuperPageSize,
	}, 3<<20+1)

	if !addr.Aligned(uint64(c.Base()), addr.SuperPageSize) {
		t.Fatalf("base %v is not 2 MiB aligned", c.Base())
	}

	if c.End()-c.Base() < 4<<20 {
		t.Fatalf("committed %#x bytes, want at least 4 MiB", c.End()-c.Base())
	}

	if c.End() > 32<<20 {
		t.Fatalf("end %v above the ceiling", c.End())
	}

	if err := c.Init(1); !errors.Is(err, staging.ErrAddressConstraint) {
		t.Fatalf("second Init: got %v, want ErrAddressConstraint", err)
	}
}

func TestInitOutOfMemory(t *testing.T) {
	t.Parallel()

	s := newSim(t, 8<<20)
	c := staging.New(s, s.Memory(), staging.Policy{})

	if err := c.Init(100 << 20); !errors.Is(err, staging.ErrOutOfMemory) {
		t.Fatalf("got %v, want ErrOutOfMemory", err)
	}

	if _, err := c.CopyIn([]byte{1}, 0x100000); !errors.Is(err, staging.ErrNotInitialized) {
		t.Fatalf("CopyIn before Init: got %v, want ErrNotInitialized", err)
	}
}

func TestTranslateRoundTrip(t *testing.T) {
	t.Parallel()

	c, _ := newContext(t, 32<<20, staging.Policy{Align: addr.PageSize}, 1<<20)

	if _, err := c.Translate(0x200000); !errors.Is(err, staging.ErrOffsetUnset) {
		t.Fatalf("Translate before first copy: got %v, want ErrOffsetUnset", err)
	}

	data := pattern(0x1234, 0x5a)
	mustCopyIn(t, c, data, 0x200000)

	off, state := c.Offset()
	if state != staging.OffsetFixed || off != int64(c.Base())-0x200000 {
		t.Fatalf("offset: got (%#x, %v), want (%#x, fixed)", off, state, int64(c.Base())-0x200000)
	}

	p, err := c.Translate(0x200010)
	if err != nil || p != c.Base()+0x10 {
		t.Fatalf("Translate(0x200010): got (%v, %v), want %v", p, err, c.Base()+0x10)
	}

	if k, err := c.Natural(p); err != nil || k != 0x200010 {
		t.Fatalf("Natural(%v): got (%v, %v)", p, k, err)
	}

	if got := mustCopyOut(t, c, 0x200000, len(data)); !bytes.Equal(got, data) {
		t.Fatal("round trip changed the data")
	}

	raw := make([]byte, 16)
	if _, err := c.Memory().ReadAt(raw, p); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(raw, data[0x10:0x20]) {
		t.Fatalf("translated address holds %x, want %x", raw, data[0x10:0x20])
	}
}

func TestCopyInBelowBase(t *testing.T) {
	t.Parallel()

	c, _ := newContext(t, 32<<20, staging.Policy{}, 1<<20)

	mustCopyIn(t, c, []byte("kernel"), 0x200000)

	if _, err := c.CopyIn([]byte("x"), 0x1fffff); !errors.Is(err, staging.ErrAddressConstraint) {
		t.Fatalf("got %v, want ErrAddressConstraint", err)
	}

	if _, err := c.CopyOut(0x1ff000, make([]byte, 1)); !errors.Is(err, staging.ErrAddressConstraint) {
		t.Fatalf("CopyOut below base: got %v, want ErrAddressConstraint", err)
	}
}

// A module placed exactly at the end of the area grows it forward once, by
// what it needs plus the slop.
func TestGrowForwardAtBoundary(t *testing.T) {
	t.Parallel()

	const slop = 0x10000

	s := newSim(t, 32<<20)

	// Keep the pages above the area free so that it can grow forward.
	above, err := s.AllocatePages(firmware.AllocateAnyPages, firmware.LoaderData, 256, 0)
	if err != nil {
		t.Fatal(err)
	}

	c := staging.New(s, s.Memory(), staging.Policy{Slop: slop})
	if err := c.Init(1 << 20); err != nil {
		t.Fatal(err)
	}

	if err := s.FreePages(above, 256); err != nil {
		t.Fatal(err)
	}

	mustCopyIn(t, c, pattern(0x10000, 1), 0x100000)

	if st := c.Stats(); st.Grows != 0 {
		t.Fatalf("first module grew the area: %+v", st)
	}

	end := c.End()
	boundary, err := c.Natural(end)
	if err != nil {
		t.Fatal(err)
	}

	second := pattern(0x3000, 2)
	mustCopyIn(t, c, second, boundary)

	st := c.Stats()
	if st.Grows != 1 || st.Forward != 1 || st.Backward != 0 || st.Relocations != 0 {
		t.Fatalf("stats: got %+v, want one forward growth", st)
	}

	if want := end + addr.Phys(addr.RoundUp(0x3000+slop, addr.PageSize)); c.End() != want {
		t.Fatalf("end: got %v, want %v", c.End(), want)
	}

	if got := mustCopyOut(t, c, boundary, len(second)); !bytes.Equal(got, second) {
		t.Fatal("second module corrupted")
	}
}

// Backward growth slides the staged bytes down; every address keeps its
// content at its new translation.
func TestGrowBackward(t *testing.T) {
	t.Parallel()

	c, _ := newContext(t, 64<<20, staging.Policy{
		Ceiling:       16 << 20,
		Align:         addr.SuperPageSize,
		AllowBackward: true,
	}, 4<<20)

	first := pattern(3<<20, 3)
	mustCopyIn(t, c, first, 0x200000)

	oldBase := c.Base()
	oldP, _ := c.Translate(0x200000)

	second := pattern(2<<20, 4)
	mustCopyIn(t, c, second, 0x200000+3<<20)

	if st := c.Stats(); st.Backward != 1 || st.Forward != 0 || st.Relocations != 0 {
		t.Fatalf("stats: got %+v, want one backward growth", st)
	}

	newP, _ := c.Translate(0x200000)
	if newP >= oldP || c.Base() != newP || c.Base() >= oldBase {
		t.Fatalf("translation did not move down: old %v new %v base %v", oldP, newP, c.Base())
	}

	if !addr.Aligned(uint64(c.Base()), addr.SuperPageSize) {
		t.Fatalf("base %v lost its alignment", c.Base())
	}

	if got := mustCopyOut(t, c, 0x200000, len(first)); !bytes.Equal(got, first) {
		t.Fatal("bytes staged before growth are not at their new translation")
	}

	if got := mustCopyOut(t, c, 0x200000+3<<20, len(second)); !bytes.Equal(got, second) {
		t.Fatal("second copy corrupted")
	}

	if c.End() > 16<<20 {
		t.Fatalf("end %v above the ceiling", c.End())
	}
}

func TestGrowRelocate(t *testing.T) {
	t.Parallel()

	c, _ := newContext(t, 64<<20, staging.Policy{}, 1<<20)

	first := pattern(512<<10, 5)
	mustCopyIn(t, c, first, 0x100000)

	oldBase := c.Base()

	second := pattern(2<<20, 6)
	mustCopyIn(t, c, second, 0x100000+1<<20)

	if st := c.Stats(); st.Relocations != 1 || st.Grows != 1 {
		t.Fatalf("stats: got %+v, want one relocation", st)
	}

	if c.Base() == oldBase {
		t.Fatal("area did not move")
	}

	if p, _ := c.Translate(0x100000); p != c.Base() {
		t.Fatalf("Translate(0x100000): got %v, want base %v", p, c.Base())
	}

	if got := mustCopyOut(t, c, 0x100000, len(first)); !bytes.Equal(got, first) {
		t.Fatal("relocation lost staged bytes")
	}

	if got := mustCopyOut(t, c, 0x100000+1<<20, len(second)); !bytes.Equal(got, second) {
		t.Fatal("second copy corrupted")
	}
}

// When no growth path works the area is left exactly as it was.
func TestGrowOutOfMemory(t *testing.T) {
	t.Parallel()

	c, _ := newContext(t, 8<<20, staging.Policy{AllowBackward: true}, 4<<20)

	data := []byte("staged before the failed growth")
	mustCopyIn(t, c, data, 0x100000)

	base, end, high := c.Base(), c.End(), c.High()
	off, _ := c.Offset()

	err := c.EnsureCapacity(0x100000 + 12<<20)
	if !errors.Is(err, staging.ErrOutOfMemory) {
		t.Fatalf("got %v, want ErrOutOfMemory", err)
	}

	if c.Base() != base || c.End() != end || c.High() != high {
		t.Fatalf("extent changed: %v-%v high %v", c.Base(), c.End(), c.High())
	}

	if o, _ := c.Offset(); o != off {
		t.Fatalf("offset changed: got %#x, want %#x", o, off)
	}

	if p, _ := c.Translate(0x100000); p != base {
		t.Fatalf("Translate: got %v, want %v", p, base)
	}

	if got := mustCopyOut(t, c, 0x100000, len(data)); !bytes.Equal(got, data) {
		t.Fatalf("got %q, want %q", got, data)
	}
}

func TestGrowAfterSealPanics(t *testing.T) {
	t.Parallel()

	c, _ := newContext(t, 32<<20, staging.Policy{Slop: 8 << 20}, 1<<20)
	mustCopyIn(t, c, []byte{1}, 0x100000)
	c.SealFirmware()

	// Growth that is not needed is still fine, and so is eating into the
	// slop.
	for _, end := range []addr.Kern{0x100010, 0x100000 + 4<<20} {
		if err := c.EnsureCapacity(end); err != nil {
			t.Fatalf("EnsureCapacity(%v): %v", end, err)
		}
	}

	panicked := func() (p bool) {
		defer func() { p = recover() != nil }()

		c.EnsureCapacity(0x100000 + 12<<20) //nolint:errcheck

		return false
	}()

	if !panicked {
		t.Fatal("growth after SealFirmware did not panic")
	}
}

func TestReadIn(t *testing.T) {
	t.Parallel()

	c, _ := newContext(t, 16<<20, staging.Policy{}, 1<<20)

	src := strings.Repeat("module", 1000)

	n, err := c.ReadIn(strings.NewReader(src), 0x400000, uint64(len(src)))
	if err != nil || n != int64(len(src)) {
		t.Fatalf("ReadIn: got (%d, %v)", n, err)
	}

	if got := mustCopyOut(t, c, 0x400000, len(src)); string(got) != src {
		t.Fatal("ReadIn content mismatch")
	}

	if _, err := c.ReadIn(strings.NewReader("short"), 0x500000, 100); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("short read: got %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestZero(t *testing.T) {
	t.Parallel()

	c, _ := newContext(t, 16<<20, staging.Policy{}, 1<<20)
	mustCopyIn(t, c, []byte{0xff}, 0x100000)

	if err := c.Zero(0x100100, 0x100); err != nil {
		t.Fatal(err)
	}

	if got := mustCopyOut(t, c, 0x100100, 0x100); !bytes.Equal(got, make([]byte, 0x100)) {
		t.Fatal("Zero left non-zero bytes")
	}
}

func TestFinish(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name string
		mode staging.CopyMode
	}{
		{name: "copy down", mode: staging.CopyDown},
		{name: "in place", mode: staging.InPlace},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c, _ := newContext(t, 32<<20, staging.Policy{Ceiling: 16 << 20, Mode: tt.mode}, 1<<20)

			data := pattern(0x2345, 7)
			mustCopyIn(t, c, data, 0x200000)

			src, dst, n, err := c.CopyDown()
			if err != nil {
				t.Fatal(err)
			}

			if err := c.Finish(); err != nil {
				t.Fatal(err)
			}

			got := make([]byte, len(data))
			if _, err := c.Memory().ReadAt(got, 0x200000); err != nil {
				t.Fatal(err)
			}

			if tt.mode == staging.InPlace {
				if n != 0 {
					t.Fatalf("in place copy-down of %#x bytes", n)
				}

				if bytes.Equal(got, data) {
					t.Fatal("in place image was copied to its natural address")
				}

				return
			}

			if src != c.Base() || dst != 0x200000 || n != uint64(len(data)) {
				t.Fatalf("CopyDown: got (%v, %v, %#x)", src, dst, n)
			}

			if !bytes.Equal(got, data) {
				t.Fatal("natural address does not hold the image")
			}
		})
	}
}

func TestClampToHost(t *testing.T) {
	t.Parallel()

	s := newSim(t, 64<<20, firmware.WithReserved(8<<20, 1<<20, firmware.ReservedMemoryType))

	c := staging.New(s, s.Memory(), staging.Policy{ClampToHost: true})
	if err := c.Init(100 << 20); err != nil {
		t.Fatalf("clamped Init: %v", err)
	}

	if got := c.End() - c.Base(); got != 6<<20 {
		t.Fatalf("clamped size: got %#x, want %#x", got, 6<<20)
	}
}

func TestFree(t *testing.T) {
	t.Parallel()

	c, s := newContext(t, 16<<20, staging.Policy{}, 1<<20)

	if err := c.Free(); err != nil {
		t.Fatal(err)
	}

	m, err := s.GetMemoryMap()
	if err != nil {
		t.Fatal(err)
	}

	for _, d := range m.Descriptors {
		if d.Type == firmware.LoaderCode {
			t.Fatalf("staging pages still allocated:\n%s", m)
		}
	}

	if _, err := c.CopyIn([]byte{1}, 0); !errors.Is(err, staging.ErrNotInitialized) {
		t.Fatalf("CopyIn after Free: got %v, want ErrNotInitialized", err)
	}
}

// Random copy sequences never land outside the committed extent and read
// back unchanged, whatever growth path they take.
func TestRandomCopies(t *testing.T) {
	t.Parallel()

	const (
		origin = addr.Kern(0x100000)
		span   = 6 << 20
	)

	c, _ := newContext(t, 64<<20, staging.Policy{Slop: 256 << 10, AllowBackward: true}, 1<<20)

	rnd := rand.New(rand.NewSource(1))
	shadow := make([]byte, span+64<<10)
	written := make([]bool, len(shadow))
	maxEnd := 0

	for i := 0; i < 200; i++ {
		off, n := rnd.Intn(span), 1+rnd.Intn(64<<10)
		if i == 0 {
			off = 0
		}

		b := make([]byte, n)
		rnd.Read(b)

		mustCopyIn(t, c, b, origin.Add(uint64(off)))

		p, _ := c.Translate(origin.Add(uint64(off)))
		if p < c.Base() || p.Add(uint64(n)) > c.End() {
			t.Fatalf("copy %d landed at %v+%#x outside %v-%v", i, p, n, c.Base(), c.End())
		}

		copy(shadow[off:], b)

		for j := off; j < off+n; j++ {
			written[j] = true
		}

		if off+n > maxEnd {
			maxEnd = off + n
		}
	}

	got := mustCopyOut(t, c, origin, maxEnd)
	for i := range got {
		if written[i] && got[i] != shadow[i] {
			t.Fatalf("byte %#x: got %#x, want %#x (stats %+v)", i, got[i], shadow[i], c.Stats())
		}
	}
}
