package modinfo

import "strings"

// Boot flags understood by the kernel.
const (
	RBAskName  uint32 = 0x00000001
	RBSingle   uint32 = 0x00000002
	RBDfltRoot uint32 = 0x00000020
	RBKdb      uint32 = 0x00000040
	RBVerbose  uint32 = 0x00000800
	RBSerial   uint32 = 0x00001000
	RBCdrom    uint32 = 0x00002000
	RBGdb      uint32 = 0x00008000
	RBMute     uint32 = 0x00010000
	RBPause    uint32 = 0x00100000
	RBProbe    uint32 = 0x10000000
	RBMultiple uint32 = 0x20000000
)

var howtoNames = []struct {
	name string
	mask uint32
}{
	{"boot_askname", RBAskName},
	{"boot_cdrom", RBCdrom},
	{"boot_ddb", RBKdb},
	{"boot_dfltroot", RBDfltRoot},
	{"boot_gdb", RBGdb},
	{"boot_multicons", RBMultiple},
	{"boot_mute", RBMute},
	{"boot_pause", RBPause},
	{"boot_serial", RBSerial},
	{"boot_single", RBSingle},
	{"boot_verbose", RBVerbose},
}

var howtoFlags = map[rune]uint32{
	'a': RBAskName,
	'C': RBCdrom,
	'd': RBKdb,
	'D': RBMultiple,
	'g': RBGdb,
	'h': RBSerial,
	'm': RBMute,
	'p': RBPause,
	'P': RBProbe,
	'r': RBDfltRoot,
	's': RBSingle,
	'v': RBVerbose,
}

// Howto derives the boot flags from the environment. Any value, even an
// empty one, sets a flag.
func Howto(e *Environment) uint32 {
	var howto uint32

	for _, n := range howtoNames {
		if _, ok := e.Get(n.name); ok {
			howto |= n.mask
		}
	}

	if cons, ok := e.Get("console"); ok {
		serial := strings.Contains(cons, "comconsole")
		video := strings.Contains(cons, "vidconsole") || strings.Contains(cons, "efi")

		switch {
		case strings.Contains(cons, "nullconsole"):
			howto |= RBMute
		case serial && video:
			howto |= RBSerial | RBMultiple
		case serial:
			howto |= RBSerial
		}
	}

	return howto
}

// ParseFlags returns the boot flags of dash options such as "-s -v" in a
// kernel argument string. Other words are ignored.
func ParseFlags(args string) uint32 {
	var howto uint32

	for _, w := range strings.Fields(args) {
		if !strings.HasPrefix(w, "-") {
			continue
		}

		for _, r := range w[1:] {
			howto |= howtoFlags[r]
		}
	}

	return howto
}

// FlagsEnv returns the environment variables matching howto, the inverse
// of Howto.
func FlagsEnv(howto uint32) []Var {
	var vars []Var

	for _, n := range howtoNames {
		if howto&n.mask != 0 {
			vars = append(vars, Var{Name: n.name, Value: "YES"})
		}
	}

	return vars
}
