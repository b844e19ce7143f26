package flag

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bobuhiro11/gokboot/boot"
)

var (
	ErrModule  = errors.New("module must be path[:type[:args]]")
	ErrProfile = errors.New("profile must be cpu or mem")
)

// ParseSize parses a size string as number[gGmMkK]. The multiplier is optional,
// and if not set, the unit passed in is used. The number can be any base and
// size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
}

// ParseModule parses path[:type[:args]]. The arguments may contain colons.
func ParseModule(s string) (boot.Module, error) {
	parts := strings.SplitN(s, ":", 3)
	if parts[0] == "" {
		return boot.Module{}, fmt.Errorf("%q: %w", s, ErrModule)
	}

	m := boot.Module{Path: parts[0]}

	if len(parts) > 1 {
		m.Type = parts[1]
	}

	if len(parts) > 2 {
		m.Args = parts[2]
	}

	return m, nil
}
