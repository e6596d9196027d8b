package vcfg

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

//
// Size
//

// Size is a wrapper around int64 used to easily parse, marshal, and convert
// different equivalent representations of quantities.
type Size int64

// Unit constants
const (
	Unit Size = 0x1
	Ki   Size = 0x400
	Mi   Size = 0x100000
	Gi   Size = 0x40000000
)

// String returns a string representation of a Size object.
func (x Size) String() string {

	if s := x.Units(Gi); s > 0 && x.IsAligned(Gi) {
		return fmt.Sprintf("%d Gi", s)
	} else if s := x.Units(Mi); s > 0 && x.IsAligned(Mi) {
		return fmt.Sprintf("%d Mi", s)
	} else if s := x.Units(Ki); s > 0 && x.IsAligned(Ki) {
		return fmt.Sprintf("%d Ki", s)
	}
	if x == 0 {
		return ""
	}
	return fmt.Sprintf("%d", int64(x))
}

// MarshalText implements encoding.TextMarshaler.
func (x Size) MarshalText() (text []byte, err error) {
	return []byte(x.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (x *Size) UnmarshalText(text []byte) error {
	var err error
	*x, err = ParseSize(string(text))
	if err != nil {
		return err
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (x Size) MarshalJSON() ([]byte, error) {
	return json.Marshal(x.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (x *Size) UnmarshalJSON(data []byte) error {
	s := string(data)
	s = strings.Trim(s, "\"")
	var err error
	*x, err = ParseSize(s)
	if err != nil {
		return err
	}
	return nil
}

// ParseSize resolves a string into a Size.
func ParseSize(s string) (Size, error) {

	if s == "" {
		return Size(0), nil
	}

	original := s

	s = strings.TrimSpace(s)
	s = strings.ToLower(s)

	l := len(s)

	var suffix byte
	var suffixes = []string{"k", "ki", "m", "mi", "g", "gi"}
	for _, x := range suffixes {
		if strings.HasSuffix(s, x) {
			suffix = x[0]
			s = s[:l-len(x)]
			s = strings.TrimSpace(s)
			break
		}
	}

	k, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		e, ok := err.(*strconv.NumError)
		if !ok {
			return Size(0), err
		}
		return Size(0), fmt.Errorf("parsing \"%s\": %v", original, e.Err)
	}

	if k < 0 {
		return Size(0), fmt.Errorf("parsing \"%s\": cannot accept negative numbers", original)
	}

	switch suffix {
	case 0:
		return Size(k), nil
	case 'k':
		return Size(k) * Ki, nil
	case 'm':
		return Size(k) * Mi, nil
	case 'g':
		return Size(k) * Gi, nil
	default:
		panic(fmt.Errorf("how did we get here?"))
	}

}

// Units returns the number of units the size fills, truncated.
func (x Size) Units(unit Size) int {
	return int(int64(x) / int64(unit))
}

// IsAligned returns true if the size is an integer multiple
// of the unit.
func (x Size) IsAligned(unit Size) bool {
	return x%unit == 0
}

// Align increases the size (if necessary) to make it aligned
// to the unit.
func (x *Size) Align(unit Size) {
	*x = ((*x + unit - 1) / unit) * unit
}

// Bytes is a wrapper around Size used to easily parse, marshal, and convert
// different equivalent representations of size in bytes. Its only real
// difference compared to Size is in how strings are created and parsed.
type Bytes Size

// Common byte constants
const (
	Byte Bytes = 0x1        // a single byte
	KiB  Bytes = 0x400      // a kibibyte (1024 bytes)
	MiB  Bytes = 0x100000   // a mibibyte (1024 kibibytes)
	GiB  Bytes = 0x40000000 // a gibibyte (1024 mibibytes)
)

// String returns a string representation of a Bytes object.
func (x Bytes) String() string {

	str := Size(x).String()

	if strings.HasSuffix(str, "i") {
		return str + "B"
	}
	return str
}

// Units returns the number of units the size fills, truncated.
func (x Bytes) Units(unit Bytes) int {
	return Size(x).Units(Size(unit))
}

// IsAligned returns true if the size is an integer multiple
// of the unit.
func (x Bytes) IsAligned(unit Bytes) bool {
	return Size(x).IsAligned(Size(unit))
}

// MarshalText implements encoding.TextMarshaler. This interface is used by
// toml processing packages based on github.com/BurntSushi/toml.
func (x Bytes) MarshalText() (text []byte, err error) {
	return []byte(x.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. This interface is used by
// toml processing packages based on github.com/BurntSushi/toml.
func (x *Bytes) UnmarshalText(text []byte) error {
	var err error
	*x, err = ParseBytes(string(text))
	if err != nil {
		return err
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (x Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(x.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (x *Bytes) UnmarshalJSON(data []byte) error {
	s := string(data)
	s = strings.Trim(s, "\"")
	var err error
	*x, err = ParseBytes(s)
	if err != nil {
		return err
	}
	return nil
}

// ParseBytes resolves a string into a Bytes object. Plain numbers are taken
// as bytes.
func ParseBytes(s string) (Bytes, error) {

	s = strings.TrimSpace(s)
	s = strings.ToLower(s)
	s = strings.TrimSuffix(s, "b")

	size, err := ParseSize(s)
	return Bytes(size), err

}
