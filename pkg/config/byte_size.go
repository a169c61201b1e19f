package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ByteSize is an int64 byte count that can be unmarshaled from human-readable
// strings like "256kb", "1MB", "16KiB", or plain numbers.
type ByteSize int64

// Common byte size constants
const (
	Byte ByteSize = 1
	KB   ByteSize = 1000
	KiB  ByteSize = 1024
	MB   ByteSize = 1000 * 1000
	MiB  ByteSize = 1024 * 1024
	GB   ByteSize = 1000 * 1000 * 1000
	GiB  ByteSize = 1024 * 1024 * 1024
)

// Int64 returns the byte size as an int64.
func (b ByteSize) Int64() int64 {
	return int64(b)
}

// String returns a human-readable representation.
func (b ByteSize) String() string {
	switch {
	case b >= GiB && b%GiB == 0:
		return fmt.Sprintf("%dGiB", b/GiB)
	case b >= MiB && b%MiB == 0:
		return fmt.Sprintf("%dMiB", b/MiB)
	case b >= KiB && b%KiB == 0:
		return fmt.Sprintf("%dKiB", b/KiB)
	case b >= GB && b%GB == 0:
		return fmt.Sprintf("%dGB", b/GB)
	case b >= MB && b%MB == 0:
		return fmt.Sprintf("%dMB", b/MB)
	case b >= KB && b%KB == 0:
		return fmt.Sprintf("%dKB", b/KB)
	default:
		return fmt.Sprintf("%d", b)
	}
}

// MarshalText implements encoding.TextMarshaler for TOML output.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so TOML values like
// "256MiB" or "1048576" parse directly into a ByteSize.
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

var byteSizeRegex = regexp.MustCompile(`(?i)^(\d+(?:\.\d+)?)\s*(b|kb|kib|mb|mib|gb|gib|k|m|g)?$`)

// ParseByteSize parses a human-readable byte size string.
// Supported formats: "256", "256b", "256kb", "256kib", "256k", "1mb", etc.
// Case insensitive. IEC units (KiB, MiB, GiB) use 1024, SI units use 1000.
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty byte size string")
	}

	matches := byteSizeRegex.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid byte size %q: expected format like '256kb', '1MiB', or '1024'", s)
	}

	numStr := matches[1]
	unit := strings.ToLower(matches[2])

	num, err := strconv.ParseFloat(numStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}

	var multiplier int64
	switch unit {
	case "", "b":
		multiplier = int64(Byte)
	case "k", "kb":
		multiplier = int64(KB)
	case "kib":
		multiplier = int64(KiB)
	case "m", "mb":
		multiplier = int64(MB)
	case "mib":
		multiplier = int64(MiB)
	case "g", "gb":
		multiplier = int64(GB)
	case "gib":
		multiplier = int64(GiB)
	default:
		return 0, fmt.Errorf("invalid byte size unit %q", unit)
	}

	return ByteSize(int64(num * float64(multiplier))), nil
}
