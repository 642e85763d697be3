package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fclairamb/boxsync/internal/apperrors"
)

const (
	bytesPerKB = 1024
	bytesPerMB = 1024 * bytesPerKB
	bytesPerGB = 1024 * bytesPerMB
)

// ByteSize is a size in bytes that reads "512", "64KB", "1.5MB" or "2GB".
type ByteSize int64

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *ByteSize) UnmarshalText(text []byte) error {
	n, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = ByteSize(n)
	return nil
}

// String formats the size with the largest exact unit.
func (b ByteSize) String() string {
	n := int64(b)
	switch {
	case n != 0 && n%bytesPerGB == 0:
		return fmt.Sprintf("%dGB", n/bytesPerGB)
	case n != 0 && n%bytesPerMB == 0:
		return fmt.Sprintf("%dMB", n/bytesPerMB)
	case n != 0 && n%bytesPerKB == 0:
		return fmt.Sprintf("%dKB", n/bytesPerKB)
	default:
		return fmt.Sprintf("%dB", n)
	}
}

// ParseByteSize parses a plain byte count or a number with a B, KB, MB or GB
// suffix (case-insensitive, 1024-based).
func ParseByteSize(val string) (int64, error) {
	val = strings.ToUpper(strings.TrimSpace(val))
	if val == "" {
		return 0, fmt.Errorf("%w: empty size", apperrors.ErrInvalidConfig)
	}

	if n, err := strconv.ParseInt(val, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("%w: size %q is negative", apperrors.ErrInvalidConfig, val)
		}
		return n, nil
	}

	// Longest suffixes first so "MB" is not read as "B".
	units := []struct {
		suffix     string
		multiplier int64
	}{
		{"GB", bytesPerGB},
		{"MB", bytesPerMB},
		{"KB", bytesPerKB},
		{"B", 1},
	}

	for _, unit := range units {
		numStr, found := strings.CutSuffix(val, unit.suffix)
		if !found {
			continue
		}
		num, err := strconv.ParseFloat(strings.TrimSpace(numStr), 64)
		if err != nil || num < 0 {
			return 0, fmt.Errorf("%w: size %q", apperrors.ErrInvalidConfig, val)
		}
		return int64(num * float64(unit.multiplier)), nil
	}

	return 0, fmt.Errorf("%w: size %q", apperrors.ErrInvalidConfig, val)
}
