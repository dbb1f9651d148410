package gateway

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/UCBerkeleySETI/meerkat-backend-interface/errors"
)

// MaxTargetNameLen bounds SRC_NAME so it fits the node status buffer field.
const MaxTargetNameLen = 16

// FormatFloat renders a float the way nodes expect: shortest representation
// with up to 17 significant digits.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 17, 64)
}

// FormatDataSuspect converts the per-F-engine binary bitmask string into
// the compact #<hex> form carried as FESTATUS. The mask carries one bit per
// polarisation per antenna, up to 128 bits on a full array.
func FormatDataSuspect(mask string) (string, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(mask), 2)
	if !ok {
		return "", fmt.Errorf("data-suspect mask %q not binary: %w", mask, errors.ErrParsingFailed)
	}
	return fmt.Sprintf("#%x", v), nil
}

// RAHoursToDegrees converts a right-ascension pointing value from hours to
// degrees, the unit nodes record.
func RAHoursToDegrees(hours float64) float64 {
	return hours * 15.0
}

// Target holds the fields extracted from a CAM target description string.
type Target struct {
	Name string // SRC_NAME
	RA   string // RA_STR, sexagesimal
	Dec  string // DEC_STR, sexagesimal
}

// ParseTarget extracts SRC_NAME, RA_STR and DEC_STR from a CAM target
// string of the form:
//
//	"name | alias, radec, 12:34:56.7, -45:00:00.0"
//
// The name is cut at the first "|", trimmed, punctuation is replaced with
// underscores and the result truncated to MaxTargetNameLen. A missing name
// field yields NOT_PROVIDED.
func ParseTarget(raw string) (Target, error) {
	s := strings.Trim(strings.TrimSpace(raw), "'")

	var name, coords string
	switch {
	case strings.Contains(s, "radec target,"):
		parts := strings.SplitN(s, "radec target,", 2)
		name, coords = parts[0], parts[1]
	case strings.Contains(s, "radec,"):
		parts := strings.SplitN(s, "radec,", 2)
		name, coords = parts[0], parts[1]
	default:
		return Target{}, fmt.Errorf("target %q has no radec section: %w", raw, errors.ErrParsingFailed)
	}

	name = strings.TrimSpace(name)
	if i := strings.Index(name, "|"); i >= 0 {
		name = strings.TrimSpace(name[:i])
	}
	name = strings.TrimSuffix(name, ",")
	name = strings.TrimSpace(name)
	if name == "" {
		name = "NOT_PROVIDED"
	} else {
		name = sanitizeTargetName(name)
		if len(name) > MaxTargetNameLen {
			name = name[:MaxTargetNameLen]
		}
	}

	radec := strings.Split(coords, ",")
	if len(radec) < 2 {
		return Target{}, fmt.Errorf("target %q missing coordinates: %w", raw, errors.ErrParsingFailed)
	}
	return Target{
		Name: name,
		RA:   strings.TrimSpace(radec[0]),
		Dec:  strings.TrimSpace(radec[1]),
	}, nil
}

// sanitizeTargetName maps punctuation to underscores so the name survives
// the node status buffer's restricted character set. + and - stay: they
// carry meaning in coordinate-derived names such as J0408-6545.
func sanitizeTargetName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == ' ', r == '+', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
