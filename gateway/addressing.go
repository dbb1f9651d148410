package gateway

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/UCBerkeleySETI/meerkat-backend-interface/errors"
)

// AddressGroup is one node's multicast subscription in a.b.c.d+N notation:
// the first group address plus the number of consecutive additional groups
// the node subscribes to.
type AddressGroup struct {
	First string
	Count int // additional addresses beyond First
}

// String renders the group in the DESTIP wire form.
func (g AddressGroup) String() string {
	return fmt.Sprintf("%s+%d", g.First, g.Count)
}

// NStreams is the number of streams the group covers (NSTRM).
func (g AddressGroup) NStreams() int {
	return g.Count + 1
}

// Assignment is the result of apportioning an F-engine stream set across
// processing nodes: one address group per node that receives work, plus the
// shared destination port and the total stream count (FENSTRM).
type Assignment struct {
	Groups []AddressGroup
	Port   int
	NAddrs int
	Offset int // leading groups skipped before Groups[0]
}

// ParseSpeadAddress splits a stream address of the form
// spead://a.b.c.d+N:port into its base address, total address count and
// port. Addresses without a +N range describe a single stream.
func ParseSpeadAddress(addr string) (base string, nAddrs, port int, err error) {
	s := addr
	if i := strings.LastIndex(s, "/"); i >= 0 {
		s = s[i+1:]
	}
	hostPart, portPart, found := strings.Cut(s, ":")
	if !found {
		return "", 0, 0, fmt.Errorf("stream address %q has no port: %w", addr, errors.ErrParsingFailed)
	}
	port, err = strconv.Atoi(portPart)
	if err != nil {
		return "", 0, 0, fmt.Errorf("stream address %q has bad port: %w", addr, errors.ErrParsingFailed)
	}
	base, countPart, found := strings.Cut(hostPart, "+")
	if !found {
		return hostPart, 1, port, nil
	}
	n, err := strconv.Atoi(countPart)
	if err != nil {
		return "", 0, 0, fmt.Errorf("stream address %q has bad range: %w", addr, errors.ErrParsingFailed)
	}
	return base, n + 1, port, nil
}

// Apportion divides the multicast groups of a spead stream address across
// up to nInstances processing nodes, streamsPerInstance groups per node,
// filling nodes sequentially. offset skips that many leading groups. The
// assignment is contiguous and non-overlapping; if the stream carries more
// groups than the fleet can absorb the surplus is dropped (callers log it).
func Apportion(addr string, nInstances, streamsPerInstance, offset int) (Assignment, error) {
	base, nAddrs, port, err := ParseSpeadAddress(addr)
	if err != nil {
		return Assignment{}, err
	}
	if nInstances <= 0 || streamsPerInstance <= 0 {
		return Assignment{}, fmt.Errorf("no processing capacity: %w", errors.ErrInvalidConfig)
	}

	prefix, suffixStr, found := cutLast(base, ".")
	if !found {
		return Assignment{}, fmt.Errorf("stream address %q not dotted-quad: %w", addr, errors.ErrParsingFailed)
	}
	suffix, err := strconv.Atoi(suffixStr)
	if err != nil {
		return Assignment{}, fmt.Errorf("stream address %q not dotted-quad: %w", addr, errors.ErrParsingFailed)
	}

	remaining := nAddrs - offset
	suffix += offset
	if remaining <= 0 {
		return Assignment{}, fmt.Errorf("offset %d consumes all %d streams: %w", offset, nAddrs, errors.ErrInvalidConfig)
	}

	var groups []AddressGroup
	for remaining > 0 && len(groups) < nInstances {
		take := streamsPerInstance
		if remaining < take {
			take = remaining
		}
		groups = append(groups, AddressGroup{
			First: fmt.Sprintf("%s.%d", prefix, suffix),
			Count: take - 1,
		})
		suffix += take
		remaining -= take
	}
	return Assignment{Groups: groups, Port: port, NAddrs: nAddrs, Offset: offset}, nil
}

// Dropped reports how many streams the assignment could not place. Groups
// deliberately skipped by the offset do not count as dropped.
func (a Assignment) Dropped() int {
	placed := 0
	for _, g := range a.Groups {
		placed += g.NStreams()
	}
	if d := a.NAddrs - a.Offset - placed; d > 0 {
		return d
	}
	return 0
}

func cutLast(s, sep string) (before, after string, found bool) {
	i := strings.LastIndex(s, sep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+len(sep):], true
}
