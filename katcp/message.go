// Package katcp implements the control-protocol surface: a line-oriented
// request/reply session server with a pluggable handler registry. The seven
// lifecycle requests carry custom logic over the shared store and alert
// bus; administrative requests are answered from process-local state.
package katcp

import (
	"fmt"
	"strings"

	"github.com/UCBerkeleySETI/meerkat-backend-interface/errors"
)

// MessageType distinguishes the three wire message kinds.
type MessageType byte

// Wire message kinds, identified by the leading byte of each line.
const (
	TypeRequest MessageType = '?'
	TypeReply   MessageType = '!'
	TypeInform  MessageType = '#'
)

// Reply status codes.
const (
	StatusOK      = "ok"
	StatusFail    = "fail"
	StatusInvalid = "invalid"
)

// Message is one parsed protocol line: a request, reply or inform with
// whitespace-separated, escape-encoded arguments.
type Message struct {
	Type MessageType
	Name string
	Args []string
}

// NewRequest builds a request message.
func NewRequest(name string, args ...string) Message {
	return Message{Type: TypeRequest, Name: name, Args: args}
}

// NewReply builds a reply to the named request.
func NewReply(name string, args ...string) Message {
	return Message{Type: TypeReply, Name: name, Args: args}
}

// NewInform builds an inform message.
func NewInform(name string, args ...string) Message {
	return Message{Type: TypeInform, Name: name, Args: args}
}

// OK reports whether a reply message carries the ok status.
func (m Message) OK() bool {
	return m.Type == TypeReply && len(m.Args) > 0 && m.Args[0] == StatusOK
}

// String encodes the message in wire form, without the trailing newline.
func (m Message) String() string {
	var b strings.Builder
	b.WriteByte(byte(m.Type))
	b.WriteString(m.Name)
	for _, arg := range m.Args {
		b.WriteByte(' ')
		b.WriteString(escape(arg))
	}
	return b.String()
}

// ParseMessage decodes one wire line. The line must not contain the
// trailing newline.
func ParseMessage(line string) (Message, error) {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return Message{}, fmt.Errorf("empty line: %w", errors.ErrParsingFailed)
	}
	t := MessageType(line[0])
	switch t {
	case TypeRequest, TypeReply, TypeInform:
	default:
		return Message{}, fmt.Errorf("bad message type %q: %w", line[0], errors.ErrParsingFailed)
	}

	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return Message{}, fmt.Errorf("missing message name: %w", errors.ErrParsingFailed)
	}
	name := fields[0]
	if !validName(name) {
		return Message{}, fmt.Errorf("bad message name %q: %w", name, errors.ErrParsingFailed)
	}

	args := make([]string, 0, len(fields)-1)
	for _, f := range fields[1:] {
		arg, err := unescape(f)
		if err != nil {
			return Message{}, err
		}
		args = append(args, arg)
	}
	return Message{Type: t, Name: name, Args: args}, nil
}

// validName accepts lowercase names with digit and dash continuation, per
// the protocol grammar.
func validName(name string) bool {
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case i > 0 && (r >= '0' && r <= '9' || r == '-'):
		default:
			return false
		}
	}
	return len(name) > 0
}

// escape encodes an argument for the wire: whitespace and control
// characters are backslash-escaped so arguments never split.
func escape(arg string) string {
	if arg == "" {
		return `\@`
	}
	var b strings.Builder
	b.Grow(len(arg))
	for i := 0; i < len(arg); i++ {
		switch c := arg[i]; c {
		case '\\':
			b.WriteString(`\\`)
		case ' ':
			b.WriteString(`\_`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case 0x1b:
			b.WriteString(`\e`)
		case 0x00:
			b.WriteString(`\0`)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func unescape(arg string) (string, error) {
	if arg == `\@` {
		return "", nil
	}
	var b strings.Builder
	b.Grow(len(arg))
	for i := 0; i < len(arg); i++ {
		c := arg[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(arg) {
			return "", fmt.Errorf("trailing escape in %q: %w", arg, errors.ErrParsingFailed)
		}
		switch arg[i] {
		case '\\':
			b.WriteByte('\\')
		case '_':
			b.WriteByte(' ')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case 'e':
			b.WriteByte(0x1b)
		case '0':
			b.WriteByte(0x00)
		case '@':
		default:
			return "", fmt.Errorf("bad escape \\%c in %q: %w", arg[i], arg, errors.ErrParsingFailed)
		}
	}
	return b.String(), nil
}
