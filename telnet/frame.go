package telnet

import (
	"errors"
	"fmt"
)

// FrameKind tags the variant carried by a Frame.
type FrameKind int

const (
	FrameData FrameKind = iota
	FrameCommand
	FrameNegotiate
	FrameSubnegotiate
	FrameInvalid
)

func (k FrameKind) String() string {
	switch k {
	case FrameData:
		return "data"
	case FrameCommand:
		return "command"
	case FrameNegotiate:
		return "negotiate"
	case FrameSubnegotiate:
		return "subnegotiate"
	case FrameInvalid:
		return "invalid"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Verb is a negotiation verb. The values are the wire bytes.
type Verb byte

const (
	Offer   Verb = WILL
	Refuse  Verb = WONT
	Request Verb = DO
	Deny    Verb = DONT
)

func (v Verb) String() string {
	return commandName(byte(v))
}

func (v Verb) valid() bool {
	return v == Offer || v == Refuse || v == Request || v == Deny
}

// Frame is one decoded unit of the stream.
//
// Data holds unescaped payload for FrameData and the (unescaped) operand for
// FrameSubnegotiate. Command is set for FrameCommand, Verb for FrameNegotiate,
// Option for both negotiation kinds. Err is set for FrameInvalid.
type Frame struct {
	Kind    FrameKind
	Data    []byte
	Command byte
	Verb    Verb
	Option  byte
	Err     *FrameError
}

// DataFrame builds a data frame for outbound text.
func DataFrame(b []byte) Frame {
	return Frame{Kind: FrameData, Data: b}
}

// CommandFrame builds a two-byte command frame (GA, NOP, ...).
func CommandFrame(code byte) Frame {
	return Frame{Kind: FrameCommand, Command: code}
}

// NegotiateFrame builds a negotiation frame.
func NegotiateFrame(v Verb, opt byte) Frame {
	return Frame{Kind: FrameNegotiate, Verb: v, Option: opt}
}

// SubnegotiateFrame builds a subnegotiation frame with an unescaped payload.
func SubnegotiateFrame(opt byte, payload []byte) Frame {
	return Frame{Kind: FrameSubnegotiate, Option: opt, Data: payload}
}

// Bytes returns the exact wire encoding of the frame. Error frames encode to nil.
func (f Frame) Bytes() []byte {
	switch f.Kind {
	case FrameData:
		return Escape(f.Data)
	case FrameCommand:
		return []byte{IAC, f.Command}
	case FrameNegotiate:
		return []byte{IAC, byte(f.Verb), f.Option}
	case FrameSubnegotiate:
		escaped := Escape(f.Data)
		buf := make([]byte, 0, len(escaped)+5)
		buf = append(buf, IAC, SB, f.Option)
		buf = append(buf, escaped...)
		return append(buf, IAC, SE)
	}
	return nil
}

func (f Frame) String() string {
	switch f.Kind {
	case FrameData:
		return fmt.Sprintf("data %q", f.Data)
	case FrameCommand:
		return "IAC " + commandName(f.Command)
	case FrameNegotiate:
		return fmt.Sprintf("IAC %s %s", f.Verb, OptionName(f.Option))
	case FrameSubnegotiate:
		return fmt.Sprintf("IAC SB %s %q IAC SE", OptionName(f.Option), f.Data)
	case FrameInvalid:
		if f.Err != nil {
			return "error: " + f.Err.Error()
		}
		return "error"
	}
	return f.Kind.String()
}

// Escape doubles every IAC byte so the payload survives as literal data.
func Escape(data []byte) []byte {
	n := len(data)
	for _, b := range data {
		if b == IAC {
			n++
		}
	}
	out := make([]byte, 0, n)
	for _, b := range data {
		out = append(out, b)
		if b == IAC {
			out = append(out, IAC)
		}
	}
	return out
}

var (
	ErrStraySE                 = errors.New("telnet: IAC SE outside subnegotiation")
	ErrMalformedSubnegotiation = errors.New("telnet: malformed subnegotiation")
	ErrSubnegotiationTooLong   = errors.New("telnet: subnegotiation exceeds limit")
)

// FrameError describes bytes the decoder discarded. Decoding continues after it.
type FrameError struct {
	Err    error
	Option byte
	Length int
}

func (e *FrameError) Error() string {
	if e == nil || e.Err == nil {
		return "telnet: frame error"
	}
	if errors.Is(e.Err, ErrStraySE) {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (option=%s len=%d)", e.Err, OptionName(e.Option), e.Length)
}

func (e *FrameError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
