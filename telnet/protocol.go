// Package telnet implements the IAC framing and option negotiation used by MUD
// servers: a restartable byte-stream Decoder that yields Frames, and a per-connection
// Engine that answers negotiation frames without looping.
package telnet

import (
	"fmt"
	"strconv"
	"strings"
)

// Telnet protocol IAC (Interpret As Command) constants.
const (
	IAC  = 255 // Interpret As Command - starts telnet command sequence
	DONT = 254 // Request peer to disable an option
	DO   = 253 // Request peer to enable an option
	WONT = 252 // Refuse to enable an option
	WILL = 251 // Offer to enable an option
	SB   = 250 // Subnegotiation begins
	GA   = 249 // Go ahead (prompt end on most MUDs)
	NOP  = 241 // No operation
	SE   = 240 // Subnegotiation ends
	EOR  = 239 // End of record (prompt end when EOR option is on)
)

// Option codes understood by name in configuration and logs.
const (
	OptBinary     byte = 0
	OptEcho       byte = 1
	OptSGA        byte = 3
	OptTTYPE      byte = 24
	OptEOR        byte = 25
	OptNAWS       byte = 31
	OptLinemode   byte = 34
	OptNewEnviron byte = 39
	OptMSSP       byte = 70
	OptMCCP2      byte = 86
	OptGMCP       byte = 201
)

// TTYPE subnegotiation verbs.
const (
	ttypeIS   = 0
	ttypeSEND = 1
)

var optionNames = map[byte]string{
	OptBinary:     "binary",
	OptEcho:       "echo",
	OptSGA:        "sga",
	OptTTYPE:      "ttype",
	OptEOR:        "eor",
	OptNAWS:       "naws",
	OptLinemode:   "linemode",
	OptNewEnviron: "new-environ",
	OptMSSP:       "mssp",
	OptMCCP2:      "mccp2",
	OptGMCP:       "gmcp",
}

// OptionName returns the configuration name for an option, or its decimal code.
func OptionName(opt byte) string {
	if name, ok := optionNames[opt]; ok {
		return name
	}
	return strconv.Itoa(int(opt))
}

// ParseOption accepts either a known option name ("echo", "naws") or a decimal code.
func ParseOption(s string) (byte, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty telnet option")
	}
	for code, name := range optionNames {
		if name == s {
			return code, nil
		}
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 || v > 255 {
		return 0, fmt.Errorf("unknown telnet option %q", s)
	}
	return byte(v), nil
}

func commandName(code byte) string {
	switch code {
	case IAC:
		return "IAC"
	case DONT:
		return "DONT"
	case DO:
		return "DO"
	case WONT:
		return "WONT"
	case WILL:
		return "WILL"
	case SB:
		return "SB"
	case GA:
		return "GA"
	case NOP:
		return "NOP"
	case SE:
		return "SE"
	case EOR:
		return "EOR"
	}
	return strconv.Itoa(int(code))
}
