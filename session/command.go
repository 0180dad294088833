package session

import (
	"fmt"
	"strings"

	"mudbot/registry"
	"mudbot/telnet"
)

// Command is an outbound instruction. The set of variants is closed: RawLine,
// Login and Quit.
type Command interface {
	encode() []byte
}

// LoginStyle selects how credentials are presented to the server.
type LoginStyle int

const (
	// LoginConnect sends "connect <login> <secret>" on one line (MUSH/MUX servers).
	LoginConnect LoginStyle = iota
	// LoginPrompted answers the name and password prompts with one line each.
	LoginPrompted
)

func (s LoginStyle) String() string {
	switch s {
	case LoginConnect:
		return "connect"
	case LoginPrompted:
		return "prompted"
	}
	return fmt.Sprintf("login_style(%d)", int(s))
}

// ParseLoginStyle maps a configuration value to a LoginStyle.
func ParseLoginStyle(s string) (LoginStyle, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "connect":
		return LoginConnect, nil
	case "prompted":
		return LoginPrompted, nil
	}
	return 0, fmt.Errorf("unknown login style %q", s)
}

// RawLine is one line of text typed at the server.
type RawLine string

func (l RawLine) encode() []byte {
	return textLine(string(l))
}

// Login carries the identity's credentials.
type Login struct {
	Style  LoginStyle
	Name   string
	Secret string
}

// LoginFor builds the login command for an identity.
func LoginFor(id registry.Identity, style LoginStyle) Login {
	return Login{Style: style, Name: id.Login, Secret: id.Secret}
}

func (l Login) encode() []byte {
	if l.Style == LoginPrompted {
		return append(textLine(l.Name), textLine(l.Secret)...)
	}
	return textLine("connect " + l.Name + " " + l.Secret)
}

// Quit asks the server to end the session.
type Quit struct{}

func (Quit) encode() []byte {
	return textLine("QUIT")
}

func textLine(s string) []byte {
	s = strings.TrimRight(s, "\r\n")
	return telnet.Escape([]byte(s + "\r\n"))
}
