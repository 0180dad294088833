// Package registry stores bot identities.
package registry

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

var (
	// ErrNotFound is returned when no identity has the requested name.
	ErrNotFound = errors.New("registry: identity not found")
	// ErrInvalidIdentity wraps every validation failure.
	ErrInvalidIdentity = errors.New("registry: invalid identity")
)

// Identity is the durable record of one bot: where it connects and how it
// logs in. Values are validated once and then treated as immutable.
type Identity struct {
	Name   string `json:"name" yaml:"name"`
	Host   string `json:"host" yaml:"host"`
	Port   int    `json:"port" yaml:"port"`
	Login  string `json:"login" yaml:"login"`
	Secret string `json:"secret" yaml:"secret"`
}

// NewIdentity trims and validates its arguments. An empty login defaults to
// the name.
func NewIdentity(name, host string, port int, login, secret string) (Identity, error) {
	id := Identity{
		Name:   strings.TrimSpace(name),
		Host:   strings.TrimSpace(host),
		Port:   port,
		Login:  strings.TrimSpace(login),
		Secret: secret,
	}
	if id.Login == "" {
		id.Login = id.Name
	}
	if err := id.Validate(); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// Validate rejects records that could not drive a session.
func (id Identity) Validate() error {
	switch {
	case id.Name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidIdentity)
	case strings.ContainsAny(id.Name, " \t\r\n|/\\") || id.Name == "." || id.Name == "..":
		return fmt.Errorf("%w: name %q contains whitespace, '|' or a path separator", ErrInvalidIdentity, id.Name)
	case id.Host == "":
		return fmt.Errorf("%w: %s: empty host", ErrInvalidIdentity, id.Name)
	case id.Port < 1 || id.Port > 65535:
		return fmt.Errorf("%w: %s: port %d out of range", ErrInvalidIdentity, id.Name, id.Port)
	case id.Login == "":
		return fmt.Errorf("%w: %s: empty login", ErrInvalidIdentity, id.Name)
	case strings.ContainsAny(id.Login, "\r\n") || strings.ContainsAny(id.Secret, "\r\n"):
		return fmt.Errorf("%w: %s: credentials contain line breaks", ErrInvalidIdentity, id.Name)
	}
	return nil
}

// Addr is the dial address.
func (id Identity) Addr() string {
	return net.JoinHostPort(id.Host, strconv.Itoa(id.Port))
}

// Redacted returns a copy safe to print.
func (id Identity) Redacted() Identity {
	if id.Secret != "" {
		id.Secret = "********"
	}
	return id
}

// Registry is the storage port for identities. Implementations must give
// List a consistent view even while other writers are active.
type Registry interface {
	Get(name string) (Identity, error)
	List() ([]Identity, error)
	Put(id Identity) error
	Delete(name string) error
	Exists(name string) (bool, error)
}
