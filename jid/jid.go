// Package jid implements the account identity triple (§3 of the
// specification): user, host, and an optional resource. Identities
// without a resource are "bare"; the messaging fabric assigns a resource
// to each live connection.
package jid

import (
	"fmt"
	"strings"
)

// Identity is a (user, host, resource) account address.
type Identity struct {
	User     string
	Host     string
	Resource string
}

// Parse splits a string of the form "user@host" or "user@host/resource"
// into an Identity.
func Parse(s string) (Identity, error) {
	at := strings.IndexByte(s, '@')
	if at < 0 {
		return Identity{}, fmt.Errorf("charon/jid: %q has no user@host separator", s)
	}
	user := s[:at]
	rest := s[at+1:]
	host := rest
	resource := ""
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		host = rest[:slash]
		resource = rest[slash+1:]
	}
	if user == "" || host == "" {
		return Identity{}, fmt.Errorf("charon/jid: %q has an empty user or host part", s)
	}
	return Identity{User: user, Host: host, Resource: resource}, nil
}

// String renders the identity back to "user@host" or "user@host/resource".
func (id Identity) String() string {
	if id.Resource == "" {
		return id.User + "@" + id.Host
	}
	return id.User + "@" + id.Host + "/" + id.Resource
}

// IsBare reports whether the identity carries no resource.
func (id Identity) IsBare() bool {
	return id.Resource == ""
}

// Bare returns the resource-less projection of the identity.
func (id Identity) Bare() Identity {
	return Identity{User: id.User, Host: id.Host}
}

// WithResource returns a full identity with the bare part of id and the
// given resource.
func (id Identity) WithResource(resource string) Identity {
	return Identity{User: id.User, Host: id.Host, Resource: resource}
}

// Equal reports whether two identities are identical, resource included.
func (id Identity) Equal(other Identity) bool {
	return id.User == other.User && id.Host == other.Host && id.Resource == other.Resource
}

// SameBare reports whether two identities share the same bare (user, host)
// part, irrespective of resource.
func (id Identity) SameBare(other Identity) bool {
	return id.User == other.User && id.Host == other.Host
}

// IsZero reports whether id is the zero-value identity, used as the
// "no identity selected" sentinel.
func (id Identity) IsZero() bool {
	return id.User == "" && id.Host == "" && id.Resource == ""
}
