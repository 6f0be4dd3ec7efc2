package types

import (
	"fmt"
	"time"
)

// Authentication methods carried by a Credential.
const (
	MethodPassword = "password"
	MethodKeyfile  = "keyfile"
)

// WildcardScope marks a credential as applicable to any target.
const WildcardScope = "_bruteforce"

// Credential is one way to authenticate against a target. Immutable;
// uniqueness is the full five-field identity.
type Credential struct {
	Scope  string `json:"scope"`
	Port   int    `json:"port"`
	User   string `json:"user"`
	Secret string `json:"secret"`
	Method string `json:"method"`
}

// Key returns the identity used for deduplication.
func (c Credential) Key() string {
	return fmt.Sprintf("%s|%d|%s|%s|%s", c.Scope, c.Port, c.User, c.Secret, c.Method)
}

// Wildcard reports whether the credential applies to any target.
func (c Credential) Wildcard() bool { return c.Scope == WildcardScope }

// AttemptRecord is one authentication trial and its outcome.
type AttemptRecord struct {
	SourceHost string    `json:"source_host" db:"source_hostname"`
	TargetHost string    `json:"target_host" db:"target_hostname"`
	TargetIP   string    `json:"target_ip" db:"target_ip"`
	TargetPort int       `json:"target_port" db:"target_port"`
	User       string    `json:"user" db:"username"`
	Method     string    `json:"method" db:"method"`
	Secret     string    `json:"secret" db:"credential"`
	Success    bool      `json:"success" db:"success"`
	Timestamp  time.Time `json:"timestamp" db:"timestamp"`
}

// AttemptKey identifies an attempt for dedup: same source, same
// endpoint, same credential identity.
func (r AttemptRecord) AttemptKey() string {
	return fmt.Sprintf("%s|%s|%d|%s|%s|%s", r.SourceHost, r.TargetIP, r.TargetPort, r.User, r.Method, r.Secret)
}

// Interface is one address advertised by a host.
type Interface struct {
	IP   string `json:"ip"`
	Mask int    `json:"mask"`
}

// Host is a machine known to the graph. Hostname is the stable identity
// even though the IPs used to reach it vary by path.
type Host struct {
	Hostname   string      `json:"hostname"`
	Interfaces []Interface `json:"interfaces"`
	Banner     string      `json:"banner,omitempty"`
	FirstSeen  time.Time   `json:"first_seen"`
	LastSeen   time.Time   `json:"last_seen"`
}

// AccessEdge records that FromHost can reach ToHost with a credential
// over a specific address. Directed; a repeat success refreshes
// LastSuccessTime instead of duplicating the edge.
type AccessEdge struct {
	FromHost        string    `json:"from_host" db:"from_host"`
	ToHost          string    `json:"to_host" db:"to_host"`
	User            string    `json:"user" db:"username"`
	Method          string    `json:"method" db:"method"`
	Secret          string    `json:"secret" db:"secret"`
	IP              string    `json:"ip" db:"ip"`
	Port            int       `json:"port" db:"port"`
	LastSuccessTime time.Time `json:"last_success_time" db:"last_success_time"`
}

// EdgeKey returns the identity that makes edge upserts idempotent.
func (e AccessEdge) EdgeKey() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s|%s|%d", e.FromHost, e.ToHost, e.User, e.Method, e.Secret, e.IP, e.Port)
}
