// Package route picks the backend a client is relayed to from its sniffed payload.
package route

import "strings"

// Destination names.
const (
	NameSSH     = "ssh"
	NameUDPGW   = "udpgw"
	NameOpenVPN = "openvpn"
)

// Default backend addresses.
const (
	DefaultSSH     = "0.0.0.0:22"
	DefaultUDPGW   = "127.0.0.1:7300"
	DefaultOpenVPN = "0.0.0.0:1194"
)

// Destination is a backend chosen for a session.
type Destination struct {
	Name    string
	Address string
}

func (d Destination) String() string {
	return d.Name + "(" + d.Address + ")"
}

// Rule sends payloads containing Match to Destination.
// Match must be lower case; it is compared against lower-cased text.
type Rule struct {
	Match       string
	Destination Destination
}

// Backends are the addresses the standard policy routes to.
// Empty fields fall back to the package defaults.
type Backends struct {
	SSH     string
	UDPGW   string
	OpenVPN string
}

// Policy is an ordered rule list with a fallback. It is immutable and safe
// for concurrent use.
type Policy struct {
	rules    []Rule
	fallback Destination
}

// NewPolicy returns the standard policy: "ssh" wins over "udp", and anything
// else, including an empty payload, goes to OpenVPN.
func NewPolicy(b Backends) *Policy {
	return &Policy{
		rules: []Rule{
			{Match: "ssh", Destination: Destination{Name: NameSSH, Address: orDefault(b.SSH, DefaultSSH)}},
			{Match: "udp", Destination: Destination{Name: NameUDPGW, Address: orDefault(b.UDPGW, DefaultUDPGW)}},
		},
		fallback: Destination{Name: NameOpenVPN, Address: orDefault(b.OpenVPN, DefaultOpenVPN)},
	}
}

// Select returns the destination of the first rule whose Match occurs in
// text, or the fallback. text is expected to be lower-cased already.
func (p *Policy) Select(text string) Destination {
	if text != "" {
		for _, r := range p.rules {
			if strings.Contains(text, r.Match) {
				return r.Destination
			}
		}
	}
	return p.fallback
}

// Rules returns a copy of the rules in evaluation order.
func (p *Policy) Rules() []Rule {
	return append([]Rule(nil), p.rules...)
}

// Fallback returns the destination used when no rule matches.
func (p *Policy) Fallback() Destination {
	return p.fallback
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
