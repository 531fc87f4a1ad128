// Package firewall edits host firewalls over a session. Rules use the ufw
// port spec: "22", "22/tcp" or "6000:6007/udp".
package firewall

import (
	"fmt"
	"strconv"
	"strings"
)

type Action string

const (
	Allow Action = "allow"
	Deny  Action = "deny"
)

type Rule struct {
	Action Action `json:"action"`
	Port   string `json:"port"`
}

func (r Rule) String() string { return string(r.Action) + " " + r.Port }

// ParseRule parses "allow 22/tcp" or "deny 80".
func ParseRule(s string) (Rule, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return Rule{}, fmt.Errorf("rule %q: want \"<allow|deny> <port>[/proto]\"", s)
	}
	action := Action(strings.ToLower(fields[0]))
	if action != Allow && action != Deny {
		return Rule{}, fmt.Errorf("rule %q: unknown action %q", s, fields[0])
	}
	if err := ValidatePort(fields[1]); err != nil {
		return Rule{}, err
	}
	return Rule{Action: action, Port: fields[1]}, nil
}

// Rules builds one rule per port spec.
func Rules(action Action, ports []string) ([]Rule, error) {
	out := make([]Rule, 0, len(ports))
	for _, p := range ports {
		p = strings.TrimSpace(p)
		if err := ValidatePort(p); err != nil {
			return nil, err
		}
		out = append(out, Rule{Action: action, Port: p})
	}
	return out, nil
}

// ValidatePort checks a ufw port spec. A range needs a protocol.
func ValidatePort(spec string) error {
	port, proto, hasProto := strings.Cut(spec, "/")
	if hasProto && proto != "tcp" && proto != "udp" {
		return fmt.Errorf("port %q: protocol must be tcp or udp", spec)
	}
	lo, hi, isRange := strings.Cut(port, ":")
	if isRange && !hasProto {
		return fmt.Errorf("port %q: a range needs a protocol", spec)
	}
	for _, p := range []string{lo, hi} {
		if p == "" && !isRange {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return fmt.Errorf("port %q: %q is not a port number", spec, p)
		}
	}
	return nil
}

// Policy is the firewall section of an inventory. Two shapes are accepted:
// a whitelist/blacklist Policy with its port list, or explicit AllowPorts and
// DenyPorts with no default change.
type Policy struct {
	Policy     string   `yaml:"policy,omitempty" toml:"policy" json:"policy,omitempty" bson:"policy,omitempty" validate:"omitempty,oneof=whitelist blacklist"`
	AllowPorts []string `yaml:"allow_ports,omitempty" toml:"allow_ports" json:"allow_ports,omitempty" bson:"allow_ports,omitempty"`
	DenyPorts  []string `yaml:"deny_ports,omitempty" toml:"deny_ports" json:"deny_ports,omitempty" bson:"deny_ports,omitempty"`
}

// Plan is the ordered set of edits a Policy stands for.
type Plan struct {
	// Default, when set, becomes the incoming default before any rule is added.
	Default Action
	Apply   []Rule
	Remove  []Rule
}

func (p Plan) Empty() bool { return p.Default == "" && len(p.Apply) == 0 && len(p.Remove) == 0 }

// Plan translates the policy. A whitelist denies incoming by default and allows
// AllowPorts. A blacklist allows by default and denies DenyPorts, falling back
// to AllowPorts when only that list is given.
func (p Policy) Plan() (Plan, error) {
	var (
		plan Plan
		err  error
	)
	switch p.Policy {
	case "whitelist":
		plan.Default = Deny
		plan.Apply, err = Rules(Allow, p.AllowPorts)
		if err == nil && len(p.DenyPorts) > 0 {
			var deny []Rule
			deny, err = Rules(Deny, p.DenyPorts)
			plan.Apply = append(plan.Apply, deny...)
		}
	case "blacklist":
		plan.Default = Allow
		ports := p.DenyPorts
		if len(ports) == 0 {
			ports = p.AllowPorts
		}
		plan.Apply, err = Rules(Deny, ports)
	case "":
		var allow, deny []Rule
		if allow, err = Rules(Allow, p.AllowPorts); err == nil {
			deny, err = Rules(Deny, p.DenyPorts)
		}
		plan.Apply = append(allow, deny...)
	default:
		err = fmt.Errorf("unknown firewall policy %q", p.Policy)
	}
	if err != nil {
		return Plan{}, err
	}
	return plan, nil
}
