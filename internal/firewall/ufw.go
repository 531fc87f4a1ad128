package firewall

import (
	"context"
	"fmt"
	"strings"

	"github.com/andrej220/biusrv/internal/fault"
	"github.com/andrej220/biusrv/internal/session"
)

// Backend is a host firewall reachable through a session.
type Backend interface {
	Enable(ctx context.Context) error
	SetDefault(ctx context.Context, a Action) error
	Apply(ctx context.Context, r Rule) error
	Remove(ctx context.Context, r Rule) error
	Status(ctx context.Context) (active bool, rules []Rule, err error)
}

// UFW drives ufw with sudo.
type UFW struct {
	Sess session.Session
}

func NewUFW(sess session.Session) *UFW { return &UFW{Sess: sess} }

var installCommands = map[session.OSFamily]string{
	session.OSDebian: "DEBIAN_FRONTEND=noninteractive apt-get install -y ufw",
	session.OSRedHat: "dnf install -y ufw || yum install -y ufw",
	session.OSArch:   "pacman -S --noconfirm ufw",
}

func (u *UFW) run(ctx context.Context, cmd string) (*session.ExecResult, error) {
	return u.Sess.Exec(ctx, cmd, session.ExecOptions{Sudo: true})
}

// Enable installs ufw when missing and turns it on.
func (u *UFW) Enable(ctx context.Context) error {
	res, err := u.Sess.Exec(ctx, "command -v ufw", session.ExecOptions{Sudo: true, Tolerate: true})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		install, ok := installCommands[u.Sess.Capabilities().OS]
		if !ok {
			return fault.Newf(fault.Command, "firewall", "ufw is not installed and the OS family is unknown")
		}
		if _, err := u.run(ctx, install); err != nil {
			return fmt.Errorf("install ufw: %w", err)
		}
	}
	if _, err := u.run(ctx, "ufw --force enable"); err != nil {
		return err
	}
	active, _, err := u.Status(ctx)
	if err != nil {
		return err
	}
	if !active {
		return fault.Newf(fault.Command, "firewall", "ufw is not active after enable")
	}
	return nil
}

func (u *UFW) SetDefault(ctx context.Context, a Action) error {
	_, err := u.run(ctx, "ufw default "+string(a)+" incoming")
	return err
}

// Apply adds r and checks that ufw lists it.
func (u *UFW) Apply(ctx context.Context, r Rule) error {
	if _, err := u.run(ctx, "ufw "+string(r.Action)+" "+r.Port); err != nil {
		return err
	}
	_, rules, err := u.Status(ctx)
	if err != nil {
		return err
	}
	if !contains(rules, r) {
		return fault.Newf(fault.Command, "firewall", "rule %q not active after apply", r)
	}
	return nil
}

// Remove deletes r and checks that ufw no longer lists it.
func (u *UFW) Remove(ctx context.Context, r Rule) error {
	if _, err := u.run(ctx, "ufw delete "+string(r.Action)+" "+r.Port); err != nil {
		return err
	}
	_, rules, err := u.Status(ctx)
	if err != nil {
		return err
	}
	if contains(rules, r) {
		return fault.Newf(fault.Command, "firewall", "rule %q still active after remove", r)
	}
	return nil
}

func (u *UFW) Status(ctx context.Context) (bool, []Rule, error) {
	res, err := u.run(ctx, "ufw status")
	if err != nil {
		return false, nil, err
	}
	active, rules := ParseStatus(res.Stdout)
	return active, rules, nil
}

// ParseStatus reads `ufw status` output. IPv6 duplicates are folded into
// their IPv4 rule.
func ParseStatus(out string) (bool, []Rule) {
	active := false
	var rules []Rule
	seen := map[Rule]bool{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Status:") {
			active = strings.TrimSpace(strings.TrimPrefix(line, "Status:")) == "active"
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		var action Action
		port := fields[0]
		idx := 1
		if len(fields) > 2 && fields[1] == "(v6)" {
			idx = 2
		}
		switch fields[idx] {
		case "ALLOW":
			action = Allow
		case "DENY":
			action = Deny
		default:
			continue
		}
		if ValidatePort(port) != nil {
			continue
		}
		r := Rule{Action: action, Port: port}
		if !seen[r] {
			seen[r] = true
			rules = append(rules, r)
		}
	}
	return active, rules
}

func contains(rules []Rule, r Rule) bool {
	for _, x := range rules {
		if x == r {
			return true
		}
	}
	return false
}

// Execute applies a plan in order: default, removals, then additions.
func Execute(ctx context.Context, b Backend, plan Plan) error {
	if plan.Default != "" {
		if err := b.SetDefault(ctx, plan.Default); err != nil {
			return fmt.Errorf("set default %s: %w", plan.Default, err)
		}
	}
	for _, r := range plan.Remove {
		if err := b.Remove(ctx, r); err != nil {
			return fmt.Errorf("remove %s: %w", r, err)
		}
	}
	for _, r := range plan.Apply {
		if err := b.Apply(ctx, r); err != nil {
			return fmt.Errorf("apply %s: %w", r, err)
		}
	}
	return nil
}
