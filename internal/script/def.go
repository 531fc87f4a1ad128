// Package script runs named, ordered deployment actions against one server.
package script

import (
	"fmt"
	"strings"

	"github.com/andrej220/biusrv/internal/transfer"
)

type StepKind string

const (
	KindCommand  StepKind = "command"
	KindUpload   StepKind = "upload"
	KindDownload StepKind = "download"
)

// Step is one of CommandStep or TransferStep.
type Step interface {
	Kind() StepKind
	String() string
}

// CommandStep runs its commands in order; the first non-zero exit fails the action.
type CommandStep struct {
	Commands []string
	Sudo     bool
}

func (CommandStep) Kind() StepKind { return KindCommand }

func (s CommandStep) String() string {
	prefix := ""
	if s.Sudo {
		prefix = "sudo "
	}
	return prefix + strings.Join(s.Commands, "; ")
}

// TransferStep copies between the operator machine and the server.
type TransferStep struct {
	Direction transfer.Direction
	Local     string
	Remote    string
	Force     bool
	Resume    bool
	MaxRetry  int
}

func (s TransferStep) Kind() StepKind {
	if s.Direction == transfer.Download {
		return KindDownload
	}
	return KindUpload
}

func (s TransferStep) String() string {
	if s.Direction == transfer.Download {
		return fmt.Sprintf("download %s -> %s", s.Remote, s.Local)
	}
	return fmt.Sprintf("upload %s -> %s", s.Local, s.Remote)
}

type Action struct {
	Name        string
	Description string
	Steps       []Step
}

// Def is a loaded script. Actions keep their declaration order.
type Def struct {
	Name        string
	Description string
	Actions     []Action
}

func (d *Def) Action(name string) (*Action, bool) {
	for i := range d.Actions {
		if d.Actions[i].Name == name {
			return &d.Actions[i], true
		}
	}
	return nil, false
}

type ActionInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// List returns action names and descriptions in declaration order.
func List(d *Def) []ActionInfo {
	out := make([]ActionInfo, 0, len(d.Actions))
	for _, a := range d.Actions {
		out = append(out, ActionInfo{Name: a.Name, Description: a.Description})
	}
	return out
}
