// Package models holds the request and response bodies of the HTTP API.
package models

import (
	"time"

	"github.com/google/uuid"
)

// ExecRequest asks for one command on a set of servers.
type ExecRequest struct {
	Servers    []string `json:"servers" validate:"required_without=All,dive,required"`
	All        bool     `json:"all"`
	Command    string   `json:"command" validate:"required"`
	Sudo       bool     `json:"sudo"`
	MaxRetry   *int     `json:"max_retry,omitempty" validate:"omitempty,gte=0,lte=10"`
	Processors []string `json:"processors,omitempty"`
	Shape      string   `json:"shape,omitempty" validate:"omitempty,oneof=string array object"`
}

type ExecResponse struct {
	RunID uuid.UUID `json:"run_id"`
}

type RunState string

const (
	RunRunning  RunState = "running"
	RunFinished RunState = "finished"
)

// RunStatus is what GET /runs/{id} returns.
type RunStatus struct {
	RunID    uuid.UUID           `json:"run_id"`
	State    RunState            `json:"state"`
	Command  string              `json:"command"`
	Started  time.Time           `json:"started"`
	Finished *time.Time          `json:"finished,omitempty"`
	Results  []ServerResult      `json:"results,omitempty"`
	Output   map[string][]string `json:"output,omitempty"`
}

type ServerResult struct {
	Server   string `json:"server"`
	Outcome  string `json:"outcome"`
	Kind     string `json:"kind,omitempty"`
	Message  string `json:"message,omitempty"`
	Attempts int    `json:"attempts"`
}
