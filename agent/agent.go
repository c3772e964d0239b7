// Package agent keeps the registry of workers: their declared capabilities,
// heartbeats and liveness.
package agent

import (
	"slices"
	"time"
)

// Status represents the current state of a worker.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusWorking Status = "working"
	StatusOffline Status = "offline"
)

// Info describes a registered worker.
type Info struct {
	ID              string            `json:"id"`
	Name            string            `json:"name,omitempty"`
	Capabilities    []string          `json:"capabilities"`
	Specializations []string          `json:"specializations,omitempty"`
	Status          Status            `json:"status"`
	CurrentTask     int64             `json:"current_task,omitempty"`
	RegisteredAt    time.Time         `json:"registered_at"`
	LastHeartbeat   time.Time         `json:"last_heartbeat"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

func (i *Info) clone() *Info {
	c := *i
	c.Capabilities = slices.Clone(i.Capabilities)
	c.Specializations = slices.Clone(i.Specializations)
	if i.Metadata != nil {
		c.Metadata = make(map[string]string, len(i.Metadata))
		for k, v := range i.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
