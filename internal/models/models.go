package models

import "time"

// AuditSession is one journaled shell session.
type AuditSession struct {
	ID        string     `json:"id"`
	User      string     `json:"user"`
	PID       *int       `json:"pid"`
	Transport string     `json:"transport"`
	StartedAt time.Time  `json:"started_at"`
	ClosedAt  *time.Time `json:"closed_at"`
}

// AuditCommand is one journaled ExecCommand.
type AuditCommand struct {
	ID          int64     `json:"id"`
	SessionID   string    `json:"session_id"`
	Command     string    `json:"command"`
	TimeoutMs   uint64    `json:"timeout_ms"`
	OutputBytes int       `json:"output_bytes"`
	TimedOut    bool      `json:"timed_out"`
	DurationMs  int64     `json:"duration_ms"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type ToolStatus struct {
	Name      string `json:"name"`
	Installed bool   `json:"installed"`
	Path      string `json:"path,omitempty"`
}

type HealthResponse struct {
	Status     string       `json:"status"`
	Sessions   int          `json:"sessions"`
	Shell      ToolStatus   `json:"shell"`
	Tools      []ToolStatus `json:"tools"`
	UserSwitch string       `json:"user_switch"`
	Root       bool         `json:"root"`
	Uptime     string       `json:"uptime"`
}
