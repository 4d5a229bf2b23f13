package client

import "fmt"

// ExecuteRequest mirrors POST /execute. Timeout is in seconds; zero uses the
// server default.
type ExecuteRequest struct {
	Command       string  `json:"command"`
	Timeout       float64 `json:"timeout,omitempty"`
	ReuseTerminal *bool   `json:"reuse_terminal,omitempty"`
	Cwd           string  `json:"cwd,omitempty"`
}

type ExecuteResult struct {
	PID      int    `json:"pid"`
	Status   string `json:"status"`
	ExitCode *int   `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

type LastOutput struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

type Terminal struct {
	PID        int        `json:"pid"`
	Status     string     `json:"status"`
	ExitCode   *int       `json:"exit_code"`
	Cwd        string     `json:"cwd"`
	Command    string     `json:"command"`
	LastOutput LastOutput `json:"last_output"`
}

type StatusResult struct {
	StatusChanged bool       `json:"status_changed"`
	Terminals     []Terminal `json:"terminals"`
}

type OutputResult struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

type StopRequest struct {
	PIDs  []int `json:"pids"`
	Lines int   `json:"lines,omitempty"`
}

type StopResult struct {
	PID    int    `json:"pid"`
	Status string `json:"status"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// APIError is returned for any non-200 response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}
