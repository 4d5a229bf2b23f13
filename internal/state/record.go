package state

import "time"

// Status is the externally visible outcome of a tracked command.
type Status string

const (
	StatusRunning    Status = "Running"
	StatusSuccess    Status = "Success"
	StatusFailure    Status = "Failure"
	StatusStopped    Status = "Stopped"
	StatusTerminated Status = "Terminated"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool { return s != StatusRunning && s != "" }

// Phase tags how far exit processing has progressed.
//
//	running -> exited (status and exit code final, output still draining)
//	        -> drained (captured output and end time final)
type Phase string

const (
	PhaseRunning Phase = "running"
	PhaseExited  Phase = "exited"
	PhaseDrained Phase = "drained"
)

func (p Phase) rank() int {
	switch p {
	case PhaseExited:
		return 1
	case PhaseDrained:
		return 2
	default:
		return 0
	}
}

// Offsets are byte positions in the log files already handed to a consumer.
type Offsets struct {
	Stdout int64 `json:"stdout"`
	Stderr int64 `json:"stderr"`
}

// Record is the persisted description of one tracked process.
type Record struct {
	PID            int        `json:"pid"`
	Command        string     `json:"command"`
	Status         Status     `json:"status"`
	Phase          Phase      `json:"phase"`
	ExitCode       *int       `json:"exit_code"`
	StdoutLog      string     `json:"stdout_log"`
	StderrLog      string     `json:"stderr_log"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        *time.Time `json:"end_time"`
	CapturedStdout string     `json:"captured_stdout"`
	CapturedStderr string     `json:"captured_stderr"`
	ReadOffsets    Offsets    `json:"read_offsets"`
	Cwd            string     `json:"cwd"`
	ProcStart      int64      `json:"proc_start,omitempty"`
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	c := r
	if r.ExitCode != nil {
		v := *r.ExitCode
		c.ExitCode = &v
	}
	if r.EndTime != nil {
		t := *r.EndTime
		c.EndTime = &t
	}
	return c
}

// Patch lists the fields an Update may change. Nil fields are left alone.
type Patch struct {
	Status         *Status
	Phase          *Phase
	ExitCode       *int
	EndTime        *time.Time
	CapturedStdout *string
	CapturedStderr *string
	ReadOffsets    *Offsets
}

// Ptr is a small helper for building patches.
func Ptr[T any](v T) *T { return &v }
