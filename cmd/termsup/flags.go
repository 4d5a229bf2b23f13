package main

import "time"

// Flag structs decouple cobra from the command logic for testing.

// APIFlags select a remote daemon instead of the local state directory.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

type ExecFlags struct {
	Cmd     string
	Timeout time.Duration
	NoReuse bool
	Cwd     string
	APIFlags
}

type StatusFlags struct {
	Timeout time.Duration
	APIFlags
}

type OutputFlags struct {
	PID   int
	Lines int
	APIFlags
}

type StopFlags struct {
	PIDs  []int
	Lines int
	APIFlags
}

type ServeFlags struct {
	Daemonize bool
	PIDFile   string
	LogFile   string
}
