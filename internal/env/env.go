// Package env composes the environment handed to spawned commands.
package env

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

type Vars map[string]string

// Env layers variables in this order: the supervisor's own environment (when
// inherited), configured globals, then per-command overrides.
type Env struct {
	globals Vars
	inherit bool
	base    Vars // snapshot of os.Environ, taken lazily
}

func New(inheritOS bool) *Env {
	return &Env{globals: make(Vars), inherit: inheritOS}
}

// WithSet returns a copy of e with k=v added to the globals.
func (e *Env) WithSet(k, v string) *Env {
	c := &Env{globals: make(Vars, len(e.globals)+1), inherit: e.inherit, base: e.base}
	for gk, gv := range e.globals {
		c.globals[gk] = gv
	}
	if k != "" {
		c.globals[k] = v
	}
	return c
}

// WithPairs adds a list of KEY=VALUE globals, rejecting malformed entries.
func (e *Env) WithPairs(pairs []string) (*Env, error) {
	out := e
	for _, kv := range pairs {
		k, v, ok := Split(kv)
		if !ok {
			return nil, fmt.Errorf("invalid env entry %q: want KEY=VALUE", kv)
		}
		out = out.WithSet(k, v)
	}
	return out, nil
}

// Split parses KEY=VALUE. Empty keys are rejected.
func Split(kv string) (string, string, bool) {
	i := strings.IndexByte(kv, '=')
	if i <= 0 {
		return "", "", false
	}
	return kv[:i], kv[i+1:], true
}

func (e *Env) osBase() Vars {
	if !e.inherit {
		return nil
	}
	if e.base == nil {
		base := make(Vars)
		for _, kv := range os.Environ() {
			if k, v, ok := Split(kv); ok {
				base[k] = v
			}
		}
		e.base = base
	}
	return e.base
}

// Merge builds the final KEY=VALUE list for one command. ${VAR} references
// are expanded once against the composed set; unknown references are kept.
// The result is sorted by key.
func (e *Env) Merge(perCommand []string) []string {
	m := make(Vars)
	for k, v := range e.osBase() {
		m[k] = v
	}
	for k, v := range e.globals {
		m[k] = v
	}
	for _, kv := range perCommand {
		if k, v, ok := Split(kv); ok {
			m[k] = v
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

func expand(s string, m Vars) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
}
