// Package nodename builds the anonymous node names Celery uses as the
// default task origin.
package nodename

import (
	"fmt"
	"os"
)

// DefaultPrefix is used when no prefix is given.
const DefaultPrefix = "gen"

// Resolver produces anonymous node names of the form <prefix><pid>@<hostname>.
// Hostname and PID are injected so the result is deterministic in tests.
type Resolver struct {
	Hostname func() (string, error)
	PID      func() int
}

// System returns a Resolver backed by the running process.
func System() Resolver {
	return Resolver{
		Hostname: os.Hostname,
		PID:      os.Getpid,
	}
}

// Anonymous returns the node name. An empty host triggers a hostname lookup,
// an empty prefix falls back to DefaultPrefix. A failed lookup yields
// "localhost".
func (r Resolver) Anonymous(host, prefix string) string {
	if host == "" {
		host = r.hostname()
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return fmt.Sprintf("%s%d@%s", prefix, r.pid(), host)
}

func (r Resolver) hostname() string {
	if r.Hostname == nil {
		return "localhost"
	}
	name, err := r.Hostname()
	if err != nil || name == "" {
		return "localhost"
	}
	return name
}

func (r Resolver) pid() int {
	if r.PID == nil {
		return 0
	}
	return r.PID()
}
