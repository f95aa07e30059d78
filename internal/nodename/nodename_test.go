package nodename

import (
	"errors"
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func fixed(host string, pid int) Resolver {
	return Resolver{
		Hostname: func() (string, error) { return host, nil },
		PID:      func() int { return pid },
	}
}

func TestAnonymous(t *testing.T) {
	t.Run("uses lookups when no overrides are given", func(t *testing.T) {
		assert.Equal(t, "gen4242@worker-1", fixed("worker-1", 4242).Anonymous("", ""))
	})

	t.Run("host override skips the lookup", func(t *testing.T) {
		r := Resolver{
			Hostname: func() (string, error) {
				t.Fatal("hostname lookup must not run")
				return "", nil
			},
			PID: func() int { return 7 },
		}
		assert.Equal(t, "gen7@example.org", r.Anonymous("example.org", ""))
	})

	t.Run("prefix override", func(t *testing.T) {
		assert.Equal(t, "celery12@box", fixed("box", 12).Anonymous("", "celery"))
	})

	t.Run("failed lookup falls back to localhost", func(t *testing.T) {
		r := Resolver{
			Hostname: func() (string, error) { return "", errors.New("no hostname") },
			PID:      func() int { return 1 },
		}
		assert.Equal(t, "gen1@localhost", r.Anonymous("", ""))
	})

	t.Run("zero resolver is usable", func(t *testing.T) {
		assert.Equal(t, "gen0@localhost", Resolver{}.Anonymous("", ""))
	})

	t.Run("system resolver reports this process", func(t *testing.T) {
		name := System().Anonymous("host", "p")
		assert.Equal(t, "p"+strconv.Itoa(os.Getpid())+"@host", name)
	})
}
