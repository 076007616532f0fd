package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type recordingSystem struct {
	name  string
	phase Phase
	log   *[]string
}

func (s recordingSystem) Phase() Phase { return s.phase }

func (s recordingSystem) Update(time.Duration) { *s.log = append(*s.log, s.name) }

func TestRunner_PhaseOrder(t *testing.T) {
	var log []string
	r := NewRunner()
	r.Register(recordingSystem{"flush", PhaseOutput, &log})
	r.Register(recordingSystem{"tick", PhaseUpdate, &log})
	r.Register(recordingSystem{"read", PhaseInput, &log})
	r.Register(recordingSystem{"sweep", PhaseInput, &log})

	r.Tick(time.Millisecond)
	assert.Equal(t, []string{"read", "sweep", "tick", "flush"}, log)
	assert.Equal(t, 4, r.Len())
}

func TestRunner_FlushRunsOnlyOutput(t *testing.T) {
	var log []string
	r := NewRunner()
	r.Register(recordingSystem{"flush-b", PhaseOutput, &log})
	r.Register(recordingSystem{"tick", PhaseUpdate, &log})
	r.Register(recordingSystem{"read", PhaseInput, &log})
	r.Register(recordingSystem{"flush-a", PhaseOutput, &log})

	r.Flush(time.Millisecond)
	assert.Equal(t, []string{"flush-b", "flush-a"}, log)
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "output", PhaseOutput.String())
	assert.Equal(t, "unknown", Phase(42).String())
}
