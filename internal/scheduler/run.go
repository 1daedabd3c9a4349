package scheduler

import (
	"bytes"
	"os/exec"
	"time"

	"github.com/teotikalki/laminar/internal/model"
)

// Script is one step of a run: an executable plus an optional working
// directory overriding the run directory. main marks the mandatory job
// script; steps after it see the RESULT environment variable.
type Script struct {
	Path string
	Dir  string
	main bool
}

// Run is the state of one build attempt. All mutable fields are owned by
// the engine and accessed with its lock held; the two signal channels are
// closed exactly once and may be waited on without the lock.
type Run struct {
	Name  string
	Build int
	Node  *Node

	QueuedAt    int64
	StartedAt   int64
	CompletedAt int64

	Params      map[string]string
	ParentJob   string
	ParentBuild int
	ReasonMsg   string

	scripts  []Script // remaining steps, consumed front to back
	envFiles []string

	Workspace  string
	RunDir     string
	ArchiveDir string

	logBuf     bytes.Buffer
	LastResult model.RunState
	State      model.RunState
	mainDone   bool

	cur     *exec.Cmd   // currently executing child, nil between steps
	timeout *time.Timer // armed when the job has TIMEOUT configured

	startedCh  chan struct{}
	finishedCh chan struct{}
}

func newRun(name string, params map[string]string) *Run {
	return &Run{
		Name:       name,
		QueuedAt:   time.Now().Unix(),
		Params:     params,
		State:      model.RunQueued,
		startedCh:  make(chan struct{}),
		finishedCh: make(chan struct{}),
	}
}

// Started is closed when the run is admitted onto a node (or dropped).
func (r *Run) Started() <-chan struct{} { return r.startedCh }

// Finished is closed when the run reaches a terminal state (or is dropped).
// After it is closed, State may be read without the engine lock.
func (r *Run) Finished() <-chan struct{} { return r.finishedCh }

// Reason is the human-readable cause recorded with the build.
func (r *Run) Reason() string { return r.ReasonMsg }

func (r *Run) addScript(path, dir string) {
	r.scripts = append(r.scripts, Script{Path: path, Dir: dir})
}

func (r *Run) addMainScript(path string) {
	r.scripts = append(r.scripts, Script{Path: path, main: true})
}

func (r *Run) addEnvFile(path string) {
	r.envFiles = append(r.envFiles, path)
}
