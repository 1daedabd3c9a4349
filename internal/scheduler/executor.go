package scheduler

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"go.uber.org/zap"

	"github.com/teotikalki/laminar/internal/config"
	"github.com/teotikalki/laminar/internal/logging"
	"github.com/teotikalki/laminar/internal/model"
)

// executeRun walks a run's script sequence on its own goroutine. Each step
// is spawned, its combined output drained to the log fan-out, and its exit
// status reaped, strictly in that order so subscribers observe all bytes
// before the completion event.
func (e *Engine) executeRun(r *Run) {
	defer e.wg.Done()
	for {
		script, env, ok := e.nextStep(r)
		if !ok {
			break
		}
		e.runStep(r, script, env)
	}
	e.runFinished(r)
}

// nextStep pops the next script while the run is still healthy and composes
// the step environment. Params are re-read each step so SetParam during a
// run is visible to later scripts.
func (e *Engine) nextStep(r *Run) (Script, []string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r.State != model.RunRunning || len(r.scripts) == 0 {
		return Script{}, nil, false
	}
	s := r.scripts[0]
	r.scripts = r.scripts[1:]
	env := e.composeEnvLocked(r)
	if s.main {
		// steps popped from here on ran after the job script and see RESULT
		r.mainDone = true
	}
	return s, env, true
}

// composeEnvLocked merges env sources in order: process environment, the
// global/node/job env files, user parameters, then the run's own variables.
func (e *Engine) composeEnvLocked(r *Run) []string {
	merged := make(map[string]string)
	order := make([]string, 0, 16)
	put := func(k, v string) {
		if _, seen := merged[k]; !seen {
			order = append(order, k)
		}
		merged[k] = v
	}

	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				put(kv[:i], kv[i+1:])
				break
			}
		}
	}
	for _, path := range r.envFiles {
		kv, err := config.ParseFile(path)
		if err != nil {
			logging.Warn(context.Background(), "skipping unreadable env file",
				zap.String("file", path), zap.Error(err))
			continue
		}
		for k, v := range kv {
			put(k, v)
		}
	}
	for k, v := range r.Params {
		put(k, v)
	}
	put("JOB", r.Name)
	put("RUN", fmt.Sprintf("%d", r.Build))
	put("WORKSPACE", r.Workspace)
	put("ARCHIVE", r.ArchiveDir)
	put("LAST_RESULT", r.LastResult.String())
	if r.mainDone {
		// the run's own outcome so far, for .after hooks
		res := r.State
		if res == model.RunRunning {
			res = model.RunSuccess
		}
		put("RESULT", res.String())
	}

	env := make([]string, 0, len(order))
	for _, k := range order {
		env = append(env, k+"="+merged[k])
	}
	return env
}

// runStep supervises a single child process.
func (e *Engine) runStep(r *Run, s Script, env []string) {
	ctx := context.Background()

	pr, pw, err := os.Pipe()
	if err != nil {
		e.failStep(r, fmt.Errorf("create pipe: %w", err))
		return
	}

	cmd := exec.Command(s.Path)
	if s.Dir != "" {
		cmd.Dir = s.Dir
	} else {
		cmd.Dir = r.RunDir
	}
	cmd.Env = env
	cmd.Stdout = pw
	cmd.Stderr = pw
	// own process group so abort can signal the whole tree
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	e.mu.Lock()
	if r.State != model.RunRunning {
		e.mu.Unlock()
		pw.Close()
		pr.Close()
		return
	}
	if err := cmd.Start(); err != nil {
		r.State = model.RunFailed
		e.mu.Unlock()
		pw.Close()
		pr.Close()
		logging.Error(ctx, "failed to start script",
			zap.String("script", s.Path), zap.Error(err))
		return
	}
	r.cur = cmd
	e.mu.Unlock()

	// the parent's write end must close so the read loop sees EOF when
	// the child (and its descendants) are done writing
	pw.Close()

	buf := make([]byte, 4096)
	for {
		n, err := pr.Read(buf)
		if n > 0 {
			e.appendLog(r, buf[:n])
		}
		if err != nil {
			break
		}
	}
	pr.Close()

	// drain before reap: all output has been observed by now
	exitCode := 0
	if err := cmd.Wait(); err != nil {
		exitCode = 1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
	}

	e.mu.Lock()
	r.cur = nil
	if r.State == model.RunRunning && exitCode != 0 {
		r.State = model.RunFailed
	}
	e.mu.Unlock()
}

func (e *Engine) failStep(r *Run, err error) {
	logging.Error(context.Background(), "run step setup failed",
		zap.String("job", r.Name), zap.Int("build", r.Build), zap.Error(err))
	e.mu.Lock()
	if r.State == model.RunRunning {
		r.State = model.RunFailed
	}
	e.mu.Unlock()
}

// appendLog appends a chunk to the live buffer and fans it out to every
// matching LOG subscriber. The chunk is copied because the caller reuses
// its buffer.
func (e *Engine) appendLog(r *Run, chunk []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r.logBuf.Write(chunk)
	var copied []byte
	for c := range e.clients {
		if !c.Scope().WantsLog(r.Name, r.Build) {
			continue
		}
		if copied == nil {
			copied = append([]byte(nil), chunk...)
		}
		c.Send(copied)
	}
}
