package scheduler

import (
	"path/filepath"
	"testing"

	"github.com/teotikalki/laminar/internal/model"
)

// Steps run in hook order and their output is concatenated in production
// order.
func TestStepOrdering(t *testing.T) {
	e, _ := newTestEngine(t, 0)
	cfg := e.cfgDir()
	writeScript(t, filepath.Join(cfg, "before"), "#!/bin/sh\necho global-before\n")
	writeScript(t, filepath.Join(cfg, "jobs", "steps.before"), "#!/bin/sh\necho job-before\n")
	writeScript(t, filepath.Join(cfg, "jobs", "steps.run"), "#!/bin/sh\necho main\n")
	writeScript(t, filepath.Join(cfg, "jobs", "steps.after"), "#!/bin/sh\necho job-after\n")
	writeScript(t, filepath.Join(cfg, "after"), "#!/bin/sh\necho global-after\n")

	r, err := e.QueueJob("steps", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitClosed(t, r.Finished(), "completion")
	if r.State != model.RunSuccess {
		t.Fatalf("result = %s", r.State)
	}

	log, found, err := e.dao.Log("steps", 1)
	if err != nil || !found {
		t.Fatalf("log fetch: found=%v err=%v", found, err)
	}
	want := "global-before\njob-before\nmain\njob-after\nglobal-after\n"
	if string(log) != want {
		t.Fatalf("log = %q, want %q", log, want)
	}
}

// A failing step suppresses all later steps and fails the run.
func TestFailingStepStopsRun(t *testing.T) {
	e, _ := newTestEngine(t, 0)
	cfg := e.cfgDir()
	writeScript(t, filepath.Join(cfg, "jobs", "bad.before"), "#!/bin/sh\necho first\n")
	writeScript(t, filepath.Join(cfg, "jobs", "bad.run"), "#!/bin/sh\necho boom\nexit 3\n")
	writeScript(t, filepath.Join(cfg, "jobs", "bad.after"), "#!/bin/sh\necho never\n")

	r, err := e.QueueJob("bad", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitClosed(t, r.Finished(), "completion")
	if r.State != model.RunFailed {
		t.Fatalf("result = %s", r.State)
	}

	log, found, err := e.dao.Log("bad", 1)
	if err != nil || !found {
		t.Fatalf("log fetch: found=%v err=%v", found, err)
	}
	if string(log) != "first\nboom\n" {
		t.Fatalf("log = %q", log)
	}
}

// Env files merge in order with later sources overriding earlier ones, and
// the run's own variables are always present.
func TestEnvComposition(t *testing.T) {
	e, _ := newTestEngine(t, 0)
	cfg := e.cfgDir()
	writeConf(t, filepath.Join(cfg, "env"), "FOO=global\nONLY_GLOBAL=g\n")
	writeConf(t, filepath.Join(cfg, "jobs", "env.env"), "FOO=job\nBAR=b\n")
	writeScript(t, filepath.Join(cfg, "jobs", "env.run"),
		"#!/bin/sh\nprintf '%s %s %s %s %s %s\\n' \"$FOO\" \"$ONLY_GLOBAL\" \"$BAR\" \"$BAZ\" \"$JOB\" \"$RUN\"\n")

	r, err := e.QueueJob("env", map[string]string{"BAZ": "param"})
	if err != nil {
		t.Fatal(err)
	}
	waitClosed(t, r.Finished(), "completion")

	log, found, err := e.dao.Log("env", 1)
	if err != nil || !found {
		t.Fatalf("log fetch: found=%v err=%v", found, err)
	}
	if string(log) != "job g b param env 1\n" {
		t.Fatalf("env composition produced %q", log)
	}
}

// A fresh workspace runs the init script first, inside the workspace; later
// builds of the job skip it.
func TestWorkspaceInitRunsOnce(t *testing.T) {
	e, _ := newTestEngine(t, 5)
	cfg := e.cfgDir()
	writeScript(t, filepath.Join(cfg, "jobs", "ws.init"), "#!/bin/sh\npwd\n")
	writeScript(t, filepath.Join(cfg, "jobs", "ws.run"), "#!/bin/sh\necho ran\n")

	r1, err := e.QueueJob("ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitClosed(t, r1.Finished(), "first completion")

	log, _, err := e.dao.Log("ws", 1)
	if err != nil {
		t.Fatal(err)
	}
	want := e.workspaceDir("ws") + "\nran\n"
	if string(log) != want {
		t.Fatalf("first build log = %q, want %q", log, want)
	}

	r2, err := e.QueueJob("ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitClosed(t, r2.Finished(), "second completion")
	log, _, err = e.dao.Log("ws", 2)
	if err != nil {
		t.Fatal(err)
	}
	if string(log) != "ran\n" {
		t.Fatalf("second build must skip init, log = %q", log)
	}
}

// Scripts run with the run directory as the default working directory.
func TestStepsRunInRunDir(t *testing.T) {
	e, _ := newTestEngine(t, 5)
	writeScript(t, filepath.Join(e.jobsDir(), "cwd.run"), "#!/bin/sh\npwd\n")

	r, err := e.QueueJob("cwd", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitClosed(t, r.Finished(), "completion")

	log, _, err := e.dao.Log("cwd", 1)
	if err != nil {
		t.Fatal(err)
	}
	if string(log) != e.runDir("cwd", 1)+"\n" {
		t.Fatalf("cwd = %q, want %q", log, e.runDir("cwd", 1))
	}
}

// RESULT is unset for the job script itself and reflects the run's outcome
// for hooks that run after it.
func TestResultExposedToAfterScripts(t *testing.T) {
	e, _ := newTestEngine(t, 0)
	cfg := e.cfgDir()
	writeScript(t, filepath.Join(cfg, "jobs", "res.before"),
		"#!/bin/sh\nprintf 'before=%s\\n' \"${RESULT-unset}\"\n")
	writeScript(t, filepath.Join(cfg, "jobs", "res.run"),
		"#!/bin/sh\nprintf 'run=%s\\n' \"${RESULT-unset}\"\n")
	writeScript(t, filepath.Join(cfg, "jobs", "res.after"),
		"#!/bin/sh\nprintf 'after=%s\\n' \"$RESULT\"\n")

	r, err := e.QueueJob("res", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitClosed(t, r.Finished(), "completion")
	if r.State != model.RunSuccess {
		t.Fatalf("result = %s", r.State)
	}

	log, found, err := e.dao.Log("res", 1)
	if err != nil || !found {
		t.Fatalf("log fetch: found=%v err=%v", found, err)
	}
	want := "before=unset\nrun=unset\nafter=success\n"
	if string(log) != want {
		t.Fatalf("log = %q, want %q", log, want)
	}
}

// Explicit abort signals the child and records ABORTED.
func TestExplicitAbort(t *testing.T) {
	e, _ := newTestEngine(t, 0)
	writeScript(t, filepath.Join(e.jobsDir(), "stuck.run"), "#!/bin/sh\nsleep 30\n")

	r, err := e.QueueJob("stuck", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitClosed(t, r.Started(), "admission")
	if !e.AbortRun("stuck", 1) {
		t.Fatal("abort of an active run must succeed")
	}
	waitClosed(t, r.Finished(), "completion")
	if r.State != model.RunAborted {
		t.Fatalf("result = %s", r.State)
	}
	if e.AbortRun("stuck", 1) {
		t.Fatal("abort of a finished run must fail")
	}
}
