package scheduler

import (
	"os"
	"path/filepath"
	"testing"
)

// With keepN=1, finishing build N leaves only rundir N on disk; archive
// directories survive every sweep.
func TestRetentionKeepsRecentRundirs(t *testing.T) {
	e, _ := newTestEngine(t, 1)
	writeScript(t, filepath.Join(e.jobsDir(), "r.run"), "#!/bin/sh\ntrue\n")

	for i := 1; i <= 3; i++ {
		r, err := e.QueueJob("r", nil)
		if err != nil {
			t.Fatal(err)
		}
		waitClosed(t, r.Finished(), "completion")
	}

	if _, err := os.Stat(e.runDir("r", 3)); err != nil {
		t.Fatal("rundir of the newest build must survive")
	}
	for i := 1; i <= 2; i++ {
		if _, err := os.Stat(e.runDir("r", i)); err == nil {
			t.Fatalf("rundir %d should have been swept", i)
		}
	}
	for i := 1; i <= 3; i++ {
		if _, err := os.Stat(e.archiveDir("r", i)); err != nil {
			t.Fatalf("archive dir %d must never be swept", i)
		}
	}
}

// With keepN=0 every rundir not in use is removed after completion.
func TestRetentionRemovesAllByDefault(t *testing.T) {
	e, _ := newTestEngine(t, 0)
	writeScript(t, filepath.Join(e.jobsDir(), "r.run"), "#!/bin/sh\ntrue\n")

	r, err := e.QueueJob("r", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitClosed(t, r.Finished(), "completion")

	if _, err := os.Stat(e.runDir("r", 1)); err == nil {
		t.Fatal("rundir should be removed with keepN=0")
	}
	if _, err := os.Stat(e.workspaceDir("r")); err != nil {
		t.Fatal("workspace must survive the sweep")
	}
}

// Rundirs of still-active older builds are never swept by a newer build's
// completion.
func TestRetentionSparesActiveRuns(t *testing.T) {
	e, home := newTestEngine(t, 0)
	gate := filepath.Join(home, "gate")
	writeConf(t, filepath.Join(e.nodesDir(), "n.conf"), "EXECUTORS=2\n")
	e.NotifyConfigChanged()

	// build 1 blocks; build 2 finishes first
	writeScript(t, filepath.Join(e.jobsDir(), "r.run"),
		"#!/bin/sh\nif [ \"$RUN\" = \"1\" ]; then while [ ! -e "+gate+" ]; do sleep 0.05; done; fi\n")

	r1, err := e.QueueJob("r", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitClosed(t, r1.Started(), "first admission")
	r2, err := e.QueueJob("r", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitClosed(t, r2.Finished(), "second completion")

	if _, err := os.Stat(e.runDir("r", 1)); err != nil {
		t.Fatal("active build's rundir must not be swept")
	}

	unblock(t, gate)
	waitClosed(t, r1.Finished(), "first completion")
	if _, err := os.Stat(e.runDir("r", 1)); err == nil {
		t.Fatal("rundir 1 should be swept once its run finished")
	}
}
