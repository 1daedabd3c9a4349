package scheduler

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/teotikalki/laminar/internal/model"
)

func initialStatus(t *testing.T, c *recClient) map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.msgs) == 0 {
		t.Fatal("no initial status received")
	}
	var env struct {
		Type  string         `json:"type"`
		Title string         `json:"title"`
		Time  int64          `json:"time"`
		Data  map[string]any `json:"data"`
	}
	if err := json.Unmarshal(c.msgs[0], &env); err != nil {
		t.Fatalf("bad status message: %v", err)
	}
	if env.Type != "status" {
		t.Fatalf("first message type = %q", env.Type)
	}
	if env.Title != "Laminar" || env.Time == 0 {
		t.Fatalf("envelope title=%q time=%d", env.Title, env.Time)
	}
	return env.Data
}

func TestHomeStatusShape(t *testing.T) {
	e, home := newTestEngine(t, 0)
	writeConf(t, filepath.Join(e.nodesDir(), "n.conf"), "EXECUTORS=1\n")
	e.NotifyConfigChanged()

	gate := filepath.Join(home, "gate")
	writeScript(t, filepath.Join(e.jobsDir(), "busy.run"), blockerScript(gate))

	r1, err := e.QueueJob("busy", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitClosed(t, r1.Started(), "admission")
	r2, err := e.QueueJob("busy", nil)
	if err != nil {
		t.Fatal(err)
	}

	c := &recClient{scope: MonitorScope{Type: ScopeHome}}
	e.RegisterClient(c)
	data := initialStatus(t, c)

	if n := len(data["running"].([]any)); n != 1 {
		t.Fatalf("running = %d entries", n)
	}
	if n := len(data["queued"].([]any)); n != 1 {
		t.Fatalf("queued = %d entries", n)
	}
	if data["executorsTotal"].(float64) != 1 || data["executorsBusy"].(float64) != 1 {
		t.Fatalf("executors %v/%v", data["executorsBusy"], data["executorsTotal"])
	}
	if days := data["buildsPerDay"].([]any); len(days) != 7 {
		t.Fatalf("buildsPerDay = %d entries", len(days))
	}

	unblock(t, gate)
	waitClosed(t, r1.Finished(), "first completion")
	waitClosed(t, r2.Finished(), "second completion")
}

func TestJobStatusShape(t *testing.T) {
	e, _ := newTestEngine(t, 0)
	writeScript(t, filepath.Join(e.jobsDir(), "j.run"), "#!/bin/sh\ntrue\n")
	for i := 0; i < 2; i++ {
		r, err := e.QueueJob("j", nil)
		if err != nil {
			t.Fatal(err)
		}
		waitClosed(t, r.Finished(), "completion")
	}

	c := &recClient{scope: MonitorScope{Type: ScopeJob, Job: "j", Field: "number", OrderDesc: true}}
	e.RegisterClient(c)
	data := initialStatus(t, c)

	recent := data["recent"].([]any)
	if len(recent) != 2 {
		t.Fatalf("recent = %d entries", len(recent))
	}
	first := recent[0].(map[string]any)
	if first["number"].(float64) != 2 {
		t.Fatalf("descending sort broken: first number = %v", first["number"])
	}
	if data["pages"].(float64) != 1 {
		t.Fatalf("pages = %v", data["pages"])
	}
	sortInfo := data["sort"].(map[string]any)
	if sortInfo["order"] != "dsc" || sortInfo["field"] != "number" {
		t.Fatalf("sort = %v", sortInfo)
	}
	if data["nQueued"].(float64) != 0 {
		t.Fatalf("nQueued = %v", data["nQueued"])
	}
	if _, ok := data["lastSuccess"]; !ok {
		t.Fatal("missing lastSuccess")
	}
	if _, ok := data["lastFailed"]; ok {
		t.Fatal("lastFailed reported with no failures")
	}
}

func TestRunStatusShape(t *testing.T) {
	e, _ := newTestEngine(t, 0)
	writeScript(t, filepath.Join(e.jobsDir(), "j.run"), "#!/bin/sh\ntrue\n")
	r, err := e.QueueJob("j", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitClosed(t, r.Finished(), "completion")

	c := &recClient{scope: MonitorScope{Type: ScopeRun, Job: "j", Num: 1}}
	e.RegisterClient(c)
	data := initialStatus(t, c)

	if data["result"] != model.RunSuccess.String() {
		t.Fatalf("result = %v", data["result"])
	}
	if data["latestNum"].(float64) != 1 {
		t.Fatalf("latestNum = %v", data["latestNum"])
	}
	if _, ok := data["artifacts"]; !ok {
		t.Fatal("missing artifacts array")
	}
}

func TestAllStatusShape(t *testing.T) {
	e, _ := newTestEngine(t, 0)
	writeScript(t, filepath.Join(e.jobsDir(), "j.run"), "#!/bin/sh\ntrue\n")
	writeConf(t, filepath.Join(e.jobsDir(), "j.conf"), "TAGS=linux\n")
	e.NotifyConfigChanged()

	r, err := e.QueueJob("j", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitClosed(t, r.Finished(), "completion")

	c := &recClient{scope: MonitorScope{Type: ScopeAll}}
	e.RegisterClient(c)
	data := initialStatus(t, c)

	jobs := data["jobs"].([]any)
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d entries", len(jobs))
	}
	job := jobs[0].(map[string]any)
	if job["name"] != "j" || job["result"] != "success" {
		t.Fatalf("job summary = %v", job)
	}
	tags := job["tags"].([]any)
	if len(tags) != 1 || tags[0] != "linux" {
		t.Fatalf("tags = %v", tags)
	}
}
