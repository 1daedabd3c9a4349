package scheduler

import (
	"time"

	"github.com/teotikalki/laminar/internal/dao"
	"github.com/teotikalki/laminar/internal/model"
)

// sendStatusLocked delivers the initial status snapshot for a freshly
// registered subscriber. LOG scopes are streamed by the transport layer.
func (e *Engine) sendStatusLocked(c Client) {
	s := c.Scope()
	var data map[string]any
	switch s.Type {
	case ScopeLog:
		return
	case ScopeRun:
		data = e.runStatusLocked(s)
	case ScopeJob:
		data = e.jobStatusLocked(s)
	case ScopeAll:
		data = e.allStatusLocked()
	default:
		data = e.homeStatusLocked()
	}
	c.Send(e.envelope("status", data))
}

func (e *Engine) runStatusLocked(s MonitorScope) map[string]any {
	data := make(map[string]any)
	if row, ok := e.dao.Get(s.Job, s.Num); ok {
		data["queued"] = row.StartedAt - row.QueuedAt
		data["started"] = row.StartedAt
		data["completed"] = row.CompletedAt
		data["result"] = model.RunState(row.Result).String()
		data["reason"] = row.Reason
	}
	if r, ok := e.activeByKey[runKey{s.Job, s.Num}]; ok {
		data["queued"] = r.StartedAt - r.QueuedAt
		data["started"] = r.StartedAt
		data["reason"] = r.Reason()
		data["result"] = model.RunRunning.String()
		if dur, ok := e.dao.LastDuration(s.Job); ok {
			data["etc"] = r.StartedAt + dur
		}
	}
	data["latestNum"] = e.buildNums[s.Job]
	data["artifacts"] = e.listArtifacts(s.Job, s.Num)
	return data
}

func (e *Engine) jobStatusLocked(s MonitorScope) map[string]any {
	data := make(map[string]any)

	recent := []map[string]any{}
	rows, err := e.dao.JobPage(s.Job, s.Page, s.Field, s.OrderDesc)
	if err == nil {
		for _, row := range rows {
			recent = append(recent, map[string]any{
				"number":    row.Number,
				"completed": row.CompletedAt,
				"started":   row.StartedAt,
				"result":    model.RunState(row.Result).String(),
				"reason":    row.Reason,
			})
		}
	}
	data["recent"] = recent

	if n, err := e.dao.CountForJob(s.Job); err == nil {
		pages := (n - 1) / dao.RunsPerPage
		data["pages"] = pages + 1
	}
	order := "asc"
	if s.OrderDesc {
		order = "dsc"
	}
	data["sort"] = map[string]any{
		"page":  s.Page,
		"field": s.Field,
		"order": order,
	}

	running := []map[string]any{}
	for _, r := range e.active {
		if r.Name != s.Job {
			continue
		}
		running = append(running, map[string]any{
			"number":  r.Build,
			"node":    r.Node.Name,
			"started": r.StartedAt,
			"result":  model.RunRunning.String(),
			"reason":  r.Reason(),
		})
	}
	data["running"] = running

	nQueued := 0
	for _, r := range e.queue {
		if r.Name == s.Job {
			nQueued++
		}
	}
	data["nQueued"] = nQueued

	if ref, ok := e.dao.LastSuccess(s.Job); ok {
		data["lastSuccess"] = map[string]any{"number": ref.Number, "started": ref.StartedAt}
	}
	if ref, ok := e.dao.LastFailed(s.Job); ok {
		data["lastFailed"] = map[string]any{"number": ref.Number, "started": ref.StartedAt}
	}
	return data
}

func (e *Engine) allStatusLocked() map[string]any {
	data := make(map[string]any)

	jobs := []map[string]any{}
	if summaries, err := e.dao.JobsSummary(); err == nil {
		for _, s := range summaries {
			jobs = append(jobs, map[string]any{
				"name":      s.Name,
				"number":    s.Number,
				"result":    model.RunState(s.Result).String(),
				"started":   s.StartedAt,
				"completed": s.CompletedAt,
				"tags":      e.tagListLocked(s.Name),
			})
		}
	}
	data["jobs"] = jobs

	running := []map[string]any{}
	for _, r := range e.active {
		running = append(running, map[string]any{
			"name":    r.Name,
			"number":  r.Build,
			"node":    r.Node.Name,
			"started": r.StartedAt,
			"tags":    e.tagListLocked(r.Name),
		})
	}
	data["running"] = running
	return data
}

func (e *Engine) homeStatusLocked() map[string]any {
	data := make(map[string]any)
	now := time.Now()

	recent := []map[string]any{}
	if rows, err := e.dao.Recent(15); err == nil {
		for _, row := range rows {
			recent = append(recent, map[string]any{
				"name":      row.Name,
				"number":    row.Number,
				"node":      row.Node,
				"started":   row.StartedAt,
				"completed": row.CompletedAt,
				"result":    model.RunState(row.Result).String(),
			})
		}
	}
	data["recent"] = recent

	running := []map[string]any{}
	for _, r := range e.active {
		entry := map[string]any{
			"name":    r.Name,
			"number":  r.Build,
			"node":    r.Node.Name,
			"started": r.StartedAt,
		}
		if dur, ok := e.dao.LastDuration(r.Name); ok {
			entry["etc"] = r.StartedAt + dur
		}
		running = append(running, entry)
	}
	data["running"] = running

	queued := []map[string]any{}
	for _, r := range e.queue {
		queued = append(queued, map[string]any{"name": r.Name})
	}
	data["queued"] = queued

	execTotal, execBusy := 0, 0
	for _, name := range e.nodeOrder {
		execTotal += e.nodes[name].Executors
		execBusy += e.nodes[name].Busy
	}
	data["executorsTotal"] = execTotal
	data["executorsBusy"] = execBusy

	if days, err := e.dao.BuildsPerDay(now); err == nil {
		data["buildsPerDay"] = days
	}
	if per, err := e.dao.BuildsPerJob(now); err == nil {
		data["buildsPerJob"] = per
	}
	if per, err := e.dao.TimePerJob(now); err == nil {
		data["timePerJob"] = per
	}
	return data
}
