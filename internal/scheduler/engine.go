package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/teotikalki/laminar/internal/config"
	"github.com/teotikalki/laminar/internal/dao"
	"github.com/teotikalki/laminar/internal/logging"
	"github.com/teotikalki/laminar/internal/metrics"
	"github.com/teotikalki/laminar/internal/model"
)

// Engine is the job scheduler and run lifecycle engine. All scheduler state
// lives behind one mutex; parallelism comes from child processes, never from
// concurrent mutation of this state.
type Engine struct {
	mu  sync.Mutex
	st  *config.Settings
	dao dao.BuildDao
	met *metrics.Metrics

	nodes     map[string]*Node
	nodeOrder []string // registry iteration order (sorted by name)
	jobTags   map[string]map[string]struct{}

	queue       []*Run
	active      []*Run // in start order
	activeByKey map[runKey]*Run

	buildNums map[string]int

	clients map[Client]struct{}
	waiters map[Waiter]struct{}

	wg sync.WaitGroup
}

type runKey struct {
	name string
	num  int
}

// New constructs the engine, primes the per-job build counters from
// persisted history and performs the initial configuration load.
func New(st *config.Settings, buildDao dao.BuildDao, met *metrics.Metrics) (*Engine, error) {
	nums, err := buildDao.MaxBuildNums()
	if err != nil {
		return nil, fmt.Errorf("load build numbers: %w", err)
	}
	e := &Engine{
		st:          st,
		dao:         buildDao,
		met:         met,
		nodes:       make(map[string]*Node),
		jobTags:     make(map[string]map[string]struct{}),
		activeByKey: make(map[runKey]*Run),
		buildNums:   nums,
		clients:     make(map[Client]struct{}),
		waiters:     make(map[Waiter]struct{}),
	}
	e.mu.Lock()
	e.loadConfigurationLocked()
	e.mu.Unlock()
	return e, nil
}

func (e *Engine) cfgDir() string   { return filepath.Join(e.st.Home, "cfg") }
func (e *Engine) jobsDir() string  { return filepath.Join(e.st.Home, "cfg", "jobs") }
func (e *Engine) nodesDir() string { return filepath.Join(e.st.Home, "cfg", "nodes") }
func (e *Engine) workspaceDir(job string) string {
	return filepath.Join(e.st.Home, "run", job, "workspace")
}
func (e *Engine) runDir(job string, num int) string {
	return filepath.Join(e.st.Home, "run", job, strconv.Itoa(num))
}
func (e *Engine) archiveDir(job string, num int) string {
	return filepath.Join(e.st.Home, "archive", job, strconv.Itoa(num))
}

// Home exposes the configured home directory (artifact serving needs it).
func (e *Engine) Home() string { return e.st.Home }

// Title exposes the configured server title.
func (e *Engine) Title() string { return e.st.Title }

// ---- subscribers & waiters ----

// RegisterClient adds a status subscriber and sends it the initial status
// snapshot for its scope. LOG-scope clients must use AttachLogClient.
func (e *Engine) RegisterClient(c Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clients[c] = struct{}{}
	e.sendStatusLocked(c)
}

func (e *Engine) DeregisterClient(c Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.clients, c)
}

func (e *Engine) RegisterWaiter(w Waiter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.waiters[w] = struct{}{}
}

func (e *Engine) DeregisterWaiter(w Waiter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.waiters, w)
}

// AttachLogClient subscribes a LOG-scope client to a currently active run.
// It returns a snapshot of the log produced so far and whether the run is
// live; when it is not, the caller should fall back to stored history.
func (e *Engine) AttachLogClient(c Client) ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := c.Scope()
	r, ok := e.activeByKey[runKey{s.Job, s.Num}]
	if !ok {
		return nil, false
	}
	snapshot := append([]byte(nil), r.logBuf.Bytes()...)
	e.clients[c] = struct{}{}
	return snapshot, true
}

// ---- queueing & admission ----

// QueueJob validates the job, extracts reserved parameters, appends the run
// to the queue and triggers admission. The returned run exposes Started and
// Finished signals for callers that want to wait.
func (e *Engine) QueueJob(name string, params map[string]string) (*Run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := os.Stat(filepath.Join(e.jobsDir(), name+".run")); err != nil {
		logging.Error(context.Background(), "non-existent job", zap.String("job", name))
		return nil, fmt.Errorf("unknown job %q", name)
	}

	if params == nil {
		params = make(map[string]string)
	}
	r := newRun(name, params)
	for k, v := range params {
		if !strings.HasPrefix(k, "=") {
			continue
		}
		switch k {
		case "=parentJob":
			r.ParentJob = v
		case "=parentBuild":
			n, _ := strconv.Atoi(v)
			r.ParentBuild = n
		case "=reason":
			r.ReasonMsg = v
		default:
			logging.Error(context.Background(), "unknown internal job parameter", zap.String("param", k))
		}
		delete(params, k)
	}
	e.queue = append(e.queue, r)

	msg := e.envelope("job_queued", map[string]any{"name": name})
	for c := range e.clients {
		if c.Scope().WantsStatus(name, 0) {
			c.Send(msg)
		}
	}

	e.assignNewJobsLocked()
	return r, nil
}

// assignNewJobsLocked walks the queue head to tail and starts every run some
// node will accept. A run whose head-of-line cannot be placed does not block
// later entries.
func (e *Engine) assignNewJobsLocked() {
	i := 0
	for i < len(e.queue) {
		r := e.queue[i]
		started, dropped := e.tryStartRunLocked(r, i)
		if started || dropped {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			continue
		}
		i++
	}
}

// tryStartRunLocked attempts to admit one queued run. It returns
// (started, dropped); a run is dropped only on an unrecoverable startup
// failure (the run directory could not be created), in which case its
// signals are completed so nobody waits forever.
func (e *Engine) tryStartRunLocked(r *Run, queueIndex int) (bool, bool) {
	ctx := context.Background()
	for _, name := range e.nodeOrder {
		node := e.nodes[name]
		if !node.canQueue(e.jobTags[r.Name]) {
			continue
		}

		cfg := e.cfgDir()

		// per-job workspace, created once and reused by all builds
		ws := e.workspaceDir(r.Name)
		if _, err := os.Stat(ws); err != nil {
			if err := os.MkdirAll(ws, 0o777); err != nil {
				logging.Error(ctx, "could not create job workspace",
					zap.String("job", r.Name), zap.Error(err))
				return false, false
			}
			// a fresh workspace runs the init script first
			if init := filepath.Join(cfg, "jobs", r.Name+".init"); fileExists(init) {
				r.addScript(init, ws)
			}
		}

		num := e.buildNums[r.Name] + 1

		rd := e.runDir(r.Name, num)
		if dirExists(rd) {
			logging.Warn(ctx, "working directory already exists, removing", zap.String("dir", rd))
			if err := os.RemoveAll(rd); err != nil {
				logging.Warn(ctx, "failed to remove working directory", zap.Error(err))
			}
		}
		if !dirExists(rd) {
			if err := os.Mkdir(rd, 0o777); err != nil {
				logging.Error(ctx, "could not create working directory",
					zap.String("dir", rd), zap.Error(err))
				e.dropRunLocked(r)
				return false, true
			}
		}

		archive := e.archiveDir(r.Name, num)
		if dirExists(archive) {
			logging.Warn(ctx, "archive directory already exists", zap.String("dir", archive))
		} else if err := os.MkdirAll(archive, 0o777); err != nil {
			logging.Error(ctx, "could not create archive directory",
				zap.String("dir", archive), zap.Error(err))
			return false, false
		}

		// script sequence: global, node and job hooks around the
		// mandatory run script
		if p := filepath.Join(cfg, "before"); fileExists(p) {
			r.addScript(p, "")
		}
		if p := filepath.Join(cfg, "nodes", node.Name+".before"); fileExists(p) {
			r.addScript(p, "")
		}
		if p := filepath.Join(cfg, "jobs", r.Name+".before"); fileExists(p) {
			r.addScript(p, "")
		}
		r.addMainScript(filepath.Join(cfg, "jobs", r.Name+".run"))
		if p := filepath.Join(cfg, "jobs", r.Name+".after"); fileExists(p) {
			r.addScript(p, "")
		}
		if p := filepath.Join(cfg, "nodes", node.Name+".after"); fileExists(p) {
			r.addScript(p, "")
		}
		if p := filepath.Join(cfg, "after"); fileExists(p) {
			r.addScript(p, "")
		}

		if p := filepath.Join(cfg, "env"); fileExists(p) {
			r.addEnvFile(p)
		}
		if p := filepath.Join(cfg, "nodes", node.Name+".env"); fileExists(p) {
			r.addEnvFile(p)
		}
		if p := filepath.Join(cfg, "jobs", r.Name+".env"); fileExists(p) {
			r.addEnvFile(p)
		}

		if conf := filepath.Join(cfg, "jobs", r.Name+".conf"); fileExists(conf) {
			kv, err := config.ParseFile(conf)
			if err == nil {
				if timeout := kv.GetInt("TIMEOUT", 0); timeout > 0 {
					r.timeout = time.AfterFunc(time.Duration(timeout)*time.Second, func() {
						e.mu.Lock()
						e.abortLocked(r)
						e.mu.Unlock()
					})
				}
			}
		}

		node.Busy++
		r.Node = node
		r.StartedAt = time.Now().Unix()
		r.Build = num
		r.State = model.RunRunning
		r.Workspace = ws
		r.RunDir = rd
		r.ArchiveDir = archive
		if last, ok := e.dao.LatestResult(r.Name); ok {
			r.LastResult = last
		}
		e.buildNums[r.Name] = num

		logging.Info(ctx, "queued job to node", zap.String("job", r.Name),
			zap.Int("build", r.Build), zap.String("node", node.Name))

		data := map[string]any{
			"queueIndex": queueIndex,
			"name":       r.Name,
			"queued":     r.StartedAt - r.QueuedAt,
			"started":    r.StartedAt,
			"number":     r.Build,
			"reason":     r.Reason(),
			"tags":       e.tagListLocked(r.Name),
		}
		if dur, ok := e.dao.LastDuration(r.Name); ok {
			data["etc"] = time.Now().Unix() + dur
		}
		msg := e.envelope("job_started", data)
		for c := range e.clients {
			s := c.Scope()
			// a RUN-scope page also learns that a newer build of the
			// same job exists
			if s.WantsStatus(r.Name, r.Build) || (s.Type == ScopeRun && s.Job == r.Name) {
				c.Send(msg)
			}
		}

		close(r.startedCh)

		e.active = append(e.active, r)
		e.activeByKey[runKey{r.Name, r.Build}] = r

		e.wg.Add(1)
		go e.executeRun(r)
		return true, false
	}
	return false, false
}

// dropRunLocked abandons a run that never started: no builds row, no
// job_completed event, but both signals complete so RPC callers unblock.
func (e *Engine) dropRunLocked(r *Run) {
	r.State = model.RunUnknown
	close(r.startedCh)
	close(r.finishedCh)
}

// ---- terminal transition ----

func (e *Engine) runFinished(r *Run) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if r.State == model.RunRunning {
		r.State = model.RunSuccess
	}
	r.CompletedAt = time.Now().Unix()
	r.Node.Busy--
	if r.timeout != nil {
		r.timeout.Stop()
	}

	logging.Info(context.Background(), "run completed",
		zap.String("job", r.Name), zap.Int("build", r.Build),
		zap.String("result", r.State.String()))

	if err := e.dao.Insert(r.Name, r.Build, r.Node.Name, r.QueuedAt, r.StartedAt,
		r.CompletedAt, r.State, r.logBuf.Bytes(), r.ParentJob, r.ParentBuild,
		r.Reason()); err != nil {
		logging.Error(context.Background(), "persist build failed", zap.Error(err))
	}
	if e.met != nil {
		e.met.BuildCompleted(r.State.String())
	}

	data := map[string]any{
		"name":      r.Name,
		"number":    r.Build,
		"queued":    r.StartedAt - r.QueuedAt,
		"completed": r.CompletedAt,
		"started":   r.StartedAt,
		"result":    r.State.String(),
		"reason":    r.Reason(),
		"tags":      e.tagListLocked(r.Name),
		"artifacts": e.listArtifacts(r.Name, r.Build),
	}
	msg := e.envelope("job_completed", data)
	for c := range e.clients {
		s := c.Scope()
		if s.WantsStatus(r.Name, r.Build) {
			c.Send(msg)
		}
		if s.WantsLog(r.Name, r.Build) {
			if lc, ok := c.(LogCloser); ok {
				lc.LogFinished()
			}
		}
	}

	for w := range e.waiters {
		w.Complete(r)
	}

	e.removeActiveLocked(r)
	e.sweepRunDirsLocked(r.Name)
	close(r.finishedCh)

	// an executor slot freed up
	e.assignNewJobsLocked()
}

func (e *Engine) removeActiveLocked(r *Run) {
	delete(e.activeByKey, runKey{r.Name, r.Build})
	for i, a := range e.active {
		if a == r {
			e.active = append(e.active[:i], e.active[i+1:]...)
			break
		}
	}
}

// ---- abort ----

func (e *Engine) abortLocked(r *Run) {
	if r.State != model.RunRunning {
		return
	}
	r.State = model.RunAborted
	if r.cur != nil && r.cur.Process != nil {
		// signal the whole process group
		_ = syscall.Kill(-r.cur.Process.Pid, syscall.SIGTERM)
	}
}

// AbortRun aborts an active run. Returns false when no such run is active.
func (e *Engine) AbortRun(job string, num int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.activeByKey[runKey{job, num}]
	if !ok {
		return false
	}
	e.abortLocked(r)
	return true
}

// AbortAll aborts every active run (used on shutdown).
func (e *Engine) AbortAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.active {
		e.abortLocked(r)
	}
}

// Wait blocks until all run executor goroutines have finished.
func (e *Engine) Wait() { e.wg.Wait() }

// SetParam updates a parameter of an active run.
func (e *Engine) SetParam(job string, num int, key, value string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.activeByKey[runKey{job, num}]
	if !ok {
		return false
	}
	r.Params[key] = value
	return true
}

// ---- configuration ----

// NotifyConfigChanged re-reads node and job configuration and re-runs the
// admission loop: new nodes or tag changes may unblock queued work.
func (e *Engine) NotifyConfigChanged() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loadConfigurationLocked()
	e.assignNewJobsLocked()
}

// loadConfigurationLocked rebuilds the node registry and job catalog from
// the config directory. Existing Node objects are updated in place so
// in-flight busy accounting survives the reload.
func (e *Engine) loadConfigurationLocked() {
	ctx := context.Background()
	known := make(map[string]struct{})

	entries, err := os.ReadDir(e.nodesDir())
	if err == nil {
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".conf") {
				continue
			}
			path := filepath.Join(e.nodesDir(), entry.Name())
			kv, err := config.ParseFile(path)
			if err != nil {
				logging.Warn(ctx, "skipping unreadable node config",
					zap.String("file", path), zap.Error(err))
				continue
			}
			name := strings.TrimSuffix(entry.Name(), ".conf")
			node, ok := e.nodes[name]
			if !ok {
				node = &Node{Name: name}
				e.nodes[name] = node
			}
			node.Executors = kv.GetInt("EXECUTORS", defaultExecutors)
			tags := make(map[string]struct{})
			for _, t := range kv.GetList("TAGS") {
				tags[t] = struct{}{}
			}
			node.Tags = tags
			known[name] = struct{}{}
		}
	}

	// remove nodes whose config files disappeared, but never remove and
	// re-add the default node when it is the only one left
	for name := range e.nodes {
		if _, ok := known[name]; ok {
			continue
		}
		if name == "" && len(known) == 0 {
			continue
		}
		delete(e.nodes, name)
	}
	if len(e.nodes) == 0 {
		e.nodes[""] = newDefaultNode()
	}

	e.nodeOrder = e.nodeOrder[:0]
	for name := range e.nodes {
		e.nodeOrder = append(e.nodeOrder, name)
	}
	sort.Strings(e.nodeOrder)

	e.jobTags = make(map[string]map[string]struct{})
	entries, err = os.ReadDir(e.jobsDir())
	if err == nil {
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".conf") {
				continue
			}
			path := filepath.Join(e.jobsDir(), entry.Name())
			kv, err := config.ParseFile(path)
			if err != nil {
				logging.Warn(ctx, "skipping unreadable job config",
					zap.String("file", path), zap.Error(err))
				continue
			}
			list := kv.GetList("TAGS")
			if len(list) == 0 {
				continue
			}
			tags := make(map[string]struct{})
			for _, t := range list {
				tags[t] = struct{}{}
			}
			e.jobTags[strings.TrimSuffix(entry.Name(), ".conf")] = tags
		}
	}
}

// ---- introspection ----

// JobInfo describes one job known to the catalog.
type JobInfo struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

// ListJobs enumerates jobs by the existence of their .run scripts.
func (e *Engine) ListJobs() []JobInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	entries, err := os.ReadDir(e.jobsDir())
	if err != nil {
		return nil
	}
	var jobs []JobInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".run") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".run")
		jobs = append(jobs, JobInfo{Name: name, Tags: e.tagListLocked(name)})
	}
	return jobs
}

// QueuedInfo describes one queued run.
type QueuedInfo struct {
	Name string `json:"name"`
}

func (e *Engine) ListQueued() []QueuedInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]QueuedInfo, 0, len(e.queue))
	for _, r := range e.queue {
		out = append(out, QueuedInfo{Name: r.Name})
	}
	return out
}

// RunningInfo describes one active run.
type RunningInfo struct {
	Name    string `json:"name"`
	Number  int    `json:"number"`
	Node    string `json:"node"`
	Started int64  `json:"started"`
}

func (e *Engine) ListRunning() []RunningInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]RunningInfo, 0, len(e.active))
	for _, r := range e.active {
		out = append(out, RunningInfo{Name: r.Name, Number: r.Build, Node: r.Node.Name, Started: r.StartedAt})
	}
	return out
}

// Stats returns executor occupancy and queue depth for metrics.
func (e *Engine) Stats() (execTotal, execBusy, queued int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, name := range e.nodeOrder {
		execTotal += e.nodes[name].Executors
		execBusy += e.nodes[name].Busy
	}
	return execTotal, execBusy, len(e.queue)
}

// ---- helpers ----

func (e *Engine) tagListLocked(job string) []string {
	tags := e.jobTags[job]
	out := make([]string, 0, len(tags))
	for t := range tags {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) envelope(typ string, data any) []byte {
	b, _ := json.Marshal(map[string]any{
		"type":  typ,
		"title": e.st.Title,
		"time":  time.Now().Unix(),
		"data":  data,
	})
	return b
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
