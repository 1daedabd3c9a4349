package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/teotikalki/laminar/internal/dao"
	"github.com/teotikalki/laminar/internal/logging"
	"github.com/teotikalki/laminar/internal/metrics"
	"github.com/teotikalki/laminar/internal/scheduler"
)

// NewRouter builds the web UI / status API router.
func NewRouter(eng *scheduler.Engine, buildDao dao.BuildDao, met *metrics.Metrics) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		serveSSE(w, req, eng, scheduler.MonitorScope{Type: scheduler.ScopeHome})
	})
	r.Get("/jobs", func(w http.ResponseWriter, req *http.Request) {
		serveSSE(w, req, eng, scheduler.MonitorScope{Type: scheduler.ScopeAll})
	})
	r.Get("/jobs/{name}", func(w http.ResponseWriter, req *http.Request) {
		scope := scheduler.MonitorScope{
			Type:      scheduler.ScopeJob,
			Job:       chi.URLParam(req, "name"),
			Field:     req.URL.Query().Get("sort"),
			OrderDesc: req.URL.Query().Get("order") == "dsc",
		}
		if page, err := strconv.Atoi(req.URL.Query().Get("page")); err == nil && page > 0 {
			scope.Page = page
		}
		serveSSE(w, req, eng, scope)
	})
	r.Get("/jobs/{name}/{number}", func(w http.ResponseWriter, req *http.Request) {
		num, err := strconv.Atoi(chi.URLParam(req, "number"))
		if err != nil {
			writeErr(w, http.StatusBadRequest, "bad build number")
			return
		}
		serveSSE(w, req, eng, scheduler.MonitorScope{
			Type: scheduler.ScopeRun,
			Job:  chi.URLParam(req, "name"),
			Num:  num,
		})
	})
	r.Post("/jobs/{name}", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "name")
		if _, err := eng.QueueJob(name, nil); err != nil {
			writeErr(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, map[string]any{"name": name})
	})

	r.Get("/log/{name}/{number}", func(w http.ResponseWriter, req *http.Request) {
		num, err := strconv.Atoi(chi.URLParam(req, "number"))
		if err != nil {
			writeErr(w, http.StatusBadRequest, "bad build number")
			return
		}
		serveLog(w, req, eng, buildDao, chi.URLParam(req, "name"), num)
	})

	archiveRoot := filepath.Join(eng.Home(), "archive")
	r.Handle("/archive/*", http.StripPrefix("/archive/",
		http.FileServer(http.Dir(archiveRoot))))

	r.Get("/custom/style.css", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		b, err := os.ReadFile(filepath.Join(eng.Home(), "custom", "style.css"))
		if err != nil {
			return // empty stylesheet
		}
		_, _ = w.Write(b)
	})

	if met != nil {
		r.Handle("/metrics", met.Handler())
	}
	return r
}

// serveLog streams a run's combined output: the live tail while the run is
// active, or the stored (possibly decompressed) log afterwards. Raw bytes,
// no JSON envelope.
func serveLog(w http.ResponseWriter, req *http.Request, eng *scheduler.Engine,
	buildDao dao.BuildDao, job string, num int) {

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	c := newSSEClient(scheduler.MonitorScope{Type: scheduler.ScopeLog, Job: job, Num: num})
	snapshot, live := eng.AttachLogClient(c)
	if !live {
		log, found, err := buildDao.Log(job, num)
		if err != nil {
			// stored blob unreadable; the request succeeds without a body
			logging.Error(req.Context(), "failed to uncompress log",
				zap.String("job", job), zap.Int("number", num), zap.Error(err))
			return
		}
		if !found {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(log)
		return
	}
	defer eng.DeregisterClient(c)

	flusher, _ := w.(http.Flusher)
	if len(snapshot) > 0 {
		if _, err := w.Write(snapshot); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	ctx := req.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case chunk := <-c.ch:
			if _, err := w.Write(chunk); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		case <-c.done:
			// drain anything queued before the finish marker
			for {
				select {
				case chunk := <-c.ch:
					if _, err := w.Write(chunk); err != nil {
						return
					}
				default:
					if flusher != nil {
						flusher.Flush()
					}
					return
				}
			}
		}
	}
}
