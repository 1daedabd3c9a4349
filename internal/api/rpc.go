package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/teotikalki/laminar/internal/scheduler"
)

// queueRequest is the body of the queue/start/run verbs.
type queueRequest struct {
	Job    string            `json:"job"`
	Params map[string]string `json:"params"`
}

// NewRPCRouter builds the control API served on the RPC bind address.
// There is no authentication; access control is the socket itself.
func NewRPCRouter(eng *scheduler.Engine) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	decodeQueue := func(w http.ResponseWriter, req *http.Request) (*queueRequest, bool) {
		var body queueRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeErr(w, http.StatusBadRequest, err.Error())
			return nil, false
		}
		if body.Job == "" {
			writeErr(w, http.StatusBadRequest, "missing job name")
			return nil, false
		}
		return &body, true
	}

	// queue: returns as soon as the run is queued
	r.Post("/queue", func(w http.ResponseWriter, req *http.Request) {
		body, ok := decodeQueue(w, req)
		if !ok {
			return
		}
		if _, err := eng.QueueJob(body.Job, body.Params); err != nil {
			writeErr(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, map[string]any{"name": body.Job})
	})

	// start: returns at admission with the assigned build number
	r.Post("/start", func(w http.ResponseWriter, req *http.Request) {
		body, ok := decodeQueue(w, req)
		if !ok {
			return
		}
		run, err := eng.QueueJob(body.Job, body.Params)
		if err != nil {
			writeErr(w, http.StatusNotFound, err.Error())
			return
		}
		select {
		case <-run.Started():
		case <-req.Context().Done():
			return
		}
		writeJSON(w, map[string]any{"name": run.Name, "number": run.Build})
	})

	// run: returns at the terminal transition with the result
	r.Post("/run", func(w http.ResponseWriter, req *http.Request) {
		body, ok := decodeQueue(w, req)
		if !ok {
			return
		}
		run, err := eng.QueueJob(body.Job, body.Params)
		if err != nil {
			writeErr(w, http.StatusNotFound, err.Error())
			return
		}
		select {
		case <-run.Finished():
		case <-req.Context().Done():
			return
		}
		writeJSON(w, map[string]any{
			"name":   run.Name,
			"number": run.Build,
			"result": run.State.String(),
		})
	})

	r.Post("/set", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Job    string `json:"job"`
			Number int    `json:"number"`
			Param  string `json:"param"`
			Value  string `json:"value"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
		if !eng.SetParam(body.Job, body.Number, body.Param, body.Value) {
			writeErr(w, http.StatusNotFound, "no such active run")
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	})

	r.Post("/abort", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Job    string `json:"job"`
			Number int    `json:"number"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
		if !eng.AbortRun(body.Job, body.Number) {
			writeErr(w, http.StatusNotFound, "no such active run")
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	})

	r.Get("/jobs", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, map[string]any{"jobs": eng.ListJobs()})
	})
	r.Get("/queue", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, map[string]any{"queued": eng.ListQueued()})
	})
	r.Get("/running", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, map[string]any{"running": eng.ListRunning()})
	})

	return r
}
