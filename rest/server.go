// Copyright 2015 The Cohorte Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/cohorte/cohorte-runtime"
	"github.com/cohorte/cohorte-runtime/forker"
	"github.com/cohorte/cohorte-runtime/metrics"
	"github.com/cohorte/cohorte-runtime/signals"
)

// Handler wraps a Forker, adding http.Handler functionality.
type Handler struct {
	f   *forker.Forker
	dir *signals.Directory
	r   *mux.Router
	log *zap.Logger
}

type Option func(*Handler)

func WithLogger(zl *zap.Logger) Option {
	return func(h *Handler) { h.log = zl }
}

// WithMetrics serves the collector on /metrics.
func WithMetrics(c *metrics.Collector) Option {
	return func(h *Handler) {
		if c != nil {
			h.r.Handle("/metrics", c.Handler()).Methods("GET")
		}
	}
}

func (h *Handler) internalError(w http.ResponseWriter, e error) {
	http.Error(w, e.Error(), http.StatusInternalServerError)
}

func (h *Handler) writeJson(w http.ResponseWriter, v interface{}) {
	h.writeJsonCode(w, http.StatusOK, v)
}

func (h *Handler) writeJsonCode(w http.ResponseWriter, code int, v interface{}) {
	if b, e := json.Marshal(v); e != nil {
		h.internalError(w, e)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.WriteHeader(code)
		w.Write(b)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, e *Error) {
	h.writeJsonCode(w, e.Code, e)
}

func etag(id int64) string {
	return fmt.Sprintf(`"%d"`, id)
}

func parseEtag(s string) (int64, bool) {
	id, err := strconv.ParseInt(strings.Trim(s, `"`), 10, 64)
	return id, err == nil
}

// pollWait returns the Etag a long poll waits to change from, and for
// how long.
func pollWait(r *http.Request) (int64, time.Duration, bool) {
	id, ok := parseEtag(r.Header.Get(PollEtagHeader))
	if !ok {
		return 0, 0, false
	}
	secs, err := strconv.Atoi(r.Header.Get(PollTimeHeader))
	if err != nil || secs <= 0 {
		return 0, 0, false
	}
	if secs > maxPollTime {
		secs = maxPollTime
	}
	return id, time.Duration(secs) * time.Second, true
}

// longPoll calls watch in short steps until the version moves from old,
// d elapses or the client goes away.
func longPoll(r *http.Request, old int64, d time.Duration, watch func(int64, time.Duration) int64) {
	deadline := time.Now().Add(d)
	for {
		step := time.Until(deadline)
		if step <= 0 || r.Context().Err() != nil {
			return
		}
		if step > time.Second {
			step = time.Second
		}
		if watch(old, step) != old {
			return
		}
	}
}

// notModified answers 304 when the client already has version id.
func notModified(w http.ResponseWriter, r *http.Request, id int64) bool {
	w.Header().Set("Etag", etag(id))
	if old, ok := parseEtag(r.Header.Get("If-None-Match")); ok && old == id {
		w.WriteHeader(http.StatusNotModified)
		return true
	}
	return false
}

func (h *Handler) getInfo(w http.ResponseWriter, r *http.Request) {
	isos, _ := h.f.Isolates()
	h.writeJson(w, &NodeInfo{
		UID:      h.f.UID(),
		Node:     h.f.Node(),
		NodeName: h.f.NodeName(),
		Isolates: len(isos),
		Stopping: h.f.IsPlatformStopping(),
	})
}

func (h *Handler) listIsolates(w http.ResponseWriter, r *http.Request) {
	if old, d, ok := pollWait(r); ok {
		longPoll(r, old, d, h.f.WatchIsolates)
	}
	isos, serial := h.f.Isolates()
	if notModified(w, r, serial) {
		return
	}
	h.writeJson(w, isos)
}

func (h *Handler) getIsolate(w http.ResponseWriter, r *http.Request) {
	uid := mux.Vars(r)["uid"]
	if info, ok := h.f.Isolate(uid); !ok {
		h.writeError(w, &Error{http.StatusNotFound, "Isolate not found"})
	} else {
		h.writeJson(w, info)
	}
}

func (h *Handler) serveLog(w http.ResponseWriter, r *http.Request, log *cohorte.Log) {
	if old, d, ok := pollWait(r); ok {
		longPoll(r, old, d, log.Watch)
	}
	records, id := log.GetRecords(0)
	if notModified(w, r, id) {
		return
	}
	if records == nil {
		records = []cohorte.LogRecord{}
	}
	h.writeJson(w, records)
}

func (h *Handler) getIsolateLog(w http.ResponseWriter, r *http.Request) {
	uid := mux.Vars(r)["uid"]
	if log, err := h.f.IsolateLog(uid); err != nil {
		h.writeError(w, &Error{http.StatusNotFound, "Isolate not found"})
	} else {
		h.serveLog(w, r, log)
	}
}

func (h *Handler) getLog(w http.ResponseWriter, r *http.Request) {
	h.serveLog(w, r, h.f.Log())
}

func startStatus(res forker.Result) int {
	switch res {
	case forker.Success, forker.AlreadyRunning:
		return http.StatusOK
	case forker.InvalidParameter:
		return http.StatusBadRequest
	case forker.Unavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) startIsolate(w http.ResponseWriter, r *http.Request) {
	cfg := &forker.IsolateConfig{}
	if err := json.NewDecoder(r.Body).Decode(cfg); err != nil {
		h.writeError(w, &Error{http.StatusBadRequest, err.Error()})
		return
	}
	uid, res := h.f.StartIsolate(cfg)
	h.log.Info("Isolate start requested over HTTP", zap.String("uid", uid),
		zap.String("name", cfg.Name), zap.Stringer("result", res))
	h.writeJsonCode(w, startStatus(res), &StartResult{UID: uid, Code: res, Result: res.String()})
}

func (h *Handler) stopIsolate(w http.ResponseWriter, r *http.Request) {
	uid := mux.Vars(r)["uid"]
	if err := h.f.StopIsolate(uid, 0); err != nil {
		h.writeError(w, &Error{http.StatusNotFound, err.Error()})
	} else {
		h.writeJson(w, ok)
	}
}

func (h *Handler) pingIsolate(w http.ResponseWriter, r *http.Request) {
	uid := mux.Vars(r)["uid"]
	p := h.f.Ping(uid)
	h.writeJson(w, &PingResult{UID: uid, Code: p, Ping: p.String()})
}

func (h *Handler) setPlatformStopping(w http.ResponseWriter, r *http.Request) {
	h.f.SetPlatformStopping()
	h.writeJson(w, ok)
}

func (h *Handler) getDirectory(w http.ResponseWriter, r *http.Request) {
	if h.dir == nil {
		h.writeError(w, &Error{http.StatusNotFound, "No directory"})
		return
	}
	h.writeJson(w, h.dir.Dump())
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.r.ServeHTTP(w, req)
}

// Router returns the router of the handler, so other routes can be
// served next to the API.
func (h *Handler) Router() *mux.Router {
	return h.r
}

func NewHandler(f *forker.Forker, dir *signals.Directory, opts ...Option) *Handler {
	r := mux.NewRouter()
	h := &Handler{f: f, dir: dir, r: r}
	for _, o := range opts {
		o(h)
	}
	if h.log == nil {
		h.log = zap.NewNop()
	}
	r.HandleFunc("/info", h.getInfo).Methods("GET")
	r.HandleFunc("/log", h.getLog).Methods("GET")
	r.HandleFunc("/directory", h.getDirectory).Methods("GET")
	r.HandleFunc("/platform-stopping", h.setPlatformStopping).Methods("POST")
	r.HandleFunc("/isolates", h.listIsolates).Methods("GET")
	r.HandleFunc("/isolates", h.startIsolate).Methods("POST")
	r.HandleFunc("/isolates/{uid}", h.getIsolate).Methods("GET")
	r.HandleFunc("/isolates/{uid}/log", h.getIsolateLog).Methods("GET")
	r.HandleFunc("/isolates/{uid}/ping", h.pingIsolate).Methods("GET")
	r.HandleFunc("/isolates/{uid}/stop", h.stopIsolate).Methods("POST")
	return h
}
