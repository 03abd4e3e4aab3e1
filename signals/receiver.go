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

package signals

import (
	"encoding/json"
	"fmt"
	"mime"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/cohorte/cohorte-runtime/metrics"
)

// DefaultPriority is used by Register.  Lower priorities are called first.
const DefaultPriority = 100

type registration struct {
	id       int
	pattern  string
	matcher  glob.Glob
	priority int
	listener Listener
}

// Receiver dispatches incoming signals to the listeners whose pattern
// matches the signal name.  It serves the HTTP side of the protocol, and
// also takes local deliveries from a Sender in the same process.
type Receiver struct {
	regs    map[int]*registration
	nextID  int
	router  *mux.Router
	log     *zap.Logger
	metrics *metrics.Collector
	mx      sync.Mutex
}

type ReceiverOption func(*Receiver)

func WithReceiverLogger(zl *zap.Logger) ReceiverOption {
	return func(r *Receiver) {
		r.log = zl
	}
}

func WithReceiverMetrics(c *metrics.Collector) ReceiverOption {
	return func(r *Receiver) {
		r.metrics = c
	}
}

// compilePattern compiles a shell pattern.  Unlike path.Match, "*" also
// matches "/", so "/cohorte/*" covers every signal below /cohorte.  A
// malformed pattern only matches itself.
func compilePattern(pattern string) glob.Glob {
	g, err := glob.Compile(pattern)
	if err != nil {
		return glob.MustCompile(glob.QuoteMeta(pattern))
	}
	return g
}

// Register adds a listener with the default priority, returning a handle
// for Unregister.
func (r *Receiver) Register(pattern string, l Listener) int {
	return r.RegisterPriority(pattern, DefaultPriority, l)
}

// RegisterPriority adds a listener with an explicit priority.
func (r *Receiver) RegisterPriority(pattern string, priority int, l Listener) int {
	reg := &registration{
		pattern:  pattern,
		matcher:  compilePattern(pattern),
		priority: priority,
		listener: l,
	}
	r.mx.Lock()
	defer r.mx.Unlock()
	r.nextID++
	reg.id = r.nextID
	r.regs[reg.id] = reg
	return reg.id
}

// Unregister removes a listener.  It returns false for an unknown handle.
func (r *Receiver) Unregister(id int) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.regs[id]; !ok {
		return false
	}
	delete(r.regs, id)
	return true
}

// matching returns a snapshot of the registrations matching name, in
// call order.
func (r *Receiver) matching(name string) []*registration {
	r.mx.Lock()
	var regs []*registration
	for _, reg := range r.regs {
		if reg.matcher.Match(name) {
			regs = append(regs, reg)
		}
	}
	r.mx.Unlock()
	sort.Slice(regs, func(i, j int) bool {
		if regs[i].priority != regs[j].priority {
			return regs[i].priority < regs[j].priority
		}
		return regs[i].id < regs[j].id
	})
	return regs
}

// HasListener reports whether at least one listener matches name.
func (r *Receiver) HasListener(name string) bool {
	return len(r.matching(name)) > 0
}

func (r *Receiver) call(reg *registration, name string, msg *Message) (res interface{}) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("Signal listener panicked", zap.String("signal", name),
				zap.String("pattern", reg.pattern), zap.Any("panic", p))
			res = nil
		}
	}()
	res, err := reg.listener.HandleSignal(name, msg)
	if err != nil {
		r.log.Warn("Signal listener failed", zap.String("signal", name),
			zap.String("pattern", reg.pattern), zap.Error(err))
		return nil
	}
	return res
}

// Dispatch calls every matching listener, without holding any lock, and
// returns their non-nil results.
func (r *Receiver) Dispatch(name string, msg *Message) []interface{} {
	var results []interface{}
	for _, reg := range r.matching(name) {
		if res := r.call(reg, name, msg); res != nil {
			results = append(results, res)
		}
	}
	return results
}

// Handle applies the delivery mode to a signal and returns the response
// the sender gets.  The HTTP handler and local deliveries share it.
func (r *Receiver) Handle(name string, msg *Message, mode Mode) *Response {
	switch mode {
	case ModeAck:
		if !r.HasListener(name) {
			return &Response{Code: http.StatusNotFound, Message: "No listener for " + name}
		}
		go r.Dispatch(name, msg)
		return &Response{Code: http.StatusOK, Message: "Signal accepted"}

	case ModeForget:
		go r.Dispatch(name, msg)
		return &Response{Code: http.StatusOK, Message: "Signal thread started"}

	case ModeSend:
		if !r.HasListener(name) {
			return &Response{Code: http.StatusNotFound, Message: "No listener for " + name}
		}
		res := &Response{Code: http.StatusOK, Message: "Signal sent"}
		for _, v := range r.Dispatch(name, msg) {
			b, err := json.Marshal(v)
			if err != nil {
				r.log.Warn("Unserializable signal result",
					zap.String("signal", name), zap.Error(err))
				continue
			}
			res.Results = append(res.Results, b)
		}
		return res
	}
	return &Response{Code: http.StatusNotImplemented, Message: fmt.Sprintf("Unknown mode: %q", mode)}
}

func (r *Receiver) writeResponse(w http.ResponseWriter, mode Mode, res *Response) {
	r.metrics.SignalReceived(string(mode), strconv.Itoa(res.Code))
	b, err := json.Marshal(res)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", mimeJson)
	w.WriteHeader(res.Code)
	w.Write(b)
}

func (r *Receiver) handleSignal(w http.ResponseWriter, req *http.Request) {
	mode := Mode(strings.ToLower(req.Header.Get(ModeHeader)))
	if mode == "" {
		mode = ModeSend
	}

	name := mux.Vars(req)["signal"]
	if strings.Trim(name, "/") == "" {
		r.writeResponse(w, mode, &Response{Code: http.StatusNotFound, Message: "No signal name"})
		return
	}
	name = "/" + strings.TrimLeft(name, "/")

	ct, _, err := mime.ParseMediaType(req.Header.Get("Content-Type"))
	if err != nil || ct != "application/json" {
		r.writeResponse(w, mode, &Response{
			Code:    http.StatusInternalServerError,
			Message: "Unsupported content type: " + req.Header.Get("Content-Type"),
		})
		return
	}

	msg := &Message{}
	if err := json.NewDecoder(req.Body).Decode(msg); err != nil {
		r.log.Warn("Malformed signal", zap.String("signal", name), zap.Error(err))
		r.writeResponse(w, mode, &Response{
			Code:    http.StatusInternalServerError,
			Message: "Error parsing signal: " + err.Error(),
		})
		return
	}
	if host, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		msg.SenderAddress = host
	} else {
		msg.SenderAddress = req.RemoteAddr
	}

	r.writeResponse(w, mode, r.Handle(name, msg, mode))
}

// Routes installs the receiver on an existing router.
func (r *Receiver) Routes(router *mux.Router) {
	router.HandleFunc(ReceiverPath+"/{signal:.*}", r.handleSignal).Methods("POST")
}

func (r *Receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.router.ServeHTTP(w, req)
}

// NewReceiver returns a Receiver with its own router.
func NewReceiver(opts ...ReceiverOption) *Receiver {
	r := &Receiver{
		regs: make(map[int]*registration),
		log:  zap.NewNop(),
	}
	for _, o := range opts {
		o(r)
	}
	r.router = mux.NewRouter()
	r.Routes(r.router)
	return r
}
