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

package forker

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/cohorte/cohorte-runtime"
)

// StateUpdaterPath is where isolates report their state.
const StateUpdaterPath = "/cohorte-state-updater"

// State is a state reported by an isolate.
type State string

const (
	StateLoading  State = "loading"
	StateLoaded   State = "loaded"
	StateReady    State = "ready"
	StateFailed   State = "failed"
	StateStopping State = "stopping"
)

// final reports whether the state ends the start rendezvous.
func (s State) final() bool {
	return s == StateLoaded || s == StateReady || s == StateFailed
}

var ErrBadState = errors.New("Unknown isolate state")

type stateEntry struct {
	state State
	done  chan struct{}
}

// StateDirectory keeps the last reported state of the isolates being
// started, and lets the forker wait for them to be loaded.
type StateDirectory struct {
	entries map[string]*stateEntry
	mx      sync.Mutex
}

// Prepare makes uid known, in the loading state.
func (sd *StateDirectory) Prepare(uid string) {
	sd.mx.Lock()
	sd.entries[uid] = &stateEntry{state: StateLoading, done: make(chan struct{})}
	sd.mx.Unlock()
}

// Update records a state.  The first final state releases WaitFor.
func (sd *StateDirectory) Update(uid string, state State) error {
	switch state {
	case StateLoading, StateLoaded, StateReady, StateFailed, StateStopping:
	default:
		return ErrBadState
	}
	sd.mx.Lock()
	defer sd.mx.Unlock()
	e, ok := sd.entries[uid]
	if !ok {
		return cohorte.ErrUnknownIsolate
	}
	wasFinal := e.state.final()
	e.state = state
	if state.final() && !wasFinal {
		close(e.done)
	}
	return nil
}

// Get returns the last state of uid.
func (sd *StateDirectory) Get(uid string) (State, bool) {
	sd.mx.Lock()
	defer sd.mx.Unlock()
	if e, ok := sd.entries[uid]; ok {
		return e.state, true
	}
	return "", false
}

// WaitFor blocks until uid reaches a final state, until timeout, or until
// abort is closed.
func (sd *StateDirectory) WaitFor(uid string, timeout time.Duration, abort <-chan struct{}) (State, error) {
	sd.mx.Lock()
	e, ok := sd.entries[uid]
	sd.mx.Unlock()
	if !ok {
		return "", cohorte.ErrUnknownIsolate
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-e.done:
	case <-timer.C:
		return "", cohorte.ErrTimeout
	case <-abort:
		return "", cohorte.ErrNotRunning
	}
	sd.mx.Lock()
	defer sd.mx.Unlock()
	return e.state, nil
}

// Clear forgets uid.
func (sd *StateDirectory) Clear(uid string) {
	sd.mx.Lock()
	delete(sd.entries, uid)
	sd.mx.Unlock()
}

type stateUpdate struct {
	State State `json:"state"`
}

func (sd *StateDirectory) handleUpdate(w http.ResponseWriter, r *http.Request) {
	uid := mux.Vars(r)["uid"]
	var upd stateUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch err := sd.Update(uid, upd.State); {
	case errors.Is(err, cohorte.ErrUnknownIsolate):
		http.Error(w, err.Error(), http.StatusNotFound)
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		w.WriteHeader(http.StatusOK)
	}
}

// Routes installs the state updater.
func (sd *StateDirectory) Routes(r *mux.Router) {
	r.HandleFunc(StateUpdaterPath+"/{uid}", sd.handleUpdate).Methods("POST")
}

func NewStateDirectory() *StateDirectory {
	return &StateDirectory{entries: make(map[string]*stateEntry)}
}
