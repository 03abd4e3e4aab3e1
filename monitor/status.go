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

package monitor

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cohorte/cohorte-runtime"
	"github.com/cohorte/cohorte-runtime/metrics"
)

// State is the state of an isolate, as seen by the monitor.
type State int

const (
	Requested State = iota
	Starting
	Running
	Stopping
	Gone
)

func (s State) String() string {
	switch s {
	case Requested:
		return "REQUESTED"
	case Starting:
		return "STARTING"
	case Running:
		return "RUNNING"
	case Stopping:
		return "STOPPING"
	case Gone:
		return "GONE"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var ErrBadTransition = errors.New("Invalid isolate state transition")

// allowed lists the states each state may move to.  GONE may be reached
// from anywhere, and is final.
var allowed = map[State][]State{
	Requested: {Starting, Stopping},
	Starting:  {Running, Stopping},
	Running:   {Stopping},
}

// IsolateStatus is the tracked state of an isolate.
type IsolateStatus struct {
	UID   string    `json:"uid"`
	Name  string    `json:"name"`
	State State     `json:"-"`
	Since time.Time `json:"since"`
}

// Status tracks the state of the isolates started by the monitor.
type Status struct {
	isolates map[string]*IsolateStatus
	metrics  *metrics.Collector
	mx       sync.Mutex
}

func NewStatus(m *metrics.Collector) *Status {
	return &Status{isolates: make(map[string]*IsolateStatus), metrics: m}
}

// Add starts tracking an isolate, in the REQUESTED state.  An isolate that
// is GONE may be added again.
func (s *Status) Add(uid, name string) error {
	if uid == "" {
		return cohorte.MissingField("uid")
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	if iso, ok := s.isolates[uid]; ok && iso.State != Gone {
		return fmt.Errorf("%w: %s already %s", ErrBadTransition, uid, iso.State)
	}
	s.isolates[uid] = &IsolateStatus{UID: uid, Name: name, State: Requested, Since: time.Now()}
	return nil
}

// Transition moves an isolate to state, returning the previous one.
func (s *Status) Transition(uid string, state State) (State, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	iso, ok := s.isolates[uid]
	if !ok {
		return Gone, fmt.Errorf("%w: %s", cohorte.ErrUnknownIsolate, uid)
	}
	from := iso.State
	if state != Gone {
		valid := false
		for _, to := range allowed[from] {
			if to == state {
				valid = true
				break
			}
		}
		if !valid {
			return from, fmt.Errorf("%w: %s from %s to %s", ErrBadTransition, uid, from, state)
		}
	}
	iso.State = state
	iso.Since = time.Now()
	s.metrics.IsolateTransition(from.String(), state.String())
	return from, nil
}

// Get returns the status of an isolate.
func (s *Status) Get(uid string) (IsolateStatus, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	iso, ok := s.isolates[uid]
	if !ok {
		return IsolateStatus{}, false
	}
	return *iso, true
}

// Running returns the UIDs of the isolates which are not GONE.
func (s *Status) Running() []string {
	s.mx.Lock()
	defer s.mx.Unlock()
	var rv []string
	for uid, iso := range s.isolates {
		if iso.State != Gone {
			rv = append(rv, uid)
		}
	}
	sort.Strings(rv)
	return rv
}

// Isolates returns every tracked isolate, sorted by UID.
func (s *Status) Isolates() []IsolateStatus {
	s.mx.Lock()
	defer s.mx.Unlock()
	rv := make([]IsolateStatus, 0, len(s.isolates))
	for _, iso := range s.isolates {
		rv = append(rv, *iso)
	}
	sort.Slice(rv, func(i, j int) bool { return rv[i].UID < rv[j].UID })
	return rv
}

// Remove stops tracking an isolate.
func (s *Status) Remove(uid string) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	if _, ok := s.isolates[uid]; !ok {
		return false
	}
	delete(s.isolates, uid)
	return true
}
