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

package composer

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cohorte/cohorte-runtime"
	"github.com/cohorte/cohorte-runtime/signals"
)

const commanderTimeout = 5 * time.Second

// Notifier fires signals, as a signals.Sender does.
type Notifier interface {
	Fire(ctx context.Context, name string, content interface{}, t signals.Target) []string
}

// SignalCommander orders isolates around with component signals.  It
// tracks the isolates that reported ready, and pushes their stored
// components to them as soon as they do.
type SignalCommander struct {
	sender   Notifier
	status   StatusStore
	isolates map[string]string
	mx       sync.Mutex
	log      *zap.Logger
}

func NewSignalCommander(sender Notifier, status StatusStore, zl *zap.Logger) *SignalCommander {
	if zl == nil {
		zl = zap.NewNop()
	}
	return &SignalCommander{
		sender:   sender,
		status:   status,
		isolates: make(map[string]string),
		log:      zl,
	}
}

func (sc *SignalCommander) uid(name string) (string, bool) {
	sc.mx.Lock()
	defer sc.mx.Unlock()
	uid, ok := sc.isolates[name]
	return uid, ok
}

func (sc *SignalCommander) fire(signal string, content interface{}, uid string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), commanderTimeout)
	defer cancel()
	return len(sc.sender.Fire(ctx, signal, content, signals.ToIsolate(uid))) > 0
}

func (sc *SignalCommander) instantiate(uid, name string, components []Component) {
	if len(components) == 0 {
		return
	}
	if !sc.fire(cohorte.SignalComponentsInstantiate, components, uid) {
		sc.log.Error("Isolate did not get its components", zap.String("name", name),
			zap.String("uid", uid))
	}
}

// Start sends their components to the running isolates.  Isolates not
// ready yet get them when they are.
func (sc *SignalCommander) Start(isolates []Isolate) {
	for _, iso := range isolates {
		uid, ok := sc.uid(iso.Name)
		if !ok {
			sc.log.Debug("Isolate not ready yet", zap.String("name", iso.Name))
			continue
		}
		sc.instantiate(uid, iso.Name, iso.Components)
	}
}

// Kill stops components in the isolates hosting them.
func (sc *SignalCommander) Kill(components []Component) {
	hosts := make(map[string]string)
	for _, comp := range sc.status.Components() {
		hosts[comp.Name] = comp.Isolate
	}
	byIsolate := make(map[string][]string)
	for _, comp := range components {
		host := comp.Isolate
		if host == "" {
			host = hosts[comp.Name]
		}
		if host == "" {
			continue
		}
		byIsolate[host] = append(byIsolate[host], comp.Name)
	}
	for name, names := range byIsolate {
		uid, ok := sc.uid(name)
		if !ok {
			sc.log.Error("No running isolate to kill components in", zap.String("name", name))
			continue
		}
		sort.Strings(names)
		if !sc.fire(cohorte.SignalComponentsKill, names, uid) {
			sc.log.Error("Failed to kill components", zap.String("name", name),
				zap.Strings("components", names))
		}
	}
}

// RunningIsolates returns the ready isolates with their stored components.
// The language of an isolate is the one of its components.
func (sc *SignalCommander) RunningIsolates() []Isolate {
	sc.mx.Lock()
	names := make(map[string]string, len(sc.isolates))
	for name, uid := range sc.isolates {
		names[name] = uid
	}
	sc.mx.Unlock()

	rv := make([]Isolate, 0, len(names))
	for name, uid := range names {
		iso := Isolate{Name: name, UID: uid, Components: sc.status.ComponentsFor(name)}
		if len(iso.Components) > 0 {
			iso.Language = iso.Components[0].Language
		}
		rv = append(rv, iso)
	}
	sort.Slice(rv, func(i, j int) bool { return rv[i].Name < rv[j].Name })
	return rv
}

func (sc *SignalCommander) IsolateReady(uid, name string) {
	sc.mx.Lock()
	sc.isolates[name] = uid
	sc.mx.Unlock()
	sc.instantiate(uid, name, sc.status.ComponentsFor(name))
}

func (sc *SignalCommander) IsolateLost(name string) {
	sc.mx.Lock()
	delete(sc.isolates, name)
	sc.mx.Unlock()
}
