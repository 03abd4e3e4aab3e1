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
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cohorte/cohorte-runtime/signals"
)

type testLog struct {
	t    *testing.T
	done bool
	sync.Mutex
}

func (tl *testLog) Write(p []byte) (n int, err error) {
	tl.Lock()
	defer tl.Unlock()
	if !tl.done {
		tl.t.Log(strings.Trim(string(p), "\n"))
	}
	return len(p), nil
}

func testLogger(t *testing.T) *zap.Logger {
	tl := &testLog{t: t}
	t.Cleanup(func() {
		tl.Lock()
		tl.done = true
		tl.Unlock()
	})
	enc := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	return zap.New(zapcore.NewCore(enc, zapcore.AddSync(tl), zapcore.DebugLevel))
}

func eventually(d time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

type firing struct {
	signal  string
	uid     string
	content interface{}
}

// fakeNotifier records the signals fired to single isolates.
type fakeNotifier struct {
	fired []firing
	sync.Mutex
}

func (n *fakeNotifier) Fire(ctx context.Context, name string, content interface{}, t signals.Target) []string {
	n.Lock()
	defer n.Unlock()
	for _, uid := range t.UIDs {
		n.fired = append(n.fired, firing{signal: name, uid: uid, content: content})
	}
	return t.UIDs
}

func (n *fakeNotifier) get() []firing {
	n.Lock()
	defer n.Unlock()
	return append([]firing(nil), n.fired...)
}

func (n *fakeNotifier) reset() {
	n.Lock()
	n.fired = nil
	n.Unlock()
}

type startOrder struct {
	name     string
	kind     string
	language string
	bundles  []Bundle
}

// fakeMonitor records the isolates it is asked to start and stop, and
// registers the started ones in a fake directory of the node.
type fakeMonitor struct {
	starts  []startOrder
	stopped []string
	names   map[string]string
	sync.Mutex
}

func newFakeMonitor() *fakeMonitor {
	return &fakeMonitor{names: make(map[string]string)}
}

func (m *fakeMonitor) StartIsolate(name, kind, language string, bundles []Bundle) error {
	m.Lock()
	defer m.Unlock()
	m.starts = append(m.starts, startOrder{name, kind, language, bundles})
	return nil
}

func (m *fakeMonitor) StopIsolate(uid string) bool {
	m.Lock()
	defer m.Unlock()
	m.stopped = append(m.stopped, uid)
	return true
}

func (m *fakeMonitor) getStarts() []startOrder {
	m.Lock()
	defer m.Unlock()
	return append([]startOrder(nil), m.starts...)
}

func (m *fakeMonitor) getStopped() []string {
	m.Lock()
	defer m.Unlock()
	return append([]string(nil), m.stopped...)
}

func (m *fakeMonitor) add(uid, name string) {
	m.Lock()
	m.names[uid] = name
	m.Unlock()
}

func (m *fakeMonitor) GetIsolatesOnNode(node string) []string {
	m.Lock()
	defer m.Unlock()
	var rv []string
	for uid := range m.names {
		rv = append(rv, uid)
	}
	return rv
}

func (m *fakeMonitor) GetIsolateName(uid string) (string, bool) {
	m.Lock()
	defer m.Unlock()
	name, ok := m.names[uid]
	return name, ok
}

// funcDistributor delegates to a function and counts the passes.
type funcDistributor struct {
	fn     func(components []Component, running []Isolate) ([]Isolate, []Isolate)
	passes int
	sync.Mutex
}

func (d *funcDistributor) Distribute(components []Component, running []Isolate) ([]Isolate, []Isolate) {
	d.Lock()
	d.passes++
	fn := d.fn
	d.Unlock()
	return fn(components, running)
}

func (d *funcDistributor) HandleEvent(Event) {}

func (d *funcDistributor) set(fn func([]Component, []Isolate) ([]Isolate, []Isolate)) {
	d.Lock()
	d.fn = fn
	d.Unlock()
}

func (d *funcDistributor) count() int {
	d.Lock()
	defer d.Unlock()
	return d.passes
}
