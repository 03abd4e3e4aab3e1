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
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/zap"

	"github.com/cohorte/cohorte-runtime"
	"github.com/cohorte/cohorte-runtime/composer"
	"github.com/cohorte/cohorte-runtime/forker"
	"github.com/cohorte/cohorte-runtime/signals"
)

// fakeForkers records the orders of the monitor.
type fakeForkers struct {
	started  []*forker.IsolateConfig
	stopped  []string
	result   forker.Result
	stopping bool
	sync.Mutex
}

func (f *fakeForkers) StartIsolate(cfg *forker.IsolateConfig, timeout time.Duration) (string, forker.Result) {
	f.Lock()
	defer f.Unlock()
	f.started = append(f.started, cfg.Copy())
	return cfg.UID, f.result
}

func (f *fakeForkers) StopIsolate(uid string) bool {
	f.Lock()
	defer f.Unlock()
	f.stopped = append(f.stopped, uid)
	return true
}

func (f *fakeForkers) IsAlive(uid string) bool {
	return true
}

func (f *fakeForkers) SetPlatformStopping() {
	f.Lock()
	f.stopping = true
	f.Unlock()
}

func (f *fakeForkers) starts() []*forker.IsolateConfig {
	f.Lock()
	defer f.Unlock()
	return append([]*forker.IsolateConfig(nil), f.started...)
}

func (f *fakeForkers) stops() []string {
	f.Lock()
	defer f.Unlock()
	return append([]string(nil), f.stopped...)
}

type fakeNotifier struct {
	fired []string
	sync.Mutex
}

func (n *fakeNotifier) Fire(ctx context.Context, name string, content interface{}, t signals.Target) []string {
	n.Lock()
	defer n.Unlock()
	n.fired = append(n.fired, name+" "+string(t.Group)+" -"+strings.Join(t.Excluded, ","))
	return nil
}

func (n *fakeNotifier) get() []string {
	n.Lock()
	defer n.Unlock()
	return append([]string(nil), n.fired...)
}

type fakeComposer struct {
	ready    []string
	lost     []string
	stopping bool
	sync.Mutex
}

func (c *fakeComposer) HandleIsolateReady(uid, name string) {
	c.Lock()
	c.ready = append(c.ready, uid)
	c.Unlock()
}

func (c *fakeComposer) HandleLostIsolate(uid, name string) {
	c.Lock()
	c.lost = append(c.lost, uid+"/"+name)
	c.Unlock()
}

func (c *fakeComposer) SetPlatformStopping() {
	c.Lock()
	c.stopping = true
	c.Unlock()
}

func signal(uid, name, node string, content interface{}) *signals.Message {
	msg, _ := signals.NewMessage(content)
	msg.SenderUID = uid
	msg.SenderName = name
	msg.SenderNode = node
	return msg
}

type monitorFixture struct {
	mon      *Monitor
	forkers  *fakeForkers
	notifier *fakeNotifier
	comp     *fakeComposer
}

func newMonitorFixture(kinds map[string]*forker.IsolateConfig) *monitorFixture {
	f := &monitorFixture{
		forkers:  &fakeForkers{result: forker.Success},
		notifier: &fakeNotifier{},
		comp:     &fakeComposer{},
	}
	f.mon = NewMonitor("mon", "node-a", "alpha", f.forkers, f.notifier,
		WithKinds(kinds), WithLogger(zap.NewNop()))
	f.mon.SetComposer(f.comp)
	return f
}

func TestStatus(t *testing.T) {
	Convey("Isolate states follow the lifecycle", t, func() {
		s := NewStatus(nil)
		So(s.Add("u1", "iso"), ShouldBeNil)
		So(errors.Is(s.Add("u1", "iso"), ErrBadTransition), ShouldBeTrue)
		So(errors.Is(s.Add("", "iso"), cohorte.ErrInvalidParameter), ShouldBeTrue)

		_, err := s.Transition("u1", Running)
		So(errors.Is(err, ErrBadTransition), ShouldBeTrue)

		from, err := s.Transition("u1", Starting)
		So(err, ShouldBeNil)
		So(from, ShouldEqual, Requested)
		_, err = s.Transition("u1", Running)
		So(err, ShouldBeNil)
		_, err = s.Transition("u1", Starting)
		So(errors.Is(err, ErrBadTransition), ShouldBeTrue)
		So(s.Running(), ShouldResemble, []string{"u1"})

		from, err = s.Transition("u1", Gone)
		So(err, ShouldBeNil)
		So(from, ShouldEqual, Running)
		So(s.Running(), ShouldBeEmpty)

		Convey("Unknown isolates are errors", func() {
			_, err := s.Transition("nobody", Gone)
			So(errors.Is(err, cohorte.ErrUnknownIsolate), ShouldBeTrue)
		})

		Convey("Gone isolates may come back", func() {
			So(s.Add("u1", "iso"), ShouldBeNil)
			st, ok := s.Get("u1")
			So(ok, ShouldBeTrue)
			So(st.State.String(), ShouldEqual, "REQUESTED")
			So(s.Remove("u1"), ShouldBeTrue)
			So(s.Isolates(), ShouldBeEmpty)
		})
	})
}

func TestMonitorStart(t *testing.T) {
	Convey("Given a monitor with kind templates", t, func() {
		f := newMonitorFixture(map[string]*forker.IsolateConfig{
			"pelix": {Arguments: []string{"-m", "pelix"}, Bundles: []string{"core"},
				Environment: map[string]interface{}{"A": "1"}},
		})

		Convey("Isolates are built from their kind template", func() {
			err := f.mon.StartIsolate("iso", "pelix", "python",
				[]composer.Bundle{{Name: "extra", Language: "python"}})
			So(err, ShouldBeNil)

			starts := f.forkers.starts()
			So(starts, ShouldHaveLength, 1)
			cfg := starts[0]
			So(cfg.UID, ShouldNotBeEmpty)
			So(cfg.Name, ShouldEqual, "iso")
			So(cfg.Kind, ShouldEqual, "pelix")
			So(cfg.Language, ShouldEqual, "python")
			So(cfg.Node, ShouldEqual, "node-a")
			So(cfg.Arguments, ShouldResemble, []string{"-m", "pelix"})
			So(cfg.Bundles, ShouldResemble, []string{"core", "extra"})

			st, _ := f.mon.Status().Get(cfg.UID)
			So(st.State, ShouldEqual, Starting)

			Convey("Ready and stopping signals update the state", func() {
				f.mon.HandleSignal(cohorte.SignalIsolateReady, signal(cfg.UID, "iso", "node-a", nil))
				st, _ := f.mon.Status().Get(cfg.UID)
				So(st.State, ShouldEqual, Running)
				So(f.comp.ready, ShouldResemble, []string{cfg.UID})

				f.mon.HandleSignal(cohorte.SignalIsolateStopping, signal(cfg.UID, "iso", "node-a", nil))
				st, _ = f.mon.Status().Get(cfg.UID)
				So(st.State, ShouldEqual, Stopping)

				f.mon.HandleSignal(cohorte.SignalIsolateLost, signal("fork", cohorte.ForkerName, "node-a", cfg.UID))
				st, _ = f.mon.Status().Get(cfg.UID)
				So(st.State, ShouldEqual, Gone)
			})

			Convey("Lost signals from other nodes are ignored", func() {
				f.mon.HandleSignal(cohorte.SignalIsolateLost, signal("fork", cohorte.ForkerName, "node-b", cfg.UID))
				st, _ := f.mon.Status().Get(cfg.UID)
				So(st.State, ShouldEqual, Starting)
			})

			Convey("Lost isolates are handed to the composer", func() {
				f.mon.HandleLostIsolate(cfg.UID, "iso")
				So(f.comp.lost, ShouldResemble, []string{cfg.UID + "/iso"})
				f.mon.HandleLostIsolate(cfg.UID, "iso")
				So(f.comp.lost, ShouldHaveLength, 1)
			})
		})

		Convey("Ready signals of unknown isolates are ignored", func() {
			_, err := f.mon.HandleSignal(cohorte.SignalIsolateReady, signal("x", "iso", "node-a", nil))
			So(err, ShouldBeNil)
			So(f.comp.ready, ShouldBeEmpty)
		})

		Convey("Unknown kinds start from an empty template", func() {
			So(f.mon.StartIsolate("iso", "boot", "", nil), ShouldBeNil)
			So(f.forkers.starts()[0].Arguments, ShouldBeEmpty)
		})

		Convey("A refused start leaves the isolate gone", func() {
			f.forkers.result = forker.RequestNoMatchingForker
			err := f.mon.StartIsolate("iso", "pelix", "python", nil)
			So(errors.Is(err, ErrStartFailed), ShouldBeTrue)
			So(f.mon.Status().Running(), ShouldBeEmpty)
		})

		Convey("A start without name is a caller bug", func() {
			So(errors.Is(f.mon.StartIsolate("", "pelix", "", nil), cohorte.ErrInvalidParameter), ShouldBeTrue)
		})
	})
}

func TestMonitorAutoRun(t *testing.T) {
	Convey("Given auto-run isolates for several nodes", t, func() {
		list, err := ReadAutoRun(strings.NewReader(`
isolates:
  - name: web
    node: alpha
    kind: boot
    custom_uid: web-1
    arguments: ["--port", "80"]
  - name: db
    node: alpha
    environment:
      DB: pg
  - name: remote
    node: beta
  - node: alpha
`))
		So(err, ShouldBeNil)
		So(list, ShouldHaveLength, 4)

		f := newMonitorFixture(map[string]*forker.IsolateConfig{
			"boot": {Arguments: []string{"boot.sh"}},
		})
		So(f.mon.StartAutoRun(list), ShouldEqual, 2)

		starts := f.forkers.starts()
		So(starts, ShouldHaveLength, 2)
		So(starts[0].UID, ShouldEqual, "web-1")
		So(starts[0].Node, ShouldEqual, "node-a")
		So(starts[0].Arguments, ShouldResemble, []string{"boot.sh", "--port", "80"})
		So(starts[1].Name, ShouldEqual, "db")
		So(starts[1].UID, ShouldNotBeEmpty)
		So(starts[1].Environment["DB"], ShouldEqual, "pg")

		Convey("A lost auto-run isolate is restarted, not recomposed", func() {
			f.mon.HandleLostIsolate("web-1", "web")
			starts := f.forkers.starts()
			So(starts, ShouldHaveLength, 3)
			So(starts[2].UID, ShouldEqual, "web-1")
			So(f.comp.lost, ShouldBeEmpty)
			st, _ := f.mon.Status().Get("web-1")
			So(st.State, ShouldEqual, Starting)
		})

		Convey("Closing the monitor stops them", func() {
			f.mon.Close()
			So(len(f.forkers.stops()), ShouldEqual, 2)
		})
	})
}

func TestMonitorStop(t *testing.T) {
	Convey("Given a monitor with running isolates", t, func() {
		f := newMonitorFixture(nil)
		So(f.mon.StartIsolate("a", "boot", "", nil), ShouldBeNil)
		So(f.mon.StartIsolate("b", "boot", "", nil), ShouldBeNil)
		uids := f.mon.Status().Running()
		So(uids, ShouldHaveLength, 2)

		Convey("Stopping the platform stops everything and tells the monitors", func() {
			f.mon.HandleSignal(cohorte.SignalMonitorStopPlatform, signal("x", "x", "node-b", nil))
			select {
			case <-f.mon.Done():
			case <-time.After(2 * time.Second):
			}
			So(f.mon.IsStopping(), ShouldBeTrue)
			So(f.forkers.stopping, ShouldBeTrue)
			So(f.forkers.stops(), ShouldResemble, uids)
			So(f.notifier.get(), ShouldResemble, []string{
				cohorte.SignalMonitorPlatformStopping + " MONITORS -mon"})
			So(f.comp.stopping, ShouldBeFalse)

			Convey("Lost isolates are no longer recomposed", func() {
				f.mon.HandleLostIsolate(uids[0], "a")
				So(f.comp.lost, ShouldBeEmpty)
				So(errors.Is(f.mon.StartIsolate("c", "boot", "", nil), cohorte.ErrPlatformStopping), ShouldBeTrue)
			})

			Convey("A second order changes nothing", func() {
				f.mon.StopPlatform()
				So(f.forkers.stops(), ShouldHaveLength, 2)
			})
		})

		Convey("Stopping the node stops the composer too, silently", func() {
			f.mon.StopNode()
			<-f.mon.Done()
			So(f.comp.stopping, ShouldBeTrue)
			So(f.forkers.stops(), ShouldResemble, uids)
			So(f.notifier.get(), ShouldBeEmpty)
		})

		Convey("A platform-stopping notice only sets the latch", func() {
			f.mon.HandleSignal(cohorte.SignalMonitorPlatformStopping, signal("m2", cohorte.MonitorName, "node-b", nil))
			So(f.mon.IsStopping(), ShouldBeTrue)
			So(f.forkers.stops(), ShouldBeEmpty)
		})
	})
}

func TestKinds(t *testing.T) {
	Convey("Kind templates are read from YAML", t, func() {
		kinds, err := ReadKinds(strings.NewReader(`
kinds:
  pelix:
    language: python
    arguments: ["-m", "cohorte.boot"]
  osgi:
    kind: java-osgi
    language: java
`))
		So(err, ShouldBeNil)
		So(kinds, ShouldHaveLength, 2)
		So(kinds["pelix"].Kind, ShouldEqual, "pelix")
		So(kinds["pelix"].Arguments, ShouldResemble, []string{"-m", "cohorte.boot"})
		So(kinds["osgi"].Kind, ShouldEqual, "java-osgi")

		Convey("Missing files declare nothing", func() {
			kinds, err := LoadKinds("/nonexistent/kinds.yaml")
			So(err, ShouldBeNil)
			So(kinds, ShouldBeEmpty)
			list, err := LoadAutoRun("/nonexistent/autorun.yaml")
			So(err, ShouldBeNil)
			So(list, ShouldBeEmpty)
		})
	})
}
