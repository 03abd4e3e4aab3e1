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
	"errors"
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/cohorte/cohorte-runtime"
)

var testBundles = map[string]Bundle{
	"F-py":   {Name: "bundle.py", Version: "1.0", Language: "python"},
	"F-py2":  {Name: "bundle.py2", Version: "1.0", Language: "python"},
	"F-java": {Name: "bundle.java", Version: "2.0", Language: "java"},
}

type composerFixture struct {
	comp     *Composer
	mon      *fakeMonitor
	notifier *fakeNotifier
	status   *MemoryStatus
	dist     *LanguageDistributor
}

func newComposerFixture(t *testing.T, opts ...Option) *composerFixture {
	f := &composerFixture{
		mon:      newFakeMonitor(),
		notifier: &fakeNotifier{},
		status:   NewMemoryStatus(),
		dist:     NewLanguageDistributor(),
	}
	zl := testLogger(t)
	cmd := NewSignalCommander(f.notifier, f.status, zl)
	opts = append([]Option{
		WithLogger(zl),
		WithSettleDelay(0),
		WithFinder(NewMapFinder(testBundles)),
		WithDistributor(f.dist),
		WithStatus(f.status),
	}, opts...)
	f.comp = NewComposer("node-a", "alpha", f.mon, cmd, f.mon, opts...)
	return f
}

// started waits for the nth isolate start, and returns its order.
func (f *composerFixture) started(n int) startOrder {
	eventually(2*time.Second, func() bool { return len(f.mon.getStarts()) >= n })
	starts := f.mon.getStarts()
	if len(starts) < n {
		return startOrder{}
	}
	return starts[n-1]
}

// ready simulates the isolate reporting ready.
func (f *composerFixture) ready(uid, name string) {
	f.mon.add(uid, name)
	f.comp.HandleIsolateReady(uid, name)
}

func TestKind(t *testing.T) {
	Convey("Kinds follow the language", t, func() {
		So(Kind("python"), ShouldEqual, KindPelix)
		So(Kind("python3"), ShouldEqual, KindPelix)
		So(Kind("java"), ShouldEqual, KindOSGi)
		So(Kind("shell"), ShouldEqual, KindBoot)
		So(Kind(""), ShouldEqual, KindBoot)
	})
}

func TestComposerInstantiate(t *testing.T) {
	Convey("Given a composer on node alpha", t, func() {
		f := newComposerFixture(t)
		defer f.comp.Close()

		Convey("Unresolvable factories start nothing", func() {
			err := f.comp.Instantiate([]Component{
				{Name: "c1", Factory: "F1"},
				{Name: "c2", Factory: "F-py"},
				{Name: "c3", Factory: "F0"},
			})
			var missing *FactoriesMissing
			So(errors.As(err, &missing), ShouldBeTrue)
			So(missing.Factories, ShouldResemble, []string{"F0", "F1"})
			So(err.Error(), ShouldEqual, "Missing factories: F0, F1")

			time.Sleep(50 * time.Millisecond)
			So(f.mon.getStarts(), ShouldBeEmpty)
			So(f.status.Components(), ShouldBeEmpty)
		})

		Convey("A component of a new language gets a new isolate", func() {
			err := f.comp.Instantiate([]Component{{Name: "c1", Factory: "F-py"}})
			So(err, ShouldBeNil)

			order := f.started(1)
			So(strings.HasPrefix(order.name, "alpha-python-"), ShouldBeTrue)
			So(order.kind, ShouldEqual, KindPelix)
			So(order.language, ShouldEqual, "python")
			So(order.bundles, ShouldResemble, []Bundle{testBundles["F-py"]})

			stored := f.status.ComponentsFor(order.name)
			So(stored, ShouldHaveLength, 1)
			So(stored[0].Language, ShouldEqual, "python")
			So(f.notifier.get(), ShouldBeEmpty)

			Convey("Its components are sent once it is ready", func() {
				f.ready("u1", order.name)
				fired := f.notifier.get()
				So(fired, ShouldHaveLength, 1)
				So(fired[0].signal, ShouldEqual, cohorte.SignalComponentsInstantiate)
				So(fired[0].uid, ShouldEqual, "u1")
				So(componentNames(fired[0].content.([]Component)), ShouldResemble, []string{"c1"})
			})

			Convey("A running isolate of the same language is extended", func() {
				f.ready("u1", order.name)
				f.notifier.reset()

				So(f.comp.Instantiate([]Component{{Name: "c2", Factory: "F-py2"}}), ShouldBeNil)
				fired := f.notifier.get()
				So(fired, ShouldHaveLength, 1)
				So(fired[0].uid, ShouldEqual, "u1")
				So(componentNames(fired[0].content.([]Component)), ShouldResemble,
					[]string{"c1", "c2"})

				time.Sleep(50 * time.Millisecond)
				So(f.mon.getStarts(), ShouldHaveLength, 1)
				So(f.comp.Status()[order.name], ShouldHaveLength, 2)
			})

			Convey("Another language gets its own isolate", func() {
				So(f.comp.Instantiate([]Component{{Name: "c3", Factory: "F-java"}}), ShouldBeNil)
				order := f.started(2)
				So(strings.HasPrefix(order.name, "alpha-java-"), ShouldBeTrue)
				So(order.kind, ShouldEqual, KindOSGi)
			})
		})

		Convey("Running isolates left without components are stopped", func() {
			f.ready("u9", "idle")
			So(f.comp.Instantiate([]Component{{Name: "c3", Factory: "F-java"}}), ShouldBeNil)
			So(f.mon.getStopped(), ShouldResemble, []string{"u9"})
		})

		Convey("Nothing is instantiated once the platform stops", func() {
			f.comp.SetPlatformStopping()
			So(f.comp.IsController(), ShouldBeFalse)
			err := f.comp.Instantiate([]Component{{Name: "c1", Factory: "F-py"}})
			So(err, ShouldEqual, ErrNotController)
		})
	})
}

func TestComposerLostAndKill(t *testing.T) {
	Convey("Given components running in an isolate", t, func() {
		f := newComposerFixture(t)
		defer f.comp.Close()
		So(f.comp.Instantiate([]Component{
			{Name: "c1", Factory: "F-py"},
			{Name: "c2", Factory: "F-py2"},
		}), ShouldBeNil)
		first := f.started(1)
		f.ready("u1", first.name)
		f.notifier.reset()

		Convey("Losing the isolate places its components again", func() {
			f.comp.HandleLostIsolate("u1", first.name)

			second := f.started(2)
			So(second.name, ShouldNotEqual, first.name)
			So(second.kind, ShouldEqual, KindPelix)
			So(second.bundles, ShouldHaveLength, 2)

			events := f.dist.Events()
			So(events, ShouldHaveLength, 1)
			So(events[0].Kind, ShouldEqual, EventIsolateLost)
			So(events[0].Good, ShouldBeFalse)
			So(componentNames(events[0].Components), ShouldResemble, []string{"c1", "c2"})

			So(eventually(time.Second, func() bool {
				return len(f.status.ComponentsFor(second.name)) == 2
			}), ShouldBeTrue)
			So(f.status.ComponentsFor(first.name), ShouldBeEmpty)
		})

		Convey("Losing an unknown isolate changes nothing", func() {
			f.comp.HandleLostIsolate("u7", "stranger")
			time.Sleep(50 * time.Millisecond)
			So(f.mon.getStarts(), ShouldHaveLength, 1)
			So(f.dist.Events(), ShouldBeEmpty)
		})

		Convey("Killing components tells their isolate and forgets them", func() {
			f.comp.Kill([]Component{{Name: "c2"}})
			fired := f.notifier.get()
			So(fired, ShouldHaveLength, 1)
			So(fired[0].signal, ShouldEqual, cohorte.SignalComponentsKill)
			So(fired[0].uid, ShouldEqual, "u1")
			So(fired[0].content, ShouldResemble, []string{"c2"})
			So(f.status.Components(), ShouldBeEmpty)
		})
	})
}

func TestComposerRedistribution(t *testing.T) {
	Convey("Given a placement done by a scripted distributor", t, func() {
		dist := &funcDistributor{}
		dist.set(func(components []Component, running []Isolate) ([]Isolate, []Isolate) {
			return nil, []Isolate{{Name: "alpha-python-1", Language: "python", Components: components}}
		})
		f := newComposerFixture(t, WithDistributor(dist))
		defer f.comp.Close()

		So(f.comp.Instantiate([]Component{
			{Name: "c1", Factory: "F-py"},
			{Name: "c2", Factory: "F-py2"},
		}), ShouldBeNil)
		So(f.started(1).name, ShouldEqual, "alpha-python-1")
		f.ready("u1", "alpha-python-1")
		f.notifier.reset()

		Convey("An unchanged placement only rearms the timer", func() {
			dist.set(func(components []Component, running []Isolate) ([]Isolate, []Isolate) {
				return running, nil
			})
			f.comp.lock()
			f.comp.redistribute()
			armed := f.comp.timer != nil
			f.comp.unlock()

			So(armed, ShouldBeTrue)
			So(f.notifier.get(), ShouldBeEmpty)
			So(f.mon.getStarts(), ShouldHaveLength, 1)
		})

		Convey("Moved components are killed, then started elsewhere", func() {
			dist.set(func(components []Component, running []Isolate) ([]Isolate, []Isolate) {
				kept := running[0].Copy()
				kept.Components = []Component{components[0]}
				moved := Isolate{Name: "alpha-python-2", Language: "python",
					Components: []Component{components[1]}}
				return []Isolate{kept}, []Isolate{moved}
			})
			f.comp.lock()
			f.comp.redistribute()
			f.comp.unlock()

			fired := f.notifier.get()
			So(fired, ShouldHaveLength, 1)
			So(fired[0].signal, ShouldEqual, cohorte.SignalComponentsKill)
			So(fired[0].content, ShouldResemble, []string{"c2"})

			order := f.started(2)
			So(order.name, ShouldEqual, "alpha-python-2")
			So(order.bundles, ShouldResemble, []Bundle{testBundles["F-py2"]})
			So(componentNames(f.status.ComponentsFor("alpha-python-1")), ShouldResemble, []string{"c1"})
			So(componentNames(f.status.ComponentsFor("alpha-python-2")), ShouldResemble, []string{"c2"})
		})

		Convey("Isolates dropped from the placement are stopped", func() {
			dist.set(func(components []Component, running []Isolate) ([]Isolate, []Isolate) {
				return nil, []Isolate{{Name: "alpha-python-3", Language: "python", Components: components}}
			})
			f.comp.lock()
			f.comp.redistribute()
			f.comp.unlock()

			So(f.mon.getStopped(), ShouldResemble, []string{"u1"})
			So(f.started(2).name, ShouldEqual, "alpha-python-3")
		})
	})

	Convey("Given two running isolates of the same language", t, func() {
		f := newComposerFixture(t)
		defer f.comp.Close()
		f.status.Store([]Isolate{
			{Name: "alpha-python-a", Components: []Component{
				{Name: "c1", Factory: "F-py", Language: "python"}}},
			{Name: "alpha-python-b", Components: []Component{
				{Name: "c2", Factory: "F-py2", Language: "python"}}},
		})
		f.ready("u1", "alpha-python-a")
		f.ready("u2", "alpha-python-b")
		f.notifier.reset()

		Convey("Redistributing gathers them in a single isolate", func() {
			f.comp.lock()
			f.comp.redistribute()
			f.comp.unlock()

			fired := f.notifier.get()
			So(fired, ShouldHaveLength, 2)
			So(fired[0].signal, ShouldEqual, cohorte.SignalComponentsKill)
			So(fired[0].uid, ShouldEqual, "u2")
			So(fired[0].content, ShouldResemble, []string{"c2"})
			So(fired[1].signal, ShouldEqual, cohorte.SignalComponentsInstantiate)
			So(fired[1].uid, ShouldEqual, "u1")
			So(componentNames(fired[1].content.([]Component)), ShouldResemble, []string{"c1", "c2"})

			So(f.mon.getStopped(), ShouldResemble, []string{"u2"})
			So(f.status.Isolates(), ShouldResemble, []string{"alpha-python-a"})
			So(componentNames(f.status.Components()), ShouldResemble, []string{"c1", "c2"})
			So(f.mon.getStarts(), ShouldBeEmpty)
		})

		Convey("Instantiating a running component moves it", func() {
			So(f.comp.Instantiate([]Component{{Name: "c2", Factory: "F-py2"}}), ShouldBeNil)

			So(f.mon.getStopped(), ShouldResemble, []string{"u2"})
			So(f.status.Isolates(), ShouldResemble, []string{"alpha-python-a"})
			So(componentNames(f.status.ComponentsFor("alpha-python-a")), ShouldResemble,
				[]string{"c1", "c2"})
			So(f.status.Components(), ShouldHaveLength, 2)
		})
	})

	Convey("The redistribution timer keeps firing", t, func() {
		dist := &funcDistributor{}
		dist.set(func(components []Component, running []Isolate) ([]Isolate, []Isolate) {
			return running, nil
		})
		f := newComposerFixture(t, WithDistributor(dist),
			WithRedistributionDelay(20*time.Millisecond))
		defer f.comp.Close()

		So(f.comp.Instantiate(nil), ShouldBeNil)
		So(eventually(2*time.Second, func() bool { return dist.count() >= 4 }), ShouldBeTrue)

		f.comp.SetPlatformStopping()
		n := dist.count()
		time.Sleep(100 * time.Millisecond)
		So(dist.count(), ShouldBeLessThanOrEqualTo, n+1)
	})
}
