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
	"errors"
	"fmt"
	"sync"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/cohorte/cohorte-runtime"
)

type presenceEvent struct {
	uid   string
	node  string
	event Presence
}

type presenceRecorder struct {
	events []presenceEvent
	sync.Mutex
}

func (r *presenceRecorder) HandlePresence(uid, name, node string, port int, event Presence) {
	r.Lock()
	r.events = append(r.events, presenceEvent{uid: uid, node: node, event: event})
	r.Unlock()
}

func (r *presenceRecorder) get() []presenceEvent {
	r.Lock()
	defer r.Unlock()
	return append([]presenceEvent(nil), r.events...)
}

func TestDirectorySelf(t *testing.T) {
	Convey("A new directory knows only itself", t, func() {
		d := NewDirectory("self", cohorte.MonitorName, "node-a",
			WithDirectoryLogger(testLogger(t)))
		defer d.Close()

		So(d.Port(), ShouldEqual, -1)
		So(d.IsRegistered("self"), ShouldBeTrue)
		host, ok := d.GetHost("node-a")
		So(ok, ShouldBeTrue)
		So(host, ShouldEqual, LocalHost)

		Convey("It is unreachable until its port is set", func() {
			So(d.GetComputedGroupAccesses(GroupAll), ShouldBeNil)
			_, ok := d.GetIsolateAccess("self")
			So(ok, ShouldBeFalse)

			d.SetLocalPort(9000)
			acc := d.GetComputedGroupAccesses(GroupCurrent)
			So(acc, ShouldHaveLength, 1)
			So(acc["self"].Local, ShouldBeTrue)
			So(acc["self"].Address(), ShouldEqual, "localhost:9000")
		})

		Convey("It cannot be unregistered", func() {
			So(d.UnregisterIsolate("self"), ShouldBeFalse)
			So(d.IsRegistered("self"), ShouldBeTrue)
		})

		Convey("Unknown groups resolve to nothing", func() {
			d.SetLocalPort(9000)
			So(d.GetComputedGroupAccesses(Group("BOGUS")), ShouldBeNil)
		})
	})
}

func TestDirectoryRegister(t *testing.T) {
	Convey("Registering isolates", t, func() {
		d := NewDirectory("self", cohorte.MonitorName, "node-a")
		rec := &presenceRecorder{}
		d.AddListener(rec)

		Convey("Missing fields are rejected", func() {
			_, err := d.RegisterIsolate("", "n", "node-a", 1, true)
			So(errors.Is(err, cohorte.ErrInvalidParameter), ShouldBeTrue)
			_, err = d.RegisterIsolate("u", "", "node-a", 1, true)
			So(errors.Is(err, cohorte.ErrInvalidParameter), ShouldBeTrue)
			_, err = d.RegisterIsolate("u", "n", "", 1, true)
			So(errors.Is(err, cohorte.ErrInvalidParameter), ShouldBeTrue)
			d.Close()
			So(rec.get(), ShouldBeEmpty)
		})

		Convey("A validated isolate is announced once", func() {
			ok, err := d.RegisterIsolate("u1", "iso", "node-a", 9001, true)
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)

			ok, err = d.RegisterIsolate("u1", "iso", "node-a", 9001, true)
			So(err, ShouldBeNil)
			So(ok, ShouldBeFalse)

			So(d.UnregisterIsolate("u1"), ShouldBeTrue)
			So(d.UnregisterIsolate("u1"), ShouldBeFalse)
			d.Close()

			So(rec.get(), ShouldResemble, []presenceEvent{
				{"u1", "node-a", Registered},
				{"u1", "node-a", Unregistered},
			})
		})

		Convey("An unvalidated isolate waits for validation", func() {
			ok, _ := d.RegisterIsolate("u2", "iso", "node-b", 9002, false)
			So(ok, ShouldBeTrue)
			So(d.IsRegistered("u2"), ShouldBeFalse)

			So(d.ValidateIsolatePresence("u2"), ShouldBeTrue)
			So(d.ValidateIsolatePresence("u2"), ShouldBeFalse)
			So(d.IsRegistered("u2"), ShouldBeTrue)
			d.Close()

			So(rec.get(), ShouldResemble, []presenceEvent{
				{"u2", "node-b", Registered},
			})
		})

		Convey("Removing a waiting isolate is silent", func() {
			d.RegisterIsolate("u3", "iso", "node-b", 9003, false)
			So(d.UnregisterIsolate("u3"), ShouldBeTrue)
			d.Close()
			So(rec.get(), ShouldBeEmpty)
		})

		Convey("Moving an isolate to another node", func() {
			d.RegisterIsolate("u4", "iso", "node-a", 9004, true)
			d.RegisterIsolate("u4", "iso", "node-b", 9004, true)
			So(d.GetIsolatesOnNode("node-a"), ShouldResemble, []string{"self"})
			So(d.GetIsolatesOnNode("node-b"), ShouldResemble, []string{"u4"})
			node, _ := d.GetIsolateNode("u4")
			So(node, ShouldEqual, "node-b")
			d.Close()

			So(rec.get(), ShouldResemble, []presenceEvent{
				{"u4", "node-a", Registered},
				{"u4", "node-a", Unregistered},
				{"u4", "node-b", Registered},
			})
		})
	})
}

func TestDirectoryGroups(t *testing.T) {
	Convey("Computed groups", t, func() {
		d := NewDirectory("mon", cohorte.MonitorName, "node-a")
		defer d.Close()
		d.SetLocalPort(9000)
		d.SetNodeAddress("node-b", "10.0.0.2")

		d.RegisterIsolate("fa", cohorte.ForkerName, "node-a", 9001, true)
		d.RegisterIsolate("fb", cohorte.ForkerName, "node-b", 9001, true)
		d.RegisterIsolate("ia", "app", "node-a", 9002, true)
		d.RegisterIsolate("ib", "app", "node-b", 9002, true)
		d.RegisterIsolate("ic", "app", "node-c", 9003, true)

		keys := func(m map[string]Access) []string {
			set := make(map[string]bool)
			for k := range m {
				set[k] = true
			}
			return sortedKeys(set)
		}

		So(keys(d.GetComputedGroupAccesses(GroupAll)), ShouldResemble,
			[]string{"fa", "fb", "ia", "ib", "mon"})
		So(keys(d.GetComputedGroupAccesses(GroupOthers)), ShouldResemble,
			[]string{"fa", "fb", "ia", "ib"})
		So(keys(d.GetComputedGroupAccesses(GroupForkers)), ShouldResemble,
			[]string{"fa", "fb"})
		So(keys(d.GetComputedGroupAccesses(GroupMonitors)), ShouldResemble,
			[]string{"mon"})
		So(keys(d.GetComputedGroupAccesses(GroupIsolates)), ShouldResemble,
			[]string{"ia", "ib", "mon"})
		So(keys(d.GetComputedGroupAccesses(GroupNeighbours)), ShouldResemble,
			[]string{"fa", "ia"})

		Convey("Peers of a node without host are unreachable", func() {
			_, ok := d.GetIsolateAccess("ic")
			So(ok, ShouldBeFalse)
			d.SetNodeAddress("node-c", "10.0.0.3")
			acc, ok := d.GetIsolateAccess("ic")
			So(ok, ShouldBeTrue)
			So(acc.Address(), ShouldEqual, "10.0.0.3:9003")
		})

		Convey("Names and nodes are indexed", func() {
			So(d.GetNameUIDs("app"), ShouldResemble, []string{"ia", "ib", "ic"})
			So(d.GetNameUIDs(cohorte.ForkerName), ShouldResemble, []string{"fa", "fb"})
			So(d.GetAllNodes(), ShouldResemble, []string{"node-a", "node-b", "node-c"})
			So(d.SetNodeAddress("node-b", ""), ShouldEqual, "10.0.0.2")
		})
	})
}

func TestDirectoryConcurrency(t *testing.T) {
	Convey("Concurrent registrations keep the indexes consistent", t, func() {
		d := NewDirectory("self", cohorte.MonitorName, "node-a")
		defer d.Close()
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				uid := fmt.Sprintf("u%02d", i)
				d.RegisterIsolate(uid, "iso", "node-a", 9000+i, true)
				if i%2 == 0 {
					d.UnregisterIsolate(uid)
				}
			}(i)
		}
		wg.Wait()
		So(d.GetNameUIDs("iso"), ShouldHaveLength, 10)
		So(d.GetIsolatesOnNode("node-a"), ShouldHaveLength, 11)
	})
}

func TestDirectoryDump(t *testing.T) {
	Convey("Dumps are merged into another directory", t, func() {
		src := NewDirectory("mon", cohorte.MonitorName, "node-a")
		defer src.Close()
		src.SetLocalPort(9000)
		src.SetNodeAddress("node-b", "10.0.0.2")
		src.SetNodeName("node-b", "second")
		src.RegisterIsolate("ib", "app", "node-b", 9002, true)
		src.RegisterIsolate("fc", cohorte.ForkerName, "node-c", 9003, true)

		dst := NewDirectory("fc", cohorte.ForkerName, "node-c")
		defer dst.Close()
		added := dst.StoreDump(src.Dump(), []string{"node-a"}, nil)

		So(added, ShouldResemble, []string{"ib", "mon"})
		host, _ := dst.GetHost("node-c")
		So(host, ShouldEqual, LocalHost)
		host, _ = dst.GetHost("node-b")
		So(host, ShouldEqual, "10.0.0.2")
		_, ok := dst.GetHost("node-a")
		So(ok, ShouldBeFalse)
		So(dst.IsRegistered("mon"), ShouldBeFalse)

		Convey("Storing it again adds nothing", func() {
			So(dst.StoreDump(src.Dump(), []string{"node-a"}, nil), ShouldBeNil)
			So(dst.StoreDump(nil, nil, nil), ShouldBeNil)
		})
	})
}
