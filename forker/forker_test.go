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

//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris
// +build darwin dragonfly freebsd linux netbsd openbsd solaris

// These tests spawn /bin/sh children, so they only run on POSIX systems.

package forker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/cohorte/cohorte-runtime"
	"github.com/cohorte/cohorte-runtime/signals"
)

func shStarter(kind, script string) *Starter {
	st := NewStarter(kind, "/bin/sh", "-c", script)
	st.Detached = true
	return st
}

// newTestForker returns a forker on node-a whose peer "mon", a monitor on
// the same node, sees its signals.
func newTestForker(t *testing.T, opts ...Option) (*Forker, *testPeer, *testPeer) {
	fp := newTestPeer(t, "forker-1", cohorte.ForkerName, "node-a")
	mon := newTestPeer(t, "mon", cohorte.MonitorName, "node-a")
	fp.know(mon)
	mon.know(fp)

	base := t.TempDir()
	all := append([]Option{
		WithLogger(testLogger(t)),
		WithDirectories(base, base),
		WithStarter(shStarter(DefaultKind, "exec sleep 3600")),
		WithStopTimeout(2 * time.Second),
	}, opts...)
	f := NewForker(fp.dir, fp.sender, all...)
	f.Listen(fp.recv)
	return f, fp, mon
}

func TestForkerStart(t *testing.T) {
	Convey("Starting an isolate without UID", t, func() {
		f, fp, mon := newTestForker(t)
		defer mon.close()
		defer fp.close()
		defer f.Close()

		uid, res := f.StartIsolate(&IsolateConfig{Name: "foo"})
		So(res, ShouldEqual, Success)
		So(uid, ShouldNotBeEmpty)
		So(f.Ping(uid), ShouldEqual, Alive)

		info, ok := f.Isolate(uid)
		So(ok, ShouldBeTrue)
		So(info.Dir, ShouldEqual, filepath.Join(f.base, "var", "foo", "000-"+uid))
		st, err := os.Stat(info.Dir)
		So(err, ShouldBeNil)
		So(st.IsDir(), ShouldBeTrue)
		So(info.PID, ShouldBeGreaterThan, 0)

		Convey("The same UID cannot run twice", func() {
			_, res := f.StartIsolate(&IsolateConfig{UID: uid, Name: "foo"})
			So(res, ShouldEqual, AlreadyRunning)
		})

		Convey("Unknown isolates are dead", func() {
			So(f.Ping("nobody"), ShouldEqual, Dead)
		})

		Convey("The isolate list changes", func() {
			list, serial := f.Isolates()
			So(list, ShouldHaveLength, 1)
			So(list[0].UID, ShouldEqual, uid)
			So(f.WatchIsolates(serial, 0), ShouldEqual, serial)
			So(f.StopIsolate(uid, 0), ShouldBeNil)
			So(f.WatchIsolates(serial, time.Second), ShouldNotEqual, serial)
		})
	})

	Convey("Bad configurations are refused", t, func() {
		f, fp, mon := newTestForker(t)
		defer mon.close()
		defer fp.close()
		defer f.Close()

		_, res := f.StartIsolate(nil)
		So(res, ShouldEqual, InvalidParameter)
		_, res = f.StartIsolate(&IsolateConfig{})
		So(res, ShouldEqual, InvalidParameter)
		_, res = f.StartIsolate(&IsolateConfig{Name: "foo", Kind: "nokind"})
		So(res, ShouldEqual, InvalidParameter)

		Convey("A missing command is a bad parameter", func() {
			f.starters["ghost"] = &Starter{Kind: "ghost", Command: []string{"/no/such/command"}, Detached: true}
			uid, res := f.StartIsolate(&IsolateConfig{Name: "ghost", Kind: "ghost"})
			So(res, ShouldEqual, InvalidParameter)
			So(f.Ping(uid), ShouldEqual, Dead)
			_, known := f.States().Get(uid)
			So(known, ShouldBeFalse)
		})
	})
}

func TestForkerWorkingDirectories(t *testing.T) {
	Convey("Working directory indexes are never reused", t, func() {
		f, fp, mon := newTestForker(t)
		defer mon.close()
		defer fp.close()
		defer f.Close()

		parent := filepath.Join(f.base, "var", "foo")
		So(os.MkdirAll(filepath.Join(parent, "007-old"), 0755), ShouldBeNil)

		var dirs []string
		for i := 0; i < 3; i++ {
			uid, res := f.StartIsolate(&IsolateConfig{Name: "foo"})
			So(res, ShouldEqual, Success)
			info, _ := f.Isolate(uid)
			dirs = append(dirs, filepath.Base(info.Dir))
			So(f.StopIsolate(uid, 0), ShouldBeNil)
		}
		So(strings.HasPrefix(dirs[0], "008-"), ShouldBeTrue)
		So(strings.HasPrefix(dirs[1], "009-"), ShouldBeTrue)
		So(strings.HasPrefix(dirs[2], "010-"), ShouldBeTrue)
	})
}

func TestForkerLost(t *testing.T) {
	Convey("An isolate killed from outside is lost", t, func() {
		f, fp, mon := newTestForker(t)
		defer mon.close()
		defer fp.close()
		defer f.Close()

		lost := mon.collect(cohorte.SignalIsolateLost)
		listened := make(chan string, 1)
		f.AddLostListener(LostFunc(func(uid, name string) {
			listened <- uid + "/" + name
		}))

		uid, res := f.StartIsolate(&IsolateConfig{Name: "foo"})
		So(res, ShouldEqual, Success)
		info, _ := f.Isolate(uid)
		So(syscall.Kill(info.PID, syscall.SIGKILL), ShouldBeNil)

		So(eventually(2*time.Second, func() bool { return f.Ping(uid) == Dead }), ShouldBeTrue)

		select {
		case msg := <-lost:
			var got string
			So(msg.Decode(&got), ShouldBeNil)
			So(got, ShouldEqual, uid)
			So(msg.SenderUID, ShouldEqual, "forker-1")
		case <-time.After(2 * time.Second):
			So("no lost signal", ShouldBeEmpty)
		}
		select {
		case got := <-listened:
			So(got, ShouldEqual, uid+"/foo")
		case <-time.After(2 * time.Second):
			So("no lost notification", ShouldBeEmpty)
		}

		Convey("Its log survives", func() {
			_, err := f.IsolateLog(uid)
			So(err, ShouldBeNil)
			So(errors.Is(f.StopIsolate(uid, 0), cohorte.ErrUnknownIsolate), ShouldBeTrue)
		})
	})
}

func TestForkerStop(t *testing.T) {
	Convey("Stopping isolates", t, func() {
		f, fp, mon := newTestForker(t,
			WithStarter(shStarter("stubborn", "trap '' TERM; while true; do sleep 0.1; done")))
		defer mon.close()
		defer fp.close()
		defer f.Close()
		lost := mon.collect(cohorte.SignalIsolateLost)

		Convey("A cooperative isolate stops on SIGTERM", func() {
			uid, _ := f.StartIsolate(&IsolateConfig{Name: "foo"})
			start := time.Now()
			So(f.StopIsolate(uid, 5*time.Second), ShouldBeNil)
			So(time.Since(start), ShouldBeLessThan, 5*time.Second)
			So(f.Ping(uid), ShouldEqual, Dead)
			select {
			case msg := <-lost:
				var got string
				msg.Decode(&got)
				So(got, ShouldEqual, uid)
			case <-time.After(2 * time.Second):
				So("no lost signal", ShouldBeEmpty)
			}
		})

		Convey("A stubborn isolate is killed after the timeout", func() {
			uid, res := f.StartIsolate(&IsolateConfig{Name: "bar", Kind: "stubborn"})
			So(res, ShouldEqual, Success)
			time.Sleep(100 * time.Millisecond)
			start := time.Now()
			So(f.StopIsolate(uid, 300*time.Millisecond), ShouldBeNil)
			So(time.Since(start), ShouldBeGreaterThanOrEqualTo, 300*time.Millisecond)
			So(f.Ping(uid), ShouldEqual, Dead)
		})

		Convey("Nothing is broadcast once the platform stops", func() {
			uid, _ := f.StartIsolate(&IsolateConfig{Name: "foo"})
			f.SetPlatformStopping()
			So(f.StopIsolate(uid, 0), ShouldBeNil)
			select {
			case <-lost:
				So("unexpected lost signal", ShouldBeEmpty)
			case <-time.After(200 * time.Millisecond):
			}
		})
	})
}

func TestForkerPlatformStopping(t *testing.T) {
	Convey("Once the platform stops, nothing starts", t, func() {
		f, fp, mon := newTestForker(t)
		defer mon.close()
		defer fp.close()
		defer f.Close()

		So(f.IsAlive(), ShouldBeTrue)
		f.SetPlatformStopping()
		f.SetPlatformStopping()
		So(f.IsAlive(), ShouldBeFalse)
		So(f.IsPlatformStopping(), ShouldBeTrue)

		for i := 0; i < 3; i++ {
			_, res := f.StartIsolate(&IsolateConfig{Name: "foo"})
			So(res, ShouldEqual, Unavailable)
		}
		list, _ := f.Isolates()
		So(list, ShouldBeEmpty)
		_, err := os.Stat(filepath.Join(f.base, "var", "foo"))
		So(os.IsNotExist(err), ShouldBeTrue)
	})
}

func TestForkerRendezvous(t *testing.T) {
	Convey("Given isolates that report their state", t, func() {
		st := NewStarter(DefaultKind, "/bin/sh", "-c", "exec sleep 3600")
		f, fp, mon := newTestForker(t, WithStarter(st),
			WithStartTimeout(500*time.Millisecond),
			WithStarter(&Starter{Kind: "short", Command: []string{"/bin/sh", "-c", "exit 3"}}))
		defer mon.close()
		defer fp.close()
		defer f.Close()

		report := func(uid string, state State) {
			go func() {
				eventually(2*time.Second, func() bool {
					return f.States().Update(uid, state) == nil
				})
			}()
		}

		Convey("Loaded releases the start", func() {
			report("iso-1", StateLoaded)
			uid, res := f.StartIsolate(&IsolateConfig{UID: "iso-1", Name: "foo"})
			So(res, ShouldEqual, Success)
			So(f.Ping(uid), ShouldEqual, Alive)
			info, _ := f.Isolate(uid)
			So(info.State, ShouldEqual, StateLoaded)
		})

		Convey("Failed aborts it", func() {
			report("iso-2", StateFailed)
			_, res := f.StartIsolate(&IsolateConfig{UID: "iso-2", Name: "foo"})
			So(res, ShouldEqual, RunnerException)
			So(f.Ping("iso-2"), ShouldEqual, Dead)
		})

		Convey("Silence times out", func() {
			start := time.Now()
			_, res := f.StartIsolate(&IsolateConfig{UID: "iso-3", Name: "foo"})
			So(res, ShouldEqual, RunnerException)
			So(time.Since(start), ShouldBeGreaterThanOrEqualTo, 500*time.Millisecond)
			So(f.Ping("iso-3"), ShouldEqual, Dead)
		})

		Convey("An early exit does not wait for the timeout", func() {
			_, res := f.StartIsolate(&IsolateConfig{UID: "iso-4", Name: "foo", Kind: "short"})
			So(res, ShouldEqual, RunnerException)
		})
	})
}

func TestForkerOutput(t *testing.T) {
	Convey("Isolate output is captured", t, func() {
		script := `echo "env: $COHORTE_UID $COHORTE_NAME $FOO"; echo "args: $0 $*"; ` +
			`echo 'cohorte.isolate.status::{"type":"IsolateStatus","progress":0.5,"state":"loading"}'; ` +
			`echo oops 1>&2; exec sleep 3600`
		f, fp, mon := newTestForker(t, WithStarter(shStarter(DefaultKind, script)))
		defer mon.close()
		defer fp.close()
		defer f.Close()
		status := mon.collect(cohorte.SignalIsolateStatus)

		uid, res := f.StartIsolate(&IsolateConfig{
			UID:         "iso-out",
			Name:        "foo",
			Environment: map[string]interface{}{"FOO": 42},
		})
		So(res, ShouldEqual, Success)

		log, err := f.IsolateLog(uid)
		So(err, ShouldBeNil)
		So(eventually(2*time.Second, func() bool { return len(log.Lines()) >= 3 }), ShouldBeTrue)
		lines := log.Lines()
		So(lines[0], ShouldEqual, "env: iso-out foo 42")
		So(lines[1], ShouldContainSubstring, "--uid=iso-out")
		So(lines[1], ShouldContainSubstring, "--name=foo")
		So(lines[1], ShouldContainSubstring, "--node=node-a")
		So(lines[1], ShouldContainSubstring, "--logfile=")
		So(lines[2], ShouldEqual, "oops")
		So(f.Log().Lines(), ShouldContain, "oops")

		select {
		case msg := <-status:
			var st IsolateStatus
			So(msg.Decode(&st), ShouldBeNil)
			So(st.UID, ShouldEqual, "iso-out")
			So(st.Progress, ShouldEqual, 0.5)
		case <-time.After(2 * time.Second):
			So("no status signal", ShouldBeEmpty)
		}
	})
}

func TestForkerSignals(t *testing.T) {
	Convey("Forker orders arrive as signals", t, func() {
		f, fp, mon := newTestForker(t)
		defer mon.close()
		defer fp.close()
		defer f.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		send := func(name string, content interface{}) string {
			results, failed, err := mon.sender.Send(ctx, name, content,
				signals.ToIsolate("forker-1"))
			So(err, ShouldBeNil)
			So(failed, ShouldBeEmpty)
			if len(results["forker-1"]) == 0 {
				return ""
			}
			return string(results["forker-1"][0])
		}

		So(send(cohorte.SignalForkerStart, &IsolateConfig{UID: "iso-s", Name: "foo"}), ShouldEqual, "0")
		So(send(cohorte.SignalForkerPing, &Order{UID: "iso-s"}), ShouldEqual, "0")
		So(send(cohorte.SignalForkerStop, &Order{UID: "iso-s"}), ShouldEqual, "0")
		So(send(cohorte.SignalForkerPing, &Order{UID: "iso-s"}), ShouldEqual, "1")
		So(send(cohorte.SignalForkerStop, &Order{UID: "iso-s"}), ShouldEqual, "3")
		So(send(cohorte.SignalForkerPlatformStopping, nil), ShouldEqual, "")
		So(send(cohorte.SignalForkerStart, &IsolateConfig{Name: "foo"}), ShouldEqual, "4")
	})
}

func TestForkerClose(t *testing.T) {
	Convey("Closing a forker stops its isolates", t, func() {
		f, fp, mon := newTestForker(t)
		defer mon.close()
		defer fp.close()
		notice := mon.collect(cohorte.SignalForkerStopping)

		var uids []string
		for i := 0; i < 3; i++ {
			uid, res := f.StartIsolate(&IsolateConfig{Name: "foo"})
			So(res, ShouldEqual, Success)
			uids = append(uids, uid)
		}
		f.Close()
		f.Close()

		for _, uid := range uids {
			So(f.Ping(uid), ShouldEqual, Dead)
		}
		So(f.IsAlive(), ShouldBeFalse)
		select {
		case msg := <-notice:
			var n StoppingNotice
			So(msg.Decode(&n), ShouldBeNil)
			So(n.UID, ShouldEqual, "forker-1")
			So(n.Isolates, ShouldHaveLength, 3)
		case <-time.After(2 * time.Second):
			So("no stopping notice", ShouldBeEmpty)
		}
	})
}

func TestForkerBroker(t *testing.T) {
	Convey("Configurations live as long as their isolate", t, func() {
		b, err := NewBadgerBroker("")
		So(err, ShouldBeNil)
		defer b.Close()
		b.SetBaseURL("http://127.0.0.1:1")
		f, fp, mon := newTestForker(t, WithBroker(b))
		defer mon.close()
		defer fp.close()
		defer f.Close()

		uid, res := f.StartIsolate(&IsolateConfig{Name: "foo", Properties: map[string]interface{}{"a": "b"}})
		So(res, ShouldEqual, Success)
		cfg, err := b.GetConfiguration(uid)
		So(err, ShouldBeNil)
		So(cfg.Properties["a"], ShouldEqual, "b")
		So(cfg.UID, ShouldEqual, uid)

		So(f.StopIsolate(uid, 0), ShouldBeNil)
		_, err = b.GetConfiguration(uid)
		So(err, ShouldEqual, ErrNotFound)
	})
}
