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

package aggregator

import (
	"net"
	"net/http/httptest"
	"net/url"
	"strconv"
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

// testPeer is a complete signal stack, directory handshake included,
// served on a loopback port.
type testPeer struct {
	dir     *signals.Directory
	recv    *signals.Receiver
	sender  *signals.Sender
	updater *signals.Updater
	server  *httptest.Server
	port    int
}

func newTestPeer(t *testing.T, uid, name, node string) *testPeer {
	zl := testLogger(t)
	p := &testPeer{}
	p.dir = signals.NewDirectory(uid, name, node, signals.WithDirectoryLogger(zl))
	p.recv = signals.NewReceiver(signals.WithReceiverLogger(zl))
	p.server = httptest.NewServer(p.recv)
	u, _ := url.Parse(p.server.URL)
	p.port, _ = strconv.Atoi(u.Port())
	p.dir.SetLocalPort(p.port)
	tr := signals.NewTransport(signals.WithLocalReceiver(p.recv),
		signals.WithTransportLogger(zl), signals.WithConnectTimeout(500*time.Millisecond))
	p.sender = signals.NewSender(p.dir, tr, zl)
	p.updater = signals.NewUpdater(p.dir, p.recv, p.sender, zl)
	p.updater.Start()
	return p
}

func (p *testPeer) close() {
	p.updater.Stop()
	p.server.Close()
	p.dir.Close()
}

func (p *testPeer) collect(name string) chan *signals.Message {
	ch := make(chan *signals.Message, 16)
	p.recv.Register(name, signals.ListenerFunc(func(name string, msg *signals.Message) (interface{}, error) {
		ch <- msg
		return nil, nil
	}))
	return ch
}

func (p *testPeer) answer(name string, result interface{}) {
	p.recv.Register(name, signals.ListenerFunc(func(string, *signals.Message) (interface{}, error) {
		return result, nil
	}))
}

// drain returns the string contents received on ch within d.
func drain(ch chan *signals.Message, d time.Duration) []string {
	var rv []string
	timer := time.After(d)
	for {
		select {
		case msg := <-ch:
			var s string
			msg.Decode(&s)
			rv = append(rv, s)
		case <-timer:
			return rv
		}
	}
}

func closedPort() int {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 1
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
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

type forkerEvent struct {
	uid   string
	node  string
	ready bool
}

type recorder chan forkerEvent

func (r recorder) ForkerReady(uid, node string) { r <- forkerEvent{uid, node, true} }
func (r recorder) ForkerLost(uid, node string)  { r <- forkerEvent{uid, node, false} }

// fakeClock is a settable clock.
type fakeClock struct {
	now time.Time
	sync.Mutex
}

func (c *fakeClock) Now() time.Time {
	c.Lock()
	defer c.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.Lock()
	c.now = t
	c.Unlock()
}
