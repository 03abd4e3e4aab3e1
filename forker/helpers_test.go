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

// testPeer is a signal stack served on a loopback port.
type testPeer struct {
	dir    *signals.Directory
	recv   *signals.Receiver
	sender *signals.Sender
	server *httptest.Server
	port   int
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
	return p
}

// know registers other in the directory of p.
func (p *testPeer) know(other *testPeer) {
	p.dir.RegisterIsolate(other.dir.UID(), other.dir.Name(), other.dir.Node(), other.port, true)
}

func (p *testPeer) close() {
	p.server.Close()
	p.dir.Close()
}

// collect returns a channel receiving the content of every signal name
// delivered to p, decoded as a string when possible.
func (p *testPeer) collect(name string) chan *signals.Message {
	ch := make(chan *signals.Message, 16)
	p.recv.Register(name, signals.ListenerFunc(func(name string, msg *signals.Message) (interface{}, error) {
		ch <- msg
		return nil, nil
	}))
	return ch
}

// eventually polls cond for up to d.
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
