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
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// testLog sends log output to the test log.  Goroutines may outlive the
// test, so output is dropped once it has finished.
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
