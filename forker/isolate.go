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
	"bufio"
	"encoding/json"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/cohorte/cohorte-runtime"
)

// StatusMarker prefixes the progress reports isolates print on their
// output, as StatusMarker + "::" + JSON.
const StatusMarker = "cohorte.isolate.status"

// IsolateStatus is a progress report printed by an isolate.
type IsolateStatus struct {
	Type      string  `json:"type"`
	Progress  float64 `json:"progress"`
	State     string  `json:"state"`
	UID       string  `json:"UID"`
	Timestamp int64   `json:"timestamp"`
}

func parseStatus(line string) (*IsolateStatus, bool) {
	idx := strings.Index(line, StatusMarker+"::")
	if idx < 0 {
		return nil, false
	}
	var st IsolateStatus
	data := line[idx+len(StatusMarker)+2:]
	if err := json.Unmarshal([]byte(data), &st); err != nil || st.Type != "IsolateStatus" {
		return nil, false
	}
	return &st, true
}

// isolate is one supervised process.
type isolate struct {
	uid      string
	name     string
	kind     string
	config   *IsolateConfig
	dir      string
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	log      *cohorte.Log
	mlog     *cohorte.MultiLogger
	started  time.Time
	stopTime time.Duration

	// exited is closed once the process is reaped; err is set before.
	exited chan struct{}
	err    error

	// stopping is set, under the forker lock, when the forker itself
	// stops the process.
	stopping bool
}

func (iso *isolate) doWait() {
	iso.err = iso.cmd.Wait()
	close(iso.exited)
}

func (iso *isolate) hasExited() bool {
	select {
	case <-iso.exited:
		return true
	default:
		return false
	}
}

func (iso *isolate) pid() int {
	if p := iso.cmd.Process; p != nil {
		return p.Pid
	}
	return -1
}

// readLines calls fn for each line of r, until EOF.
func readLines(r io.Reader, fn func(string)) {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if len(line) != 0 {
			fn(strings.TrimRight(line, "\r\n"))
		}
		if err != nil {
			return
		}
	}
}
