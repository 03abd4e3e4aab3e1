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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/cohorte/cohorte-runtime"
)

// DefaultKind is the kind of isolates whose configuration names none.
const DefaultKind = "boot"

// Starter describes how one kind of isolate is launched.  Starters are
// usually read from JSON or YAML files.
type Starter struct {
	Kind        string        `json:"kind" yaml:"kind"`
	Description string        `json:"description" yaml:"description"`
	Command     []string      `json:"command" yaml:"command"`
	Env         []string      `json:"env" yaml:"env"`
	StopTime    time.Duration `json:"stopTime" yaml:"stopTime"`
	// Detached isolates never report their state, so starting them does
	// not wait for the loaded state.
	Detached bool `json:"detached" yaml:"detached"`
}

// spawn describes one launch of an isolate.
type spawn struct {
	uid       string
	name      string
	node      string
	nodeName  string
	home      string
	base      string
	dir       string
	brokerURL string
	stateURL  string
	config    *IsolateConfig
}

func (s *spawn) logFile() string {
	return filepath.Join(s.dir, fmt.Sprintf("log_%s_%s.log", s.name, s.uid))
}

// command builds the process of an isolate.  It does not start it.
func (st *Starter) command(sp *spawn) (*exec.Cmd, error) {
	if len(st.Command) == 0 || st.Command[0] == "" {
		return nil, cohorte.MissingField("starter command")
	}
	args := append([]string(nil), st.Command[1:]...)
	args = append(args,
		"--uid="+sp.uid,
		"--name="+sp.name,
		"--node="+sp.node)
	if sp.brokerURL != "" {
		args = append(args, "--configuration-broker="+sp.brokerURL)
	}
	if sp.stateURL != "" {
		args = append(args, "--state-updater="+sp.stateURL)
	}
	args = append(args, "--logfile="+sp.logFile())
	args = append(args, sp.config.Arguments...)

	base := append(os.Environ(), st.Env...)
	internal := map[string]interface{}{
		cohorte.EnvHome:     sp.home,
		cohorte.EnvBase:     sp.base,
		cohorte.EnvNode:     sp.node,
		cohorte.EnvNodeName: sp.nodeName,
		cohorte.EnvUID:      sp.uid,
		cohorte.EnvName:     sp.name,
	}

	cmd := exec.Command(st.Command[0], args...)
	cmd.Dir = sp.dir
	cmd.Env = mergeEnv(base, sp.config.Environment, internal)
	return cmd, nil
}

// NewStarterFromJson reads a Starter from a JSON document.
func NewStarterFromJson(r io.Reader) (*Starter, error) {
	dec := json.NewDecoder(r)
	var st Starter
	if e := dec.Decode(&st); e != nil {
		return nil, e
	}
	if st.Kind == "" {
		st.Kind = DefaultKind
	}
	return &st, nil
}

// NewStarter returns a Starter for kind running command.
func NewStarter(kind string, command ...string) *Starter {
	if kind == "" {
		kind = DefaultKind
	}
	return &Starter{
		Kind:        kind,
		Description: kind + " isolate: " + command[0],
		Command:     command,
	}
}
