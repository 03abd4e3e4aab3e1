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
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cohorte/cohorte-runtime/forker"
)

// AutoRun is an isolate started with the monitor, and restarted whenever
// it is lost.  Node is the name of the node it runs on.
type AutoRun struct {
	forker.IsolateConfig `yaml:",inline"`
	CustomUID            string `yaml:"custom_uid,omitempty"`
}

type autoRunFile struct {
	Isolates []AutoRun `yaml:"isolates"`
}

type kindsFile struct {
	Kinds map[string]forker.IsolateConfig `yaml:"kinds"`
}

// ReadAutoRun parses a list of auto-run isolates:
//
//	isolates:
//	  - name: web
//	    node: alpha
//	    kind: boot
//	    custom_uid: web-1
func ReadAutoRun(r io.Reader) ([]AutoRun, error) {
	f := autoRunFile{}
	if err := yaml.NewDecoder(r).Decode(&f); err != nil && err != io.EOF {
		return nil, err
	}
	return f.Isolates, nil
}

// ReadKinds parses the isolate templates of each kind.  Templates carry
// the arguments, environment and properties common to an isolate kind.
func ReadKinds(r io.Reader) (map[string]*forker.IsolateConfig, error) {
	f := kindsFile{}
	if err := yaml.NewDecoder(r).Decode(&f); err != nil && err != io.EOF {
		return nil, err
	}
	rv := make(map[string]*forker.IsolateConfig, len(f.Kinds))
	for kind, tmpl := range f.Kinds {
		tmpl := tmpl
		if tmpl.Kind == "" {
			tmpl.Kind = kind
		}
		rv[kind] = &tmpl
	}
	return rv, nil
}

// LoadAutoRun reads the auto-run isolates of a file.  A missing file
// declares none.
func LoadAutoRun(path string) ([]AutoRun, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadAutoRun(f)
}

// LoadKinds reads the kind templates of a file.  A missing file declares
// none.
func LoadKinds(path string) (map[string]*forker.IsolateConfig, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return map[string]*forker.IsolateConfig{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadKinds(f)
}
