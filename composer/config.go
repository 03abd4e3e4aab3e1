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
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Composition is the static part of a node: the bundle providing each
// factory, and the components to instantiate at start.
type Composition struct {
	Factories  map[string]Bundle `yaml:"factories"`
	Components []Component       `yaml:"components"`
}

// Finder returns a MapFinder over the factories of the composition.
func (c *Composition) Finder() *MapFinder {
	return NewMapFinder(c.Factories)
}

// ReadComposition parses a composition:
//
//	factories:
//	  web-factory:
//	    name: web.bundle
//	    language: python
//	components:
//	  - name: web
//	    factory: web-factory
func ReadComposition(r io.Reader) (*Composition, error) {
	c := &Composition{}
	if err := yaml.NewDecoder(r).Decode(c); err != nil && err != io.EOF {
		return nil, err
	}
	return c, nil
}

// LoadComposition reads the composition of a file.  A missing file is an
// empty composition.
func LoadComposition(path string) (*Composition, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return &Composition{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadComposition(f)
}
