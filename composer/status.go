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
	"sort"
	"sync"
)

// MemoryStatus is a StatusStore keeping the distribution in memory.
type MemoryStatus struct {
	isolates map[string]map[string]Component
	mx       sync.Mutex
}

// Store records the components of each isolate, on top of what is known.
// A component stored in another isolate moves to the new one.
func (s *MemoryStatus) Store(isolates []Isolate) {
	s.mx.Lock()
	defer s.mx.Unlock()
	for _, iso := range isolates {
		for _, c := range iso.Components {
			for name, set := range s.isolates {
				if name == iso.Name {
					continue
				}
				delete(set, c.Name)
				if len(set) == 0 {
					delete(s.isolates, name)
				}
			}
		}
		set, ok := s.isolates[iso.Name]
		if !ok {
			set = make(map[string]Component)
			s.isolates[iso.Name] = set
		}
		for _, c := range iso.Components {
			c.Isolate = iso.Name
			set[c.Name] = c
		}
	}
}

// Remove forgets the named components.
func (s *MemoryStatus) Remove(names []string) {
	s.mx.Lock()
	defer s.mx.Unlock()
	for _, set := range s.isolates {
		for _, name := range names {
			delete(set, name)
		}
	}
	for iso, set := range s.isolates {
		if len(set) == 0 {
			delete(s.isolates, iso)
		}
	}
}

func (s *MemoryStatus) Clear() {
	s.mx.Lock()
	s.isolates = make(map[string]map[string]Component)
	s.mx.Unlock()
}

// Components returns every known component, by name.
func (s *MemoryStatus) Components() []Component {
	s.mx.Lock()
	defer s.mx.Unlock()
	var rv []Component
	for _, set := range s.isolates {
		for _, c := range set {
			rv = append(rv, c)
		}
	}
	sortComponents(rv)
	return rv
}

// ComponentsFor returns the components of the named isolate.
func (s *MemoryStatus) ComponentsFor(isolate string) []Component {
	s.mx.Lock()
	defer s.mx.Unlock()
	var rv []Component
	for _, c := range s.isolates[isolate] {
		rv = append(rv, c)
	}
	sortComponents(rv)
	return rv
}

// Isolates returns the names of the isolates with components.
func (s *MemoryStatus) Isolates() []string {
	s.mx.Lock()
	defer s.mx.Unlock()
	rv := make([]string, 0, len(s.isolates))
	for name := range s.isolates {
		rv = append(rv, name)
	}
	sort.Strings(rv)
	return rv
}

func NewMemoryStatus() *MemoryStatus {
	return &MemoryStatus{isolates: make(map[string]map[string]Component)}
}
