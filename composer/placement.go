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

// MapFinder resolves factories from a fixed table.
type MapFinder struct {
	bundles map[string]Bundle
	mx      sync.RWMutex
}

// Add declares that bundle provides factory.
func (f *MapFinder) Add(factory string, bundle Bundle) {
	f.mx.Lock()
	f.bundles[factory] = bundle
	f.mx.Unlock()
}

func (f *MapFinder) Normalize(c Component) (Bundle, bool) {
	f.mx.RLock()
	defer f.mx.RUnlock()
	b, ok := f.bundles[c.Factory]
	return b, ok
}

func NewMapFinder(bundles map[string]Bundle) *MapFinder {
	f := &MapFinder{bundles: make(map[string]Bundle, len(bundles))}
	for k, v := range bundles {
		f.bundles[k] = v
	}
	return f
}

// LanguageDistributor puts all the components of a language in one
// isolate.  An isolate already running that language is reused, the
// first one by name when there are several.
type LanguageDistributor struct {
	events []Event
	mx     sync.Mutex
}

func (d *LanguageDistributor) Distribute(components []Component, running []Isolate) ([]Isolate, []Isolate) {
	// Components being placed leave their current isolates first, so
	// that each one ends up in exactly one isolate.
	sorted := make([]Isolate, 0, len(running))
	for _, iso := range running {
		iso.Components = difference(iso.Components, components)
		sorted = append(sorted, iso)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	byLanguage := make(map[string]*Isolate)
	for i := range sorted {
		if _, ok := byLanguage[sorted[i].Language]; !ok {
			byLanguage[sorted[i].Language] = &sorted[i]
		}
	}
	var created []*Isolate
	for _, c := range components {
		iso, ok := byLanguage[c.Language]
		if !ok {
			iso = &Isolate{Language: c.Language}
			byLanguage[c.Language] = iso
			created = append(created, iso)
		}
		iso.Add(c)
	}

	var updated []Isolate
	for _, iso := range sorted {
		if len(iso.Components) > 0 {
			updated = append(updated, iso)
		}
	}
	fresh := make([]Isolate, 0, len(created))
	for _, iso := range created {
		fresh = append(fresh, *iso)
	}
	return updated, fresh
}

// HandleEvent records the event.  The placement does not depend on
// history.
func (d *LanguageDistributor) HandleEvent(ev Event) {
	d.mx.Lock()
	d.events = append(d.events, ev)
	d.mx.Unlock()
}

// Events returns the events received so far.
func (d *LanguageDistributor) Events() []Event {
	d.mx.Lock()
	defer d.mx.Unlock()
	return append([]Event(nil), d.events...)
}

func NewLanguageDistributor() *LanguageDistributor {
	return &LanguageDistributor{}
}
