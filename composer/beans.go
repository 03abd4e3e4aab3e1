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

// Package composer places the components of a node into isolates, and
// keeps rebalancing them while isolates come and go.
package composer

import (
	"sort"
	"strings"
)

// Component is an instance of a factory, to be hosted by an isolate.
// Components are identified by name.
type Component struct {
	Name       string                 `json:"name" yaml:"name"`
	Factory    string                 `json:"factory" yaml:"factory"`
	Language   string                 `json:"language,omitempty" yaml:"language,omitempty"`
	Isolate    string                 `json:"isolate,omitempty" yaml:"isolate,omitempty"`
	Properties map[string]interface{} `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// Bundle is the installable unit providing a factory.
type Bundle struct {
	Name     string `json:"name" yaml:"name"`
	Version  string `json:"version,omitempty" yaml:"version,omitempty"`
	Language string `json:"language" yaml:"language"`
	File     string `json:"file,omitempty" yaml:"file,omitempty"`
}

// Isolate is a group of components sharing a process.  New isolates may
// have no name until the composer gives them one.
type Isolate struct {
	Name       string      `json:"name"`
	UID        string      `json:"uid,omitempty"`
	Language   string      `json:"language"`
	Components []Component `json:"components"`
}

// Has reports whether the isolate hosts the named component.
func (iso *Isolate) Has(name string) bool {
	for _, c := range iso.Components {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Add adds c unless a component of the same name is there.
func (iso *Isolate) Add(c Component) {
	if iso.Has(c.Name) {
		return
	}
	if iso.Language == "" {
		iso.Language = c.Language
	}
	iso.Components = append(iso.Components, c)
	sortComponents(iso.Components)
}

// Copy returns a copy not sharing its component slice.
func (iso Isolate) Copy() Isolate {
	iso.Components = append([]Component(nil), iso.Components...)
	return iso
}

// Event tells the distributor about something that happened to an
// isolate.  Good events improve the placement, bad ones degrade it.
type Event struct {
	Isolate    string
	Kind       string
	Good       bool
	Components []Component
}

const EventIsolateLost = "isolate.lost"

// Isolate kinds, as known by the monitor kind templates.
const (
	KindPelix = "pelix"
	KindOSGi  = "osgi"
	KindBoot  = "boot"
)

// Kind returns the kind of isolate able to host a language.
func Kind(language string) string {
	switch language {
	case "python", "python3":
		return KindPelix
	case "java":
		return KindOSGi
	}
	return KindBoot
}

// FactoriesMissing lists the factories no bundle provides.
type FactoriesMissing struct {
	Factories []string
}

func (e *FactoriesMissing) Error() string {
	return "Missing factories: " + strings.Join(e.Factories, ", ")
}

func sortComponents(cs []Component) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].Name < cs[j].Name })
}

// difference returns the components of a not named in b.
func difference(a, b []Component) []Component {
	names := make(map[string]bool, len(b))
	for _, c := range b {
		names[c.Name] = true
	}
	var rv []Component
	for _, c := range a {
		if !names[c.Name] {
			rv = append(rv, c)
		}
	}
	return rv
}

func componentNames(cs []Component) []string {
	rv := make([]string, 0, len(cs))
	for _, c := range cs {
		rv = append(rv, c.Name)
	}
	return rv
}
