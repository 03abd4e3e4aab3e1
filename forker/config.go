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
	"fmt"
	"sort"
	"strings"
)

// IsolateConfig describes an isolate to start.  Only Name is mandatory; a
// UID is generated when missing.
type IsolateConfig struct {
	UID         string                 `json:"uid,omitempty" yaml:"uid,omitempty"`
	Name        string                 `json:"name" yaml:"name"`
	Kind        string                 `json:"kind,omitempty" yaml:"kind,omitempty"`
	Language    string                 `json:"language,omitempty" yaml:"language,omitempty"`
	Node        string                 `json:"node,omitempty" yaml:"node,omitempty"`
	Arguments   []string               `json:"arguments,omitempty" yaml:"arguments,omitempty"`
	Environment map[string]interface{} `json:"environment,omitempty" yaml:"environment,omitempty"`
	Bundles     []string               `json:"bundles,omitempty" yaml:"bundles,omitempty"`
	Properties  map[string]interface{} `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// Copy returns a copy of c, sharing nothing but the values of the maps.
func (c *IsolateConfig) Copy() *IsolateConfig {
	n := *c
	n.Arguments = append([]string(nil), c.Arguments...)
	n.Bundles = append([]string(nil), c.Bundles...)
	if c.Environment != nil {
		n.Environment = make(map[string]interface{}, len(c.Environment))
		for k, v := range c.Environment {
			n.Environment[k] = v
		}
	}
	if c.Properties != nil {
		n.Properties = make(map[string]interface{}, len(c.Properties))
		for k, v := range c.Properties {
			n.Properties[k] = v
		}
	}
	return &n
}

// envValue coerces a configuration value to its environment form.
func envValue(v interface{}) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, p := range v {
			parts = append(parts, envValue(p))
		}
		return strings.Join(parts, ",")
	}
	return fmt.Sprint(v)
}

// mergeEnv overlays the given variables on base, a list of KEY=VALUE
// strings, and returns a sorted list.  Later overlays win.
func mergeEnv(base []string, overlays ...map[string]interface{}) []string {
	env := make(map[string]string, len(base))
	for _, kv := range base {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}
	for _, o := range overlays {
		for k, v := range o {
			env[k] = envValue(v)
		}
	}
	rv := make([]string, 0, len(env))
	for k, v := range env {
		rv = append(rv, k+"="+v)
	}
	sort.Strings(rv)
	return rv
}
