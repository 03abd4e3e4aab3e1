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


package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/cohorte/cohorte-runtime/forker"
)

func formatDuration(d time.Duration) string {
	sec := int((d % time.Minute) / time.Second)
	min := int((d % time.Hour) / time.Minute)
	hour := int(d / time.Hour)

	return fmt.Sprintf("%d:%02d:%02d", hour, min, sec)
}

func state(iso *forker.IsolateInfo) string {
	if iso.State == "" {
		return "running"
	}
	return string(iso.State)
}

type sorted []forker.IsolateInfo

func (s sorted) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}

func (s sorted) Len() int {
	return len(s)
}

func (s sorted) Less(i, j int) bool {
	a := s[i]
	b := s[j]

	// failed isolates first, then by name
	if (a.State == forker.StateFailed) != (b.State == forker.StateFailed) {
		return a.State == forker.StateFailed
	}
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	return a.UID < b.UID
}

func sortIsolates(items []forker.IsolateInfo) {
	sort.Sort(sorted(items))
}

func showIsolate(iso *forker.IsolateInfo) {
	fmt.Printf("%-36s %-20s %-8s %8s %6d\n", iso.UID, iso.Name, state(iso),
		formatDuration(time.Since(iso.Started)), iso.PID)
}
