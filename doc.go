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

// Package cohorte holds the pieces shared by the cohorte runtime: the names
// of the signals exchanged between isolates, the reserved isolate names,
// the environment handed to spawned isolates, and the small log ring buffer
// used to keep the recent output of each isolate.
//
// The runtime itself is a set of cooperating OS processes ("isolates").
// A forker process on each node spawns and watches isolates, monitors
// coordinate forkers across nodes, and every process keeps a directory of
// its peers.  Processes talk to each other with named signals posted over
// HTTP.  See the signals, forker, aggregator, composer and monitor
// packages for the moving parts, and cohorted for the daemon that wires
// them together.
//
package cohorte
