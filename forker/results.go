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

// Package forker supervises the isolate processes of one node.  It spawns
// them, watches their exit and output, and reports lost isolates to the
// rest of the platform through signals.
package forker

import (
	"strconv"
)

// Result is the outcome of a forker order.  The values travel on the wire
// as the result of the forker signals.
type Result int

const (
	Success          Result = 0
	AlreadyRunning   Result = 1
	RunnerException  Result = 2
	InvalidParameter Result = 3
	// Unavailable is returned once the platform is stopping.
	Unavailable Result = 4
)

// Request results are never sent by a forker.  They tell the caller of an
// aggregator why no forker result is available.
const (
	RequestTimeout          Result = 10
	RequestError            Result = 11
	RequestNoResult         Result = 12
	RequestNoMatchingForker Result = 13
)

// Succeeded reports whether the isolate runs after a start order.
func (r Result) Succeeded() bool {
	return r == Success || r == AlreadyRunning
}

func (r Result) String() string {
	switch r {
	case Success:
		return "SUCCESS"
	case AlreadyRunning:
		return "ALREADY_RUNNING"
	case RunnerException:
		return "RUNNER_EXCEPTION"
	case InvalidParameter:
		return "INVALID_PARAMETER"
	case Unavailable:
		return "UNAVAILABLE"
	case RequestTimeout:
		return "REQUEST_TIMEOUT"
	case RequestError:
		return "REQUEST_ERROR"
	case RequestNoResult:
		return "REQUEST_NO_RESULT"
	case RequestNoMatchingForker:
		return "REQUEST_NO_MATCHING_FORKER"
	}
	return "Result(" + strconv.Itoa(int(r)) + ")"
}

// Ping is the liveness of an isolate process.
type Ping int

const (
	Alive Ping = 0
	Dead  Ping = 1
	// Stuck is only reported by a HealthCheck.
	Stuck Ping = 2
)

func (p Ping) String() string {
	switch p {
	case Alive:
		return "ALIVE"
	case Dead:
		return "DEAD"
	case Stuck:
		return "STUCK"
	}
	return "Ping(" + strconv.Itoa(int(p)) + ")"
}
