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

// Package rest exposes the management API of a forker node over HTTP, and
// provides a client for it.
package rest

import (
	"github.com/cohorte/cohorte-runtime/forker"
)

const (
	mimeJson = "application/json; charset=UTF-8"

	// PollEtagHeader asks the server to wait until the Etag of the
	// resource differs from the header value.
	PollEtagHeader = "X-Cohorte-Poll-Etag"

	// PollTimeHeader bounds that wait, in seconds.
	PollTimeHeader = "X-Cohorte-Poll-Time"

	maxPollTime = 300
)

var ok struct{}

// NodeInfo describes the forker serving the API.
type NodeInfo struct {
	UID      string `json:"uid"`
	Node     string `json:"node"`
	NodeName string `json:"nodeName"`
	Isolates int    `json:"isolates"`
	Stopping bool   `json:"stopping"`
}

// StartResult is returned by an isolate start.
type StartResult struct {
	UID    string        `json:"uid"`
	Code   forker.Result `json:"code"`
	Result string        `json:"result"`
}

// PingResult is returned by an isolate ping.
type PingResult struct {
	UID  string      `json:"uid"`
	Code forker.Ping `json:"code"`
	Ping string      `json:"ping"`
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}
