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

package cohorte

import (
	"strings"

	"github.com/google/uuid"
)

// Reserved isolate names.  The signal directory derives the FORKERS and
// MONITORS groups from them.
const (
	ForkerName  = "cohorte.internals.forker"
	MonitorName = "cohorte.internals.monitor"
)

// Isolate lifecycle signals.
const (
	SignalIsolateLost     = "/cohorte/isolate/lost"
	SignalIsolateStatus   = "/cohorte/isolate/status"
	SignalIsolateReady    = "/cohorte/isolate/ready"
	SignalIsolateStopping = "/cohorte/isolate/stopping"
	SignalIsolateStop     = "/cohorte/isolate/stop"
)

// Forker orders.  The aggregator sends them to a forker, which answers with
// a result code.
const (
	SignalForkerPrefix           = "/cohorte/internals/forkers/"
	SignalForkerMatchAll         = SignalForkerPrefix + "*"
	SignalForkerPing             = SignalForkerPrefix + "ping"
	SignalForkerStart            = SignalForkerPrefix + "start"
	SignalForkerStop             = SignalForkerPrefix + "stop"
	SignalForkerPlatformStopping = SignalForkerPrefix + "platform-stopping"
	SignalForkerStopping         = SignalForkerPrefix + "stopping"
)

// Monitor signals.
const (
	SignalMonitorPrefix           = "/cohorte/monitor/"
	SignalMonitorMatchAll         = SignalMonitorPrefix + "*"
	SignalMonitorPlatformStopping = SignalMonitorPrefix + "platform-stopping"
	SignalMonitorStopPlatform     = SignalMonitorPrefix + "stop-platform"
	SignalMonitorStopNode         = SignalMonitorPrefix + "stop-node"
)

// Directory handshake signals.
const (
	SignalDirectoryPrefix   = "/cohorte-directory-updater"
	SignalDirectoryMatchAll = SignalDirectoryPrefix + "/*"
	SignalDirectoryDump     = SignalDirectoryPrefix + "/dump"
	SignalDirectoryRegister = SignalDirectoryPrefix + "/register"
	SignalDirectorySynAck   = SignalDirectoryRegister + "/syn-ack"
	SignalDirectoryAck      = SignalDirectoryRegister + "/ack"
	SignalDirectoryContact  = SignalDirectoryPrefix + "/contact"
)

// Component orders sent by the node composer to isolates.
const (
	SignalComponentsInstantiate = "/cohorte/composer/isolate/instantiate"
	SignalComponentsKill        = "/cohorte/composer/isolate/kill"
)

// Environment variables handed to every spawned isolate.
const (
	EnvHome     = "COHORTE_HOME"
	EnvBase     = "COHORTE_BASE"
	EnvNode     = "COHORTE_NODE"
	EnvNodeName = "COHORTE_NODE_NAME"
	EnvUID      = "COHORTE_UID"
	EnvName     = "COHORTE_NAME"
)

// NewUID returns a new random isolate UID.
func NewUID() string {
	return uuid.New().String()
}

// ShortUID returns the first block of a new UID, for generated names.
func ShortUID() string {
	return strings.SplitN(NewUID(), "-", 2)[0]
}

// IsForker reports whether an isolate name designates a forker.
func IsForker(name string) bool {
	return name == ForkerName
}

// IsMonitor reports whether an isolate name designates a monitor.
func IsMonitor(name string) bool {
	return name == MonitorName
}
