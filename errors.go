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
	"errors"
	"fmt"
)

var (
	ErrInvalidParameter = errors.New("Invalid parameter")
	ErrUnknownIsolate   = errors.New("Unknown isolate")
	ErrPlatformStopping = errors.New("Platform is stopping")
	ErrNotRunning       = errors.New("Isolate is not running")
	ErrTimeout          = errors.New("Timed out")
)

// MissingField returns an ErrInvalidParameter naming the missing field.
// These indicate a caller bug, not an environment condition.
func MissingField(field string) error {
	return fmt.Errorf("%w: missing %s", ErrInvalidParameter, field)
}
