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
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// nextIndex returns the index to use for a new working directory in dir:
// one more than the highest index found, so an index is never reused even
// when older directories have been removed.
func nextIndex(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	next := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		prefix := strings.SplitN(e.Name(), "-", 2)[0]
		if idx, err := strconv.Atoi(prefix); err == nil && idx >= next {
			next = idx + 1
		}
	}
	return next, nil
}

// pathSegment escapes s into a single path element.  Dot-only names
// would walk out of their parent, so their dots are escaped too.
func pathSegment(s string) string {
	s = url.PathEscape(s)
	if strings.Trim(s, ".") == "" {
		s = strings.ReplaceAll(s, ".", "%2E")
	}
	return s
}

// makeWorkingDirectory creates {base}/var/{name}/{index}-{uid}.
func makeWorkingDirectory(base, name, uid string) (string, error) {
	parent := filepath.Join(base, "var", pathSegment(name))
	idx, err := nextIndex(parent)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(parent, fmt.Sprintf("%03d-%s", idx, url.PathEscape(uid)))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}
