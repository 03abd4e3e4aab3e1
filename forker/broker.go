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
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/gorilla/mux"
)

// ConfigurationPath is where a BadgerBroker serves configurations.
const ConfigurationPath = "/cohorte-configuration"

var ErrNotFound = errors.New("Configuration not found")

// ConfigBroker keeps the configuration of the isolates being started, and
// gives each isolate a URL it can load it from.
type ConfigBroker interface {
	StoreConfiguration(uid string, cfg *IsolateConfig) (string, error)
	DeleteConfiguration(uid string) error
}

// BadgerBroker is a ConfigBroker persisting configurations in Badger, so
// that an isolate restarted by hand after a forker crash can still load
// its configuration.
type BadgerBroker struct {
	db      *badger.DB
	baseURL string
	mx      sync.Mutex
}

// NewBadgerBroker opens the store at path.  An empty path keeps everything
// in memory.
func NewBadgerBroker(path string) (*BadgerBroker, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(filepath.Clean(path))
		opts = opts.WithValueLogFileSize(1 << 20)
	}
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerBroker{db: db}, nil
}

func (b *BadgerBroker) Close() error {
	return b.db.Close()
}

// SetBaseURL sets the root of the URLs handed out, usually the address of
// the HTTP server the broker Routes are installed on.
func (b *BadgerBroker) SetBaseURL(url string) {
	b.mx.Lock()
	b.baseURL = strings.TrimRight(url, "/")
	b.mx.Unlock()
}

func (b *BadgerBroker) url(uid string) string {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.baseURL + ConfigurationPath + "/" + uid
}

func configKey(uid string) []byte {
	return []byte("isolate:" + uid)
}

func (b *BadgerBroker) StoreConfiguration(uid string, cfg *IsolateConfig) (string, error) {
	err := b.db.Update(func(txn *badger.Txn) error {
		data, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		return txn.Set(configKey(uid), data)
	})
	if err != nil {
		return "", err
	}
	return b.url(uid), nil
}

// GetConfiguration returns the configuration stored for uid.
func (b *BadgerBroker) GetConfiguration(uid string) (*IsolateConfig, error) {
	var out IsolateConfig
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(configKey(uid))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &out)
		})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (b *BadgerBroker) DeleteConfiguration(uid string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(configKey(uid))
	})
}

func (b *BadgerBroker) handleGet(w http.ResponseWriter, r *http.Request) {
	cfg, err := b.GetConfiguration(mux.Vars(r)["uid"])
	switch {
	case err == ErrNotFound:
		http.Error(w, err.Error(), http.StatusNotFound)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		data, _ := json.Marshal(cfg)
		w.Header().Set("Content-Type", "application/json; charset=UTF-8")
		w.Write(data)
	}
}

// Routes installs the configuration download handler.
func (b *BadgerBroker) Routes(r *mux.Router) {
	r.HandleFunc(ConfigurationPath+"/{uid}", b.handleGet).Methods("GET")
}
