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

package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cohorte/cohorte-runtime"
	"github.com/cohorte/cohorte-runtime/forker"
	"github.com/cohorte/cohorte-runtime/signals"
)

type LogInfo struct {
	uid     string
	etag    string
	Records []cohorte.LogRecord
}

// IsolatesInfo is a version of the isolate list.
type IsolatesInfo struct {
	etag     string
	Isolates []forker.IsolateInfo
}

type Client struct {
	user      string // HTTP Basic-Auth
	pass      string
	base      string // URI to root of tree on server
	auth      bool
	client    *http.Client
	transport *http.Transport

	// Cached data
	isolates *IsolatesInfo
	logs     map[string]*LogInfo
	lock     sync.Mutex
}

func (c *Client) SetAuth(user string, pass string) {
	c.user = user
	c.pass = pass
	c.auth = true
}

func (c *Client) url(uid string) string {
	if uid == "" {
		return c.base + "/isolates"
	}
	return c.base + "/isolates/" + url.PathEscape(uid)
}

func (c *Client) request(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, e := http.NewRequestWithContext(ctx, method, url, body)
	if e != nil {
		return nil, e
	}
	if c.auth {
		req.SetBasicAuth(c.user, c.pass)
	}
	return req, nil
}

// poll issues an HTTP GET against the URL, optionally checking for a cache,
// including optionally issuing a long poll that tries to wait until the
// value changes.  The return values are the new Etag and any error.  If the
// value did not change, then the returned etag will be "", but the error will
// be nil.
func (c *Client) poll(ctx context.Context, url string, etag string, wait int, v interface{}) (string, error) {
	req, e := c.request(ctx, "GET", url, nil)
	if e != nil {
		return "", e
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
		if wait > 0 {
			req.Header.Set(PollEtagHeader, etag)
			req.Header.Set(PollTimeHeader, strconv.Itoa(wait))
		}
	}
	res, e := c.client.Do(req)
	if e != nil {
		return "", e
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotModified {
		return "", nil
	}
	if res.StatusCode != http.StatusOK {
		return "", &Error{Code: res.StatusCode, Message: res.Status}
	}
	if e := json.NewDecoder(res.Body).Decode(v); e != nil {
		return "", e
	}
	return res.Header.Get("Etag"), nil
}

func (c *Client) get(url string, v interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, e := c.poll(ctx, url, "", 0, v)
	return e
}

// post sends v as JSON, and decodes the answer into rv.  Answers with an
// error status are still decoded when rv accepts them.
func (c *Client) post(ctx context.Context, url string, v interface{}, rv interface{}) error {
	var body []byte
	if v != nil {
		var e error
		if body, e = json.Marshal(v); e != nil {
			return e
		}
	}
	req, e := c.request(ctx, "POST", url, bytes.NewReader(body))
	if e != nil {
		return e
	}
	req.Header.Set("Content-Type", mimeJson)
	res, e := c.client.Do(req)
	if e != nil {
		return e
	}
	defer res.Body.Close()
	if rv != nil {
		if e := json.NewDecoder(res.Body).Decode(rv); e != nil && res.StatusCode == http.StatusOK {
			return e
		}
	}
	if res.StatusCode != http.StatusOK {
		return &Error{Code: res.StatusCode, Message: res.Status}
	}
	return nil
}

func (c *Client) Info() (*NodeInfo, error) {
	info := &NodeInfo{}
	if e := c.get(c.base+"/info", info); e != nil {
		return nil, e
	}
	return info, nil
}

func (c *Client) pollIsolates(ctx context.Context, secs int, last *IsolatesInfo) (*IsolatesInfo, error) {
	c.lock.Lock()
	cached := c.isolates
	c.lock.Unlock()

	otag := ""
	if last == nil {
		secs = 0
	} else if cached != nil && last.etag != cached.etag {
		// The cache is newer than what the caller has seen.
		return cached, nil
	} else {
		otag = last.etag
	}

	v := &IsolatesInfo{}
	etag, e := c.poll(ctx, c.url(""), otag, secs, &v.Isolates)
	if e != nil {
		return nil, e
	}
	if etag == "" {
		if cached == nil {
			return last, nil
		}
		return cached, nil
	}
	v.etag = etag
	c.lock.Lock()
	c.isolates = v
	c.lock.Unlock()
	return v, nil
}

// Isolates returns the isolates running on the node.
func (c *Client) Isolates() (*IsolatesInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.pollIsolates(ctx, 0, nil)
}

// WatchIsolates waits until the isolate list differs from last.
func (c *Client) WatchIsolates(ctx context.Context, last *IsolatesInfo) (*IsolatesInfo, error) {
	return c.pollIsolates(ctx, maxPollTime, last)
}

func (c *Client) Isolate(uid string) (*forker.IsolateInfo, error) {
	info := &forker.IsolateInfo{}
	if e := c.get(c.url(uid), info); e != nil {
		return nil, e
	}
	return info, nil
}

// StartIsolate asks the forker to start an isolate.  The result is
// returned even when the forker refused the start.
func (c *Client) StartIsolate(ctx context.Context, cfg *forker.IsolateConfig) (*StartResult, error) {
	res := &StartResult{}
	e := c.post(ctx, c.url(""), cfg, res)
	if e != nil && res.Result == "" {
		return nil, e
	}
	return res, e
}

func (c *Client) StopIsolate(ctx context.Context, uid string) error {
	return c.post(ctx, c.url(uid)+"/stop", nil, nil)
}

func (c *Client) Ping(uid string) (*PingResult, error) {
	p := &PingResult{}
	if e := c.get(c.url(uid)+"/ping", p); e != nil {
		return nil, e
	}
	return p, nil
}

func (c *Client) SetPlatformStopping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.post(ctx, c.base+"/platform-stopping", nil, nil)
}

// Directory returns a dump of the signal directory of the node.
func (c *Client) Directory() (*signals.Dump, error) {
	d := &signals.Dump{}
	if e := c.get(c.base+"/directory", d); e != nil {
		return nil, e
	}
	return d, nil
}

func (c *Client) pollLog(ctx context.Context, uid string, secs int, last *LogInfo) (*LogInfo, error) {

	v := &LogInfo{uid: uid}

	c.lock.Lock()
	cached, ok := c.logs[uid]
	c.lock.Unlock()

	otag := ""

	if last == nil {
		secs = 0
	} else if ok && last.etag != cached.etag {
		// The cache is newer than what the caller has seen.
		return cached, nil
	} else {
		otag = last.etag
	}

	url := c.url(uid) + "/log"
	if uid == "" {
		url = c.base + "/log"
	}

	etag, e := c.poll(ctx, url, otag, secs, &v.Records)
	if e != nil {
		c.lock.Lock()
		delete(c.logs, uid)
		c.lock.Unlock()
		return nil, e
	}
	if etag == "" {
		if !ok {
			return last, nil
		}
		return cached, nil
	}
	v.etag = etag
	c.lock.Lock()
	c.logs[uid] = v
	c.lock.Unlock()

	return v, nil
}

// WatchLog waits until the log of an isolate, or the forker log when uid
// is empty, differs from last.
func (c *Client) WatchLog(ctx context.Context, uid string, last *LogInfo) (*LogInfo, error) {

	// Let the poll wait for up to 300 secs (5 minutes).
	return c.pollLog(ctx, uid, maxPollTime, last)
}

func (c *Client) GetLog(uid string) (*LogInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.pollLog(ctx, uid, 0, nil)
}

// NewClient returns a Client handle.  The transport maybe nil to use
// a default transport, but it may also be adjusted to support additional
// options such as TLS.  baseURI is the base URL to use.
func NewClient(t *http.Transport, baseURI string) *Client {
	if t == nil {
		t = &http.Transport{}
	}
	c := &Client{
		transport: t,
		base:      baseURI,
		client:    &http.Client{Transport: t},
		logs:      make(map[string]*LogInfo),
	}
	return c
}
