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

package signals

import (
	"net"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/cohorte/cohorte-runtime"
)

// Group names a computed set of peers.
type Group string

const (
	GroupAll        Group = "ALL"
	GroupOthers     Group = "OTHERS"
	GroupCurrent    Group = "CURRENT"
	GroupForkers    Group = "FORKERS"
	GroupMonitors   Group = "MONITORS"
	GroupIsolates   Group = "ISOLATES"
	GroupNeighbours Group = "NEIGHBOURS"
)

// LocalHost is the address stored for the local node.
const LocalHost = "localhost"

// Presence is the kind of a presence notification.
type Presence int

const (
	Registered Presence = iota
	Unregistered
)

func (p Presence) String() string {
	switch p {
	case Registered:
		return "registered"
	case Unregistered:
		return "unregistered"
	}
	return "unknown"
}

// PresenceListener is told when a peer appears or disappears.  It is called
// from the directory's notification goroutine, never with the directory
// locked.
type PresenceListener interface {
	HandlePresence(uid, name, node string, port int, event Presence)
}

// PresenceFunc adapts a function to PresenceListener.
type PresenceFunc func(uid, name, node string, port int, event Presence)

func (f PresenceFunc) HandlePresence(uid, name, node string, port int, event Presence) {
	f(uid, name, node, port, event)
}

// Access is the network endpoint of a peer.  Local is set for the current
// process, whose signals are delivered without a network hop.
type Access struct {
	Host  string `json:"host"`
	Port  int    `json:"port"`
	Local bool   `json:"-"`
}

// Address returns host:port.
func (a Access) Address() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

type peer struct {
	name string
	node string
	port int
}

// DumpEntry describes one peer in a Dump.
type DumpEntry struct {
	Node string `json:"node"`
	Port int    `json:"port"`
	Name string `json:"name"`
}

// Dump is a snapshot of a directory, sent to peers that bootstrap from it.
type Dump struct {
	Accesses   map[string]DumpEntry `json:"accesses"`
	NodesHost  map[string]string    `json:"nodes_host"`
	NodesNames map[string]string    `json:"nodes_names"`
}

// Directory maps isolate UIDs to their node, port and name, and nodes to
// host addresses.  It always holds an entry for the current process.
// Groups are computed on every call, never cached.
//
// A single mutex guards every map.  Nothing under it blocks: presence
// notifications are posted to a queue and run after the lock is released.
type Directory struct {
	uid  string
	name string
	node string

	peers        map[string]*peer
	names        map[string]map[string]bool
	nodeIsolates map[string]map[string]bool
	nodeHosts    map[string]string
	nodeNames    map[string]string
	waiting      map[string]bool

	listeners map[int]PresenceListener
	nextID    int
	events    *cohorte.Queue
	log       *zap.Logger
	mx        sync.Mutex
}

type DirectoryOption func(*Directory)

// WithDirectoryLogger sets the logger used by the directory.
func WithDirectoryLogger(zl *zap.Logger) DirectoryOption {
	return func(d *Directory) {
		d.log = zl
	}
}

func (d *Directory) lock() {
	d.mx.Lock()
}

func (d *Directory) unlock() {
	d.mx.Unlock()
}

// NewDirectory returns a directory for the process uid, called name, on
// node.  The self-entry has no port until SetLocalPort is called, and is
// left out of computed groups until then.
func NewDirectory(uid, name, node string, opts ...DirectoryOption) *Directory {
	d := &Directory{
		uid:          uid,
		name:         name,
		node:         node,
		peers:        make(map[string]*peer),
		names:        make(map[string]map[string]bool),
		nodeIsolates: make(map[string]map[string]bool),
		nodeHosts:    make(map[string]string),
		nodeNames:    make(map[string]string),
		waiting:      make(map[string]bool),
		listeners:    make(map[int]PresenceListener),
		log:          zap.NewNop(),
	}
	for _, o := range opts {
		o(d)
	}
	d.events = cohorte.NewQueue("directory-presence", d.log)
	d.nodeHosts[node] = LocalHost
	d.store(uid, &peer{name: name, node: node, port: -1})
	return d
}

// Close stops the notification goroutine, after pending notifications ran.
func (d *Directory) Close() {
	d.events.Close()
}

func (d *Directory) UID() string  { return d.uid }
func (d *Directory) Name() string { return d.name }
func (d *Directory) Node() string { return d.node }

// Port returns the port of the current process, or -1 if not yet known.
func (d *Directory) Port() int {
	d.lock()
	defer d.unlock()
	return d.peers[d.uid].port
}

// SetLocalPort records the port the signal receiver of this process is
// bound to.
func (d *Directory) SetLocalPort(port int) {
	d.lock()
	d.peers[d.uid].port = port
	d.unlock()
}

func addIndex(idx map[string]map[string]bool, key, uid string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]bool)
		idx[key] = set
	}
	set[uid] = true
}

func delIndex(idx map[string]map[string]bool, key, uid string) {
	if set, ok := idx[key]; ok {
		delete(set, uid)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}

// store must be called with the lock held.
func (d *Directory) store(uid string, p *peer) {
	d.peers[uid] = p
	addIndex(d.names, p.name, uid)
	addIndex(d.nodeIsolates, p.node, uid)
}

// forget must be called with the lock held.
func (d *Directory) forget(uid string) *peer {
	p, ok := d.peers[uid]
	if !ok {
		return nil
	}
	delete(d.peers, uid)
	delIndex(d.names, p.name, uid)
	delIndex(d.nodeIsolates, p.node, uid)
	return p
}

// notify must be called with the lock held.  Listeners are copied now and
// called later from the queue.
func (d *Directory) notify(uid string, p peer, event Presence) {
	if len(d.listeners) == 0 {
		return
	}
	ids := make([]int, 0, len(d.listeners))
	for id := range d.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]PresenceListener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, d.listeners[id])
	}
	d.events.Enqueue(func() {
		for _, l := range listeners {
			l.HandlePresence(uid, p.name, p.node, p.port, event)
		}
	})
}

// RegisterIsolate adds or updates a peer.  It returns false, and notifies
// nobody, when the peer is already known with the same node and port.
// An unvalidated peer stays silent until ValidateIsolatePresence.
func (d *Directory) RegisterIsolate(uid, name, node string, port int, validated bool) (bool, error) {
	switch {
	case uid == "":
		return false, cohorte.MissingField("isolate UID")
	case name == "":
		return false, cohorte.MissingField("isolate name")
	case node == "":
		return false, cohorte.MissingField("node UID")
	}

	d.lock()
	defer d.unlock()

	old, known := d.peers[uid]
	if known && old.node == node && old.port == port {
		return false, nil
	}
	if known {
		d.forget(uid)
		if old.node != node {
			// Moved: peers of the old node must not see it anymore.
			d.notify(uid, *old, Unregistered)
		}
	}
	p := &peer{name: name, node: node, port: port}
	d.store(uid, p)

	if !validated {
		d.waiting[uid] = true
		d.log.Debug("Isolate waiting for validation", zap.String("uid", uid))
	} else {
		delete(d.waiting, uid)
		d.notify(uid, *p, Registered)
	}
	return true, nil
}

// ValidateIsolatePresence ends the handshake of a provisional registration.
// It returns false if uid was not waiting.
func (d *Directory) ValidateIsolatePresence(uid string) bool {
	d.lock()
	defer d.unlock()
	if !d.waiting[uid] {
		return false
	}
	delete(d.waiting, uid)
	if p, ok := d.peers[uid]; ok {
		d.notify(uid, *p, Registered)
	}
	return true
}

// UnregisterIsolate removes a peer from every index.  Peers still waiting
// for validation were never announced, so their removal is silent too.
// The self-entry cannot be removed.
func (d *Directory) UnregisterIsolate(uid string) bool {
	if uid == d.uid {
		return false
	}
	d.lock()
	defer d.unlock()
	p := d.forget(uid)
	if p == nil {
		return false
	}
	if d.waiting[uid] {
		delete(d.waiting, uid)
	} else {
		d.notify(uid, *p, Unregistered)
	}
	return true
}

// IsRegistered reports whether uid is known and validated.
func (d *Directory) IsRegistered(uid string) bool {
	d.lock()
	defer d.unlock()
	_, ok := d.peers[uid]
	return ok && !d.waiting[uid]
}

// SetNodeAddress records the host of node and returns the previous one.
// An empty host is ignored.
func (d *Directory) SetNodeAddress(node, host string) string {
	d.lock()
	defer d.unlock()
	old := d.nodeHosts[node]
	if host == "" {
		return old
	}
	d.nodeHosts[node] = host
	return old
}

// SetNodeName records the human name of node.
func (d *Directory) SetNodeName(node, name string) {
	d.lock()
	defer d.unlock()
	if name != "" {
		d.nodeNames[node] = name
	}
}

// GetHost returns the address of node.
func (d *Directory) GetHost(node string) (string, bool) {
	d.lock()
	defer d.unlock()
	host, ok := d.nodeHosts[node]
	return host, ok
}

// access must be called with the lock held.  Peers on a node without a
// host, or without a bound port yet, cannot be reached.
func (d *Directory) access(uid string, p *peer) (Access, bool) {
	host := d.nodeHosts[p.node]
	if host == "" || p.port <= 0 {
		return Access{}, false
	}
	return Access{Host: host, Port: p.port, Local: uid == d.uid}, true
}

// GetIsolateAccess returns the endpoint of uid.
func (d *Directory) GetIsolateAccess(uid string) (Access, bool) {
	d.lock()
	defer d.unlock()
	p, ok := d.peers[uid]
	if !ok {
		return Access{}, false
	}
	return d.access(uid, p)
}

func (d *Directory) GetIsolateName(uid string) (string, bool) {
	d.lock()
	defer d.unlock()
	if p, ok := d.peers[uid]; ok {
		return p.name, true
	}
	return "", false
}

func (d *Directory) GetIsolateNode(uid string) (string, bool) {
	d.lock()
	defer d.unlock()
	if p, ok := d.peers[uid]; ok {
		return p.node, true
	}
	return "", false
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GetNameUIDs returns the UIDs of every peer called name.
func (d *Directory) GetNameUIDs(name string) []string {
	d.lock()
	defer d.unlock()
	return sortedKeys(d.names[name])
}

// GetIsolatesOnNode returns a copy of the UIDs known on node.
func (d *Directory) GetIsolatesOnNode(node string) []string {
	d.lock()
	defer d.unlock()
	return sortedKeys(d.nodeIsolates[node])
}

// GetAllNodes returns every node with a known host or a known isolate.
func (d *Directory) GetAllNodes() []string {
	d.lock()
	defer d.unlock()
	set := make(map[string]bool)
	for node := range d.nodeHosts {
		set[node] = true
	}
	for node := range d.nodeIsolates {
		set[node] = true
	}
	return sortedKeys(set)
}

// GetComputedGroupAccesses resolves a group to endpoints.  It returns nil
// for an unknown group, or when no reachable peer belongs to it.
func (d *Directory) GetComputedGroupAccesses(group Group) map[string]Access {
	var keep func(uid string, p *peer) bool
	switch group {
	case GroupAll:
		keep = func(string, *peer) bool { return true }
	case GroupOthers:
		keep = func(uid string, _ *peer) bool { return uid != d.uid }
	case GroupCurrent:
		keep = func(uid string, _ *peer) bool { return uid == d.uid }
	case GroupForkers:
		keep = func(_ string, p *peer) bool { return cohorte.IsForker(p.name) }
	case GroupMonitors:
		keep = func(_ string, p *peer) bool { return cohorte.IsMonitor(p.name) }
	case GroupIsolates:
		keep = func(_ string, p *peer) bool { return !cohorte.IsForker(p.name) }
	case GroupNeighbours:
		keep = func(uid string, p *peer) bool {
			return uid != d.uid && p.node == d.node
		}
	default:
		return nil
	}

	d.lock()
	defer d.unlock()
	result := make(map[string]Access)
	for uid, p := range d.peers {
		if !keep(uid, p) {
			continue
		}
		if a, ok := d.access(uid, p); ok {
			result[uid] = a
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// Dump returns a snapshot suitable for StoreDump on another peer.
func (d *Directory) Dump() *Dump {
	d.lock()
	defer d.unlock()
	dump := &Dump{
		Accesses:   make(map[string]DumpEntry, len(d.peers)),
		NodesHost:  make(map[string]string, len(d.nodeHosts)),
		NodesNames: make(map[string]string, len(d.nodeNames)),
	}
	for uid, p := range d.peers {
		dump.Accesses[uid] = DumpEntry{Node: p.node, Port: p.port, Name: p.name}
	}
	for node, host := range d.nodeHosts {
		dump.NodesHost[node] = host
	}
	for node, name := range d.nodeNames {
		dump.NodesNames[node] = name
	}
	return dump
}

// StoreDump merges a dump received from a peer.  Entries for the local
// node and UID, and for the ignored nodes and UIDs, are skipped.  The UIDs
// newly registered (provisionally) are returned, or nil.
func (d *Directory) StoreDump(dump *Dump, ignoredNodes, ignoredUIDs []string) []string {
	if dump == nil {
		return nil
	}
	skipNode := map[string]bool{d.node: true}
	for _, n := range ignoredNodes {
		skipNode[n] = true
	}
	skipUID := map[string]bool{d.uid: true}
	for _, u := range ignoredUIDs {
		skipUID[u] = true
	}

	for node, host := range dump.NodesHost {
		if !skipNode[node] {
			d.SetNodeAddress(node, host)
		}
	}
	for node, name := range dump.NodesNames {
		if !skipNode[node] {
			d.SetNodeName(node, name)
		}
	}

	var added []string
	for uid, entry := range dump.Accesses {
		if skipUID[uid] {
			continue
		}
		ok, err := d.RegisterIsolate(uid, entry.Name, entry.Node, entry.Port, false)
		if err != nil {
			d.log.Warn("Bad directory dump entry", zap.String("uid", uid),
				zap.Error(err))
			continue
		}
		if ok {
			added = append(added, uid)
		}
	}
	if len(added) == 0 {
		return nil
	}
	sort.Strings(added)
	return added
}

// AddListener registers a presence listener and returns its handle.
func (d *Directory) AddListener(l PresenceListener) int {
	d.lock()
	defer d.unlock()
	d.nextID++
	d.listeners[d.nextID] = l
	return d.nextID
}

// RemoveListener drops the listener registered under id.
func (d *Directory) RemoveListener(id int) {
	d.lock()
	delete(d.listeners, id)
	d.unlock()
}
