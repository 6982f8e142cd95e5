// Package nodelock serializes mutations per node. There is no global
// lock: contention is strictly scoped to the node (and its parent) a
// mutation touches.
package nodelock

import (
	"sort"
	"sync"
)

type Manager struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewManager() *Manager {
	return &Manager{locks: make(map[string]*sync.Mutex)}
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[id] = lock
	}
	return lock
}

// Lock acquires the exclusive lock for one node and returns the release
// func.
func (m *Manager) Lock(id string) func() {
	lock := m.lockFor(id)
	lock.Lock()
	return lock.Unlock
}

// LockAll acquires locks for a node and its neighbors (parent, new
// parent) in a stable order so concurrent mutations on adjacent nodes
// cannot deadlock. Empty ids are skipped; duplicates are locked once.
func (m *Manager) LockAll(ids ...string) func() {
	unique := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		unique = append(unique, id)
	}
	sort.Strings(unique)

	releases := make([]func(), 0, len(unique))
	for _, id := range unique {
		releases = append(releases, m.Lock(id))
	}
	return func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
}
