// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package state

import (
	"sync"
	"time"

	"github.com/kestrelrun/orchestrator/pkg/xerror"
)

// LockType distinguishes shared (reader) from exclusive (writer) locks.
type LockType string

const (
	LockShared    LockType = "shared"
	LockExclusive LockType = "exclusive"
)

// FlowLock guards a state identifier against concurrent writers.
type FlowLock struct {
	Owner     string
	Timestamp time.Time
	Type      LockType
}

func (l FlowLock) expired(timeout time.Duration) bool {
	return time.Since(l.Timestamp) > timeout
}

// Barrier coordinates a fixed number of participants rendezvousing before
// any of them proceeds.
type Barrier struct {
	ID                   string
	ExpectedParticipants int
	Arrived              map[string]struct{}
	CreatedAt            time.Time
	Timeout              time.Duration
	Completed            bool

	mu     sync.Mutex
	waitCh chan struct{}
}

func newBarrier(id string, expected int, timeout time.Duration) *Barrier {
	return &Barrier{
		ID:                   id,
		ExpectedParticipants: expected,
		Arrived:              make(map[string]struct{}),
		CreatedAt:            time.Now(),
		Timeout:              timeout,
		waitCh:               make(chan struct{}),
	}
}

func (b *Barrier) expired() bool {
	return b.Timeout > 0 && time.Since(b.CreatedAt) > b.Timeout
}

// ConcurrencyManager coordinates FlowLocks (one per state identifier,
// Shared locks allow concurrent readers, Exclusive locks are exclusive
// writers) and Barriers, with absolute expiry swept on every acquire.
type ConcurrencyManager struct {
	mu             sync.Mutex
	locks          map[string][]FlowLock // shared locks may coexist; exclusive is alone
	barriers       map[string]*Barrier
	lockTimeout    time.Duration
	barrierTimeout time.Duration
}

// NewConcurrencyManager creates a manager with the given default lock and
// barrier timeouts.
func NewConcurrencyManager(lockTimeout, barrierTimeout time.Duration) *ConcurrencyManager {
	return &ConcurrencyManager{
		locks:          make(map[string][]FlowLock),
		barriers:       make(map[string]*Barrier),
		lockTimeout:    lockTimeout,
		barrierTimeout: barrierTimeout,
	}
}

// AcquireLock attempts to acquire lock on identifier for owner. Expired
// entries are reaped first. Exclusive locks require the identifier to be
// completely free; Shared locks may coexist with other Shared locks but
// not with an Exclusive one.
func (m *ConcurrencyManager) AcquireLock(identifier, owner string, lockType LockType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reapLocksLocked(identifier)

	existing := m.locks[identifier]
	if len(existing) > 0 {
		if lockType == LockExclusive || existing[0].Type == LockExclusive {
			return xerror.Locking("acquire_lock: %s already held", identifier)
		}
	}

	m.locks[identifier] = append(existing, FlowLock{
		Owner:     owner,
		Timestamp: time.Now(),
		Type:      lockType,
	})
	return nil
}

// ReleaseLock removes owner's lock on identifier.
func (m *ConcurrencyManager) ReleaseLock(identifier, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.locks[identifier]
	out := existing[:0]
	found := false
	for _, l := range existing {
		if l.Owner == owner {
			found = true
			continue
		}
		out = append(out, l)
	}
	if !found {
		return xerror.Locking("release_lock: %s: invalid owner %s", identifier, owner)
	}
	if len(out) == 0 {
		delete(m.locks, identifier)
	} else {
		m.locks[identifier] = out
	}
	return nil
}

func (m *ConcurrencyManager) reapLocksLocked(identifier string) {
	existing := m.locks[identifier]
	if len(existing) == 0 {
		return
	}
	out := existing[:0]
	for _, l := range existing {
		if !l.expired(m.lockTimeout) {
			out = append(out, l)
		}
	}
	if len(out) == 0 {
		delete(m.locks, identifier)
	} else {
		m.locks[identifier] = out
	}
}

// CreateBarrier registers a new barrier expecting the given number of
// participants.
func (m *ConcurrencyManager) CreateBarrier(id string, expected int) *Barrier {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := newBarrier(id, expected, m.barrierTimeout)
	m.barriers[id] = b
	return b
}

// Wait blocks until the barrier identified by id has all expected
// participants arrived, the timeout elapses (returns xerror with
// KindLocking "BarrierTimeout"), or the barrier is not found.
func (m *ConcurrencyManager) Wait(id, participant string) error {
	m.mu.Lock()
	b, ok := m.barriers[id]
	m.mu.Unlock()
	if !ok {
		return xerror.NotFound("barrier %s not found", id)
	}

	b.mu.Lock()
	b.Arrived[participant] = struct{}{}
	ready := len(b.Arrived) >= b.ExpectedParticipants
	if ready && !b.Completed {
		b.Completed = true
		close(b.waitCh)
	}
	waitCh := b.waitCh
	b.mu.Unlock()

	if ready {
		return nil
	}

	if b.Timeout <= 0 {
		<-waitCh
		return nil
	}
	select {
	case <-waitCh:
		return nil
	case <-time.After(b.Timeout):
		return xerror.Locking("barrier %s: BarrierTimeout", id)
	}
}

// Release marks a barrier completed, waking any waiters regardless of
// arrival count — used to force-release on cancellation.
func (m *ConcurrencyManager) Release(id string) error {
	m.mu.Lock()
	b, ok := m.barriers[id]
	m.mu.Unlock()
	if !ok {
		return xerror.NotFound("barrier %s not found", id)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.Completed {
		b.Completed = true
		close(b.waitCh)
	}
	return nil
}

// SweepExpired removes expired locks and barriers. Intended to run
// periodically or be invoked opportunistically on acquire.
func (m *ConcurrencyManager) SweepExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.locks {
		m.reapLocksLocked(id)
	}
	for id, b := range m.barriers {
		if b.expired() {
			b.mu.Lock()
			if !b.Completed {
				b.Completed = true
				close(b.waitCh)
			}
			b.mu.Unlock()
			delete(m.barriers, id)
		}
	}
}
