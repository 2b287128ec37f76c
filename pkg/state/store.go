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
	"context"
	"sync"
	"time"

	"github.com/kestrelrun/orchestrator/pkg/xerror"
)

// Store is the abstract persistence interface named in spec.md §4.4 /
// §6 — the core does not care which concrete backend is wired.
type Store interface {
	SaveState(ctx context.Context, s *State) error
	LoadState(ctx context.Context, identifier string) (*State, error)
	DeleteState(ctx context.Context, identifier string) error
	CleanupStaleStates(ctx context.Context, timeout time.Duration) (int, error)
	GetStateVersion(ctx context.Context, identifier string) (int64, error)
	RollbackState(ctx context.Context, identifier string, version int64) (*State, error)
}

// MemoryStore is an in-process Store, useful for tests and single-node
// deployments where durability across restarts is not required.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*State
	seen  map[string]time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]*State),
		seen:  make(map[string]time.Time),
	}
}

func (m *MemoryStore) SaveState(_ context.Context, s *State) error {
	id := s.Identifier()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[id] = s
	m.seen[id] = time.Now()
	return nil
}

func (m *MemoryStore) LoadState(_ context.Context, identifier string) (*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.items[identifier]
	if !ok {
		return nil, xerror.NotFound("state %s not found", identifier)
	}
	return s, nil
}

func (m *MemoryStore) DeleteState(_ context.Context, identifier string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, identifier)
	delete(m.seen, identifier)
	return nil
}

func (m *MemoryStore) CleanupStaleStates(_ context.Context, timeout time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, last := range m.seen {
		if time.Since(last) > timeout {
			delete(m.items, id)
			delete(m.seen, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) GetStateVersion(_ context.Context, identifier string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.items[identifier]
	if !ok {
		return 0, xerror.NotFound("state %s not found", identifier)
	}
	return s.Version, nil
}

func (m *MemoryStore) RollbackState(_ context.Context, identifier string, version int64) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[identifier]
	if !ok {
		return nil, xerror.NotFound("state %s not found", identifier)
	}
	if err := s.RollbackToVersion(version); err != nil {
		return nil, err
	}
	return s, nil
}
