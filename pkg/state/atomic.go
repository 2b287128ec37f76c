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
	"fmt"
	"reflect"

	"github.com/kestrelrun/orchestrator/pkg/xerror"
)

// AtomicIncrement reads key as an integer (absent treated as 0), adds
// delta, writes and returns the sum.
func (s *State) AtomicIncrement(key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cur int64
	if v, ok := s.Data[key]; ok {
		i, err := toInt64(v)
		if err != nil {
			return 0, xerror.Validation("atomic_increment: %s is not an integer: %v", key, err)
		}
		cur = i
	}
	sum := cur + delta

	s.snapshotLocked()
	if s.Data == nil {
		s.Data = make(map[string]any)
	}
	s.Data[key] = sum
	s.bumpLocked()
	return sum, nil
}

// AtomicAppend reads key as an ordered sequence (absent treated as
// empty), appends value, and returns the new length.
func (s *State) AtomicAppend(key string, value any) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var seq []any
	if v, ok := s.Data[key]; ok {
		existing, err := toSlice(v)
		if err != nil {
			return 0, xerror.Validation("atomic_append: %s is not a sequence: %v", key, err)
		}
		seq = existing
	}
	seq = append(seq, value)

	s.snapshotLocked()
	if s.Data == nil {
		s.Data = make(map[string]any)
	}
	s.Data[key] = seq
	s.bumpLocked()
	return len(seq), nil
}

// CompareAndSwap sets new only if the stored value at key equals expected
// (by deep equality). On mismatch it returns false and a KindVersioning
// error whose message ends in "CompareAndSwapFailed".
func (s *State) CompareAndSwap(key string, expected, newValue any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.Data[key]
	if !valuesEqual(cur, expected, ok) {
		return false, xerror.Versioning("compare_and_swap: %s: CompareAndSwapFailed", key)
	}

	s.snapshotLocked()
	if s.Data == nil {
		s.Data = make(map[string]any)
	}
	s.Data[key] = newValue
	s.bumpLocked()
	return true, nil
}

func valuesEqual(cur, expected any, present bool) bool {
	if !present {
		return expected == nil
	}
	return reflect.DeepEqual(cur, expected)
}

// RollbackToVersion restores data/metadata/contexts/checksum from the
// snapshot recorded at version v, and discards all snapshots >= v.
func (s *State) RollbackToVersion(v int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, snap := range s.PreviousVersions {
		if snap.Version == v {
			idx = i
			break
		}
	}
	if idx == -1 {
		return xerror.NotFound("rollback_to_version: no snapshot at version %d", v)
	}

	snap := s.PreviousVersions[idx]
	s.Data = cloneMap(snap.Data)
	s.Metadata = cloneMap(snap.Metadata)
	s.FlowContext = snap.FlowContext
	s.SkillContext = snap.SkillContext
	s.Version = snap.Version
	s.Checksum = snap.Checksum
	s.UpdatedAt = snap.Timestamp
	s.PreviousVersions = s.PreviousVersions[:idx]
	return nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

func toSlice(v any) ([]any, error) {
	switch seq := v.(type) {
	case []any:
		return seq, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}
