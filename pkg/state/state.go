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

// Package state implements the Unified State: a versioned, thread-safe
// key-value record advanced by a flow session, with snapshots, rollback,
// atomic operations, locks, barriers, and change observers.
package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// maxSnapshots is the bounded ring capacity for previous_versions.
const maxSnapshots = 10

// Snapshot is an immutable record of state at a specific version.
type Snapshot struct {
	Version      int64          `json:"version"`
	Data         map[string]any `json:"data"`
	Metadata     map[string]any `json:"metadata"`
	FlowContext  any            `json:"flow_context,omitempty"`
	SkillContext any            `json:"skill_context,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	Checksum     string         `json:"checksum,omitempty"`
}

// Metrics tracks access/modification counters and a rough byte-size
// estimate of Data (key plus JSON-encoded value lengths), refreshed on
// every snapshot-and-bump mutation.
type Metrics struct {
	AccessCount     int64 `json:"access_count"`
	ModifyCount     int64 `json:"modify_count"`
	EstimatedBytes  int64 `json:"estimated_bytes"`
}

// State is the execution record a flow session advances through block
// dispatch. The identity triple (UserID, OperatorID, ChannelID) must be
// non-empty; the state identifier is "user:channel:flow" (see Identifier).
type State struct {
	mu sync.RWMutex

	UserID     string `json:"user_id"`
	OperatorID string `json:"operator_id"`
	ChannelID  string `json:"channel_id"`

	FlowID  string `json:"flow_id,omitempty"`
	BlockID string `json:"block_id,omitempty"`

	Data     map[string]any `json:"data"`
	Metadata map[string]any `json:"metadata"`

	FlowContext  any `json:"flow_context,omitempty"`
	SkillContext any `json:"skill_context,omitempty"`

	Version int64 `json:"version"`

	PreviousVersions []Snapshot `json:"previous_versions"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Metrics Metrics `json:"metrics"`

	Checksum string `json:"checksum,omitempty"`
}

// Identifier returns "user:channel:flow" as used for lock/persistence
// keying.
func (s *State) Identifier() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("%s:%s:%s", s.UserID, s.ChannelID, s.FlowID)
}

// New creates a state for the given identity triple.
func New(userID, operatorID, channelID string) *State {
	now := time.Now()
	s := &State{
		UserID:     userID,
		OperatorID: operatorID,
		ChannelID:  channelID,
		Data:       make(map[string]any),
		Metadata:   make(map[string]any),
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.recomputeChecksumLocked()
	return s
}

// Validate reports whether the identity triple is non-empty.
func (s *State) Validate() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.UserID == "" || s.OperatorID == "" || s.ChannelID == "" {
		return fmt.Errorf("state: user_id, operator_id, and channel_id must all be non-empty")
	}
	return nil
}

// snapshotLocked appends the current content as a Snapshot before a
// mutation, trimming the ring to maxSnapshots-1 so the new entry fits.
// Caller must hold the write lock.
func (s *State) snapshotLocked() {
	snap := Snapshot{
		Version:      s.Version,
		Data:         cloneMap(s.Data),
		Metadata:     cloneMap(s.Metadata),
		FlowContext:  s.FlowContext,
		SkillContext: s.SkillContext,
		Timestamp:    s.UpdatedAt,
		Checksum:     s.Checksum,
	}
	s.PreviousVersions = append(s.PreviousVersions, snap)
	if len(s.PreviousVersions) > maxSnapshots {
		s.PreviousVersions = s.PreviousVersions[len(s.PreviousVersions)-maxSnapshots:]
	}
}

// bumpLocked advances version/updated_at/checksum/metrics after a
// mutation. Caller must hold the write lock.
func (s *State) bumpLocked() {
	s.Version++
	s.UpdatedAt = time.Now()
	s.Metrics.ModifyCount++
	s.recomputeChecksumLocked()
}

// recomputeChecksumLocked hashes version + sorted (key, json(value)) pairs
// of Data. Caller must hold the write lock (or be in New, pre-concurrent).
func (s *State) recomputeChecksumLocked() {
	h := sha256.New()
	fmt.Fprintf(h, "%d", s.Version)
	keys := make([]string, 0, len(s.Data))
	for k := range s.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var size int64
	for _, k := range keys {
		b, _ := json.Marshal(s.Data[k])
		fmt.Fprintf(h, "|%s=%s", k, b)
		size += int64(len(k) + len(b))
	}
	s.Checksum = hex.EncodeToString(h.Sum(nil))
	s.Metrics.EstimatedBytes = size
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// SetData sets a key in the working-variable map: snapshot, mutate, bump.
func (s *State) SetData(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshotLocked()
	if s.Data == nil {
		s.Data = make(map[string]any)
	}
	s.Data[key] = value
	s.bumpLocked()
}

// SetMetadata sets a key in the ambient-context map: snapshot, mutate, bump.
func (s *State) SetMetadata(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshotLocked()
	if s.Metadata == nil {
		s.Metadata = make(map[string]any)
	}
	s.Metadata[key] = value
	s.bumpLocked()
}

// SetFlowContext replaces the flow context: snapshot, mutate, bump.
func (s *State) SetFlowContext(value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshotLocked()
	s.FlowContext = value
	s.bumpLocked()
}

// SetSkillContext replaces the skill context: snapshot, mutate, bump.
func (s *State) SetSkillContext(value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshotLocked()
	s.SkillContext = value
	s.bumpLocked()
}

// GetData reads a key from the working-variable map.
func (s *State) GetData(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Metrics.AccessCount++
	v, ok := s.Data[key]
	return v, ok
}

// DeleteData removes a transient working-variable key without taking a
// snapshot or bumping version — used by the Flow Engine to clear
// per-step signalling keys (awaiting_input, flow_terminated) ahead of
// each block dispatch.
func (s *State) DeleteData(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Data, key)
}

// ClearFlowData clears flow_id, block_id, flow_context, and data as one
// snapshot-and-bump mutation. The Flow Engine's terminate path does not
// call it; it clears only flow_id and block_id.
func (s *State) ClearFlowData() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshotLocked()
	s.FlowID = ""
	s.BlockID = ""
	s.FlowContext = nil
	s.Data = make(map[string]any)
	s.bumpLocked()
}

// Serialize converts the State to JSON bytes, excluding the mutex.
func (s *State) Serialize() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(s)
}

// Deserialize reconstructs a State from JSON bytes.
func Deserialize(data []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("state: unmarshal: %w", err)
	}
	return &s, nil
}

// VerifyChecksum recomputes the checksum over current content and reports
// whether it matches the stored one. A state with no stored checksum
// trivially verifies.
func (s *State) VerifyChecksum() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Checksum == "" {
		return true
	}
	want := s.Checksum
	s.recomputeChecksumLocked()
	got := s.Checksum
	s.Checksum = want
	return got == want
}
