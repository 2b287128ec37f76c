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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestState(t *testing.T) *State {
	t.Helper()
	s := New("u1", "op1", "c1")
	require.NoError(t, s.Validate())
	return s
}

func TestSetDataBumpsVersion(t *testing.T) {
	s := newTestState(t)
	before := s.Version
	updatedBefore := s.UpdatedAt

	time.Sleep(time.Millisecond)
	s.SetData("k", "v")

	assert.Equal(t, before+1, s.Version)
	assert.True(t, s.UpdatedAt.After(updatedBefore))
}

func TestSnapshotsAreStrictlyOlderAndBounded(t *testing.T) {
	s := newTestState(t)
	for i := 0; i < 20; i++ {
		s.SetData("k", i)
	}
	assert.LessOrEqual(t, len(s.PreviousVersions), maxSnapshots)
	for _, snap := range s.PreviousVersions {
		assert.Less(t, snap.Version, s.Version)
	}
}

func TestRollbackScenario(t *testing.T) {
	// spec.md §8 scenario 5: set k=1 (v=2), set k=2 (v=3), rollback_to_version(2).
	s := newTestState(t) // version starts at 1
	s.SetData("k", 1)    // version 2
	s.SetData("k", 2)    // version 3

	require.NoError(t, s.RollbackToVersion(2))

	v, ok := s.GetData("k")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.EqualValues(t, 2, s.Version)
	for _, snap := range s.PreviousVersions {
		assert.Less(t, snap.Version, int64(2))
	}
}

func TestRollbackNotFound(t *testing.T) {
	s := newTestState(t)
	err := s.RollbackToVersion(999)
	require.Error(t, err)
}

func TestAtomicIncrementRoundTrip(t *testing.T) {
	s := newTestState(t)
	v, err := s.AtomicIncrement("counter", 5)
	require.NoError(t, err)
	assert.EqualValues(t, 5, v)

	v, err = s.AtomicIncrement("counter", -5)
	require.NoError(t, err)
	assert.EqualValues(t, 0, v)
}

func TestAtomicAppendIncreasesLengthByOne(t *testing.T) {
	s := newTestState(t)
	n, err := s.AtomicAppend("list", "a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.AtomicAppend("list", "b")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCompareAndSwapNoContention(t *testing.T) {
	s := newTestState(t)
	s.SetData("flag", "a")

	cur, _ := s.GetData("flag")
	ok, err := s.CompareAndSwap("flag", cur, "b")
	require.NoError(t, err)
	assert.True(t, ok)

	v, _ := s.GetData("flag")
	assert.Equal(t, "b", v)
}

func TestCompareAndSwapMismatch(t *testing.T) {
	s := newTestState(t)
	s.SetData("flag", "a")

	ok, err := s.CompareAndSwap("flag", "not-a", "b")
	require.Error(t, err)
	assert.False(t, ok)
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	s := newTestState(t)
	s.SetData("greeting", "Hello Ada")
	s.SetMetadata("source", "test")

	data, err := s.Serialize()
	require.NoError(t, err)

	restored, err := Deserialize(data)
	require.NoError(t, err)

	assert.Equal(t, s.Data, restored.Data)
	assert.Equal(t, s.Metadata, restored.Metadata)
	assert.Equal(t, s.Version, restored.Version)
	assert.Equal(t, s.FlowID, restored.FlowID)
	assert.Equal(t, s.BlockID, restored.BlockID)
	assert.True(t, restored.VerifyChecksum())
}

func TestClearFlowData(t *testing.T) {
	s := newTestState(t)
	s.FlowID = "f1"
	s.BlockID = "b1"
	s.SetData("x", 1)

	s.ClearFlowData()

	assert.Empty(t, s.FlowID)
	assert.Empty(t, s.BlockID)
	assert.Empty(t, s.Data)
}

func TestConcurrencyManagerExclusiveLockExcludesAll(t *testing.T) {
	cm := NewConcurrencyManager(time.Minute, time.Minute)
	require.NoError(t, cm.AcquireLock("id1", "owner-a", LockExclusive))
	err := cm.AcquireLock("id1", "owner-b", LockShared)
	assert.Error(t, err)

	require.NoError(t, cm.ReleaseLock("id1", "owner-a"))
	require.NoError(t, cm.AcquireLock("id1", "owner-b", LockShared))
}

func TestConcurrencyManagerSharedLocksCoexist(t *testing.T) {
	cm := NewConcurrencyManager(time.Minute, time.Minute)
	require.NoError(t, cm.AcquireLock("id1", "owner-a", LockShared))
	require.NoError(t, cm.AcquireLock("id1", "owner-b", LockShared))
}

func TestBarrierReleasesAllOnLastArrival(t *testing.T) {
	cm := NewConcurrencyManager(time.Minute, time.Second)
	cm.CreateBarrier("b1", 2)

	done := make(chan error, 1)
	go func() { done <- cm.Wait("b1", "p1") }()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, cm.Wait("b1", "p2"))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("barrier did not release first waiter")
	}
}

func TestBarrierTimeout(t *testing.T) {
	cm := NewConcurrencyManager(time.Minute, 10*time.Millisecond)
	cm.CreateBarrier("b1", 2)

	err := cm.Wait("b1", "p1")
	assert.Error(t, err)
}

func TestObservableStateNotifiesOnSetData(t *testing.T) {
	o := NewObservable(newTestState(t))
	var got ChangeNotification
	o.Observe(func(n ChangeNotification) { got = n })

	o.SetData("k", "v")

	assert.Equal(t, ChangeDataUpdate, got.ChangeType)
	assert.Equal(t, "v", got.NewValue)
}

func TestMemoryStoreSaveLoadRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	s := newTestState(t)
	s.SetData("k", "v")

	ctx := t.Context()
	require.NoError(t, store.SaveState(ctx, s))

	loaded, err := store.LoadState(ctx, s.Identifier())
	require.NoError(t, err)
	assert.Equal(t, s.Data, loaded.Data)

	version, err := store.GetStateVersion(ctx, s.Identifier())
	require.NoError(t, err)
	assert.Equal(t, s.Version, version)
}
