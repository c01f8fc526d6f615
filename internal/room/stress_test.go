package room_test

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/koopa0/game-relay/internal/game"
	"github.com/koopa0/game-relay/internal/protocol"
	"github.com/koopa0/game-relay/internal/room"
	apperr "github.com/koopa0/game-relay/pkg/errors"
	"github.com/koopa0/game-relay/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestStress_ConcurrentPlayerJoins 測試大量並發加入時玩家數永遠不超過 2
func TestStress_ConcurrentPlayerJoins(t *testing.T) {
	if testing.Short() {
		t.Skip("跳過壓力測試")
	}

	g := newTestRegistry(nil, room.Options{})

	const joiners = 200
	var accepted, full atomic.Int32
	members := make([]member, joiners)

	var wg sync.WaitGroup
	for i := 0; i < joiners; i++ {
		members[i] = newMember(fmt.Sprintf("p%d", i))
		wg.Add(1)
		go func(m member) {
			defer wg.Done()
			r, err := g.GetOrCreate("contested")
			if !assert.NoError(t, err) {
				return
			}
			_, err = r.Join(m.p, room.RolePlayer)
			switch {
			case err == nil:
				accepted.Add(1)
			case apperr.IsRoomFull(err):
				full.Add(1)
			default:
				t.Errorf("unexpected join error: %v", err)
			}
		}(members[i])
	}
	wg.Wait()

	assert.Equal(t, int32(2), accepted.Load())
	assert.Equal(t, int32(joiners-2), full.Load())

	r, err := g.Get("contested")
	require.NoError(t, err)
	players, _ := r.Counts()
	assert.Equal(t, 2, players)
	assert.Equal(t, room.PhaseActive, r.Phase())

	// 兩位玩家收到相同的 GameStart
	var starts []protocol.GameStart
	for _, m := range members {
		var gs protocol.GameStart
		if m.conn.Last(t, protocol.TypeGameStart, &gs) {
			starts = append(starts, gs)
		}
	}
	require.Len(t, starts, 2)
	assert.Equal(t, starts[0], starts[1])
}

// TestStress_JoinLeaveChurn 測試加入與離開交錯時房間狀態一致
func TestStress_JoinLeaveChurn(t *testing.T) {
	if testing.Short() {
		t.Skip("跳過壓力測試")
	}

	g := newTestRegistry(nil, room.Options{})

	const workers = 50
	const rounds = 20

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				m := newMember(fmt.Sprintf("w%d-%d", w, i))
				role := room.RoleSpectator
				if i%3 == 0 {
					role = room.RolePlayer
				}

				var r *room.Room
				for attempt := 0; attempt < 3; attempt++ {
					var err error
					r, err = g.GetOrCreate("churn")
					if !assert.NoError(t, err) {
						return
					}
					_, err = r.Join(m.p, role)
					if err == room.ErrRoomClosed {
						r = nil
						continue
					}
					if err != nil {
						r = nil
					}
					break
				}
				if r == nil {
					continue
				}

				empty, err := r.Leave(m.p)
				assert.NoError(t, err)
				if empty {
					g.Remove(r.Code())
				}
			}
		}(w)
	}
	wg.Wait()

	// 所有人都離開了，房間必定被移除
	assert.Equal(t, 0, g.Len())
}

// TestStress_ConcurrentInputOrdering 測試兩位玩家並發輸入時所有接收者看到相同順序
func TestStress_ConcurrentInputOrdering(t *testing.T) {
	if testing.Short() {
		t.Skip("跳過壓力測試")
	}

	g := room.NewRegistry(func() game.Rules { return game.Relay{} }, nil, logger.Discard(), room.Options{})
	r, err := g.GetOrCreate("tick")
	require.NoError(t, err)

	a, b, c := newMember("a"), newMember("b"), newMember("c")
	_, err = r.Join(a.p, room.RolePlayer)
	require.NoError(t, err)
	_, err = r.Join(b.p, room.RolePlayer)
	require.NoError(t, err)
	_, err = r.Join(c.p, room.RoleSpectator)
	require.NoError(t, err)
	require.Equal(t, room.PhaseActive, r.Phase())

	a.conn.Reset()
	b.conn.Reset()
	c.conn.Reset()

	const inputs = 100

	var wg sync.WaitGroup
	for _, m := range []member{a, b} {
		wg.Add(1)
		go func(m member) {
			defer wg.Done()
			for i := 0; i < inputs; i++ {
				input, _ := json.Marshal(map[string]any{"from": m.p.ID, "i": i})
				assert.NoError(t, r.ApplyInput(m.p, input))
			}
		}(m)
	}
	wg.Wait()

	framesA, framesB, framesC := a.conn.Frames(), b.conn.Frames(), c.conn.Frames()
	require.Len(t, framesA, 2*inputs)
	require.Equal(t, framesA, framesB)
	require.Equal(t, framesA, framesC)

	// seq 從 1 開始連續遞增
	for i, msg := range c.conn.Messages(t) {
		require.Equal(t, protocol.TypeRoomState, msg.Type)
		var st protocol.RoomState
		require.NoError(t, json.Unmarshal(msg.Payload, &st))
		assert.Equal(t, uint64(i+1), st.Seq)
	}
}
