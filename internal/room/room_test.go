package room_test

import (
	"encoding/json"
	"testing"

	"github.com/koopa0/game-relay/internal/events"
	"github.com/koopa0/game-relay/internal/game"
	"github.com/koopa0/game-relay/internal/protocol"
	"github.com/koopa0/game-relay/internal/room"
	"github.com/koopa0/game-relay/internal/testutils"
	apperr "github.com/koopa0/game-relay/pkg/errors"
	"github.com/koopa0/game-relay/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type member struct {
	p    *room.Participant
	conn *testutils.RecordingSender
}

func newMember(id string) member {
	conn := testutils.NewRecordingSender()
	return member{p: room.NewParticipant(id, "127.0.0.1:0", conn), conn: conn}
}

func newTestRegistry(pub events.Publisher, opts room.Options) *room.Registry {
	return room.NewRegistry(func() game.Rules { return game.TicTacToe{} }, pub, logger.Discard(), opts)
}

func newTestRoom(t *testing.T) *room.Room {
	t.Helper()
	r, err := newTestRegistry(nil, room.Options{}).GetOrCreate("ABC")
	require.NoError(t, err)
	return r
}

func move(row, col int) json.RawMessage {
	data, _ := json.Marshal(game.Move{Row: row, Col: col})
	return data
}

// TestRoom_JoinSequence 測試加入時的訊息順序與開局
func TestRoom_JoinSequence(t *testing.T) {
	r := newTestRoom(t)
	a, b, c := newMember("a"), newMember("b"), newMember("c")

	res, err := r.Join(a.p, room.RolePlayer)
	require.NoError(t, err)
	assert.Equal(t, 1, res.PlayerIndex)
	assert.Equal(t, room.PhaseWaiting, res.Phase)
	assert.False(t, res.GameStarted)
	assert.Equal(t, []protocol.MessageType{protocol.TypeJoinAccepted, protocol.TypeRoomState}, a.conn.Types(t))

	res, err = r.Join(b.p, room.RolePlayer)
	require.NoError(t, err)
	assert.Equal(t, 2, res.PlayerIndex)
	assert.Equal(t, room.PhaseActive, res.Phase)
	assert.True(t, res.GameStarted)

	assert.Equal(t, []protocol.MessageType{
		protocol.TypeJoinAccepted, protocol.TypeRoomState,
		protocol.TypePeerJoined, protocol.TypeGameStart, protocol.TypeRoomState,
	}, a.conn.Types(t))
	assert.Equal(t, []protocol.MessageType{
		protocol.TypeJoinAccepted, protocol.TypeGameStart, protocol.TypeRoomState,
	}, b.conn.Types(t))

	// 兩位玩家收到相同的 GameStart
	var startA, startB protocol.GameStart
	require.True(t, a.conn.Last(t, protocol.TypeGameStart, &startA))
	require.True(t, b.conn.Last(t, protocol.TypeGameStart, &startB))
	assert.Equal(t, startA, startB)
	assert.Equal(t, []protocol.PlayerInfo{{Index: 1, ConnectionID: "a"}, {Index: 2, ConnectionID: "b"}}, startA.Players)

	// 觀戰者加入：立即收到快照，玩家收到 PeerJoined
	res, err = r.Join(c.p, room.RoleSpectator)
	require.NoError(t, err)
	assert.Equal(t, room.RoleSpectator, res.Role)
	assert.Equal(t, []protocol.MessageType{protocol.TypeJoinAccepted, protocol.TypeRoomState}, c.conn.Types(t))

	var peer protocol.PeerEvent
	require.True(t, a.conn.Last(t, protocol.TypePeerJoined, &peer))
	assert.Equal(t, "SPECTATOR", peer.Role)
	assert.Equal(t, 1, peer.Spectators)

	var state protocol.RoomState
	require.True(t, c.conn.Last(t, protocol.TypeRoomState, &state))
	assert.Equal(t, "ACTIVE", state.Phase)
	assert.Len(t, state.Players, 2)
}

// TestRoom_JoinRejections 測試加入被拒絕的情況
func TestRoom_JoinRejections(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(t *testing.T, r *room.Room)
		role     room.Role
		wantCode string
		wantErr  error
	}{
		{
			name: "third player",
			setup: func(t *testing.T, r *room.Room) {
				for _, id := range []string{"a", "b"} {
					_, err := r.Join(newMember(id).p, room.RolePlayer)
					require.NoError(t, err)
				}
			},
			role:     room.RolePlayer,
			wantCode: apperr.ErrCodeRoomFull,
		},
		{
			name: "player after game ended",
			setup: func(t *testing.T, r *room.Room) {
				a, b := newMember("a"), newMember("b")
				_, err := r.Join(a.p, room.RolePlayer)
				require.NoError(t, err)
				_, err = r.Join(b.p, room.RolePlayer)
				require.NoError(t, err)
				_, err = r.Leave(b.p)
				require.NoError(t, err)
				require.Equal(t, room.PhaseEnded, r.Phase())
			},
			role:     room.RolePlayer,
			wantCode: apperr.ErrCodeRoomFull,
		},
		{
			name: "spectator into full room",
			setup: func(t *testing.T, r *room.Room) {
				for _, id := range []string{"a", "b"} {
					_, err := r.Join(newMember(id).p, room.RolePlayer)
					require.NoError(t, err)
				}
			},
			role: room.RoleSpectator,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRoom(t)
			tt.setup(t, r)

			joiner := newMember("x")
			_, err := r.Join(joiner.p, tt.role)

			if tt.wantCode == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, apperr.CodeOf(err))
			assert.Empty(t, joiner.conn.Frames(), "rejected joiner must not receive room messages")
		})
	}
}

// TestRoom_JoinTwice 測試同一參與者不能加入兩次
func TestRoom_JoinTwice(t *testing.T) {
	r := newTestRoom(t)
	a := newMember("a")

	_, err := r.Join(a.p, room.RolePlayer)
	require.NoError(t, err)

	_, err = r.Join(a.p, room.RoleSpectator)
	assert.ErrorIs(t, err, room.ErrAlreadyJoined)
}

// TestRoom_Leave 測試離開流程
func TestRoom_Leave(t *testing.T) {
	tests := []struct {
		name     string
		validate func(t *testing.T, r *room.Room, a, b, c member)
	}{
		{
			name: "player leaves active game",
			validate: func(t *testing.T, r *room.Room, a, b, c member) {
				a.conn.Reset()
				c.conn.Reset()

				empty, err := r.Leave(b.p)
				require.NoError(t, err)
				assert.False(t, empty)
				assert.Equal(t, room.PhaseEnded, r.Phase())

				want := []protocol.MessageType{protocol.TypeGameEnd, protocol.TypePeerLeft, protocol.TypeRoomState}
				assert.Equal(t, want, a.conn.Types(t))
				assert.Equal(t, want, c.conn.Types(t))

				var end protocol.GameEnd
				require.True(t, a.conn.Last(t, protocol.TypeGameEnd, &end))
				assert.Equal(t, protocol.ReasonPlayerDisconnected, end.Reason)

				// 重複離開不會再產生訊息
				_, err = r.Leave(b.p)
				assert.ErrorIs(t, err, room.ErrNotInRoom)
				assert.Len(t, a.conn.Frames(), 3)
			},
		},
		{
			name: "spectator leaves",
			validate: func(t *testing.T, r *room.Room, a, b, c member) {
				a.conn.Reset()

				_, err := r.Leave(c.p)
				require.NoError(t, err)
				assert.Equal(t, room.PhaseActive, r.Phase())
				assert.Equal(t, []protocol.MessageType{protocol.TypePeerLeft, protocol.TypeRoomState}, a.conn.Types(t))

				var peer protocol.PeerEvent
				require.True(t, a.conn.Last(t, protocol.TypePeerLeft, &peer))
				assert.Equal(t, "SPECTATOR", peer.Role)
				assert.Equal(t, 0, peer.Spectators)
			},
		},
		{
			name: "last participant empties room",
			validate: func(t *testing.T, r *room.Room, a, b, c member) {
				for _, m := range []member{a, b} {
					empty, err := r.Leave(m.p)
					require.NoError(t, err)
					assert.False(t, empty)
				}
				empty, err := r.Leave(c.p)
				require.NoError(t, err)
				assert.True(t, empty)
				assert.True(t, r.IsEmpty())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRoom(t)
			a, b, c := newMember("a"), newMember("b"), newMember("c")
			_, err := r.Join(a.p, room.RolePlayer)
			require.NoError(t, err)
			_, err = r.Join(b.p, room.RolePlayer)
			require.NoError(t, err)
			_, err = r.Join(c.p, room.RoleSpectator)
			require.NoError(t, err)

			tt.validate(t, r, a, b, c)
		})
	}
}

// TestRoom_LeaveWhileWaiting 測試等待中 1 號玩家離開後座位重新編號
func TestRoom_LeaveWhileWaiting(t *testing.T) {
	r := newTestRoom(t)
	a, b := newMember("a"), newMember("b")

	_, err := r.Join(a.p, room.RolePlayer)
	require.NoError(t, err)
	_, err = r.Leave(a.p)
	require.NoError(t, err)
	assert.Equal(t, room.PhaseWaiting, r.Phase())

	res, err := r.Join(b.p, room.RolePlayer)
	require.NoError(t, err)
	assert.Equal(t, 1, res.PlayerIndex)
	assert.Equal(t, room.PhaseWaiting, res.Phase)
}

// TestRoom_ApplyInput 測試輸入處理
func TestRoom_ApplyInput(t *testing.T) {
	r := newTestRoom(t)
	a, b, c := newMember("a"), newMember("b"), newMember("c")

	_, err := r.Join(a.p, room.RolePlayer)
	require.NoError(t, err)

	// 等待中不接受輸入
	err = r.ApplyInput(a.p, move(0, 0))
	assert.Equal(t, apperr.ErrCodeInvalidPhase, apperr.CodeOf(err))

	_, err = r.Join(b.p, room.RolePlayer)
	require.NoError(t, err)
	_, err = r.Join(c.p, room.RoleSpectator)
	require.NoError(t, err)

	// 觀戰者不是玩家
	err = r.ApplyInput(c.p, move(0, 0))
	assert.Equal(t, apperr.ErrCodeNotAPlayer, apperr.CodeOf(err))

	// 輪到 1 號，2 號的輸入被規則拒絕
	b.conn.Reset()
	err = r.ApplyInput(b.p, move(0, 0))
	assert.Equal(t, apperr.ErrCodeInvalidInput, apperr.CodeOf(err))
	assert.Empty(t, b.conn.Frames(), "rejected input must not broadcast")

	// 缺少座標的輸入不會被當成 (0,0)
	a.conn.Reset()
	err = r.ApplyInput(a.p, json.RawMessage(`{}`))
	assert.Equal(t, apperr.ErrCodeInvalidInput, apperr.CodeOf(err))
	assert.Empty(t, a.conn.Frames())

	a.conn.Reset()
	c.conn.Reset()
	require.NoError(t, r.ApplyInput(a.p, move(1, 1)))

	var stateA, stateC protocol.RoomState
	require.True(t, a.conn.Last(t, protocol.TypeRoomState, &stateA))
	require.True(t, c.conn.Last(t, protocol.TypeRoomState, &stateC))
	assert.Equal(t, uint64(1), stateA.Seq)
	assert.Equal(t, stateA, stateC)

	var board game.TicTacToeState
	require.NoError(t, json.Unmarshal(stateA.State, &board))
	assert.Equal(t, 1, board.Board[1][1])
	assert.Equal(t, 2, board.Turn)
}

// TestRoom_GameOver 測試規則判定勝負後進入 ENDED
func TestRoom_GameOver(t *testing.T) {
	pub := &testutils.RecordingPublisher{}
	r, err := newTestRegistry(pub, room.Options{}).GetOrCreate("win")
	require.NoError(t, err)

	a, b := newMember("a"), newMember("b")
	_, err = r.Join(a.p, room.RolePlayer)
	require.NoError(t, err)
	_, err = r.Join(b.p, room.RolePlayer)
	require.NoError(t, err)

	moves := []struct {
		m   member
		row int
		col int
	}{
		{a, 0, 0}, {b, 1, 0}, {a, 0, 1}, {b, 1, 1}, {a, 0, 2},
	}
	for _, mv := range moves {
		require.NoError(t, r.ApplyInput(mv.m.p, move(mv.row, mv.col)))
	}

	assert.Equal(t, room.PhaseEnded, r.Phase())

	var end protocol.GameEnd
	require.True(t, b.conn.Last(t, protocol.TypeGameEnd, &end))
	assert.Equal(t, protocol.ReasonGameOver, end.Reason)
	assert.Equal(t, 1, end.Winner)

	types := b.conn.Types(t)
	assert.Equal(t, protocol.TypeGameEnd, types[len(types)-1])
	assert.Equal(t, protocol.TypeRoomState, types[len(types)-2])

	// 結束後的輸入被拒絕
	err = r.ApplyInput(b.p, move(2, 2))
	assert.Equal(t, apperr.ErrCodeInvalidPhase, apperr.CodeOf(err))

	assert.Equal(t, []events.Type{
		events.RoomCreated,
		events.ParticipantJoined,
		events.ParticipantJoined,
		events.GameStarted,
		events.GameEnded,
	}, pub.Types())
}

// TestRoom_Chat 測試聊天廣播與標籤
func TestRoom_Chat(t *testing.T) {
	r := newTestRoom(t)
	a, b, c := newMember("a"), newMember("b"), newMember("c")
	for _, j := range []struct {
		m    member
		role room.Role
	}{{a, room.RolePlayer}, {c, room.RoleSpectator}, {b, room.RolePlayer}} {
		_, err := r.Join(j.m.p, j.role)
		require.NoError(t, err)
	}

	tests := []struct {
		name     string
		from     member
		text     string
		wantFrom string
		wantCode string
	}{
		{name: "player one", from: a, text: "hi", wantFrom: "Player1"},
		{name: "player two", from: b, text: "  gl hf  ", wantFrom: "Player2"},
		{name: "spectator", from: c, text: "go", wantFrom: "spec_1"},
		{name: "empty", from: a, text: "   ", wantCode: apperr.ErrCodeInvalidInput},
		{name: "too long", from: a, text: string(make([]rune, room.MaxChatLength+1)), wantCode: apperr.ErrCodeInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a.conn.Reset()
			err := r.Chat(tt.from.p, tt.text)

			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, apperr.CodeOf(err))
				assert.Empty(t, a.conn.Frames())
				return
			}
			require.NoError(t, err)

			var chat protocol.Chat
			require.True(t, a.conn.Last(t, protocol.TypeChat, &chat))
			assert.Equal(t, tt.wantFrom, chat.From)
			assert.NotEmpty(t, chat.Text)
		})
	}

	outsider := newMember("z")
	assert.ErrorIs(t, r.Chat(outsider.p, "hello"), room.ErrNotInRoom)
}

// TestRoom_SlowConsumerIsDisconnected 測試送達失敗的接收者被關閉，其他人不受影響
func TestRoom_SlowConsumerIsDisconnected(t *testing.T) {
	r := newTestRoom(t)
	a, b, c := newMember("a"), newMember("b"), newMember("c")
	_, err := r.Join(a.p, room.RolePlayer)
	require.NoError(t, err)
	_, err = r.Join(b.p, room.RolePlayer)
	require.NoError(t, err)
	_, err = r.Join(c.p, room.RoleSpectator)
	require.NoError(t, err)

	c.conn.FailSends()
	require.NoError(t, r.ApplyInput(a.p, move(0, 0)))

	closed, cause := c.conn.Closed()
	assert.True(t, closed)
	assert.True(t, apperr.IsClosed(cause))

	var state protocol.RoomState
	require.True(t, b.conn.Last(t, protocol.TypeRoomState, &state))
	assert.Equal(t, uint64(1), state.Seq)

	closed, _ = b.conn.Closed()
	assert.False(t, closed)
}

// TestRoleFromMode 測試握手模式轉換
func TestRoleFromMode(t *testing.T) {
	role, err := room.RoleFromMode(protocol.ModePlay)
	require.NoError(t, err)
	assert.Equal(t, room.RolePlayer, role)
	assert.Equal(t, "PLAYER", role.String())

	role, err = room.RoleFromMode(protocol.ModeSpectate)
	require.NoError(t, err)
	assert.Equal(t, "SPECTATOR", role.String())

	_, err = room.RoleFromMode("X")
	assert.Equal(t, apperr.ErrCodeBadHandshake, apperr.CodeOf(err))
}
