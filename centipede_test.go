package main

import (
	"context"
	"errors"
	"io"
	"testing"
	"testing/iotest"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Seednode/centipede/games/centipede"
	"github.com/Seednode/centipede/store"
)

const testGameID = "TESTGAME"

func newTestConfig(t *testing.T) (*Config, *quartz.Mock) {
	t.Helper()

	clock := quartz.NewMock(t)
	cfg := &Config{
		bind:             "127.0.0.1",
		port:             8080,
		currencyPerPoint: "0.5",
		clock:            clock,
		logger:           log.NewWithOptions(io.Discard, log.Options{}),
	}
	require.NoError(t, cfg.validate())

	return cfg, clock
}

func newTestDB(t *testing.T) *store.SQLiteDB {
	t.Helper()

	db, err := store.NewSQLiteDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	return db
}

func newTestHub(t *testing.T, cfg *Config) *Hub {
	t.Helper()

	db := newTestDB(t)
	h := newHub(cfg, testGameID, db)
	require.NoError(t, db.SaveSession(context.Background(), &store.Session{ID: testGameID}))

	return h
}

func connect(cfg *Config, h *Hub, playerID string) *Client {
	c := &Client{
		send:     make(chan any, 256),
		playerID: playerID,
	}
	h.handleRegister(cfg, c)

	return c
}

// drain returns every message queued for the client.
func drain(c *Client) []any {
	var out []any
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return out
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

func lastOf[T any](t *testing.T, c *Client) T {
	t.Helper()

	var (
		last  T
		found bool
	)
	for _, msg := range drain(c) {
		if m, ok := msg.(T); ok {
			last = m
			found = true
		}
	}
	require.True(t, found, "no %T queued", last)

	return last
}

func hasError(c *Client) bool {
	for _, msg := range drain(c) {
		if m, ok := msg.(SimpleMessage); ok && m.Type == "error" {
			return true
		}
	}
	return false
}

func join(cfg *Config, h *Hub, c *Client, name string) {
	h.handleJoin(cfg, joinRequest{client: c, msg: ClientMessage{Type: "join", Username: name}})
}

func move(cfg *Config, h *Hub, c *Client, msg ClientMessage) {
	h.handleMove(cfg, moveRequest{client: c, msg: msg})
}

func mod(cfg *Config, h *Hub, c *Client, msg ClientMessage) {
	h.handleModCommand(cfg, modCommand{client: c, msg: msg})
}

type table struct {
	mod  *Client
	byID map[string]*Client
}

// seat returns the clients playing P1 and P2 in the given pair.
func (tb table) seat(t *testing.T, h *Hub, pair int) (p1, p2 *Client) {
	t.Helper()

	h.mu.RLock()
	defer h.mu.RUnlock()

	require.GreaterOrEqual(t, len(h.pairs), pair)
	pr := h.pairs[pair-1]

	return tb.byID[pr.seats[0]], tb.byID[pr.seats[1]]
}

func startedTable(t *testing.T, cfg *Config, h *Hub, names ...string) table {
	t.Helper()

	tb := table{
		mod:  connect(cfg, h, "mod"),
		byID: make(map[string]*Client),
	}
	for _, name := range names {
		c := connect(cfg, h, "id-"+name)
		join(cfg, h, c, name)
		tb.byID[c.playerID] = c
	}

	mod(cfg, h, tb.mod, ClientMessage{Type: "start_session"})

	h.mu.RLock()
	require.True(t, h.started)
	h.mu.RUnlock()

	return tb
}

func TestRegisterFirstIsModerator(t *testing.T) {
	cfg, _ := newTestConfig(t)
	h := newTestHub(t, cfg)

	m := connect(cfg, h, "mod")
	info := lastOf[SessionInfoMessage](t, m)
	assert.True(t, info.IsModerator)
	assert.Equal(t, centipede.NumRounds, info.NumRounds)
	assert.Len(t, info.PayoffTable, centipede.MaxK+1)

	p := connect(cfg, h, "id-a")
	info = lastOf[SessionInfoMessage](t, p)
	assert.False(t, info.IsModerator)
	assert.False(t, info.IsExisting)

	join(cfg, h, m, "boss")
	assert.True(t, hasError(m), "moderator cannot join as a player")
}

func TestJoin(t *testing.T) {
	cfg, _ := newTestConfig(t)
	h := newTestHub(t, cfg)

	m := connect(cfg, h, "mod")
	a := connect(cfg, h, "id-a")
	b := connect(cfg, h, "id-b")

	join(cfg, h, a, "alice")
	list := lastOf[PlayerListMessage](t, b)
	assert.Equal(t, []string{"alice"}, list.Players)

	t.Run("duplicate usernames collide", func(t *testing.T) {
		join(cfg, h, b, "alice")
		collision := lastOf[CollisionMessage](t, b)
		assert.Equal(t, "username", collision.Field)
	})

	t.Run("locked lobby refuses new players", func(t *testing.T) {
		locked := true
		mod(cfg, h, m, ClientMessage{Type: "lock_lobby", Lock: &locked})
		assert.True(t, lastOf[LobbyStateMessage](t, a).Locked)

		join(cfg, h, b, "bob")
		refused := lastOf[SimpleMessage](t, b)
		assert.Equal(t, "lobby_locked", refused.Type)

		join(cfg, h, a, "alicia")
		view := lastOf[ModeratorViewMessage](t, m)
		require.Len(t, view.Players, 1)
		assert.Equal(t, "alicia", view.Players[0].Username, "existing players may rename")
	})

	t.Run("reconnect restores the username", func(t *testing.T) {
		again := connect(cfg, h, "id-a")
		info := lastOf[SessionInfoMessage](t, again)
		assert.True(t, info.IsExisting)
		assert.Equal(t, "alicia", info.Username)
	})
}

func TestModCommandsRequireModerator(t *testing.T) {
	cfg, _ := newTestConfig(t)
	h := newTestHub(t, cfg)

	connect(cfg, h, "mod")
	a := connect(cfg, h, "id-a")
	b := connect(cfg, h, "id-b")
	join(cfg, h, a, "alice")
	join(cfg, h, b, "bob")

	mod(cfg, h, a, ClientMessage{Type: "start_session"})

	h.mu.RLock()
	defer h.mu.RUnlock()
	assert.False(t, h.started)
}

func TestKick(t *testing.T) {
	cfg, _ := newTestConfig(t)
	h := newTestHub(t, cfg)

	m := connect(cfg, h, "mod")
	a := connect(cfg, h, "id-a")
	join(cfg, h, a, "alice")
	drain(a)

	mod(cfg, h, m, ClientMessage{Type: "kick", TargetUsername: "alice"})

	msgs := drain(a)
	require.NotEmpty(t, msgs)
	assert.Equal(t, "kicked", msgs[0].(SimpleMessage).Type)

	_, open := <-a.send
	assert.False(t, open, "kicked client channel is closed")

	h.mu.RLock()
	defer h.mu.RUnlock()
	assert.Empty(t, h.players)
	assert.NotContains(t, h.clients, a)
}

func TestStartSession(t *testing.T) {
	t.Run("needs an even number of players", func(t *testing.T) {
		cfg, _ := newTestConfig(t)
		h := newTestHub(t, cfg)

		m := connect(cfg, h, "mod")
		a := connect(cfg, h, "id-a")
		join(cfg, h, a, "alice")

		mod(cfg, h, m, ClientMessage{Type: "start_session"})
		assert.True(t, hasError(m))

		h.mu.RLock()
		defer h.mu.RUnlock()
		assert.False(t, h.started)
	})

	t.Run("a failed draw aborts the start", func(t *testing.T) {
		cfg, _ := newTestConfig(t)
		h := newTestHub(t, cfg)
		h.rng = iotest.ErrReader(errors.New("no entropy"))

		m := connect(cfg, h, "mod")
		for _, name := range []string{"alice", "bob"} {
			join(cfg, h, connect(cfg, h, "id-"+name), name)
		}
		drain(m)

		mod(cfg, h, m, ClientMessage{Type: "start_session"})
		assert.True(t, hasError(m))

		h.mu.RLock()
		defer h.mu.RUnlock()
		assert.False(t, h.started)
		assert.Empty(t, h.pairs)
	})

	t.Run("pairs are fixed with one P1 and one P2", func(t *testing.T) {
		cfg, _ := newTestConfig(t)
		h := newTestHub(t, cfg)

		tb := startedTable(t, cfg, h, "alice", "bob", "carol", "dave")

		h.mu.RLock()
		require.Len(t, h.pairs, 2)
		roles := map[int][]centipede.Role{}
		for _, p := range h.players {
			roles[p.Pair] = append(roles[p.Pair], p.Role)
		}
		h.mu.RUnlock()

		for pair := 1; pair <= 2; pair++ {
			assert.ElementsMatch(t, []centipede.Role{centipede.P1, centipede.P2}, roles[pair])

			p1, p2 := tb.seat(t, h, pair)
			s1 := lastOf[RoundStateMessage](t, p1)
			s2 := lastOf[RoundStateMessage](t, p2)
			assert.Equal(t, phaseDecision, s1.Phase)
			assert.True(t, s1.YourTurn)
			assert.Equal(t, phaseWaiting, s2.Phase)
			assert.Equal(t, centipede.P1, s2.ActingRole)
		}

		late := connect(cfg, h, "id-late")
		join(cfg, h, late, "late")
		assert.Equal(t, "lobby_locked", lastOf[SimpleMessage](t, late).Type)
	})
}

func TestRoundFlow(t *testing.T) {
	cfg, _ := newTestConfig(t)
	h := newTestHub(t, cfg)

	tb := startedTable(t, cfg, h, "alice", "bob")
	p1, p2 := tb.seat(t, h, 1)

	t.Run("waiting participant cannot settle", func(t *testing.T) {
		move(cfg, h, p2, ClientMessage{Type: "decide", Decision: "S"})

		h.mu.RLock()
		rs, _ := h.pairs[0].game.Round(1)
		h.mu.RUnlock()
		assert.False(t, rs.Settled)
		assert.Equal(t, phaseWaiting, lastOf[RoundStateMessage](t, p2).Phase)
	})

	t.Run("acting participant settles", func(t *testing.T) {
		move(cfg, h, p1, ClientMessage{Type: "decide", Decision: "C"})

		for _, c := range []*Client{p1, p2} {
			state := lastOf[RoundStateMessage](t, c)
			assert.Equal(t, phaseResults, state.Phase)
			require.NotNil(t, state.Result)
			assert.Equal(t, 0, state.Result.Index)
			assert.Equal(t, 1, state.Result.MyPayoff)
			assert.Equal(t, 1, state.Cumulative)
		}
	})

	t.Run("duplicate decision is absorbed", func(t *testing.T) {
		move(cfg, h, p1, ClientMessage{Type: "decide", Decision: "S"})

		h.mu.RLock()
		totals := h.pairs[0].game.Totals()
		history := h.pairs[0].game.History()
		h.mu.RUnlock()
		assert.Equal(t, centipede.Payoff{P1: 1, P2: 1}, totals)
		require.Len(t, history, 1)
		assert.Equal(t, centipede.Continue, history[0].Decision)
	})

	t.Run("next round waits for both participants", func(t *testing.T) {
		move(cfg, h, p1, ClientMessage{Type: "advance"})
		assert.Equal(t, phaseNext, lastOf[RoundStateMessage](t, p1).Phase)

		move(cfg, h, p2, ClientMessage{Type: "decide", Decision: "C"})
		h.mu.RLock()
		rs, _ := h.pairs[0].game.Round(2)
		round := h.pairs[0].round
		h.mu.RUnlock()
		assert.False(t, rs.Settled)
		assert.Equal(t, 1, round)

		move(cfg, h, p2, ClientMessage{Type: "advance"})
		s1 := lastOf[RoundStateMessage](t, p1)
		s2 := lastOf[RoundStateMessage](t, p2)
		assert.Equal(t, 2, s1.Round)
		assert.Equal(t, phaseWaiting, s1.Phase)
		assert.Equal(t, phaseDecision, s2.Phase)
		assert.Equal(t, 1, s2.ContinuedTimes)
	})

	t.Run("unknown decisions are rejected", func(t *testing.T) {
		move(cfg, h, p2, ClientMessage{Type: "decide", Decision: "maybe"})
		assert.True(t, hasError(p2))
	})

	t.Run("round four pays 2 and 6", func(t *testing.T) {
		for round := 2; round <= 4; round++ {
			actor := p1
			if centipede.ActingRoleForRound(round) == centipede.P2 {
				actor = p2
			}
			move(cfg, h, actor, ClientMessage{Type: "decide", Decision: "S"})
			if round < 4 {
				move(cfg, h, p1, ClientMessage{Type: "advance"})
				move(cfg, h, p2, ClientMessage{Type: "advance"})
			}
		}

		s1 := lastOf[RoundStateMessage](t, p1)
		require.NotNil(t, s1.Result)
		assert.Equal(t, 3, s1.Result.Index)
		assert.Equal(t, 2, s1.Result.MyPayoff)
		assert.Equal(t, 6, s1.Result.OtherPayoff)
	})
}

func TestFullSessionPersistsAndExports(t *testing.T) {
	cfg, _ := newTestConfig(t)
	h := newTestHub(t, cfg)

	tb := startedTable(t, cfg, h, "alice", "bob")
	p1, p2 := tb.seat(t, h, 1)

	for round := 1; round <= centipede.NumRounds; round++ {
		actor := p1
		if centipede.ActingRoleForRound(round) == centipede.P2 {
			actor = p2
		}
		move(cfg, h, actor, ClientMessage{Type: "decide"})
		move(cfg, h, p1, ClientMessage{Type: "advance"})
		move(cfg, h, p2, ClientMessage{Type: "advance"})
	}

	summary := lastOf[SessionSummaryMessage](t, p2)
	assert.Equal(t, centipede.P2, summary.Role)
	assert.Len(t, summary.Rounds, centipede.NumRounds)
	assert.Equal(t, 65, summary.Cumulative)
	assert.Equal(t, 45, summary.OtherCumulative)
	assert.Equal(t, "32.50", summary.Payout)

	rows, err := h.db.ListPayoffs(context.Background(), testGameID)
	require.NoError(t, err)
	require.Len(t, rows, 2*centipede.NumRounds)

	last := rows[len(rows)-1]
	assert.Equal(t, 10, last.Round)
	assert.Equal(t, "P2", last.Role)
	assert.Equal(t, "P2", last.Actor)
	assert.Equal(t, "C", last.Decision)
	assert.Equal(t, 9, last.K)
	assert.Equal(t, 65, last.CumulativePayoff)

	data, err := exportCSV(cfg.rate, rows)
	require.NoError(t, err)
	assert.Contains(t, string(data), "session,pair,participant,username,role,round,actor,action,k,round_payoff,cumulative_payoff,cumulative_payout\n")
	assert.Contains(t, string(data), ",10,P2,C,9,8,45,22.50\n")
	assert.Contains(t, string(data), ",10,P2,C,9,12,65,32.50\n")
}

func TestPractice(t *testing.T) {
	cfg, _ := newTestConfig(t)
	cfg.practice = true
	h := newTestHub(t, cfg)

	tb := startedTable(t, cfg, h, "alice", "bob")
	p1, p2 := tb.seat(t, h, 1)

	state := lastOf[RoundStateMessage](t, p1)
	assert.Equal(t, phasePractice, state.Phase)
	assert.Len(t, state.Questions, 2)

	move(cfg, h, p1, ClientMessage{Type: "decide"})
	h.mu.RLock()
	assert.Empty(t, h.pairs[0].game.History(), "no decisions during practice")
	h.mu.RUnlock()

	move(cfg, h, p1, ClientMessage{Type: "practice", Question: 1, P1: 6, P2: 2})
	result := lastOf[PracticeResultMessage](t, p1)
	assert.False(t, result.Correct)
	assert.NotEmpty(t, result.Message)

	move(cfg, h, p1, ClientMessage{Type: "practice", Question: 1, P1: 2, P2: 6})
	move(cfg, h, p1, ClientMessage{Type: "practice", Question: 2, P1: 1, P2: 1})
	assert.Equal(t, phaseWaitingPartner, lastOf[RoundStateMessage](t, p1).Phase)

	move(cfg, h, p2, ClientMessage{Type: "practice", Question: 1, P1: 2, P2: 6})
	move(cfg, h, p2, ClientMessage{Type: "practice", Question: 2, P1: 1, P2: 1})

	assert.Equal(t, phaseDecision, lastOf[RoundStateMessage](t, p1).Phase)
	assert.Equal(t, phaseWaiting, lastOf[RoundStateMessage](t, p2).Phase)
}

func TestReconnectRestoresRound(t *testing.T) {
	cfg, _ := newTestConfig(t)
	h := newTestHub(t, cfg)

	tb := startedTable(t, cfg, h, "alice", "bob")
	p1, _ := tb.seat(t, h, 1)

	h.handleUnregister(cfg, p1)

	again := connect(cfg, h, p1.playerID)

	var (
		info  SessionInfoMessage
		state RoundStateMessage
	)
	for _, msg := range drain(again) {
		switch m := msg.(type) {
		case SessionInfoMessage:
			info = m
		case RoundStateMessage:
			state = m
		}
	}

	assert.True(t, info.Started)
	assert.True(t, info.IsExisting)
	assert.Equal(t, phaseDecision, state.Phase)
	assert.Equal(t, centipede.P1, state.Role)
	assert.Equal(t, 1, state.Round)
}

func TestIdleLobbyPlayerRemoved(t *testing.T) {
	cfg, clock := newTestConfig(t)
	cfg.playerTimeout = time.Minute
	h := newTestHub(t, cfg)
	ctx := context.Background()

	m := connect(cfg, h, "mod")
	a := connect(cfg, h, "id-a")
	join(cfg, h, a, "alice")
	drain(m)

	h.handleUnregister(cfg, a)
	clock.Advance(time.Minute).MustWait(ctx)

	require.Eventually(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		return len(h.players) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestIdleLobbyPlayerKeptOnReconnect(t *testing.T) {
	cfg, clock := newTestConfig(t)
	cfg.playerTimeout = time.Minute
	h := newTestHub(t, cfg)
	ctx := context.Background()

	connect(cfg, h, "mod")
	a := connect(cfg, h, "id-a")
	join(cfg, h, a, "alice")

	h.handleUnregister(cfg, a)
	connect(cfg, h, "id-a")
	clock.Advance(time.Minute).MustWait(ctx)

	// give the timer callback a chance to run before asserting it was a no-op
	assert.Never(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		return len(h.players) == 0
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestReaper(t *testing.T) {
	cfg, clock := newTestConfig(t)
	cfg.sessionTimeout = time.Hour
	ctx := context.Background()

	gm := newGameManager(cfg, newTestDB(t))
	t.Cleanup(gm.Close)

	gm.getHub(cfg, "idle")

	for range 3 {
		clock.Advance(30 * time.Minute).MustWait(ctx)
	}

	require.Eventually(t, func() bool {
		_, ok := gm.lookupHub("idle")
		return !ok
	}, time.Second, 10*time.Millisecond)
}
