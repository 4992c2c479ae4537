/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Centipede experiment sessions
//
// Each session is a hub keyed by a random game ID. The first connection is the
// experimenter (moderator); everyone else joins with a username. When the
// moderator starts the session, participants are shuffled into fixed pairs:
// the first member of each pair plays P1, the second P2, for all ten rounds.
//
// Features:
// - WebSockets per session: /path/:gameid and /path/:gameid/ws
// - Participants identified by cookie (playerID), reconnects restore their view
// - Moderator can lock/unlock the lobby, kick players and start the session
// - Optional practice questions before round 1
// - Per round: the acting participant submits one decision, the round settles
//   immediately, and both participants see the result
// - A pair moves to the next round only after both participants advance
// - Settlements and decisions are written to the store before results are sent
// - Idle lobby players are dropped and idle sessions reaped, using a quartz clock
// - QR code and CSV/JSON export per session

package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Seednode/centipede/games/centipede"
	"github.com/Seednode/centipede/store"
)

const (
	phaseLobby          = "lobby"
	phasePractice       = "practice"
	phaseWaitingPartner = "waiting_partner"
	phaseDecision       = "decision"
	phaseWaiting        = "waiting"
	phaseResults        = "results"
	phaseNext           = "waiting_next"
	phaseFinished       = "finished"
)

// Participant holds the data we store server-side
type Participant struct {
	PlayerID string
	StoreID  string
	Username string
	Pair     int
	Role     centipede.Role
	practice map[int]bool
}

// pairing is one fixed pair and the round it is currently on. Round 0 means
// the pair is still in practice; NumRounds+1 means it has finished.
type pairing struct {
	number int
	game   *centipede.Pair
	seats  [2]string
	round  int
	ready  map[string]bool
}

// Messages coming from clients
type ClientMessage struct {
	Type           string `json:"type"`                      // "join", "lock_lobby", "kick", "start_session", "practice", "decide", "advance"
	Username       string `json:"username,omitempty"`        // join
	Lock           *bool  `json:"lock,omitempty"`            // lock_lobby
	TargetUsername string `json:"target_username,omitempty"` // kick
	Question       int    `json:"question,omitempty"`        // practice
	P1             int    `json:"p1,omitempty"`              // practice
	P2             int    `json:"p2,omitempty"`              // practice
	Decision       string `json:"decision,omitempty"`        // decide: "C" or "S"
}

// SessionInfoMessage is sent immediately on connect.
type SessionInfoMessage struct {
	Type        string             `json:"type"` // "session_info"
	LobbyLocked bool               `json:"lobby_locked"`
	Started     bool               `json:"started"`
	IsExisting  bool               `json:"is_existing"`
	IsModerator bool               `json:"is_moderator"`
	Username    string             `json:"username,omitempty"`
	NumRounds   int                `json:"num_rounds"`
	PayoffTable []centipede.Payoff `json:"payoff_table"`
}

// PlayerListMessage lists who is in the lobby.
type PlayerListMessage struct {
	Type    string   `json:"type"` // "player_list"
	Players []string `json:"players"`
}

type CollisionMessage struct {
	Type    string `json:"type"`  // "collision"
	Field   string `json:"field"` // "username"
	Message string `json:"message"`
}

// SimpleMessage is for generic notifications ("kicked", "lobby_locked", "error").
type SimpleMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type LobbyStateMessage struct {
	Type   string `json:"type"` // "lobby_state"
	Locked bool   `json:"locked"`
}

type ModeratorViewMessage struct {
	Type        string            `json:"type"` // "moderator_view"
	Players     []ModeratorPlayer `json:"players"`
	LobbyLocked bool              `json:"lobby_locked"`
	Started     bool              `json:"started"`
	CreatedAt   time.Time         `json:"created_at"`
	LastActive  time.Time         `json:"last_active"`
}

type ModeratorPlayer struct {
	Username   string `json:"username"`
	Pair       int    `json:"pair,omitempty"`
	Role       string `json:"role,omitempty"`
	Round      int    `json:"round,omitempty"`
	Phase      string `json:"phase"`
	Cumulative int    `json:"cumulative"`
}

type PracticeResultMessage struct {
	Type     string `json:"type"` // "practice_result"
	Question int    `json:"question"`
	Correct  bool   `json:"correct"`
	Message  string `json:"message,omitempty"`
}

// RoundStateMessage tells one participant what to show.
type RoundStateMessage struct {
	Type           string                       `json:"type"` // "round_state"
	Phase          string                       `json:"phase"`
	Pair           int                          `json:"pair"`
	Role           centipede.Role               `json:"role"`
	Round          int                          `json:"round"`
	NumRounds      int                          `json:"num_rounds"`
	ActingRole     centipede.Role               `json:"acting_role,omitempty"`
	YourTurn       bool                         `json:"your_turn"`
	ContinuedTimes int                          `json:"continued_times"`
	Cumulative     int                          `json:"cumulative"`
	Questions      []centipede.PracticeQuestion `json:"questions,omitempty"`
	Solved         []int                        `json:"solved,omitempty"`
	Result         *centipede.Result            `json:"result,omitempty"`
}

// SessionSummaryMessage is sent once a pair has played every round.
type SessionSummaryMessage struct {
	Type            string             `json:"type"` // "session_summary"
	Role            centipede.Role     `json:"role"`
	Rounds          []centipede.Result `json:"rounds"`
	Cumulative      int                `json:"cumulative"`
	OtherCumulative int                `json:"other_cumulative"`
	Payout          string             `json:"payout"`
}

type Client struct {
	conn     *websocket.Conn
	send     chan any
	playerID string
}

type joinRequest struct {
	client *Client
	msg    ClientMessage
}

type modCommand struct {
	client *Client
	msg    ClientMessage
}

type moveRequest struct {
	client *Client
	msg    ClientMessage
}

type Hub struct {
	id      string
	db      *store.SQLiteDB
	rng     io.Reader
	clients map[*Client]bool
	players []*Participant
	pairs   []*pairing

	register chan *Client
	unreg    chan *Client
	joins    chan joinRequest
	mods     chan modCommand
	moves    chan moveRequest
	done     chan struct{}
	once     sync.Once

	mu sync.RWMutex

	createdAt         time.Time
	lastActive        time.Time
	lobbyLocked       bool
	started           bool
	moderatorPlayerID string // never in players
}

func newHub(cfg *Config, gameID string, db *store.SQLiteDB) *Hub {
	now := cfg.clock.Now()
	return &Hub{
		id:         gameID,
		db:         db,
		rng:        rand.Reader,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unreg:      make(chan *Client),
		joins:      make(chan joinRequest),
		mods:       make(chan modCommand),
		moves:      make(chan moveRequest),
		done:       make(chan struct{}),
		createdAt:  now,
		lastActive: now,
	}
}

func (h *Hub) run(cfg *Config) {
	for {
		select {
		case c := <-h.register:
			h.handleRegister(cfg, c)

		case c := <-h.unreg:
			h.handleUnregister(cfg, c)

		case jr := <-h.joins:
			h.handleJoin(cfg, jr)

		case cmd := <-h.mods:
			h.handleModCommand(cfg, cmd)

		case mr := <-h.moves:
			h.handleMove(cfg, mr)

		case <-h.done:
			return
		}
	}
}

func (h *Hub) handleRegister(cfg *Config, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = cfg.clock.Now()

	// First connection becomes moderator
	if h.moderatorPlayerID == "" {
		h.moderatorPlayerID = c.playerID
	}

	p := h.participantLocked(c.playerID)
	isModerator := h.moderatorPlayerID == c.playerID

	h.clients[c] = true

	info := SessionInfoMessage{
		Type:        "session_info",
		LobbyLocked: h.lobbyLocked,
		Started:     h.started,
		IsExisting:  p != nil,
		IsModerator: isModerator,
		NumRounds:   centipede.NumRounds,
		PayoffTable: centipede.PayoffTable(),
	}
	if p != nil {
		info.Username = p.Username
	}
	h.sendLocked(c, info)

	switch {
	case isModerator:
		h.sendModeratorViewLocked()
	case p != nil && h.started:
		h.sendRoundStateLocked(cfg, p)
	}

	if !h.started {
		h.sendLocked(c, h.playerListLocked())
	}
}

func (h *Hub) handleUnregister(cfg *Config, c *Client) {
	h.mu.Lock()
	h.lastActive = cfg.clock.Now()

	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	playerID := c.playerID
	isModerator := playerID == h.moderatorPlayerID
	started := h.started
	h.mu.Unlock()

	// Pairs are fixed once the session starts, so only lobby players expire.
	if playerID != "" && !isModerator && !started && cfg.playerTimeout > 0 {
		cfg.clock.AfterFunc(cfg.playerTimeout, func() {
			h.removeIfGone(cfg, playerID)
		})
	}
}

// removeIfGone drops a lobby player that has not reconnected.
func (h *Hub) removeIfGone(cfg *Config, playerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return
	}

	for client := range h.clients {
		if client.playerID == playerID {
			return
		}
	}

	if !h.removePlayerLocked(playerID) {
		return
	}

	logf(cfg, "GAMES: Removed idle player from %s", h.id)

	h.lastActive = cfg.clock.Now()
	h.broadcastLocked(h.playerListLocked())
	h.sendModeratorViewLocked()
}

func (h *Hub) removePlayerLocked(playerID string) bool {
	dst := h.players[:0]
	changed := false

	for _, p := range h.players {
		if p.PlayerID == playerID {
			changed = true
			continue
		}
		dst = append(dst, p)
	}
	h.players = dst

	return changed
}

func (h *Hub) participantLocked(playerID string) *Participant {
	for _, p := range h.players {
		if p.PlayerID == playerID {
			return p
		}
	}
	return nil
}

func (h *Hub) pairLocked(p *Participant) *pairing {
	if p == nil || p.Pair < 1 || p.Pair > len(h.pairs) {
		return nil
	}
	return h.pairs[p.Pair-1]
}

// sendLocked delivers msg to one client, dropping the client if its buffer is full.
func (h *Hub) sendLocked(c *Client, msg any) {
	if _, ok := h.clients[c]; !ok {
		return
	}

	select {
	case c.send <- msg:
	default:
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) broadcastLocked(msg any) {
	for client := range h.clients {
		h.sendLocked(client, msg)
	}
}

func (h *Hub) sendToPlayerLocked(playerID string, msg any) {
	for client := range h.clients {
		if client.playerID == playerID {
			h.sendLocked(client, msg)
		}
	}
}

func (h *Hub) playerListLocked() PlayerListMessage {
	names := make([]string, 0, len(h.players))
	for _, p := range h.players {
		names = append(names, p.Username)
	}

	return PlayerListMessage{
		Type:    "player_list",
		Players: names,
	}
}

func errorMessage(text string) SimpleMessage {
	return SimpleMessage{
		Type:    "error",
		Message: text,
	}
}

// handleJoin processes "join" messages.
func (h *Hub) handleJoin(cfg *Config, jr joinRequest) {
	msg := jr.msg
	c := jr.client

	if msg.Username == "" || c.playerID == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = cfg.clock.Now()

	if c.playerID == h.moderatorPlayerID {
		h.sendLocked(c, errorMessage("The moderator does not take part in the game."))

		return
	}

	existing := h.participantLocked(c.playerID)

	if (h.lobbyLocked || h.started) && existing == nil {
		h.sendLocked(c, SimpleMessage{
			Type:    "lobby_locked",
			Message: "The lobby is locked; no new players may join.",
		})

		return
	}

	for _, p := range h.players {
		if p.PlayerID != c.playerID && p.Username == msg.Username {
			h.sendLocked(c, CollisionMessage{
				Type:    "collision",
				Field:   "username",
				Message: "That username is already taken. Please choose a different username.",
			})

			return
		}
	}

	if existing != nil {
		if h.started {
			return
		}
		existing.Username = msg.Username
	} else {
		h.players = append(h.players, &Participant{
			PlayerID: c.playerID,
			StoreID:  uuid.New().String(),
			Username: msg.Username,
			practice: make(map[int]bool),
		})

		logf(cfg, "GAMES: Player %q joined %s", msg.Username, h.id)
	}

	h.broadcastLocked(h.playerListLocked())
	h.sendModeratorViewLocked()
}

func (h *Hub) handleModCommand(cfg *Config, cmd modCommand) {
	c := cmd.client
	msg := cmd.msg

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = cfg.clock.Now()

	// Only moderator may issue these commands
	if h.moderatorPlayerID == "" || c.playerID != h.moderatorPlayerID {
		return
	}

	switch msg.Type {
	case "lock_lobby":
		if h.started {
			return
		}

		h.lobbyLocked = msg.Lock != nil && *msg.Lock

		h.broadcastLocked(LobbyStateMessage{
			Type:   "lobby_state",
			Locked: h.lobbyLocked,
		})
		h.sendModeratorViewLocked()

	case "kick":
		if h.started {
			h.sendLocked(c, errorMessage("Players cannot be removed once the session has started."))

			return
		}

		var target *Participant
		for _, p := range h.players {
			if p.Username == msg.TargetUsername {
				target = p
				break
			}
		}
		if target == nil {
			return
		}

		h.removePlayerLocked(target.PlayerID)

		for client := range h.clients {
			if client.playerID == target.PlayerID {
				h.sendLocked(client, SimpleMessage{
					Type:    "kicked",
					Message: "You have been removed by the moderator.",
				})
				if _, ok := h.clients[client]; ok {
					delete(h.clients, client)
					close(client.send)
				}
			}
		}

		logf(cfg, "GAMES: Player %q kicked from %s", target.Username, h.id)

		h.broadcastLocked(h.playerListLocked())
		h.sendModeratorViewLocked()

	case "start_session":
		h.startSessionLocked(cfg, c)
	}
}

// startSessionLocked shuffles the players into fixed pairs and starts play.
func (h *Hub) startSessionLocked(cfg *Config, mod *Client) {
	if h.started {
		return
	}
	if len(h.players) == 0 || len(h.players)%2 != 0 {
		h.sendLocked(mod, errorMessage("An even number of players (at least two) is needed to start."))

		return
	}

	order := make([]*Participant, len(h.players))
	copy(order, h.players)

	if err := shuffleParticipants(h.rng, order); err != nil {
		getLogger(cfg).Error("failed to shuffle participants", "session", h.id, "err", err)
		h.sendLocked(mod, errorMessage("Pairs could not be drawn; please try starting again."))

		return
	}

	h.pairs = make([]*pairing, 0, len(order)/2)
	records := make([]*store.Participant, 0, len(order))

	for i := 0; i+1 < len(order); i += 2 {
		pr := &pairing{
			number: len(h.pairs) + 1,
			game:   centipede.NewPair(),
			seats:  [2]string{order[i].PlayerID, order[i+1].PlayerID},
			ready:  make(map[string]bool),
		}
		if !cfg.practice {
			pr.round = 1
		}
		h.pairs = append(h.pairs, pr)

		for seat, p := range order[i : i+2] {
			p.Pair = pr.number
			p.Role = centipede.P1
			if seat == 1 {
				p.Role = centipede.P2
			}

			records = append(records, &store.Participant{
				ID:        p.StoreID,
				SessionID: h.id,
				Username:  p.Username,
				Pair:      p.Pair,
				Role:      p.Role.String(),
			})
		}
	}

	h.started = true
	h.lobbyLocked = true

	if h.db != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := h.db.SaveParticipants(ctx, records); err != nil {
			getLogger(cfg).Error("failed to save pairing", "session", h.id, "err", err)
		}
	}

	logf(cfg, "GAMES: Started %s with %d pairs", h.id, len(h.pairs))

	h.broadcastLocked(LobbyStateMessage{
		Type:   "lobby_state",
		Locked: true,
	})
	for _, pr := range h.pairs {
		h.broadcastPairLocked(cfg, pr)
	}
	h.sendModeratorViewLocked()
}

// shuffleParticipants is a Fisher-Yates shuffle drawing from src, normally
// crypto/rand. A failed draw aborts rather than leaving the order partly shuffled.
func shuffleParticipants(src io.Reader, order []*Participant) error {
	for i := len(order) - 1; i > 0; i-- {
		n, err := rand.Int(src, big.NewInt(int64(i+1)))
		if err != nil {
			return fmt.Errorf("draw for position %d: %w", i, err)
		}
		j := int(n.Int64())
		order[i], order[j] = order[j], order[i]
	}

	return nil
}

func (h *Hub) handleMove(cfg *Config, mr moveRequest) {
	c := mr.client
	msg := mr.msg

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = cfg.clock.Now()

	p := h.participantLocked(c.playerID)
	pr := h.pairLocked(p)
	if !h.started || pr == nil {
		h.sendLocked(c, errorMessage("The session has not started yet."))

		return
	}

	switch msg.Type {
	case "practice":
		h.practiceLocked(cfg, c, p, pr, msg)
	case "decide":
		h.decideLocked(cfg, c, p, pr, msg)
	case "advance":
		h.advanceLocked(cfg, p, pr)
	}

	h.sendModeratorViewLocked()
}

func (h *Hub) practiceLocked(cfg *Config, c *Client, p *Participant, pr *pairing, msg ClientMessage) {
	if h.phaseLocked(p, pr) != phasePractice {
		h.sendRoundStateLocked(cfg, p)

		return
	}

	result := PracticeResultMessage{
		Type:     "practice_result",
		Question: msg.Question,
		Correct:  true,
	}

	if err := centipede.CheckPractice(msg.Question, msg.P1, msg.P2); err != nil {
		result.Correct = false
		result.Message = err.Error()
	} else {
		p.practice[msg.Question] = true
	}
	h.sendLocked(c, result)

	if h.practiceDoneLocked(pr.seats[0]) && h.practiceDoneLocked(pr.seats[1]) {
		pr.round = 1
		logf(cfg, "GAMES: Pair %d of %s finished practice", pr.number, h.id)
	}

	h.broadcastPairLocked(cfg, pr)
}

func (h *Hub) practiceDoneLocked(playerID string) bool {
	p := h.participantLocked(playerID)
	if p == nil {
		return false
	}

	for _, q := range centipede.PracticeQuestions() {
		if !p.practice[q.ID] {
			return false
		}
	}
	return true
}

// decideLocked settles the current round of the pair. Submissions from the
// waiting participant, or repeats after settlement, only refresh the view.
func (h *Hub) decideLocked(cfg *Config, c *Client, p *Participant, pr *pairing, msg ClientMessage) {
	if h.phaseLocked(p, pr) != phaseDecision {
		h.sendRoundStateLocked(cfg, p)

		return
	}

	decision, err := centipede.ParseDecision(msg.Decision)
	if err != nil {
		h.sendLocked(c, errorMessage("Choose C (continue) or S (stop)."))

		return
	}

	s, applied, err := pr.game.Decide(pr.round, p.Role, decision)
	if err != nil {
		h.sendLocked(c, errorMessage(err.Error()))

		return
	}

	if applied {
		h.persistRoundLocked(cfg, pr, p.Role, decision, s)

		logf(cfg, "GAMES: %s pair %d round %d: %s chose %s, k=%d pays %d/%d",
			h.id, pr.number, s.Round, p.Role, decision, s.Index, s.Payoff.P1, s.Payoff.P2)
	}

	h.broadcastPairLocked(cfg, pr)
}

func (h *Hub) persistRoundLocked(cfg *Config, pr *pairing, actor centipede.Role, decision centipede.Decision, s centipede.Settlement) {
	if h.db == nil {
		return
	}

	record := store.Round{
		SessionID: h.id,
		Pair:      pr.number,
		Round:     s.Round,
		K:         s.Index,
		Actor:     actor.String(),
		Decision:  decision.String(),
	}

	for _, playerID := range pr.seats {
		p := h.participantLocked(playerID)
		if p == nil {
			continue
		}

		acc := pr.game.Account(p.Role)
		record.Payoffs = append(record.Payoffs, store.Payoff{
			ParticipantID:    p.StoreID,
			RoundPayoff:      acc.RoundPayoff,
			CumulativePayoff: acc.CumulativePayoff,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := h.db.SaveRound(ctx, record); err != nil {
		getLogger(cfg).Error("failed to save round", "session", h.id, "pair", pr.number, "round", s.Round, "err", err)
	}
}

// advanceLocked marks a participant done with the results page. The pair
// moves on only when both have advanced.
func (h *Hub) advanceLocked(cfg *Config, p *Participant, pr *pairing) {
	if h.phaseLocked(p, pr) != phaseResults {
		h.sendRoundStateLocked(cfg, p)

		return
	}

	pr.ready[p.PlayerID] = true

	if pr.ready[pr.seats[0]] && pr.ready[pr.seats[1]] {
		pr.round++
		pr.ready = make(map[string]bool)

		if pr.round > centipede.NumRounds {
			totals := pr.game.Totals()
			logf(cfg, "GAMES: %s pair %d finished with %d/%d", h.id, pr.number, totals.P1, totals.P2)
		}
	}

	h.broadcastPairLocked(cfg, pr)
}

func (h *Hub) phaseLocked(p *Participant, pr *pairing) string {
	switch {
	case !h.started || pr == nil:
		return phaseLobby
	case pr.round == 0:
		if !h.practiceDoneLocked(p.PlayerID) {
			return phasePractice
		}
		return phaseWaitingPartner
	case pr.round > centipede.NumRounds:
		return phaseFinished
	}

	rs, _ := pr.game.Round(pr.round)
	if !rs.Settled {
		if rs.ActingRole() == p.Role {
			return phaseDecision
		}
		return phaseWaiting
	}

	if pr.ready[p.PlayerID] {
		return phaseNext
	}
	return phaseResults
}

func (h *Hub) roundStateLocked(p *Participant, pr *pairing) RoundStateMessage {
	phase := h.phaseLocked(p, pr)

	msg := RoundStateMessage{
		Type:       "round_state",
		Phase:      phase,
		Pair:       pr.number,
		Role:       p.Role,
		Round:      pr.round,
		NumRounds:  centipede.NumRounds,
		Cumulative: pr.game.Account(p.Role).CumulativePayoff,
	}

	if centipede.ValidRound(pr.round) {
		msg.ActingRole = centipede.ActingRoleForRound(pr.round)
		msg.YourTurn = phase == phaseDecision
		msg.ContinuedTimes = pr.round - 1
	}

	switch phase {
	case phasePractice:
		msg.Questions = centipede.PracticeQuestions()
		for _, q := range msg.Questions {
			if p.practice[q.ID] {
				msg.Solved = append(msg.Solved, q.ID)
			}
		}
	case phaseResults, phaseNext:
		rs, _ := pr.game.Round(pr.round)
		result := centipede.ResultFor(p.Role, rs.Settlement)
		msg.Result = &result
	}

	return msg
}

func (h *Hub) summaryLocked(cfg *Config, p *Participant, pr *pairing) SessionSummaryMessage {
	msg := SessionSummaryMessage{
		Type:            "session_summary",
		Role:            p.Role,
		Rounds:          make([]centipede.Result, 0, centipede.NumRounds),
		Cumulative:      pr.game.Account(p.Role).CumulativePayoff,
		OtherCumulative: pr.game.Account(p.Role.Other()).CumulativePayoff,
	}

	for round := 1; round <= centipede.NumRounds; round++ {
		rs, ok := pr.game.Round(round)
		if !ok || !rs.Settled {
			continue
		}
		msg.Rounds = append(msg.Rounds, centipede.ResultFor(p.Role, rs.Settlement))
	}

	msg.Payout = payout(cfg.rate, msg.Cumulative)

	return msg
}

func (h *Hub) sendRoundStateLocked(cfg *Config, p *Participant) {
	pr := h.pairLocked(p)
	if pr == nil {
		return
	}

	state := h.roundStateLocked(p, pr)
	h.sendToPlayerLocked(p.PlayerID, state)

	if state.Phase == phaseFinished {
		h.sendToPlayerLocked(p.PlayerID, h.summaryLocked(cfg, p, pr))
	}
}

func (h *Hub) broadcastPairLocked(cfg *Config, pr *pairing) {
	for _, playerID := range pr.seats {
		if p := h.participantLocked(playerID); p != nil {
			h.sendRoundStateLocked(cfg, p)
		}
	}
}

// sendModeratorViewLocked assumes h.mu is already held.
func (h *Hub) sendModeratorViewLocked() {
	if h.moderatorPlayerID == "" {
		return
	}

	players := make([]ModeratorPlayer, 0, len(h.players))
	for _, p := range h.players {
		mp := ModeratorPlayer{
			Username: p.Username,
			Phase:    phaseLobby,
		}

		if pr := h.pairLocked(p); pr != nil {
			mp.Pair = pr.number
			mp.Role = p.Role.String()
			mp.Round = pr.round
			mp.Phase = h.phaseLocked(p, pr)
			mp.Cumulative = pr.game.Account(p.Role).CumulativePayoff
		}

		players = append(players, mp)
	}

	h.sendToPlayerLocked(h.moderatorPlayerID, ModeratorViewMessage{
		Type:        "moderator_view",
		Players:     players,
		LobbyLocked: h.lobbyLocked,
		Started:     h.started,
		CreatedAt:   h.createdAt,
		LastActive:  h.lastActive,
	})
}

// closeAll disconnects all clients of this hub and stops its run loop.
func (h *Hub) closeAll() {
	h.once.Do(func() {
		close(h.done)
	})

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		close(c.send)
		if c.conn != nil {
			_ = c.conn.Close()
		}
		delete(h.clients, c)
	}
}
