/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/shopspring/decimal"
	"github.com/skip2/go-qrcode"

	"github.com/Seednode/centipede/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const playerCookieName = "centipede_id"

func getOrSetPlayerID(cfg *Config, w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(playerCookieName); err == nil && c.Value != "" {
		return c.Value
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		getLogger(cfg).Error("rand.Read failed", "err", err)
		return ""
	}
	id := hex.EncodeToString(buf)

	http.SetCookie(w, &http.Cookie{
		Name:     playerCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return id
}

// GameManager holds a set of hubs keyed by game ID, so each $path/$gameid
// is its own isolated session.
type GameManager struct {
	mu          sync.Mutex
	hubs        map[string]*Hub
	db          *store.SQLiteDB
	idleTimeout time.Duration
	stop        chan struct{}
	once        sync.Once
}

func newGameManager(cfg *Config, db *store.SQLiteDB) *GameManager {
	gm := &GameManager{
		hubs:        make(map[string]*Hub),
		db:          db,
		idleTimeout: cfg.sessionTimeout,
		stop:        make(chan struct{}),
	}

	if gm.idleTimeout > 0 {
		ticker := cfg.clock.NewTicker(gm.idleTimeout/2, "reaper")
		go gm.reaperLoop(cfg, ticker)
	}

	return gm
}

func (gm *GameManager) getHub(cfg *Config, gameID string) *Hub {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	if hub, ok := gm.hubs[gameID]; ok {
		return hub
	}

	hub := newHub(cfg, gameID, gm.db)
	gm.hubs[gameID] = hub

	if gm.db != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		err := gm.db.SaveSession(ctx, &store.Session{
			ID:               gameID,
			CurrencyPerPoint: cfg.rate.String(),
			CreatedAt:        hub.createdAt.UTC(),
		})
		if err != nil {
			getLogger(cfg).Error("failed to save session", "session", gameID, "err", err)
		}
	}

	go hub.run(cfg)

	return hub
}

func (gm *GameManager) lookupHub(gameID string) (*Hub, bool) {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	hub, ok := gm.hubs[gameID]

	return hub, ok
}

// newGameID generates a crypto-random game ID and ensures it doesn't
// collide with existing games.
func (gm *GameManager) newGameID() string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	for {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}

		out := make([]byte, 8)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		id := string(out)

		gm.mu.Lock()
		_, exists := gm.hubs[id]
		gm.mu.Unlock()

		if !exists {
			return id
		}
	}
}

// reaperLoop periodically removes hubs that have been idle longer than idleTimeout.
func (gm *GameManager) reaperLoop(cfg *Config, ticker *quartz.Ticker) {
	defer ticker.Stop()

	for {
		select {
		case <-gm.stop:
			return
		case <-ticker.C:
		}

		cutoff := cfg.clock.Now().Add(-gm.idleTimeout)

		gm.mu.Lock()
		for id, hub := range gm.hubs {
			hub.mu.RLock()
			last := hub.lastActive
			hub.mu.RUnlock()

			if last.Before(cutoff) {
				delete(gm.hubs, id)
				logf(cfg, "GAMES: Reaped idle session %s", id)
				go hub.closeAll()
			}
		}
		gm.mu.Unlock()
	}
}

// Close stops the reaper and disconnects every session.
func (gm *GameManager) Close() {
	gm.once.Do(func() {
		close(gm.stop)
	})

	gm.mu.Lock()
	hubs := gm.hubs
	gm.hubs = make(map[string]*Hub)
	gm.mu.Unlock()

	for _, hub := range hubs {
		hub.closeAll()
	}
}

// WebSocket handler that picks the hub based on :gameid
func serveWSForManager(cfg *Config, gm *GameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		gameID := ps.ByName("gameid")
		if gameID == "" {
			http.Error(w, "missing game id", http.StatusBadRequest)
			return
		}

		playerID := getOrSetPlayerID(cfg, w, r)
		if playerID == "" {
			http.Error(w, "unable to assign player id", http.StatusInternalServerError)
			return
		}

		hub := gm.getHub(cfg, gameID)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			getLogger(cfg).Error("websocket upgrade failed", "err", err)
			return
		}

		client := &Client{
			conn:     conn,
			send:     make(chan any, 16),
			playerID: playerID,
		}

		select {
		case hub.register <- client:
		case <-hub.done:
			_ = conn.Close()
			return
		}

		go client.writePump()
		client.readPump(hub)
	}
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unreg <- c:
		case <-h.done:
		}
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "join":
			select {
			case h.joins <- joinRequest{client: c, msg: msg}:
			case <-h.done:
				return
			}
		case "lock_lobby", "kick", "start_session":
			select {
			case h.mods <- modCommand{client: c, msg: msg}:
			case <-h.done:
				return
			}
		case "practice", "decide", "advance":
			select {
			case h.moves <- moveRequest{client: c, msg: msg}:
			case <-h.done:
				return
			}
		default:
			// ignore unknown types
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// QR handler: generates a PNG QR code for the current session URL.
func qrHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		gameID := ps.ByName("gameid")
		if gameID == "" {
			http.Error(w, "missing game id", http.StatusBadRequest)
			return
		}

		scheme := cfg.scheme()
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}

		// We are at /.../:gameid/qr; strip trailing "/qr" to get the session URL.
		path := strings.TrimSuffix(r.URL.Path, "/qr")

		url := scheme + "://" + r.Host + path

		const qrSize = 320 // mobile-friendly size
		png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		securityHeaders(cfg, w)
		_, _ = w.Write(png)
	}
}

// moderatorOnly resolves the session for an export request, refusing anyone
// but the session's moderator.
func moderatorOnly(cfg *Config, gm *GameManager, w http.ResponseWriter, r *http.Request, ps httprouter.Params) (string, bool) {
	gameID := ps.ByName("gameid")

	hub, ok := gm.lookupHub(gameID)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return "", false
	}

	c, err := r.Cookie(playerCookieName)
	hub.mu.RLock()
	allowed := err == nil && c.Value != "" && c.Value == hub.moderatorPlayerID
	hub.mu.RUnlock()

	if !allowed {
		http.Error(w, "only the moderator may export results", http.StatusForbidden)
		return "", false
	}

	return gameID, true
}

// sessionRate is the currency rate a session was created with, so exports
// keep their payouts when the server restarts with a different rate.
func sessionRate(cfg *Config, gm *GameManager, r *http.Request, gameID string) decimal.Decimal {
	sess, err := gm.db.GetSession(r.Context(), gameID)
	if err != nil {
		getLogger(cfg).Error("failed to read session", "session", gameID, "err", err)
		return cfg.rate
	}

	rate, err := decimal.NewFromString(sess.CurrencyPerPoint)
	if err != nil {
		getLogger(cfg).Error("invalid stored rate", "session", gameID, "rate", sess.CurrencyPerPoint, "err", err)
		return cfg.rate
	}

	return rate
}

func serveExportCSV(cfg *Config, gm *GameManager, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		startTime := time.Now()

		gameID, ok := moderatorOnly(cfg, gm, w, r, ps)
		if !ok {
			return
		}

		rows, err := gm.db.ListPayoffs(r.Context(), gameID)
		if err != nil {
			errs <- err
			http.Error(w, "export failed", http.StatusInternalServerError)
			return
		}

		data, err := exportCSV(sessionRate(cfg, gm, r, gameID), rows)
		if err != nil {
			errs <- err
			http.Error(w, "export failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="centipede-`+gameID+`.csv"`)
		securityHeaders(cfg, w)

		written, err := w.Write(data)
		if err != nil {
			errs <- err

			return
		}

		logf(cfg, "SERVE: Export of %s (%s) to %s in %s",
			gameID,
			humanReadableSize(int64(written)),
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

func serveExportJSON(cfg *Config, gm *GameManager, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		gameID, ok := moderatorOnly(cfg, gm, w, r, ps)
		if !ok {
			return
		}

		rows, err := gm.db.ListPayoffs(r.Context(), gameID)
		if err != nil {
			errs <- err
			http.Error(w, "export failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		securityHeaders(cfg, w)

		if err := json.NewEncoder(w).Encode(exportRecords(sessionRate(cfg, gm, r, gameID), rows)); err != nil {
			errs <- err
		}
	}
}

func serveHistory(cfg *Config, gm *GameManager, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		gameID, ok := moderatorOnly(cfg, gm, w, r, ps)
		if !ok {
			return
		}

		history, err := gm.db.ListHistory(r.Context(), gameID)
		if err != nil {
			errs <- err
			http.Error(w, "export failed", http.StatusInternalServerError)
			return
		}
		if history == nil {
			history = []store.HistoryRow{}
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		securityHeaders(cfg, w)

		if err := json.NewEncoder(w).Encode(history); err != nil {
			errs <- err
		}
	}
}

func getIndexHandler(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		data, err := assets.ReadFile("assets/centipede/index.html")
		if err != nil {
			errs <- err
			http.Error(w, "page unavailable", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		securityHeaders(cfg, w)

		_ = getOrSetPlayerID(cfg, w, r)

		_, err = w.Write(data)
		if err != nil {
			errs <- err
		}
	}
}

// redirectNewGame handles GET /path by generating a new random game ID
// (with server-side collision detection) and redirecting to /path/:gameid.
func redirectNewGame(cfg *Config, path string, gm *GameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		gameID := gm.newGameID()
		logf(cfg, "GAMES: Created session %s/%s", path, gameID)
		http.Redirect(w, r, cfg.prefix+path+"/"+gameID, http.StatusTemporaryRedirect)
	}
}

// registerCentipedeGame sets up routes so that:
//   - $path                       → redirects to a new random session (8-char ID)
//   - $path/:gameid               → HTML client
//   - $path/:gameid/ws            → WebSocket for that session
//   - $path/:gameid/qr            → PNG QR code for that session URL
//   - $path/:gameid/export.csv    → moderator-only results export
//   - $path/:gameid/export.json   → same, as JSON
//   - $path/:gameid/history.json  → moderator-only decision log, one entry per round
func registerCentipedeGame(cfg *Config, path string, mux *httprouter.Router, db *store.SQLiteDB, errs chan<- error) *GameManager {
	gm := newGameManager(cfg, db)

	mux.GET(cfg.prefix+path, redirectNewGame(cfg, path, gm))

	mux.GET(cfg.prefix+path+"/:gameid", getIndexHandler(cfg, errs))

	mux.GET(cfg.prefix+path+"/:gameid/ws", serveWSForManager(cfg, gm))

	mux.GET(cfg.prefix+path+"/:gameid/qr", qrHandler(cfg))

	mux.GET(cfg.prefix+path+"/:gameid/export.csv", serveExportCSV(cfg, gm, errs))

	mux.GET(cfg.prefix+path+"/:gameid/export.json", serveExportJSON(cfg, gm, errs))

	mux.GET(cfg.prefix+path+"/:gameid/history.json", serveHistory(cfg, gm, errs))

	return gm
}
