// Package server is the connection layer: websocket handshake and auth,
// event dispatch into the match core, reconnection handling and process
// lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/gorilla/websocket"
	"github.com/olivmath/stealth-battleship-sub002/auth"
	"github.com/olivmath/stealth-battleship-sub002/gamematch"
	"github.com/olivmath/stealth-battleship-sub002/proof"
	"github.com/olivmath/stealth-battleship-sub002/server/matchdb"
	"github.com/olivmath/stealth-battleship-sub002/settlement"
)

// Settlor is the on-chain settlement port; nil disables settlement.
type Settlor interface {
	OpenMatch(ctx context.Context, p1, p2 string, proof1 []byte, inputs1 []string, proof2 []byte, inputs2 []string) (settlement.OpenResult, error)
	CloseMatch(ctx context.Context, sessionID string, proofData []byte, inputs []string, winnerFlag int) (string, error)
}

type Server struct {
	sync.RWMutex

	cfg Config
	log slog.Logger

	verifier *auth.Verifier
	sessions *gamematch.PlayerSessions
	mm       *gamematch.Matchmaker
	proofs   *proof.Port
	settlor  Settlor
	db       matchdb.MatchDB
	sched    *gamematch.Scheduler

	upgrader   websocket.Upgrader
	httpServer *http.Server

	// activeConns maps connID to its live socket.
	activeConns sync.Map
	// reconnectTimers maps PlayerID to the forfeit timer armed on
	// disconnect.
	reconnectTimers sync.Map

	quit     chan struct{}
	shutdown sync.Once
	wg       sync.WaitGroup
}

// New wires the server. gate may be nil for free-to-play, settlor nil to
// skip on-chain settlement, db nil to skip archiving.
func New(cfg Config, log slog.Logger, gate gamematch.EntryGate, proofs *proof.Port, settlor Settlor, db matchdb.MatchDB) *Server {
	cfg.setDefaults()
	if log == nil {
		log = slog.Disabled
	}
	s := &Server{
		cfg:      cfg,
		log:      log,
		verifier: auth.NewVerifier(),
		sessions: gamematch.NewPlayerSessions(),
		mm:       gamematch.NewMatchmaker(gate, log),
		proofs:   proofs,
		settlor:  settlor,
		db:       db,
		sched:    &gamematch.Scheduler{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Identity comes from the signed challenge, not the Origin
			// header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		quit: make(chan struct{}),
	}
	s.mm.SetRecorder(s.recordEvent)
	return s
}

// Handler returns the HTTP mux: the websocket endpoint plus the proof
// routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if s.proofs != nil {
		proof.NewHandler(s.proofs, s.log).Register(mux)
	}
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:        s.cfg.ListenAddr,
		Handler:     s.Handler(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	s.wg.Add(1)
	go s.sweepLoop()

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("listening on %s", s.cfg.ListenAddr)
		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.Shutdown()
		<-errCh
		return ctx.Err()
	case err, ok := <-errCh:
		// The listener died on its own; tear down the background loops
		// before reporting.
		s.Shutdown()
		if ok && err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}
}

// Shutdown stops accepting connections, drops live ones and waits for the
// background loops. Safe to call more than once.
func (s *Server) Shutdown() {
	s.shutdown.Do(s.doShutdown)
}

func (s *Server) doShutdown() {
	close(s.quit)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Warnf("http shutdown: %v", err)
		}
	}

	// Closing the sockets unblocks every read loop.
	s.activeConns.Range(func(_, v any) bool {
		if conn, ok := v.(*wsConn); ok {
			conn.close()
		}
		return true
	})
	s.reconnectTimers.Range(func(k, v any) bool {
		if tok, ok := v.(*gamematch.TimerToken); ok {
			tok.Cancel()
		}
		s.reconnectTimers.Delete(k)
		return true
	})

	s.wg.Wait()
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.log.Warnf("matchdb close: %v", err)
		}
	}
	s.log.Infof("server stopped")
}

func (s *Server) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.mm.SweepStale(s.cfg.StaleAge)
		}
	}
}

// recordEvent feeds match milestones into the archive.
func (s *Server) recordEvent(ev gamematch.RecordEvent) {
	if s.db == nil || ev.Kind != "match-ended" {
		return
	}
	room := s.mm.RoomByID(ev.MatchID)
	if room == nil {
		return
	}
	room.RLock()
	rec := matchdb.MatchRecord{
		MatchID:    room.ID,
		Player1:    string(room.Player1),
		Player2:    string(room.Player2),
		GridSize:   room.GridSize,
		Winner:     string(ev.Winner),
		Reason:     ev.Reason,
		StartedAt:  room.CreatedAt,
		FinishedAt: room.FinishedAt,
		SessionID:  room.SessionID,
		OpenTx:     room.OpenTxHash,
	}
	for _, a := range room.Attacks {
		rec.Shots = append(rec.Shots, matchdb.ShotRecord{
			Attacker:   string(a.Attacker),
			Row:        a.Row,
			Col:        a.Col,
			Hit:        a.Outcome == gamematch.ShotHit,
			TurnNumber: a.TurnNumber,
			At:         a.Timestamp,
		})
	}
	room.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.db.StoreMatch(ctx, rec); err != nil && !errors.Is(err, matchdb.ErrDuplicateMatch) {
		s.log.Errorf("archive match %s: %v", rec.MatchID, err)
	}
}
