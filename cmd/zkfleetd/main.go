// zkfleetd is the hidden-fleet match server daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/decred/slog"
	"github.com/olivmath/stealth-battleship-sub002/gamematch"
	"github.com/olivmath/stealth-battleship-sub002/payment"
	"github.com/olivmath/stealth-battleship-sub002/proof"
	"github.com/olivmath/stealth-battleship-sub002/server"
	"github.com/olivmath/stealth-battleship-sub002/server/matchdb"
	"github.com/olivmath/stealth-battleship-sub002/settlement"
	"golang.org/x/sync/errgroup"
)

func realMain() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	backend := slog.NewBackend(os.Stderr)
	level, ok := slog.LevelFromString(cfg.DebugLevel)
	if !ok {
		level = slog.LevelInfo
	}
	newLog := func(tag string) slog.Logger {
		l := backend.Logger(tag)
		l.SetLevel(level)
		return l
	}
	log := newLog("SRVR")

	proofs := proof.NewPort(proof.NewHTTPEngine(cfg.ProverURL, nil), newLog("PROF"))

	var gate gamematch.EntryGate
	if cfg.LedgerURL != "" {
		ledger := payment.NewHTTPLedger(cfg.LedgerURL, nil, newLog("PAYM"))
		gate = payment.NewGate(ledger, 0, newLog("PAYM"))
	} else {
		log.Warnf("no ledger configured, running free-to-play")
	}

	var settlor server.Settlor
	if cfg.ChainURL != "" {
		chain := settlement.NewHTTPChain(cfg.ChainURL, nil, newLog("SETL"))
		settlor = settlement.NewSettlor(chain, cfg.SigningKey, cfg.Contract, newLog("SETL"))
	} else {
		log.Warnf("no chain configured, matches settle off-chain only")
	}

	db, err := matchdb.NewBoltDB(filepath.Join(cfg.DataDir, "matches.db"))
	if err != nil {
		return fmt.Errorf("open match archive: %w", err)
	}

	srv := server.New(cfg.Server, log, gate, proofs, settlor, db)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func main() {
	if err := realMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
