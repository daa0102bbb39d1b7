package matchdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	matchesBucket = []byte("matches")
	// playersBucket indexes "pk/matchID" keys for per-player lookups.
	playersBucket = []byte("players")
)

// BoltDB archives matches in a bbolt file, one record per match plus a
// per-player index.
type BoltDB struct {
	db *bolt.DB
}

func NewBoltDB(path string) (*BoltDB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create matchdb dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open matchdb: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(matchesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(playersBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init matchdb buckets: %w", err)
	}
	return &BoltDB{db: db}, nil
}

func (b *BoltDB) StoreMatch(_ context.Context, rec MatchRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode match %s: %w", rec.MatchID, err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		matches := tx.Bucket(matchesBucket)
		key := []byte(rec.MatchID)
		if matches.Get(key) != nil {
			return ErrDuplicateMatch
		}
		if err := matches.Put(key, data); err != nil {
			return err
		}
		players := tx.Bucket(playersBucket)
		for _, pk := range []string{rec.Player1, rec.Player2} {
			if pk == "" {
				continue
			}
			if err := players.Put(playerKey(pk, rec.MatchID), key); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltDB) MarkSettled(_ context.Context, matchID, closeTx string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		matches := tx.Bucket(matchesBucket)
		key := []byte(matchID)
		data := matches.Get(key)
		if data == nil {
			return ErrMatchNotFound
		}
		var rec MatchRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decode match %s: %w", matchID, err)
		}
		rec.CloseTx = closeTx
		rec.Settled = true
		out, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode match %s: %w", matchID, err)
		}
		return matches.Put(key, out)
	})
}

func (b *BoltDB) FetchMatch(_ context.Context, matchID string) (MatchRecord, error) {
	var rec MatchRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(matchesBucket).Get([]byte(matchID))
		if data == nil {
			return ErrMatchNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return MatchRecord{}, err
	}
	return rec, nil
}

func (b *BoltDB) FetchPlayerMatches(_ context.Context, pk string) ([]MatchRecord, error) {
	var out []MatchRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		matches := tx.Bucket(matchesBucket)
		c := tx.Bucket(playersBucket).Cursor()
		prefix := playerKey(pk, "")
		for k, id := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, id = c.Next() {
			data := matches.Get(id)
			if data == nil {
				continue
			}
			var rec MatchRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("decode match %s: %w", id, err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BoltDB) Close() error { return b.db.Close() }

func playerKey(pk, matchID string) []byte {
	return []byte(pk + "/" + matchID)
}

var _ MatchDB = (*BoltDB)(nil)
