// Package store keeps cache generations on disk (leveldb) with a bounded RAM
// tier in front of it.
//
// Keyspace:
//
//	g:<generation>            cbor encoded Meta
//	e:<generation>\x00<key>   msgpack encoded Entry
//
// Generations are the only persisted state. Deleting a generation removes
// every entry under its prefix in one batch.
package store

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"cachegen/internal/faults"
)

const (
	metaPrefix  = "g:"
	entryPrefix = "e:"
	sep         = "\x00"
)

type Options struct {
	// RAMBytes bounds the hot tier. 0 disables it.
	RAMBytes int64
	// DiskBytes bounds the encoded size of all entries. 0 means unbounded.
	DiskBytes int64
	Logger    *zap.Logger
}

type genIndex struct {
	meta  Meta
	sizes map[string]int64
	total int64
}

type Store struct {
	db  *leveldb.DB
	ram *bigcache.BigCache
	log *zap.Logger

	maxBytes int64

	metaEnc cbor.EncMode
	metaDec cbor.DecMode

	// gensMu guards gens; DeleteGeneration holds it exclusively so no write
	// can land in a generation while it is being removed.
	gensMu sync.RWMutex
	gens   map[string]*genIndex

	// mu serialises entry writes and size accounting.
	mu    sync.Mutex
	total int64

	// ramMu + ramSeq keep a slow disk read from re-populating the RAM tier
	// with a value that was overwritten in the meantime.
	ramMu  sync.Mutex
	ramSeq atomic.Uint64
}

// Open opens (or creates) the store at path and rebuilds the in-memory index.
func Open(path string, opts Options) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, faults.Storage(err, "open")
	}
	s, err := newStore(db, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func newStore(db *leveldb.DB, opts Options) (*Store, error) {
	eo := cbor.CoreDetEncOptions()
	eo.Time = cbor.TimeRFC3339Nano
	em, err := eo.EncMode()
	if err != nil {
		return nil, err
	}
	dm, err := (cbor.DecOptions{}).DecMode()
	if err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	s := &Store{
		db:       db,
		log:      log.Named("store"),
		maxBytes: opts.DiskBytes,
		metaEnc:  em,
		metaDec:  dm,
		gens:     map[string]*genIndex{},
	}
	if opts.RAMBytes > 0 {
		ram, err := newRAM(opts.RAMBytes)
		if err != nil {
			return nil, err
		}
		s.ram = ram
	}
	if err := s.loadIndex(); err != nil {
		s.closeRAM()
		return nil, err
	}
	return s, nil
}

func newRAM(maxBytes int64) (*bigcache.BigCache, error) {
	conf := bigcache.DefaultConfig(10 * time.Minute)
	conf.Shards = 64
	conf.CleanWindow = time.Minute
	conf.HardMaxCacheSize = int(maxBytes >> 20)
	if conf.HardMaxCacheSize < 1 {
		conf.HardMaxCacheSize = 1
	}
	return bigcache.New(context.Background(), conf)
}

func (s *Store) Close() error {
	s.closeRAM()
	return s.db.Close()
}

func (s *Store) closeRAM() {
	if s.ram != nil {
		_ = s.ram.Close()
	}
}

func metaKey(id string) []byte { return []byte(metaPrefix + id) }

func entryKey(id, key string) []byte { return []byte(entryPrefix + id + sep + key) }

func ramKey(id, key string) string { return id + sep + key }

func (s *Store) loadIndex() error {
	gens := map[string]*genIndex{}

	it := s.db.NewIterator(util.BytesPrefix([]byte(metaPrefix)), nil)
	for it.Next() {
		var m Meta
		if err := s.metaDec.Unmarshal(it.Value(), &m); err != nil {
			s.log.Warn("skipping unreadable generation meta", zap.ByteString("key", it.Key()), zap.Error(err))
			continue
		}
		gens[m.ID] = &genIndex{meta: m, sizes: map[string]int64{}}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return faults.Storage(err, "load index")
	}

	var total int64
	orphans := new(leveldb.Batch)
	it = s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix)), nil)
	for it.Next() {
		rest := bytes.TrimPrefix(it.Key(), []byte(entryPrefix))
		id, key, ok := strings.Cut(string(rest), sep)
		gi := gens[id]
		if !ok || gi == nil {
			// left behind by an interrupted DeleteGeneration
			orphans.Delete(append([]byte(nil), it.Key()...))
			continue
		}
		size := int64(len(it.Value()))
		gi.sizes[key] = size
		gi.total += size
		total += size
	}
	it.Release()
	if err := it.Error(); err != nil {
		return faults.Storage(err, "load index")
	}
	if orphans.Len() > 0 {
		s.log.Info("removing orphaned entries", zap.Int("count", orphans.Len()))
		if err := s.db.Write(orphans, nil); err != nil {
			return faults.Storage(err, "remove orphans")
		}
	}

	s.gensMu.Lock()
	s.gens = gens
	s.gensMu.Unlock()
	s.mu.Lock()
	s.total = total
	s.mu.Unlock()
	return nil
}

// OpenGeneration returns a handle for id, creating an unsealed generation if
// it does not exist yet. Opening an existing generation changes nothing.
func (s *Store) OpenGeneration(id, version string) (Handle, error) {
	if id == "" {
		return Handle{}, faults.Invalid("empty generation id")
	}
	s.gensMu.Lock()
	defer s.gensMu.Unlock()
	if _, ok := s.gens[id]; ok {
		return Handle{id: id}, nil
	}
	m := Meta{ID: id, Version: version, CreatedAt: time.Now().UTC()}
	if err := s.writeMeta(m); err != nil {
		return Handle{}, err
	}
	s.gens[id] = &genIndex{meta: m, sizes: map[string]int64{}}
	return Handle{id: id}, nil
}

// Seal records the membership of a fully seeded generation.
func (s *Store) Seal(h Handle, members map[string]string) error {
	s.gensMu.Lock()
	defer s.gensMu.Unlock()
	gi, ok := s.gens[h.id]
	if !ok {
		return faults.StorageGone(h.id)
	}
	m := gi.meta
	m.Sealed = true
	m.Members = make(map[string]string, len(members))
	for k, v := range members {
		m.Members[k] = v
	}
	if err := s.writeMeta(m); err != nil {
		return err
	}
	gi.meta = m
	return nil
}

func (s *Store) writeMeta(m Meta) error {
	b, err := s.metaEnc.Marshal(m)
	if err != nil {
		return faults.Storage(err, "encode meta")
	}
	if err := s.db.Put(metaKey(m.ID), b, nil); err != nil {
		return faults.Storage(err, "write meta")
	}
	return nil
}

// Meta returns a copy of the generation's metadata.
func (s *Store) Meta(id string) (Meta, bool) {
	s.gensMu.RLock()
	defer s.gensMu.RUnlock()
	gi, ok := s.gens[id]
	if !ok {
		return Meta{}, false
	}
	m := gi.meta
	if gi.meta.Members != nil {
		m.Members = make(map[string]string, len(gi.meta.Members))
		for k, v := range gi.meta.Members {
			m.Members[k] = v
		}
	}
	return m, true
}

// Put stores ent under key, replacing any previous entry for key in that
// generation. A write that would exceed the disk budget fails with
// STORAGE_FULL and leaves the store untouched.
func (s *Store) Put(h Handle, key string, ent Entry) error {
	b, err := msgpack.Marshal(&ent)
	if err != nil {
		return faults.Storage(err, "encode entry")
	}
	size := int64(len(b))

	s.gensMu.RLock()
	defer s.gensMu.RUnlock()
	gi, ok := s.gens[h.id]
	if !ok {
		return faults.StorageGone(h.id)
	}

	s.mu.Lock()
	delta := size - gi.sizes[key]
	if s.maxBytes > 0 && delta > 0 && s.total+delta > s.maxBytes {
		total := s.total
		s.mu.Unlock()
		return faults.StorageFull(h.id, total+delta, s.maxBytes)
	}
	if err := s.db.Put(entryKey(h.id, key), b, nil); err != nil {
		s.mu.Unlock()
		if errors.Is(err, syscall.ENOSPC) {
			return faults.StorageFull(h.id, size, s.maxBytes)
		}
		return faults.Storage(err, "write entry")
	}
	gi.sizes[key] = size
	gi.total += delta
	s.total += delta
	s.mu.Unlock()

	if s.ram != nil {
		s.ramMu.Lock()
		s.ramSeq.Add(1)
		_ = s.ram.Delete(ramKey(h.id, key))
		s.ramMu.Unlock()
	}
	return nil
}

// Match looks key up in one generation.
func (s *Store) Match(h Handle, key string) (Entry, bool, error) {
	s.gensMu.RLock()
	_, ok := s.gens[h.id]
	s.gensMu.RUnlock()
	if !ok {
		return Entry{}, false, nil
	}

	rk := ramKey(h.id, key)
	if s.ram != nil {
		if b, err := s.ram.Get(rk); err == nil {
			var ent Entry
			if err := msgpack.Unmarshal(b, &ent); err == nil {
				return ent, true, nil
			}
			_ = s.ram.Delete(rk)
		}
	}

	seq := s.ramSeq.Load()
	b, err := s.db.Get(entryKey(h.id, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, faults.Storage(err, "read entry")
	}
	var ent Entry
	if err := msgpack.Unmarshal(b, &ent); err != nil {
		return Entry{}, false, faults.Storage(err, "decode entry")
	}

	if s.ram != nil {
		s.ramMu.Lock()
		if s.ramSeq.Load() == seq {
			// too large for a shard is fine; the disk copy stays authoritative
			_ = s.ram.Set(rk, b)
		}
		s.ramMu.Unlock()
	}
	return ent, true, nil
}

// MatchAny returns the first hit for key across ids, in order. Callers pass
// the active generation first and the waiting one second.
func (s *Store) MatchAny(key string, ids ...string) (Entry, string, bool) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		ent, ok, err := s.Match(Handle{id: id}, key)
		if err != nil {
			s.log.Warn("match failed", zap.String("generation", id), zap.String("key", key), zap.Error(err))
			continue
		}
		if ok {
			return ent, id, true
		}
	}
	return Entry{}, "", false
}

// ListGenerations returns every generation id, oldest first.
func (s *Store) ListGenerations() []string {
	s.gensMu.RLock()
	metas := make([]Meta, 0, len(s.gens))
	for _, gi := range s.gens {
		metas = append(metas, gi.meta)
	}
	s.gensMu.RUnlock()

	sort.Slice(metas, func(i, j int) bool {
		if metas[i].CreatedAt.Equal(metas[j].CreatedAt) {
			return metas[i].ID < metas[j].ID
		}
		return metas[i].CreatedAt.Before(metas[j].CreatedAt)
	})
	out := make([]string, len(metas))
	for i, m := range metas {
		out[i] = m.ID
	}
	return out
}

// Keys returns the sorted entry keys of a generation.
func (s *Store) Keys(h Handle) []string {
	s.gensMu.RLock()
	defer s.gensMu.RUnlock()
	gi, ok := s.gens[h.id]
	if !ok {
		return nil
	}
	s.mu.Lock()
	out := make([]string, 0, len(gi.sizes))
	for k := range gi.sizes {
		out = append(out, k)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// DeleteGeneration removes a generation and every entry in it. Deleting an
// unknown generation is a no-op.
func (s *Store) DeleteGeneration(id string) error {
	s.gensMu.Lock()
	defer s.gensMu.Unlock()
	gi, ok := s.gens[id]
	if !ok {
		return nil
	}

	batch := new(leveldb.Batch)
	it := s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix+id+sep)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return faults.Storage(err, "scan generation")
	}
	batch.Delete(metaKey(id))
	if err := s.db.Write(batch, nil); err != nil {
		return faults.Storage(err, "delete generation")
	}

	s.mu.Lock()
	s.total -= gi.total
	keys := make([]string, 0, len(gi.sizes))
	for k := range gi.sizes {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	delete(s.gens, id)

	if s.ram != nil {
		s.ramMu.Lock()
		s.ramSeq.Add(1)
		for _, k := range keys {
			_ = s.ram.Delete(ramKey(id, k))
		}
		s.ramMu.Unlock()
	}
	s.log.Info("generation deleted", zap.String("generation", id), zap.Int("entries", len(keys)))
	return nil
}

// TotalSize is the encoded size of all entries on disk.
func (s *Store) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// RAMSize is the current size of the hot tier.
func (s *Store) RAMSize() int64 {
	if s.ram == nil {
		return 0
	}
	return int64(s.ram.Capacity())
}

// EntryCount counts entries across all generations.
func (s *Store) EntryCount() int {
	s.gensMu.RLock()
	defer s.gensMu.RUnlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, gi := range s.gens {
		n += len(gi.sizes)
	}
	return n
}
