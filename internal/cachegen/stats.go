package cachegen

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// respStats tracks the size of responses served from or into the cache.
type respStats struct {
	count atomic.Uint64
	bytes atomic.Uint64
	min   atomic.Uint64
	max   atomic.Uint64

	offline atomic.Uint64
}

func newRespStats() *respStats {
	s := &respStats{}
	s.min.Store(math.MaxUint64)
	return s
}

func (s *respStats) Observe(size int) {
	if size < 0 {
		size = 0
	}
	n := uint64(size)
	s.count.Add(1)
	s.bytes.Add(n)
	for {
		cur := s.min.Load()
		if n >= cur || s.min.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.max.Load()
		if n <= cur || s.max.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Responses uint64
	Min       uint64
	Max       uint64
	Avg       uint64
	Offline   uint64
}

func (s *respStats) Snapshot() statsSnapshot {
	out := statsSnapshot{Offline: s.offline.Load()}
	count := s.count.Load()
	if count == 0 {
		return out
	}
	out.Responses = count
	out.Min = s.min.Load()
	out.Max = s.max.Load()
	out.Avg = s.bytes.Load() / count
	return out
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ss := s.stats.Snapshot()
	st := s.ctl.Status()
	fields := []zap.Field{
		zap.Int("generations", len(st.Stored)),
		zap.Int("entries", s.store.EntryCount()),
		zap.String("ram", formatBytes(uint64(s.store.RAMSize()))),
		zap.String("disk", formatBytes(uint64(s.store.TotalSize()))),
		zap.String("respMin", formatBytes(ss.Min)),
		zap.String("respAvg", formatBytes(ss.Avg)),
		zap.String("respMax", formatBytes(ss.Max)),
		zap.Uint64("offline", ss.Offline),
	}
	if st.Active != nil {
		fields = append(fields, zap.String("active", st.Active.ID))
	}
	if rss, ok := processRSSBytes(); ok {
		fields = append(fields, zap.String("rss", formatBytes(rss)))
	}
	s.log.Info("cache stats", fields...)
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b < kb:
		return fmt.Sprintf("%db", b)
	case b < mb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	case b < gb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	return strings.TrimSuffix(strings.TrimSpace(s), ".0")
}
