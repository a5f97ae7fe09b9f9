package kartoteka

import "time"

// flushLoop is the quiescence-gated flush daemon: every tick it checks
// that no heavy process is running and that no update landed since the
// previous tick, and only then flushes every index. Bursts of updates
// keep deferring the flush so they batch together.
func (k *Kartoteka) flushLoop() {
	defer k.flushersWG.Done()
	ticker := time.NewTicker(k.opts.FlushInterval)
	defer ticker.Stop()
	lastSeen := int64(-1)
	for {
		select {
		case <-k.closed:
			return
		case <-ticker.C:
		}
		if k.host.HeavyProcessRunning() {
			continue
		}
		cur := k.modCount.Load()
		if cur != lastSeen {
			lastSeen = cur
			continue
		}
		k.FlushAll()
	}
}

// FlushAll flushes every index database. A flush failure is a storage
// error and schedules a rebuild for the index.
func (k *Kartoteka) FlushAll() {
	k.eachSlot(func(name string, s *slot) {
		if s.index == nil || s.Status() != StatusOK {
			return
		}
		if err := s.index.Flush(); err != nil {
			k.scheduleRebuild(name, s, "flush_error")
			return
		}
	})
	FlushCount.Inc()
}
