package vm

import "runtime"

// Passive is a per-thread passive reader registration. Running guest threads
// hold it while they touch memory; Exclusive waits for every holder to let go.
type Passive struct {
	held bool
}

func (p *Passive) Held() bool {
	return p != nil && p.held
}

// PassiveLock registers the caller as a reader, waiting out any exclusive section.
func (m *Memory) PassiveLock(p *Passive) {
	if p == nil || p.held {
		return
	}
	for {
		for m.writer.Load() {
			runtime.Gosched()
		}
		m.readers.Add(1)
		if !m.writer.Load() {
			break
		}
		m.readers.Add(-1)
	}
	p.held = true
}

// PassiveUnlock drops the registration. Threads must call it before blocking.
func (m *Memory) PassiveUnlock(p *Passive) {
	if p == nil || !p.held {
		return
	}
	m.readers.Add(-1)
	p.held = false
}

// SetWriterHook installs a callback run whenever an exclusive section starts.
// It must ask every running reader to pass through PassiveUnlock.
func (m *Memory) SetWriterHook(fn func()) {
	m.writerHook.Store(&fn)
}

// Exclusive runs fn once no other passive reader is registered. self may be nil
// for host callers.
func (m *Memory) Exclusive(self *Passive, fn func()) {
	wasHeld := self.Held()
	m.PassiveUnlock(self)
	m.mapMu.Lock()
	m.writer.Store(true)
	if hook := m.writerHook.Load(); hook != nil {
		(*hook)()
	}
	for m.readers.Load() > 0 {
		runtime.Gosched()
	}
	fn()
	m.writer.Store(false)
	m.mapMu.Unlock()
	if wasHeld {
		m.PassiveLock(self)
	}
}
