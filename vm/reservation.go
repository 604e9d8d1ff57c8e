package vm

// ResAcquire returns the current counter of the granule holding addr, or a
// locked value when the page is unmapped.
func (m *Memory) ResAcquire(addr uint32) uint64 {
	res, err := m.Reservation(addr)
	if err != nil {
		return ResLock
	}
	return res.Load()
}

// ResLock takes the lock bit of the granule holding addr and returns the counter
// value it replaced. The caller must pair it with ResRelease.
func (m *Memory) ResLock(addr uint32) (uint64, error) {
	res, err := m.Reservation(addr)
	if err != nil {
		return 0, err
	}
	return lockCounter(res), nil
}

// ResRelease publishes a new counter value, clearing the lock bits.
func (m *Memory) ResRelease(addr uint32, v uint64) {
	if res, err := m.Reservation(addr); err == nil {
		res.Store(v &^ ResLock)
	}
}

// ResUpdate invalidates every reservation on the granule holding addr.
func (m *Memory) ResUpdate(addr uint32) {
	res, err := m.Reservation(addr)
	if err != nil {
		return
	}
	res.Store(lockCounter(res) + ResStep)
}
