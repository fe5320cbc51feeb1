package control

import "sync"

// Gate admits at most one exchange at a time. Acquisition never blocks: a
// caller that finds the gate taken is expected to shed the request.
type Gate struct {
	slot chan struct{}
}

// NewGate returns an open gate.
func NewGate() *Gate {
	return &Gate{slot: make(chan struct{}, 1)}
}

// TryAcquire takes the gate if it is free. On success the returned release
// func must be called exactly once; extra calls are no-ops.
func (g *Gate) TryAcquire() (release func(), ok bool) {
	select {
	case g.slot <- struct{}{}:
	default:
		return nil, false
	}
	var once sync.Once
	return func() {
		once.Do(func() { <-g.slot })
	}, true
}
