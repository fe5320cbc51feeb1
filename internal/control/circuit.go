package control

import "time"

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreaker pauses a polling loop after Threshold consecutive failures
// of one error class, then lets a single trial poll through after Cooldown.
// It is not safe for concurrent use.
type CircuitBreaker struct {
	Threshold int
	Cooldown  time.Duration

	state       CircuitState
	failures    map[string]int
	openedAt    time.Time
	openedClass string
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		Threshold: threshold,
		Cooldown:  cooldown,
		state:     CircuitClosed,
		failures:  map[string]int{},
	}
}

func (c *CircuitBreaker) State() CircuitState {
	return c.state
}

func (c *CircuitBreaker) OpenedClass() string {
	return c.openedClass
}

// Allow reports whether a poll may run now. The second result is true when
// this call moved the breaker from open to half-open.
func (c *CircuitBreaker) Allow(now time.Time) (allowed, halfOpened bool) {
	if c.state != CircuitOpen {
		return true, false
	}
	if now.Sub(c.openedAt) < c.Cooldown {
		return false, false
	}
	c.state = CircuitHalfOpen
	return true, true
}

// RecordSuccess closes the breaker. It returns true when the breaker was not
// already closed.
func (c *CircuitBreaker) RecordSuccess() (recovered bool) {
	recovered = c.state != CircuitClosed
	c.state = CircuitClosed
	c.openedClass = ""
	clear(c.failures)
	return recovered
}

// RecordFailure counts a failure of errClass. It returns true when this
// failure opened the breaker. A failed half-open trial reopens immediately.
func (c *CircuitBreaker) RecordFailure(errClass string, now time.Time) (opened bool) {
	if errClass == "" {
		errClass = "unknown"
	}
	switch c.state {
	case CircuitOpen:
		return false
	case CircuitHalfOpen:
		c.open(errClass, now)
		return true
	}
	c.failures[errClass]++
	if c.failures[errClass] >= c.Threshold {
		c.open(errClass, now)
		return true
	}
	return false
}

func (c *CircuitBreaker) open(errClass string, now time.Time) {
	c.state = CircuitOpen
	c.openedAt = now
	c.openedClass = errClass
}
