package session

import (
	"sync"
	"time"
)

// Token is a snapshot of the current session credential.
type Token struct {
	Value         string
	IssuedAt      time.Time
	LastRenewedAt time.Time
}

// tokenState owns the session credential and the readiness signal. Only the Manager writes it.
// Ready channels are closed on acquire and replaced on clear, so waiters holding an old open
// channel are released by the next acquire.
type tokenState struct {
	mu     sync.Mutex
	token  Token
	ready  chan struct{}
	closed bool
}

func newTokenState() *tokenState {
	return &tokenState{ready: make(chan struct{})}
}

func (s *tokenState) set(value string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = Token{Value: value, IssuedAt: at, LastRenewedAt: at}
	if !s.closed {
		close(s.ready)
		s.closed = true
	}
}

func (s *tokenState) renewed(at time.Time) {
	s.mu.Lock()
	s.token.LastRenewedAt = at
	s.mu.Unlock()
}

func (s *tokenState) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = Token{}
	if s.closed {
		s.ready = make(chan struct{})
		s.closed = false
	}
}

func (s *tokenState) snapshot() Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *tokenState) readyCh() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *tokenState) isReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
