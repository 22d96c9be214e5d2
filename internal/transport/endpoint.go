package transport

import (
	"net"
	"strconv"
	"sync"
)

// Endpoint is a host and port pair.
type Endpoint struct {
	Host string
	Port uint16
}

func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// Valid reports whether the endpoint has been set.
func (e Endpoint) Valid() bool {
	return e.Host != "" && e.Port != 0
}

func (e Endpoint) String() string {
	return e.Addr()
}

// NetSource holds the pending endpoints. A change is picked up by the next
// connect attempt; a running link keeps its address.
type NetSource struct {
	mu    sync.RWMutex
	long  Endpoint
	short Endpoint
}

func (s *NetSource) SetLongLink(e Endpoint) {
	s.mu.Lock()
	s.long = e
	s.mu.Unlock()
}

func (s *NetSource) LongLink() (Endpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.long, s.long.Valid()
}

// SetShortLink stores the short-link endpoint. Nothing dials it yet.
func (s *NetSource) SetShortLink(e Endpoint) {
	s.mu.Lock()
	s.short = e
	s.mu.Unlock()
}

func (s *NetSource) ShortLink() (Endpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.short, s.short.Valid()
}
