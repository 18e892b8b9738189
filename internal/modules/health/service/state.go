package service

import (
	"time"

	"trade_agent/internal/models"
)

// StatusSource - оркестратор.
type StatusSource interface {
	Status() models.Status
}

// StreamSource - WS-поток цен.
type StreamSource interface {
	Connected() bool
	LastTick() time.Time
}

type State struct {
	startedAt time.Time
	status    StatusSource
	stream    StreamSource
}

func NewState(status StatusSource, stream StreamSource) *State {
	return &State{startedAt: time.Now(), status: status, stream: stream}
}

// Ready - бот торгует.
func (s *State) Ready() bool { return s.status.Status().State == models.StateRunning }

func (s *State) Status() models.Status { return s.status.Status() }

func (s *State) WSConnected() bool {
	if s.stream == nil {
		return false
	}
	return s.stream.Connected()
}

func (s *State) LastTick() time.Time {
	if s.stream == nil {
		return time.Time{}
	}
	return s.stream.LastTick()
}

func (s *State) Uptime() time.Duration { return time.Since(s.startedAt) }
