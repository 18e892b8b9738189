package models

// EventKind - тип уведомления.
type EventKind string

const (
	EventStarted        EventKind = "started"
	EventStopped        EventKind = "stopped"
	EventError          EventKind = "error"
	EventPositionOpened EventKind = "position_opened"
	EventPositionClosed EventKind = "position_closed"
	EventCloseFailed    EventKind = "close_failed"
	EventSymbolError    EventKind = "symbol_error"
	EventDailyCap       EventKind = "daily_cap"
)

// Payload - данные события, форматирование на стороне нотифайера.
type Payload map[string]any
