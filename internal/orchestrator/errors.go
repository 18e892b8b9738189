package orchestrator

import "errors"

var (
	// ErrConfiguration - фатально только для Start.
	ErrConfiguration = errors.New("configuration")
	// ErrGateway - биржа недоступна/отказала, цикл продолжается.
	ErrGateway = errors.New("gateway")
	// ErrPersistence - запись в БД не прошла, память остаётся источником правды.
	ErrPersistence = errors.New("persistence")
	// ErrStrategy - ошибка анализа одного символа.
	ErrStrategy = errors.New("strategy")

	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNoPosition        = errors.New("no open position")
)
