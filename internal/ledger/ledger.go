package ledger

import (
	"errors"
	"sort"
	"sync"

	"trade_agent/internal/models"
)

var (
	ErrSymbolBusy   = errors.New("ledger: symbol already has an open position or a pending reservation")
	ErrNotReserved  = errors.New("ledger: symbol is not reserved")
	ErrNotFound     = errors.New("ledger: position not found")
	ErrInvalidState = errors.New("ledger: position is not open")
)

// Ledger - открытые позиции в памяти, по одной на символ.
// Наружу отдаются только копии.
type Ledger struct {
	mu        sync.Mutex
	positions map[string]models.Position
	reserved  map[string]struct{}
}

func New() *Ledger {
	return &Ledger{
		positions: make(map[string]models.Position),
		reserved:  make(map[string]struct{}),
	}
}

// Reserve занимает символ под будущую позицию. Второй Reserve по тому же
// символу (или при открытой позиции) вернёт ErrSymbolBusy.
func (l *Ledger) Reserve(symbol string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.positions[symbol]; ok {
		return ErrSymbolBusy
	}
	if _, ok := l.reserved[symbol]; ok {
		return ErrSymbolBusy
	}
	l.reserved[symbol] = struct{}{}
	return nil
}

func (l *Ledger) Release(symbol string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.reserved, symbol)
}

// Commit превращает резерв в открытую позицию.
func (l *Ledger) Commit(p models.Position) error {
	if p.Status != models.PositionOpen {
		return ErrInvalidState
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.reserved[p.Symbol]; !ok {
		return ErrNotReserved
	}
	delete(l.reserved, p.Symbol)
	l.positions[p.Symbol] = p
	return nil
}

// Merge добавляет открытые позиции из хранилища к тем, что уже в памяти.
// Память главнее: символ, уже занятый в леджере, не перезаписывается, а
// чужая позиция по нему возвращается как дубль. Строки, для которых skip
// вернул true, пропускаются. Если по символу несколько OPEN, берётся самая
// ранняя, остальные возвращаются. Резервы сбрасываются.
func (l *Ledger) Merge(ps []models.Position, skip func(models.Position) bool) (dups []models.Position) {
	sorted := make([]models.Position, 0, len(ps))
	for _, p := range ps {
		if p.Status != models.PositionOpen {
			continue
		}
		if skip != nil && skip(p) {
			continue
		}
		sorted = append(sorted, p)
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].OpenedAt.Before(sorted[j].OpenedAt) })

	l.mu.Lock()
	defer l.mu.Unlock()
	l.reserved = make(map[string]struct{})
	for _, p := range sorted {
		if cur, ok := l.positions[p.Symbol]; ok {
			if cur.ID != p.ID {
				dups = append(dups, p)
			}
			continue
		}
		l.positions[p.Symbol] = p
	}
	return dups
}

func (l *Ledger) Get(symbol string) (models.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[symbol]
	return p, ok
}

func (l *Ledger) Has(symbol string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.positions[symbol]
	return ok
}

// Update применяет fn к копии позиции и сохраняет результат.
func (l *Ledger) Update(symbol string, fn func(p *models.Position)) (models.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[symbol]
	if !ok {
		return models.Position{}, ErrNotFound
	}
	fn(&p)
	p.Symbol = symbol
	l.positions[symbol] = p
	return p, nil
}

func (l *Ledger) Remove(symbol string) (models.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[symbol]
	if ok {
		delete(l.positions, symbol)
	}
	return p, ok
}

// Snapshot - копии открытых позиций, отсортированные по символу.
func (l *Ledger) Snapshot() []models.Position {
	l.mu.Lock()
	out := make([]models.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, p)
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.positions)
}
