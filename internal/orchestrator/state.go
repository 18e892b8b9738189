package orchestrator

import (
	"fmt"

	"trade_agent/internal/models"
)

var transitions = map[models.BotState][]models.BotState{
	models.StateStopped:  {models.StateStarting},
	models.StateStarting: {models.StateRunning, models.StateStopped, models.StateError},
	models.StateRunning:  {models.StateStopping, models.StateError},
	models.StateError:    {models.StateStarting, models.StateStopping},
	models.StateStopping: {models.StateStopped},
}

var allStates = []models.BotState{
	models.StateStopped, models.StateStarting, models.StateRunning, models.StateStopping, models.StateError,
}

func canTransition(from, to models.BotState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// setState меняет состояние только по таблице переходов.
func (o *Orchestrator) setState(to models.BotState) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	from := o.state
	if !canTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	o.state = to
	setStateGauge(to)
	return nil
}

func (o *Orchestrator) State() models.BotState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func setStateGauge(cur models.BotState) {
	for _, s := range allStates {
		v := 0.0
		if s == cur {
			v = 1
		}
		botState.WithLabelValues(string(s)).Set(v)
	}
}
