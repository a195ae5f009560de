package fsm

// StateConfigBuilder provides a fluent API for configuring states
type StateConfigBuilder struct {
	sm     *StateMachine
	config *StateConfig
}

// PermitWithAction defines a transition to nextState that executes an action
// before the state changes.
func (b *StateConfigBuilder) PermitWithAction(event Event, nextState State, action Action) *StateConfigBuilder {
	return b.add(event, nextState, action)
}

// InternalTransition defines a transition that executes an action but stays
// in the same state.
func (b *StateConfigBuilder) InternalTransition(event Event, action Action) *StateConfigBuilder {
	return b.add(event, b.config.state, action)
}

func (b *StateConfigBuilder) add(event Event, to State, action Action) *StateConfigBuilder {
	b.sm.cfgMu.Lock()
	defer b.sm.cfgMu.Unlock()
	b.config.transitions[event] = &Transition{
		trigger: event,
		from:    b.config.state,
		to:      to,
		actions: []Action{action},
	}
	return b
}
