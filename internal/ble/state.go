package ble

import (
	"context"
	"errors"

	"github.com/looplab/fsm"

	"github.com/chaz8081/trumoto/internal/log"
)

// State is the connection state of a Manager.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

func (s State) String() string { return string(s) }

// Connection state machine events.
const (
	eventConnect       = "connect"
	eventLinkUp        = "link_up"
	eventConnectFailed = "connect_failed"
	eventLinkLost      = "link_lost"
	eventGiveUp        = "give_up"
	eventDisconnect    = "disconnect"
)

var allStates = []string{
	string(StateDisconnected),
	string(StateConnecting),
	string(StateConnected),
	string(StateReconnecting),
}

// linkFSM is the transition table for one logical link. Callers serialize
// access; the fsm only validates transitions and reports them.
type linkFSM struct {
	*fsm.FSM
}

func newLinkFSM(logger log.Logger) *linkFSM {
	events := fsm.Events{
		{Name: eventConnect, Src: []string{string(StateDisconnected), string(StateReconnecting)}, Dst: string(StateConnecting)},
		{Name: eventLinkUp, Src: []string{string(StateConnecting), string(StateReconnecting)}, Dst: string(StateConnected)},
		{Name: eventConnectFailed, Src: []string{string(StateConnecting)}, Dst: string(StateDisconnected)},
		{Name: eventLinkLost, Src: []string{string(StateConnected)}, Dst: string(StateReconnecting)},
		{Name: eventGiveUp, Src: []string{string(StateReconnecting)}, Dst: string(StateDisconnected)},
		{Name: eventDisconnect, Src: allStates, Dst: string(StateDisconnected)},
	}

	callbacks := fsm.Callbacks{
		"enter_state": func(_ context.Context, e *fsm.Event) {
			logger.Debug("state transition", "event", e.Event, "from", e.Src, "to", e.Dst)
			recordState(State(e.Dst))
		},
	}

	return &linkFSM{FSM: fsm.NewFSM(string(StateDisconnected), events, callbacks)}
}

// fire applies event. Re-entering the current state (disconnect while
// already disconnected) is not an error.
func (f *linkFSM) fire(event string) error {
	err := f.Event(context.Background(), event)
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}
	return err
}

func (f *linkFSM) state() State {
	return State(f.Current())
}
