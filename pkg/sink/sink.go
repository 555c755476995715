// Package sink defines the target/state surface timers deliver to.
//
// The toolkit never interprets targets or values; it only routes them.
package sink

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnknownKind is returned by Dispatch for a Kind it does not know.
var ErrUnknownKind = errors.New("sink: unknown kind")

// Kind selects how a value is delivered.
type Kind uint8

const (
	// KindUpdate posts a state update (the target changes state, no side effects).
	KindUpdate Kind = iota
	// KindCommand sends a command (the target is asked to act).
	KindCommand
)

func (k Kind) String() string {
	switch k {
	case KindUpdate:
		return "update"
	case KindCommand:
		return "command"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind accepts "update" and "command". Empty means KindCommand.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "command", "cmd":
		return KindCommand, nil
	case "update", "state":
		return KindUpdate, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

type Sink interface {
	SendCommand(ctx context.Context, target, value string) error
	PostUpdate(ctx context.Context, target, value string) error
}

// Dispatch delivers value to target using the method selected by kind.
func Dispatch(ctx context.Context, s Sink, kind Kind, target, value string) error {
	switch kind {
	case KindCommand:
		return s.SendCommand(ctx, target, value)
	case KindUpdate:
		return s.PostUpdate(ctx, target, value)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
}
