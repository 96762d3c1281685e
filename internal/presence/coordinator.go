package presence

import (
	"errors"
	"fmt"
	"log/slog"
	"weak"
)

// Hooks receives the four coordinator events. TimerBinding is the
// production implementation.
type Hooks interface {
	// OnIdle is called for an idle edge while no hold is live.
	OnIdle() error
	// OnResume is called for every resume edge.
	OnResume() error
	// OnFirstInhibit is called when the hold count goes from 0 to 1.
	OnFirstInhibit() error
	// OnLastUninhibit is called when the hold count goes from 1 to 0.
	OnLastUninhibit() error
}

// Coordinator tracks outstanding inhibitor tokens and turns idle/resume
// edges and hold transitions into hook calls.
//
// Coordinator is not safe for concurrent use; callers serialize through a
// Dispatcher.
type Coordinator struct {
	hooks  Hooks
	logger *slog.Logger

	holds  map[uint64]struct{}
	nextID uint64

	// dispatching is set while a hold transition hook runs
	dispatching bool
}

// NewCoordinator creates a coordinator that dispatches to hooks.
func NewCoordinator(hooks Hooks, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		hooks:  hooks,
		logger: logger,
		holds:  make(map[uint64]struct{}),
	}
}

// Inhibited reports whether at least one hold is live.
func (c *Coordinator) Inhibited() bool {
	return len(c.holds) > 0
}

// Holds returns the number of live holds.
func (c *Coordinator) Holds() int {
	return len(c.holds)
}

// IdleEdge reports that the idle timer fired. It is swallowed while the
// coordinator is inhibited.
func (c *Coordinator) IdleEdge() error {
	if c.Inhibited() {
		c.logger.Debug("Idle edge suppressed", "holds", len(c.holds))
		return nil
	}
	c.logger.Debug("Idling")
	return c.hooks.OnIdle()
}

// ResumeEdge reports activity after an idle edge. Resumes are always
// forwarded, inhibited or not.
func (c *Coordinator) ResumeEdge() error {
	c.logger.Debug("Resuming", "holds", len(c.holds))
	return c.hooks.OnResume()
}

// Inhibit takes a new hold and returns its token. The first hold triggers
// OnFirstInhibit before Inhibit returns. The hold is in effect even when
// that hook fails; the token is returned together with the hook error so
// the caller can still release it.
func (c *Coordinator) Inhibit() (*Token, error) {
	if c.dispatching {
		return nil, ErrReentrantDispatch
	}

	c.nextID++
	id := c.nextID
	first := len(c.holds) == 0
	c.holds[id] = struct{}{}
	token := &Token{id: id, owner: weak.Make(c)}

	c.logger.Debug("Inhibiting", "token", id, "holds", len(c.holds))
	if !first {
		return token, nil
	}

	c.dispatching = true
	defer func() { c.dispatching = false }()
	if err := c.hooks.OnFirstInhibit(); err != nil {
		return token, fmt.Errorf("first inhibit: %w", err)
	}
	return token, nil
}

// release drops the hold identified by id.
func (c *Coordinator) release(id uint64) error {
	if c.dispatching {
		return ErrReentrantDispatch
	}
	if _, ok := c.holds[id]; !ok {
		return nil
	}
	delete(c.holds, id)

	c.logger.Debug("Uninhibiting", "token", id, "holds", len(c.holds))
	if len(c.holds) > 0 {
		return nil
	}

	c.dispatching = true
	defer func() { c.dispatching = false }()
	if err := c.hooks.OnLastUninhibit(); err != nil {
		return fmt.Errorf("last uninhibit: %w", err)
	}
	return nil
}

// Token is one held inhibition. It refers to its coordinator weakly, so an
// outstanding token never keeps a coordinator alive.
type Token struct {
	id       uint64
	owner    weak.Pointer[Coordinator]
	released bool
}

// ID returns the identity of the hold.
func (t *Token) ID() uint64 {
	return t.id
}

// Release gives the hold back. Only the first call has an effect; later
// calls, and calls after the coordinator is gone, return nil.
func (t *Token) Release() error {
	if t == nil || t.released {
		return nil
	}
	c := t.owner.Value()
	if c == nil {
		t.released = true
		return nil
	}
	err := c.release(t.id)
	if errors.Is(err, ErrReentrantDispatch) {
		return err
	}
	t.released = true
	return err
}

// Released reports whether Release already took effect.
func (t *Token) Released() bool {
	return t.released
}
