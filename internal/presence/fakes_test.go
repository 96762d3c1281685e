package presence

import (
	"errors"
	"time"
)

// fakeRegistration records destruction and delivers edges on demand
type fakeRegistration struct {
	id        int
	timeout   time.Duration
	idled     func() error
	resumed   func() error
	destroyed int
	source    *fakeSource
}

func (r *fakeRegistration) Destroy() error {
	r.destroyed++
	r.source.log = append(r.source.log, "destroy")
	return r.source.destroyErr
}

// fakeSource is an in-memory IdleSource
type fakeSource struct {
	regs       []*fakeRegistration
	queue      []func() error
	ready      chan struct{}
	closed     int
	watchErr   error
	destroyErr error
	log        []string
}

func newFakeSource() *fakeSource {
	return &fakeSource{ready: make(chan struct{}, 1)}
}

func (s *fakeSource) Watch(timeout time.Duration, idled, resumed func() error) (Registration, error) {
	if s.watchErr != nil {
		return nil, s.watchErr
	}
	r := &fakeRegistration{id: len(s.regs) + 1, timeout: timeout, idled: idled, resumed: resumed, source: s}
	s.regs = append(s.regs, r)
	s.log = append(s.log, "watch")
	return r, nil
}

func (s *fakeSource) Ready() <-chan struct{} { return s.ready }

// enqueue queues an event for a registration, dropping it at dispatch time
// if the registration was destroyed meanwhile
func (s *fakeSource) enqueue(r *fakeRegistration, idle bool) {
	s.queue = append(s.queue, func() error {
		if r.destroyed > 0 {
			return nil
		}
		if idle {
			return r.idled()
		}
		return r.resumed()
	})
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *fakeSource) Dispatch() error {
	queue := s.queue
	s.queue = nil
	var errs []error
	for _, ev := range queue {
		if err := ev(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *fakeSource) Close() error {
	s.closed++
	s.log = append(s.log, "close")
	return nil
}

func (s *fakeSource) last() *fakeRegistration {
	if len(s.regs) == 0 {
		return nil
	}
	return s.regs[len(s.regs)-1]
}

// actionRecorder counts device actions
type actionRecorder struct {
	idle, resume int
	err          error
}

func (a *actionRecorder) idleAction() error   { a.idle++; return a.err }
func (a *actionRecorder) resumeAction() error { a.resume++; return a.err }
