package session

import (
	"context"
	"errors"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/blesense/internal/gatt"
	"github.com/srg/blesense/internal/groutine"
)

// Registry tracks live sessions by device address. At most one session
// exists per address; a session removes itself once torn down.
type Registry struct {
	sessions  *hashmap.Map[string, *Session]
	transport gatt.Transport
	opts      *Options
	logger    *logrus.Logger
}

// NewRegistry creates a Registry that opens sessions over transport.
func NewRegistry(transport gatt.Transport, opts *Options, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		sessions:  hashmap.New[string, *Session](),
		transport: transport,
		opts:      opts,
		logger:    logger,
	}
}

// Open creates and starts a session for address. It fails with
// gatt.ErrAlreadyConnected when a session for address is still registered.
func (r *Registry) Open(ctx context.Context, address string, profile Profile, observer ConnectionObserver) (*Session, error) {
	s := New(address, profile, r.transport, observer, r.opts, r.logger)
	if _, loaded := r.sessions.GetOrInsert(address, s); loaded {
		return nil, gatt.ErrAlreadyConnected
	}

	groutine.Go(context.Background(), "registry-evict-"+address, func(context.Context) {
		<-s.Done()
		if cur, ok := r.sessions.Get(address); ok && cur == s {
			r.sessions.Del(address)
		}
	})

	if err := s.Start(ctx); err != nil {
		if !errors.Is(err, ErrClosed) {
			_ = s.Close()
		}
		return s, err
	}
	return s, nil
}

// Get returns the live session for address.
func (r *Registry) Get(address string) (*Session, bool) {
	return r.sessions.Get(address)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int { return r.sessions.Len() }

// Close closes the session for address, if any.
func (r *Registry) Close(address string) error {
	s, ok := r.sessions.Get(address)
	if !ok {
		return gatt.ErrNotConnected
	}
	return s.Close()
}

// CloseAll closes every live session.
func (r *Registry) CloseAll() {
	var all []*Session
	r.sessions.Range(func(_ string, s *Session) bool {
		all = append(all, s)
		return true
	})
	for _, s := range all {
		if err := s.Close(); err != nil {
			r.logger.WithError(err).WithField("address", s.Address()).Warn("Failed to close session")
		}
	}
}
