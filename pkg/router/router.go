/*
Package router owns the ConfigState of every listener and serializes all access
to it. Commands, bootstraps and reloads are executed one at a time by a single
event loop goroutine, in arrival order; results are forwarded to the attached
data-plane sinks.
*/
package router

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/vsk8s/proxystate/pkg/command"
	"github.com/vsk8s/proxystate/pkg/state"
)

var (
	// ErrUnknownListener is returned for operations on a listener that was never added
	ErrUnknownListener = errors.New("unknown listener")
	// ErrListenerExists is returned when adding a listener twice
	ErrListenerExists = errors.New("listener already exists")
	// ErrStopped is returned once the event loop has exited
	ErrStopped = errors.New("router stopped")
)

// Sink is a data-plane worker kept in sync with the router
type Sink interface {
	// Reset discards whatever the worker holds for listener, starts over from
	// empty and replays cmds on it
	Reset(listener string, empty state.ConfigState, cmds []command.Command) error
	// Send forwards incremental commands
	Send(listener string, cmds []command.Command) error
	// Drop tears the listener down
	Drop(listener string) error
}

// Option configures a Router
type Option func(*Router)

// WithRegisterer registers the router metrics with reg instead of a private registry
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(r *Router) {
		r.registerer = reg
	}
}

// WithSink attaches a sink from the start
func WithSink(sink Sink) Option {
	return func(r *Router) {
		r.sinks = append(r.sinks, sink)
	}
}

type request struct {
	fn   func()
	done chan struct{}
}

// Router maps listener names to their state
type Router struct {
	// Listener state, only touched from the event loop
	listeners map[string]state.ConfigState
	// Attached data-plane workers, only touched from the event loop
	sinks []Sink
	// Work queue of the event loop
	requests chan request
	// Closed to stop the event loop
	stopChannel chan struct{}
	stopOnce    sync.Once
	// Closed once the event loop has exited
	doneChannel chan struct{}
	registerer  prometheus.Registerer
	metrics     *metrics
}

// New creates a router. Call Start before using it.
func New(opts ...Option) *Router {
	r := &Router{
		listeners:   map[string]state.ConfigState{},
		requests:    make(chan request),
		stopChannel: make(chan struct{}),
		doneChannel: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.registerer == nil {
		r.registerer = prometheus.NewRegistry()
	}
	r.metrics = newMetrics(r.registerer)
	return r
}

// Start the event loop
func (r *Router) Start() {
	go r.eventLoop()
}

// Stop the event loop and wait for it to exit. Safe to call more than once.
func (r *Router) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopChannel)
	})
	<-r.doneChannel
}

func (r *Router) eventLoop() {
	defer close(r.doneChannel)
	log.Debug("Router event loop started")
	for {
		select {
		case req := <-r.requests:
			req.fn()
			close(req.done)
		case <-r.stopChannel:
			log.Debug("Router event loop stopped")
			return
		}
	}
}

// do runs fn on the event loop. Once fn has been accepted it always runs to
// completion, so do waits for it regardless of ctx.
func (r *Router) do(ctx context.Context, fn func()) error {
	req := request{fn: fn, done: make(chan struct{})}
	select {
	case r.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.doneChannel:
		return ErrStopped
	}
	<-req.done
	return nil
}

// AddListener starts managing a listener with a copy of initial as its state
func (r *Router) AddListener(ctx context.Context, name string, initial state.ConfigState) error {
	if initial == nil {
		return errors.Errorf("listener %q: no state given", name)
	}
	var result error
	err := r.do(ctx, func() {
		if _, ok := r.listeners[name]; ok {
			result = errors.Wrapf(ErrListenerExists, "%q", name)
			return
		}
		s := initial.Clone()
		r.listeners[name] = s
		r.metrics.listeners.Set(float64(len(r.listeners)))
		log.WithFields(log.Fields{
			"listener": name,
			"kind":     s.Kind(),
		}).Info("Added listener")
		r.reset(name, s)
	})
	if err != nil {
		return err
	}
	return result
}

// RemoveListener stops managing a listener and tears it down on every sink
func (r *Router) RemoveListener(ctx context.Context, name string) error {
	var result error
	err := r.do(ctx, func() {
		if _, ok := r.listeners[name]; !ok {
			result = errors.Wrapf(ErrUnknownListener, "%q", name)
			return
		}
		delete(r.listeners, name)
		r.metrics.listeners.Set(float64(len(r.listeners)))
		log.WithField("listener", name).Info("Removed listener")
		for _, sink := range r.sinks {
			if err := sink.Drop(name); err != nil {
				r.sinkFailed(name, err)
			}
		}
	})
	if err != nil {
		return err
	}
	return result
}

// Apply one command to a listener and forward it to the sinks. A command the
// state rejects is not forwarded.
func (r *Router) Apply(ctx context.Context, name string, cmd command.Command) error {
	var result error
	err := r.do(ctx, func() {
		s, ok := r.listeners[name]
		if !ok {
			result = errors.Wrapf(ErrUnknownListener, "%q", name)
			return
		}
		if err := s.Apply(cmd); err != nil {
			r.metrics.applyErrors.WithLabelValues(name).Inc()
			result = errors.Wrapf(err, "listener %q", name)
			return
		}
		r.metrics.commands.WithLabelValues(name, string(cmd.Type())).Inc()
		r.send(name, []command.Command{cmd})
	})
	if err != nil {
		return err
	}
	return result
}

// Bootstrap exports the commands rebuilding a listener from scratch
func (r *Router) Bootstrap(ctx context.Context, name string) ([]command.Command, error) {
	var cmds []command.Command
	var result error
	err := r.do(ctx, func() {
		s, ok := r.listeners[name]
		if !ok {
			result = errors.Wrapf(ErrUnknownListener, "%q", name)
			return
		}
		cmds = s.GenerateCommands()
	})
	if err != nil {
		return nil, err
	}
	return cmds, result
}

// Reload moves a listener to the desired state. When kind and address are
// unchanged only the diff is applied, and the commands the state accepted are
// forwarded and returned. Otherwise the listener is recreated from desired and
// its bootstrap is returned.
func (r *Router) Reload(ctx context.Context, name string, desired state.ConfigState) ([]command.Command, error) {
	if desired == nil {
		return nil, errors.Errorf("listener %q: no state given", name)
	}
	var cmds []command.Command
	var result error
	err := r.do(ctx, func() {
		s, ok := r.listeners[name]
		if !ok {
			result = errors.Wrapf(ErrUnknownListener, "%q", name)
			return
		}
		logger := log.WithField("listener", name)

		if !sameListener(s, desired) {
			logger.WithField("kind", desired.Kind()).Info("Listener changed kind or address, recreating")
			fresh := desired.Clone()
			r.listeners[name] = fresh
			cmds = fresh.GenerateCommands()
			r.metrics.reloadCommands.WithLabelValues(name).Add(float64(len(cmds)))
			r.reset(name, fresh)
			return
		}

		diff := s.Diff(desired)
		if len(diff) == 0 {
			logger.Debug("Reload without changes")
			return
		}
		for _, cmd := range diff {
			if err := s.Apply(cmd); err != nil {
				r.metrics.applyErrors.WithLabelValues(name).Inc()
				logger.WithError(err).Error("Reload command rejected")
				continue
			}
			r.metrics.commands.WithLabelValues(name, string(cmd.Type())).Inc()
			cmds = append(cmds, cmd)
		}
		if len(cmds) == 0 {
			return
		}
		r.metrics.reloadCommands.WithLabelValues(name).Add(float64(len(cmds)))
		logger.WithField("commands", len(cmds)).Info("Reloaded listener")
		r.send(name, cmds)
	})
	if err != nil {
		return nil, err
	}
	return cmds, result
}

// Snapshot returns deep copies of every listener's state
func (r *Router) Snapshot(ctx context.Context) (map[string]state.ConfigState, error) {
	out := map[string]state.ConfigState{}
	err := r.do(ctx, func() {
		for name, s := range r.listeners {
			out[name] = s.Clone()
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Listeners returns the managed listener names in order
func (r *Router) Listeners(ctx context.Context) ([]string, error) {
	var names []string
	err := r.do(ctx, func() {
		for name := range r.listeners {
			names = append(names, name)
		}
	})
	sort.Strings(names)
	return names, err
}

// AttachSink adds a data-plane worker and bootstraps every listener on it
func (r *Router) AttachSink(ctx context.Context, sink Sink) error {
	return r.do(ctx, func() {
		r.sinks = append(r.sinks, sink)
		for name, s := range r.listeners {
			if err := sink.Reset(name, state.EmptyLike(s), s.GenerateCommands()); err != nil {
				r.sinkFailed(name, err)
			}
		}
	})
}

func (r *Router) reset(name string, s state.ConfigState) {
	cmds := s.GenerateCommands()
	for _, sink := range r.sinks {
		if err := sink.Reset(name, state.EmptyLike(s), cmds); err != nil {
			r.sinkFailed(name, err)
		}
	}
}

func (r *Router) send(name string, cmds []command.Command) {
	for _, sink := range r.sinks {
		if err := sink.Send(name, cmds); err != nil {
			r.sinkFailed(name, err)
		}
	}
}

func (r *Router) sinkFailed(name string, err error) {
	r.metrics.sinkErrors.WithLabelValues(name).Inc()
	log.WithField("listener", name).WithError(err).Error("Couldn't update sink")
}

// sameListener reports whether b can be reached from a through a diff
func sameListener(a, b state.ConfigState) bool {
	if a.Kind() != b.Kind() {
		return false
	}
	ipA, portA := state.ListenerAddress(a)
	ipB, portB := state.ListenerAddress(b)
	return ipA == ipB && portA == portB
}
