package events

import (
	"encoding/json"
	"sync"

	"github.com/swissairdry/airdry-core/internal/infrastructure/mqtt"
)

// Handler is the callback signature for dispatched events.
//
// The payload is the decoded JSON value (map[string]any, []any, string,
// float64, bool or nil), or the raw payload as a string when the bytes are
// not valid JSON. Transport-native events (e.g. local-link notifications)
// may carry typed values instead.
//
// Returned errors are logged and do not affect other handlers.
type Handler func(topic string, payload any) error

// Logger is the minimal logging interface the registry needs.
// Compatible with logging.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// entry pairs a handler with its registration token.
type entry struct {
	token   int64
	handler Handler
}

// Registry routes events to callbacks registered under topic patterns.
//
// Patterns use MQTT wildcard syntax ("+" single segment, "#" remainder), and
// a single event may fan out to handlers under several matching patterns.
// Handlers registered under the same pattern are invoked in registration
// order. The registry is the shared routing fabric for both broker messages
// and local-link events, so every component sees one consistent callback
// model regardless of transport.
//
// Thread Safety:
//   - Registration, unregistration and dispatch are safe for concurrent use.
//   - Handlers run outside the registry lock; a handler may register or
//     unregister callbacks without deadlocking.
type Registry struct {
	mu        sync.RWMutex
	patterns  map[string][]entry
	nextToken int64

	logger Logger
}

// NewRegistry creates an empty callback registry.
//
// The logger is optional; pass nil to silence handler error reporting.
func NewRegistry(logger Logger) *Registry {
	return &Registry{
		patterns: make(map[string][]entry),
		logger:   logger,
	}
}

// Register adds a handler under the given topic pattern.
//
// The same pattern may hold any number of handlers; they are invoked in the
// order they were registered. The returned token identifies this
// registration for Unregister.
//
// The parameter is the plain func type rather than Handler so consumer
// packages can declare the registry as a local interface without
// importing this one.
func (r *Registry) Register(pattern string, h func(topic string, payload any) error) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextToken++
	token := r.nextToken
	r.patterns[pattern] = append(r.patterns[pattern], entry{token: token, handler: h})
	return token
}

// Unregister removes a previously registered handler.
//
// Returns true if the handler was found and removed. Removing an unknown
// pattern/token combination is a no-op.
func (r *Registry) Unregister(pattern string, token int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, ok := r.patterns[pattern]
	if !ok {
		return false
	}

	for i, e := range entries {
		if e.token == token {
			entries = append(entries[:i], entries[i+1:]...)
			if len(entries) == 0 {
				delete(r.patterns, pattern)
			} else {
				r.patterns[pattern] = entries
			}
			return true
		}
	}
	return false
}

// Dispatch decodes a raw payload and routes it to all handlers whose pattern
// matches the topic.
//
// The payload is decoded as JSON; if decoding fails the handlers receive the
// raw bytes as a string instead. Decode failure is not an error: devices
// publish plain-text payloads on some channels.
func (r *Registry) Dispatch(topic string, raw []byte) {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		payload = string(raw)
	}
	r.DispatchValue(topic, payload)
}

// DispatchValue routes an already-decoded payload to all handlers whose
// pattern matches the topic.
//
// Each handler runs isolated: a panic or error in one handler is logged and
// does not prevent the remaining handlers from running.
func (r *Registry) DispatchValue(topic string, payload any) {
	for _, h := range r.matching(topic) {
		r.invoke(h, topic, payload)
	}
}

// matching snapshots the handlers for a topic so dispatch can run without
// holding the lock.
func (r *Registry) matching(topic string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var handlers []Handler
	for pattern, entries := range r.patterns {
		if !mqtt.Matches(pattern, topic) {
			continue
		}
		for _, e := range entries {
			handlers = append(handlers, e.handler)
		}
	}
	return handlers
}

// invoke runs a single handler with panic recovery.
func (r *Registry) invoke(h Handler, topic string, payload any) {
	defer func() {
		if rec := recover(); rec != nil {
			if r.logger != nil {
				r.logger.Error("event handler panic recovered",
					"topic", topic,
					"panic", rec,
				)
			}
		}
	}()

	if err := h(topic, payload); err != nil {
		if r.logger != nil {
			r.logger.Warn("event handler returned error",
				"topic", topic,
				"error", err,
			)
		}
	}
}

// HandlerCount returns the number of handlers registered under a pattern.
func (r *Registry) HandlerCount(pattern string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.patterns[pattern])
}

// PatternCount returns the number of distinct patterns with handlers.
func (r *Registry) PatternCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.patterns)
}
