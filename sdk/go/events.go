package featureflow

import "sync"

// Event names emitted by the client. Listeners registered with On
// receive the payload documented next to each name.
const (
	// EventReady fires once, after the first successful config fetch.
	// Payload: *ConfigUpdate.
	EventReady = "ready"
	// EventError fires on initialization failures. Payload: error.
	EventError = "error"
	// EventConfigUpdated fires when a poll replaces the local snapshot.
	// Payload: *ConfigUpdate.
	EventConfigUpdated = "configUpdated"
	// EventEvaluation fires after every evaluation. Payload: *Result.
	EventEvaluation = "evaluation"
	// EventEvaluationError fires when an evaluation fell back to the
	// caller's default. Payload: *EvaluationError.
	EventEvaluationError = "evaluationError"
	// EventPollError fires when a background poll fails. Payload: error.
	EventPollError = "pollError"
	// EventAnalyticsFlush fires when the analytics buffer is flushed.
	// Payload: []AnalyticsRecord.
	EventAnalyticsFlush = "analyticsFlush"
)

// ConfigUpdate describes a snapshot replacement.
type ConfigUpdate struct {
	Environment string `json:"environment"`
	ETag        string `json:"etag"`
	FlagCount   int    `json:"flag_count"`
}

// EvaluationError describes an evaluation that fell back to the
// caller-supplied default. Context carries redacted attribute tokens,
// never raw values.
type EvaluationError struct {
	FlagKey string            `json:"flag_key"`
	Cause   string            `json:"cause"`
	Default any               `json:"default"`
	Context map[string]string `json:"context,omitempty"`
}

// Listener receives event payloads. Listeners run synchronously on the
// emitting goroutine and must not block.
type Listener func(payload any)

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]Listener
}

func newEmitter() *emitter {
	return &emitter{listeners: make(map[string][]Listener)}
}

func (e *emitter) on(event string, fn Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], fn)
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	fns := e.listeners[event]
	e.mu.RUnlock()
	for _, fn := range fns {
		fn(payload)
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]Listener)
}
