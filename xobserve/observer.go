package xobserve

import (
	"context"
	"errors"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"

	"github.com/sysrepo-go/subcore/xlog"
)

// ErrNilObserver is returned by RegisterObserver when passed a nil Observer.
var ErrNilObserver = errors.New("xobserve: observer cannot be nil")

// Observer receives CloudEvents emitted by subcore components (subscription
// creation/removal, commit wave transitions, notif termination). Handlers should
// return quickly; slow observers never block the commit/liveness hot path
// because NotifyObservers fans out asynchronously.
type Observer interface {
	OnEvent(ctx context.Context, event cloudevents.Event) error
	ObserverID() string
}

// Subject is implemented by anything that can be observed; subcore's
// Connection implements it so embedding applications can audit the
// dispatch subsystem without coupling to its internals.
type Subject interface {
	RegisterObserver(observer Observer, eventTypes ...string) error
	UnregisterObserver(observer Observer) error
	NotifyObservers(ctx context.Context, event cloudevents.Event) error
	GetObservers() []ObserverInfo
}

// ObserverInfo describes a registered observer for debugging/monitoring.
type ObserverInfo struct {
	ID           string    `json:"id"`
	EventTypes   []string  `json:"eventTypes"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Event type constants for CloudEvents emitted by subcore, following the
// reverse-domain-notation convention.
const (
	EventTypeSubscriptionCreated = "io.subcore.subscription.created"
	EventTypeSubscriptionRemoved = "io.subcore.subscription.removed"
	EventTypeCommitWaveStarted   = "io.subcore.commit.wave.started"
	EventTypeCommitWaveDone      = "io.subcore.commit.wave.done"
	EventTypeCommitAborted       = "io.subcore.commit.aborted"
	EventTypeCommitTimedOut      = "io.subcore.commit.timedout"
	EventTypeNotifTerminated     = "io.subcore.notif.terminated"
	EventTypeLivenessRecovered   = "io.subcore.liveness.recovered"
	EventTypeSHMGrown            = "io.subcore.shm.grown"
)

// NewCloudEvent builds a minimal CloudEvents v1.0 event with a JSON-encoded
// data payload, matching the shape the teacher's modules emit through
// modular.NewCloudEvent.
func NewCloudEvent(eventType, source string, data map[string]interface{}, extensions map[string]string) cloudevents.Event {
	event := cloudevents.NewEvent()
	event.SetID(uuid.NewString())
	event.SetType(eventType)
	event.SetSource(source)
	event.SetTime(time.Now())
	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}
	for k, v := range extensions {
		event.SetExtension(k, v)
	}
	return event
}

// observerRegistration mirrors the subscriber side of a Subject.
type observerRegistration struct {
	observer     Observer
	eventTypes   map[string]struct{}
	registeredAt time.Time
}

// ObserverHub is a ready-to-embed Subject implementation.
type ObserverHub struct {
	mu        sync.RWMutex
	observers map[string]*observerRegistration
	logger    xlog.Logger
}

// NewObserverHub creates an empty hub. A nil logger is replaced with NopLogger.
func NewObserverHub(logger xlog.Logger) *ObserverHub {
	if logger == nil {
		logger = xlog.NopLogger{}
	}
	return &ObserverHub{observers: make(map[string]*observerRegistration), logger: logger}
}

func (h *ObserverHub) RegisterObserver(observer Observer, eventTypes ...string) error {
	if observer == nil {
		return ErrNilObserver
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	reg := &observerRegistration{observer: observer, registeredAt: time.Now()}
	if len(eventTypes) > 0 {
		reg.eventTypes = make(map[string]struct{}, len(eventTypes))
		for _, t := range eventTypes {
			reg.eventTypes[t] = struct{}{}
		}
	}
	h.observers[observer.ObserverID()] = reg
	return nil
}

func (h *ObserverHub) UnregisterObserver(observer Observer) error {
	if observer == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.observers, observer.ObserverID())
	return nil
}

// NotifyObservers fans the event out to every interested observer in its own
// goroutine so a slow or misbehaving observer cannot stall the caller.
func (h *ObserverHub) NotifyObservers(ctx context.Context, event cloudevents.Event) error {
	h.mu.RLock()
	targets := make([]*observerRegistration, 0, len(h.observers))
	for _, reg := range h.observers {
		if reg.eventTypes == nil {
			targets = append(targets, reg)
			continue
		}
		if _, ok := reg.eventTypes[event.Type()]; ok {
			targets = append(targets, reg)
		}
	}
	h.mu.RUnlock()

	for _, reg := range targets {
		reg := reg
		go func() {
			if err := reg.observer.OnEvent(ctx, event); err != nil {
				h.logger.Debug("observer failed", "observer", reg.observer.ObserverID(), "event_type", event.Type(), "error", err)
			}
		}()
	}
	return nil
}

func (h *ObserverHub) GetObservers() []ObserverInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	infos := make([]ObserverInfo, 0, len(h.observers))
	for id, reg := range h.observers {
		types := make([]string, 0, len(reg.eventTypes))
		for t := range reg.eventTypes {
			types = append(types, t)
		}
		infos = append(infos, ObserverInfo{ID: id, EventTypes: types, RegisteredAt: reg.registeredAt})
	}
	return infos
}
