package warehouse

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// EventSink receives lifecycle events after a transition commits. Sinks run
// on the engine's dispatch goroutine, never inside the transition's critical
// section, so a sink may call back into the engine without deadlocking.
type EventSink interface {
	OnPackageEvent(pkg Package, evt Event)
}

// Stats is the aggregate package census.
type Stats struct {
	Total    int            `json:"totalCount"`
	ByStatus map[Status]int `json:"countsByStatus"`
}

type emission struct {
	pkg Package
	evt Event
}

// Engine is the single authoritative package store. All mutation happens
// under one mutex so a transition's check-then-write is atomic with respect
// to concurrent callers on the same package id.
type Engine struct {
	mu       sync.Mutex
	packages map[string]*Package
	sinks    []EventSink
	closed   bool

	events    chan emission
	closeOnce sync.Once
	drained   chan struct{}
}

const eventQueueDepth = 256

func NewEngine() *Engine {
	e := &Engine{
		packages: make(map[string]*Package),
		events:   make(chan emission, eventQueueDepth),
		drained:  make(chan struct{}),
	}
	go e.dispatch()
	return e
}

// Subscribe registers a sink for all future lifecycle events.
func (e *Engine) Subscribe(sink EventSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, sink)
}

// Close stops the event dispatcher after the queue drains. Pending
// transitions still commit; their events are dropped once closed.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		close(e.events)
		e.mu.Unlock()
	})
	<-e.drained
}

func (e *Engine) dispatch() {
	defer close(e.drained)
	for em := range e.events {
		e.mu.Lock()
		sinks := append([]EventSink(nil), e.sinks...)
		e.mu.Unlock()
		for _, sink := range sinks {
			sink.OnPackageEvent(em.pkg, em.evt)
		}
	}
}

// emit queues one event in commit order. The send happens inside the
// transition's critical section, so sink delivery order matches the package
// history. A full queue drops the event: the protocol is best-effort,
// at-most-once.
func (e *Engine) emit(pkg Package, evt Event) {
	if e.closed {
		return
	}
	select {
	case e.events <- emission{pkg: pkg, evt: evt}:
	default:
		log.Warn().
			Str("package_id", pkg.PackageID).
			Str("event_type", evt.Type).
			Msg("warehouse.emit event queue full, dropping")
	}
}

// Receive registers a new package in status received with its seed event.
func (e *Engine) Receive(packageID, clientID, orderID string, items []string, address string) (Package, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.packages[packageID]; ok {
		return Package{}, fmt.Errorf("%w: %s", ErrDuplicatePackage, packageID)
	}

	now := time.Now()
	evt := Event{
		Type:        string(StatusReceived),
		Description: fmt.Sprintf("package %s received from client %s", packageID, clientID),
		Timestamp:   now,
	}
	pkg := &Package{
		PackageID: packageID,
		ClientID:  clientID,
		OrderID:   orderID,
		Items:     append([]string(nil), items...),
		Address:   address,
		Status:    StatusReceived,
		CreatedAt: now,
		UpdatedAt: now,
		Events:    []Event{evt},
	}
	e.packages[packageID] = pkg

	snap := pkg.snapshot()
	e.emit(snap, evt)
	return snap, nil
}

// Store moves a received package into storage at the given location.
func (e *Engine) Store(packageID, location string) (Package, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pkg, ok := e.packages[packageID]
	if !ok {
		return Package{}, fmt.Errorf("%w: %s", ErrPackageNotFound, packageID)
	}
	if pkg.Status != StatusReceived {
		return Package{}, &InvalidTransitionError{PackageID: packageID, Current: pkg.Status, Expected: StatusReceived}
	}

	now := time.Now()
	pkg.Status = StatusStored
	pkg.Location = location
	pkg.UpdatedAt = now
	evt := Event{
		Type:        string(StatusStored),
		Description: fmt.Sprintf("package %s stored at %s", packageID, location),
		Timestamp:   now,
		Location:    location,
	}
	pkg.Events = append(pkg.Events, evt)

	snap := pkg.snapshot()
	e.emit(snap, evt)
	return snap, nil
}

// Pick pulls a stored package for loading. The package must currently be
// stored.
func (e *Engine) Pick(packageID string) (Package, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pkg, ok := e.packages[packageID]
	if !ok {
		return Package{}, fmt.Errorf("%w: %s", ErrPackageNotFound, packageID)
	}
	if pkg.Status != StatusStored {
		return Package{}, &InvalidTransitionError{PackageID: packageID, Current: pkg.Status, Expected: StatusStored}
	}

	now := time.Now()
	pkg.Status = StatusPicked
	pkg.UpdatedAt = now
	evt := Event{
		Type:        string(StatusPicked),
		Description: fmt.Sprintf("package %s picked from %s", packageID, pkg.Location),
		Timestamp:   now,
		Location:    pkg.Location,
	}
	pkg.Events = append(pkg.Events, evt)

	snap := pkg.snapshot()
	e.emit(snap, evt)
	return snap, nil
}

// Load assigns the package to a vehicle and marks it loaded. Load has no
// picked precondition; any known package may be loaded directly.
func (e *Engine) Load(packageID, vehicleID string) (Package, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pkg, ok := e.packages[packageID]
	if !ok {
		return Package{}, fmt.Errorf("%w: %s", ErrPackageNotFound, packageID)
	}

	now := time.Now()
	pkg.Status = StatusLoaded
	pkg.AssignedVehicle = vehicleID
	pkg.UpdatedAt = now
	evt := Event{
		Type:        "loaded-onto-vehicle",
		Description: fmt.Sprintf("package %s loaded onto vehicle %s", packageID, vehicleID),
		Timestamp:   now,
		Location:    pkg.Location,
	}
	pkg.Events = append(pkg.Events, evt)

	snap := pkg.snapshot()
	e.emit(snap, evt)
	return snap, nil
}

// Track returns a read-only snapshot with the full event history.
func (e *Engine) Track(packageID string) (Package, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pkg, ok := e.packages[packageID]
	if !ok {
		return Package{}, fmt.Errorf("%w: %s", ErrPackageNotFound, packageID)
	}
	return pkg.snapshot(), nil
}

// List returns snapshots of all packages, optionally filtered by status.
// An empty filter matches everything.
func (e *Engine) List(filter Status) []Package {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Package, 0, len(e.packages))
	for _, pkg := range e.packages {
		if filter != "" && pkg.Status != filter {
			continue
		}
		out = append(out, pkg.snapshot())
	}
	return out
}

// Statistics scans all packages for the aggregate census.
func (e *Engine) Statistics() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := Stats{
		Total:    len(e.packages),
		ByStatus: make(map[Status]int),
	}
	for _, pkg := range e.packages {
		stats.ByStatus[pkg.Status]++
	}
	return stats
}
