package common

import (
	"strings"
	"time"

	"github.com/BYTEDz/PCLink/utils/cmap"
)

// EventCallback receives the payload handed to CallEvent.
type EventCallback func(payload any)

type event struct {
	callback EventCallback
	finish   chan bool
	remove   chan bool
}

var events = cmap.New[*event]()

// CallEvent fires the callback registered under trigger and notifies
// the blocked waiter, if any.
func CallEvent(trigger string, payload any) bool {
	ev, ok := events.Get(trigger)
	if !ok {
		return false
	}
	ev.callback(payload)
	if ev.finish != nil {
		// The waiter may have timed out between Get and here.
		select {
		case ev.finish <- true:
		default:
			return false
		}
	}
	return true
}

// AddEventOnce registers a one-shot event and blocks until it is
// called, removed, or the timeout elapses. The trigger should be a
// uuid to keep every event unique. Returns true only when the event
// was called.
func AddEventOnce(fn EventCallback, trigger string, timeout time.Duration) bool {
	// Buffered so a late CallEvent/RemoveEvent never blocks or panics
	// against a waiter that already gave up.
	ev := &event{
		callback: fn,
		finish:   make(chan bool, 1),
		remove:   make(chan bool, 1),
	}
	events.Set(trigger, ev)
	select {
	case ok := <-ev.finish:
		events.Remove(trigger)
		return ok
	case ok := <-ev.remove:
		events.Remove(trigger)
		return ok
	case <-time.After(timeout):
		events.Remove(trigger)
		return false
	}
}

// CallEventPrefix fires every event whose trigger starts with prefix,
// returning how many were called. Triggers are collected first so the
// callbacks run outside the map iteration.
func CallEventPrefix(prefix string, payload any) int {
	var triggers []string
	events.IterCb(func(trigger string, ev *event) bool {
		if strings.HasPrefix(trigger, prefix) {
			triggers = append(triggers, trigger)
		}
		return true
	})
	called := 0
	for _, trigger := range triggers {
		if CallEvent(trigger, payload) {
			called++
		}
	}
	return called
}

// RemoveEvent deletes the event and wakes its waiter with ok, default
// false.
func RemoveEvent(trigger string, ok ...bool) {
	ev, found := events.Pop(trigger)
	if !found {
		return
	}
	if ev.remove != nil {
		result := len(ok) > 0 && ok[0]
		select {
		case ev.remove <- result:
		default:
		}
	}
}

// HasEvent reports whether a trigger is registered.
func HasEvent(trigger string) bool {
	return events.Has(trigger)
}
