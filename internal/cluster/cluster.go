// Package cluster carries best-effort notifications between the nodes that
// host the same sites.
package cluster

import (
	"context"
	"encoding/json"
	"sync"
)

// Event announces that a session of a site has ended on some node.
type Event struct {
	Site      string `json:"targetSiteName"`
	SessionID string `json:"sessionId"`
	Origin    string `json:"origin,omitempty"`
}

func (e Event) Encode() ([]byte, error) { return json.Marshal(e) }

func Decode(b []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(b, &e)
	return e, err
}

// Publisher delivers events to the other nodes. Publish never blocks on the
// transport and never reports failure to the caller.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Bus is a Publisher that can also receive the events of other nodes.
type Bus interface {
	Publisher
	// Subscribe calls fn for every event published by another node until
	// ctx is done.
	Subscribe(ctx context.Context, fn func(Event)) error
	Close()
}

// Nop drops every event; it is used when no cluster transport is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

func (Nop) Subscribe(ctx context.Context, _ func(Event)) error {
	<-ctx.Done()
	return nil
}

func (Nop) Close() {}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
