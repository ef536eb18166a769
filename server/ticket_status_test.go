// Copyright 2025 The Arena Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"os"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func createTestTicketStatusRegistry(t fatalable) (*LocalTicketStatusRegistry, func()) {
	logger := NewJSONLogger(os.Stdout, zapcore.ErrorLevel, JSONFormat)
	cfg := NewConfig(logger)
	registry := NewLocalTicketStatusRegistry(logger, cfg)
	return registry, registry.Stop
}

// receiveEvent waits for one delivery on a watch channel. Returns nil when the
// channel closed instead.
func receiveEvent(t *testing.T, events <-chan *TicketEvent) *TicketEvent {
	select {
	case event := <-events:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ticket event")
	}
	return nil
}

func TestTicketStatusRegistryDeliverAndClose(t *testing.T) {
	registry, cleanup := createTestTicketStatusRegistry(t)
	defer cleanup()

	events, closeWatch := registry.Subscribe(1)
	defer closeWatch()

	userID := uuid.Must(uuid.NewV4())
	registry.Publish(&TicketEvent{TicketID: 1, UserID: userID, Status: TicketStatusMatched, MatchID: 42})

	event := receiveEvent(t, events)
	if event == nil {
		t.Fatal("watch closed before delivering the event")
	}
	assert.Equal(t, int64(1), event.TicketID)
	assert.Equal(t, userID, event.UserID)
	assert.Equal(t, TicketStatusMatched, event.Status)
	assert.Equal(t, int64(42), event.MatchID)

	// The watch closes once the terminal transition is delivered.
	if event := receiveEvent(t, events); event != nil {
		t.Fatalf("expected closed watch, got second event %v", event)
	}
}

func TestTicketStatusRegistryExactlyOnce(t *testing.T) {
	registry, cleanup := createTestTicketStatusRegistry(t)
	defer cleanup()

	events, closeWatch := registry.Subscribe(7)
	defer closeWatch()

	userID := uuid.Must(uuid.NewV4())
	// A transition raced by another writer publishes twice, watchers still
	// see a single delivery.
	registry.Publish(&TicketEvent{TicketID: 7, UserID: userID, Status: TicketStatusExpired, Reason: TicketReasonTimeout})
	registry.Publish(&TicketEvent{TicketID: 7, UserID: userID, Status: TicketStatusExpired, Reason: TicketReasonTimeout})

	event := receiveEvent(t, events)
	if event == nil {
		t.Fatal("watch closed before delivering the event")
	}
	assert.Equal(t, TicketStatusExpired, event.Status)
	assert.Equal(t, TicketReasonTimeout, event.Reason)

	if event := receiveEvent(t, events); event != nil {
		t.Fatalf("expected closed watch, got second event %v", event)
	}
}

func TestTicketStatusRegistryFanout(t *testing.T) {
	registry, cleanup := createTestTicketStatusRegistry(t)
	defer cleanup()

	eventsOne, closeOne := registry.Subscribe(3)
	defer closeOne()
	eventsTwo, closeTwo := registry.Subscribe(3)
	defer closeTwo()

	registry.Publish(&TicketEvent{TicketID: 3, UserID: uuid.Must(uuid.NewV4()), Status: TicketStatusCancelled})

	for _, events := range []<-chan *TicketEvent{eventsOne, eventsTwo} {
		event := receiveEvent(t, events)
		if event == nil {
			t.Fatal("watch closed before delivering the event")
		}
		assert.Equal(t, TicketStatusCancelled, event.Status)
	}
}

func TestTicketStatusRegistryUnsubscribe(t *testing.T) {
	registry, cleanup := createTestTicketStatusRegistry(t)
	defer cleanup()

	events, closeWatch := registry.Subscribe(5)
	closeWatch()
	// Close is idempotent.
	closeWatch()

	if event := receiveEvent(t, events); event != nil {
		t.Fatalf("expected closed watch, got event %v", event)
	}

	// Publishing after the last watcher left must not block or panic.
	registry.Publish(&TicketEvent{TicketID: 5, UserID: uuid.Must(uuid.NewV4()), Status: TicketStatusCancelled})
}

func TestTicketStatusRegistryIndependentTickets(t *testing.T) {
	registry, cleanup := createTestTicketStatusRegistry(t)
	defer cleanup()

	events, closeWatch := registry.Subscribe(10)
	defer closeWatch()

	// A transition on another ticket is not observable here.
	registry.Publish(&TicketEvent{TicketID: 11, UserID: uuid.Must(uuid.NewV4()), Status: TicketStatusExpired, Reason: TicketReasonTimeout})

	select {
	case event := <-events:
		t.Fatalf("unexpected delivery for foreign ticket: %v", event)
	case <-time.After(100 * time.Millisecond):
	}

	registry.Publish(&TicketEvent{TicketID: 10, UserID: uuid.Must(uuid.NewV4()), Status: TicketStatusMatched, MatchID: 9})
	event := receiveEvent(t, events)
	if event == nil {
		t.Fatal("watch closed before delivering the event")
	}
	assert.Equal(t, int64(9), event.MatchID)
}

func TestTicketStatusRegistryStopClosesWatches(t *testing.T) {
	registry, _ := createTestTicketStatusRegistry(t)

	events, closeWatch := registry.Subscribe(20)
	defer closeWatch()

	registry.Stop()

	if event := receiveEvent(t, events); event != nil {
		t.Fatalf("expected closed watch after stop, got event %v", event)
	}
}
