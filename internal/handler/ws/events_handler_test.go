package ws

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heartlink-backend/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.InitDefault()
	os.Exit(m.Run())
}

type fakePresence struct {
	mu      sync.Mutex
	online  []uuid.UUID
	offline []uuid.UUID
}

func (f *fakePresence) SetUserOnline(ctx context.Context, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = append(f.online, userID)
	return nil
}

func (f *fakePresence) SetUserOffline(ctx context.Context, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = append(f.offline, userID)
	return nil
}

func (f *fakePresence) RefreshPresence(ctx context.Context, userID uuid.UUID) error {
	return nil
}

func (f *fakePresence) offlineCalls() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uuid.UUID{}, f.offline...)
}

// newTestHub builds a hub without the run loop or a Redis connection so the
// delivery and teardown paths can be driven directly.
func newTestHub(presence Presence) *EventsHub {
	return &EventsHub{
		users:               make(map[uuid.UUID]map[*EventsClient]bool),
		subscriptionCancels: make(map[uuid.UUID]context.CancelFunc),
		presence:            presence,
		register:            make(chan *EventsClient),
		unregister:          make(chan *EventsClient),
		maxConnections:      10,
		semaphore:           make(chan struct{}, 10),
	}
}

// attachClient seeds the hub state the run loop would build on register. The
// send channel capacity controls whether the client accepts deliveries.
func attachClient(hub *EventsHub, userID uuid.UUID, sendBuffer int) (*EventsClient, context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &EventsClient{
		hub:    hub,
		send:   make(chan []byte, sendBuffer),
		userID: userID,
		ctx:    ctx,
		cancel: cancel,
	}

	hub.mu.Lock()
	if hub.users[userID] == nil {
		hub.users[userID] = make(map[*EventsClient]bool)
		_, subCancel := context.WithCancel(context.Background())
		hub.subscriptionCancels[userID] = subCancel
	}
	hub.users[userID][client] = true
	hub.connections++
	hub.mu.Unlock()

	return client, ctx
}

func TestDeliverToUser_SlowConsumerLastDeviceTearsDownUser(t *testing.T) {
	presence := &fakePresence{}
	hub := newTestHub(presence)

	userID := uuid.New()
	client, clientCtx := attachClient(hub, userID, 0)

	hub.deliverToUser(userID, []byte(`{"kind":"call.initiated"}`))

	hub.mu.RLock()
	_, userExists := hub.users[userID]
	_, subExists := hub.subscriptionCancels[userID]
	connections := hub.connections
	hub.mu.RUnlock()

	assert.False(t, userExists, "user entry should be removed with the last device")
	assert.False(t, subExists, "subscription cancel should be cleared")
	assert.Equal(t, 0, connections)

	select {
	case <-clientCtx.Done():
	default:
		t.Fatal("client context should be cancelled")
	}

	_, open := <-client.send
	assert.False(t, open, "send channel should be closed")

	require.Equal(t, []uuid.UUID{userID}, presence.offlineCalls())

	// The connection's read pump will still unregister later; that must be
	// a no-op, not a double teardown
	hub.mu.Lock()
	removed := hub.removeClientLocked(client)
	connections = hub.connections
	hub.mu.Unlock()

	assert.False(t, removed)
	assert.Equal(t, 0, connections)
	assert.Equal(t, []uuid.UUID{userID}, presence.offlineCalls())
}

func TestDeliverToUser_SlowConsumerKeepsRemainingDevices(t *testing.T) {
	presence := &fakePresence{}
	hub := newTestHub(presence)

	userID := uuid.New()
	slow, _ := attachClient(hub, userID, 0)
	fast, _ := attachClient(hub, userID, 1)

	payload := []byte(`{"kind":"call.accepted"}`)
	hub.deliverToUser(userID, payload)

	hub.mu.RLock()
	clients := hub.users[userID]
	_, slowKept := clients[slow]
	_, fastKept := clients[fast]
	_, subExists := hub.subscriptionCancels[userID]
	connections := hub.connections
	hub.mu.RUnlock()

	assert.False(t, slowKept, "slow consumer should be dropped")
	assert.True(t, fastKept, "healthy device should stay connected")
	assert.True(t, subExists, "subscription must survive while a device remains")
	assert.Equal(t, 1, connections)
	assert.Empty(t, presence.offlineCalls(), "user is still online on the other device")

	assert.Equal(t, payload, <-fast.send)
}

func TestDeliverToUser_NoClients(t *testing.T) {
	hub := newTestHub(&fakePresence{})

	// Should not panic or touch presence
	hub.deliverToUser(uuid.New(), []byte(`{}`))

	hub.mu.RLock()
	defer hub.mu.RUnlock()
	assert.Equal(t, 0, hub.connections)
}
