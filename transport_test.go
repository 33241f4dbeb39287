package statewire

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	gojwt "github.com/golang-jwt/jwt/v5"
)

func wsUrl(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWsLoopback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listener := NewWsListenerWithDefaults(ctx)
	defer listener.Close()
	server := httptest.NewServer(listener)
	defer server.Close()

	store := NewMemoryStore(State{"count": float64(1)})
	primary := NewPrimary(store, ActionTable{
		"increment": incrementAction,
	}, listener)
	defer primary.Close()

	connector := NewWsConnectorWithDefaults(ctx, wsUrl(server))
	future, err := NewReplica(NewMemoryStore(nil), connector)
	assert.Equal(t, err, nil)

	awaitCtx, awaitCancel := awaitTimeout()
	defer awaitCancel()
	replica, err := future.Await(awaitCtx)
	assert.Equal(t, err, nil)
	assert.Equal(t, replica.GetState(), State{"count": float64(1)})
	defer replica.Close()

	update := make(chan State, 16)
	unsubscribe := replica.Subscribe(func(state State) {
		update <- state
	})
	defer unsubscribe()

	replica.Dispatch("increment")

	for {
		select {
		case state := <-update:
			if count, _ := state["count"].(float64); count == 2 {
				assert.Equal(t, primary.GetState(), State{"count": float64(2)})
				return
			}
		case <-time.After(5 * time.Second):
			t.Fatal("No broadcast.")
		}
	}
}

func TestWsChannelName(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listener := NewWsListenerWithDefaults(ctx)
	defer listener.Close()
	server := httptest.NewServer(listener)
	defer server.Close()

	store := NewMemoryStore(State{"count": float64(1)})
	primary := NewPrimary(store, ActionTable{}, listener)
	defer primary.Close()

	// name in the channel header
	conn, err := WsDial(ctx, wsUrl(server), ChannelName, DefaultWsSettings())
	assert.Equal(t, err, nil)
	waitForConnectionCount(t, primary, 1)

	// name in the query falls through when the header is empty
	queryConn, err := WsDial(ctx, wsUrl(server)+"/?channel="+ChannelName, "", DefaultWsSettings())
	assert.Equal(t, err, nil)
	waitForConnectionCount(t, primary, 2)

	// unrelated channel traffic is accepted by the transport, ignored by the protocol
	otherConn, err := WsDial(ctx, wsUrl(server), "other", DefaultWsSettings())
	assert.Equal(t, err, nil)
	select {
	case <-time.After(200 * time.Millisecond):
	}
	assert.Equal(t, primary.ConnectionCount(), 2)

	otherConn.Close()
	queryConn.Close()
	conn.Close()
	waitForConnectionCount(t, primary, 0)
}

func TestWsDisconnectCleanup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listener := NewWsListenerWithDefaults(ctx)
	defer listener.Close()
	server := httptest.NewServer(listener)
	defer server.Close()

	store := NewMemoryStore(State{"count": float64(1)})
	primary := NewPrimary(store, ActionTable{}, listener)
	defer primary.Close()

	connector := NewWsConnectorWithDefaults(ctx, wsUrl(server))
	future, err := NewReplica(NewMemoryStore(nil), connector)
	assert.Equal(t, err, nil)

	awaitCtx, awaitCancel := awaitTimeout()
	defer awaitCancel()
	replica, err := future.Await(awaitCtx)
	assert.Equal(t, err, nil)
	waitForConnectionCount(t, primary, 1)

	replica.Close()
	waitForConnectionCount(t, primary, 0)

	// broadcasts after the disconnect do not reach the closed replica
	store.SetState(State{"count": float64(2)}, false)
	select {
	case <-time.After(200 * time.Millisecond):
	}
	assert.Equal(t, replica.GetState(), State{"count": float64(1)})
}

func TestWsAuthGate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listenerSettings := DefaultWsSettings()
	listenerSettings.AuthVerify = func(byJwt string) error {
		parsedByJwt, err := ParseByJwtUnverified(byJwt)
		if err != nil {
			return err
		}
		if (parsedByJwt.ClientId == Id{}) {
			return errors.New("Missing client_id.")
		}
		return nil
	}
	listener := NewWsListener(ctx, listenerSettings)
	defer listener.Close()
	server := httptest.NewServer(listener)
	defer server.Close()

	// no token, no upgrade
	_, err := WsDial(ctx, wsUrl(server), ChannelName, DefaultWsSettings())
	assert.NotEqual(t, err, nil)

	// token with a client id passes
	clientId := NewId()
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"client_id": clientId.String(),
		"user_id":   NewId().String(),
	})
	byJwt, err := token.SignedString([]byte("test"))
	assert.Equal(t, err, nil)

	dialSettings := DefaultWsSettings()
	dialSettings.ByJwt = byJwt
	conn, err := WsDial(ctx, wsUrl(server), ChannelName, dialSettings)
	assert.Equal(t, err, nil)
	conn.Close()
}

func TestWsConcurrentDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listener := NewWsListenerWithDefaults(ctx)
	defer listener.Close()
	server := httptest.NewServer(listener)
	defer server.Close()

	store := NewMemoryStore(State{"count": float64(0)})
	primary := NewPrimary(store, ActionTable{
		"increment": incrementAction,
	}, listener)
	defer primary.Close()

	connector := NewWsConnectorWithDefaults(ctx, wsUrl(server))

	replicas := []*ReplicaStore{}
	mutex := sync.Mutex{}
	seen := [][]float64{}
	for r := 0; r < 2; r += 1 {
		future, err := NewReplica(NewMemoryStore(nil), connector)
		assert.Equal(t, err, nil)
		awaitCtx, awaitCancel := awaitTimeout()
		replica, err := future.Await(awaitCtx)
		awaitCancel()
		assert.Equal(t, err, nil)
		defer replica.Close()

		index := r
		seen = append(seen, []float64{})
		unsubscribe := replica.Subscribe(func(state State) {
			count, _ := state["count"].(float64)
			mutex.Lock()
			seen[index] = append(seen[index], count)
			mutex.Unlock()
		})
		defer unsubscribe()
		replicas = append(replicas, replica)
	}

	// each connection delivers dispatches on its own goroutines.
	// Every increment must be applied exactly once.
	n := 100
	wg := sync.WaitGroup{}
	for _, replica := range replicas {
		wg.Add(1)
		go func(replica *ReplicaStore) {
			defer wg.Done()
			for i := 0; i < n; i += 1 {
				replica.Dispatch("increment")
			}
		}(replica)
	}
	wg.Wait()

	waitForCount(t, primary, float64(2*n))
	for _, replica := range replicas {
		waitForCount(t, replica, float64(2*n))
	}

	// pushes reach each replica in mutation order
	mutex.Lock()
	defer mutex.Unlock()
	for _, counts := range seen {
		for i := 1; i < len(counts); i += 1 {
			assert.Equal(t, counts[i-1] < counts[i], true)
		}
	}
}

func waitForCount(t *testing.T, store Store, count float64) {
	endTime := time.Now().Add(5 * time.Second)
	for {
		current, _ := store.GetState()["count"].(float64)
		if current == count {
			return
		}
		if endTime.Before(time.Now()) {
			t.Fatalf("Count %f != %f.", current, count)
		}
		select {
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func waitForConnectionCount(t *testing.T, primary *PrimaryStore, count int) {
	endTime := time.Now().Add(5 * time.Second)
	for {
		if primary.ConnectionCount() == count {
			return
		}
		if endTime.Before(time.Now()) {
			t.Fatalf("Connection count %d != %d.", primary.ConnectionCount(), count)
		}
		select {
		case <-time.After(10 * time.Millisecond):
		}
	}
}
