package signaling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/silentmesh/core/crypto/keys"
	cryptostorage "github.com/silentmesh/core/crypto/storage"
	"github.com/silentmesh/core/identity"
)

// relayServer is a minimal rendezvous stand-in: it accepts any number
// of WebSocket clients and fans every received frame out to every
// other connected client, exactly as an external signaling service
// would for frames it cannot interpret.
type relayServer struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newRelayServer() *relayServer {
	return &relayServer{upgrader: websocket.Upgrader{}}
}

func (r *relayServer) connCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *relayServer) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.conns = append(r.conns, conn)
	r.mu.Unlock()

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			r.mu.Lock()
			peers := append([]*websocket.Conn(nil), r.conns...)
			r.mu.Unlock()
			for _, other := range peers {
				if other == conn {
					continue
				}
				_ = other.WriteMessage(websocket.TextMessage, data)
			}
		}
	}()
}

func newTestIdentity(t *testing.T, name string) *identity.Identity {
	t.Helper()
	store := identity.NewStore(cryptostorage.NewMemoryKeyStorage())
	id, err := store.GetOrCreatePrimary(name)
	require.NoError(t, err)
	return id
}

func TestClient_SealedRoundTrip(t *testing.T) {
	relay := newRelayServer()
	srv := httptest.NewServer(relay)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	alice := newTestIdentity(t, "alice")
	bob := newTestIdentity(t, "bob")

	ca := New(wsURL, alice, time.Second)
	cb := New(wsURL, bob, time.Second)

	bobAgreement, ok := bob.AgreementKey.(*keys.X25519KeyPair)
	require.True(t, ok)
	ca.PeerKeys = func(peerID string) ([]byte, bool) {
		if peerID == bob.PeerID {
			return bobAgreement.PublicBytesKey(), true
		}
		return nil, false
	}

	ctx := context.Background()
	require.NoError(t, ca.Connect(ctx))
	defer ca.Close()
	require.NoError(t, cb.Connect(ctx))
	defer cb.Close()

	received := make(chan []byte, 1)
	cb.OnBlob(func(fromPeerID string, blob []byte) {
		received <- blob
	})

	require.Eventually(t, func() bool {
		return relay.connCount() == 2
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, ca.Send(bob.PeerID, []byte("sdp-offer")))

	select {
	case got := <-received:
		require.Equal(t, "sdp-offer", string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sealed blob")
	}
}

func TestClient_PlaintextFallbackWhenKeyUnknown(t *testing.T) {
	relay := newRelayServer()
	srv := httptest.NewServer(relay)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	alice := newTestIdentity(t, "alice")
	bob := newTestIdentity(t, "bob")

	ca := New(wsURL, alice, time.Second)
	cb := New(wsURL, bob, time.Second)

	ctx := context.Background()
	require.NoError(t, ca.Connect(ctx))
	defer ca.Close()
	require.NoError(t, cb.Connect(ctx))
	defer cb.Close()

	received := make(chan []byte, 1)
	cb.OnBlob(func(fromPeerID string, blob []byte) {
		received <- blob
	})

	require.Eventually(t, func() bool {
		return relay.connCount() == 2
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, ca.Send(bob.PeerID, []byte("ice-candidate")))

	select {
	case got := <-received:
		require.Equal(t, "ice-candidate", string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for plaintext blob")
	}
}
