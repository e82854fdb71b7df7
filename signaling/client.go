// Package signaling implements the optional Signaling Client (spec
// §4.13): a rendezvous connection used only to exchange transport
// setup blobs (SDP offers/answers, ICE-like candidates) between peers
// that have no mesh link yet. The mesh core never routes application
// traffic through it.
package signaling

import (
	"context"
	"crypto/ecdh"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/silentmesh/core/crypto/keys"
	"github.com/silentmesh/core/identity"
	"github.com/silentmesh/core/internal/logger"
	"github.com/silentmesh/core/pkg/version"
)

// hpkeInfo binds the HPKE context to this protocol so a sealed blob
// from some other HPKE use can never be replayed here.
var hpkeInfo = []byte("silentmesh-signaling-v1")

const exportLen = 32 // exporter secret is discarded; sealing here is for confidentiality only, not session bootstrap

// wireEnvelope is the JSON frame exchanged with the rendezvous server.
// Exactly one of Sealed or Plaintext is set.
type wireEnvelope struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Sealed    []byte `json:"sealed,omitempty"`
	Plaintext []byte `json:"plaintext,omitempty"`
}

// BlobHandler is invoked for every signaling blob addressed to this
// node, once decrypted (or as-is, for a plaintext fallback).
type BlobHandler func(fromPeerID string, blob []byte)

// Client connects to a rendezvous service over WebSocket and exchanges
// HPKE-sealed signaling blobs with peers whose X25519 public key is
// known. Known-peer lookups (PeerKeys) are supplied by the caller —
// typically the Mesh Network Facade's gossip directory or a prior
// handshake — since this package has no view of the mesh itself.
type Client struct {
	url     string
	self    *identity.Identity
	timeout time.Duration
	logger  logger.Logger

	// PeerKeys resolves a peer ID to its raw 32-byte X25519 agreement
	// public key, when known. Typically backed by
	// (*mesh.Network).PeerAgreementKey.
	PeerKeys func(peerID string) (x25519Pub []byte, ok bool)

	mu      sync.Mutex
	conn    *websocket.Conn
	handler BlobHandler

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a signaling Client bound to a rendezvous URL and this
// node's identity (whose AgreementKey is used to open sealed blobs
// addressed to it).
func New(url string, self *identity.Identity, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		url:     url,
		self:    self,
		timeout: timeout,
		logger:  logger.GetDefaultLogger(),
		done:    make(chan struct{}),
	}
}

// OnBlob registers the callback invoked for every inbound blob.
func (c *Client) OnBlob(fn BlobHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = fn
}

// Connect dials the rendezvous service and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	headers := http.Header{"User-Agent": []string{version.UserAgent()}}
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, headers)
	if err != nil {
		return fmt.Errorf("signaling: dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop()
	return nil
}

// Close terminates the connection and read loop. Safe to call once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			err = conn.Close()
		}
	})
	return err
}

// Send delivers blob to destPeerID. The recipient's X25519 agreement
// key is resolved via PeerKeys; when none is known the blob is sent in
// the clear and a warning is logged, per §4.13's explicit
// plaintext-fallback allowance.
func (c *Client) Send(destPeerID string, blob []byte) error {
	env := wireEnvelope{From: c.self.PeerID, To: destPeerID}

	destX25519Pub, known := c.lookupPeerKey(destPeerID)
	if !known {
		c.logger.Warn("signaling: sending plaintext, no recipient key known",
			logger.String("dest", destPeerID))
		env.Plaintext = blob
	} else {
		peerPub, err := unmarshalX25519Pub(destX25519Pub)
		if err != nil {
			return fmt.Errorf("signaling: recipient key: %w", err)
		}
		sealed, _, err := keys.HPKESealAndExportToX25519Peer(peerPub, blob, hpkeInfo, nil, exportLen)
		if err != nil {
			return fmt.Errorf("signaling: seal: %w", err)
		}
		env.Sealed = sealed
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("signaling: not connected")
	}

	conn.SetWriteDeadline(time.Now().Add(c.timeout))
	return conn.WriteJSON(env)
}

func (c *Client) readLoop() {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		var env wireEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			select {
			case <-c.done:
				return
			default:
				c.logger.Warn("signaling: read error", logger.String("error", err.Error()))
				return
			}
		}
		if env.To != c.self.PeerID {
			continue
		}

		var blob []byte
		switch {
		case env.Sealed != nil:
			priv := c.self.AgreementKey.PrivateKey()
			plaintext, _, err := keys.HPKEOpenAndExportWithX25519Priv(priv, env.Sealed, hpkeInfo, nil, exportLen)
			if err != nil {
				c.logger.Warn("signaling: open failed", logger.String("from", env.From), logger.String("error", err.Error()))
				continue
			}
			blob = plaintext
		case env.Plaintext != nil:
			blob = env.Plaintext
		default:
			continue
		}

		c.mu.Lock()
		handler := c.handler
		c.mu.Unlock()
		if handler != nil {
			handler(env.From, blob)
		}
	}
}

func (c *Client) lookupPeerKey(peerID string) ([]byte, bool) {
	if c.PeerKeys == nil {
		return nil, false
	}
	return c.PeerKeys(peerID)
}

// unmarshalX25519Pub parses raw 32-byte X25519 public key material
// into the type the HPKE helpers expect.
func unmarshalX25519Pub(raw []byte) (*ecdh.PublicKey, error) {
	return ecdh.X25519().NewPublicKey(raw)
}
