// Package httpclient delivers protocol messages to peer nodes over their
// web surface: plaintext payloads to /msg, HPKE-sealed and signed payloads
// to /msg_encrypted.
package httpclient

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/pkg/errors"

	"github.com/kisdex/mpc-node/protocol"
	"github.com/kisdex/mpc-node/tss"
)

// EnvelopeInfo is the HPKE context string binding sealed envelopes to this
// protocol.
const EnvelopeInfo = "mpc-node message envelope"

// EncryptedMessage is the body of POST /msg_encrypted: a sealed MpcMessage
// plus the sender's signature over the ciphertext.
type EncryptedMessage struct {
	From       tss.Participant `json:"from"`
	Ciphertext []byte          `json:"ciphertext"`
	Signature  []byte          `json:"signature"`
}

// SendError wraps a transport failure so callers can treat it as transient.
type SendError struct {
	URL string
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("failed to send a message to %s: %v", e.URL, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Client sends protocol messages to peers.
type Client struct {
	http   *http.Client
	signSK ed25519.PrivateKey
}

// NewClient constructs a client that signs encrypted envelopes with signSK.
func NewClient(httpClient *http.Client, signSK ed25519.PrivateKey) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{http: httpClient, signSK: signSK}
}

// Message posts a plaintext protocol message to the peer.
func (c *Client) Message(ctx context.Context, info *protocol.ParticipantInfo, msg *protocol.MpcMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encoding message")
	}
	return c.post(ctx, info.URL, "msg", body)
}

// MessageEncrypted seals the message to the peer's cipher key, signs the
// ciphertext and posts the envelope.
func (c *Client) MessageEncrypted(ctx context.Context, from tss.Participant, info *protocol.ParticipantInfo, msg *protocol.MpcMessage) error {
	plaintext, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encoding message")
	}
	ciphertext, err := info.CipherPK.Seal(plaintext, []byte(EnvelopeInfo))
	if err != nil {
		return errors.Wrap(err, "sealing message")
	}
	envelope := &EncryptedMessage{
		From:       from,
		Ciphertext: ciphertext,
		Signature:  ed25519.Sign(c.signSK, ciphertext),
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return errors.Wrap(err, "encoding envelope")
	}
	return c.post(ctx, info.URL, "msg_encrypted", body)
}

func (c *Client) post(ctx context.Context, base, endpoint string, body []byte) error {
	target, err := url.JoinPath(base, endpoint)
	if err != nil {
		return &SendError{URL: base, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return &SendError{URL: target, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return &SendError{URL: target, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &SendError{URL: target, Err: errors.Errorf("unexpected status %d: %s", resp.StatusCode, detail)}
	}
	return nil
}
