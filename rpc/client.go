// Package rpc talks to the coordination contract: a read-only state fetch
// each tick, and idempotent votes for epoch transitions.
package rpc

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

	"github.com/kisdex/mpc-node/crypto"
	"github.com/kisdex/mpc-node/protocol"
)

// Client implements protocol.ContractClient against a coordinator endpoint.
type Client struct {
	http       *http.Client
	rpcURL     string
	contractID string
	accountID  string
	signSK     ed25519.PrivateKey
}

// NewClient constructs a contract client. Votes are signed with signSK.
func NewClient(httpClient *http.Client, rpcURL, contractID, accountID string, signSK ed25519.PrivateKey) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		http:       httpClient,
		rpcURL:     rpcURL,
		contractID: contractID,
		accountID:  accountID,
		signSK:     signSK,
	}
}

// FetchState reads the contract's declared protocol state.
func (c *Client) FetchState(ctx context.Context) (protocol.ProtocolState, error) {
	target, err := url.JoinPath(c.rpcURL, "state")
	if err != nil {
		return nil, errors.Wrap(err, "building state url")
	}
	target = fmt.Sprintf("%s?contract_id=%s", target, url.QueryEscape(c.contractID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errors.Wrap(err, "building state request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetching contract state")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("fetching contract state: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading contract state")
	}
	return protocol.UnmarshalContractState(body)
}

// vote is the signed payload submitted for every vote kind.
type vote struct {
	ContractID string `json:"contract_id"`
	AccountID  string `json:"account_id"`
	Kind       string `json:"kind"`
	PublicKey  string `json:"public_key,omitempty"`
	Epoch      uint64 `json:"epoch,omitempty"`
	Signature  []byte `json:"signature"`
}

func (c *Client) submitVote(ctx context.Context, v vote) error {
	v.ContractID = c.contractID
	v.AccountID = c.accountID
	unsigned, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encoding vote")
	}
	v.Signature = ed25519.Sign(c.signSK, unsigned)
	body, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encoding vote")
	}
	target, err := url.JoinPath(c.rpcURL, "vote")
	if err != nil {
		return errors.Wrap(err, "building vote url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "building vote request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "submitting vote")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("submitting vote: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// VotePublicKey votes for concluding key generation with the given key.
func (c *Client) VotePublicKey(ctx context.Context, publicKey *crypto.Point) error {
	return c.submitVote(ctx, vote{Kind: "public_key", PublicKey: fmt.Sprintf("%x", publicKey.Bytes())})
}

// VoteReshared votes for concluding the reshare into the given epoch.
func (c *Client) VoteReshared(ctx context.Context, epoch uint64) error {
	return c.submitVote(ctx, vote{Kind: "reshared", Epoch: epoch})
}

// VoteJoin asks the quorum to reshare us into the roster.
func (c *Client) VoteJoin(ctx context.Context) error {
	return c.submitVote(ctx, vote{Kind: "join"})
}
