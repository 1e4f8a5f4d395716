// Package web is the node's HTTP surface: inbound protocol messages, sign
// requests and a state probe. It is a thin transport: protocol messages are
// handed to the protocol loop through the message channel, and sign requests
// are added to the sign queue.
package web

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kisdex/mpc-node/crypto/hpke"
	"github.com/kisdex/mpc-node/crypto/kdf"
	"github.com/kisdex/mpc-node/httpclient"
	"github.com/kisdex/mpc-node/protocol"
)

// Server accepts peer messages and client sign requests.
type Server struct {
	port      int
	sender    chan<- protocol.MpcMessage
	state     *protocol.LockedState
	signQueue *protocol.SignQueue
	cipherSK  hpke.SecretKey
	log       *zap.SugaredLogger
}

// NewServer wires the surface to the protocol loop.
func NewServer(port int, sender chan<- protocol.MpcMessage, state *protocol.LockedState, signQueue *protocol.SignQueue, cipherSK hpke.SecretKey, log *zap.SugaredLogger) *Server {
	return &Server{
		port:      port,
		sender:    sender,
		state:     state,
		signQueue: signQueue,
		cipherSK:  cipherSK,
		log:       log,
	}
}

// Router exposes the handler for serving and for tests.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/msg", s.handleMsg).Methods(http.MethodPost)
	r.HandleFunc("/msg_encrypted", s.handleMsgEncrypted).Methods(http.MethodPost)
	r.HandleFunc("/sign", s.handleSign).Methods(http.MethodPost)
	r.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	return r
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.Router(),
	}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()
	s.log.Infof("web server listening on %d", s.port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// notRunning rejects protocol traffic while the node has no roster yet.
func (s *Server) notRunning() bool {
	switch s.state.Read().(type) {
	case *protocol.StartingState, *protocol.StartedState:
		return true
	}
	return false
}

func (s *Server) handleMsg(w http.ResponseWriter, r *http.Request) {
	if s.notRunning() {
		writeError(w, errNotRunning, "node is not running")
		return
	}
	var msg protocol.MpcMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, errMalformed, err.Error())
		return
	}
	if !msg.Valid() {
		writeError(w, errMalformed, "message must carry exactly one variant")
		return
	}
	s.sender <- msg
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleMsgEncrypted(w http.ResponseWriter, r *http.Request) {
	if s.notRunning() {
		writeError(w, errNotRunning, "node is not running")
		return
	}
	var envelope httpclient.EncryptedMessage
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		writeError(w, errMalformed, err.Error())
		return
	}
	info, err := s.state.Read().FetchParticipant(envelope.From)
	if err != nil {
		writeError(w, errCryptography, err.Error())
		return
	}
	if !ed25519.Verify(info.SignPK, envelope.Ciphertext, envelope.Signature) {
		writeError(w, errCryptography, "envelope signature verification failed")
		return
	}
	plaintext, err := s.cipherSK.Open(envelope.Ciphertext, []byte(httpclient.EnvelopeInfo))
	if err != nil {
		writeError(w, errCryptography, err.Error())
		return
	}
	var msg protocol.MpcMessage
	if err := json.Unmarshal(plaintext, &msg); err != nil {
		writeError(w, errCryptography, err.Error())
		return
	}
	if !msg.Valid() {
		writeError(w, errCryptography, "message must carry exactly one variant")
		return
	}
	s.sender <- msg
	w.WriteHeader(http.StatusOK)
}

// signRequest is the body of POST /sign. AccountID and Path, when given,
// direct the signature to the account's derived child key.
type signRequest struct {
	ReceiptID string `json:"receipt_id"`
	MsgHash   []byte `json:"msg_hash"`
	AccountID string `json:"account_id,omitempty"`
	Path      string `json:"path,omitempty"`
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	var body signRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errMalformed, err.Error())
		return
	}
	if body.ReceiptID == "" || len(body.MsgHash) != 32 {
		writeError(w, errMalformed, "sign request needs a receipt id and a 32-byte msg_hash")
		return
	}
	req := &protocol.SignRequest{ReceiptID: body.ReceiptID, MsgHash: body.MsgHash}
	if body.AccountID != "" {
		req.Epsilon = kdf.DeriveEpsilon(body.AccountID, body.Path)
	}
	s.signQueue.Add(req)
	s.log.Infof("queued sign request %s", body.ReceiptID)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	state := s.state.Read()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"state": state.StateName()})
}
