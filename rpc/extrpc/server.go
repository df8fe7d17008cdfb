// Package extrpc implements the wallet's JSON-RPC interface.  Management and
// approval-surface methods are served over HTTP POST; page-context
// collaborators connect over a websocket channel whose lifetime models the
// originating tab: requests submitted on a connection are answered on it
// when the broker resolves them, and dropping the connection cancels
// whatever the page still has pending.
package extrpc

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/extsuite/extwallet/wallet"
	"github.com/gorilla/websocket"
)

// Options contains the required options for running the RPC server.
type Options struct {
	Username string
	Password string

	// MaxPOSTClients is the maximum number of concurrent HTTP POST
	// clients.  Zero means no limit.
	MaxPOSTClients int64

	// MaxWebsocketClients is the maximum number of concurrent websocket
	// clients.  Zero means no limit.
	MaxWebsocketClients int64
}

// rawRequest is a single inbound JSON-RPC request.
type rawRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// rawResponse is a single outbound JSON-RPC response.
type rawResponse struct {
	ID     json.RawMessage `json:"id"`
	Result interface{}     `json:"result"`
	Error  *jsonError      `json:"error"`
}

// Server holds the items the RPC server may need to access (auth,
// config, shutdown, etc.)
type Server struct {
	httpServer http.Server
	walletLdr  *wallet.Loader
	listeners  []net.Listener
	authsha    [sha256.Size]byte
	upgrader   websocket.Upgrader

	maxPOSTClients      int64
	maxWebsocketClients int64

	numPOSTClients int64
	numWSClients   int64

	// nextTabID assigns a synthetic tab identifier to each websocket
	// connection.  The page's requests are bucketed under it, so a
	// dropped connection can cancel exactly its own pending requests.
	nextTabID int64

	wg      sync.WaitGroup
	quit    chan struct{}
	quitMtx sync.Mutex
}

// NewServer creates a new server for serving RPC client connections over the
// given listeners.
func NewServer(opts *Options, walletLdr *wallet.Loader, listeners []net.Listener) *Server {
	serveMux := http.NewServeMux()
	const rpcAuthTimeoutSeconds = 10

	server := &Server{
		httpServer: http.Server{
			Handler: serveMux,

			// Timeout connections which don't complete the initial
			// handshake within the allowed timeframe.
			ReadTimeout: time.Second * rpcAuthTimeoutSeconds,
		},
		walletLdr:           walletLdr,
		listeners:           listeners,
		maxPOSTClients:      opts.MaxPOSTClients,
		maxWebsocketClients: opts.MaxWebsocketClients,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The page channel is for extension-internal use; the
			// HTTP origin header carries no meaning here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		quit: make(chan struct{}),
	}

	auth := opts.Username + ":" + opts.Password
	authb64 := base64.StdEncoding.EncodeToString([]byte(auth))
	server.authsha = sha256.Sum256([]byte("Basic " + authb64))

	serveMux.Handle("/", throttledFn(server.maxPOSTClients, &server.numPOSTClients,
		func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Connection", "close")
			w.Header().Set("Content-Type", "application/json")
			r.Close = true

			if err := server.checkAuthHeader(r); err != nil {
				log.Warnf("Unauthorized client connection attempt")
				jsonAuthFail(w)
				return
			}
			server.wg.Add(1)
			server.postClientRPC(w, r)
			server.wg.Done()
		}))

	serveMux.Handle("/ws", throttledFn(server.maxWebsocketClients, &server.numWSClients,
		func(w http.ResponseWriter, r *http.Request) {
			if err := server.checkAuthHeader(r); err != nil {
				log.Warnf("Unauthorized websocket connection attempt")
				jsonAuthFail(w)
				return
			}
			conn, err := server.upgrader.Upgrade(w, r, nil)
			if err != nil {
				log.Warnf("Cannot upgrade websocket client: %v", err)
				return
			}
			server.websocketClientRPC(conn)
		}))

	for _, lis := range listeners {
		server.serve(lis)
	}

	return server
}

// throttledFn wraps an http handler with a limit on concurrent active
// clients.  A zero limit disables throttling.
func throttledFn(max int64, active *int64, f http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if max > 0 {
			if n := atomic.AddInt64(active, 1); n > max {
				atomic.AddInt64(active, -1)
				log.Warnf("Max RPC clients exceeded [%d]", n)
				http.Error(w, "429 Too Many Requests",
					http.StatusTooManyRequests)
				return
			}
			defer atomic.AddInt64(active, -1)
		}
		f(w, r)
	})
}

// serve serves HTTP POST and websocket RPC for the RPC server.  This function
// does not block on lis.Accept.
func (s *Server) serve(lis net.Listener) {
	s.wg.Add(1)
	go func() {
		log.Infof("RPC server listening on %s", lis.Addr())
		err := s.httpServer.Serve(lis)
		log.Tracef("Finished serving RPC: %v", err)
		s.wg.Done()
	}()
}

// Stop gracefully shuts down the rpc server by stopping and disconnecting all
// clients.  This blocks until shutdown completes.
func (s *Server) Stop() {
	s.quitMtx.Lock()
	select {
	case <-s.quit:
		s.quitMtx.Unlock()
		return
	default:
	}

	// Stop all the listeners.
	for _, listener := range s.listeners {
		err := listener.Close()
		if err != nil {
			log.Errorf("Cannot close listener %s: %v",
				listener.Addr(), err)
		}
	}

	close(s.quit)
	s.quitMtx.Unlock()

	// First wait for the wallet to stop, then wait for all remaining
	// clients to disconnect.
	s.wg.Wait()
}

// checkAuthHeader checks the HTTP Basic authentication supplied by a client
// in the HTTP request r.
//
// The authentication comparison is time constant.
func (s *Server) checkAuthHeader(r *http.Request) error {
	authhdr := r.Header["Authorization"]
	if len(authhdr) == 0 {
		return errors.New("no auth header")
	}

	authsha := sha256.Sum256([]byte(authhdr[0]))
	cmp := subtle.ConstantTimeCompare(authsha[:], s.authsha[:])
	if cmp != 1 {
		return errors.New("bad auth")
	}
	return nil
}

func jsonAuthFail(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="extwallet RPC"`)
	http.Error(w, "401 Unauthorized.", http.StatusUnauthorized)
}

// invalidJSONErrResponse marshals a response for a request that could not be
// read or parsed.
func errorResponse(id json.RawMessage, jerr *jsonError) []byte {
	resp, err := json.Marshal(&rawResponse{ID: id, Error: jerr})
	if err != nil {
		// Marshalling a response of primitive fields cannot fail.
		panic(err)
	}
	return resp
}

// requireWallet returns the loaded wallet or the unloaded-wallet error.
func (s *Server) requireWallet() (*wallet.Wallet, *jsonError) {
	w, ok := s.walletLdr.LoadedWallet()
	if !ok {
		return nil, errUnloadedWallet
	}
	return w, nil
}

// dispatch runs the synchronous handler for a request, marshalling the
// outcome into a response.
func (s *Server) dispatch(req *rawRequest) []byte {
	handlerData, ok := rpcHandlers[req.Method]
	if !ok {
		return errorResponse(req.ID, errMethodNotFound)
	}
	if handlerData.pageOnly {
		return errorResponse(req.ID, &jsonError{
			Code:    errCodeInvalidRequest,
			Message: "method is only available on the websocket channel",
		})
	}

	w, jerr := s.requireWallet()
	if jerr != nil {
		return errorResponse(req.ID, jerr)
	}

	result, err := handlerData.handler(w, req.Params)
	if err != nil {
		return errorResponse(req.ID, jsonErrorFromGo(err))
	}
	resp, err := json.Marshal(&rawResponse{ID: req.ID, Result: result})
	if err != nil {
		log.Errorf("Cannot marshal %q response: %v", req.Method, err)
		return errorResponse(req.ID, &jsonError{
			Code:    errCodeInternal,
			Message: "failed to marshal response",
		})
	}
	return resp
}

// postClientRPC processes and replies to a JSON-RPC client request.
func (s *Server) postClientRPC(w http.ResponseWriter, r *http.Request) {
	body, err := ioutil.ReadAll(io.LimitReader(r.Body, 1<<22))
	if err != nil {
		http.Error(w, "413 Request Too Large.", http.StatusRequestEntityTooLarge)
		return
	}

	var req rawRequest
	if err := json.Unmarshal(body, &req); err != nil {
		_, _ = w.Write(errorResponse(req.ID, errParse))
		return
	}
	if req.Method == "" {
		_, _ = w.Write(errorResponse(req.ID, errInvalidRequest))
		return
	}

	if _, err := w.Write(s.dispatch(&req)); err != nil {
		log.Warnf("Failed to write response: %v", err)
	}
}

// websocketClientRPC processes and responds to a websocket client's requests.
// Each connection is assigned a synthetic tab id; page-channel requests are
// admitted under it and their deferred responses are written back on the
// same connection in the order the broker resolves them.  Closing the
// connection cancels the tab's remaining pending requests.
func (s *Server) websocketClientRPC(conn *websocket.Conn) {
	tabID := atomic.AddInt64(&s.nextTabID, 1)
	log.Infof("New websocket client (tab %d)", tabID)

	// Sends are serialized through a single writer goroutine since both
	// synchronous replies and deferred broker responses target the same
	// connection.
	sendChan := make(chan []byte, 32)
	sendQuit := make(chan struct{})
	var sendWg sync.WaitGroup
	sendWg.Add(1)
	go func() {
		defer sendWg.Done()
		for {
			select {
			case msg := <-sendChan:
				err := conn.WriteMessage(websocket.TextMessage, msg)
				if err != nil {
					return
				}
			case <-sendQuit:
				return
			}
		}
	}()

	send := func(msg []byte) {
		select {
		case sendChan <- msg:
		case <-sendQuit:
		case <-s.quit:
		}
	}

	var pageWg sync.WaitGroup
	for {
		_, body, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure,
				websocket.CloseGoingAway) && err != io.EOF {
				log.Debugf("Websocket receive failed (tab %d): %v",
					tabID, err)
			}
			break
		}

		var req rawRequest
		if err := json.Unmarshal(body, &req); err != nil {
			send(errorResponse(req.ID, errParse))
			continue
		}
		if req.Method == "" {
			send(errorResponse(req.ID, errInvalidRequest))
			continue
		}

		handlerData, ok := rpcHandlers[req.Method]
		if ok && handlerData.pageOnly {
			s.pageChannelRPC(&req, tabID, send, &pageWg)
			continue
		}
		send(s.dispatch(&req))
	}

	// The tab is gone.  Cancel its pending requests before tearing the
	// writer down so the broker does not resolve into a closed channel
	// consumer.
	if w, ok := s.walletLdr.LoadedWallet(); ok {
		w.TabClosed(tabID)
	}
	pageWg.Wait()
	close(sendQuit)
	sendWg.Wait()
	conn.Close()
	log.Infof("Websocket client disconnected (tab %d)", tabID)
}

// pageChannelRPC admits a page-channel request under the connection's tab id
// and spawns a goroutine that writes the response when the broker resolves
// it.
func (s *Server) pageChannelRPC(req *rawRequest, tabID int64,
	send func([]byte), pageWg *sync.WaitGroup) {

	w, jerr := s.requireWallet()
	if jerr != nil {
		send(errorResponse(req.ID, jerr))
		return
	}

	kind, respChan, err := admitPageRequest(w, req, tabID)
	if err != nil {
		send(errorResponse(req.ID, jsonErrorFromGo(err)))
		return
	}

	pageWg.Add(1)
	go func() {
		defer pageWg.Done()

		var resp wallet.Response
		select {
		case resp = <-respChan:
		case <-s.quit:
			return
		}

		result, err := responseResult(kind, resp)
		if err != nil {
			send(errorResponse(req.ID, jsonErrorFromGo(err)))
			return
		}
		msg, err := json.Marshal(&rawResponse{ID: req.ID, Result: result})
		if err != nil {
			send(errorResponse(req.ID, &jsonError{
				Code:    errCodeInternal,
				Message: "failed to marshal response",
			}))
			return
		}
		send(msg)
	}()
}
