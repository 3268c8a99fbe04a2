package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("transport")

const groupHeader = "X-Raft-Group"

// NewHTTPServerTransport returns a ServerTransport that accepts one POST
// per request on the fixed path /raft, the request body being the raw framed
// message and the raft group id carried in a header (mirroring the
// teacher's shard-id-plus-body routing, generalized from a numeric shard
// id to a string group id).
func NewHTTPServerTransport() ServerTransport {
	return &httpServerTransport{}
}

type httpServerTransport struct {
	mu      sync.Mutex
	handler ServerHandleFunc
	srv     *http.Server
}

func (t *httpServerTransport) RegisterHandler(handler ServerHandleFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

func (t *httpServerTransport) Listen(addr string) error {
	t.mu.Lock()
	handler := t.handler
	t.mu.Unlock()
	if handler == nil {
		return fmt.Errorf("transport: no handler registered before Listen")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/raft", func(w http.ResponseWriter, r *http.Request) {
		groupID := r.Header.Get(groupHeader)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp := handler(groupID, body)
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(resp)
	})

	t.mu.Lock()
	t.srv = &http.Server{Addr: addr, Handler: mux}
	srv := t.srv
	t.mu.Unlock()

	log.Infof("http transport listening on %s", addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (t *httpServerTransport) Close() error {
	t.mu.Lock()
	srv := t.srv
	t.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// NewHTTPClientTransport returns a ClientTransport that POSTs framed
// requests to peers over plain HTTP.
func NewHTTPClientTransport(timeout time.Duration) ClientTransport {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &httpClientTransport{client: &http.Client{Timeout: timeout}}
}

type httpClientTransport struct {
	client *http.Client
}

func (t *httpClientTransport) Connect(endpoint string) error {
	// HTTP is connectionless from the caller's perspective; nothing to
	// pre-establish. CheckConnection does the actual liveness probe.
	return nil
}

func (t *httpClientTransport) Send(endpoint, groupID string, req []byte) ([]byte, error) {
	url := fmt.Sprintf("http://%s/raft", endpoint)
	httpReq, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(req))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set(groupHeader, groupID)
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("transport: peer %s returned status %d: %s", endpoint, resp.StatusCode, body)
	}
	return io.ReadAll(resp.Body)
}

func (t *httpClientTransport) CheckConnection(endpoint string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, fmt.Sprintf("http://%s/raft", endpoint), nil)
	if err != nil {
		return false
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return true
}

func (t *httpClientTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
