package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
)

// streamServerTransport implements ServerTransport over any net.Listener
// producing byte streams (TCP, Unix domain sockets). Each connection
// carries one request/response pair per frame: a 4-byte group-id length,
// the group id, a 4-byte body length, then the body.
type streamServerTransport struct {
	network string
	mu      sync.Mutex
	handler ServerHandleFunc
	ln      net.Listener
}

func newStreamServerTransport(network string) ServerTransport {
	return &streamServerTransport{network: network}
}

// NewTCPServerTransport returns a ServerTransport listening on a TCP
// address (e.g. "0.0.0.0:9210").
func NewTCPServerTransport() ServerTransport { return newStreamServerTransport("tcp") }

// NewUnixServerTransport returns a ServerTransport listening on a Unix
// domain socket path.
func NewUnixServerTransport() ServerTransport { return newStreamServerTransport("unix") }

func (t *streamServerTransport) RegisterHandler(handler ServerHandleFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

func (t *streamServerTransport) Listen(addr string) error {
	t.mu.Lock()
	handler := t.handler
	t.mu.Unlock()
	if handler == nil {
		return fmt.Errorf("transport: no handler registered before Listen")
	}

	ln, err := net.Listen(t.network, addr)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.ln = ln
	t.mu.Unlock()

	log.Infof("%s transport listening on %s", t.network, addr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			// Close() calling ln.Close() surfaces as an Accept error here;
			// treat any accept failure as the listener winding down.
			return nil
		}
		go t.serveConn(conn, handler)
	}
}

func (t *streamServerTransport) serveConn(conn net.Conn, handler ServerHandleFunc) {
	defer conn.Close()
	for {
		groupID, body, err := readFrame(conn)
		if err != nil {
			return
		}
		resp := handler(groupID, body)
		if err := writeFrame(conn, groupID, resp); err != nil {
			return
		}
	}
}

func (t *streamServerTransport) Close() error {
	t.mu.Lock()
	ln := t.ln
	t.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

// streamClientTransport implements ClientTransport over TCP or Unix,
// keeping one pooled connection per endpoint and serializing requests on
// it (raft RPCs are already batched upstream by Replicator/ReadOnlyService,
// so a single in-flight request per connection is sufficient here).
type streamClientTransport struct {
	network string
	mu      sync.Mutex
	conns   map[string]net.Conn
}

func newStreamClientTransport(network string) ClientTransport {
	return &streamClientTransport{network: network, conns: make(map[string]net.Conn)}
}

// NewTCPClientTransport returns a ClientTransport dialing peers over TCP.
func NewTCPClientTransport() ClientTransport { return newStreamClientTransport("tcp") }

// NewUnixClientTransport returns a ClientTransport dialing peers over a
// Unix domain socket.
func NewUnixClientTransport() ClientTransport { return newStreamClientTransport("unix") }

func (t *streamClientTransport) Connect(endpoint string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.conns[endpoint]; ok {
		return nil
	}
	conn, err := net.Dial(t.network, endpoint)
	if err != nil {
		return err
	}
	t.conns[endpoint] = conn
	return nil
}

func (t *streamClientTransport) Send(endpoint, groupID string, req []byte) ([]byte, error) {
	if err := t.Connect(endpoint); err != nil {
		return nil, err
	}
	t.mu.Lock()
	conn := t.conns[endpoint]
	t.mu.Unlock()

	if err := writeFrame(conn, groupID, req); err != nil {
		t.dropConn(endpoint)
		return nil, err
	}
	_, body, err := readFrame(conn)
	if err != nil {
		t.dropConn(endpoint)
		return nil, err
	}
	return body, nil
}

func (t *streamClientTransport) CheckConnection(endpoint string) bool {
	return t.Connect(endpoint) == nil
}

func (t *streamClientTransport) dropConn(endpoint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.conns[endpoint]; ok {
		conn.Close()
		delete(t.conns, endpoint)
	}
}

func (t *streamClientTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for endpoint, conn := range t.conns {
		conn.Close()
		delete(t.conns, endpoint)
	}
	return nil
}

func writeFrame(w io.Writer, groupID string, body []byte) error {
	header := make([]byte, 8+len(groupID))
	binary.BigEndian.PutUint32(header[:4], uint32(len(groupID)))
	copy(header[4:], groupID)
	binary.BigEndian.PutUint32(header[4+len(groupID):], uint32(len(body)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func readFrame(r io.Reader) (groupID string, body []byte, err error) {
	var glen [4]byte
	if _, err = io.ReadFull(r, glen[:]); err != nil {
		return "", nil, err
	}
	gidBuf := make([]byte, binary.BigEndian.Uint32(glen[:]))
	if _, err = io.ReadFull(r, gidBuf); err != nil {
		return "", nil, err
	}
	var blen [4]byte
	if _, err = io.ReadFull(r, blen[:]); err != nil {
		return "", nil, err
	}
	body = make([]byte, binary.BigEndian.Uint32(blen[:]))
	if _, err = io.ReadFull(r, body); err != nil {
		return "", nil, err
	}
	return string(gidBuf), body, nil
}
