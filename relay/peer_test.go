package relay

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

const testTimeout = 5 * time.Second

// testPeer is a WebSocket endpoint standing in for the remote MCP server.
type testPeer struct {
	server  *httptest.Server
	accepts atomic.Int32
	conns   chan *peerConn

	// closeImmediately closes every accepted conn straight away.
	closeImmediately bool

	mut     sync.Mutex
	tracked []*peerConn
}

type peerConn struct {
	conn *websocket.Conn
	done chan struct{}
	once sync.Once
}

func newTestPeer(t *testing.T) *testPeer {
	p := &testPeer{conns: make(chan *peerConn, 100)}
	p.server = httptest.NewServer(http.HandlerFunc(p.serveHTTP))
	t.Cleanup(p.server.Close)
	// registered second so it runs first, unblocking handlers before the server waits on them
	t.Cleanup(p.closeAll)
	return p
}

func (p *testPeer) URL() string {
	return "ws" + strings.TrimPrefix(p.server.URL, "http")
}

func (p *testPeer) serveHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	p.accepts.Add(1)
	if p.closeImmediately {
		conn.Close(websocket.StatusGoingAway, "go away")
		return
	}

	pc := &peerConn{conn: conn, done: make(chan struct{})}
	p.mut.Lock()
	p.tracked = append(p.tracked, pc)
	p.mut.Unlock()

	p.conns <- pc
	<-pc.done
}

func (p *testPeer) closeAll() {
	p.mut.Lock()
	defer p.mut.Unlock()
	for _, pc := range p.tracked {
		pc.close()
	}
}

// next waits for the next accepted conn.
func (p *testPeer) next(t *testing.T) *peerConn {
	t.Helper()
	select {
	case pc := <-p.conns:
		return pc
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for a connection")
		return nil
	}
}

func (pc *peerConn) close() {
	pc.once.Do(func() {
		pc.conn.Close(websocket.StatusNormalClosure, "")
		close(pc.done)
	})
}

func (pc *peerConn) send(t *testing.T, text string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, pc.conn.Write(ctx, websocket.MessageText, []byte(text)))
}

func (pc *peerConn) read(t *testing.T) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	typ, b, err := pc.conn.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, typ)
	return string(b)
}

// incompressiblePayload returns about 1 MiB of random text, so compression cannot shrink it.
func incompressiblePayload(t *testing.T) string {
	raw := make([]byte, 768<<10)
	_, err := rand.Read(raw)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}
