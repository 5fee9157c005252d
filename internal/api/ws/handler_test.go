package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/GriffinCanCode/skykernel/internal/domain/kernel"
	"github.com/GriffinCanCode/skykernel/internal/domain/protocol"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// echo answers every envelope with its own data and remembers origins.
type echo struct {
	mu      sync.Mutex
	origins []string
	refuse  bool
}

func (e *echo) HandleMessage(c kernel.Caller, env protocol.Envelope) bool {
	e.mu.Lock()
	e.origins = append(e.origins, c.Origin())
	refuse := e.refuse
	e.mu.Unlock()
	if refuse {
		return false
	}
	c.Deliver(protocol.Envelope{Method: protocol.MethodResponseUpdate, Nonce: env.Nonce, Data: "working"})
	c.Deliver(protocol.Respond(env.Nonce, env.Data))
	return true
}

func (e *echo) seen() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.origins...)
}

func newServer(t *testing.T, d Dispatcher, opts Options) (*Handler, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := NewHandler(d, opts, nil)
	router := gin.New()
	router.GET("/ws", h.HandleConnection)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.Close(ctx)
		srv.Close()
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url, origin string, subprotocols ...string) *websocket.Conn {
	t.Helper()
	dialer := websocket.Dialer{Subprotocols: subprotocols, HandshakeTimeout: 2 * time.Second}
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	c, _, err := dialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func readEnvelope(t *testing.T, c *websocket.Conn, codec protocol.Codec) protocol.Envelope {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := c.ReadMessage()
	require.NoError(t, err)
	env, err := codec.Decode(frame)
	require.NoError(t, err)
	return env
}

func TestJSONRoundTrip(t *testing.T) {
	d := &echo{}
	_, url := newServer(t, d, Options{})
	c := dial(t, url, "https://app.example", protocol.SubprotocolJSON)
	assert.Equal(t, protocol.SubprotocolJSON, c.Subprotocol())

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"method":"version","nonce":"n1","data":{"x":1}}`)))

	update := readEnvelope(t, c, protocol.JSON)
	assert.Equal(t, protocol.MethodResponseUpdate, update.Method)
	assert.Equal(t, "n1", update.Nonce)

	resp := readEnvelope(t, c, protocol.JSON)
	assert.Equal(t, protocol.MethodResponse, resp.Method)
	assert.False(t, resp.HasErr())
	assert.Equal(t, map[string]any{"x": float64(1)}, resp.Data)

	assert.Equal(t, []string{"https://app.example"}, d.seen())
}

func TestCBORUsesBinaryFrames(t *testing.T) {
	_, url := newServer(t, &echo{}, Options{})
	c := dial(t, url, "https://app.example", protocol.SubprotocolCBOR)
	require.Equal(t, protocol.SubprotocolCBOR, c.Subprotocol())

	frame, err := protocol.CBOR.Encode(protocol.Envelope{Method: "version", Nonce: "n2", Data: []byte{1, 2, 3}})
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.BinaryMessage, frame))

	readEnvelope(t, c, protocol.CBOR)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, raw, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)

	resp, err := protocol.CBOR.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, resp.Data)
}

func TestNoSubprotocolDefaultsToJSON(t *testing.T) {
	_, url := newServer(t, &echo{}, Options{})
	c := dial(t, url, "https://app.example")
	assert.Empty(t, c.Subprotocol())

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"method":"version","nonce":"n3"}`)))
	env := readEnvelope(t, c, protocol.JSON)
	assert.Equal(t, "n3", env.Nonce)
}

func TestUndecodableFrameGetsErrorResponse(t *testing.T) {
	d := &echo{}
	_, url := newServer(t, d, Options{})
	c := dial(t, url, "https://app.example", protocol.SubprotocolJSON)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{not json`)))
	env := readEnvelope(t, c, protocol.JSON)
	assert.Equal(t, protocol.MethodResponse, env.Method)
	assert.True(t, env.HasErr())
	assert.Empty(t, d.seen())
}

func TestOriginCheck(t *testing.T) {
	_, url := newServer(t, &echo{}, Options{AllowedOrigins: []string{"https://allowed.example"}})

	dial(t, url, "https://allowed.example")

	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	header := http.Header{"Origin": []string{"https://other.example"}}
	_, resp, err := dialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestReadLimitClosesConnection(t *testing.T) {
	_, url := newServer(t, &echo{}, Options{MaxMessageBytes: 64})
	c := dial(t, url, "https://app.example")

	big := `{"method":"version","nonce":"n","data":"` + strings.Repeat("a", 128) + `"}`
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(big)))

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := c.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseMessageTooBig), "got %v", err)
}

func TestClosedKernelEndsConnection(t *testing.T) {
	_, url := newServer(t, &echo{refuse: true}, Options{})
	c := dial(t, url, "https://app.example")

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"method":"version","nonce":"n"}`)))
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := c.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestCloseDisconnectsEveryone(t *testing.T) {
	h, url := newServer(t, &echo{}, Options{})
	a := dial(t, url, "https://a.example")
	b := dial(t, url, "https://b.example")
	require.Eventually(t, func() bool { return h.Connections() == 2 }, 2*time.Second, 10*time.Millisecond)

	closed := make(chan error, 2)
	for _, c := range []*websocket.Conn{a, b} {
		go func() {
			c.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, _, err := c.ReadMessage()
			c.Close()
			closed <- err
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.Close(ctx))
	for range 2 {
		assert.True(t, websocket.IsCloseError(<-closed, websocket.CloseGoingAway))
	}
	assert.Equal(t, 0, h.Connections())
}
