package content

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GriffinCanCode/skykernel/internal/infrastructure/resilience"
	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePortal serves objects and one registry entry.
type fakePortal struct {
	objects map[string][]byte
	entry   *registryReadResponse
	status  int // forces every response to this status when non-zero
	hits    atomic.Int32
	written atomic.Value
}

func (p *fakePortal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.hits.Add(1)
	if p.status != 0 {
		w.WriteHeader(p.status)
		return
	}

	switch {
	case r.URL.Path == "/skynet/registry" && r.Method == http.MethodGet:
		if p.entry == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		body, _ := sonic.ConfigStd.Marshal(p.entry)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	case r.URL.Path == "/skynet/registry" && r.Method == http.MethodPost:
		body, _ := io.ReadAll(r.Body)
		p.written.Store(body)
		w.WriteHeader(http.StatusNoContent)
	default:
		data, ok := p.objects[strings.TrimPrefix(r.URL.Path, "/")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(data)
	}
}

func serve(t *testing.T, p *fakePortal) string {
	t.Helper()
	srv := httptest.NewServer(p)
	t.Cleanup(srv.Close)
	return srv.URL
}

func testOptions(portals ...string) PortalOptions {
	opts := DefaultPortalOptions(portals...)
	opts.Retries = 0
	opts.Timeout = 2 * time.Second
	opts.RateLimit = 0
	return opts
}

func newClient(t *testing.T, opts PortalOptions) *PortalClient {
	t.Helper()
	c, err := NewPortalClient(opts)
	require.NoError(t, err)
	return c
}

func TestNewPortalClientValidates(t *testing.T) {
	_, err := NewPortalClient(PortalOptions{})
	assert.Error(t, err)

	_, err = NewPortalClient(testOptions("ftp://portal.example"))
	assert.Error(t, err)

	c := newClient(t, testOptions("https://a.example/", "https://b.example"))
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, c.Portals())
}

func TestPortalDownload(t *testing.T) {
	addr := Address([]byte("code"))
	p := &fakePortal{objects: map[string][]byte{addr: []byte("code")}}
	c := newClient(t, testOptions(serve(t, p)))

	got, err := c.Download(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, []byte("code"), got)

	_, err = c.Download(context.Background(), "bad address")
	assert.ErrorIs(t, err, ErrAddress)
}

func TestPortalDownloadFallsThrough(t *testing.T) {
	addr := Address([]byte("code"))
	down := &fakePortal{status: http.StatusBadGateway}
	missing := &fakePortal{objects: map[string][]byte{}}
	good := &fakePortal{objects: map[string][]byte{addr: []byte("code")}}

	tests := []struct {
		name    string
		portals []*fakePortal
		wantErr error
	}{
		{name: "failing portal is skipped", portals: []*fakePortal{down, good}},
		{name: "missing portal is skipped", portals: []*fakePortal{missing, good}},
		{name: "not found anywhere", portals: []*fakePortal{missing, down}, wantErr: ErrNotFound},
		{name: "every portal broken", portals: []*fakePortal{down, down}, wantErr: ErrTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			urls := make([]string, len(tt.portals))
			for i, p := range tt.portals {
				urls[i] = serve(t, p)
			}
			c := newClient(t, testOptions(urls...))

			got, err := c.Download(context.Background(), addr)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []byte("code"), got)
		})
	}
}

func TestPortalDownloadRejectsWrongObject(t *testing.T) {
	addr := Address([]byte("genuine module code"))
	forged := &fakePortal{objects: map[string][]byte{addr: []byte(`postMessage({stolen: true})`)}}
	honest := &fakePortal{objects: map[string][]byte{addr: []byte("genuine module code")}}

	c := newClient(t, testOptions(serve(t, forged)))
	_, err := c.Download(context.Background(), addr)
	assert.ErrorIs(t, err, ErrIntegrity)

	c = newClient(t, testOptions(serve(t, forged), serve(t, honest)))
	got, err := c.Download(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, []byte("genuine module code"), got)
	assert.Equal(t, int32(1), honest.hits.Load())
}

func TestPortalDownloadSectorLink(t *testing.T) {
	sector := baseSector([]byte("module code"), []byte(`{"filename":"m.js"}`))
	link := sectorLink(t, []byte{0, 0}, sectorRoot(sector))
	path := "skynet/trustless/basesector/" + link
	answer := append(append([]byte{}, sector[:4096]...), rangeProof(sector, 0, 4096)...)

	forgedAnswer := append([]byte{}, answer...)
	forgedAnswer[layoutSize] = 'M'

	honest := &fakePortal{objects: map[string][]byte{path: answer}}
	forged := &fakePortal{objects: map[string][]byte{path: forgedAnswer}}
	short := &fakePortal{objects: map[string][]byte{path: answer[:1000]}}

	t.Run("honest", func(t *testing.T) {
		c := newClient(t, testOptions(serve(t, honest)))
		got, err := c.Download(context.Background(), link)
		require.NoError(t, err)
		assert.Equal(t, []byte("module code"), got)
	})

	t.Run("forged portals are skipped", func(t *testing.T) {
		c := newClient(t, testOptions(serve(t, forged), serve(t, short), serve(t, honest)))
		got, err := c.Download(context.Background(), link)
		require.NoError(t, err)
		assert.Equal(t, []byte("module code"), got)
	})

	t.Run("only forged portals", func(t *testing.T) {
		c := newClient(t, testOptions(serve(t, forged), serve(t, short)))
		_, err := c.Download(context.Background(), link)
		assert.ErrorIs(t, err, ErrIntegrity)
	})
}

func TestPortalDownloadCorruptObjectStops(t *testing.T) {
	sector := baseSector([]byte("module code"), nil)
	binary.LittleEndian.PutUint64(sector[17:25], 64)
	link := sectorLink(t, []byte{0, 0}, sectorRoot(sector))
	path := "skynet/trustless/basesector/" + link
	answer := append(append([]byte{}, sector[:4096]...), rangeProof(sector, 0, 4096)...)

	first := &fakePortal{objects: map[string][]byte{path: answer}}
	second := &fakePortal{objects: map[string][]byte{path: answer}}
	c := newClient(t, testOptions(serve(t, first), serve(t, second)))

	_, err := c.Download(context.Background(), link)
	assert.ErrorIs(t, err, ErrIntegrity)
	assert.Equal(t, int32(1), first.hits.Load())
	assert.Zero(t, second.hits.Load())
}

func TestPortalDownloadRefusesUnverifiableLinks(t *testing.T) {
	p := &fakePortal{objects: map[string][]byte{}}
	c := newClient(t, testOptions(serve(t, p)))

	_, err := c.Download(context.Background(), sectorLink(t, []byte{2, 0}, [32]byte{}))
	assert.ErrorIs(t, err, ErrIntegrity)
	assert.Zero(t, p.hits.Load())
}

func TestPortalDownloadSizeLimit(t *testing.T) {
	addr := Address([]byte("big"))
	p := &fakePortal{objects: map[string][]byte{addr: make([]byte, 1024)}}
	opts := testOptions(serve(t, p))
	opts.MaxDownload = 100
	c := newClient(t, opts)

	_, err := c.Download(context.Background(), addr)
	assert.ErrorIs(t, err, ErrTransport)
}

func TestPortalBreakerSkipsDeadPortal(t *testing.T) {
	addr := Address([]byte("code"))
	down := &fakePortal{status: http.StatusInternalServerError}
	good := &fakePortal{objects: map[string][]byte{addr: []byte("code")}}

	var opened atomic.Bool
	opts := testOptions(serve(t, down), serve(t, good))
	opts.TripAfter = 2
	opts.Cooldown = time.Hour
	opts.OnStateChange = func(_ string, _, to resilience.State) {
		if to == resilience.StateOpen {
			opened.Store(true)
		}
	}
	c := newClient(t, opts)

	for range 5 {
		_, err := c.Download(context.Background(), addr)
		require.NoError(t, err)
	}
	assert.True(t, opened.Load())
	assert.Equal(t, int32(2), down.hits.Load())
}

func TestPortalNotFoundDoesNotTrip(t *testing.T) {
	missing := &fakePortal{objects: map[string][]byte{}}
	opts := testOptions(serve(t, missing))
	opts.TripAfter = 1
	c := newClient(t, opts)

	for range 3 {
		_, err := c.Download(context.Background(), Address([]byte("nothing")))
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, int32(3), missing.hits.Load())
}

func TestPortalRegistryRead(t *testing.T) {
	key := testKey(t)
	pub := key.Public().(ed25519.PublicKey)
	datakey := DataKey("kernel")
	entry, err := SignEntry(key, datakey, []byte("resolver target"), 3)
	require.NoError(t, err)

	signed := &registryReadResponse{
		Data:      hex.EncodeToString(entry.Data),
		Revision:  entry.Revision,
		Signature: hex.EncodeToString(entry.Signature),
	}

	t.Run("valid entry", func(t *testing.T) {
		c := newClient(t, testOptions(serve(t, &fakePortal{entry: signed})))
		got, ok, err := c.RegistryRead(context.Background(), pub, datakey)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, entry.Data, got.Data)
		assert.Equal(t, uint64(3), got.Revision)
	})

	t.Run("missing entry", func(t *testing.T) {
		c := newClient(t, testOptions(serve(t, &fakePortal{})))
		_, ok, err := c.RegistryRead(context.Background(), pub, datakey)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("forged entry is rejected", func(t *testing.T) {
		forged := *signed
		forged.Revision = 4
		c := newClient(t, testOptions(serve(t, &fakePortal{entry: &forged})))
		_, _, err := c.RegistryRead(context.Background(), pub, datakey)
		assert.ErrorIs(t, err, ErrIntegrity)
	})

	t.Run("honest portal after a lying one", func(t *testing.T) {
		forged := *signed
		forged.Data = hex.EncodeToString([]byte("evil"))
		c := newClient(t, testOptions(
			serve(t, &fakePortal{entry: &forged}),
			serve(t, &fakePortal{entry: signed}),
		))
		got, ok, err := c.RegistryRead(context.Background(), pub, datakey)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, entry.Data, got.Data)
	})
}

func TestPortalRegistryWrite(t *testing.T) {
	key := testKey(t)
	pub := key.Public().(ed25519.PublicKey)
	datakey := DataKey("kernel")
	p := &fakePortal{}
	c := newClient(t, testOptions(serve(t, p)))

	require.NoError(t, c.RegistryWrite(context.Background(), key, datakey, []byte("v1"), 1))

	raw, ok := p.written.Load().([]byte)
	require.True(t, ok)
	var req registryWriteRequest
	require.NoError(t, sonic.ConfigStd.Unmarshal(raw, &req))

	assert.Equal(t, "ed25519", req.PublicKey.Algorithm)
	assert.Equal(t, byteList(pub), req.PublicKey.Key)
	assert.Equal(t, hex.EncodeToString(datakey), req.DataKey)
	assert.Equal(t, uint64(1), req.Revision)
	assert.Equal(t, byteList([]byte("v1")), req.Data)

	sig := make([]byte, len(req.Signature))
	for i, v := range req.Signature {
		sig[i] = byte(v)
	}
	assert.NoError(t, VerifyEntry(pub, datakey, Entry{Data: []byte("v1"), Revision: 1, Signature: sig}))
}
