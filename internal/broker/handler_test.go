package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/copilot-bridge/bridge/internal/channel"
	"github.com/copilot-bridge/bridge/internal/intercept"
	"github.com/copilot-bridge/bridge/internal/slot"
)

// fakeProc is a no-op Subprocess Channel: these tests exercise the
// WebSocket upgrade, token check and single-attachment invariant, not
// subprocess I/O.
type fakeProc struct{ alive bool }

func (p *fakeProc) Send(string) error         { return nil }
func (p *fakeProc) Kill()                     { p.alive = false }
func (p *fakeProc) IsAlive() bool             { return p.alive }
func (p *fakeProc) SetOnMessage(func(string)) {}
func (p *fakeProc) SetOnError(func(error))    {}
func (p *fakeProc) SetOnClose(func(int))      {}

type fakeBackend struct{}

func (fakeBackend) StartProcess(context.Context, channel.ProcessSpec) (channel.LineHandle, error) {
	return &fakeProc{alive: true}, nil
}

func (fakeBackend) StartPTY(context.Context, channel.ProcessSpec, uint16, uint16) (channel.PTYHandle, error) {
	return nil, nil
}

func newTestServer(t *testing.T, token string) (*httptest.Server, *slot.Registry) {
	t.Helper()
	reg := slot.NewRegistry(fakeBackend{}, "agent", nil, nil, 4)
	pipeline := intercept.New(nil)
	reg.SetSubprocessFrameHook(pipeline.SubprocessToClient)
	h := NewHandler(reg, pipeline, token, "/default", true)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeHTTP))
	t.Cleanup(srv.Close)
	return srv, reg
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + srv.URL[len("http"):] + path
}

func TestServeHTTPRejectsInvalidToken(t *testing.T) {
	srv, _ := newTestServer(t, "secret")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv, "/ws?token=wrong&cwd=/work"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	_, _, readErr := conn.Read(ctx)
	if websocket.CloseStatus(readErr) != 4001 {
		t.Fatalf("expected close code 4001 for an invalid token, got %v (err=%v)", websocket.CloseStatus(readErr), readErr)
	}
}

func TestServeHTTPAttachesAndReplacesAttachment(t *testing.T) {
	srv, reg := newTestServer(t, "secret")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, _, err := websocket.Dial(ctx, wsURL(srv, "/ws?token=secret&cwd=/work"), nil)
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	defer first.CloseNow()

	// Give the server goroutine time to attach before we look up the slot.
	time.Sleep(50 * time.Millisecond)

	var slotID string
	for _, s := range reg.ListActive() {
		if s.Cwd == "/work" {
			slotID = s.SlotID
		}
	}
	if slotID == "" {
		t.Fatal("expected a slot to have been created for cwd /work")
	}

	second, _, err := websocket.Dial(ctx, wsURL(srv, "/ws?token=secret&slotId="+slotID), nil)
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.CloseNow()

	_, _, readErr := first.Read(ctx)
	if websocket.CloseStatus(readErr) != 1000 {
		t.Fatalf("expected the first attachment closed with 1000 on replacement, got %v (err=%v)", websocket.CloseStatus(readErr), readErr)
	}
}
