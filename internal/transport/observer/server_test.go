package observer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tilestream.dev/internal/observerproto"
	"tilestream.dev/internal/protocol"
	"tilestream.dev/internal/sim/session"
	"tilestream.dev/internal/sim/tilemap"
	"tilestream.dev/internal/sim/tilemap/grid"
	"tilestream.dev/internal/sim/tilemap/pool"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestServer(t *testing.T, run bool) (*session.Session, *httptest.Server) {
	t.Helper()
	gctx := tilemap.Context{
		Config: tilemap.Config{ViewDistance: 2, UnloadDistance: 3, TileSpacing: 1},
		Tiles:  []tilemap.TileType{{Prototype: "grass", Weight: 1}},
		Pool:   pool.NewObjectPool(quiet),
	}
	sess, err := session.New(session.Config{MapID: "test", TickRateHz: 50, Seed: 7}, gctx, quiet)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	if run {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			_ = sess.Run(ctx)
			close(done)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})
	}

	srv := NewServer(sess, quiet, Options{})
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/observer/bootstrap", srv.BootstrapHandler())
	mux.HandleFunc("/v1/observer/ws", srv.WSHandler())
	hs := httptest.NewServer(mux)
	t.Cleanup(hs.Close)
	return sess, hs
}

func dial(t *testing.T, hs *httptest.Server, sub observerproto.SubscribeMsg) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(hs.URL, "http") + "/v1/observer/ws"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	return conn
}

func subscribe(driver bool) observerproto.SubscribeMsg {
	return observerproto.SubscribeMsg{
		Type:            observerproto.TypeSubscribe,
		ProtocolVersion: observerproto.Version,
		Driver:          driver,
	}
}

// readUntil reads messages until one of type typ satisfies ok.
func readUntil(t *testing.T, conn *websocket.Conn, typ string, ok func([]byte) bool) []byte {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		_, b, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		base, err := protocol.DecodeBase(b)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if base.Type == typ && (ok == nil || ok(b)) {
			return b
		}
	}
}

func TestBootstrapHandler(t *testing.T) {
	sess, hs := newTestServer(t, false)

	resp, err := http.Get(hs.URL + "/v1/observer/bootstrap")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	var boot observerproto.BootstrapResponse
	if err := json.NewDecoder(resp.Body).Decode(&boot); err != nil {
		t.Fatal(err)
	}
	if boot.SessionID != sess.ID() || boot.MapID != "test" || boot.Mode != "unbounded" {
		t.Fatalf("bootstrap=%+v", boot)
	}
	if boot.Type != "" {
		t.Fatalf("http bootstrap carries type %q", boot.Type)
	}
	if len(boot.Tiles) != 1 || boot.Tiles[0] != "grass" {
		t.Fatalf("tiles=%v", boot.Tiles)
	}

	post, err := http.Post(hs.URL+"/v1/observer/bootstrap", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	post.Body.Close()
	if post.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("POST status=%d", post.StatusCode)
	}
}

func TestRemoteObserversForbidden(t *testing.T) {
	sess, _ := newTestServer(t, false)
	srv := NewServer(sess, quiet, Options{})

	req := httptest.NewRequest(http.MethodGet, "/v1/observer/bootstrap", nil)
	req.RemoteAddr = "10.1.2.3:4567"
	rec := httptest.NewRecorder()
	srv.BootstrapHandler().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status=%d", rec.Code)
	}

	remote := NewServer(sess, quiet, Options{AllowRemote: true})
	rec = httptest.NewRecorder()
	remote.BootstrapHandler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("allow_remote status=%d", rec.Code)
	}
}

func TestWSStreamsWindowAndFollowsDriver(t *testing.T) {
	sess, hs := newTestServer(t, true)
	conn := dial(t, hs, subscribe(true))

	var welcome observerproto.BootstrapResponse
	if err := json.Unmarshal(readUntil(t, conn, observerproto.TypeWelcome, nil), &welcome); err != nil {
		t.Fatal(err)
	}
	if welcome.SessionID != sess.ID() {
		t.Fatalf("welcome session=%q", welcome.SessionID)
	}

	var cells observerproto.CellsMsg
	if err := json.Unmarshal(readUntil(t, conn, observerproto.TypeCells, nil), &cells); err != nil {
		t.Fatal(err)
	}
	// Startup populates out to the unload distance: 7x7 cells.
	if len(cells.Cells) != 49 {
		t.Fatalf("initial cells=%d want 49", len(cells.Cells))
	}

	move := observerproto.MoveMsg{Type: observerproto.TypeMove, ProtocolVersion: observerproto.Version, Pos: grid.Vec3{X: 10}}
	if err := conn.WriteJSON(move); err != nil {
		t.Fatal(err)
	}

	// TICK and data messages travel on separate queues; accept either order.
	var moved, evicted bool
	deadline := time.Now().Add(5 * time.Second)
	for !moved || !evicted {
		_ = conn.SetReadDeadline(deadline)
		_, b, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("moved=%v evicted=%v: %v", moved, evicted, err)
		}
		base, _ := protocol.DecodeBase(b)
		switch base.Type {
		case observerproto.TypeTick:
			var m observerproto.TickMsg
			if err := json.Unmarshal(b, &m); err != nil {
				t.Fatal(err)
			}
			if m.Cell == (grid.Cell{X: 10}) {
				moved = true
			}
		case observerproto.TypeEvict:
			var m observerproto.EvictMsg
			if err := json.Unmarshal(b, &m); err != nil {
				t.Fatal(err)
			}
			if len(m.Cells) != 49 {
				t.Fatalf("evicted=%d want 49", len(m.Cells))
			}
			evicted = true
		}
	}
}

func TestWSMoveRequiresDriver(t *testing.T) {
	_, hs := newTestServer(t, true)
	conn := dial(t, hs, subscribe(false))
	readUntil(t, conn, observerproto.TypeWelcome, nil)

	move := observerproto.MoveMsg{Type: observerproto.TypeMove, ProtocolVersion: observerproto.Version, Pos: grid.Vec3{X: 1}}
	if err := conn.WriteJSON(move); err != nil {
		t.Fatal(err)
	}
	var e observerproto.ErrorMsg
	if err := json.Unmarshal(readUntil(t, conn, observerproto.TypeError, nil), &e); err != nil {
		t.Fatal(err)
	}
	if e.Code != protocol.ErrNoPermission {
		t.Fatalf("code=%q", e.Code)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"JUMP","protocol_version":"1.0"}`)); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(readUntil(t, conn, observerproto.TypeError, nil), &e); err != nil {
		t.Fatal(err)
	}
	if e.Code != protocol.ErrBadRequest {
		t.Fatalf("code=%q", e.Code)
	}
}

func TestWSRejectsMoveOffTheGrid(t *testing.T) {
	sess, hs := newTestServer(t, true)
	conn := dial(t, hs, subscribe(true))
	readUntil(t, conn, observerproto.TypeWelcome, nil)

	for _, raw := range []string{
		`{"type":"MOVE","protocol_version":"1.0","pos":{"x":1e20,"y":0,"z":0}}`,
		`{"type":"MOVE","protocol_version":"1.0","pos":{"x":0,"y":0,"z":-2147483647}}`,
	} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
			t.Fatal(err)
		}
		var e observerproto.ErrorMsg
		if err := json.Unmarshal(readUntil(t, conn, observerproto.TypeError, nil), &e); err != nil {
			t.Fatal(err)
		}
		if e.Code != protocol.ErrBadRequest {
			t.Fatalf("code=%q", e.Code)
		}
	}

	readUntil(t, conn, observerproto.TypeTick, nil)
	if m := sess.Metrics(); m.Cell != (grid.Cell{}) {
		t.Fatalf("cell=%v after rejected moves", m.Cell)
	}
}

func TestWSRejectsWrongVersion(t *testing.T) {
	_, hs := newTestServer(t, false)
	sub := subscribe(false)
	sub.ProtocolVersion = "0.9"
	conn := dial(t, hs, sub)

	var e observerproto.ErrorMsg
	if err := json.Unmarshal(readUntil(t, conn, observerproto.TypeError, nil), &e); err != nil {
		t.Fatal(err)
	}
	if e.Code != protocol.ErrProtoVersion {
		t.Fatalf("code=%q", e.Code)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy close, got %v", err)
	}
}

func TestWSSessionStopClosesObservers(t *testing.T) {
	sess, hs := newTestServer(t, false)
	done := make(chan struct{})
	go func() {
		_ = sess.Run(context.Background())
		close(done)
	}()
	defer func() {
		sess.Stop()
		<-done
	}()

	conn := dial(t, hs, subscribe(false))
	readUntil(t, conn, observerproto.TypeTick, nil)
	sess.Stop()

	var e observerproto.ErrorMsg
	if err := json.Unmarshal(readUntil(t, conn, observerproto.TypeError, nil), &e); err != nil {
		t.Fatal(err)
	}
	if e.Code != protocol.ErrSessionStopped {
		t.Fatalf("code=%q", e.Code)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected going-away close, got %v", err)
	}
}

func TestNormalizeSubscribe(t *testing.T) {
	for _, tc := range []struct{ in, want int }{
		{-3, 0},
		{0, 0},
		{64, 64},
		{1 << 20, maxCellsPerTickLimit},
	} {
		sub := observerproto.SubscribeMsg{MaxCellsPerTick: tc.in}
		normalizeSubscribe(&sub)
		if sub.MaxCellsPerTick != tc.want {
			t.Fatalf("normalize(%d)=%d want %d", tc.in, sub.MaxCellsPerTick, tc.want)
		}
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	for addr, want := range map[string]bool{
		"127.0.0.1:80":   true,
		"[::1]:9000":     true,
		"10.0.0.2:80":    false,
		"example.com:80": false,
		"":               false,
	} {
		if got := isLoopbackRemote(addr); got != want {
			t.Fatalf("isLoopbackRemote(%q)=%v want %v", addr, got, want)
		}
	}
}
