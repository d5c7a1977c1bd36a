package wirews

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestReadEventAndAck(t *testing.T) {
	acked := make(chan ackData, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("authorization: got %q", got)
		}
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer ws.CloseNow()

		frame := `{"type":"event","data":{"delivery_tag":7,"event":{"id":"n-1","payload":[]}}}`
		if err := ws.Write(r.Context(), websocket.MessageText, []byte(frame)); err != nil {
			t.Errorf("write: %v", err)
			return
		}

		_, data, err := ws.Read(r.Context())
		if err != nil {
			t.Errorf("read: %v", err)
			return
		}
		var f wireFrame
		if err := json.Unmarshal(data, &f); err != nil || f.Type != "ack" {
			t.Errorf("ack frame: got %s (%v)", data, err)
			return
		}
		var ad ackData
		if err := json.Unmarshal(f.Data, &ad); err != nil {
			t.Errorf("ack data: %v", err)
			return
		}
		acked <- ad
		ws.Close(websocket.StatusNormalClosure, "done")
	}))
	defer srv.Close()

	ctx := context.Background()
	conn, err := Dial(ctx, wsURL(srv), nil,
		WithHeaders(http.Header{"Authorization": {"Bearer tok"}}),
		WithKeepAliveInterval(0))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.CloseNow()

	f, err := conn.ReadFrame(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if f.Type != FrameEvent || f.DeliveryTag != 7 {
		t.Fatalf("frame: got %+v", f)
	}
	var raw struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(f.Event, &raw); err != nil || raw.ID != "n-1" {
		t.Errorf("event: got %s (%v)", f.Event, err)
	}

	if err := conn.Ack(ctx, f.DeliveryTag); err != nil {
		t.Fatal(err)
	}
	select {
	case ad := <-acked:
		if ad.DeliveryTag != 7 || ad.Multiple {
			t.Errorf("ack: got %+v", ad)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive ack")
	}

	if _, err := conn.ReadFrame(ctx); err == nil {
		t.Error("expected read error after server close")
	}
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.CloseNow()
		ws.Write(r.Context(), websocket.MessageText, []byte("not json"))
		ws.Write(r.Context(), websocket.MessageText, []byte(`{"type":"message_count","data":{"delivery_tag":3}}`))
		ws.Read(r.Context())
	}))
	defer srv.Close()

	ctx := context.Background()
	conn, err := Dial(ctx, wsURL(srv), nil, WithKeepAliveInterval(0))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.CloseNow()

	if _, err := conn.ReadFrame(ctx); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("got %v, want ErrMalformedFrame", err)
	}
	f, err := conn.ReadFrame(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if f.Type != FrameMessageCount || f.DeliveryTag != 3 || f.Event != nil {
		t.Errorf("frame: got %+v", f)
	}
}

func TestKeepAlive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.CloseNow()
		// Reading answers pings with pongs.
		ws.Read(r.Context())
	}))
	defer srv.Close()

	rtts := make(chan time.Duration, 4)
	ctx := context.Background()
	conn, err := Dial(ctx, wsURL(srv), nil,
		WithKeepAliveInterval(20*time.Millisecond),
		WithKeepAliveCallback(func(rtt time.Duration) {
			select {
			case rtts <- rtt:
			default:
			}
		}))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.CloseNow()

	// Pongs are only processed while a read is pending.
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go conn.ReadFrame(readCtx)

	select {
	case <-rtts:
	case <-time.After(2 * time.Second):
		t.Fatal("no keep-alive round trip")
	}
}

func TestKeepAliveTimeoutClosesConnection(t *testing.T) {
	hold := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.CloseNow()
		// Never reads, so pings go unanswered.
		<-hold
	}))
	defer srv.Close()
	defer close(hold)

	ctx := context.Background()
	conn, err := Dial(ctx, wsURL(srv), nil,
		WithKeepAliveInterval(10*time.Millisecond),
		WithKeepAliveTimeout(30*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.CloseNow()

	errc := make(chan error, 1)
	go func() {
		_, err := conn.ReadFrame(ctx)
		errc <- err
	}()

	select {
	case err := <-errc:
		if err == nil {
			t.Error("expected read error after missed pong")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("read not unblocked after missed pong")
	}
	if !conn.Closed() {
		t.Error("Closed: got false after missed pong")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.CloseNow()
		ws.Read(r.Context())
	}))
	defer srv.Close()

	conn, err := Dial(context.Background(), wsURL(srv), nil, WithKeepAliveInterval(0))
	if err != nil {
		t.Fatal(err)
	}
	conn.CloseNow()
	if !conn.Closed() {
		t.Error("Closed: got false after CloseNow")
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}
