package deferred

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStream_PushesSettlements(t *testing.T) {
	server := NewRegistry(WithStore(NewMemoryStore(0)))
	stream := NewStream(server, nil)
	srv := httptest.NewServer(stream)
	defer srv.Close()
	defer stream.Close()

	release := make(chan struct{})
	pending := server.Register(context.Background(), "m", "comments", func(context.Context) (any, error) {
		<-release
		return []string{"nice post"}, nil
	})
	failing := server.Register(context.Background(), "m", "related", func(context.Context) (any, error) {
		<-release
		return nil, errors.New("related service down")
	})

	// The client adopts placeholders taken from the payload.
	client := NewRegistry()
	p1, _ := pending.Placeholder()
	p2, _ := failing.Placeholder()
	h1 := client.Adopt("m", p1)
	h2 := client.Adopt("m", p2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Connect(ctx, wsURL(srv), []string{p1.ID, p2.ID})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- Receive(ctx, conn, client) }()

	waitFor(t, func() bool { return stream.ClientCount() == 1 })
	close(release)

	v, err := h1.Await(ctx)
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	var comments []string
	if err := json.Unmarshal(v.(json.RawMessage), &comments); err != nil {
		t.Fatal(err)
	}
	if len(comments) != 1 || comments[0] != "nice post" {
		t.Errorf("comments = %v", comments)
	}

	_, err = h2.Await(ctx)
	if !errors.Is(err, ErrRejected) || !strings.Contains(err.Error(), "related service down") {
		t.Errorf("rejected Await() error = %v", err)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Receive did not return after cancel")
	}
}

func TestStream_ReplaysFromStore(t *testing.T) {
	store := NewMemoryStore(0)
	store.Save(context.Background(), Settlement{ID: "elsewhere", State: Resolved, Value: json.RawMessage(`42`)})

	// A different instance settled the handle; this one only has the store.
	server := NewRegistry(WithStore(store))
	stream := NewStream(server, nil)
	srv := httptest.NewServer(stream)
	defer srv.Close()

	client := NewRegistry()
	h := client.Adopt("m", Placeholder{ID: "elsewhere", State: Pending})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Connect(ctx, wsURL(srv), []string{"elsewhere"})
	if err != nil {
		t.Fatal(err)
	}
	go Receive(ctx, conn, client)

	v, err := h.Await(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(v.(json.RawMessage)) != "42" {
		t.Errorf("value = %s, want 42", v)
	}
}

func TestStream_AlreadySettledIsSentImmediately(t *testing.T) {
	server := NewRegistry()
	h := server.Register(context.Background(), "m", "x", func(context.Context) (any, error) { return "early", nil })
	<-h.Done()

	stream := NewStream(server, nil)
	srv := httptest.NewServer(stream)
	defer srv.Close()

	client := NewRegistry()
	ch := client.Adopt("m", Placeholder{ID: h.ID(), State: Pending})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Connect(ctx, wsURL(srv), []string{h.ID(), h.ID()})
	if err != nil {
		t.Fatal(err)
	}
	go Receive(ctx, conn, client)

	if v, err := ch.Await(ctx); err != nil || string(v.(json.RawMessage)) != `"early"` {
		t.Errorf("Await() = %s, %v", v, err)
	}
}

func TestStream_OriginCheck(t *testing.T) {
	tests := []struct {
		name   string
		opts   []StreamOption
		origin string
		wantOK bool
	}{
		{name: "no origin", wantOK: true},
		{name: "same origin", origin: "self", wantOK: true},
		{name: "foreign origin", origin: "https://evil.example", wantOK: false},
		{name: "allowed origin", opts: []StreamOption{WithCheckOrigin(AllowedOrigins("https://app.example"))}, origin: "https://app.example", wantOK: true},
		{name: "allowlist keeps same origin", opts: []StreamOption{WithCheckOrigin(AllowedOrigins("https://app.example"))}, origin: "self", wantOK: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stream := NewStream(NewRegistry(), nil, tt.opts...)
			srv := httptest.NewServer(stream)
			defer srv.Close()
			defer stream.Close()

			header := http.Header{}
			switch tt.origin {
			case "":
			case "self":
				header.Set("Origin", srv.URL)
			default:
				header.Set("Origin", tt.origin)
			}
			conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
			if conn != nil {
				conn.Close()
			}
			if (err == nil) != tt.wantOK {
				t.Fatalf("Dial() error = %v, want ok %v", err, tt.wantOK)
			}
			if !tt.wantOK && resp != nil && resp.StatusCode != http.StatusForbidden {
				t.Errorf("status = %d, want 403", resp.StatusCode)
			}
		})
	}
}
