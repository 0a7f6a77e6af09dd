package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"refuge.voxelcraft.ai/internal/protocol"
	"refuge.voxelcraft.ai/internal/refuge/registry"
	"refuge.voxelcraft.ai/internal/refuge/server"
	"refuge.voxelcraft.ai/internal/tuning"
)

func startServer(t *testing.T) (*server.Server, string) {
	t.Helper()
	srv, err := server.New(server.Config{Tuning: tuning.Defaults(), Store: registry.NewMemStore()})
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Run(ctx)
	}()
	ts := httptest.NewServer(NewServer(srv, nil).Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		<-done
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

// waitFor reads until match accepts a message or the deadline passes.
func waitFor(t *testing.T, in <-chan []byte, match func(b []byte) bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case b, ok := <-in:
			if !ok {
				t.Fatalf("connection closed while waiting")
			}
			if match(b) {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for message")
		}
	}
}

func isReply(name string) func([]byte) bool {
	return func(b []byte) bool {
		var msg protocol.CommandMsg
		if err := json.Unmarshal(b, &msg); err != nil || msg.Type != protocol.TypeCommand {
			return false
		}
		return msg.Command == name
	}
}

func TestWS_HandshakeAndCommand(t *testing.T) {
	_, url := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, url, "alice")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()
	if w := c.Welcome(); w.Username != "alice" || w.TickRateHz != 20 || w.SessionID == "" {
		t.Fatalf("welcome: %+v", w)
	}
	waitFor(t, c.Incoming(), func(b []byte) bool {
		base, _ := protocol.DecodeBase(b)
		return base.Type == protocol.TypeModData
	})

	msg, _ := protocol.EncodeCommand(protocol.RequestModData{})
	if err := c.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, c.Incoming(), isReply(protocol.ReplyModDataResponse))
}

func TestWS_DuplicateUsernameRejected(t *testing.T) {
	_, url := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := Dial(ctx, url, "alice")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer first.Close()
	if _, err := Dial(ctx, url, "alice"); err == nil {
		t.Fatalf("second connection for alice accepted")
	}
}

func TestWS_BadProtocolVersion(t *testing.T) {
	_, url := startServer(t)
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	hello := protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: "0.1", Username: "alice"}
	if err := c.WriteJSON(hello); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = c.ReadMessage()
	var ce *websocket.CloseError
	if !asCloseError(err, &ce) || ce.Code != websocket.ClosePolicyViolation || ce.Text != "bad protocol_version" {
		t.Fatalf("read err: %v", err)
	}
}

func asCloseError(err error, out **websocket.CloseError) bool {
	ce, ok := err.(*websocket.CloseError)
	if ok {
		*out = ce
	}
	return ok
}
