package events

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(_ context.Context, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func TestMulti_FansOut(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	Multi{a, Nop{}, b}.Publish(context.Background(), Event{Type: OrderCreated, OrderID: "o1"})

	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("expected one event per sink, got %d/%d", len(a.events), len(b.events))
	}
}

func TestEventKey(t *testing.T) {
	tests := []struct {
		ev   Event
		want string
	}{
		{Event{OrderID: "o", PropertyID: "p", ChannelID: "c"}, "c"},
		{Event{OrderID: "o", PropertyID: "p"}, "p"},
		{Event{OrderID: "o"}, "o"},
	}
	for _, tt := range tests {
		if got := tt.ev.Key(); got != tt.want {
			t.Errorf("Key() = %q, want %q", got, tt.want)
		}
	}
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaPublisher_WritesKeyedJSON(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w, timeout: time.Second}

	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	p.Publish(context.Background(), Event{Type: SettlementCompleted, ChannelID: "ch-1", TxHash: "0xabc", Timestamp: ts})

	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "ch-1" {
		t.Errorf("expected key ch-1, got %q", msg.Key)
	}
	var got Event
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatalf("invalid payload: %v", err)
	}
	if got.Type != SettlementCompleted || got.TxHash != "0xabc" {
		t.Errorf("unexpected payload: %+v", got)
	}
}

func TestKafkaPublisher_FailureDoesNotPanic(t *testing.T) {
	p := &KafkaPublisher{writer: &fakeWriter{err: errors.New("broker down")}, timeout: time.Second}
	p.Publish(context.Background(), Event{Type: OrderCreated})
}

func TestHub_BroadcastsToClients(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Registration is asynchronous; publish until the client sees a message.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := make(chan Event, 1)
	go func() {
		var ev Event
		if err := conn.ReadJSON(&ev); err == nil {
			got <- ev
		}
	}()

	deadline := time.After(2 * time.Second)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case ev := <-got:
			if ev.Type != OrderMatched || ev.OrderID != "o1" {
				t.Errorf("unexpected event: %+v", ev)
			}
			return
		case <-tick.C:
			hub.Publish(ctx, Event{Type: OrderMatched, OrderID: "o1"})
		case <-deadline:
			t.Fatal("no event received")
		}
	}
}

func TestHub_ConnectAfterStopDoesNotHang(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	cancel()
	select {
	case <-hub.done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// A stopped hub closes the socket instead of parking the handler on
	// the register channel.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if err == nil {
		t.Fatal("expected the connection to be closed")
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatalf("handler blocked on a stopped hub: %v", err)
	}
}
