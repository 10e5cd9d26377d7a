package client

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestConnBackoffIsCapped(t *testing.T) {
	var dials atomic.Int32
	states := make(chan State, 64)
	c := NewConn(ConnOptions{
		URL: "ws://devcollab.invalid/ws",
		Dialer: &websocket.Dialer{
			NetDialContext: func(context.Context, string, string) (net.Conn, error) {
				dials.Add(1)
				return nil, errors.New("connection refused")
			},
		},
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
		OnState: func(s State) {
			select {
			case states <- s:
			default:
			}
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := c.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("run = %v", err)
	}
	// Uncapped doubling from 10ms fits about six attempts in the window;
	// capped at 20ms it fits more than twenty.
	if n := dials.Load(); n < 12 {
		t.Fatalf("dials = %d, backoff not capped", n)
	}
	if c.State() != StateClosed {
		t.Fatalf("state = %s", c.State())
	}
	if first, second := <-states, <-states; first != StateConnecting || second != StateReconnecting {
		t.Fatalf("states = %s, %s", first, second)
	}
}

func TestConnSendWhileDown(t *testing.T) {
	c := NewConn(ConnOptions{URL: "ws://devcollab.invalid/ws"})
	if err := c.Send("c1", "hi"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send = %v", err)
	}
	// Join while down is remembered for the next connect.
	if err := c.Join("c1"); err != nil {
		t.Fatal(err)
	}
	if err := c.Join("c2"); err != nil {
		t.Fatal(err)
	}
	if err := c.Leave("c2"); err != nil {
		t.Fatal(err)
	}
	if rooms := c.Rooms(); len(rooms) != 1 || rooms[0] != "c1" {
		t.Fatalf("rooms = %v", rooms)
	}
}
