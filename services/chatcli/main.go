// Command chatcli is a terminal chat client for the dev server. It logs in
// through the dev token endpoint, opens a direct chat and keeps it in sync
// over the realtime socket, refetching history after every reconnect.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/devcollab/internal/client"
	"github.com/devcollab/internal/handler"
	"github.com/devcollab/internal/logger"
	"github.com/devcollab/internal/model"
	"github.com/devcollab/internal/ws"
)

func main() {
	logger.SetPrefix("chatcli")
	server := flag.String("server", "http://localhost:8080", "API base URL")
	username := flag.String("user", "", "your username (dev login)")
	peer := flag.String("with", "", "username to chat with")
	flag.Parse()
	if *username == "" || *peer == "" {
		fmt.Fprintln(os.Stderr, "usage: chatcli -user alice -with bob")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	anon := client.NewAPI(*server, "", nil)
	me, err := anon.DevLogin(ctx, *username)
	if err != nil {
		fatal("login", err)
	}
	if _, err := anon.DevLogin(ctx, *peer); err != nil {
		fatal("seed peer", err)
	}
	api := anon.WithToken(me.Token)
	chat, _, err := api.OpenDirect(ctx, handler.DevUserID(strings.ToLower(*peer)))
	if err != nil {
		fatal("open chat", err)
	}
	chatID := chat.Chat.ID

	typing := client.NewTypingSet(client.TypingTimeout, nil, func(names []string) {
		if len(names) > 0 {
			fmt.Printf("  (%s typing...)\n", strings.Join(names, ", "))
		}
	})
	view := client.NewView(chatID, me.User.ID, typing)
	if _, err := view.Resync(ctx, api); err != nil {
		fatal("history", err)
	}
	for _, m := range view.Timeline.Messages() {
		printMessage(m)
	}

	conn := client.NewConn(client.ConnOptions{
		URL:   wsURL(*server),
		Token: me.Token,
		OnEvent: func(ev client.Event) {
			switch ev.Type {
			case ws.EventError:
				var p ws.ErrorPayload
				if ev.Decode(&p) == nil {
					fmt.Printf("  ! %s: %s\n", p.Code, p.Message)
				}
			case ws.EventReceiveMessage:
				var p ws.ReceiveMessagePayload
				if ev.Decode(&p) != nil || p.Message == nil {
					return
				}
				// Our own sends come back too; the timeline drops the duplicate.
				if upd, err := view.HandleEvent(ev); err == nil && upd.NewMessage {
					printMessage(*p.Message)
				}
			default:
				_, _ = view.HandleEvent(ev)
			}
		},
		OnState: func(s client.State) {
			if s == client.StateReconnecting {
				fmt.Println("  (reconnecting...)")
			}
		},
		OnResync: func(ctx context.Context) {
			if n, err := view.Resync(ctx, api); err != nil {
				fmt.Printf("  ! resync failed: %v\n", err)
			} else if n > 0 {
				fmt.Printf("  (%d missed messages)\n", n)
			}
		},
	})
	_ = conn.Join(chatID)
	go func() {
		if err := conn.Run(ctx); errors.Is(err, client.ErrAuthentication) {
			fmt.Println("  ! session rejected, log in again")
			stop()
		}
	}()

	fmt.Printf("chatting with %s, /quit to leave\n", *peer)
	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok || line == "/quit" {
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				_ = conn.Typing(chatID, me.User.DisplayName)
				continue
			}
			if err := conn.Send(chatID, line); errors.Is(err, client.ErrNotConnected) {
				// No live socket: persist through REST; peers see it after they resync.
				sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
				m, err := api.Send(sctx, chatID, line)
				cancel()
				if err != nil {
					fmt.Printf("  ! send failed: %v\n", err)
					continue
				}
				if view.Timeline.ApplyEvent(*m) {
					printMessage(*m)
				}
			}
		}
	}
}

func printMessage(m model.Message) {
	who := m.SenderID
	if m.Sender != nil {
		who = m.Sender.Name()
	}
	line := m.Content
	for _, a := range m.Attachments {
		line += fmt.Sprintf(" [%s %s]", a.Kind, a.Filename)
	}
	if pct, ok := m.ProgressOf(); ok {
		line += fmt.Sprintf(" {project %d%%}", pct)
	}
	fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04"), who, line)
}

func wsURL(base string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String()
}

func fatal(what string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", what, err)
	os.Exit(1)
}
