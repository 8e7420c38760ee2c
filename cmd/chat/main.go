package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/aposine/chatsync/internal/api"
	"github.com/aposine/chatsync/internal/config"
	"github.com/aposine/chatsync/internal/conn"
	"github.com/aposine/chatsync/internal/identity"
	"github.com/aposine/chatsync/internal/logging"
	"github.com/aposine/chatsync/internal/store"
	"github.com/aposine/chatsync/internal/syncer"
	"github.com/aposine/chatsync/internal/transport"
	"github.com/aposine/chatsync/pkg/model"
)

func main() {
	token := flag.String("token", "", "JWT access token (overrides CHATSYNC_TOKEN)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if *token != "" {
		cfg.Token = *token
	}
	if *debug {
		cfg.Debug = true
	}
	if cfg.Token == "" {
		fmt.Fprintln(os.Stderr, "An access token is required. Use -token or CHATSYNC_TOKEN")
		os.Exit(1)
	}

	log := logging.New(cfg.Debug)
	defer log.Sync()

	ident, err := identity.FromToken(cfg.Token)
	if err != nil {
		log.Fatal("could not read identity from token", zap.Error(err))
	}
	user := ident.User()

	st := store.New(log)
	manager := conn.NewManager(conn.Config{
		Address:        cfg.SocketURL,
		ReconnectDelay: cfg.ReconnectDelay,
		Dialer:         &transport.WebSocketDialer{},
		Logger:         log,
	})
	coord := syncer.New(syncer.Config{
		API:          api.NewClient(cfg.APIURL, ident),
		Store:        st,
		Conn:         manager,
		Identity:     ident,
		HistoryLimit: cfg.HistoryLimit,
		Logger:       log,
	})
	defer coord.Close()

	coord.Subscribe(func(ev syncer.Event) {
		switch ev.Type {
		case syncer.EventConnection:
			fmt.Printf("*** connection %s ***\n", ev.Connection)
		case syncer.EventMessages:
			if ev.ConversationID != coord.Active() {
				return
			}
			if msg, ok := st.LastMessage(ev.ConversationID); ok && msg.SenderID != user.ID {
				fmt.Printf("[%s]: %s\n", msg.SenderID, msg.Content)
			}
		}
	})

	ctx := context.Background()
	if err := coord.Start(ctx); err != nil {
		log.Fatal("startup failed", zap.Error(err))
	}
	fmt.Printf("Signed in as %s. Type /help for commands.\n", user.Username)

	repl(ctx, coord, st, user)
}

func repl(ctx context.Context, coord *syncer.Coordinator, st *store.Store, user model.User) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return
		}
		if strings.HasPrefix(line, "/") {
			runCommand(ctx, coord, st, user, line)
			continue
		}

		active := coord.Active()
		if active == "" {
			fmt.Println("No conversation selected. Use /list then /select <n>")
			continue
		}
		if _, err := coord.Send(active, line); err != nil {
			fmt.Printf("send failed: %v\n", err)
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "error reading input: %v\n", err)
	}
}

func runCommand(ctx context.Context, coord *syncer.Coordinator, st *store.Store, user model.User, line string) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/help":
		fmt.Println("/list              show conversations with unread counts")
		fmt.Println("/select <n>        open the n-th conversation from /list")
		fmt.Println("/users             list other users")
		fmt.Println("/new <user-id>     start a direct conversation")
		fmt.Println("/quit              exit")

	case "/list":
		convs := st.Conversations()
		if len(convs) == 0 {
			fmt.Println("No conversations yet. Use /new <user-id>")
			return
		}
		for i, conv := range convs {
			marker := " "
			if conv.ID == coord.Active() {
				marker = "*"
			}
			unread := st.UnreadCount(conv.ID, user.ID)
			preview := ""
			if msg, ok := st.LastMessage(conv.ID); ok {
				preview = msg.Content
			}
			fmt.Printf("%s %2d. %-20s unread:%d  %s\n", marker, i+1, conversationTitle(conv, user.ID), unread, preview)
		}

	case "/select":
		if len(fields) < 2 {
			fmt.Println("usage: /select <n>")
			return
		}
		n, err := strconv.Atoi(fields[1])
		convs := st.Conversations()
		if err != nil || n < 1 || n > len(convs) {
			fmt.Println("no such conversation, see /list")
			return
		}
		conv := convs[n-1]
		coord.Select(ctx, conv.ID)
		fmt.Printf("--- %s ---\n", conversationTitle(conv, user.ID))
		for _, msg := range st.Messages(conv.ID) {
			fmt.Printf("[%s]: %s\n", msg.SenderID, msg.Content)
		}

	case "/users":
		users, err := coord.Users(ctx)
		if err != nil {
			fmt.Printf("could not list users: %v\n", err)
			return
		}
		for _, u := range users {
			fmt.Printf("%s  %s\n", u.ID, u.Username)
		}

	case "/new":
		if len(fields) < 2 {
			fmt.Println("usage: /new <user-id>")
			return
		}
		conv, err := coord.CreateConversation(ctx, api.CreateConversationRequest{
			Type:         model.ConversationDirect,
			SenderID:     user.ID,
			Participants: []string{user.ID, fields[1]},
		})
		if err != nil {
			fmt.Printf("could not create conversation: %v\n", err)
			return
		}
		fmt.Printf("--- %s ---\n", conversationTitle(conv, user.ID))

	default:
		fmt.Printf("unknown command %s, see /help\n", fields[0])
	}
}

// conversationTitle names a conversation the way a chat list does: the group
// name when set, otherwise the other participant of a direct conversation.
func conversationTitle(conv model.Conversation, selfID string) string {
	if conv.Name != "" {
		return conv.Name
	}
	for _, p := range conv.Participants {
		if p.UserID != selfID {
			if p.DisplayName != "" {
				return p.DisplayName
			}
			return p.UserID
		}
	}
	return conv.ID
}
