// Package chat implements the interactive conversation REPL used for manual
// testing against a backend.
package chat

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/fleetgrid/ordertalk/cmd/ordertalk/internal"
	"github.com/fleetgrid/ordertalk/pkg/auth"
	"github.com/fleetgrid/ordertalk/pkg/channel"
	chatmodel "github.com/fleetgrid/ordertalk/pkg/chat"
	"github.com/fleetgrid/ordertalk/pkg/events"
	"github.com/fleetgrid/ordertalk/pkg/gateway"
	"github.com/fleetgrid/ordertalk/pkg/logger"
	"github.com/fleetgrid/ordertalk/pkg/session"
)

func NewChatCommand() *cobra.Command {
	var (
		orderID   string
		recipient string
		role      string
		debug     bool
	)

	cmd := &cobra.Command{
		Use:     "chat",
		Short:   "Open an order conversation",
		Example: "ordertalk chat --order ORD-1042 --recipient +4915112345678",
		RunE: func(cmd *cobra.Command, args []string) error {
			return chatCmd(orderID, recipient, role, debug)
		},
	}

	cmd.Flags().StringVar(&orderID, "order", "", "order id of the conversation")
	cmd.Flags().StringVar(&recipient, "recipient", "", "recipient contact address")
	cmd.Flags().StringVar(&role, "role", "", "sender role (defaults to config)")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	cmd.MarkFlagRequired("order")

	return cmd
}

func chatCmd(orderID, recipient, role string, debug bool) error {
	if debug {
		logger.SetLevel(logger.DEBUG)
	}

	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if role == "" {
		role = cfg.Chat.SenderRole
	}

	cred, err := auth.Load()
	if err != nil && err != auth.ErrNoCredential {
		return err
	}
	token := ""
	if cred != nil {
		token = cred.AccessToken
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()
	defer bus.Close()

	manager := channel.NewManager(channel.Config{
		URL:               cfg.Channel.URL,
		ReconnectAttempts: cfg.Channel.ReconnectAttempts,
		ReconnectDelay:    time.Duration(cfg.Channel.ReconnectDelaySeconds) * time.Second,
		PingInterval:      time.Duration(cfg.Channel.PingIntervalSeconds) * time.Second,
	}, bus)
	defer manager.Close()

	gw := gateway.New(gateway.Config{
		BaseURL: cfg.Gateway.BaseURL,
		Timeout: time.Duration(cfg.Gateway.TimeoutSeconds) * time.Second,
	}, credTokenSource(cred))

	sess := session.New(session.Config{
		ConversationID:    orderID,
		SenderRole:        role,
		RecipientAddress:  recipient,
		MaxAttachmentSize: cfg.Chat.MaxAttachmentBytes,
	}, gw, manager, bus)
	defer sess.Close()

	sess.SetUpdateHandler(func() {
		msgs := sess.Store().Snapshot()
		if len(msgs) == 0 {
			return
		}
		last := msgs[len(msgs)-1]
		fmt.Printf("  %s\n", formatMessage(last))
	})

	go sess.Run(ctx)
	if err := manager.Connect(ctx, token); err != nil {
		return err
	}

	fmt.Printf("Conversation %s (type /help for commands)\n", orderID)
	return repl(ctx, sess, manager, token)
}

func repl(ctx context.Context, sess *session.Session, manager *channel.Manager, token string) error {
	rl, err := readline.New("> ")
	if err != nil {
		return err
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt || err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case line == "/quit":
			return nil
		case line == "/help":
			fmt.Println("/list        show the conversation")
			fmt.Println("/file <path> send a file")
			fmt.Println("/state       show connection state")
			fmt.Println("/reconnect   force a reconnect")
			fmt.Println("/quit        leave the conversation")
		case line == "/list":
			for _, m := range sess.Store().Snapshot() {
				fmt.Printf("  %s\n", formatMessage(m))
			}
		case line == "/state":
			fmt.Println(manager.State())
		case strings.HasPrefix(line, "/file "):
			att, err := attachmentFromPath(strings.TrimSpace(strings.TrimPrefix(line, "/file ")))
			if err != nil {
				fmt.Println("file:", err)
				continue
			}
			if _, err := sess.Send(ctx, session.SendInput{Kind: chatmodel.KindFile, Attachment: att}); err != nil {
				fmt.Println("send:", err)
			}
		case line == "/reconnect":
			cred, err := auth.Load()
			if err == nil {
				token = cred.AccessToken
			}
			if err := manager.ForceReconnect(ctx, token); err != nil {
				fmt.Println("reconnect:", err)
			}
		default:
			if _, err := sess.Send(ctx, session.SendInput{Content: line}); err != nil {
				fmt.Println("send:", err)
			}
		}
	}
}

// attachmentFromPath builds the attachment descriptor for a local file. The
// content type comes from the extension and is checked against the
// attachment allow-list before any bytes travel.
func attachmentFromPath(path string) (*chatmodel.Attachment, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	ct := mime.TypeByExtension(filepath.Ext(path))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = ct[:i]
	}
	if !chatmodel.AllowedContentType(ct) {
		return nil, fmt.Errorf("unsupported file type %q", filepath.Ext(path))
	}

	return &chatmodel.Attachment{
		Name:        filepath.Base(path),
		ContentType: ct,
		Size:        info.Size(),
	}, nil
}

func credTokenSource(cred *auth.Credential) oauth2.TokenSource {
	if cred == nil {
		return nil
	}
	return cred.TokenSource()
}

func formatMessage(m chatmodel.Message) string {
	prefix := "<-"
	if m.Direction == chatmodel.DirectionOutbound {
		prefix = "->"
	}
	line := fmt.Sprintf("%s %s", prefix, m.Content)
	if m.Direction == chatmodel.DirectionOutbound && m.DeliveryStatus != "" {
		line += fmt.Sprintf(" [%s]", m.DeliveryStatus)
	}
	return line
}
