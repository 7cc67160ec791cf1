package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/carelane/portalchat/internal/config"
	"github.com/carelane/portalchat/internal/conversation"
	"github.com/carelane/portalchat/internal/push"
	"github.com/carelane/portalchat/internal/rpc"
	"github.com/carelane/portalchat/internal/session"
	"github.com/carelane/portalchat/internal/tui/client"
	qrcode "github.com/skip2/go-qrcode"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fail(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Commands that do not talk to the daemon.
	switch args[0] {
	case "link":
		cmdLink(args[1:])
		return
	case "push":
		cmdPush(ctx, args[1:], *jsonFlag)
		return
	}

	socketPath := session.SocketPath(sessionName)
	c, err := client.New(socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for session %q: %v\n", sessionName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, *jsonFlag)
	case "login":
		if len(args) != 3 {
			usageExit("usage: portalctl login <user-id> <token>")
		}
		resp, err := c.Session.Login(ctx, &rpc.LoginRequest{UserID: args[1], Token: args[2]})
		check(err)
		output(*jsonFlag, resp, func() { fmt.Printf("Signed in as %s (%s)\n", resp.UserID, resp.State) })
	case "logout":
		resp, err := c.Session.Logout(ctx, &rpc.Empty{})
		check(err)
		output(*jsonFlag, resp, func() {
			fmt.Println("Signed out.")
			if resp.Message != "" {
				fmt.Println(resp.Message)
			}
		})
	case "conversations":
		refresh := len(args) > 1 && args[1] == "--refresh"
		resp, err := c.Conversations.List(ctx, &rpc.ListConversationsRequest{Refresh: refresh})
		check(err)
		output(*jsonFlag, resp, func() { printConversations(resp.Conversations) })
	case "messages":
		if len(args) < 2 {
			usageExit("usage: portalctl messages <conversation-id> [--refresh]")
		}
		refresh := len(args) > 2 && args[2] == "--refresh"
		resp, err := c.Conversations.Messages(ctx, &rpc.MessagesRequest{ConversationID: args[1], Refresh: refresh})
		check(err)
		output(*jsonFlag, resp, func() { printMessages(resp.Messages) })
	case "select":
		id := ""
		if len(args) > 1 {
			id = args[1]
		}
		_, err := c.Conversations.Select(ctx, &rpc.SelectRequest{ConversationID: id})
		check(err)
	case "send":
		if len(args) < 3 {
			usageExit("usage: portalctl send <conversation-id> <text>")
		}
		resp, err := c.Conversations.Send(ctx, &rpc.SendRequest{
			ConversationID: args[1],
			Content:        strings.Join(args[2:], " "),
		})
		check(err)
		output(*jsonFlag, resp, func() { fmt.Printf("%s %s\n", resp.Message.ClientID, resp.Message.State) })
	case "retry":
		if len(args) != 3 {
			usageExit("usage: portalctl retry <conversation-id> <client-message-id>")
		}
		resp, err := c.Conversations.Retry(ctx, &rpc.RetryRequest{ConversationID: args[1], ClientID: args[2]})
		check(err)
		output(*jsonFlag, resp, func() { fmt.Printf("%s %s\n", resp.Message.ClientID, resp.Message.State) })
	case "refresh":
		_, err := c.Conversations.Refresh(ctx, &rpc.Empty{})
		check(err)
	case "foreground", "background":
		_, err := c.Session.SetForeground(ctx, &rpc.SetForegroundRequest{Foreground: args[0] == "foreground"})
		check(err)
	case "notifications":
		cmdNotifications(ctx, c, args[1:], *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: portalctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                           Show session status")
	fmt.Fprintln(os.Stderr, "  login <user-id> <token>          Sign in")
	fmt.Fprintln(os.Stderr, "  logout                           Sign out and retire this device")
	fmt.Fprintln(os.Stderr, "  conversations [--refresh]        List conversations")
	fmt.Fprintln(os.Stderr, "  messages <id> [--refresh]        Show a conversation's messages")
	fmt.Fprintln(os.Stderr, "  select [<id>]                    Mark a conversation as on screen")
	fmt.Fprintln(os.Stderr, "  send <id> <text>                 Send a message")
	fmt.Fprintln(os.Stderr, "  retry <id> <client-message-id>   Resend a failed message")
	fmt.Fprintln(os.Stderr, "  refresh                          Resynchronize with the server")
	fmt.Fprintln(os.Stderr, "  foreground | background          Report window visibility")
	fmt.Fprintln(os.Stderr, "  notifications status|request|enable|disable|answer yes|no")
	fmt.Fprintln(os.Stderr, "  link <conversation-id> [--qr]    Print a deep link")
	fmt.Fprintln(os.Stderr, "  push list [--all] | open <tag>   Inspect delivered notifications")
}

func cmdStatus(ctx context.Context, c *client.Client, jsonOut bool) {
	resp, err := c.Session.GetStatus(ctx, &rpc.GetStatusRequest{})
	check(err)
	output(jsonOut, resp, func() {
		user := "signed out"
		if resp.LoggedIn {
			user = resp.UserID
		}
		fmt.Printf("Session:       %s\n", resp.Session)
		fmt.Printf("User:          %s\n", user)
		fmt.Printf("Connection:    %s\n", resp.State)
		if resp.Attempt > 0 {
			fmt.Printf("Attempt:       %d\n", resp.Attempt)
		}
		if resp.Warning != "" {
			fmt.Printf("Warning:       %s\n", resp.Warning)
		}
		fmt.Printf("Foreground:    %v\n", resp.Foreground)
		fmt.Printf("Conversations: %d\n", resp.ConversationCount)
		fmt.Printf("Messages:      %d\n", resp.MessageCount)
		fmt.Printf("Notifications: %s\n", resp.Permission)
		fmt.Printf("Uptime:        %s\n", (time.Duration(resp.UptimeMs) * time.Millisecond).Round(time.Second))
	})
}

func cmdNotifications(ctx context.Context, c *client.Client, args []string, jsonOut bool) {
	if len(args) == 0 {
		usageExit("usage: portalctl notifications status|request|enable|disable|answer yes|no")
	}
	var (
		resp *rpc.PermissionResponse
		err  error
	)
	switch args[0] {
	case "status":
		resp, err = c.Devices.GetPermission(ctx, &rpc.Empty{})
	case "request":
		// Waits for an answer from the window or another portalctl.
		resp, err = c.Devices.RequestPermission(context.Background(), &rpc.Empty{})
	case "enable":
		resp, err = c.Devices.Enable(ctx, &rpc.Empty{})
	case "disable":
		resp, err = c.Devices.Disable(ctx, &rpc.Empty{})
	case "answer":
		if len(args) != 2 || (args[1] != "yes" && args[1] != "no") {
			usageExit("usage: portalctl notifications answer yes|no")
		}
		_, err = c.Devices.AnswerPrompt(ctx, &rpc.AnswerPromptRequest{Granted: args[1] == "yes"})
		check(err)
		return
	default:
		usageExit("unknown notifications subcommand: " + args[0])
	}
	check(err)
	output(jsonOut, resp, func() {
		if !resp.Supported {
			fmt.Println("Notifications are unavailable on this device.")
			return
		}
		fmt.Printf("Permission: %s\n", resp.Permission)
		if resp.PromptPending {
			fmt.Println("A permission prompt is waiting for an answer.")
		}
		if resp.Token != "" {
			fmt.Printf("Token:      %s\n", resp.Token)
		}
	})
}

func cmdLink(args []string) {
	fs := flag.NewFlagSet("link", flag.ExitOnError)
	qr := fs.Bool("qr", false, "render the link as a QR code")
	var id string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		id, args = args[0], args[1:]
	}
	_ = fs.Parse(args)
	if id == "" && fs.NArg() > 0 {
		id = fs.Arg(0)
	}
	if id == "" {
		usageExit("usage: portalctl link <conversation-id> [--qr]")
	}

	link := push.DeepLink("/chat/" + url.PathEscape(id))
	if !*qr {
		fmt.Println(link)
		return
	}
	code, err := qrcode.New(link, qrcode.Low)
	check(err)
	fmt.Print(code.ToSmallString(false))
	fmt.Println(link)
}

func cmdPush(ctx context.Context, args []string, jsonOut bool) {
	if len(args) == 0 {
		usageExit("usage: portalctl push list [--all] | open <tag>")
	}
	cfg, err := config.Resolve(session.ConfigPath())
	check(err)
	base := "http://" + cfg.Push.ListenAddr + "/v1/notifications"

	switch args[0] {
	case "list":
		u := base + "/"
		if len(args) > 1 && args[1] == "--all" {
			u += "?all=1"
		}
		var resp struct {
			Notifications []push.Rendered `json:"notifications"`
		}
		check(pushCall(ctx, http.MethodGet, u, &resp))
		output(jsonOut, resp, func() {
			if len(resp.Notifications) == 0 {
				fmt.Println("No notifications.")
				return
			}
			for _, n := range resp.Notifications {
				count := ""
				if n.Count > 1 {
					count = fmt.Sprintf(" (%d)", n.Count)
				}
				fmt.Printf("%-28s %s%s: %s\n", n.Tag, n.Title, count, n.Body)
			}
		})
	case "open":
		if len(args) != 2 {
			usageExit("usage: portalctl push open <tag>")
		}
		var resp struct {
			Destination string `json:"destination"`
		}
		check(pushCall(ctx, http.MethodPost, base+"/"+url.PathEscape(args[1])+"/click", &resp))
		output(jsonOut, resp, func() { fmt.Printf("Opened %s\n", resp.Destination) })
	default:
		usageExit("unknown push subcommand: " + args[0])
	}
}

func pushCall(ctx context.Context, method, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("push listener unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s: %s", resp.Status, e.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printConversations(convs []conversation.Conversation) {
	if len(convs) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, c := range convs {
		var names []string
		for _, p := range c.Participants {
			names = append(names, p.DisplayName)
		}
		last := ""
		if c.LastMessage != nil {
			last = c.LastMessage.Content
		}
		fmt.Printf("%-24s %3d  %-30s %s\n", c.ID, c.UnreadCount, strings.Join(names, ", "), last)
	}
}

func printMessages(msgs []conversation.Message) {
	for _, m := range msgs {
		state := ""
		if m.State != "" && m.State != conversation.Confirmed {
			state = " [" + string(m.State) + "]"
		}
		fmt.Printf("%s %s%s: %s\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), m.SenderID, state, m.Content)
	}
}

func output(jsonOut bool, v any, text func()) {
	if !jsonOut {
		text()
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}

func check(err error) {
	if err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func usageExit(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
