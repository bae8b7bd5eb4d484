package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/beegramm/beegram/internal/config"
	"github.com/beegramm/beegram/internal/control"
	"github.com/beegramm/beegram/internal/model"
	"github.com/beegramm/beegram/internal/profile"
	"github.com/beegramm/beegram/internal/router"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fail(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	// profiles works without a running daemon.
	if args[0] == "profiles" {
		cmdProfiles(args[1:], *jsonFlag)
		return
	}

	c, err := control.Dial(profile.SocketPath(name))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for profile %q: %v\n", name, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		prefix := ""
		if len(args) > 1 {
			prefix = args[1]
		}
		cmdWatch(c, prefix)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		resp, err := c.Status(ctx)
		if err != nil {
			fail(err)
		}
		if *jsonFlag {
			outputJSON(resp)
			return
		}
		fmt.Printf("Profile:  %s\n", resp.Profile)
		fmt.Printf("Status:   %s (reconnects: %d)\n", resp.State, resp.Reconnects)
		fmt.Printf("User:     %s (id %d)\n", resp.Self.Username, resp.Self.ID)
		fmt.Printf("Chat:     %d\n", resp.ActiveChatID)
		fmt.Printf("Call:     %s\n", resp.Call.State)
		fmt.Printf("Missed:   %d in the last 24h\n", resp.MissedCalls)
		fmt.Printf("Uptime:   %dms\n", resp.UptimeMs)
	case "chats":
		resp, err := c.ListChats(ctx)
		if err != nil {
			fail(err)
		}
		if *jsonFlag {
			outputJSON(resp)
			return
		}
		for _, ch := range resp.Chats {
			fmt.Printf("%6d  %-30s unread %d\n", ch.ID, ch.Name, ch.UnreadCount)
		}
	case "open":
		need(args, 2, "open <chat-id>")
		check(c.OpenChat(ctx, parseID(args[1])))
	case "close":
		check(c.CloseChat(ctx))
	case "messages":
		resp, err := c.ListMessages(ctx)
		if err != nil {
			fail(err)
		}
		if *jsonFlag {
			outputJSON(resp)
			return
		}
		for _, m := range resp.Messages {
			fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format(time.DateTime), senderName(m), displayContent(m))
		}
		if len(resp.Typing) > 0 {
			fmt.Printf("(%s typing)\n", strings.Join(resp.Typing, ", "))
		}
	case "send":
		need(args, 2, "send <text>")
		sendMessage(ctx, c, &control.SendMessageRequest{Content: strings.Join(args[1:], " ")}, *jsonFlag)
	case "count":
		need(args, 2, "count <text>")
		counter, err := c.CountContent(ctx, strings.Join(args[1:], " "))
		if err != nil {
			fail(err)
		}
		if *jsonFlag {
			outputJSON(counter)
			return
		}
		printCounter(counter)
	case "sticker":
		need(args, 2, "sticker <emoji>")
		sendMessage(ctx, c, &control.SendMessageRequest{Content: args[1], Type: model.TypeSticker}, *jsonFlag)
	case "file":
		need(args, 3, "file <image|file|voice> <url> [caption]")
		sendMessage(ctx, c, &control.SendMessageRequest{
			Type:    model.MessageType(args[1]),
			FileURL: args[2],
			Content: strings.Join(args[3:], " "),
		}, *jsonFlag)
	case "react":
		need(args, 3, "react <message-id> <emoji>")
		check(c.React(ctx, parseID(args[1]), args[2]))
	case "delete":
		need(args, 2, "delete <message-id>")
		check(c.DeleteMessage(ctx, parseID(args[1])))
	case "typing":
		check(c.Typing(ctx))
	case "background":
		need(args, 2, "background <on|off>")
		check(c.SetBackgrounded(ctx, args[1] == "on"))
	case "search":
		need(args, 2, "search <query>")
		resp, err := c.SearchUsers(ctx, args[1])
		if err != nil {
			fail(err)
		}
		if *jsonFlag {
			outputJSON(resp)
			return
		}
		for _, u := range resp.Users {
			fmt.Printf("%6d  %s\n", u.ID, u.Username)
		}
	case "create":
		cmdCreate(ctx, c, args[1:], *jsonFlag)
	case "call":
		need(args, 2, "call <start|accept|reject|hangup|mute|unmute>")
		cmdCall(ctx, c, args[1], *jsonFlag)
	case "calls":
		cmdCalls(ctx, c, args[1:], *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: beegramctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                          Show daemon status")
	fmt.Fprintln(os.Stderr, "  chats                           List chats")
	fmt.Fprintln(os.Stderr, "  open <chat-id>                  Open a chat")
	fmt.Fprintln(os.Stderr, "  close                           Leave the open chat")
	fmt.Fprintln(os.Stderr, "  messages                        Show the open chat")
	fmt.Fprintln(os.Stderr, "  send <text>                     Send a text message")
	fmt.Fprintln(os.Stderr, "  count <text>                    Measure a draft against the length limit")
	fmt.Fprintln(os.Stderr, "  sticker <emoji>                 Send a sticker")
	fmt.Fprintln(os.Stderr, "  file <type> <url> [caption]     Send an uploaded file")
	fmt.Fprintln(os.Stderr, "  react <message-id> <emoji>      Toggle a reaction")
	fmt.Fprintln(os.Stderr, "  delete <message-id>             Delete a message")
	fmt.Fprintln(os.Stderr, "  typing                          Report a keystroke")
	fmt.Fprintln(os.Stderr, "  background <on|off>             Mark the UI as backgrounded")
	fmt.Fprintln(os.Stderr, "  search <query>                  Find users")
	fmt.Fprintln(os.Stderr, "  create private <user-id>        Start a private chat")
	fmt.Fprintln(os.Stderr, "  create group|channel <name> [user-id...]")
	fmt.Fprintln(os.Stderr, "  call start|accept|reject|hangup|mute|unmute")
	fmt.Fprintln(os.Stderr, "  calls [peer-user-id]            Show the call log")
	fmt.Fprintln(os.Stderr, "  watch [prefix]                  Stream events")
	fmt.Fprintln(os.Stderr, "  profiles list                   List profiles")
	fmt.Fprintln(os.Stderr, "  profiles use <name>             Set the default profile")
}

func sendMessage(ctx context.Context, c *control.Client, req *control.SendMessageRequest, jsonOut bool) {
	resp, err := c.SendMessage(ctx, req)
	if status.Code(err) == codes.InvalidArgument {
		if counter, cerr := c.CountContent(ctx, req.Content); cerr == nil && counter.Over {
			printCounter(counter)
		}
	}
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Printf("sent (%d/%d)\n", resp.Counter.Length, resp.Counter.Limit)
}

func printCounter(c router.Counter) {
	if c.Over {
		fmt.Printf("%d/%d, %d over the limit\n", c.Length, c.Limit, c.Length-c.Limit)
		return
	}
	fmt.Printf("%d/%d\n", c.Length, c.Limit)
}

func cmdCreate(ctx context.Context, c *control.Client, args []string, jsonOut bool) {
	if len(args) < 2 {
		fail(errors.New("usage: beegramctl create private <user-id> | create group|channel <name> [user-id...]"))
	}
	req := &control.CreateChatRequest{Open: true}
	switch args[0] {
	case "private":
		req.Members = []int64{parseID(args[1])}
	case "group", "channel":
		req.IsGroup = true
		req.IsChannel = args[0] == "channel"
		req.Name = args[1]
		for _, a := range args[2:] {
			req.Members = append(req.Members, parseID(a))
		}
	default:
		fail(fmt.Errorf("unknown chat kind %q", args[0]))
	}
	resp, err := c.CreateChat(ctx, req)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Printf("chat %d created\n", resp.ChatID)
}

func cmdCall(ctx context.Context, c *control.Client, sub string, jsonOut bool) {
	var (
		resp *control.CallResponse
		err  error
	)
	switch sub {
	case "start":
		resp, err = c.StartCall(ctx)
	case "accept":
		resp, err = c.AcceptCall(ctx)
	case "reject":
		resp, err = c.RejectCall(ctx)
	case "hangup":
		resp, err = c.Hangup(ctx)
	case "mute", "unmute":
		resp, err = c.SetMuted(ctx, sub == "mute")
	default:
		fail(fmt.Errorf("unknown call subcommand: %s", sub))
	}
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Printf("call: %s (peer %d, muted %v)\n", resp.Call.State, resp.Call.PeerUserID, resp.Call.Muted)
}

func cmdCalls(ctx context.Context, c *control.Client, args []string, jsonOut bool) {
	req := &control.ListCallsRequest{Limit: 50}
	if len(args) > 0 {
		req.PeerUserID = parseID(args[0])
	}
	resp, err := c.ListCalls(ctx, req)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	if len(resp.Calls) == 0 {
		fmt.Println("No calls.")
		return
	}
	for _, r := range resp.Calls {
		fmt.Printf("%s  %-8s %-9s peer %-6d %s\n",
			r.StartedAt.Local().Format(time.DateTime), r.Direction, r.Outcome, r.PeerUserID, r.Duration().Round(time.Second))
	}
}

func cmdWatch(c *control.Client, prefix string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	stream, err := c.WatchEvents(ctx, prefix)
	if err != nil {
		fail(err)
	}
	for {
		evt, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return
			}
			fail(err)
		}
		fmt.Printf("%s %-28s %s\n", time.UnixMilli(evt.OccurredAtUnixMs).Format(time.TimeOnly), evt.Kind, evt.Payload)
	}
}

func cmdProfiles(args []string, jsonOut bool) {
	if len(args) == 0 {
		fail(errors.New("usage: beegramctl profiles <list|use <name>>"))
	}
	switch args[0] {
	case "list":
		list, err := profile.List()
		if err != nil {
			fail(err)
		}
		if jsonOut {
			outputJSON(list)
			return
		}
		if len(list) == 0 {
			fmt.Println("No profiles found.")
			return
		}
		for _, p := range list {
			running := "stopped"
			if p.PID != 0 {
				running = fmt.Sprintf("running, pid %d", p.PID)
			}
			fmt.Printf("%-20s %s (%s)\n", p.Name, p.Path, running)
		}
	case "use":
		if len(args) < 2 {
			fail(errors.New("usage: beegramctl profiles use <name>"))
		}
		if err := profile.ValidateName(args[1]); err != nil {
			fail(err)
		}
		if err := config.Save(profile.ConfigPath(), &config.Config{DefaultProfile: args[1]}); err != nil {
			fail(err)
		}
		fmt.Printf("default profile set to %s\n", args[1])
	default:
		fail(fmt.Errorf("unknown profiles subcommand: %s", args[0]))
	}
}

func senderName(m model.Message) string {
	if m.Nickname != "" {
		return m.Nickname
	}
	if m.Username != "" {
		return m.Username
	}
	return strconv.FormatInt(m.UserID, 10)
}

func displayContent(m model.Message) string {
	if m.IsDeleted {
		return "(deleted)"
	}
	s := m.Content
	if m.FileURL != "" {
		s = strings.TrimSpace(s + " " + m.FileURL)
	}
	if rs := m.VisibleReactions(); len(rs) > 0 {
		var parts []string
		for _, r := range rs {
			parts = append(parts, r.Emoji)
		}
		s += "  [" + strings.Join(parts, " ") + "]"
	}
	return s
}

func check(err error) {
	if err != nil {
		fail(err)
	}
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fail(errors.New("usage: beegramctl " + usage))
	}
}

func parseID(s string) int64 {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		fail(fmt.Errorf("invalid id %q", s))
	}
	return id
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
