package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/matheus3301/streakchat/internal/api"
	"github.com/matheus3301/streakchat/internal/api/client"
	"github.com/matheus3301/streakchat/internal/chat"
	"github.com/matheus3301/streakchat/internal/config"
	"github.com/matheus3301/streakchat/internal/lock"
	"github.com/matheus3301/streakchat/internal/profile"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// activeProfile is the resolved profile, used for diagnostics.
var activeProfile string

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	profileName, err := profile.Resolve(*profileFlag)
	if err != nil {
		fail(err)
	}
	activeProfile = profileName

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	// init and profiles work without a daemon.
	switch args[0] {
	case "init":
		cmdInit(profileName, args[1:])
		return
	case "profiles":
		cmdProfiles(profileName, *jsonFlag)
		return
	}

	socketPath := profile.SocketPath(profileName)
	c, err := client.New(socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for profile %q: %v\n", profileName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		cmdWatch(c, args[1:], *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out := printer{json: *jsonFlag}
	switch args[0] {
	case "open":
		need(args, 2, "open <conversation>")
		resp, err := c.Open(ctx, args[1])
		check(err)
		out.print(resp, func() { fmt.Printf("%s: %s\n", resp.ConversationID, resp.Status) })
	case "close":
		need(args, 2, "close <conversation>")
		check(c.CloseConversation(ctx, args[1]))
	case "conversations":
		resp, err := c.Conversations(ctx)
		check(err)
		out.print(resp, func() {
			for _, s := range resp.Conversations {
				fmt.Printf("%-20s %s  %s\n", s.ConversationID, formatMs(s.AtUnixMs), s.Preview)
			}
			fmt.Printf("open: %s\n", strings.Join(resp.Open, ", "))
		})
	case "send":
		need(args, 3, "send <conversation> <text>")
		m, err := c.SendText(ctx, args[1], strings.Join(args[2:], " "))
		check(err)
		out.print(m, func() { printMessage(m) })
	case "habit":
		need(args, 5, "habit <conversation> <habit_id> <title> <streak>")
		streak, err := strconv.Atoi(args[4])
		check(err)
		m, err := c.SendCard(ctx, api.SendCardRequest{
			ConversationID: args[1],
			HabitCard:      &chat.HabitCard{HabitID: args[2], Title: args[3], Streak: streak},
		})
		check(err)
		out.print(m, func() { printMessage(m) })
	case "badge":
		need(args, 4, "badge <conversation> <badge_id> <name>")
		m, err := c.SendCard(ctx, api.SendCardRequest{
			ConversationID: args[1],
			BadgeCard:      &chat.BadgeCard{BadgeID: args[2], Name: strings.Join(args[3:], " ")},
		})
		check(err)
		out.print(m, func() { printMessage(m) })
	case "nudge":
		need(args, 3, "nudge <conversation> <note>")
		m, err := c.SendCard(ctx, api.SendCardRequest{
			ConversationID: args[1],
			NudgeCard:      &chat.NudgeCard{Note: strings.Join(args[2:], " ")},
		})
		check(err)
		out.print(m, func() { printMessage(m) })
	case "retry":
		need(args, 2, "retry <local_id>")
		m, err := c.Retry(ctx, args[1])
		check(err)
		out.print(m, func() { printMessage(m) })
	case "discard":
		need(args, 2, "discard <local_id>")
		check(c.Discard(ctx, args[1]))
	case "messages":
		need(args, 2, "messages <conversation>")
		msgs, err := c.Messages(ctx, args[1])
		check(err)
		out.print(msgs, func() {
			for _, m := range msgs {
				printMessage(m)
			}
		})
	case "failed":
		conv := ""
		if len(args) > 1 {
			conv = args[1]
		}
		failed, err := c.Failed(ctx, conv)
		check(err)
		out.print(failed, func() {
			for _, f := range failed {
				fmt.Printf("%s  %-12s %s  (%s)\n", f.LocalID, f.ConversationID, f.Preview, f.Error)
			}
		})
	case "react", "unreact":
		need(args, 4, args[0]+" <conversation> <message_id> <emoji>")
		m, err := c.React(ctx, args[1], args[2], args[3], args[0] == "react")
		check(err)
		out.print(m, func() { printMessage(m) })
	case "typing":
		need(args, 3, "typing <conversation> <on|off>")
		check(c.SetTyping(ctx, args[1], args[2] == "on"))
	case "typists":
		need(args, 2, "typists <conversation>")
		typists, err := c.Typists(ctx, args[1])
		check(err)
		out.print(typists, func() {
			for _, t := range typists {
				fmt.Printf("%s is typing\n", t.DisplayName)
			}
		})
	case "presence":
		need(args, 2, "presence <conversation>")
		records, err := c.Presence(ctx, args[1])
		check(err)
		out.print(records, func() {
			for _, r := range records {
				name := r.DisplayName
				if name == "" {
					name = r.UserID
				}
				fmt.Printf("%-20s online since %s\n", name, formatMs(r.LastSeenUnixMs))
			}
		})
	case "status":
		conv := ""
		if len(args) > 1 {
			conv = args[1]
		}
		resp, err := c.Status(ctx, conv)
		check(err)
		out.print(resp, func() {
			fmt.Printf("Profile: %s\n", resp.Profile)
			fmt.Printf("User:    %s\n", resp.UserID)
			fmt.Printf("Status:  %s\n", resp.Status)
			fmt.Printf("Uptime:  %dms\n", resp.UptimeMs)
			for _, ch := range resp.Channels {
				fmt.Printf("  %-40s %s\n", ch.Topic, ch.State)
			}
		})
	case "backfill":
		need(args, 2, "backfill <rows.jsonl> | backfill --from-transport <conv>")
		var resp client.BackfillResponse
		if args[1] == "--from-transport" {
			need(args, 3, "backfill --from-transport <conv>")
			resp, err = c.BackfillFromTransport(ctx, args[2])
		} else {
			var rows [][]byte
			rows, err = readRows(args[1])
			check(err)
			resp, err = c.Backfill(ctx, rows)
		}
		check(err)
		out.print(resp, func() { fmt.Printf("inserted %d, malformed %d\n", resp.Inserted, resp.Malformed) })
	case "logout":
		check(c.Logout(ctx))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: streakctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  init <user_id> [display_name]         Write profile settings")
	fmt.Fprintln(os.Stderr, "  profiles                              List profiles and running daemons")
	fmt.Fprintln(os.Stderr, "  open <conv>                           Join a conversation")
	fmt.Fprintln(os.Stderr, "  close <conv>                          Leave a conversation")
	fmt.Fprintln(os.Stderr, "  conversations                         List conversation summaries")
	fmt.Fprintln(os.Stderr, "  send <conv> <text>                    Send a text message")
	fmt.Fprintln(os.Stderr, "  habit <conv> <id> <title> <streak>    Share a habit card")
	fmt.Fprintln(os.Stderr, "  badge <conv> <id> <name>              Share a badge card")
	fmt.Fprintln(os.Stderr, "  nudge <conv> <note>                   Nudge a friend")
	fmt.Fprintln(os.Stderr, "  retry <local_id>                      Retry a failed send")
	fmt.Fprintln(os.Stderr, "  discard <local_id>                    Drop a failed send")
	fmt.Fprintln(os.Stderr, "  messages <conv>                       List messages")
	fmt.Fprintln(os.Stderr, "  failed [conv]                         List failed sends")
	fmt.Fprintln(os.Stderr, "  react|unreact <conv> <msg> <emoji>    Toggle a reaction")
	fmt.Fprintln(os.Stderr, "  typing <conv> <on|off>                Send a typing signal")
	fmt.Fprintln(os.Stderr, "  typists <conv>                        Show who is typing")
	fmt.Fprintln(os.Stderr, "  presence <conv>                       Show who is online")
	fmt.Fprintln(os.Stderr, "  status [conv]                         Show connection status")
	fmt.Fprintln(os.Stderr, "  backfill <rows.jsonl>                 Ingest history rows")
	fmt.Fprintln(os.Stderr, "  backfill --from-transport <conv>      Load a conversation's stored history")
	fmt.Fprintln(os.Stderr, "  watch [conv] [namespace]              Stream events")
	fmt.Fprintln(os.Stderr, "  logout                                Leave every conversation")
}

func cmdInit(profileName string, args []string) {
	if len(args) < 1 {
		fail(fmt.Errorf("usage: streakctl init <user_id> [display_name]"))
	}
	path := profile.SettingsPath(profileName)
	s, err := config.LoadSettings(path)
	check(err)
	s.UserID = args[0]
	if len(args) > 1 {
		s.DisplayName = strings.Join(args[1:], " ")
	}
	check(s.Validate())
	check(config.SaveSettings(path, s))
	fmt.Printf("settings written to %s\n", path)
}

type profileView struct {
	Name    string `json:"name"`
	Active  bool   `json:"active"`
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
	UserID  string `json:"user_id,omitempty"`
}

func cmdProfiles(active string, jsonOut bool) {
	names, err := profile.List()
	check(err)
	views := make([]profileView, 0, len(names))
	for _, name := range names {
		v := profileView{Name: name, Active: name == active}
		owner, held, err := lock.Inspect(profile.Dir(name))
		if err == nil && held {
			v.Running, v.PID, v.UserID = true, owner.PID, owner.UserID
		}
		views = append(views, v)
	}
	printer{json: jsonOut}.print(views, func() {
		for _, v := range views {
			marker := " "
			if v.Active {
				marker = "*"
			}
			state := "stopped"
			if v.Running {
				state = fmt.Sprintf("running pid=%d user=%s", v.PID, v.UserID)
			}
			fmt.Printf("%s %-20s %s\n", marker, v.Name, state)
		}
	})
}

func cmdWatch(c *client.Client, args []string, jsonOut bool) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	req := api.WatchRequest{}
	if len(args) > 0 {
		req.ConversationID = args[0]
	}
	if len(args) > 1 {
		req.Namespace = args[1]
	}
	stream, err := c.Watch(ctx, req)
	check(err)
	for {
		evt, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fail(err)
		}
		if jsonOut {
			outputJSON(evt)
			continue
		}
		payload, _ := json.Marshal(evt.Payload)
		fmt.Printf("%s %-28s %-12s %s\n", formatMs(evt.OccurredAtUnixMs), evt.Kind, evt.ConversationID, payload)
	}
}

// readRows reads one JSON row per line; blank lines are skipped.
func readRows(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var rows [][]byte
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !json.Valid([]byte(line)) {
			return nil, fmt.Errorf("invalid JSON row: %.40s", line)
		}
		rows = append(rows, []byte(line))
	}
	return rows, sc.Err()
}

func printMessage(m api.MessageView) {
	body := m.Text
	switch {
	case m.HabitCard != nil:
		body = fmt.Sprintf("[habit] %s %s, %d day streak", m.HabitCard.Emoji, m.HabitCard.Title, m.HabitCard.Streak)
	case m.BadgeCard != nil:
		body = "[badge] " + m.BadgeCard.Name
	case m.NudgeCard != nil:
		body = "[nudge] " + m.NudgeCard.Note
	}
	if m.IsDeleted {
		body = "(deleted)"
	}
	var reactions []string
	for _, r := range m.Reactions {
		reactions = append(reactions, fmt.Sprintf("%s%d", r.Emoji, len(r.UserIDs)))
	}
	fmt.Printf("%s %-36s %-10s %-9s %s %s\n",
		formatMs(m.CreatedAtUnixMs), m.ID, m.SenderID, m.Status, body, strings.Join(reactions, " "))
}

func formatMs(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format("2006-01-02 15:04")
}

type printer struct {
	json bool
}

func (p printer) print(v any, human func()) {
	if p.json {
		outputJSON(v)
		return
	}
	human()
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fail(fmt.Errorf("usage: streakctl %s", usage))
	}
}

func check(err error) {
	if err == nil {
		return
	}
	if status.Code(err) == codes.Unavailable {
		fail(fmt.Errorf("%w\n%s", err, daemonHint()))
	}
	fail(err)
}

// daemonHint explains an unreachable socket using the profile lock.
func daemonHint() string {
	owner, held, err := lock.Inspect(profile.Dir(activeProfile))
	switch {
	case err != nil:
		return fmt.Sprintf("cannot read profile lock: %v", err)
	case !held:
		return fmt.Sprintf("streakd is not running for profile %q (start it with: streakd --profile %s)", activeProfile, activeProfile)
	default:
		return fmt.Sprintf("streakd PID %d (user %s, up since %s) holds the profile but its socket is unreachable",
			owner.PID, owner.UserID, owner.Started.Local().Format(time.Kitchen))
	}
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
