package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/locus-chat/locus/internal/daemon"
	"github.com/locus-chat/locus/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	// login is the one command that works without a running daemon.
	if args[0] == "login" {
		cmdLogin(sessionName, args[1:])
		return
	}

	c, err := daemon.Dial(session.SocketPath(sessionName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for session %q: %v\n", sessionName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	switch args[0] {
	case "status":
		cmdStatus(c, *jsonFlag)
	case "badges":
		cmdBadges(c, *jsonFlag)
	case "list":
		cmdList(c, args[1:])
	case "read":
		requireArg(args, 2, "usage: locusctl read <notification-id>")
		call(c, daemon.Request{Op: "mark-read", ID: args[1]})
	case "read-all":
		call(c, daemon.Request{Op: "mark-all"})
	case "accept":
		requireArg(args, 2, "usage: locusctl accept <user-id>")
		call(c, daemon.Request{Op: "accept", UserID: args[1]})
	case "decline":
		requireArg(args, 2, "usage: locusctl decline <user-id>")
		call(c, daemon.Request{Op: "decline", UserID: args[1]})
	case "send":
		requireArg(args, 3, "usage: locusctl send <conversation-id> <text>")
		cmdSend(c, args[1], strings.Join(args[2:], " "), *jsonFlag)
	case "typing":
		requireArg(args, 3, "usage: locusctl typing <conversation-id> <on|off>")
		call(c, daemon.Request{Op: "typing", ConversationID: args[1], Active: args[2] == "on"})
	case "watch":
		requireArg(args, 2, "usage: locusctl watch <conversation-id>")
		call(c, daemon.Request{Op: "watch", ConversationID: args[1]})
	case "unwatch":
		call(c, daemon.Request{Op: "unwatch"})
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: locusctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                      Show daemon connection state")
	fmt.Fprintln(os.Stderr, "  badges                      Show unread badge counts")
	fmt.Fprintln(os.Stderr, "  list [limit]                List recent notifications")
	fmt.Fprintln(os.Stderr, "  read <id>                   Mark one notification read")
	fmt.Fprintln(os.Stderr, "  read-all                    Mark all notifications read")
	fmt.Fprintln(os.Stderr, "  accept <user-id>            Accept a pending friend request")
	fmt.Fprintln(os.Stderr, "  decline <user-id>           Decline a pending friend request")
	fmt.Fprintln(os.Stderr, "  send <conv-id> <text>       Send a message")
	fmt.Fprintln(os.Stderr, "  typing <conv-id> <on|off>   Set the typing signal")
	fmt.Fprintln(os.Stderr, "  watch <conv-id>             Follow a conversation's live feed")
	fmt.Fprintln(os.Stderr, "  unwatch                     Stop following the conversation")
	fmt.Fprintln(os.Stderr, "  login <owner-id> <token>    Store session credentials")
}

func requireArg(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
}

func call(c *daemon.ControlClient, req daemon.Request) {
	if err := c.Call(req, nil); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("ok")
}

func cmdStatus(c *daemon.ControlClient, jsonOut bool) {
	var st daemon.StatusData
	if err := c.Call(daemon.Request{Op: "status"}, &st); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if jsonOut {
		outputJSON(st)
		return
	}
	fmt.Printf("State: %s\n", st.State)
}

func cmdBadges(c *daemon.ControlClient, jsonOut bool) {
	var badges daemon.BadgeData
	if err := c.Call(daemon.Request{Op: "badges"}, &badges); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if jsonOut {
		outputJSON(badges)
		return
	}
	fmt.Printf("Notifications: %d\n", badges.Notifications)
	fmt.Printf("Conversations: %d\n", badges.Conversations)
}

func cmdList(c *daemon.ControlClient, args []string) {
	limit := 0
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			fmt.Fprintln(os.Stderr, "usage: locusctl list [limit]")
			os.Exit(1)
		}
		limit = n
	}
	var data daemon.ListData
	if err := c.Call(daemon.Request{Op: "list", Limit: limit}, &data); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	outputJSON(data)
}

func cmdSend(c *daemon.ControlClient, convID, body string, jsonOut bool) {
	var data daemon.SendData
	if err := c.Call(daemon.Request{Op: "send", ConversationID: convID, Body: body}, &data); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if jsonOut {
		outputJSON(data)
		return
	}
	fmt.Printf("Queued: %s\n", data.ClientMsgID)
}

func cmdLogin(sessionName string, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: locusctl login <owner-id> <token>")
		os.Exit(1)
	}
	if err := session.EnsureDir(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	err := session.SaveContext(session.Context{Name: sessionName, OwnerID: args[0], Token: args[1]})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Credentials saved. Restart the daemon to sign in.")
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
