package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"

	"github.com/tinyland-inc/tinysip/cmd/tinysip/internal"
	"github.com/tinyland-inc/tinysip/pkg/call"
	chatstore "github.com/tinyland-inc/tinysip/pkg/chat"
	"github.com/tinyland-inc/tinysip/pkg/client"
)

const help = `Commands:
  /sessions             list sessions
  /open <session>       open a session and load its history
  /retry <clientMsgId>  resend a failed message
  /call <user> [video]  start a call
  /answer               answer the ringing call
  /reject               reject the ringing call
  /hangup               end or cancel the current call
  /help                 show this help
  exit                  leave
Anything else is sent to the open session.`

func parseCommand(input string) (string, []string) {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "/") {
		return "", nil
	}
	fields := strings.Fields(input)
	return strings.TrimPrefix(fields[0], "/"), fields[1:]
}

type console struct {
	c   *client.Client
	out io.Writer

	mu sync.Mutex
	// printed maps session id to the status each entry was last shown in.
	printed map[string]map[string]chatstore.Status
}

func newConsole(c *client.Client, out io.Writer) *console {
	con := &console{c: c, out: out, printed: make(map[string]map[string]chatstore.Status)}
	c.Chat().OnChange(con.sessionChanged)
	c.Calls().OnChange(con.callChanged)
	return con
}

// entryKey identifies a timeline entry across confirmation, which sets the
// server id but keeps the clientMsgId.
func entryKey(i int, m chatstore.Message) string {
	switch {
	case m.ClientMsgID != "":
		return "c:" + m.ClientMsgID
	case m.MessageID != "":
		return "m:" + m.MessageID
	}
	return fmt.Sprintf("#%d", i)
}

// sessionChanged prints timeline entries of the open session that have not
// been shown yet, and shows an entry again when its send fails.
func (con *console) sessionChanged(sessionID string) {
	store := con.c.Chat()
	if sessionID != store.ActiveSession() {
		return
	}
	tl := store.Timeline(sessionID)

	con.mu.Lock()
	defer con.mu.Unlock()
	seen := con.printed[sessionID]
	if seen == nil {
		seen = make(map[string]chatstore.Status, len(tl))
		con.printed[sessionID] = seen
	}
	for i, m := range tl {
		key := entryKey(i, m)
		prev, shown := seen[key]
		seen[key] = m.Status
		if !shown || (m.Status == chatstore.StatusFailed && prev != chatstore.StatusFailed) {
			con.printMessage(m)
		}
	}
}

func (con *console) printMessage(m chatstore.Message) {
	who := m.From
	if m.Direction == chatstore.DirectionOwn {
		who = "you"
	}
	suffix := ""
	if m.Status == chatstore.StatusFailed {
		suffix = fmt.Sprintf("  [failed, /retry %s]", m.ClientMsgID)
	}
	fmt.Fprintf(con.out, "%s %s: %s%s\n", m.Timestamp.Local().Format(time.TimeOnly), who, m.Content, suffix)
}

func (con *console) callChanged(c call.Call) {
	con.mu.Lock()
	defer con.mu.Unlock()
	line := fmt.Sprintf("📞 call %s with %s: %s", c.CallID, c.Peer(), c.State)
	if c.EndReason != "" {
		line += " (" + c.EndReason + ")"
	}
	if c.Duration > 0 {
		line += " " + c.Duration.String()
	}
	fmt.Fprintln(con.out, line)
}

func (con *console) open(ctx context.Context, sessionID string) error {
	store := con.c.Chat()
	store.Activate(sessionID)
	con.mu.Lock()
	delete(con.printed, sessionID)
	con.mu.Unlock()

	if err := store.LoadHistory(ctx, sessionID); err != nil {
		return err
	}
	con.sessionChanged(sessionID)
	return nil
}

func (con *console) listSessions() {
	sessions := con.c.Chat().Sessions()
	if len(sessions) == 0 {
		fmt.Fprintln(con.out, "No sessions.")
		return
	}
	active := con.c.Chat().ActiveSession()
	for _, s := range sessions {
		mark := " "
		if s.SessionID == active {
			mark = "*"
		}
		name := s.Peer.DisplayName
		if name == "" {
			name = s.Peer.UserID
		}
		fmt.Fprintf(con.out, "%s %s  %-20s unread %d  %s\n", mark, s.SessionID, name, s.UnreadCount, s.LastMessage)
	}
}

func (con *console) currentCall() (call.Call, error) {
	c, ok := con.c.Calls().Current()
	if !ok {
		return call.Call{}, errors.New("no call in progress")
	}
	return c, nil
}

func (con *console) run(ctx context.Context, input string) error {
	name, args := parseCommand(input)
	switch name {
	case "":
		sessionID := con.c.Chat().ActiveSession()
		if sessionID == "" {
			return errors.New("no session open, use /open <session>")
		}
		con.c.Chat().Send(ctx, sessionID, input)
		return nil
	case "help":
		fmt.Fprintln(con.out, help)
		return nil
	case "sessions":
		if err := con.c.Chat().RefreshSessions(ctx); err != nil {
			return err
		}
		con.listSessions()
		return nil
	case "open":
		if len(args) != 1 {
			return errors.New("usage: /open <session>")
		}
		return con.open(ctx, args[0])
	case "retry":
		if len(args) != 1 {
			return errors.New("usage: /retry <clientMsgId>")
		}
		_, err := con.c.Chat().Retry(ctx, con.c.Chat().ActiveSession(), args[0])
		return err
	case "call":
		if len(args) < 1 {
			return errors.New("usage: /call <user> [video]")
		}
		typ := call.TypeAudio
		if len(args) > 1 && strings.EqualFold(args[1], "video") {
			typ = call.TypeVideo
		}
		_, err := con.c.Calls().StartOutgoing(ctx, args[0], typ, "")
		return err
	case "answer":
		cur, err := con.currentCall()
		if err != nil {
			return err
		}
		return con.c.Calls().Answer(ctx, cur.CallID, "")
	case "reject":
		cur, err := con.currentCall()
		if err != nil {
			return err
		}
		return con.c.Calls().Reject(ctx, cur.CallID)
	case "hangup":
		cur, err := con.currentCall()
		if err != nil {
			return err
		}
		if cur.State == call.StateRinging && cur.Direction == call.DirectionOutgoing {
			return con.c.Calls().Cancel(ctx, cur.CallID)
		}
		return con.c.Calls().Hangup(ctx, cur.CallID)
	default:
		return fmt.Errorf("unknown command /%s, try /help", name)
	}
}

func chatCmd(debug bool, session string) error {
	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	internal.SetupLogging(cfg, debug)

	cred, err := internal.Credential(cfg)
	if err != nil {
		return err
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("%s > ", internal.Logo),
		HistoryFile:     filepath.Join(os.TempDir(), ".tinysip_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("/sessions"),
			readline.PcItem("/open"),
			readline.PcItem("/retry"),
			readline.PcItem("/call"),
			readline.PcItem("/answer"),
			readline.PcItem("/reject"),
			readline.PcItem("/hangup"),
			readline.PcItem("/help"),
		),
	})
	if err != nil {
		return fmt.Errorf("error initializing readline: %w", err)
	}
	defer rl.Close()

	c, err := client.New(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := context.Background()
	con := newConsole(c, rl.Stdout())
	if err := c.Start(ctx, cred); err != nil {
		return fmt.Errorf("error starting client: %w", err)
	}

	fmt.Fprintf(rl.Stdout(), "%s Connected as %s. Type /help for commands.\n\n", internal.Logo, cred.UserID)
	if session != "" {
		if err := con.open(ctx, session); err != nil {
			fmt.Fprintf(rl.Stdout(), "Error: %v\n", err)
		}
	}

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Println("\nGoodbye!")
				return nil
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Goodbye!")
			return nil
		}

		if err := con.run(ctx, input); err != nil {
			fmt.Fprintf(rl.Stdout(), "Error: %v\n", err)
		}
	}
}
