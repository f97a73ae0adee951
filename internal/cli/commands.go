// Package cli implements the interactive operator console: session status,
// the message table, live handlers, captures and message injection.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/geode-project/geode/internal/capture"
	"github.com/geode-project/geode/internal/config"
	"github.com/geode-project/geode/internal/events"
	"github.com/geode-project/geode/internal/extension"
	"github.com/geode-project/geode/internal/features"
	"github.com/geode-project/geode/internal/messages"
	"github.com/geode-project/geode/internal/protocol"
)

// CLI provides an interactive command-line interface.
type CLI struct {
	cfg      *config.Config
	x        *extension.Extension
	captures *capture.Store
	features *features.Features

	in  io.Reader
	out io.Writer
}

// NewCLI creates a console reading commands from in and writing to out.
// captures and feats may be nil.
func NewCLI(cfg *config.Config, x *extension.Extension, captures *capture.Store, feats *features.Features, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		cfg:      cfg,
		x:        x,
		captures: captures,
		features: feats,
		in:       in,
		out:      out,
	}
}

// Start reads commands until ctx ends or input is exhausted.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nGeode console ready. Type 'help' for available commands.")
	fmt.Fprintln(c.out, "─────────────────────────────────────────────────────")

	// Read stdin in the background so ctx can stop the console
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			log.Warn().Err(err).Msg("CLI: input closed")
		}
	}()

	for {
		fmt.Fprint(c.out, "geode> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			c.Exec(ctx, line)
		}
	}
}

// Exec runs one command line.
func (c *CLI) Exec(ctx context.Context, line string) {
	parts := strings.Fields(strings.TrimSpace(line))
	if len(parts) == 0 {
		return
	}
	if err := c.execute(ctx, strings.ToLower(parts[0]), parts[1:]); err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
	}
}

func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "messages", "m":
		return c.printMessages(args)
	case "handlers":
		c.printHandlers()
	case "requests":
		c.printRequests()
	case "stats":
		c.printStats()
	case "send":
		return c.cmdSend(ctx, args)
	case "captures", "cap":
		return c.printCaptures(args)
	case "user":
		c.printUser()
	case "setconfig":
		return c.cmdSetConfig(args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down Geode...")
		c.x.Events().Emit(ctx, events.NewEvent(events.EventShutdown, "cli", nil))
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, "\n╔══════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(c.out, "║                     Geode Console Commands                   ║")
	fmt.Fprintln(c.out, "╠══════════════════════════════════════════════════════════════╣")
	fmt.Fprintln(c.out, "║  status               Show host link and session state       ║")
	fmt.Fprintln(c.out, "║  messages [filter]    List the message table                 ║")
	fmt.Fprintln(c.out, "║  handlers             List registered intercept handlers     ║")
	fmt.Fprintln(c.out, "║  requests             List pending requests                  ║")
	fmt.Fprintln(c.out, "║  stats                Show dispatch counters                 ║")
	fmt.Fprintln(c.out, "║  send <in|out> <Name> [fields...]  Inject a message          ║")
	fmt.Fprintln(c.out, "║  captures [n]         Show the last n captured packets       ║")
	fmt.Fprintln(c.out, "║  user                 Show the logged-in user                ║")
	fmt.Fprintln(c.out, "║  setconfig <s.k> <v>  Update a configuration value           ║")
	fmt.Fprintln(c.out, "║  quit                 Shutdown Geode                         ║")
	fmt.Fprintln(c.out, "║  help                 Show this help message                 ║")
	fmt.Fprintln(c.out, "╚══════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(c.out)
}

func (c *CLI) printStatus() {
	st := c.x.Session().Snapshot()

	fmt.Fprintf(c.out, "\n  Attached:     %v\n", c.x.Attached())
	if last := c.x.LastHostEvent(); !last.IsZero() {
		fmt.Fprintf(c.out, "  Last event:   %s ago\n", time.Since(last).Round(time.Second))
	}
	fmt.Fprintf(c.out, "  Phase:        %s\n", st.Phase)
	if st.IsConnected() {
		fmt.Fprintf(c.out, "  Session:      %s\n", st.ID)
		fmt.Fprintf(c.out, "  Client:       %s\n", st.Variant)
		fmt.Fprintf(c.out, "  Server:       %s:%d\n", st.Host, st.Port)
		if st.Hotel.Code != "" {
			fmt.Fprintf(c.out, "  Hotel:        %s (%s)\n", st.Hotel.Name, st.Hotel.Code)
		}
	}
	if flags := c.x.Flags(); len(flags) > 0 {
		fmt.Fprintf(c.out, "  Flags:        %s\n", strings.Join(flags, " "))
	}
	fmt.Fprintf(c.out, "  Handlers:     %d\n", c.x.Pipeline().HandlerCount())
	fmt.Fprintf(c.out, "  Pending:      %d\n", len(c.x.PendingRequests()))
	fmt.Fprintln(c.out)
}

func (c *CLI) printMessages(args []string) error {
	filter := ""
	if len(args) > 0 {
		filter = strings.ToLower(args[0])
	}

	tw := c.table("Message", "Fields", "Flash", "Shockwave", "Response")
	n := 0
	for _, def := range c.x.Registry().Definitions() {
		if filter != "" && !strings.Contains(strings.ToLower(def.Identity.Name), filter) {
			continue
		}
		fields := make([]string, 0, len(def.Fields))
		for _, f := range def.Fields {
			fields = append(fields, f.String())
		}
		tw.Append([]string{
			def.Identity.String(),
			strings.Join(fields, ","),
			wireID(def, protocol.ClientFlash),
			wireID(def, protocol.ClientShockwave),
			def.Response,
		})
		n++
	}
	if n == 0 {
		return fmt.Errorf("no message matches %q", filter)
	}
	tw.Render()
	return nil
}

func wireID(def *messages.Definition, v protocol.ClientVariant) string {
	if id, ok := def.WireIDs[v]; ok {
		return strconv.Itoa(int(id))
	}
	return "-"
}

func (c *CLI) printHandlers() {
	handlers := c.x.Pipeline().Handlers()
	if len(handlers) == 0 {
		fmt.Fprintln(c.out, "No handlers registered")
		return
	}
	tw := c.table("#", "Name", "Message")
	for _, h := range handlers {
		tw.Append([]string{strconv.FormatUint(uint64(h.Ordinal), 10), h.Name, h.Message})
	}
	tw.Render()
}

func (c *CLI) printRequests() {
	pending := c.x.PendingRequests()
	if len(pending) == 0 {
		fmt.Fprintln(c.out, "No pending requests")
		return
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })
	tw := c.table("ID", "Awaiting", "Age")
	for _, p := range pending {
		tw.Append([]string{strconv.FormatUint(p.ID, 10), p.Expect, p.Age.Round(time.Millisecond).String()})
	}
	tw.Render()
}

func (c *CLI) printStats() {
	st := c.x.Pipeline().Stats()
	tw := c.table("Dispatched", "Forwarded", "Modified", "Blocked", "Unknown", "Decode errors", "Faults")
	tw.Append([]string{
		strconv.FormatUint(st.Dispatched, 10),
		strconv.FormatUint(st.Forwarded, 10),
		strconv.FormatUint(st.Modified, 10),
		strconv.FormatUint(st.Blocked, 10),
		strconv.FormatUint(st.Unknown, 10),
		strconv.FormatUint(st.DecodeErrs, 10),
		strconv.FormatUint(st.Faults, 10),
	})
	tw.Render()
}

// cmdSend parses fields by the declared layout. A trailing string field
// takes the rest of the line.
func (c *CLI) cmdSend(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: send <in|out> <Name> [fields...]")
	}
	dir, err := protocol.ParseDirection(args[0])
	if err != nil {
		return err
	}
	ident := messages.Identity{Name: args[1], Direction: dir}
	def, ok := c.x.Registry().Definition(ident)
	if !ok {
		return fmt.Errorf("%w: %s", messages.ErrUnknownMessage, ident)
	}

	// Parse arguments by the declared layout
	values, err := parseFields(def.Fields, args[2:])
	if err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.x.SendValues(sendCtx, ident, values...); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Sent %s\n", ident)
	return nil
}

func parseFields(types []messages.FieldType, args []string) ([]any, error) {
	values := make([]any, 0, len(types))
	for i, t := range types {
		if i >= len(args) {
			return nil, fmt.Errorf("%w: expected %d fields, got %d", messages.ErrFieldMismatch, len(types), len(args))
		}
		arg := args[i]
		switch t {
		case messages.FieldString:
			// A trailing string takes the rest of the line
			if i == len(types)-1 {
				arg = strings.Join(args[i:], " ")
			}
			values = append(values, arg)
		case messages.FieldBool:
			b, err := strconv.ParseBool(arg)
			if err != nil {
				return nil, fmt.Errorf("field %d: %w", i, err)
			}
			values = append(values, b)
		default:
			n, err := strconv.ParseInt(arg, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("field %d: %w", i, err)
			}
			values = append(values, n)
		}
	}
	if len(types) > 0 && types[len(types)-1] == messages.FieldString {
		return values, nil
	}
	if len(args) > len(types) {
		return nil, fmt.Errorf("%w: expected %d fields, got %d", messages.ErrFieldMismatch, len(types), len(args))
	}
	return values, nil
}

func (c *CLI) printCaptures(args []string) error {
	if c.captures == nil {
		return errors.New("capture is disabled")
	}
	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("invalid count: %s", args[0])
		}
		limit = n
	}

	records, err := c.captures.Recent(limit, capture.Filter{})
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(c.out, "No captures")
		return nil
	}

	tw := c.table("Time", "Dir", "Wire ID", "Message", "Outcome", "Bytes")
	for _, r := range records {
		name := r.Identity
		if name == "" {
			name = "?"
		}
		tw.Append([]string{
			r.CapturedAt.Format("15:04:05.000"),
			r.Direction.String(),
			strconv.Itoa(int(r.WireID)),
			name,
			r.Outcome,
			strconv.Itoa(len(r.Payload)),
		})
	}
	tw.Render()
	return nil
}

func (c *CLI) printUser() {
	if c.features == nil {
		fmt.Fprintln(c.out, "Features are disabled")
		return
	}
	u, ok := c.features.User()
	if !ok {
		fmt.Fprintln(c.out, "User data not loaded")
		return
	}
	fmt.Fprintf(c.out, "\n  User:    %s (id %d)\n", u.Name, u.ID)
	fmt.Fprintf(c.out, "  Motto:   %s\n", u.Motto)
	fmt.Fprintf(c.out, "  Figure:  %s\n", u.Figure)
	fmt.Fprintf(c.out, "  Fetched: %s\n\n", u.Fetched.Format(time.RFC3339))
}

// cmdSetConfig updates section.key; the value is read as JSON when it
// parses, otherwise as a plain string.
func (c *CLI) cmdSetConfig(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: setconfig <section.key> <value>")
	}
	section, key, ok := strings.Cut(args[0], ".")
	if !ok {
		return fmt.Errorf("invalid key %q, expected section.key", args[0])
	}
	raw := strings.Join(args[1:], " ")

	// Try JSON first (numbers, bools, lists), else keep the raw string
	var value interface{}
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		value = raw
	}
	if err := c.cfg.UpdateField(section, key, value); err != nil {
		return err
	}
	// Persist
	if c.cfg.Path() != "" {
		if err := c.cfg.Save(); err != nil {
			return err
		}
	}

	fmt.Fprintf(c.out, "Config updated: %s.%s = %s\n", section, key, raw)
	return nil
}

func (c *CLI) table(header ...string) *tablewriter.Table {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}
