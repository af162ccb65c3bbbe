// Package router classifies inbound transport messages and routes them to
// the pairing registry or the command dispatcher.
package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"regexp"
	"strings"

	"github.com/talvik/pairline/internal/command"
	"github.com/talvik/pairline/internal/history"
	"github.com/talvik/pairline/internal/notify"
	"github.com/talvik/pairline/internal/pairing"
	"github.com/talvik/pairline/internal/transport"
)

// Classification is the routing decision for one inbound message.
type Classification int

const (
	Ignored Classification = iota
	Pairing
	AdminCommand
	UserCommand
	PlainText
)

func (c Classification) String() string {
	switch c {
	case Pairing:
		return "pairing"
	case AdminCommand:
		return "admin-command"
	case UserCommand:
		return "user-command"
	case PlainText:
		return "plain-text"
	default:
		return "ignored"
	}
}

// Result is a classified message.
type Result struct {
	Kind Classification
	Code string // set for Pairing
	Text string // extracted text, set for all but Ignored
}

// Sender delivers outbound replies; the connection supervisor implements it.
type Sender interface {
	Send(ctx context.Context, to, text string) error
}

// Router classifies and handles inbound messages.
type Router struct {
	pairing  *pairing.Registry
	commands *command.Registry
	sender   Sender
	notifier notify.Notifier // optional
	hist     *history.Log    // optional
	adminJID string
	prefix   string
	greeting string // empty disables the fallback reply
	codeRe   *regexp.Regexp
	out      io.Writer
}

// Opts holds parameters for creating a Router.
type Opts struct {
	Pairing  *pairing.Registry
	Commands *command.Registry
	Sender   Sender
	Notifier notify.Notifier // optional
	History  *history.Log    // optional
	AdminJID string
	Prefix   string // defaults to "."
	Greeting string // optional fallback reply for plain chat messages
	Out      io.Writer
}

// New creates a Router.
func New(opts Opts) (*Router, error) {
	if opts.Pairing == nil {
		return nil, fmt.Errorf("router: pairing registry is required")
	}
	if opts.Commands == nil {
		return nil, fmt.Errorf("router: command registry is required")
	}
	if opts.Sender == nil {
		return nil, fmt.Errorf("router: sender is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "."
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Router{
		pairing:  opts.Pairing,
		commands: opts.Commands,
		sender:   opts.Sender,
		notifier: opts.Notifier,
		hist:     opts.History,
		adminJID: opts.AdminJID,
		prefix:   prefix,
		greeting: opts.Greeting,
		codeRe:   regexp.MustCompile(fmt.Sprintf(`^\d{%d}$`, opts.Pairing.CodeLength())),
		out:      out,
	}, nil
}

// Classify decides what an inbound message is. Messages from the bot's own
// identity are always ignored so the bot never reacts to its own replies.
func (r *Router) Classify(msg transport.Message) Result {
	if msg.FromSelf {
		return Result{Kind: Ignored}
	}
	text := strings.TrimSpace(extractText(msg))
	if text == "" {
		return Result{Kind: Ignored}
	}
	if r.codeRe.MatchString(text) {
		return Result{Kind: Pairing, Code: text, Text: text}
	}
	if strings.HasPrefix(text, r.prefix) {
		if r.adminJID != "" && msg.Sender == r.adminJID {
			return Result{Kind: AdminCommand, Text: text}
		}
		return Result{Kind: UserCommand, Text: text}
	}
	return Result{Kind: PlainText, Text: text}
}

// Handle classifies and processes one inbound message.
func (r *Router) Handle(ctx context.Context, msg transport.Message) {
	res := r.Classify(msg)
	if res.Kind == Ignored {
		return
	}
	fmt.Fprintf(r.out, "router: recv [from=%s] %s %q\n", msg.Sender, res.Kind, truncate(res.Text, 80))

	switch res.Kind {
	case Pairing:
		r.handlePairing(ctx, msg, res.Code)
	case AdminCommand, UserCommand:
		r.handleCommand(ctx, msg, res)
	case PlainText:
		if r.greeting != "" {
			r.reply(ctx, msg.Sender, r.greeting)
		}
	}
}

// handlePairing redeems a self-issued code from a chat message.
func (r *Router) handlePairing(ctx context.Context, msg transport.Message, code string) {
	red, err := r.pairing.Redeem(code, msg.Sender, msg.DisplayName)
	switch {
	case errors.Is(err, pairing.ErrNotFound):
		r.reply(ctx, msg.Sender, "Invalid or expired pairing code. Please generate a new one.")
		return
	case errors.Is(err, pairing.ErrAlreadyUsed):
		r.reply(ctx, msg.Sender, "That pairing code was already used.")
		return
	case err != nil:
		log.Printf("router: redeem %s: %v", code, err)
		return
	}

	name := msg.DisplayName
	if name == "" {
		name = red.UserID
	}
	r.reply(ctx, msg.Sender, fmt.Sprintf("Pairing complete! Welcome, %s.", name))

	if r.adminJID != "" && r.adminJID != msg.Sender {
		r.reply(ctx, r.adminJID, fmt.Sprintf("Pairing code for %s redeemed by %s.", red.PhoneNumber, msg.Sender))
	}
	if r.notifier != nil {
		r.notifier.Notify(ctx, fmt.Sprintf("Pairline: %s paired successfully", red.PhoneNumber))
	}
	if r.hist != nil {
		err := r.hist.Record(history.PairingEvent{
			Code:        code,
			PhoneNumber: red.PhoneNumber,
			UserID:      red.UserID,
			Identity:    msg.Sender,
			DisplayName: msg.DisplayName,
			Event:       history.EventCompleted,
		})
		if err != nil {
			log.Printf("router: %v", err)
		}
	}
}

// handleCommand strips the prefix and dispatches.
func (r *Router) handleCommand(ctx context.Context, msg transport.Message, res Result) {
	fields := strings.Fields(strings.TrimPrefix(res.Text, r.prefix))
	if len(fields) == 0 {
		return
	}
	inv := command.Invocation{
		Args:        fields[1:],
		Sender:      msg.Sender,
		DisplayName: msg.DisplayName,
		IsAdmin:     res.Kind == AdminCommand,
	}
	reply, handled := r.commands.Dispatch(ctx, fields[0], inv)
	if !handled {
		r.reply(ctx, msg.Sender, fmt.Sprintf("Unknown command. Send %shelp for the command list.", r.prefix))
		return
	}
	if reply != "" {
		r.reply(ctx, msg.Sender, reply)
	}
}

// reply sends a message back through the supervisor, logging failures.
func (r *Router) reply(ctx context.Context, to, text string) {
	if err := r.sender.Send(ctx, to, text); err != nil {
		log.Printf("router: send to %s: %v", to, err)
	}
}

// extractText returns the first populated text field of a message.
func extractText(msg transport.Message) string {
	if msg.Body != "" {
		return msg.Body
	}
	if msg.ExtendedBody != "" {
		return msg.ExtendedBody
	}
	return msg.Caption
}

// truncate returns s truncated to maxLen with "..." appended if needed.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
