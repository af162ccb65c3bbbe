package command

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/talvik/pairline/internal/credstore"
	"github.com/talvik/pairline/internal/history"
	"github.com/talvik/pairline/internal/pairing"
	"github.com/talvik/pairline/internal/transport"
)

// ConnectionStatus is the view of the supervisor the builtin commands need.
type ConnectionStatus interface {
	State() transport.State
	Connected() bool
}

// BuiltinOpts wires the builtin commands to their collaborators.
type BuiltinOpts struct {
	Prefix    string
	Pairing   *pairing.Registry
	Store     credstore.Store
	SessionID string
	Status    ConnectionStatus
	History   *history.Log // optional
}

// RegisterBuiltins registers the standard command set.
func RegisterBuiltins(r *Registry, opts BuiltinOpts) {
	r.Register(Descriptor{
		Name:        "ping",
		Description: "Check that the bot is alive",
		Category:    CategoryGeneral,
		Handler: func(ctx context.Context, inv Invocation) string {
			return "pong"
		},
	})

	r.Register(Descriptor{
		Name:        "help",
		Description: "List available commands",
		Category:    CategoryGeneral,
		Handler: func(ctx context.Context, inv Invocation) string {
			return helpText(r, opts.Prefix, inv.IsAdmin)
		},
	})

	r.Register(Descriptor{
		Name:        "calc",
		Description: "Evaluate an arithmetic expression",
		Category:    CategoryUtility,
		Handler: func(ctx context.Context, inv Invocation) string {
			if len(inv.Args) == 0 {
				return fmt.Sprintf("Usage: %scalc <expression>", opts.Prefix)
			}
			v, err := Eval(strings.Join(inv.Args, " "))
			if err != nil {
				return fmt.Sprintf("Cannot evaluate that: %v", err)
			}
			return formatResult(v)
		},
	})

	r.Register(Descriptor{
		Name:        "status",
		Description: "Connection and session status",
		Category:    CategoryAdmin,
		AdminOnly:   true,
		Handler: func(ctx context.Context, inv Invocation) string {
			valid := opts.Store.IsValid(ctx, opts.SessionID)
			return fmt.Sprintf("Connection: %s\nSession valid: %t", opts.Status.State(), valid)
		},
	})

	r.Register(Descriptor{
		Name:        "codes",
		Description: "List live pairing codes",
		Category:    CategoryAdmin,
		AdminOnly:   true,
		Handler: func(ctx context.Context, inv Invocation) string {
			return formatCodes(opts.Pairing)
		},
	})

	if opts.History != nil {
		r.Register(Descriptor{
			Name:        "history",
			Description: "Recent pairing events",
			Category:    CategoryAdmin,
			AdminOnly:   true,
			Handler: func(ctx context.Context, inv Invocation) string {
				return formatHistory(opts.History)
			},
		})
	}
}

// helpText renders the command list grouped by category.
func helpText(r *Registry, prefix string, isAdmin bool) string {
	ds := r.Descriptors(isAdmin)
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].Category != ds[j].Category {
			return ds[i].Category < ds[j].Category
		}
		return ds[i].Name < ds[j].Name
	})

	var b strings.Builder
	b.WriteString("*Pairline Commands*\n")
	var last Category
	for _, d := range ds {
		if d.Category != last {
			b.WriteString(fmt.Sprintf("\n_%s_\n", d.Category))
			last = d.Category
		}
		b.WriteString(fmt.Sprintf("%s%s — %s\n", prefix, d.Name, d.Description))
	}
	return b.String()
}

// formatCodes renders the live registry entries as a table.
func formatCodes(reg *pairing.Registry) string {
	var b strings.Builder
	count := 0
	b.WriteString(fmt.Sprintf("%-10s %-14s %-10s %s\n", "CODE", "PHONE", "STATUS", "EXPIRES"))
	for code, req := range reg.All() {
		count++
		b.WriteString(fmt.Sprintf("%-10s %-14s %-10s %s\n",
			code, req.PhoneNumber, req.Status, req.ExpiresAt.Format(time.TimeOnly)))
	}
	if count == 0 {
		return "No live pairing codes."
	}
	return b.String()
}

// formatHistory renders the recent pairing events.
func formatHistory(l *history.Log) string {
	events, err := l.Recent(10)
	if err != nil {
		return fmt.Sprintf("Error reading history: %v", err)
	}
	if len(events) == 0 {
		return "No pairing events recorded."
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("%-10s %-10s %-14s %s\n", "CODE", "EVENT", "PHONE", "WHEN"))
	for _, ev := range events {
		b.WriteString(fmt.Sprintf("%-10s %-10s %-14s %s\n",
			ev.Code, ev.Event, ev.PhoneNumber, ev.CreatedAt.Format(time.DateTime)))
	}
	return b.String()
}
