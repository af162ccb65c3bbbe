// Package command implements the registry of named chat command handlers
// and their dispatch, including admin gating and panic isolation.
package command

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"
)

// Category groups commands in the help output.
type Category string

const (
	CategoryGeneral Category = "general"
	CategoryUtility Category = "utility"
	CategoryAdmin   Category = "admin"
)

// genericErrorReply is sent when a handler panics. Handler failures never
// reach the connection supervisor.
const genericErrorReply = "Something went wrong running that command. Please try again."

// Invocation carries the arguments and caller context of one dispatch.
type Invocation struct {
	Args        []string
	Sender      string
	DisplayName string
	IsAdmin     bool
}

// HandlerFunc executes a command and returns the reply text.
type HandlerFunc func(ctx context.Context, inv Invocation) string

// Descriptor describes one registered command.
type Descriptor struct {
	Name        string
	Description string
	Category    Category
	AdminOnly   bool
	Handler     HandlerFunc
}

// Registry holds the command table. Registration happens at startup;
// lookups are case-insensitive.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]Descriptor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]Descriptor)}
}

// Register adds a command. Registering a name twice overwrites the earlier
// descriptor: last registration wins.
func (r *Registry) Register(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[strings.ToLower(d.Name)] = d
}

// Dispatch looks up and runs a command. An AdminOnly command invoked by a
// non-admin behaves exactly like an unknown name, so privileged commands do
// not leak their existence. A panicking handler is caught here and degrades
// to a generic error reply.
func (r *Registry) Dispatch(ctx context.Context, name string, inv Invocation) (reply string, handled bool) {
	r.mu.RLock()
	d, ok := r.commands[strings.ToLower(name)]
	r.mu.RUnlock()
	if !ok {
		return "", false
	}
	if d.AdminOnly && !inv.IsAdmin {
		return "", false
	}

	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("command: handler %s panicked: %v", d.Name, rec)
			reply = genericErrorReply
			handled = true
		}
	}()
	return d.Handler(ctx, inv), true
}

// Descriptors returns the registered commands visible to the caller, sorted
// by name. Admin-only commands are omitted for non-admins.
func (r *Registry) Descriptors(isAdmin bool) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.commands))
	for _, d := range r.commands {
		if d.AdminOnly && !isAdmin {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
