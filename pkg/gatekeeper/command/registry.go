// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package command parses moderator command lines, resolves their room and
// user targets, and dispatches them to registered handlers.
package command

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"text/tabwriter"

	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/gkerr"
)

// Call is everything a handler gets for one invocation.
type Call struct {
	Inv     *Invocation
	Targets *Targets
	// RoomID, Sender and EventID are empty for console and scheduled runs.
	RoomID  id.RoomID
	Sender  id.UserID
	EventID id.EventID
	Console bool
	// Reply sends markdown back to the invoker.
	Reply func(markdown string)
}

// Replyf formats and sends a reply.
func (c *Call) Replyf(format string, args ...any) {
	c.Reply(fmt.Sprintf(format, args...))
}

// Handler runs a command.
type Handler interface {
	Run(ctx context.Context, call *Call) error
}

// HandlerFunc adapts a function to [Handler].
type HandlerFunc func(ctx context.Context, call *Call) error

func (f HandlerFunc) Run(ctx context.Context, call *Call) error {
	return f(ctx, call)
}

// Command is a registered command and its filter.
type Command struct {
	Name        string
	Usage       string
	Description string
	// MinLevel is the power level the invoker needs in the invoking room.
	MinLevel int
	// Rooms explicitly allows (true) or denies (false) rooms. A denial
	// beats AnyRoom.
	Rooms   map[id.RoomID]bool
	AnyRoom bool
	// Console allows console and scheduled invocations.
	Console bool
	Handler Handler
}

// Origin describes who invoked a command and from where.
type Origin struct {
	Console bool
	RoomID  id.RoomID
	// Level is the invoker's power level in RoomID.
	Level int
}

// Allowed checks the filter of c against o.
func (c *Command) Allowed(o Origin) error {
	op := "run " + c.Name
	if o.Console {
		if !c.Console {
			return gkerr.Newf(gkerr.KindForbidden, op, "command cannot be run from the console")
		}
		return nil
	}
	allowed, listed := c.Rooms[o.RoomID]
	if listed && !allowed {
		return gkerr.Newf(gkerr.KindForbidden, op, "command is denied in this room")
	}
	if !listed && !c.AnyRoom {
		return gkerr.Newf(gkerr.KindForbidden, op, "command is not allowed in this room")
	}
	if o.Level < c.MinLevel {
		return gkerr.Newf(gkerr.KindForbidden, op, "power level %d is below the required %d", o.Level, c.MinLevel)
	}
	return nil
}

// Registry maps names to commands. Thread-safe.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]*Command
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]*Command)}
}

// Register adds c. Registering a name twice is an error.
func (r *Registry) Register(c *Command) error {
	if c.Name == "" || c.Handler == nil {
		return fmt.Errorf("command needs a name and a handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.commands[c.Name]; ok {
		return fmt.Errorf("command %q already registered", c.Name)
	}
	r.commands[c.Name] = c
	return nil
}

// Unregister removes a command.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.commands, name)
}

// Get returns the command called name or a NotFound error.
func (r *Registry) Get(name string) (*Command, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.commands[name]
	if !ok {
		return nil, gkerr.Newf(gkerr.KindNotFound, "lookup command", "no such command: %s", name)
	}
	return c, nil
}

// Commands lists the registered commands sorted by name.
func (r *Registry) Commands() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Command, 0, len(r.commands))
	for _, c := range r.commands {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *Command) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Help renders the commands o may run as an aligned table.
func (r *Registry) Help(o Origin, prefix string) string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "COMMAND\tLEVEL\tDESCRIPTION")
	for _, c := range r.Commands() {
		if c.Allowed(o) != nil {
			continue
		}
		fmt.Fprintf(w, "%s%s\t%d\t%s\n", prefix, usage(c), c.MinLevel, c.Description)
	}
	_ = w.Flush()
	return "```\n" + b.String() + "```"
}

// Markdown renders the full command reference.
func (r *Registry) Markdown(prefix string) string {
	var b strings.Builder
	b.WriteString("# Commands\n\n")
	b.WriteString("Targets: `#room:server` or `!roomid:server` selects rooms (`#*` is every managed room), ")
	b.WriteString("`@user:server` selects users, `@banned` and `@level=N` expand per room. ")
	b.WriteString("Without a room the invoking room is used.\n\n")
	b.WriteString("| Command | Level | Console | Rooms | Description |\n|---|---|---|---|---|\n")
	for _, c := range r.Commands() {
		fmt.Fprintf(&b, "| `%s%s` | %d | %s | %s | %s |\n",
			prefix, usage(c), c.MinLevel, yesNo(c.Console), roomFilter(c), c.Description)
	}
	return b.String()
}

func usage(c *Command) string {
	if c.Usage == "" {
		return c.Name
	}
	return c.Name + " " + c.Usage
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func roomFilter(c *Command) string {
	var parts []string
	if c.AnyRoom {
		parts = append(parts, "any")
	}
	for _, roomID := range slices.Sorted(maps.Keys(c.Rooms)) {
		if c.Rooms[roomID] {
			parts = append(parts, "+"+string(roomID))
		} else {
			parts = append(parts, "-"+string(roomID))
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, " ")
}

// FormatError renders a failed invocation as a reply block.
func FormatError(name string, err error) string {
	return fmt.Sprintf("**%s** failed (%s)\n```\n%s\n```", name, gkerr.KindOf(err), err)
}
