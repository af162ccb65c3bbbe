// Package notify delivers best-effort operational notifications (connection
// lifecycle, pairing completions) to external chat channels. Failures are
// logged and never propagate to the caller.
package notify

import (
	"context"
	"log"
)

// Notifier is a sink for short operational messages.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Multi fans a notification out to several sinks. Individual failures are
// logged; Multi itself never fails.
type Multi []Notifier

// Notify sends the text to every sink.
func (m Multi) Notify(ctx context.Context, text string) error {
	for _, n := range m {
		if err := n.Notify(ctx, text); err != nil {
			log.Printf("notify: %v", err)
		}
	}
	return nil
}
