// Package notify is the Notifier (NT, spec §4.7/§6): it turns VM
// quarantine/recovery and per-patch Job outcomes into RFC-2822 email.
// Grounded on the teacher's pkg/events subscriber-loop shape (the same
// Broker.Subscribe/select loop engine.Engine uses for its wake channel),
// generalized from in-process state transitions into outbound mail. Headers
// are composed by hand in mail.go and delivery uses net/smtp directly: no
// library in the example corpus wires a third-party mail sender, so the
// standard library is the grounded choice here (see DESIGN.md).
package notify

import (
	"context"

	"github.com/fgouget/wine-tools-sub001/internal/config"
	"github.com/fgouget/wine-tools-sub001/internal/events"
	"github.com/fgouget/wine-tools-sub001/internal/store"
	"github.com/fgouget/wine-tools-sub001/internal/wtlog"
)

// Notifier subscribes to the event Broker ED/VLW publish to and emails
// operators or patch authors as the corresponding events arrive.
type Notifier struct {
	Store  store.Store
	Config config.Config
	Broker *events.Broker

	// sendMail is overridden in tests to capture outgoing mail instead of
	// dialing a real SMTP server.
	sendMail func(to string, msg []byte) error
}

// New builds a Notifier that delivers through Config's SMTP settings.
func New(s store.Store, cfg config.Config, broker *events.Broker) *Notifier {
	n := &Notifier{Store: s, Config: cfg, Broker: broker}
	n.sendMail = n.deliverSMTP
	return n
}

// Run subscribes to the Broker and handles events until ctx is canceled.
func (n *Notifier) Run(ctx context.Context) error {
	log := wtlog.WithComponent("notify")
	sub := n.Broker.Subscribe()
	defer n.Broker.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-sub:
			if ev == nil {
				return nil
			}
			if err := n.handle(ev); err != nil {
				log.Error().Err(err).Str("event", string(ev.Type)).Msg("failed to send notification")
			}
		}
	}
}

func (n *Notifier) handle(ev *events.Event) error {
	switch ev.Type {
	case events.VMOffline:
		return n.sendOperatorEmail(ev.Metadata["vm"], ev.Message, false)
	case events.VMRecovered:
		return n.sendOperatorEmail(ev.Metadata["vm"], ev.Message, true)
	case events.JobCompleted, events.JobCanceled, events.JobBotError:
		return n.sendPatchStatusEmail(ev.Metadata["job"])
	}
	return nil
}
