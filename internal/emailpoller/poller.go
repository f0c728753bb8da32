// Package emailpoller implements the Email Poller (spec C7): it
// periodically queries the upstream mailbox, de-duplicates via a persisted
// watermark, applies exponential backoff on provider errors, publishes
// email_received events, and invokes a handler callback per message.
//
// Grounded on the teacher's polling-loop idiom in
// internal/server/auth_device.go (a plain for{}+time.Sleep loop with a
// context check and structured logging) rather than the hardloop cron
// runner: hardloop's Cron type binds a fixed set of static cron
// expressions, but the poller's own interval changes tick to tick under
// backoff, which doesn't fit that model.
package emailpoller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loveme/daemon/internal/domain"
	"github.com/loveme/daemon/internal/eventbus"
	"github.com/worldline-go/types"
)

const (
	// DefaultInterval is the poll cadence absent configuration.
	DefaultInterval = 60 * time.Second
	MinInterval     = 10 * time.Second
	MaxInterval     = 900 * time.Second

	backoffStart = 1 * time.Second
	backoffCeil  = 8 * time.Second

	firstPollLookback = 1 * time.Hour
	pageSize          = 20
)

// Provider is the abstracted mailbox source; the raw wire format of
// whatever upstream API backs it (Gmail, IMAP, ...) is out of scope per
// spec §1 and lives entirely behind this interface.
type Provider interface {
	// ListSince returns up to pageSize message summaries received at or
	// after since, oldest first.
	ListSince(ctx context.Context, since time.Time, max int) ([]MessageSummary, error)
	// Fetch retrieves the full message for a summary's id.
	Fetch(ctx context.Context, id string) (domain.Email, error)
}

// MessageSummary is the lightweight listing entry returned by ListSince.
type MessageSummary struct {
	ID         string
	ReceivedAt time.Time
}

// WatermarkStore is the subset of internal/filestore.EmailStore the poller
// needs; it owns the watermark exclusively (spec §3 "Ownership").
type WatermarkStore interface {
	LoadWatermark() (domain.Watermark, error)
	SaveWatermark(domain.Watermark) error
}

// Handler is invoked once per newly processed email, after the
// email_received event has been published.
type Handler func(ctx context.Context, email domain.Email)

// Poller drives the polling loop described in spec §4.7.
type Poller struct {
	provider Provider
	store    WatermarkStore
	bus      *eventbus.Bus
	handler  Handler
	interval time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New constructs a Poller. interval is clamped to [MinInterval,
// MaxInterval]; zero selects DefaultInterval.
func New(provider Provider, store WatermarkStore, bus *eventbus.Bus, handler Handler, interval time.Duration) *Poller {
	switch {
	case interval == 0:
		interval = DefaultInterval
	case interval < MinInterval:
		interval = MinInterval
	case interval > MaxInterval:
		interval = MaxInterval
	}
	return &Poller{provider: provider, store: store, bus: bus, handler: handler, interval: interval}
}

// Start begins the polling loop. Idempotent: calling Start while already
// running is a no-op (spec §4.7).
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true
	p.done = make(chan struct{})

	go p.loop(loopCtx)
}

// Stop cancels the loop and blocks until it has exited, so the watermark
// write from any in-flight tick is guaranteed to have landed (spec §4.7
// "stop ... persists state").
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.running = false
	p.mu.Unlock()

	cancel()
	<-done
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)

	backoff := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.interval + backoff):
		}

		n, err := p.pollOnce(ctx)
		if err != nil {
			slog.Error("emailpoller: poll failed", "error", err)
			if backoff == 0 {
				backoff = backoffStart
			} else if backoff < backoffCeil {
				backoff *= 2
				if backoff > backoffCeil {
					backoff = backoffCeil
				}
			}
			continue
		}
		backoff = 0
		if n > 0 {
			slog.Info("emailpoller: processed messages", "count", n)
		}
	}
}

// PollNow performs one extra poll cycle outside the regular cadence and
// returns the number of newly processed messages (spec §4.7).
func (p *Poller) PollNow(ctx context.Context) (int, error) {
	return p.pollOnce(ctx)
}

func (p *Poller) pollOnce(ctx context.Context) (int, error) {
	watermark, err := p.store.LoadWatermark()
	if err != nil {
		return 0, err
	}

	since := firstPollSince(watermark)
	summaries, err := p.provider.ListSince(ctx, since, pageSize)
	if err != nil {
		return 0, err
	}
	if len(summaries) == 0 {
		return 0, nil
	}

	processed := 0
	for _, summary := range summaries {
		if summary.ID == watermark.LastSeenID {
			continue
		}

		email, err := p.provider.Fetch(ctx, summary.ID)
		if err != nil {
			return processed, err
		}
		p.processNewEmail(ctx, email)
		processed++
	}

	last := summaries[len(summaries)-1]
	watermark.LastSeenID = last.ID
	watermark.LastSeenAt = types.NewNull(types.NewTime(last.ReceivedAt))
	watermark.TotalProcessed += processed

	if err := p.store.SaveWatermark(watermark); err != nil {
		return processed, err
	}
	return processed, nil
}

func firstPollSince(watermark domain.Watermark) time.Time {
	if watermark.LastSeenID == "" {
		return time.Now().UTC().Add(-firstPollLookback)
	}
	return watermark.LastSeenAt.V.Time
}

// processNewEmail publishes the email_received event and invokes the
// registered handler (spec §4.7).
func (p *Poller) processNewEmail(ctx context.Context, email domain.Email) {
	p.bus.Publish(ctx, eventbus.Event{
		Source:    "email",
		EventType: "email_received",
		Data: map[string]string{
			"messageId": email.ProviderID,
			"threadId":  email.ThreadID,
			"from":      email.From,
			"subject":   email.Subject,
		},
		At: time.Now().UTC(),
	})

	if p.handler != nil {
		p.handler(ctx, email)
	}
}
