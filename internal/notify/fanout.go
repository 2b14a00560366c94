// Package notify tells subscribed users about remediation results.
//
// Fanout reads the current recipient set on every broadcast and delivers
// to each recipient independently through a bounded pool. A recipient that
// no longer exists is logged and skipped; no delivery failure stops the
// others.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/healer/internal/logging"
	"github.com/fyrsmithlabs/healer/internal/remediation"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// ErrRecipientNotFound is returned by a Messenger when the recipient is
// gone (chat deleted, bot blocked).
var ErrRecipientNotFound = errors.New("recipient not found")

// Recipient identifies one subscriber.
type Recipient string

// Messenger delivers a text message to one recipient.
type Messenger interface {
	Send(ctx context.Context, to Recipient, text string) error
}

// SubscriberStore lists the current recipients.
type SubscriberStore interface {
	Recipients(ctx context.Context) ([]Recipient, error)
}

// Report summarizes one broadcast.
type Report struct {
	Attempted int
	Delivered int
	// Gone lists recipients that no longer exist.
	Gone []Recipient
	// Failed lists recipients whose delivery failed for another reason.
	Failed []Recipient
}

// FanoutConfig tunes delivery.
type FanoutConfig struct {
	// Workers bounds concurrent deliveries.
	Workers int
	// Timeout bounds each delivery.
	Timeout time.Duration
}

// Fanout broadcasts messages to every subscriber.
type Fanout struct {
	store     SubscriberStore
	messenger Messenger
	cfg       FanoutConfig
	logger    *logging.Logger
}

// NewFanout creates a Fanout.
func NewFanout(store SubscriberStore, messenger Messenger, cfg FanoutConfig, logger *logging.Logger) *Fanout {
	if cfg.Workers < 1 {
		cfg.Workers = 8
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Fanout{store: store, messenger: messenger, cfg: cfg, logger: logger.Named("notify")}
}

// Broadcast sends text to every current recipient. It fails only when the
// recipient set cannot be read; per-recipient failures are in the Report.
func (f *Fanout) Broadcast(ctx context.Context, text string) (Report, error) {
	recipients, err := f.store.Recipients(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("listing recipients: %w", err)
	}

	var (
		mu     sync.Mutex
		report = Report{Attempted: len(recipients)}
	)
	p := pool.New().WithMaxGoroutines(f.cfg.Workers)
	for _, to := range recipients {
		p.Go(func() {
			err := f.deliver(ctx, to, text)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				report.Delivered++
			case errors.Is(err, ErrRecipientNotFound):
				report.Gone = append(report.Gone, to)
				f.logger.Warn(ctx, "recipient no longer exists",
					zap.String("recipient", string(to)), zap.Error(err))
			default:
				report.Failed = append(report.Failed, to)
				f.logger.Error(ctx, "notification delivery failed",
					zap.String("recipient", string(to)), zap.Error(err))
			}
		})
	}
	p.Wait()

	sortRecipients(report.Gone)
	sortRecipients(report.Failed)
	f.logger.Info(ctx, "notification broadcast finished",
		zap.Int("attempted", report.Attempted),
		zap.Int("delivered", report.Delivered),
		zap.Int("gone", len(report.Gone)),
		zap.Int("failed", len(report.Failed)))
	return report, nil
}

func (f *Fanout) deliver(ctx context.Context, to Recipient, text string) error {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()
	return f.messenger.Send(ctx, to, text)
}

func sortRecipients(rs []Recipient) {
	sort.Slice(rs, func(i, j int) bool { return rs[i] < rs[j] })
}

// MessageFor renders the broadcast text for a run. With files known it
// summarizes the pull request, otherwise it is a generic failure notice.
func MessageFor(hasFiles bool, pr *remediation.PullRequest, files []string) string {
	if !hasFiles {
		return "A dbt run failed and healer could not identify the files responsible.\nCheck the run log for details."
	}

	var b strings.Builder
	b.WriteString("New pull request from healer!\n")
	if len(files) > 0 {
		b.WriteString("Files: ")
		b.WriteString(strings.Join(files, ", "))
		b.WriteString("\n")
	}
	if pr != nil && pr.URL != "" {
		b.WriteString("URL: ")
		b.WriteString(pr.URL)
	}
	return strings.TrimRight(b.String(), "\n")
}
