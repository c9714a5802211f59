package imap

import (
	"context"
	"errors"
	"fmt"

	humanize "github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// FolderStats represents statistics for a folder
type FolderStats struct {
	Name     string
	Messages int
	Recent   int
	Unseen   int
	MaxUID   uint32 // UIDNEXT-1, an upper bound on the highest UID in use
	Error    error
}

func (f FolderStats) String() string {
	if f.Error != nil {
		return fmt.Sprintf("%s: %v", f.Name, f.Error)
	}
	return fmt.Sprintf("%s: %s messages, %s unseen", f.Name, humanize.Comma(int64(f.Messages)), humanize.Comma(int64(f.Unseen)))
}

// StatsOptions tunes CollectFolderStats.
type StatsOptions struct {
	// Pattern selects the mailboxes, "*" when empty.
	Pattern string
	// Workers is the number of sessions used in parallel (at least 1).
	Workers int
	// LoginsPerSecond throttles opening the extra sessions; servers often
	// limit concurrent logins. Zero means no limit.
	LoginsPerSecond float64
	// Excluded names are skipped.
	Excluded []string
}

// CollectFolderStats lists the account's mailboxes and queries STATUS for
// each one, spreading the work over opts.Workers independent sessions
// (one session only ever runs one command at a time). A folder that fails
// gets its Error set; the call itself fails only when listing fails or the
// first session is lost. Results follow the listing order. Every session
// opened here is logged out before returning.
func CollectFolderStats(ctx context.Context, cfg Config, creds Credentials, opts StatsOptions) ([]FolderStats, error) {
	lead, err := Dial(ctx, cfg, creds)
	if err != nil {
		return nil, err
	}

	mailboxes, err := lead.ListMailboxes(ctx, opts.Pattern)
	if err != nil {
		_ = lead.Close()
		return nil, err
	}

	excluded := make(map[string]bool, len(opts.Excluded))
	for _, name := range opts.Excluded {
		excluded[name] = true
	}
	stats := make([]FolderStats, 0, len(mailboxes))
	for _, mb := range mailboxes {
		if mb.NoSelect() || excluded[mb.Name] {
			continue
		}
		stats = append(stats, FolderStats{Name: mb.Name})
	}

	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(stats) {
		workers = max(len(stats), 1)
	}

	limit := rate.Inf
	if opts.LoginsPerSecond > 0 {
		limit = rate.Limit(opts.LoginsPerSecond)
	}
	limiter := rate.NewLimiter(limit, 1)

	logger := cfg.Logger
	if logger == nil {
		logger = getLogger()
	}

	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan int)

	g.Go(func() error {
		defer close(jobs)
		for i := range stats {
			select {
			case jobs <- i:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for w := 0; w < workers; w++ {
		g.Go(func() error {
			sess := lead
			if w > 0 {
				if err := limiter.Wait(gctx); err != nil {
					return nil
				}
				var err error
				sess, err = Dial(gctx, cfg, creds)
				if err != nil {
					// the remaining workers pick up the slack
					logger.Warn("stats worker could not connect", "worker", w, "error", err)
					return nil
				}
			}
			defer func() { _ = sess.Close() }()

			for i := range jobs {
				st, err := sess.Status(gctx, stats[i].Name)
				if err != nil {
					stats[i].Error = err
					if errors.Is(err, ErrSessionClosed) || sess.State().closed() {
						return fmt.Errorf("imap stats worker %d: %w", w, err)
					}
					continue
				}
				stats[i].Messages = st.Messages
				stats[i].Recent = st.Recent
				stats[i].Unseen = st.Unseen
				if st.UIDNext > 0 {
					stats[i].MaxUID = st.UIDNext - 1
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return stats, err
	}
	return stats, nil
}
