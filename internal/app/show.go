package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"

	"custody-mint-sync/internal/model"
)

// Show prints the mirrored locks, mint requests and, optionally, the newest audit events.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	var status model.MintStatus
	if opts.Status != "" {
		s, err := model.ParseMintStatus(opts.Status)
		if err != nil {
			return err
		}
		status = s
	}

	b, closePort, err := a.openBridge(ctx, true)
	if err != nil {
		return err
	}
	defer closePort()

	out := a.out()
	now := time.Now()

	locks := b.Locks()
	if len(locks) == 0 {
		fmt.Fprintln(out, "no active locks")
	} else {
		writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Lock\tAuthorization\tAmount\tBeneficiary\tBank\tAge")
		for _, l := range limit(locks, opts.Limit) {
			fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
				l.LockID,
				l.AuthorizationCode,
				formatAmount(l.Amount, l.Currency),
				l.Beneficiary,
				sanitizeInline(l.BankInfo.BankName),
				age(l.Timestamp, now),
			)
		}
		writer.Flush()
	}
	fmt.Fprintln(out)

	requests := b.MintRequests(status)
	if len(requests) == 0 {
		fmt.Fprintln(out, "no mint requests")
	} else {
		writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Authorization\tLock\tAmount\tStatus\tCreated\tExpires")
		for _, r := range limit(requests, opts.Limit) {
			st := string(r.Status)
			if r.PendingConfirmation {
				st += " (unconfirmed)"
			}
			fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
				r.AuthorizationCode,
				r.LockID,
				formatAmount(r.RequestedAmount, r.TokenSymbol),
				st,
				age(r.CreatedAt, now),
				age(r.ExpiresAt, now),
			)
		}
		writer.Flush()
	}

	if !opts.Events {
		return nil
	}
	fmt.Fprintln(out)
	events := b.AuditEvents(opts.Limit)
	if len(events) == 0 {
		fmt.Fprintln(out, "no audit events")
		return nil
	}
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tType\tSource\tSigned")
	for _, ev := range events {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%t\n",
			ev.Timestamp.UTC().Format(time.RFC3339),
			ev.Type,
			ev.Source,
			ev.Signature != "",
		)
	}
	writer.Flush()
	return nil
}

func limit[T any](items []T, n int) []T {
	if n <= 0 || len(items) <= n {
		return items
	}
	return items[:n]
}

func formatAmount(d decimal.Decimal, unit string) string {
	s := humanize.FormatFloat("#,###.##", d.InexactFloat64())
	if unit == "" {
		return s
	}
	return s + " " + unit
}

func age(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
