package app

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
)

// Status prints workflow statistics, upstream health and undelivered decisions.
func (a *App) Status(ctx context.Context) error {
	b, closePort, err := a.openBridge(ctx, true)
	if err != nil {
		return err
	}
	defer closePort()

	stats := b.Statistics()
	health := b.CheckHealth(ctx)
	pending := b.PendingNotifications()
	now := time.Now()

	writer := tabwriter.NewWriter(a.out(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Pending locks\t%s\n", humanize.Comma(int64(stats.PendingLocks)))
	fmt.Fprintf(writer, "Pending mints\t%s\n", humanize.Comma(int64(stats.PendingMints)))
	fmt.Fprintf(writer, "Approved mints\t%s\n", humanize.Comma(int64(stats.ApprovedMints)))
	fmt.Fprintf(writer, "Completed mints\t%s\n", humanize.Comma(int64(stats.CompletedMints)))
	fmt.Fprintf(writer, "Rejected\t%s locks, %s requests\n", humanize.Comma(int64(stats.RejectedLocks)), humanize.Comma(int64(stats.RejectedMints)))
	fmt.Fprintf(writer, "Awaiting treasury\t%s\n", humanize.Comma(int64(stats.AwaitingRemote)))
	fmt.Fprintf(writer, "Minted volume\t%s\n", formatAmount(stats.TotalVolume, ""))
	fmt.Fprintf(writer, "Treasury API\t%s\n", upDown(health.Treasury))
	fmt.Fprintf(writer, "Platform API\t%s\n", upDown(health.Platform))
	fmt.Fprintf(writer, "Push endpoint\t%s\n", a.Config.PushURL())
	fmt.Fprintf(writer, "Queued notifications\t%d\n", len(pending))
	for _, p := range pending {
		fmt.Fprintf(writer, "  %s\t%s, %d attempts, queued %s\n",
			p.AuthorizationCode, p.Path, p.Attempts, humanize.RelTime(p.CreatedAt, now, "ago", "from now"))
	}
	return writer.Flush()
}

func upDown(ok bool) string {
	if ok {
		return "up"
	}
	return "down"
}
