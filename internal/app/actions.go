package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"custody-mint-sync/internal/bridge"
	"custody-mint-sync/internal/notifier"
)

// Reset clears the local mirror. With remote the sandbox services are wiped as well.
func (a *App) Reset(ctx context.Context, remote bool) error {
	if remote && !a.Config.Remote.Sandbox {
		return errors.New("remote reset requires remote.sandbox=true")
	}
	b, closePort, err := a.openBridge(ctx, true)
	if err != nil {
		return err
	}
	defer closePort()

	if err := b.Reset(ctx, remote); err != nil {
		return err
	}
	fmt.Fprintln(a.out(), "state cleared")
	return nil
}

// SimulateLock asks the sandbox platform for a test lock and mirrors it locally.
func (a *App) SimulateLock(ctx context.Context) error {
	if !a.Config.Remote.Sandbox {
		return errors.New("simulate-lock requires remote.sandbox=true")
	}
	return a.decide(ctx, func(b *bridge.Bridge) (any, error) {
		return b.SimulateLock(ctx)
	})
}

// Approve approves all or part of an active lock and notifies the treasury.
func (a *App) Approve(ctx context.Context, opts ApproveOptions) error {
	return a.decide(ctx, func(b *bridge.Bridge) (any, error) {
		return b.ApproveLock(ctx, notifier.ApproveInput{
			LockID:     opts.LockID,
			Amount:     opts.Amount,
			ApprovedBy: opts.ApprovedBy,
		})
	})
}

// Reject declines an active lock and notifies the treasury.
func (a *App) Reject(ctx context.Context, opts RejectOptions) error {
	return a.decide(ctx, func(b *bridge.Bridge) (any, error) {
		return b.RejectLock(ctx, notifier.RejectInput{
			LockID:     opts.LockID,
			Reason:     opts.Reason,
			RejectedBy: opts.RejectedBy,
		})
	})
}

// Complete records a finished mint for an approved request.
func (a *App) Complete(ctx context.Context, opts CompleteOptions) error {
	return a.decide(ctx, func(b *bridge.Bridge) (any, error) {
		return b.CompleteMint(ctx, notifier.CompleteInput{
			AuthorizationCode: opts.AuthorizationCode,
			Amount:            opts.Amount,
			TxHash:            opts.TxHash,
			BlockNumber:       opts.BlockNumber,
			MintedBy:          opts.MintedBy,
			ContractAddress:   opts.ContractAddress,
		})
	})
}

// decide runs one local decision, flushes the result and prints it as JSON. State applied
// before a notification failure is still flushed.
func (a *App) decide(ctx context.Context, fn func(*bridge.Bridge) (any, error)) error {
	b, closePort, err := a.openBridge(ctx, true)
	if err != nil {
		return err
	}
	defer closePort()

	result, err := fn(b)
	if err != nil && !errors.Is(err, notifier.ErrNotificationFailed) {
		return err
	}
	if ferr := b.Flush(ctx); ferr != nil {
		a.Logger.Warn().Err(ferr).Msg("state not persisted")
	}
	if errors.Is(err, notifier.ErrNotificationFailed) {
		if a.Config.Notifier.QueuePath == "" {
			a.Logger.Warn().Msg("notifier.queue_path not set; the undelivered notification is lost on exit")
		}
	}

	raw, merr := json.MarshalIndent(result, "", "  ")
	if merr != nil {
		return merr
	}
	fmt.Fprintln(a.out(), string(raw))
	return err
}
