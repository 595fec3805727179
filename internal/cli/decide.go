package cli

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"custody-mint-sync/internal/app"
)

var (
	approveLockID string
	approveAmount string
	approveBy     string

	rejectLockID string
	rejectReason string
	rejectBy     string

	completeCode     string
	completeAmount   string
	completeTxHash   string
	completeBlock    uint64
	completeBy       string
	completeContract string

	resetRemote bool
)

var approveCmd = &cobra.Command{
	Use:   "approve",
	Short: "Approve all or part of an active lock",
	RunE: func(cmd *cobra.Command, args []string) error {
		if approveLockID == "" {
			return errors.New("--lock is required")
		}
		amount, err := decimal.NewFromString(approveAmount)
		if err != nil {
			return fmt.Errorf("invalid --amount value: %w", err)
		}
		return getApp().Approve(cmd.Context(), app.ApproveOptions{
			LockID:     approveLockID,
			Amount:     amount,
			ApprovedBy: approveBy,
		})
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject",
	Short: "Reject an active lock",
	RunE: func(cmd *cobra.Command, args []string) error {
		if rejectLockID == "" {
			return errors.New("--lock is required")
		}
		return getApp().Reject(cmd.Context(), app.RejectOptions{
			LockID:     rejectLockID,
			Reason:     rejectReason,
			RejectedBy: rejectBy,
		})
	},
}

var completeCmd = &cobra.Command{
	Use:   "complete",
	Short: "Record a finished mint for an approved request",
	RunE: func(cmd *cobra.Command, args []string) error {
		if completeCode == "" {
			return errors.New("--authorization-code is required")
		}
		var amount decimal.Decimal
		if completeAmount != "" {
			parsed, err := decimal.NewFromString(completeAmount)
			if err != nil {
				return fmt.Errorf("invalid --amount value: %w", err)
			}
			amount = parsed
		}
		return getApp().Complete(cmd.Context(), app.CompleteOptions{
			AuthorizationCode: completeCode,
			Amount:            amount,
			TxHash:            completeTxHash,
			BlockNumber:       completeBlock,
			MintedBy:          completeBy,
			ContractAddress:   completeContract,
		})
	},
}

var simulateCmd = &cobra.Command{
	Use:   "simulate-lock",
	Short: "在沙箱平台生成一笔测试锁定并同步到本地",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SimulateLock(cmd.Context())
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear the local mirror, and the sandbox services with --remote",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Reset(cmd.Context(), resetRemote)
	},
}

func init() {
	approveCmd.Flags().StringVar(&approveLockID, "lock", "", "Lock id")
	approveCmd.Flags().StringVar(&approveAmount, "amount", "", "Amount to approve; at most the lock amount")
	approveCmd.Flags().StringVar(&approveBy, "by", "", "Approver identity (defaults to the signer address)")

	rejectCmd.Flags().StringVar(&rejectLockID, "lock", "", "Lock id")
	rejectCmd.Flags().StringVar(&rejectReason, "reason", "", "Rejection reason")
	rejectCmd.Flags().StringVar(&rejectBy, "by", "", "Rejector identity (defaults to the signer address)")

	completeCmd.Flags().StringVar(&completeCode, "authorization-code", "", "Authorization code of the approved request")
	completeCmd.Flags().StringVar(&completeAmount, "amount", "", "Minted amount (defaults to the approved amount)")
	completeCmd.Flags().StringVar(&completeTxHash, "tx", "", "Mint transaction hash")
	completeCmd.Flags().Uint64Var(&completeBlock, "block", 0, "Block number (read from the receipt when verification is on)")
	completeCmd.Flags().StringVar(&completeBy, "by", "", "Minter identity (defaults to the signer address)")
	completeCmd.Flags().StringVar(&completeContract, "contract", "", "Token contract address")

	resetCmd.Flags().BoolVar(&resetRemote, "remote", false, "Also clear the sandbox treasury and platform")
}
