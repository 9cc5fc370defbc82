package chain

import (
	"context"
	"errors"
	"time"
)

// DefaultTxWaitTimeout is the default timeout for waiting for a receipt.
const DefaultTxWaitTimeout = 5 * time.Minute

// DefaultPollInterval is the default interval for polling receipts.
const DefaultPollInterval = 2 * time.Second

// WaitForReceipt polls until the transaction is mined or ctx is done. A
// missing receipt is treated as pending.
func (c *Client) WaitForReceipt(ctx context.Context, txHash string, pollInterval time.Duration) (*Receipt, error) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.GetTransactionReceipt(ctx, txHash)
		switch {
		case err == nil:
			return receipt, nil
		case !errors.Is(err, ErrReceiptNotFound):
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitForReceiptTimeout bounds WaitForReceipt by waitTimeout
// (DefaultTxWaitTimeout if zero).
func (c *Client) WaitForReceiptTimeout(ctx context.Context, txHash string, pollInterval, waitTimeout time.Duration) (*Receipt, error) {
	if waitTimeout <= 0 {
		waitTimeout = DefaultTxWaitTimeout
	}
	wctx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()
	return c.WaitForReceipt(wctx, txHash, pollInterval)
}
