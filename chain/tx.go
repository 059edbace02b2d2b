package chain

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"escrotrade/trade"
)

// PendingTx is the handle on a submitted settlement transaction. It resolves
// through the receipt only: submission alone proves nothing.
type PendingTx struct {
	backend      Backend
	hash         common.Hash
	replay       ethereum.CallMsg
	pollInterval time.Duration
}

// Hash returns the submitted transaction hash.
func (p *PendingTx) Hash() string {
	return p.hash.Hex()
}

// Mined reports whether a receipt exists yet. Callers decide their own
// confirmation timeout policy.
func (p *PendingTx) Mined(ctx context.Context) (bool, error) {
	_, err := p.backend.TransactionReceipt(ctx, p.hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Wait blocks until the transaction's receipt is observed or the context
// ends. A successful receipt returns nil; a reverted one returns a
// trade.RevertError carrying the unpacked revert reason when the node can
// replay the call.
func (p *PendingTx) Wait(ctx context.Context) error {
	interval := p.pollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		receipt, err := p.backend.TransactionReceipt(ctx, p.hash)
		if err == nil && receipt != nil {
			if receipt.Status == gethtypes.ReceiptStatusSuccessful {
				return nil
			}
			return &trade.RevertError{
				TxHash: p.hash.Hex(),
				Reason: p.revertReason(ctx, receipt),
			}
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return fmt.Errorf("chain: fetch receipt %s: %w", p.hash.Hex(), err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// revertReason replays the failed call at its block to recover the revert
// string. Best effort: an empty reason is returned when the node withholds
// the data.
func (p *PendingTx) revertReason(ctx context.Context, receipt *gethtypes.Receipt) string {
	if receipt == nil || receipt.BlockNumber == nil {
		return ""
	}
	res, err := p.backend.CallContract(ctx, p.replay, receipt.BlockNumber)
	if err != nil {
		if data := errorData(err); len(data) > 0 {
			if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
				return reason
			}
		}
		return ""
	}
	if reason, unpackErr := abi.UnpackRevert(res); unpackErr == nil {
		return reason
	}
	return ""
}

// errorData extracts ABI-encoded revert data from a JSON-RPC error, when the
// node attaches it.
func errorData(err error) []byte {
	var dataErr interface{ ErrorData() interface{} }
	if !errors.As(err, &dataErr) {
		return nil
	}
	raw, ok := dataErr.ErrorData().(string)
	if !ok {
		return nil
	}
	decoded, decodeErr := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	if decodeErr != nil {
		return nil
	}
	return decoded
}
