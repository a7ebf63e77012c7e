package chain

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/mbd888/steamtrader/internal/idgen"
)

// DryRun stands in for Client when no wallet is configured. Transfers are
// logged and succeed with a random reference.
type DryRun struct {
	logger *slog.Logger
}

func NewDryRun(logger *slog.Logger) *DryRun {
	if logger == nil {
		logger = slog.Default()
	}
	return &DryRun{logger: logger}
}

func (d *DryRun) Transfer(_ context.Context, to string, amount *big.Int) (string, error) {
	return d.log("native transfer", to, amount), nil
}

func (d *DryRun) TransferIn(_ context.Context, from string, amount *big.Int) (string, error) {
	return d.log("token transfer in", from, amount), nil
}

func (d *DryRun) TransferOut(_ context.Context, to string, amount *big.Int) (string, error) {
	return d.log("token transfer out", to, amount), nil
}

func (d *DryRun) Ping(context.Context) error { return nil }

func (d *DryRun) log(op, party string, amount *big.Int) string {
	ref := "0x" + idgen.Hex(32)
	d.logger.Info("dry-run "+op, "party", party, "amount", amount.String(), "ref", ref)
	return ref
}
