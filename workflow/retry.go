package workflow

import (
	"context"
	"time"

	"github.com/warp/issuance-engine/inventory"
)

// retry runs attempt until it succeeds, fails permanently, or has been
// retried MaxRetries times. After each transient failure landed is asked
// whether the write is visible anyway; if so the operation succeeded.
func (e *Engine) retry(ctx context.Context, op string, attempt func() error, landed func() (bool, error)) error {
	for i := 0; ; i++ {
		err := attempt()
		if err == nil || !inventory.IsRetryable(err) {
			return err
		}

		ok, checkErr := landed()
		if checkErr == nil && ok {
			e.log().Warn("storage reported failure but write is visible", "op", op, "error", err)
			return nil
		}
		if i >= e.MaxRetries {
			return err
		}

		wait := e.RetryBackoff * time.Duration(i+1)
		e.log().Warn("retrying after storage failure", "op", op, "attempt", i+1, "wait", wait, "error", err)
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return err
			case <-timer.C:
			}
		}
	}
}
