package publish

import (
	"context"
	"sync"

	"github.com/zulandar/socialhub/internal/models"
	"golang.org/x/sync/errgroup"
)

// VerifyResult reports whether a platform's credentials work.
type VerifyResult struct {
	Configured bool    `json:"configured"`
	OK         bool    `json:"ok"`
	Account    Account `json:"account,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// VerifyAll checks every platform concurrently. Platforms without a
// publisher are reported as not configured; publishers that do not
// implement Verifier are assumed to be fine.
func (o *Orchestrator) VerifyAll(ctx context.Context) map[models.Platform]VerifyResult {
	var mu sync.Mutex
	results := make(map[models.Platform]VerifyResult, len(models.AllPlatforms))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, p := range models.AllPlatforms {
		pub, ok := o.registry.Get(p)
		if !ok {
			mu.Lock()
			results[p] = VerifyResult{Error: "not configured"}
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			res := o.verifyOne(gctx, pub)
			mu.Lock()
			results[p] = res
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return results
}

func (o *Orchestrator) verifyOne(ctx context.Context, pub Publisher) (res VerifyResult) {
	res.Configured = true
	v, ok := pub.(Verifier)
	if !ok {
		res.OK = true
		return res
	}
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	acct, err := v.Verify(ctx)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.OK = true
	res.Account = acct
	return res
}
