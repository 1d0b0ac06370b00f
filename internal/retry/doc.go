// Package retry provides the capped exponential curve shared by job
// retries and connection setup, plus a context-aware retry loop.
//
// The queue uses a Policy without jitter so the delay between job
// attempts strictly grows until it reaches the cap:
//
//	p := retry.Policy{Base: time.Second, Max: 5 * time.Minute}
//	delay := p.Delay(job.Attempts)
//
// Redis connection setup uses Do:
//
//	policy := retry.Policy{Base: 100 * time.Millisecond, Max: 10 * time.Second, Jitter: retry.DefaultJitter}
//	err := retry.Do(ctx, policy, 6, func(ctx context.Context) error {
//	    return client.Ping(ctx).Err()
//	})
package retry
