package loadbalance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"

	"balance-rpc/message"
)

// WeightKey is the target metadata key read by WeightedRandom.
const WeightKey = "weight"

// MaxWeight caps a single target weight so the sum of weights cannot
// overflow.
const MaxWeight = math.MaxInt32

// WeightedRandom is an explicit strategy for heterogeneous targets: each call
// picks one target at random with probability proportional to its "weight"
// metadata. Targets without a valid positive weight count as weight 1;
// weights above MaxWeight count as MaxWeight.
type WeightedRandom struct{}

func (WeightedRandom) Name() string { return "weighted-random" }

func (WeightedRandom) Dispatch(ctx context.Context, e Entry, msg *message.RPCMessage) (*message.RPCMessage, error) {
	targets := e.Targets()
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoCurrentTarget, e.Key())
	}

	weights := make([]int64, len(targets))
	var total int64
	for i, t := range targets {
		weights[i] = weightOf(t)
		total += weights[i]
	}

	r := rand.Int64N(total)
	for i, t := range targets {
		r -= weights[i]
		if r < 0 {
			return t.Invoke(ctx, msg)
		}
	}
	return targets[len(targets)-1].Invoke(ctx, msg)
}

func weightOf(t Target) int64 {
	w, err := strconv.ParseInt(t.Metadata[WeightKey], 10, 64)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) && w > 0 {
			return MaxWeight
		}
		return 1
	}
	if w <= 0 {
		return 1
	}
	return min(w, MaxWeight)
}
