// Package transport provides the SPMD collective operations (all-reduce,
// broadcast, barrier) that let the learning engine treat several
// goroutines, each running its own Markov chain, as one logical computation
// split across ranks. It plays the role MPI plays in a multi-process build,
// implemented with channels since the module runs as a single process.
package transport

import (
	"context"

	"github.com/pkg/errors"
)

// Transport is the contract the learning engine uses to combine per-rank
// statistics into the global quantities stochastic reconfiguration needs.
type Transport interface {
	Rank() int
	Size() int

	// SumComplex all-reduces a slice of complex128 in place, replacing every
	// rank's copy with the elementwise sum across ranks.
	SumComplex(ctx context.Context, v []complex128) error
	// SumFloat all-reduces a slice of float64 in place.
	SumFloat(ctx context.Context, v []float64) error
	// SumInt all-reduces a slice of int in place.
	SumInt(ctx context.Context, v []int) error

	// Broadcast sends root's copy of v to every rank, in place.
	Broadcast(ctx context.Context, v []byte, root int) error
	// BroadcastUint64 is a typed convenience wrapper used to scatter seeds.
	BroadcastUint64(ctx context.Context, v []uint64, root int) error

	// Barrier blocks until every rank has called Barrier.
	Barrier(ctx context.Context) error
}

// Local implements Transport by rendezvousing goroutines within a single
// process. All ranks of a Local group must call each collective exactly
// once, in the same order, or the call blocks forever (the same contract a
// real MPI program has to honor).
type Local struct {
	rank int
	g    *localGroup
}

type localGroup struct {
	size int

	collectCh []chan any
	resultCh  []chan any

	barrierArrive chan int
	barrierLeave  chan struct{}
}

// NewLocalGroup builds size ranks of a Local transport sharing one
// rendezvous group. Rank i of the returned slice corresponds to logical
// process i.
func NewLocalGroup(size int) ([]*Local, error) {
	if size < 1 {
		return nil, errors.Errorf("invalid transport group size %d", size)
	}
	g := &localGroup{
		size:          size,
		collectCh:     make([]chan any, size),
		resultCh:      make([]chan any, size),
		barrierArrive: make(chan int, size),
		barrierLeave:  make(chan struct{}),
	}
	for i := range g.collectCh {
		g.collectCh[i] = make(chan any, 1)
		g.resultCh[i] = make(chan any, 1)
	}
	go g.barrierLoop()

	ranks := make([]*Local, size)
	for i := range ranks {
		ranks[i] = &Local{rank: i, g: g}
	}
	return ranks, nil
}

func (g *localGroup) barrierLoop() {
	for {
		for n := 0; n < g.size; n++ {
			<-g.barrierArrive
		}
		for n := 0; n < g.size; n++ {
			g.barrierLeave <- struct{}{}
		}
	}
}

func (t *Local) Rank() int { return t.rank }
func (t *Local) Size() int { return t.g.size }

// collective funnels every rank's contribution through rank 0, which applies
// combine to the set of contributions and republishes the result to every
// rank. Each rank sends on its own collectCh entry and receives on its own
// resultCh entry; Local reuses this one persistent pair per rank for every
// call and relies on callers invoking collectives in lockstep, exactly like
// MPI_Allreduce requires.
func (t *Local) collective(ctx context.Context, contribution any, combine func([]any) any) (any, error) {
	t.g.collectCh[t.rank] <- contribution

	if t.rank == 0 {
		contributions := make([]any, t.g.size)
		for i := 0; i < t.g.size; i++ {
			select {
			case contributions[i] = <-t.g.collectCh[i]:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		result := combine(contributions)
		for i := 0; i < t.g.size; i++ {
			t.g.resultCh[i] <- result
		}
	}

	select {
	case res := <-t.g.resultCh[t.rank]:
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Local) SumComplex(ctx context.Context, v []complex128) error {
	cp := make([]complex128, len(v))
	copy(cp, v)
	res, err := t.collective(ctx, cp, func(cs []any) any {
		sum := make([]complex128, len(v))
		for _, c := range cs {
			for i, x := range c.([]complex128) {
				sum[i] += x
			}
		}
		return sum
	})
	if err != nil {
		return err
	}
	copy(v, res.([]complex128))
	return nil
}

func (t *Local) SumFloat(ctx context.Context, v []float64) error {
	cp := make([]float64, len(v))
	copy(cp, v)
	res, err := t.collective(ctx, cp, func(cs []any) any {
		sum := make([]float64, len(v))
		for _, c := range cs {
			for i, x := range c.([]float64) {
				sum[i] += x
			}
		}
		return sum
	})
	if err != nil {
		return err
	}
	copy(v, res.([]float64))
	return nil
}

func (t *Local) SumInt(ctx context.Context, v []int) error {
	cp := make([]int, len(v))
	copy(cp, v)
	res, err := t.collective(ctx, cp, func(cs []any) any {
		sum := make([]int, len(v))
		for _, c := range cs {
			for i, x := range c.([]int) {
				sum[i] += x
			}
		}
		return sum
	})
	if err != nil {
		return err
	}
	copy(v, res.([]int))
	return nil
}

func (t *Local) Broadcast(ctx context.Context, v []byte, root int) error {
	var payload []byte
	if t.rank == root {
		payload = append([]byte(nil), v...)
	}
	res, err := t.collective(ctx, payload, func(cs []any) any {
		return cs[root]
	})
	if err != nil {
		return err
	}
	b := res.([]byte)
	copy(v, b)
	return nil
}

func (t *Local) BroadcastUint64(ctx context.Context, v []uint64, root int) error {
	var payload []uint64
	if t.rank == root {
		payload = append([]uint64(nil), v...)
	}
	res, err := t.collective(ctx, payload, func(cs []any) any {
		return cs[root]
	})
	if err != nil {
		return err
	}
	copy(v, res.([]uint64))
	return nil
}

func (t *Local) Barrier(ctx context.Context) error {
	select {
	case t.g.barrierArrive <- t.rank:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-t.g.barrierLeave:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Single returns a one-rank Transport for running the learning engine
// without any parallelism, e.g. in tests or on a laptop.
func Single() Transport {
	ranks, err := NewLocalGroup(1)
	if err != nil {
		panic(err)
	}
	return ranks[0]
}
