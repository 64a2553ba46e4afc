package transport

import (
	"context"
	"sync"
	"testing"
)

// TestLocalSumComplexAllReduces checks that every rank ends up with the
// elementwise sum across all ranks' contributions, the parallel-consistency
// property the multi-chain learning loop depends on.
func TestLocalSumComplexAllReduces(t *testing.T) {
	t.Parallel()
	const size = 4
	ranks, err := NewLocalGroup(size)
	if err != nil {
		t.Fatalf("%+v", err)
	}

	var wg sync.WaitGroup
	results := make([][]complex128, size)
	for i, r := range ranks {
		wg.Add(1)
		go func(i int, r *Local) {
			defer wg.Done()
			v := []complex128{complex(float64(i), 0), complex(0, float64(i))}
			if err := r.SumComplex(context.Background(), v); err != nil {
				t.Errorf("rank %d: %+v", i, err)
				return
			}
			results[i] = v
		}(i, r)
	}
	wg.Wait()

	want := complex(float64(size*(size-1)/2), float64(size*(size-1)/2))
	for i, res := range results {
		if res == nil {
			continue
		}
		if res[0] != complex(real(want), 0) {
			t.Fatalf("rank %d: sum[0] = %v, want %v", i, res[0], real(want))
		}
		if res[1] != complex(0, imag(want)) {
			t.Fatalf("rank %d: sum[1] = %v, want %v", i, res[1], imag(want))
		}
	}
}

func TestLocalBroadcastFromRoot(t *testing.T) {
	t.Parallel()
	const size = 3
	const root = 1
	ranks, err := NewLocalGroup(size)
	if err != nil {
		t.Fatalf("%+v", err)
	}

	var wg sync.WaitGroup
	results := make([][]uint64, size)
	for i, r := range ranks {
		wg.Add(1)
		go func(i int, r *Local) {
			defer wg.Done()
			v := []uint64{0}
			if i == root {
				v[0] = 424242
			}
			if err := r.BroadcastUint64(context.Background(), v, root); err != nil {
				t.Errorf("rank %d: %+v", i, err)
				return
			}
			results[i] = v
		}(i, r)
	}
	wg.Wait()

	for i, res := range results {
		if res[0] != 424242 {
			t.Fatalf("rank %d: got %d, want 424242", i, res[0])
		}
	}
}

func TestLocalBarrierReleasesAllRanks(t *testing.T) {
	t.Parallel()
	const size = 5
	ranks, err := NewLocalGroup(size)
	if err != nil {
		t.Fatalf("%+v", err)
	}

	var wg sync.WaitGroup
	for i, r := range ranks {
		wg.Add(1)
		go func(i int, r *Local) {
			defer wg.Done()
			if err := r.Barrier(context.Background()); err != nil {
				t.Errorf("rank %d: %+v", i, err)
			}
		}(i, r)
	}
	wg.Wait()
}

func TestSingleTransportIsOneRank(t *testing.T) {
	t.Parallel()
	tr := Single()
	if tr.Rank() != 0 || tr.Size() != 1 {
		t.Fatalf("Single() rank=%d size=%d, want rank=0 size=1", tr.Rank(), tr.Size())
	}
	v := []int{3}
	if err := tr.SumInt(context.Background(), v); err != nil {
		t.Fatalf("%+v", err)
	}
	if v[0] != 3 {
		t.Fatalf("SumInt on a single rank gave %d, want 3", v[0])
	}
}

func TestNewLocalGroupRejectsInvalidSize(t *testing.T) {
	t.Parallel()
	if _, err := NewLocalGroup(0); err == nil {
		t.Fatalf("expected an error for size 0")
	}
}
