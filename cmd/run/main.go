// Command run drives one variational Monte Carlo optimization from a single
// JSON input file, the way netket's command line entrypoint does.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/alexandercbooth/netket/config"
	"github.com/alexandercbooth/netket/sampler"
	"github.com/alexandercbooth/netket/transport"
)

var (
	outDir = flag.String("o", ".", "output directory for the log and wavefunction files")
	nranks = flag.Int("nranks", 1, "number of SPMD ranks to drive the same learning run")
)

func main() {
	flag.Parse()
	log.SetFlags(log.Lmicroseconds | log.Llongfile | log.LstdFlags)

	if err := mainWithErr(); err != nil {
		log.Fatalf("%+v", err)
	}
}

func mainWithErr() error {
	args := flag.Args()
	if len(args) != 1 {
		return errors.Errorf("usage: run <input.json>")
	}
	inputPath := args[0]

	f, err := config.Load(inputPath)
	if err != nil {
		return errors.Wrap(err, "load input")
	}

	if err := os.MkdirAll(*outDir, os.ModePerm); err != nil {
		return errors.Wrap(err, "create output directory")
	}

	size := *nranks
	if size < 1 {
		size = 1
	}
	ranks, err := transport.NewLocalGroup(size)
	if err != nil {
		return errors.Wrap(err, "build transport group")
	}

	seeds, err := scatterSeeds(ranks)
	if err != nil {
		return errors.Wrap(err, "scatter sampler seeds")
	}

	niter := f.Learning.NIterations
	if niter == 0 {
		niter = 1000
	}
	logPath := f.Learning.OutputFile
	if logPath == "" {
		logPath = "output.log"
	}
	logPath = filepath.Join(*outDir, logPath)
	wfPath := filepath.Join(*outDir, "output.wf")

	var wg sync.WaitGroup
	errs := make([]error, size)
	for i, tr := range ranks {
		wg.Add(1)
		go func(i int, tr *transport.Local) {
			defer wg.Done()
			if err := runRank(f, tr, seeds[i], niter, logPath, wfPath); err != nil {
				errs[i] = err
			}
		}(i, tr)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return errors.Wrapf(err, "rank %d", i)
		}
	}
	return nil
}

// scatterSeeds draws size independent hardware seeds on rank 0 and
// broadcasts the whole array to every rank, so that every rank's sampler
// seed comes from rank 0's draws rather than from each rank reading
// crypto/rand itself. Rank i keeps entry i of the array.
func scatterSeeds(ranks []*transport.Local) ([]uint64, error) {
	size := len(ranks)
	seeds := make([][]uint64, size)

	var wg sync.WaitGroup
	errs := make([]error, size)
	for i, tr := range ranks {
		wg.Add(1)
		go func(i int, tr *transport.Local) {
			defer wg.Done()
			v := make([]uint64, size)
			if tr.Rank() == 0 {
				for j := range v {
					s, err := sampler.HardwareSeed()
					if err != nil {
						errs[i] = errors.Wrap(err, "draw seed")
						return
					}
					v[j] = s
				}
			}
			if err := tr.BroadcastUint64(context.Background(), v, 0); err != nil {
				errs[i] = err
				return
			}
			seeds[i] = v
		}(i, tr)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	out := make([]uint64, size)
	for i, v := range seeds {
		out[i] = v[i]
	}
	return out, nil
}

// runRank builds one rank's components and drives its share of the
// learning run. Only rank 0 writes the log and wavefunction files and
// prints the final summary; every rank still participates in every
// collective the learning loop issues, since the observable snapshots and
// the SR linear system are all-reduced across the whole group.
func runRank(f *config.File, tr *transport.Local, seed uint64, niter int, logPath, wfPath string) error {
	comps, err := config.BuildSeeded(f, tr, seed)
	if err != nil {
		return errors.Wrap(err, "build components")
	}

	if tr.Rank() == 0 {
		log.Printf("rank %d/%d: %d sites, %d parameters, %d samples/iter, %d iterations",
			tr.Rank(), tr.Size(), comps.Hilbert.Size(), comps.Machine.Npar(), comps.Sr.Params.NSamples, niter)
	}

	rankLogPath := logPath
	var checkpoint func(int) error
	if tr.Rank() == 0 {
		if f.Learning.SaveEvery > 0 {
			checkpoint = func(it int) error {
				if (it+1)%f.Learning.SaveEvery != 0 {
					return nil
				}
				return comps.Machine.Save(wfPath)
			}
		}
	} else {
		rankLogPath = ""
	}

	ctx := context.Background()
	if err := comps.Sr.Run(ctx, niter, rankLogPath, checkpoint); err != nil {
		return errors.Wrap(err, "run learning")
	}

	// Every rank must call this together: it all-reduces the final energy
	// snapshot across the whole group, even though only rank 0 uses the
	// result.
	stats, err := comps.Sr.Observables.SnapshotGlobal(ctx, tr, "Energy")
	if err != nil {
		return errors.Wrap(err, "final energy snapshot")
	}
	if tr.Rank() != 0 {
		return nil
	}

	if err := comps.Machine.Save(wfPath); err != nil {
		return errors.Wrap(err, "save machine")
	}
	fmt.Printf("final energy: %v +- %f\n", stats.Mean, stats.Sigma)
	return nil
}
