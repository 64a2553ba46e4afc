// Package config parses the single JSON input file that drives a run and
// wires its components together in the same order netket.cc does: Graph,
// then Hilbert, then Hamiltonian, then Machine, then Sampler, then
// Optimizer, then the learning engine.
package config

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"github.com/alexandercbooth/netket/graph"
	"github.com/alexandercbooth/netket/hamiltonian"
	"github.com/alexandercbooth/netket/hilbert"
	"github.com/alexandercbooth/netket/learning"
	"github.com/alexandercbooth/netket/machine"
	"github.com/alexandercbooth/netket/optimizer"
	"github.com/alexandercbooth/netket/sampler"
	"github.com/alexandercbooth/netket/transport"
)

// File mirrors the top-level JSON input document.
type File struct {
	Graph       GraphConfig       `json:"Graph"`
	Hilbert     HilbertConfig     `json:"Hilbert"`
	Hamiltonian HamiltonianConfig `json:"Hamiltonian"`
	Machine     MachineConfig     `json:"Machine"`
	Sampler     SamplerConfig     `json:"Sampler"`
	Optimizer   OptimizerConfig   `json:"Optimizer"`
	Learning    LearningConfig    `json:"Learning"`
}

type GraphConfig struct {
	Name string `json:"Name"`
	L    int    `json:"L"`
	Dim  int    `json:"Dimension"`
	// Pbc defaults to true (periodic boundary conditions) when omitted from
	// the input document; a pointer is needed to tell "omitted" apart from
	// an explicit false.
	Pbc *bool `json:"Pbc"`
}

type HilbertConfig struct {
	Name    string  `json:"Name"`
	S       float64 `json:"S"`
	Nmax    int     `json:"Nmax"`
	TotalSz *float64 `json:"TotalSz"`
}

type HamiltonianConfig struct {
	Name string  `json:"Name"`
	H    float64 `json:"H"`
	J    float64 `json:"J"`
}

type MachineConfig struct {
	Name           string `json:"Name"`
	Alpha          int    `json:"Alpha"`
	UseVisibleBias bool   `json:"UseVisibleBias"`
	UseHiddenBias  bool   `json:"UseHiddenBias"`
	InitSigma      float64 `json:"InitSigma"`
	InitSeed       uint64  `json:"InitSeed"`
}

type SamplerConfig struct {
	Name string `json:"Name"`
}

type OptimizerConfig struct {
	Name         string  `json:"Name"`
	LearningRate float64 `json:"LearningRate"`
}

type LearningConfig struct {
	Method       string  `json:"Method"` // "Sr" or "Gd"
	NSamples     int     `json:"Nsamples"`
	NIterations  int     `json:"NiterOpt"`
	Diagshift    float64 `json:"DiagShift"`
	UseIterative bool    `json:"UseIterative"`
	RescaleShift bool    `json:"RescaleShift"`
	CGTol        float64 `json:"SrTolCg"`
	OutputFile   string  `json:"OutputFile"`
	SaveEvery    int     `json:"SaveEvery"`
}

// Load reads and parses a JSON input document from path.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	var f File
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	return &f, nil
}

// Components holds every object Build wires together, ready for a learning
// run.
type Components struct {
	Graph     graph.Graph
	Hilbert   hilbert.Hilbert
	Operator  hamiltonian.Operator
	Machine   *machine.RbmSpinSymm
	Sampler   *sampler.MetropolisLocal
	Optimizer optimizer.Optimizer
	Sr        *learning.Sr
}

// Build wires every component in the JSON document, matching the
// Graph -> Hilbert -> Hamiltonian -> Machine -> Sampler -> Optimizer ->
// Learning construction order. The sampler seeds itself from the process's
// hardware entropy source; a multi-rank caller should use BuildSeeded
// instead, so that every rank's chain is seeded from a value scattered by
// rank 0 rather than by nranks independent crypto/rand reads.
func Build(f *File, tr transport.Transport) (*Components, error) {
	return BuildSeeded(f, tr, 0)
}

// BuildSeeded is Build with an explicit sampler seed. A zero seed falls
// back to Build's hardware-entropy self-seeding.
func BuildSeeded(f *File, tr transport.Transport, samplerSeed uint64) (*Components, error) {
	g, err := buildGraph(f.Graph)
	if err != nil {
		return nil, errors.Wrap(err, "build graph")
	}

	hi, err := buildHilbert(f.Hilbert, g.NSites())
	if err != nil {
		return nil, errors.Wrap(err, "build hilbert space")
	}

	op, err := hamiltonian.New(f.Hamiltonian.Name, g, hi, f.Hamiltonian.H, f.Hamiltonian.J)
	if err != nil {
		return nil, errors.Wrap(err, "build hamiltonian")
	}

	alpha := f.Machine.Alpha
	if alpha == 0 {
		alpha = 1
	}
	m, err := machine.NewRbmSpinSymm(g, hi.Size(), alpha, f.Machine.UseVisibleBias, f.Machine.UseHiddenBias)
	if err != nil {
		return nil, errors.Wrap(err, "build machine")
	}
	sigma := f.Machine.InitSigma
	if sigma == 0 {
		sigma = 0.01
	}
	seed := f.Machine.InitSeed
	if seed == 0 {
		seed = 12345
	}
	m.InitRandom(seed, sigma)

	var smp *sampler.MetropolisLocal
	if samplerSeed != 0 {
		smp = sampler.NewMetropolisLocalSeeded(hi, m, samplerSeed)
	} else {
		smp, err = sampler.NewMetropolisLocal(hi, m)
		if err != nil {
			return nil, errors.Wrap(err, "build sampler")
		}
	}

	opt, err := optimizer.New(f.Optimizer.Name, f.Optimizer.LearningRate)
	if err != nil {
		return nil, errors.Wrap(err, "build optimizer")
	}

	srParams := learning.DefaultParams()
	if f.Learning.NSamples > 0 {
		// f.Learning.NSamples is the total configurations drawn per iteration
		// across every rank; each rank draws its ceiling-rounded share.
		srParams.NSamples = (f.Learning.NSamples + tr.Size() - 1) / tr.Size()
	}
	if f.Learning.Diagshift > 0 {
		srParams.Diagshift = f.Learning.Diagshift
	}
	if f.Learning.CGTol > 0 {
		srParams.CGTol = f.Learning.CGTol
	}
	if f.Learning.UseIterative {
		srParams.Solver = learning.SolverCG
	}
	srParams.Rescale = f.Learning.RescaleShift
	if f.Learning.Method == "Gd" {
		srParams.GradientOnly = true
	}

	sr := learning.NewSr(op, m, smp, tr, opt, srParams)
	if f.Hamiltonian.Name == "Ising" || f.Hamiltonian.Name == "Heisenberg" {
		sr.AddObservable("Magnetization", &hamiltonian.Magnetization{Hilbert: hi})
	}

	return &Components{
		Graph:     g,
		Hilbert:   hi,
		Operator:  op,
		Machine:   m,
		Sampler:   smp,
		Optimizer: opt,
		Sr:        sr,
	}, nil
}

func buildGraph(c GraphConfig) (graph.Graph, error) {
	switch c.Name {
	case "", "Hypercube":
		dim := c.Dim
		if dim == 0 {
			dim = 1
		}
		pbc := true
		if c.Pbc != nil {
			pbc = *c.Pbc
		}
		return graph.NewHypercube(c.L, dim, pbc)
	default:
		return nil, errors.Errorf("unknown graph %q", c.Name)
	}
}

func buildHilbert(c HilbertConfig, nsites int) (hilbert.Hilbert, error) {
	switch c.Name {
	case "", "Spin":
		s := c.S
		if s == 0 {
			s = 0.5
		}
		h, err := hilbert.NewSpin(nsites, s)
		if err != nil {
			return nil, err
		}
		if c.TotalSz != nil {
			h.WithTotalSz(*c.TotalSz)
		}
		return h, nil
	case "Boson":
		return hilbert.NewBoson(nsites, c.Nmax)
	case "Qubit":
		return hilbert.NewQubit(nsites), nil
	default:
		return nil, errors.Errorf("unknown hilbert space %q", c.Name)
	}
}
