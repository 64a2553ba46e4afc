package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/alexandercbooth/netket/graph"
	"github.com/alexandercbooth/netket/learning"
	"github.com/alexandercbooth/netket/transport"
)

func boolPtr(b bool) *bool { return &b }

func writeConfig(t *testing.T, doc any) string {
	t.Helper()
	b, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	path := filepath.Join(t.TempDir(), "input.json")
	if err := os.WriteFile(path, b, 0644); err != nil {
		t.Fatalf("%+v", err)
	}
	return path
}

func TestLoadAndBuildIsingSr(t *testing.T) {
	t.Parallel()
	doc := File{
		Graph:       GraphConfig{Name: "Hypercube", L: 4, Dim: 1, Pbc: boolPtr(true)},
		Hilbert:     HilbertConfig{Name: "Spin", S: 0.5},
		Hamiltonian: HamiltonianConfig{Name: "Ising", H: 1, J: 1},
		Machine:     MachineConfig{Alpha: 2, UseVisibleBias: true, UseHiddenBias: true, InitSigma: 0.1, InitSeed: 5},
		Optimizer:   OptimizerConfig{Name: "Sgd", LearningRate: 0.01},
		Learning:    LearningConfig{NSamples: 50, NIterations: 1},
	}
	path := writeConfig(t, doc)

	f, err := Load(path)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	comps, err := Build(f, transport.Single())
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if comps.Hilbert.Size() != 4 {
		t.Fatalf("Hilbert.Size() = %d, want 4", comps.Hilbert.Size())
	}
	if comps.Sr.Params.NSamples != 50 {
		t.Fatalf("Params.NSamples = %d, want 50", comps.Sr.Params.NSamples)
	}
	names := comps.Sr.Observables.Names()
	var hasMagnetization bool
	for _, n := range names {
		if n == "Magnetization" {
			hasMagnetization = true
		}
	}
	if !hasMagnetization {
		t.Fatalf("expected Magnetization to be registered for an Ising Hamiltonian, got %v", names)
	}
}

func TestBuildGdMethodSkipsSolve(t *testing.T) {
	t.Parallel()
	doc := File{
		Graph:       GraphConfig{Name: "Hypercube", L: 4, Dim: 1, Pbc: boolPtr(true)},
		Hilbert:     HilbertConfig{Name: "Spin", S: 0.5},
		Hamiltonian: HamiltonianConfig{Name: "Ising", H: 1, J: 1},
		Machine:     MachineConfig{Alpha: 1},
		Optimizer:   OptimizerConfig{Name: "Sgd", LearningRate: 0.01},
		Learning:    LearningConfig{Method: "Gd", NSamples: 10},
	}
	path := writeConfig(t, doc)

	f, err := Load(path)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	comps, err := Build(f, transport.Single())
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if !comps.Sr.Params.GradientOnly {
		t.Fatalf("expected Method: Gd to set GradientOnly")
	}
}

func TestBuildUseIterativeSelectsCGSolver(t *testing.T) {
	t.Parallel()
	doc := File{
		Graph:       GraphConfig{Name: "Hypercube", L: 4, Dim: 1, Pbc: boolPtr(true)},
		Hilbert:     HilbertConfig{Name: "Spin", S: 0.5},
		Hamiltonian: HamiltonianConfig{Name: "Heisenberg", J: 1},
		Machine:     MachineConfig{Alpha: 1},
		Optimizer:   OptimizerConfig{Name: "Sgd", LearningRate: 0.01},
		Learning:    LearningConfig{UseIterative: true},
	}
	path := writeConfig(t, doc)

	f, err := Load(path)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	comps, err := Build(f, transport.Single())
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if comps.Sr.Params.Solver != learning.SolverCG {
		t.Fatalf("expected UseIterative to select the CG solver")
	}
}

func TestBuildDefaultsToPeriodicBoundaryConditions(t *testing.T) {
	t.Parallel()
	doc := File{
		Graph:       GraphConfig{Name: "Hypercube", L: 4, Dim: 1},
		Hilbert:     HilbertConfig{Name: "Spin", S: 0.5},
		Hamiltonian: HamiltonianConfig{Name: "Ising", H: 1, J: 1},
		Machine:     MachineConfig{Alpha: 1},
		Optimizer:   OptimizerConfig{Name: "Sgd", LearningRate: 0.01},
		Learning:    LearningConfig{NSamples: 10, NIterations: 1},
	}
	path := writeConfig(t, doc)

	f, err := Load(path)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	comps, err := Build(f, transport.Single())
	if err != nil {
		t.Fatalf("omitting Pbc should default to periodic boundary conditions, got: %+v", err)
	}
	hc, ok := comps.Graph.(*graph.Hypercube)
	if !ok {
		t.Fatalf("comps.Graph is %T, want *graph.Hypercube", comps.Graph)
	}
	if !hc.Pbc {
		t.Fatalf("expected Pbc to default to true when omitted from the input document")
	}
}

func TestBuildRejectsUnknownGraph(t *testing.T) {
	t.Parallel()
	doc := File{Graph: GraphConfig{Name: "NotAGraph"}}
	path := writeConfig(t, doc)
	f, err := Load(path)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if _, err := Build(f, transport.Single()); err == nil {
		t.Fatalf("expected an error for an unknown graph")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	t.Parallel()
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected an error loading a nonexistent config file")
	}
}
