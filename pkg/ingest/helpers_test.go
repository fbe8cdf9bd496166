package ingest_test

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/tomvothecoder/simboard/pkg/ingest"
)

const (
	e2eTiming = "Case: e3sm_v1_ne30\n" +
		"Machine: cori-knl\n" +
		"User: jdoe\n" +
		"LID: 221220-105556\n" +
		"Curr Date: Tue Dec 20 10:55:56 2025\n" +
		"grid: ne30_oEC\n" +
		"compset: F2010C5-CMIP6\n" +
		"stop option: ndays\n" +
		"stop_n: 5\n"
	e2eReadme   = "2025-12-20 10:50:00: ./create_newcase --res ne30 --compset F2010\n"
	e2eDescribe = "v2.1.0-g5f3a2b1\n"
)

// experimentFiles returns the files of a complete experiment directory.
func experimentFiles(dir string) map[string]string {
	return map[string]string{
		dir + "/e3sm_timing.test":         e2eTiming,
		dir + "/case_scripts/README.case": e2eReadme,
		dir + "/GIT_DESCRIBE":             e2eDescribe,
	}
}

func merge(maps ...map[string]string) map[string]string {
	out := make(map[string]string)

	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}

	return out
}

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)

		_, err = io.WriteString(w, content)
		require.NoError(t, err)
	}

	require.NoError(t, zw.Close())

	return buf.Bytes()
}

// writeTree lays files out under a fresh temp dir and returns it.
func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()

	root := t.TempDir()

	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	return root
}

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

// fakeRepo is an in-memory ingest.Repository.
type fakeRepo struct {
	mu         sync.Mutex
	autoCreate bool
	machines   map[string]string
	sims       map[string]string
	created    []*ingest.NewSimulation
	artifacts  map[string][]*ingest.NewArtifact
	// raceOnCreate simulates a concurrent upload that inserts the same
	// identity between lookup and create.
	raceOnCreate bool
	failFind     error
	nextID       int
}

var _ ingest.Repository = (*fakeRepo)(nil)

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		autoCreate: true,
		machines:   map[string]string{},
		sims:       map[string]string{},
		artifacts:  map[string][]*ingest.NewArtifact{},
	}
}

func identityKey(id ingest.Identity) string {
	return fmt.Sprintf("%s|%s|%d", id.CaseName, id.MachineID, id.SimulationStartDate.Unix())
}

func (r *fakeRepo) ResolveMachine(_ context.Context, name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.machines[name]; ok {
		return id, nil
	}

	if !r.autoCreate {
		return "", fmt.Errorf("%w %q", ingest.ErrUnknownMachine, name)
	}

	r.nextID++
	id := fmt.Sprintf("machine-%d", r.nextID)
	r.machines[name] = id

	return id, nil
}

func (r *fakeRepo) FindSimulationByIdentity(
	_ context.Context, id ingest.Identity,
) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failFind != nil {
		return "", false, r.failFind
	}

	sim, ok := r.sims[identityKey(id)]

	return sim, ok, nil
}

func (r *fakeRepo) CreateSimulation(
	_ context.Context, sim *ingest.NewSimulation,
) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := identityKey(ingest.Identity{
		CaseName:            sim.CaseName,
		MachineID:           sim.MachineID,
		SimulationStartDate: sim.SimulationStartDate,
	})

	if r.raceOnCreate {
		r.raceOnCreate = false
		r.sims[key] = "sim-concurrent"

		return "", ingest.ErrIdentityConflict
	}

	if _, ok := r.sims[key]; ok {
		return "", ingest.ErrIdentityConflict
	}

	r.nextID++
	id := fmt.Sprintf("sim-%d", r.nextID)
	r.sims[key] = id
	r.created = append(r.created, sim)

	return id, nil
}

func (r *fakeRepo) AttachArtifact(
	_ context.Context, simulationID string, a *ingest.NewArtifact,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.artifacts[simulationID] = append(r.artifacts[simulationID], a)

	return nil
}

func (r *fakeRepo) Transaction(
	_ context.Context, fn func(tx ingest.Repository) error,
) error {
	return fn(r)
}

// fakeArchives records Put calls.
type fakeArchives struct {
	mu   sync.Mutex
	err  error
	puts map[string][]byte
}

func (a *fakeArchives) Put(
	_ context.Context, key string, r io.Reader, _ int64,
) (string, error) {
	if a.err != nil {
		return "", a.err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.puts == nil {
		a.puts = map[string][]byte{}
	}

	a.puts[key] = data

	return "file:///archives/" + key, nil
}

var errStorageDown = errors.New("storage down")
