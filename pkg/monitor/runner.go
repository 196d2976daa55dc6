package monitor

import (
	"context"
	"fmt"

	"github.com/dverbeek/synthd/pkg/events"
	"github.com/dverbeek/synthd/pkg/graph"
	"github.com/dverbeek/synthd/pkg/logging"
	"github.com/dverbeek/synthd/pkg/models"
	"github.com/dverbeek/synthd/pkg/store"
)

// Runner executes one claimed job end to end: compile the graph against the
// engine's current capabilities, then hand it to the monitor.
type Runner struct {
	compiler    *graph.Compiler
	monitor     *Monitor
	engine      Engine
	store       store.Store
	broadcaster *events.Broadcaster
	logger      *logging.Logger

	inputDir        string
	outputDirPrefix string
}

func NewRunner(compiler *graph.Compiler, m *Monitor, eng Engine, st store.Store,
	b *events.Broadcaster, logger *logging.Logger, inputDir, outputDirPrefix string) *Runner {
	return &Runner{
		compiler:        compiler,
		monitor:         m,
		engine:          eng,
		store:           st,
		broadcaster:     b,
		logger:          logger,
		inputDir:        inputDir,
		outputDirPrefix: outputDirPrefix,
	}
}

func (r *Runner) Run(ctx context.Context, job *models.Job) error {
	if job.RefPath == "" {
		return fmt.Errorf("job has no persisted reference image")
	}

	params := job.Params
	if params == nil {
		params = &models.Params{}
	}
	// Non-square references look better without a center crop.
	if params.CropPosition == "" {
		params.CropPosition = "pad"
	}

	capabilities := r.engine.Capabilities(ctx)

	compiled, err := r.compiler.Compile(graph.BuildRequest{
		JobID:           job.ID,
		OutputDirPrefix: r.outputDirPrefix,
		RefRel:          job.RefPath,
		SrcRels:         job.SourcePaths,
		Debug:           job.Debug,
		InputDir:        r.inputDir,
	}, params, capabilities)
	if err != nil {
		return err
	}

	r.broadcaster.Record(job.ID, models.EventLog, map[string]interface{}{
		"message": "graph compiled",
		"tier":    compiled.Tier,
		"seed":    compiled.Seed,
		"nodes":   len(compiled.Graph),
	})

	return r.monitor.Execute(ctx, job, compiled.Graph, compiled.OutputNodeID)
}
