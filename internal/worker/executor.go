package worker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"assay/internal/measurements"
	"assay/internal/pipeline"
)

// Job is one unit of work handed to an executor, with the run state it needs.
type Job struct {
	Pipeline        pipeline.Pipeline
	Preferences     pipeline.Preferences
	ImageSetNumbers []int

	// Dictionaries is the shared per-stage state. For the run's first unit
	// it starts empty and the executor populates it; for every later unit it
	// is the read-only broadcast snapshot.
	Dictionaries pipeline.Dictionaries

	// RunsPostGroup tells the executor to run the pipeline's post-group hook
	// after the last image set of the unit.
	RunsPostGroup bool
}

// Executor runs the pipeline against the image sets of one job and returns
// the measurements produced. Implementations live outside the coordinator;
// the interface is the entire contract.
type Executor interface {
	Execute(ctx context.Context, job Job) (measurements.Buffer, error)
}

// timingExecutor is the built-in executor used when no pipeline modules are
// linked into the binary. It records wall-clock timing per image set and per
// stage, which keeps end-to-end runs meaningful for integration testing and
// operational rehearsal.
type timingExecutor struct{}

// NewTimingExecutor returns the built-in synthetic executor.
func NewTimingExecutor() Executor {
	return timingExecutor{}
}

func (timingExecutor) Execute(ctx context.Context, job Job) (measurements.Buffer, error) {
	builder := measurements.NewBufferBuilder()
	for _, imageSet := range job.ImageSetNumbers {
		if err := ctx.Err(); err != nil {
			return measurements.Buffer{}, err
		}
		start := time.Now()
		for stageIndex, stage := range job.Pipeline.Stages {
			if stageIndex < len(job.Dictionaries) && len(job.Dictionaries[stageIndex]) == 0 {
				job.Dictionaries[stageIndex]["first_image_set"] = strconv.Itoa(imageSet)
			}
			builder.Add(measurements.ObjectImage,
				fmt.Sprintf("Timing_%s_Seconds", stage.Name),
				imageSet,
				strconv.FormatFloat(time.Since(start).Seconds(), 'f', 6, 64))
		}
		builder.Add(measurements.ObjectImage, "Timing_Total_Seconds", imageSet,
			strconv.FormatFloat(time.Since(start).Seconds(), 'f', 6, 64))
	}
	return builder.Seal()
}
