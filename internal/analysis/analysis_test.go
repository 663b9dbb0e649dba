package analysis_test

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"assay/internal/analysis"
	"assay/internal/boundary"
	"assay/internal/config"
	"assay/internal/logging"
	"assay/internal/measurements"
	"assay/internal/pipeline"
	"assay/internal/protocol"
	"assay/internal/testsupport"
	"assay/internal/worker"
	"assay/internal/workerpool"
)

func testPipeline() pipeline.Pipeline {
	return pipeline.Pipeline{
		Name: "count-nuclei",
		Stages: []pipeline.Stage{
			{Name: "LoadImages"},
			{Name: "IdentifyPrimaryObjects"},
		},
	}
}

func initialBuffer(t *testing.T, imageSets int) measurements.Buffer {
	t.Helper()

	builder := measurements.NewBufferBuilder()
	for n := 1; n <= imageSets; n++ {
		builder.Add(measurements.ObjectImage, "FileName", n, "img_"+strconv.Itoa(n)+".tif")
	}
	buf, err := builder.Seal()
	if err != nil {
		t.Fatalf("seal initial buffer: %v", err)
	}
	return buf
}

func groupedBuffer(t *testing.T) measurements.Buffer {
	t.Helper()

	builder := measurements.NewBufferBuilder()
	for n, meta := range map[int][2]int{1: {1, 1}, 2: {1, 2}, 3: {2, 1}} {
		builder.Add(measurements.ObjectImage, "FileName", n, "img.tif")
		builder.Add(measurements.ObjectImage, measurements.FeatureGroupNumber, n, strconv.Itoa(meta[0]))
		builder.Add(measurements.ObjectImage, measurements.FeatureGroupIndex, n, strconv.Itoa(meta[1]))
	}
	buf, err := builder.Seal()
	if err != nil {
		t.Fatalf("seal grouped buffer: %v", err)
	}
	return buf
}

func newAnalysis(t *testing.T, cfg *config.Config, buf measurements.Buffer) (*analysis.Analysis, string) {
	t.Helper()

	outputPath := filepath.Join(cfg.Paths.DataDir, "results.db")
	pool := workerpool.New(logging.NewNop())
	an := analysis.New(cfg, testPipeline(), pipeline.Preferences{"headless": "true"}, outputPath, buf, pool, logging.NewNop())
	return an, outputPath
}

func dialRun(t *testing.T, cfg *config.Config, runID string) *boundary.Client {
	t.Helper()

	client, err := boundary.Dial(boundary.SocketPath(cfg.Paths.RuntimeDir, runID), runID)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func waitForEvent(t *testing.T, recorder *testsupport.EventRecorder, match func(protocol.Event) bool) {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		for _, event := range recorder.Events() {
			if match(event) {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("event did not arrive; recorded %d events", len(recorder.Events()))
}

func TestRunCompletesWithInProcessWorker(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithWorkerCommand("/bin/true"))
	an, outputPath := newAnalysis(t, cfg, initialBuffer(t, 3))
	an.PostRun = analysis.DefaultPostRun

	recorder := testsupport.NewEventRecorder()
	runID, err := an.Start(recorder.Sink(), 1)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(an.Cancel)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	w, err := worker.New(worker.Options{
		Announce:     boundary.SocketPath(cfg.Paths.RuntimeDir, runID),
		RunID:        runID,
		PollInterval: 10 * time.Millisecond,
		Logger:       logging.NewNop(),
	})
	if err != nil {
		t.Fatalf("worker.New: %v", err)
	}
	workerDone := make(chan error, 1)
	go func() { workerDone <- w.Run(ctx) }()

	finished := recorder.WaitFinished(t, 30*time.Second)
	if finished.Err != nil {
		t.Fatalf("run failed: %v", finished.Err)
	}
	if finished.Cancelled {
		t.Fatal("run reported cancelled")
	}
	if finished.StorePath != outputPath {
		t.Fatalf("expected store path %s, got %s", outputPath, finished.StorePath)
	}

	select {
	case err := <-workerDone:
		if err != nil {
			t.Fatalf("worker.Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not exit after the run finished")
	}

	events := recorder.Events()
	if len(events) == 0 {
		t.Fatal("no events recorded")
	}
	if _, ok := events[0].(protocol.Started); !ok {
		t.Fatalf("expected first event to be Started, got %T", events[0])
	}
	sawProgress := false
	finishedCount := 0
	for _, event := range events {
		switch event.(type) {
		case protocol.Progress:
			sawProgress = true
		case protocol.Finished:
			finishedCount++
		}
	}
	if !sawProgress {
		t.Fatal("expected at least one Progress event")
	}
	if finishedCount != 1 {
		t.Fatalf("expected exactly one Finished event, got %d", finishedCount)
	}

	store, err := measurements.Open(outputPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store.Close()
	ctx2 := context.Background()
	for n := 1; n <= 3; n++ {
		status, err := store.Status(ctx2, n)
		if err != nil {
			t.Fatalf("Status(%d): %v", n, err)
		}
		if status != measurements.StatusDone {
			t.Fatalf("image set %d not done: %s", n, status)
		}
		if _, ok, err := store.Value(ctx2, measurements.ObjectImage, "Timing_Total_Seconds", n); err != nil || !ok {
			t.Fatalf("missing timing for image set %d (err=%v)", n, err)
		}
	}
	if _, ok, err := store.Value(ctx2, measurements.ObjectExperiment, "Run_Finished", 0); err != nil || !ok {
		t.Fatalf("missing Run_Finished experiment value (err=%v)", err)
	}
}

func TestFirstUnitGatesRemainingWork(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithWorkerCommand("/bin/true"))
	an, _ := newAnalysis(t, cfg, initialBuffer(t, 3))

	recorder := testsupport.NewEventRecorder()
	runID, err := an.Start(recorder.Sink(), 1)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(an.Cancel)

	client := dialRun(t, cfg, runID)

	first, err := client.RequestWork()
	if err != nil {
		t.Fatalf("RequestWork: %v", err)
	}
	if first.NoWork {
		t.Fatal("expected seeded work for the first request")
	}
	if !first.WantsDictionary {
		t.Fatal("first unit must want dictionaries")
	}
	if len(first.ImageSetNumbers) != 1 || first.ImageSetNumbers[0] != 1 {
		t.Fatalf("expected first unit [1], got %v", first.ImageSetNumbers)
	}

	// Remaining units are withheld until the first completion.
	second, err := client.RequestWork()
	if err != nil {
		t.Fatalf("RequestWork: %v", err)
	}
	if !second.NoWork {
		t.Fatalf("expected NoWork before first completion, got %v", second.ImageSetNumbers)
	}

	dicts := pipeline.Dictionaries{{"threshold": "0.7"}, {}}
	ack, err := client.ReportImageSetSuccess(first.ImageSetNumbers, dicts)
	if err != nil {
		t.Fatalf("ReportImageSetSuccess: %v", err)
	}
	if ack.Message != "THANKS" {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	shared, err := client.SharedDictionaries()
	if err != nil {
		t.Fatalf("SharedDictionaries: %v", err)
	}
	if len(shared.Dictionaries) != 2 || shared.Dictionaries[0]["threshold"] != "0.7" {
		t.Fatalf("published dictionaries not visible: %+v", shared.Dictionaries)
	}

	// The held units are released now; poll until one arrives.
	deadline := time.Now().Add(10 * time.Second)
	for {
		reply, err := client.RequestWork()
		if err != nil {
			t.Fatalf("RequestWork after release: %v", err)
		}
		if !reply.NoWork {
			if reply.WantsDictionary {
				t.Fatal("released units must not want dictionaries")
			}
			if len(reply.ImageSetNumbers) != 1 || reply.ImageSetNumbers[0] != 2 {
				t.Fatalf("expected unit [2], got %v", reply.ImageSetNumbers)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("held units were never released")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFirstCompletionWithoutDictionariesFailsRun(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithWorkerCommand("/bin/true"))
	an, _ := newAnalysis(t, cfg, initialBuffer(t, 2))

	recorder := testsupport.NewEventRecorder()
	runID, err := an.Start(recorder.Sink(), 1)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(an.Cancel)

	client := dialRun(t, cfg, runID)
	first, err := client.RequestWork()
	if err != nil {
		t.Fatalf("RequestWork: %v", err)
	}

	if _, err := client.ReportImageSetSuccess(first.ImageSetNumbers, nil); err == nil {
		t.Fatal("expected a dictionary-less first completion to be rejected")
	}

	finished := recorder.WaitFinished(t, 10*time.Second)
	if finished.Err == nil {
		t.Fatal("expected the run to fail")
	}
	if finished.Cancelled {
		t.Fatal("a protocol fault is a failure, not a cancellation")
	}
}

func TestCancelMidRun(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithWorkerCommand("/bin/true"))
	an, _ := newAnalysis(t, cfg, initialBuffer(t, 3))

	recorder := testsupport.NewEventRecorder()
	runID, err := an.Start(recorder.Sink(), 1)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	client := dialRun(t, cfg, runID)
	if _, err := client.RequestWork(); err != nil {
		t.Fatalf("RequestWork: %v", err)
	}

	an.Cancel()

	finished := recorder.WaitFinished(t, time.Second)
	if !finished.Cancelled {
		t.Fatal("expected Finished event to report cancellation")
	}
	if finished.Err != nil {
		t.Fatalf("cancellation is not an error: %v", finished.Err)
	}
	if finished.StorePath != "" {
		t.Fatal("cancelled run must not advertise a result store")
	}
	if an.CheckRunning() {
		t.Fatal("CheckRunning after Cancel")
	}

	if _, err := client.RequestWork(); err == nil {
		t.Fatal("expected requests after cancellation to fail")
	}

	finishedCount := 0
	for _, event := range recorder.Events() {
		if _, ok := event.(protocol.Finished); ok {
			finishedCount++
		}
	}
	if finishedCount != 1 {
		t.Fatalf("expected exactly one Finished event after Cancel, got %d", finishedCount)
	}
}

func TestStartWhileRunningFails(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithWorkerCommand("/bin/true"))
	an, _ := newAnalysis(t, cfg, initialBuffer(t, 2))

	recorder := testsupport.NewEventRecorder()
	if _, err := an.Start(recorder.Sink(), 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(an.Cancel)

	if _, err := an.Start(recorder.Sink(), 1); !errors.Is(err, analysis.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestPauseResumeEvents(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithWorkerCommand("/bin/true"))
	an, _ := newAnalysis(t, cfg, initialBuffer(t, 2))

	recorder := testsupport.NewEventRecorder()
	if _, err := an.Start(recorder.Sink(), 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(an.Cancel)

	if err := an.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	waitForEvent(t, recorder, func(e protocol.Event) bool {
		_, ok := e.(protocol.Paused)
		return ok
	})

	if err := an.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitForEvent(t, recorder, func(e protocol.Event) bool {
		_, ok := e.(protocol.Resumed)
		return ok
	})
}

func TestGroupedRunHandsPostGroupToWorkers(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithWorkerCommand("/bin/true"))
	an, _ := newAnalysis(t, cfg, groupedBuffer(t))

	recorder := testsupport.NewEventRecorder()
	runID, err := an.Start(recorder.Sink(), 1)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(an.Cancel)

	client := dialRun(t, cfg, runID)
	first, err := client.RequestWork()
	if err != nil {
		t.Fatalf("RequestWork: %v", err)
	}
	if first.NoWork {
		t.Fatal("expected the first group to be seeded")
	}
	if !first.WorkerRunsPostGroup {
		t.Fatal("grouped runs must hand the post-group hook to workers")
	}
	want := []int{1, 2}
	if len(first.ImageSetNumbers) != len(want) {
		t.Fatalf("expected group %v, got %v", want, first.ImageSetNumbers)
	}
	for i, n := range want {
		if first.ImageSetNumbers[i] != n {
			t.Fatalf("expected group %v, got %v", want, first.ImageSetNumbers)
		}
	}
}

func TestSingleGroupTwoWorkersCompletes(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithWorkerCommand("/bin/true"))

	builder := measurements.NewBufferBuilder()
	for n := 1; n <= 3; n++ {
		builder.Add(measurements.ObjectImage, "FileName", n, "img.tif")
		builder.Add(measurements.ObjectImage, measurements.FeatureGroupNumber, n, "1")
		builder.Add(measurements.ObjectImage, measurements.FeatureGroupIndex, n, strconv.Itoa(n))
	}
	buf, err := builder.Seal()
	if err != nil {
		t.Fatalf("seal buffer: %v", err)
	}

	an, outputPath := newAnalysis(t, cfg, buf)
	recorder := testsupport.NewEventRecorder()
	runID, err := an.Start(recorder.Sink(), 1)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(an.Cancel)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	for i := 0; i < 2; i++ {
		w, err := worker.New(worker.Options{
			Announce:     boundary.SocketPath(cfg.Paths.RuntimeDir, runID),
			RunID:        runID,
			PollInterval: 10 * time.Millisecond,
			Logger:       logging.NewNop(),
		})
		if err != nil {
			t.Fatalf("worker.New: %v", err)
		}
		go w.Run(ctx)
	}

	finished := recorder.WaitFinished(t, 30*time.Second)
	if finished.Err != nil || finished.Cancelled {
		t.Fatalf("unexpected finish: %+v", finished)
	}

	store, err := measurements.Open(outputPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store.Close()
	for n := 1; n <= 3; n++ {
		status, err := store.Status(context.Background(), n)
		if err != nil {
			t.Fatalf("Status(%d): %v", n, err)
		}
		if status != measurements.StatusDone {
			t.Fatalf("image set %d not done: %s", n, status)
		}
	}
}

func TestStartUsesConfiguredWorkerCount(t *testing.T) {
	cfg := testsupport.NewConfig(t,
		testsupport.WithWorkerCommand("/bin/true"),
		testsupport.WithWorkerCount(2))

	outputPath := filepath.Join(cfg.Paths.DataDir, "results.db")
	pool := workerpool.New(logging.NewNop())
	an := analysis.New(cfg, testPipeline(), nil, outputPath, initialBuffer(t, 2), pool, logging.NewNop())

	recorder := testsupport.NewEventRecorder()
	if _, err := an.Start(recorder.Sink(), 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(an.Cancel)

	if got := pool.Size(); got != 2 {
		t.Fatalf("expected 2 workers from the config, got %d", got)
	}
}

func TestStatusesNeverRegress(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithWorkerCommand("/bin/true"))
	an, outputPath := newAnalysis(t, cfg, initialBuffer(t, 2))

	recorder := testsupport.NewEventRecorder()
	runID, err := an.Start(recorder.Sink(), 1)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(an.Cancel)

	reader, err := measurements.Open(outputPath)
	if err != nil {
		t.Fatalf("open reader store: %v", err)
	}
	defer reader.Close()

	var observed []measurements.Status
	waitStatus := func(want measurements.Status) {
		t.Helper()
		deadline := time.Now().Add(10 * time.Second)
		for {
			status, err := reader.Status(context.Background(), 1)
			if err == nil {
				if len(observed) == 0 || observed[len(observed)-1] != status {
					observed = append(observed, status)
				}
				if status == want {
					return
				}
			}
			if time.Now().After(deadline) {
				t.Fatalf("image set 1 never reached %s; saw %v", want, observed)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	waitStatus(measurements.StatusUnprocessed)

	client := dialRun(t, cfg, runID)
	first, err := client.RequestWork()
	if err != nil {
		t.Fatalf("RequestWork: %v", err)
	}
	waitStatus(measurements.StatusInProcess)

	dicts := pipeline.Dictionaries{{}, {}}
	if _, err := client.ReportImageSetSuccess(first.ImageSetNumbers, dicts); err != nil {
		t.Fatalf("ReportImageSetSuccess: %v", err)
	}
	waitStatus(measurements.StatusFinishedWaiting)

	builder := measurements.NewBufferBuilder()
	builder.Add(measurements.ObjectImage, "Count_Nuclei", 1, "12")
	buf, err := builder.Seal()
	if err != nil {
		t.Fatalf("seal buffer: %v", err)
	}
	if _, err := client.ReportMeasurements(first.ImageSetNumbers, buf.Bytes()); err != nil {
		t.Fatalf("ReportMeasurements: %v", err)
	}
	waitStatus(measurements.StatusDone)

	for i := 1; i < len(observed); i++ {
		if !observed[i-1].Before(observed[i]) {
			t.Fatalf("status regressed: %v", observed)
		}
	}
}

func TestLifecycleWithoutActiveRun(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithWorkerCommand("/bin/true"))
	an, _ := newAnalysis(t, cfg, initialBuffer(t, 1))

	if err := an.Pause(); !errors.Is(err, analysis.ErrNoActiveRun) {
		t.Fatalf("expected ErrNoActiveRun from Pause, got %v", err)
	}
	if err := an.Resume(); !errors.Is(err, analysis.ErrNoActiveRun) {
		t.Fatalf("expected ErrNoActiveRun from Resume, got %v", err)
	}
	// Cancel with no run is a no-op.
	an.Cancel()
	if an.CheckRunning() {
		t.Fatal("CheckRunning with no run")
	}
}
