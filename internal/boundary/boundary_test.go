package boundary_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"assay/internal/boundary"
	"assay/internal/logging"
	"assay/internal/pipeline"
	"assay/internal/protocol"
	"assay/internal/testsupport"
)

func startServer(t *testing.T, runID string) *boundary.Server {
	t.Helper()

	cfg := testsupport.NewConfig(t)
	srv, err := boundary.NewServer(context.Background(), cfg.Paths.RuntimeDir, runID, logging.NewNop())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	srv.Serve()
	t.Cleanup(srv.Close)
	return srv
}

func answer(t *testing.T, srv *boundary.Server, reply func(*boundary.Request)) {
	t.Helper()

	go func() {
		req, ok := srv.Pop(5 * time.Second)
		if !ok {
			return
		}
		reply(req)
	}()
}

func TestRequestReplyRoundTrip(t *testing.T) {
	srv := startServer(t, "run-1")

	client, err := boundary.Dial(srv.Address(), "run-1")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	answer(t, srv, func(req *boundary.Request) {
		if req.Envelope.Kind != protocol.KindWork {
			req.Fail(boundary.ErrUpstreamExit)
			return
		}
		req.Reply(protocol.WorkReply{ImageSetNumbers: []int{1, 2}, WantsDictionary: true})
	})

	reply, err := client.RequestWork()
	if err != nil {
		t.Fatalf("RequestWork: %v", err)
	}
	if reply.NoWork {
		t.Fatal("expected work, got NoWork")
	}
	if len(reply.ImageSetNumbers) != 2 || reply.ImageSetNumbers[0] != 1 {
		t.Fatalf("unexpected image sets: %v", reply.ImageSetNumbers)
	}
	if !reply.WantsDictionary {
		t.Fatal("expected WantsDictionary to carry over the wire")
	}
}

func TestDictionariesCarryOverTheWire(t *testing.T) {
	srv := startServer(t, "run-2")

	client, err := boundary.Dial(srv.Address(), "run-2")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	var got protocol.Envelope
	answer(t, srv, func(req *boundary.Request) {
		got = req.Envelope
		req.Reply(protocol.Ack{Message: "THANKS"})
	})

	dicts := pipeline.Dictionaries{{"first_image_set": "1"}, {}}
	ack, err := client.ReportImageSetSuccess([]int{1}, dicts)
	if err != nil {
		t.Fatalf("ReportImageSetSuccess: %v", err)
	}
	if ack.Message != "THANKS" {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	if !got.HasDictionaries {
		t.Fatal("expected HasDictionaries to be set")
	}
	if len(got.Dictionaries) != 2 || got.Dictionaries[0]["first_image_set"] != "1" {
		t.Fatalf("dictionaries lost in transit: %+v", got.Dictionaries)
	}
}

func TestRunIDValidation(t *testing.T) {
	srv := startServer(t, "run-3")

	client, err := boundary.Dial(srv.Address(), "other-run")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	if _, err := client.RequestWork(); err == nil {
		t.Fatal("expected a request with a foreign run id to be rejected")
	}
}

func TestForwardRejectsNonForwardableKind(t *testing.T) {
	srv := startServer(t, "run-4")

	client, err := boundary.Dial(srv.Address(), "run-4")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	if _, err := client.Forward(protocol.KindWork, nil, nil); err == nil {
		t.Fatal("expected Forward to reject a non-forwardable kind")
	}
}

func TestCloseReleasesPendingRequests(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	srv, err := boundary.NewServer(context.Background(), cfg.Paths.RuntimeDir, "run-5", logging.NewNop())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	srv.Serve()

	client, err := boundary.Dial(srv.Address(), "run-5")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	// Nobody pops the queue, so the call blocks until Close releases it.
	errCh := make(chan error, 1)
	go func() {
		_, err := client.RequestWork()
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	srv.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected pending request to fail after Close")
		}
		if !strings.Contains(err.Error(), boundary.ErrUpstreamExit.Error()) &&
			!strings.Contains(err.Error(), "connection") && !strings.Contains(err.Error(), "EOF") {
			t.Fatalf("unexpected error after Close: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending request was not released by Close")
	}
}

func TestCloseReturnsWithConnectedClient(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	srv, err := boundary.NewServer(context.Background(), cfg.Paths.RuntimeDir, "run-6", logging.NewNop())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	srv.Serve()

	// An idle client whose codec goroutine sits in a blocking read.
	client, err := boundary.Dial(srv.Address(), "run-6")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	done := make(chan struct{})
	go func() {
		srv.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return while a client connection was open")
	}
}

func TestSocketPathTruncatesRunID(t *testing.T) {
	path := boundary.SocketPath("/run/assay", "0f8fad5b-d9cb-469f-a165-70867728950e")
	if got := filepath.Base(path); got != "assay-0f8fad5b.sock" {
		t.Fatalf("unexpected socket name: %q", got)
	}
	short := boundary.SocketPath("/run/assay", "run-1")
	if got := filepath.Base(short); got != "assay-run-1.sock" {
		t.Fatalf("unexpected socket name for a short id: %q", got)
	}
}
