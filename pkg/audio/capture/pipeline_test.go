package capture

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// ── Fakes ─────────────────────────────────────────────────────────────────────

// chanSource feeds frames from a channel; a closed channel ends the stream.
type chanSource struct {
	frames chan audio.Frame
}

func (s *chanSource) ReadFrame() (audio.Frame, error) {
	f, ok := <-s.frames
	if !ok {
		return audio.Frame{}, io.EOF
	}
	return f, nil
}

// recordSender records every delivered blob, optionally gating each send.
type recordSender struct {
	mu      sync.Mutex
	blobs   []audio.Blob
	started chan struct{} // when non-nil, receives one token as each send begins
	gate    chan struct{} // when non-nil, each send waits for one token
}

func (s *recordSender) SendMedia(blob audio.Blob) error {
	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	s.blobs = append(s.blobs, blob)
	s.mu.Unlock()
	return nil
}

func (s *recordSender) recorded() []audio.Blob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.Blob(nil), s.blobs...)
}

// frameWithMark returns a frame whose first sample identifies it.
func frameWithMark(mark float32) audio.Frame {
	samples := make([]float32, audio.FrameSize)
	samples[0] = mark
	return audio.Frame{Samples: samples, SampleRate: audio.CaptureRate}
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestPipeline_DeliversFramesInOrder(t *testing.T) {
	t.Parallel()

	src := &chanSource{frames: make(chan audio.Frame, 4)}
	sender := &recordSender{}
	p := New(src, sender)

	marks := []float32{0.1, 0.2, 0.3}
	for _, m := range marks {
		src.frames <- frameWithMark(m)
	}
	close(src.frames)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := sender.recorded()
	if len(got) != len(marks) {
		t.Fatalf("delivered %d blobs; want %d", len(got), len(marks))
	}
	for i, blob := range got {
		if blob.MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("blob %d MIMEType = %q; want audio/pcm;rate=16000", i, blob.MIMEType)
		}
		raw, err := audio.DecodeBlob(blob.Data)
		if err != nil {
			t.Fatalf("blob %d: %v", i, err)
		}
		first := audio.BytesToFloats(raw)[0]
		if diff := first - marks[i]; diff > 0.001 || diff < -0.001 {
			t.Errorf("blob %d first sample = %f; want ~%f", i, first, marks[i])
		}
	}
	if p.Sent() != int64(len(marks)) {
		t.Errorf("Sent = %d; want %d", p.Sent(), len(marks))
	}
	if p.Dropped() != 0 {
		t.Errorf("Dropped = %d; want 0", p.Dropped())
	}
}

// TestPipeline_DropsOldestWhenBacklogged verifies the bounded-queue policy:
// with the sender stalled and the queue full, the oldest frame is evicted in
// favour of the newest.
func TestPipeline_DropsOldestWhenBacklogged(t *testing.T) {
	t.Parallel()

	src := &chanSource{frames: make(chan audio.Frame)}
	sender := &recordSender{started: make(chan struct{}), gate: make(chan struct{})}
	p := New(src, sender, WithQueueSize(1))

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	// First frame is pulled by the sender, which then stalls on the gate.
	src.frames <- frameWithMark(0.1)
	select {
	case <-sender.started:
	case <-time.After(2 * time.Second):
		t.Fatal("sender never picked up the first frame")
	}

	// Second frame fills the one-slot queue; the third evicts it.
	src.frames <- frameWithMark(0.2)
	src.frames <- frameWithMark(0.3)

	deadline := time.After(2 * time.Second)
	for p.Dropped() == 0 {
		select {
		case <-deadline:
			t.Fatal("no frame was dropped despite a full queue")
		case <-time.After(time.Millisecond):
		}
	}
	close(src.frames)
	close(sender.gate) // release the first send
	select {
	case <-sender.started: // second (surviving) send begins
	case <-time.After(2 * time.Second):
		t.Fatal("sender never picked up the surviving frame")
	}

	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := sender.recorded()
	if len(got) != 2 {
		t.Fatalf("delivered %d blobs; want 2 (first and newest)", len(got))
	}
	last, err := audio.DecodeBlob(got[1].Data)
	if err != nil {
		t.Fatalf("decode last blob: %v", err)
	}
	if first := audio.BytesToFloats(last)[0]; first < 0.29 || first > 0.31 {
		t.Errorf("surviving frame mark = %f; want ~0.3 (newest)", first)
	}
	if p.Dropped() != 1 {
		t.Errorf("Dropped = %d; want 1", p.Dropped())
	}
}

func TestPipeline_CancelStopsRun(t *testing.T) {
	t.Parallel()

	src := &chanSource{frames: make(chan audio.Frame)}
	sender := &recordSender{}
	p := New(src, sender)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	cancel()
	close(src.frames) // unblock the reader, as a closing mic does

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run after cancel: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
