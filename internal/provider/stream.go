package provider

import (
	"bufio"
	"context"
	"io"
)

const (
	streamBuffer  = 16
	maxStreamLine = 2 << 20
)

// Stream is a finite, non-restartable sequence of text fragments fed by a
// dedicated producer goroutine. Fragments arrive in upstream order.
type Stream struct {
	chunks chan string
	cancel context.CancelFunc
	err    error
}

// Emit hands one fragment to the consumer. It returns false once the consumer
// has gone away and the producer should stop.
type Emit func(fragment string) bool

// NewStream starts produce on its own goroutine. The returned error, if any,
// is reported by Recv after the last fragment.
func NewStream(ctx context.Context, produce func(ctx context.Context, emit Emit) error) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		chunks: make(chan string, streamBuffer),
		cancel: cancel,
	}

	go func() {
		defer close(s.chunks)
		emit := func(fragment string) bool {
			select {
			case s.chunks <- fragment:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if err := produce(ctx, emit); err != nil && ctx.Err() == nil {
			s.err = err
		}
		cancel()
	}()

	return s
}

// Recv returns the next fragment, io.EOF at a clean end, or the producer error.
func (s *Stream) Recv() (string, error) {
	fragment, ok := <-s.chunks
	if ok {
		return fragment, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

// Close cancels the producer and waits for it to finish. Safe to call more than once.
func (s *Stream) Close() {
	s.cancel()
	for range s.chunks {
	}
}

// LineParser maps one line of an upstream body to a fragment. An empty
// fragment is skipped; done ends the stream.
type LineParser func(line []byte) (fragment string, done bool)

// NewLineStream reads body line by line through parse and closes it when finished.
func NewLineStream(ctx context.Context, body io.ReadCloser, parse LineParser) *Stream {
	return NewStream(ctx, func(ctx context.Context, emit Emit) error {
		defer body.Close()

		go func() {
			<-ctx.Done()
			body.Close()
		}()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLine)
		for scanner.Scan() {
			fragment, done := parse(scanner.Bytes())
			if done {
				return nil
			}
			if fragment == "" {
				continue
			}
			if !emit(fragment) {
				return nil
			}
		}
		return scanner.Err()
	})
}
