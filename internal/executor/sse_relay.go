package executor

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"time"

	cliproxyexecutor "github.com/brightloom-dev/llmgateway/sdk/cliproxy/executor"
)

// idleReadTimeout bounds how long a relay waits between two SSE lines before
// treating the connection as stalled. A var, not a const, so tests can
// shrink it instead of sleeping 30s.
var idleReadTimeout = 30 * time.Second

// relaySSEStream scans body line by line and forwards each line to out in
// arrival order, closing out when the body is exhausted. A gap between lines
// longer than idleReadTimeout is reported as a truncated-stream error; the
// caller must not fail this request over to another provider once any chunk
// has already reached the client.
func relaySSEStream(body io.ReadCloser, out chan<- cliproxyexecutor.StreamChunk) {
	defer close(out)
	defer func() { _ = body.Close() }()

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(body)
		scanner.Buffer(nil, 20*1024*1024)
		for scanner.Scan() {
			lines <- bytes.Clone(scanner.Bytes())
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	timer := time.NewTimer(idleReadTimeout)
	defer timer.Stop()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				if err := <-scanErr; err != nil {
					out <- cliproxyexecutor.StreamChunk{Err: NewStreamTruncatedError(err)}
				}
				return
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(idleReadTimeout)
			out <- cliproxyexecutor.StreamChunk{Data: line}
		case <-timer.C:
			out <- cliproxyexecutor.StreamChunk{Err: NewStreamTruncatedError(fmt.Errorf("no data received for %s", idleReadTimeout))}
			return
		}
	}
}
