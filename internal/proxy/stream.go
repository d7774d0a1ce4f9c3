// Package proxy relays an upstream SSE completion stream to the client one
// event at a time. Nothing beyond the current scanner line is buffered; every
// event is flushed as soon as it is written.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrClientGone indicates the client disconnected mid-stream.
var ErrClientGone = errors.New("proxy: client disconnected")

// StatusError is returned when the upstream answered the stream request
// with a non-200 status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream stream status %d", e.Code)
}

const maxLineSize = 256 * 1024

// Stats describes a finished relay.
type Stats struct {
	// Chunks is the number of upstream data events relayed.
	Chunks int
	// ApproxTokens counts data events carrying a content delta.
	ApproxTokens int
	// FirstToken is the time from request arrival to the first data event,
	// zero if none arrived.
	FirstToken time.Duration
	// Duration is the wall-clock time from request arrival to stream end.
	Duration time.Duration
}

// finalEvent is the synthetic stats event appended before [DONE].
type finalEvent struct {
	ApproxTokens        int     `json:"approx_token_count"`
	TotalLatencySeconds float64 `json:"total_latency_seconds"`
	TokensPerSecond     float64 `json:"tokens_per_second_estimate"`
	FirstTokenSeconds   float64 `json:"first_token_seconds"`
}

// chunkDelta is the slice of an upstream chunk needed for token accounting.
type chunkDelta struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Relay copies the upstream SSE stream to the client. start is the request
// arrival time used for latency accounting. The response body is always
// closed. A nil error means the stream completed normally; ErrClientGone
// means the client went away; any other error is an upstream failure already
// surfaced to the client as an SSE error event.
func Relay(ctx context.Context, w http.ResponseWriter, resp *http.Response, start time.Time) (Stats, error) {
	defer resp.Body.Close()

	var stats Stats
	flusher, ok := w.(http.Flusher)
	if !ok {
		return stats, fmt.Errorf("response writer does not support flushing")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		writeErrorEvent(w, flusher, string(msg), resp.StatusCode)
		stats.Duration = time.Since(start)
		return stats, &StatusError{Code: resp.StatusCode, Body: string(msg)}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	type scanResult struct {
		line string
		ok   bool
	}
	lines := make(chan scanResult, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for scanner.Scan() {
			select {
			case lines <- scanResult{line: scanner.Text(), ok: true}:
			case <-done:
				return
			}
		}
		select {
		case lines <- scanResult{ok: false}:
		case <-done:
		}
	}()

	for {
		select {
		case <-ctx.Done():
			stats.Duration = time.Since(start)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				// The client is still there; tell it the gateway gave up.
				writeErrorEvent(w, flusher, "request deadline exceeded", http.StatusGatewayTimeout)
				return stats, fmt.Errorf("relaying stream: %w", ctx.Err())
			}
			return stats, ErrClientGone

		case result := <-lines:
			if !result.ok {
				// Upstream closed without a [DONE] marker. A scanner error
				// is an upstream failure; plain EOF finishes the stream.
				stats.Duration = time.Since(start)
				if err := scanner.Err(); err != nil {
					writeErrorEvent(w, flusher, err.Error(), http.StatusBadGateway)
					return stats, fmt.Errorf("reading upstream stream: %w", err)
				}
				writeFinalEvent(w, flusher, &stats)
				return stats, nil
			}

			line := result.line
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" {
				continue
			}

			if data == "[DONE]" {
				stats.Duration = time.Since(start)
				writeFinalEvent(w, flusher, &stats)
				return stats, nil
			}

			stats.Chunks++
			if stats.FirstToken == 0 {
				stats.FirstToken = time.Since(start)
			}
			var delta chunkDelta
			if err := json.Unmarshal([]byte(data), &delta); err != nil {
				// Not a chunk we understand; count it toward the estimate.
				stats.ApproxTokens++
			} else {
				for _, choice := range delta.Choices {
					if choice.Delta.Content != "" {
						stats.ApproxTokens++
						break
					}
				}
			}

			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				stats.Duration = time.Since(start)
				return stats, ErrClientGone
			}
			flusher.Flush()
		}
	}
}

func writeFinalEvent(w io.Writer, flusher http.Flusher, stats *Stats) {
	secs := stats.Duration.Seconds()
	fe := finalEvent{
		ApproxTokens:        stats.ApproxTokens,
		TotalLatencySeconds: secs,
		FirstTokenSeconds:   stats.FirstToken.Seconds(),
	}
	if secs > 0 {
		fe.TokensPerSecond = float64(stats.ApproxTokens) / secs
	}
	out, _ := json.Marshal(map[string]finalEvent{"gpugate": fe})
	fmt.Fprintf(w, "data: %s\n\n", out)
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func writeErrorEvent(w io.Writer, flusher http.Flusher, msg string, status int) {
	if len(msg) > 500 {
		msg = msg[:500]
	}
	out, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": msg,
			"status":  status,
		},
	})
	fmt.Fprintf(w, "data: %s\n\n", out)
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}
