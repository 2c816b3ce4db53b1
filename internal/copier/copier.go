// Package copier implements the bidirectional relay between a local
// client connection and a tunnel stream (spec.md §4.7): chunked
// copying in both directions, stopping as soon as either side ends.
package copier

import (
	"context"
	"net"

	"github.com/thatcooperguy/tunnelproxy/internal/metrics"
	"github.com/thatcooperguy/tunnelproxy/internal/tunnel"
)

// chunkSize bounds a single read from the local connection before it
// is sealed and sent through the tunnel (spec.md §5 "limits").
const chunkSize = 64 * 1024

// Counters is the best-effort byte accounting the copier reports back
// (spec.md §4.7 "counters" — explicitly not a strict accounting
// guarantee per spec.md's Non-goals).
type Counters struct {
	BytesToRemote   int64
	BytesFromRemote int64
}

// Relay copies bytes between local and stream until either side ends,
// then tears both down so the other direction cannot strand itself
// waiting on a peer that has already exited (spec.md §4.7, §9). ctx
// alone cannot interrupt a blocking local.Read, so the moment one
// direction finishes, Relay closes local and stream itself rather than
// waiting for both to finish on their own.
func Relay(ctx context.Context, local net.Conn, stream *tunnel.Stream) Counters {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var counters Counters
	done := make(chan struct{}, 2)

	go func() {
		defer func() { done <- struct{}{} }()
		counters.BytesToRemote = copyToRemote(ctx, stream, local)
	}()

	go func() {
		defer func() { done <- struct{}{} }()
		counters.BytesFromRemote = copyFromRemote(ctx, local, stream)
	}()

	<-done
	cancel()
	_ = local.Close()
	_ = stream.Close()
	<-done

	metrics.BytesRelayed.WithLabelValues(metrics.DirectionToRemote).Add(float64(counters.BytesToRemote))
	metrics.BytesRelayed.WithLabelValues(metrics.DirectionFromRemote).Add(float64(counters.BytesFromRemote))

	return counters
}

// copyToRemote reads chunkSize-bounded reads from local and forwards
// each as one stream frame, until local errors/EOFs or ctx ends.
func copyToRemote(ctx context.Context, stream *tunnel.Stream, local net.Conn) int64 {
	buf := make([]byte, chunkSize)
	var total int64

	for {
		select {
		case <-ctx.Done():
			return total
		default:
		}

		n, err := local.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			if sendErr := stream.Send(payload); sendErr != nil {
				return total
			}
			total += int64(n)
		}
		if err != nil {
			return total
		}
	}
}

// copyFromRemote reads frames off stream and writes each to local,
// until the stream errors/closes or ctx ends.
func copyFromRemote(ctx context.Context, local net.Conn, stream *tunnel.Stream) int64 {
	var total int64

	for {
		payload, err := stream.Read(ctx)
		if err != nil {
			return total
		}
		n, writeErr := local.Write(payload)
		total += int64(n)
		if writeErr != nil {
			return total
		}
	}
}
