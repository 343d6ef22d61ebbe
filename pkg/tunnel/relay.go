package tunnel

import (
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/logger"

	"github.com/sammck-go/looptunnel/pkg/obs"
)

// WriteHalfCloser is an interface for bidirectional io streams that
// implement CloseWrite(). Corresponds to net.TCPConn.CloseWrite(): it
// signals end-of-stream to the remote reader while leaving the read half of
// the stream active.
type WriteHalfCloser interface {
	CloseWrite() error
}

var lastRelayNum int64

// relayResult is posted to the Channel worker exactly once when both relay
// directions have ended. gen ties the result to the open cycle that started
// the relay so stale completions can be discarded after an abort.
type relayResult struct {
	gen      int
	toRemote int64
	toLocal  int64
	err      error
}

// relay forwards all available bytes between the accepted local loopback
// conn and the remote conn, one goroutine per direction, until end-of-stream
// is reached in both directions. When transfer toward one side completes,
// that side's write half is closed so its reader observes EOF.
type relay struct {
	logger.Logger
	local  net.Conn
	remote net.Conn
}

// startRelay launches the relay goroutines for one open cycle. Completion
// is reported on doneC; the relay owns neither conn (teardown is the
// worker's business), but it does half-close the write sides as each
// direction drains.
func startRelay(lg logger.Logger, gen int, local net.Conn, remote net.Conn, doneC chan<- relayResult) *relay {
	relayNum := atomic.AddInt64(&lastRelayNum, 1)
	r := &relay{
		Logger: lg.ForkLog("relay#%d (%s<->%s)", relayNum, local.RemoteAddr(), remote.RemoteAddr()),
		local:  local,
		remote: remote,
	}

	go func() {
		var toRemote, toLocal int64
		var toRemoteErr, toLocalErr error
		var wg sync.WaitGroup
		wg.Add(2)
		copyFunc := func(dst net.Conn, src net.Conn, nbytes *int64, copyErr *error, direction string) {
			defer wg.Done()
			*nbytes, *copyErr = io.Copy(dst, src)
			obs.RelayBytes.WithLabelValues(direction).Add(float64(*nbytes))
			if *copyErr != nil {
				r.DLogf("copy %s ended with error: %s", direction, *copyErr)
			}
			if whc, ok := dst.(WriteHalfCloser); ok {
				whc.CloseWrite()
			}
		}
		go copyFunc(r.remote, r.local, &toRemote, &toRemoteErr, "to_remote")
		go copyFunc(r.local, r.remote, &toLocal, &toLocalErr, "to_local")
		wg.Wait()

		err := toRemoteErr
		if err == nil {
			err = toLocalErr
		}
		r.DLogf("done (sent %s, received %s)", sizestr.ToString(toRemote), sizestr.ToString(toLocal))
		doneC <- relayResult{gen: gen, toRemote: toRemote, toLocal: toLocal, err: err}
	}()

	return r
}
