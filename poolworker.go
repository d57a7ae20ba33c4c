package tasq

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"os"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const poolWorkerEnv = "TASQ_POOL_WORKER"

// poolRequest/poolResponse mirror package pool's own request/response
// field by field (see pool/ipc.go); msgpack/v5 encodes plain structs
// positionally, so the two independently declared types are wire
// compatible without sharing a package.
type poolRequest struct {
	ClassPath string
	Args      map[string]any
	TimeoutS  float64
}

type poolResponse struct {
	Err    string
	Killed bool
}

// RunPoolWorker checks whether this process was launched by a
// pool.Pool as a warm CPU subprocess and, if so, never returns: it
// serves length-prefixed msgpack frames off stdin/stdout against
// registry until stdin closes, then exits the process. Call it first
// in main(), before any other setup:
//
//	func main() {
//		tasq.RunPoolWorker(registry)
//		// ordinary program startup continues here, unreached in a
//		// subprocess launched by package pool
//	}
//
// In the parent process (TASQ_POOL_WORKER unset) it returns
// immediately and does nothing.
func RunPoolWorker(registry *Registry) {
	if os.Getenv(poolWorkerEnv) != "1" {
		return
	}
	servePoolWorker(registry, os.Stdin, os.Stdout)
	os.Exit(0)
}

func servePoolWorker(registry *Registry, in io.Reader, out io.Writer) {
	r := bufio.NewReader(in)
	for {
		var req poolRequest
		if err := readPoolFrame(r, &req); err != nil {
			return // stdin closed: parent is recycling or shutting us down
		}
		resp := executePoolRequest(registry, req)
		if err := writePoolFrame(out, resp); err != nil {
			return
		}
	}
}

func executePoolRequest(registry *Registry, req poolRequest) poolResponse {
	def, ok := registry.Lookup(req.ClassPath)
	if !ok {
		return poolResponse{Err: ErrUnknownClassPath.Error()}
	}

	ctx := context.Background()
	if req.TimeoutS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutS*float64(time.Second)))
		defer cancel()
	}

	err := safeRun(func() error { return def.Execute(ctx, req.Args) })
	switch {
	case err == nil:
		return poolResponse{}
	case err == ErrKill:
		return poolResponse{Killed: true}
	default:
		return poolResponse{Err: err.Error()}
	}
}

func writePoolFrame(w io.Writer, v any) error {
	buf, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(buf)))
	if _, err := w.Write(length[:]); err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

func readPoolFrame(r *bufio.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	return msgpack.Unmarshal(buf, v)
}
