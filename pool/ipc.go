package pool

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// request/response mirror tasq's own poolRequest/poolResponse field by
// field: msgpack/v5 encodes plain structs positionally, so two
// independently declared structs in different packages are wire
// compatible as long as their field order and types match. Field names
// never cross the wire.
type request struct {
	ClassPath string
	Args      map[string]any
	TimeoutS  float64
}

type response struct {
	Err    string
	Killed bool
}

func writeFrame(w io.Writer, v any) error {
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

func readFrame(r *bufio.Reader, v any) error {
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
