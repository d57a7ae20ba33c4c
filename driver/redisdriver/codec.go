package redisdriver

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tasqhq/tasq/envelope"
)

func decodeEnvelope(raw []byte) (*envelope.Envelope, error) {
	return envelope.Decode(raw)
}

type deadLetterRecord struct {
	Reason   string `msgpack:"reason"`
	Envelope []byte `msgpack:"envelope"`
}

func encodeDeadLetter(reason string, env []byte) ([]byte, error) {
	return msgpack.Marshal(&deadLetterRecord{Reason: reason, Envelope: env})
}

func decodeDeadLetter(b []byte) (*deadLetterRecord, error) {
	var rec deadLetterRecord
	if err := msgpack.Unmarshal(b, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
