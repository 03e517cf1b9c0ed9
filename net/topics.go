package net

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	TopicStepDigest = "yuma/stepdigest/1"
	maxWireDigest   = 1024
)

var errOversized = errors.New("oversized message")

// DigestMsg announces the state digest a node committed for a block.
type DigestMsg struct {
	Block   uint64
	Digest  [32]byte
	Neurons int
}

func encodeDigest(m DigestMsg) ([]byte, error) {
	return json.Marshal(m)
}

func decodeDigest(data []byte) (DigestMsg, error) {
	var m DigestMsg
	if len(data) > maxWireDigest {
		return m, fmt.Errorf("%w: %d bytes", errOversized, len(data))
	}
	err := json.Unmarshal(data, &m)
	return m, err
}
