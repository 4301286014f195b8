// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/tabletop/lib/clock"
	"github.com/bureau-foundation/tabletop/lib/codec"
)

// DefaultChunkThreshold is the largest encoded message sent as one
// frame. It sits well under the 64 KiB SCTP message limit that browsers
// and pion agree on, leaving room for the chunk wrapper.
const DefaultChunkThreshold = 16000

// DefaultStaleGroupTimeout is how long a partially received chunk group
// may sit idle before it is discarded.
const DefaultStaleGroupTimeout = time.Minute

// ErrEncode is wrapped by Send when a message cannot be encoded. The
// send is dropped; the connection is unaffected.
var ErrEncode = errors.New("transport: encoding message")

// chunkFrame is the wire form of one slice of an oversized message.
type chunkFrame struct {
	Chunked bool   `cbor:"chunked"`
	Data    []byte `cbor:"data"`
	ID      string `cbor:"id"`
	Index   int    `cbor:"index"`
	Total   int    `cbor:"total"`
}

// chunkHeader decodes only the discriminator, so that ordinary
// envelopes are not decoded twice.
type chunkHeader struct {
	Chunked bool `cbor:"chunked"`
}

// Progress reports reassembly of a chunk group.
type Progress struct {
	GroupID string
	Count   int
	Total   int
}

// Delivery is the result of handling one inbound frame. Message is set
// when a complete message is available; Progress is set for every chunk
// frame (including the one that completes its group).
type Delivery struct {
	Message  codec.RawMessage
	Progress *Progress
}

// ChunkedConfig configures a Chunked.
type ChunkedConfig struct {
	// SendFrame writes one frame to the underlying connection.
	SendFrame func(frame []byte) error

	// Threshold defaults to DefaultChunkThreshold.
	Threshold int

	// StaleGroupTimeout defaults to DefaultStaleGroupTimeout.
	StaleGroupTimeout time.Duration

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Chunked carries arbitrarily large CBOR messages over a connection
// whose frames are size-limited. Outbound messages above the threshold
// are split into indexed chunk frames sharing a fresh group id; inbound
// chunk frames are reassembled by index, so arrival order does not
// matter.
//
// Send and HandleFrame are safe for concurrent use.
type Chunked struct {
	sendFrame    func([]byte) error
	threshold    int
	staleTimeout time.Duration
	clock        clock.Clock
	logger       *slog.Logger

	mu     sync.Mutex
	groups map[string]*chunkGroup
}

type chunkGroup struct {
	total    int
	received int
	chunks   [][]byte
	lastSeen time.Time
}

// NewChunked creates a Chunked over config.SendFrame.
func NewChunked(config ChunkedConfig) *Chunked {
	threshold := config.Threshold
	if threshold <= 0 {
		threshold = DefaultChunkThreshold
	}
	staleTimeout := config.StaleGroupTimeout
	if staleTimeout <= 0 {
		staleTimeout = DefaultStaleGroupTimeout
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Chunked{
		sendFrame:    config.SendFrame,
		threshold:    threshold,
		staleTimeout: staleTimeout,
		clock:        clk,
		logger:       logger,
		groups:       make(map[string]*chunkGroup),
	}
}

// Send encodes message and writes it as one frame, or as a sequence of
// chunk frames if the encoding exceeds the threshold. An encode failure
// is logged and returned wrapped in ErrEncode; nothing is written.
func (c *Chunked) Send(message any) error {
	encoded, err := c.Encode(message)
	if err != nil {
		return err
	}
	return c.SendEncoded(encoded)
}

// Encode is the encoding half of Send, for callers that must encode
// before the connection is able to write (queued sends).
func (c *Chunked) Encode(message any) ([]byte, error) {
	encoded, err := codec.Marshal(message)
	if err != nil {
		c.logger.Error("dropping message that failed to encode",
			"type", fmt.Sprintf("%T", message),
			"error", err,
		)
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return encoded, nil
}

// SendEncoded writes an already encoded message, chunking it if needed.
func (c *Chunked) SendEncoded(encoded []byte) error {
	if len(encoded) <= c.threshold {
		return c.sendFrame(encoded)
	}

	total := (len(encoded) + c.threshold - 1) / c.threshold
	groupID := uuid.NewString()

	for index := 0; index < total; index++ {
		start := index * c.threshold
		end := min(start+c.threshold, len(encoded))

		frame, err := codec.Marshal(chunkFrame{
			Chunked: true,
			Data:    encoded[start:end],
			ID:      groupID,
			Index:   index,
			Total:   total,
		})
		if err != nil {
			c.logger.Error("dropping message whose chunk failed to encode",
				"group", groupID,
				"error", err,
			)
			return fmt.Errorf("%w: chunk %d of %d: %w", ErrEncode, index, total, err)
		}
		if err := c.sendFrame(frame); err != nil {
			return fmt.Errorf("sending chunk %d of %d: %w", index, total, err)
		}
	}
	return nil
}

// HandleFrame processes one inbound frame. Malformed frames are logged
// and dropped; the returned error describes why.
func (c *Chunked) HandleFrame(frame []byte) (Delivery, error) {
	var header chunkHeader
	if err := codec.Unmarshal(frame, &header); err != nil {
		// Messages that are not CBOR maps cannot carry chunk metadata.
		if validErr := codec.Valid(frame); validErr != nil {
			c.logger.Warn("dropping malformed frame", "size", len(frame), "error", validErr)
			return Delivery{}, fmt.Errorf("malformed frame: %w", validErr)
		}
		return Delivery{Message: codec.RawMessage(frame)}, nil
	}
	if !header.Chunked {
		return Delivery{Message: codec.RawMessage(frame)}, nil
	}

	var chunk chunkFrame
	if err := codec.Unmarshal(frame, &chunk); err != nil {
		c.logger.Warn("dropping malformed chunk frame", "error", err)
		return Delivery{}, fmt.Errorf("malformed chunk frame: %w", err)
	}
	return c.addChunk(chunk)
}

func (c *Chunked) addChunk(chunk chunkFrame) (Delivery, error) {
	if chunk.Total <= 0 || chunk.Index < 0 || chunk.Index >= chunk.Total {
		c.logger.Warn("dropping chunk with invalid index",
			"group", chunk.ID, "index", chunk.Index, "total", chunk.Total)
		return Delivery{}, fmt.Errorf("chunk index %d out of range for total %d", chunk.Index, chunk.Total)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	c.sweepLocked(now)

	group, ok := c.groups[chunk.ID]
	if !ok {
		group = &chunkGroup{total: chunk.Total, chunks: make([][]byte, chunk.Total)}
		c.groups[chunk.ID] = group
	}
	if group.total != chunk.Total {
		c.logger.Warn("dropping chunk whose total disagrees with its group",
			"group", chunk.ID, "total", chunk.Total, "group_total", group.total)
		return Delivery{}, fmt.Errorf("chunk total %d disagrees with group total %d", chunk.Total, group.total)
	}
	group.lastSeen = now

	if group.chunks[chunk.Index] == nil {
		// An empty slice is still "present"; nil marks a missing index.
		data := chunk.Data
		if data == nil {
			data = []byte{}
		}
		group.chunks[chunk.Index] = data
		group.received++
	}

	progress := &Progress{GroupID: chunk.ID, Count: group.received, Total: group.total}
	if group.received < group.total {
		return Delivery{Progress: progress}, nil
	}

	delete(c.groups, chunk.ID)

	size := 0
	for _, data := range group.chunks {
		size += len(data)
	}
	assembled := make([]byte, 0, size)
	for _, data := range group.chunks {
		assembled = append(assembled, data...)
	}

	if err := codec.Valid(assembled); err != nil {
		c.logger.Warn("dropping reassembled message that does not decode",
			"group", chunk.ID, "size", len(assembled), "error", err)
		return Delivery{Progress: progress}, fmt.Errorf("reassembled group %s: %w", chunk.ID, err)
	}
	return Delivery{Message: codec.RawMessage(assembled), Progress: progress}, nil
}

// sweepLocked discards groups idle for longer than the stale timeout.
// Caller holds c.mu.
func (c *Chunked) sweepLocked(now time.Time) {
	for id, group := range c.groups {
		if now.Sub(group.lastSeen) > c.staleTimeout {
			c.logger.Debug("discarding stale chunk group",
				"group", id, "received", group.received, "total", group.total)
			delete(c.groups, id)
		}
	}
}

// PendingGroups returns the number of partially received groups.
func (c *Chunked) PendingGroups() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.groups)
}
