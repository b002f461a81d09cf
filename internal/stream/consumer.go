package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// State identifies where a Consumer is in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrConsumerDone indicates a fragment arrived after the stream already
// reached a terminal state.
var ErrConsumerDone = errors.New("stream consumer already finished")

// DeltaFunc is invoked once per decoded token, in arrival order. delta is the
// incremental text; assembled is the full reply accumulated so far.
type DeltaFunc func(delta, assembled string)

// token is one decoded line of the upstream NDJSON stream.
type token struct {
	Response string `json:"response"`
}

// Consumer reassembles an incrementally delivered NDJSON token stream into a
// single reply. Fragments arrive as opaque byte chunks that need not align
// with line boundaries or UTF-8 code point boundaries; undelivered trailing
// bytes are carried over and prefixed to the next fragment. A single caller
// drives the consumer; it is not safe for concurrent use.
type Consumer struct {
	state   State
	carry   []byte
	reply   strings.Builder
	onDelta DeltaFunc
}

// NewConsumer constructs an idle consumer. onDelta may be nil when the caller
// only needs the assembled reply.
func NewConsumer(onDelta DeltaFunc) *Consumer {
	return &Consumer{onDelta: onDelta}
}

// State returns the current lifecycle state.
func (c *Consumer) State() State {
	return c.state
}

// Assembled returns the reply text accumulated so far.
func (c *Consumer) Assembled() string {
	return c.reply.String()
}

// Feed consumes one transport fragment. Complete lines are decoded as JSON
// tokens and their response text appended to the reply; the unterminated tail
// (a partial line, possibly ending mid code point) is retained until the next
// fragment or Complete. A line that fails to decode is logged and skipped so
// transport framing artifacts cannot abort the turn.
func (c *Consumer) Feed(fragment []byte) error {
	switch c.state {
	case StateIdle:
		c.state = StateStreaming
	case StateStreaming:
	default:
		return fmt.Errorf("%w: state %s", ErrConsumerDone, c.state)
	}

	// Splitting on raw newline bytes is UTF-8 safe: no multi-byte sequence
	// contains 0x0A, so a code point can only ever straddle the carried tail.
	c.carry = append(c.carry, fragment...)
	for {
		idx := bytes.IndexByte(c.carry, '\n')
		if idx < 0 {
			return nil
		}
		line := c.carry[:idx]
		c.carry = c.carry[idx+1:]
		c.consumeLine(line)
	}
}

// Complete signals end of transport. Any carried tail gets one final decode
// attempt, then the assembled reply is returned.
func (c *Consumer) Complete() (string, error) {
	switch c.state {
	case StateIdle, StateStreaming:
	default:
		return "", fmt.Errorf("%w: state %s", ErrConsumerDone, c.state)
	}

	if len(c.carry) > 0 {
		c.consumeLine(c.carry)
		c.carry = nil
	}
	c.state = StateComplete
	return c.reply.String(), nil
}

// Fail marks the stream as failed and discards the partial reply.
func (c *Consumer) Fail() {
	c.state = StateFailed
	c.carry = nil
	c.reply.Reset()
}

func (c *Consumer) consumeLine(line []byte) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return
	}

	var tok token
	if err := json.Unmarshal(trimmed, &tok); err != nil {
		slog.Debug("skipping undecodable stream line", "len", len(trimmed), "err", err)
		return
	}
	if tok.Response == "" {
		return
	}

	c.reply.WriteString(tok.Response)
	if c.onDelta != nil {
		c.onDelta(tok.Response, c.reply.String())
	}
}

const readChunkSize = 4 * 1024

// Consume drives a consumer from a reader until EOF, firing onDelta for each
// token in arrival order, and returns the assembled reply. A read error or
// context cancellation discards the partial reply and fails the turn.
func Consume(ctx context.Context, r io.Reader, onDelta DeltaFunc) (string, error) {
	c := NewConsumer(onDelta)
	buf := make([]byte, readChunkSize)

	for {
		if err := ctx.Err(); err != nil {
			c.Fail()
			return "", fmt.Errorf("stream cancelled: %w", err)
		}

		n, err := r.Read(buf)
		if n > 0 {
			if feedErr := c.Feed(buf[:n]); feedErr != nil {
				return "", feedErr
			}
		}
		if errors.Is(err, io.EOF) {
			return c.Complete()
		}
		if err != nil {
			c.Fail()
			return "", fmt.Errorf("read stream fragment: %w", err)
		}
	}
}
