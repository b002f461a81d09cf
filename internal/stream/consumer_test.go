package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsumerAssemblesTokensInOrder(t *testing.T) {
	c := NewConsumer(nil)

	require.NoError(t, c.Feed([]byte("{\"response\":\"Hello\"}\n{\"response\":\" world\"}\n")))

	reply, err := c.Complete()
	require.NoError(t, err)
	assert.Equal(t, "Hello world", reply)
	assert.Equal(t, StateComplete, c.State())
}

func TestConsumerByteBoundaryIndependence(t *testing.T) {
	payload := "{\"response\":\"Hel" + "lo\"}\n{\"response\":\" world\"}\n"

	fragmentations := map[string][]string{
		"single chunk": {payload},
		"split mid-object": {
			"{\"response\":\"Hel",
			"lo\"}\n{\"response\":\" world\"}\n",
		},
		"byte by byte": strings.Split(payload, ""),
	}

	for name, fragments := range fragmentations {
		t.Run(name, func(t *testing.T) {
			c := NewConsumer(nil)
			for _, fragment := range fragments {
				require.NoError(t, c.Feed([]byte(fragment)))
			}
			reply, err := c.Complete()
			require.NoError(t, err)
			assert.Equal(t, "Hello world", reply)
		})
	}
}

func TestConsumerCarriesPartialUTF8Sequence(t *testing.T) {
	// "héllo" with the two-byte é split across fragments.
	line := []byte("{\"response\":\"héllo\"}\n")
	split := 0
	for i, b := range line {
		if b == 0xc3 {
			split = i + 1
			break
		}
	}
	require.NotZero(t, split)

	c := NewConsumer(nil)
	require.NoError(t, c.Feed(line[:split]))
	require.NoError(t, c.Feed(line[split:]))

	reply, err := c.Complete()
	require.NoError(t, err)
	assert.Equal(t, "héllo", reply)
}

func TestConsumerSkipsMalformedLines(t *testing.T) {
	c := NewConsumer(nil)

	require.NoError(t, c.Feed([]byte("{\"response\":\"keep\"}\n")))
	require.NoError(t, c.Feed([]byte("not json at all\n")))
	require.NoError(t, c.Feed([]byte("{\"response\":\" going\"}\n")))

	reply, err := c.Complete()
	require.NoError(t, err)
	assert.Equal(t, "keep going", reply)
}

func TestConsumerParsesTrailingLineWithoutNewline(t *testing.T) {
	c := NewConsumer(nil)

	require.NoError(t, c.Feed([]byte("{\"response\":\"almost\"}\n{\"response\":\" done\"}")))

	reply, err := c.Complete()
	require.NoError(t, err)
	assert.Equal(t, "almost done", reply)
}

func TestConsumerIgnoresLinesWithoutResponseField(t *testing.T) {
	c := NewConsumer(nil)

	require.NoError(t, c.Feed([]byte("{\"done\":true}\n{\"response\":\"text\"}\n{}\n")))

	reply, err := c.Complete()
	require.NoError(t, err)
	assert.Equal(t, "text", reply)
}

func TestConsumerDeltaCallbackOrder(t *testing.T) {
	var deltas []string
	var assembled []string
	c := NewConsumer(func(delta, full string) {
		deltas = append(deltas, delta)
		assembled = append(assembled, full)
	})

	require.NoError(t, c.Feed([]byte("{\"response\":\"a\"}\n{\"response\":\"b\"}\n{\"response\":\"c\"}\n")))
	_, err := c.Complete()
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, deltas)
	assert.Equal(t, []string{"a", "ab", "abc"}, assembled)
}

func TestConsumerFailDiscardsPartialReply(t *testing.T) {
	c := NewConsumer(nil)
	require.NoError(t, c.Feed([]byte("{\"response\":\"partial\"}\n")))

	c.Fail()

	assert.Equal(t, StateFailed, c.State())
	assert.Empty(t, c.Assembled())

	err := c.Feed([]byte("{\"response\":\"late\"}\n"))
	assert.ErrorIs(t, err, ErrConsumerDone)

	_, err = c.Complete()
	assert.ErrorIs(t, err, ErrConsumerDone)
}

func TestConsumerStateTransitions(t *testing.T) {
	c := NewConsumer(nil)
	assert.Equal(t, StateIdle, c.State())

	require.NoError(t, c.Feed([]byte("{\"response\":\"x\"}\n")))
	assert.Equal(t, StateStreaming, c.State())

	_, err := c.Complete()
	require.NoError(t, err)
	assert.Equal(t, StateComplete, c.State())

	assert.ErrorIs(t, c.Feed([]byte("more")), ErrConsumerDone)
}

func TestConsumeFromReader(t *testing.T) {
	reader := io.MultiReader(
		strings.NewReader("{\"response\":\"Hel"),
		strings.NewReader("lo\"}\n{\"response\":\" world\"}\n"),
	)

	var deltas []string
	reply, err := Consume(context.Background(), reader, func(delta, _ string) {
		deltas = append(deltas, delta)
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello world", reply)
	assert.Equal(t, []string{"Hello", " world"}, deltas)
}

type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) > 0 {
		n := copy(p, r.data)
		r.data = r.data[n:]
		return n, nil
	}
	return 0, r.err
}

func TestConsumeReadErrorDiscardsPartial(t *testing.T) {
	readErr := errors.New("connection reset")
	reader := &failingReader{
		data: []byte("{\"response\":\"partial\"}\n"),
		err:  readErr,
	}

	reply, err := Consume(context.Background(), reader, nil)
	require.ErrorIs(t, err, readErr)
	assert.Empty(t, reply)
}

func TestConsumeHonoursContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Consume(ctx, strings.NewReader("{\"response\":\"x\"}\n"), nil)
	require.ErrorIs(t, err, context.Canceled)
}
