package transport

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encode(t *testing.T, self int64, items ...*item) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, writeHandshake(&buf, self))
	w := bufio.NewWriter(&buf)
	for _, it := range items {
		require.NoError(t, writeItem(w, it))
	}
	return &buf
}

func TestReaderPhases(t *testing.T) {
	formula := bytes.Repeat([]byte("1 -2 0\n"), 1500)
	buf := encode(t, 7,
		&item{mode: ModeFormula, originator: 7, payload: formula},
		&item{mode: ModeJobDescription, payload: []byte(`{"kind":"unknown"}`)},
		&item{mode: ModeEndToken},
	)
	rd := newReader(buf, nil)

	f, err := rd.step()
	require.NoError(t, err)
	assert.Nil(t, f)
	assert.Equal(t, int64(7), rd.peer)
	assert.Equal(t, awaitingModeTag, rd.phase)

	_, err = rd.step()
	require.NoError(t, err)
	assert.Equal(t, awaitingLength, rd.phase)
	_, err = rd.step()
	require.NoError(t, err)
	assert.Equal(t, awaitingBody, rd.phase)

	chunks := 0
	for f == nil {
		f, err = rd.step()
		require.NoError(t, err)
		chunks++
	}
	assert.Equal(t, (len(formula)+chunkSize-1)/chunkSize, chunks)
	assert.Equal(t, ModeFormula, f.Mode)
	assert.Equal(t, int64(7), f.Originator)
	assert.Equal(t, formula, f.Payload)
	assert.Equal(t, awaitingModeTag, rd.phase)

	job, err := rd.next()
	require.NoError(t, err)
	assert.Equal(t, ModeJobDescription, job.Mode)
	assert.Equal(t, `{"kind":"unknown"}`, string(job.Payload))

	end, err := rd.next()
	require.NoError(t, err)
	assert.Equal(t, ModeEndToken, end.Mode)
	assert.Equal(t, closed, rd.phase)

	_, err = rd.next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestHandshakeIsFollowedByModeTag(t *testing.T) {
	tests := []struct {
		name string
		it   *item
	}{
		{name: "formula", it: &item{mode: ModeFormula, originator: 5, payload: []byte("1 0\n")}},
		{name: "job", it: &item{mode: ModeJobDescription, payload: []byte(`{}`)}},
		{name: "control", it: &item{mode: ModeControl, payload: []byte(`{}`)}},
		{name: "end", it: &item{mode: ModeEndToken}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := encode(t, 5, tt.it).Bytes()
			require.Greater(t, len(b), 8)
			assert.Equal(t, int64(5), int64(binary.BigEndian.Uint64(b[:8])))
			assert.Equal(t, byte(tt.it.mode), b[8])
		})
	}
}

func TestReaderEmptyBody(t *testing.T) {
	buf := encode(t, 3, &item{mode: ModeControl})
	rd := newReader(buf, nil)
	f, err := rd.next()
	require.NoError(t, err)
	assert.Equal(t, ModeControl, f.Mode)
	assert.Empty(t, f.Payload)
}

func TestReaderRejectsHandshake(t *testing.T) {
	validate := func(id int64) error {
		if id == 0 || id == 5 {
			return errors.New("invalid")
		}
		return nil
	}
	tests := []struct {
		name string
		id   int64
		ok   bool
	}{
		{"zero", 0, false},
		{"own id", 5, false},
		{"peer", 6, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, writeHandshake(&buf, tt.id))
			rd := newReader(&buf, validate)
			id, err := rd.readHandshake()
			if !tt.ok {
				assert.ErrorIs(t, err, ErrRejected)
				assert.Equal(t, closed, rd.phase)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.id, id)
		})
	}
}

func TestReaderErrors(t *testing.T) {
	handshake := func() []byte {
		var b bytes.Buffer
		writeHandshake(&b, 1)
		return b.Bytes()
	}
	length := func(n uint32) []byte {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], n)
		return b[:]
	}
	tests := []struct {
		name string
		data [][]byte
		want error
	}{
		{"unknown mode", [][]byte{{9}}, ErrUnknownMode},
		{"oversized message", [][]byte{{byte(ModeJobDescription)}, length(maxMessageSize + 1)}, ErrTooLarge},
		{"truncated body", [][]byte{{byte(ModeJobDescription)}, length(10), []byte("abc")}, io.ErrUnexpectedEOF},
		{"truncated length", [][]byte{{byte(ModeControl)}, {0, 1}}, io.ErrUnexpectedEOF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stream := append([][]byte{handshake()}, tt.data...)
			rd := newReader(bytes.NewReader(bytes.Join(stream, nil)), nil)
			_, err := rd.next()
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, closed, rd.phase)
		})
	}
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "formula", ModeFormula.String())
	assert.Equal(t, "control", ModeControl.String())
	assert.Equal(t, "mode(9)", Mode(9).String())
}
