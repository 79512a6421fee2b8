// Package fake provides a scriptable acquisition.Transport for tests,
// grounded on the teacher's pattern of small, explicit test doubles (see
// dlq_test.go in the pack) rather than a mocking framework.
package fake

import (
	"fmt"
	"strconv"
	"strings"
)

// Response is one scripted reply to a query-style command (GetString/
// GetInt/GetFloat/GetBool).
type Response struct {
	Text string
	Err  error
}

// Chunk is one scripted ReadData outcome: Data is the byte payload (nil for
// n==0/-1 outcomes), N is the return value to report (use -1 for the
// transient drain signal, 0 for EOF). Complete marks this chunk as the
// final transfer of a binary response, so ReadComplete() reports true
// immediately after it — used for the short terminator read that closes
// out a waveform block.
type Chunk struct {
	Data     []byte
	N        int // overrides len(Data) when Data is nil
	Err      error
	Complete bool
}

// Transport is a fully scripted acquisition.Transport. Tests queue
// Responses keyed by the exact command text sent, and Chunks consumed in
// order by successive ReadData calls.
type Transport struct {
	Sent []string

	Responses map[string][]Response
	Chunks    []Chunk

	readComplete bool

	// ReadBeginErr/SendErr let a test inject a failure on the next call.
	ReadBeginErr error
	SendErr      error
}

// New creates an empty scripted transport.
func New() *Transport {
	return &Transport{Responses: make(map[string][]Response)}
}

// ScriptResponse queues a text response for an exact query string.
func (f *Transport) ScriptResponse(query, text string) {
	f.Responses[query] = append(f.Responses[query], Response{Text: text})
}

// ScriptError queues an error response for an exact query string.
func (f *Transport) ScriptError(query string, err error) {
	f.Responses[query] = append(f.Responses[query], Response{Err: err})
}

// ScriptChunk appends one ReadData outcome to the queue.
func (f *Transport) ScriptChunk(data []byte) {
	f.Chunks = append(f.Chunks, Chunk{Data: data, N: len(data)})
}

// ScriptChunkN appends a ReadData outcome with an explicit n (for -1/0).
func (f *Transport) ScriptChunkN(n int) {
	f.Chunks = append(f.Chunks, Chunk{N: n})
}

// ScriptTerminator appends a ReadData outcome that also marks the binary
// response complete, as the 2-byte line-feed terminator closing a
// waveform block does.
func (f *Transport) ScriptTerminator(data []byte) {
	f.Chunks = append(f.Chunks, Chunk{Data: data, N: len(data), Complete: true})
}

func (f *Transport) Send(format string, args ...any) error {
	if f.SendErr != nil {
		err := f.SendErr
		f.SendErr = nil
		return err
	}
	f.Sent = append(f.Sent, fmt.Sprintf(format, args...))
	return nil
}

func (f *Transport) next(query string) (string, error) {
	queue := f.Responses[query]
	if len(queue) == 0 {
		return "", fmt.Errorf("fake transport: no scripted response for %q", query)
	}
	resp := queue[0]
	f.Responses[query] = queue[1:]
	return resp.Text, resp.Err
}

func (f *Transport) GetString(query string) (string, error) {
	return f.next(query)
}

func (f *Transport) GetInt(query string) (int, error) {
	s, err := f.next(query)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(s))
}

func (f *Transport) GetFloat(query string) (float64, error) {
	s, err := f.next(query)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

func (f *Transport) GetBool(query string) (bool, error) {
	s, err := f.next(query)
	if err != nil {
		return false, err
	}
	s = strings.ToUpper(strings.TrimSpace(s))
	return s == "ON" || s == "1", nil
}

func (f *Transport) ReadBegin() error {
	if f.ReadBeginErr != nil {
		err := f.ReadBeginErr
		f.ReadBeginErr = nil
		return err
	}
	f.readComplete = false
	return nil
}

func (f *Transport) ReadData(buf []byte) (int, error) {
	if len(f.Chunks) == 0 {
		return 0, fmt.Errorf("fake transport: ReadData called with no chunks scripted")
	}
	c := f.Chunks[0]
	f.Chunks = f.Chunks[1:]
	if c.Err != nil {
		return 0, c.Err
	}
	n := c.N
	if c.Data != nil {
		n = copy(buf, c.Data)
	}
	if c.Complete {
		f.readComplete = true
	}
	if n == 0 || n == -1 {
		if n == 0 {
			f.readComplete = true
		}
		return n, nil
	}
	if n > 0 && n < len(c.Data) {
		// Shouldn't happen given the buffer sizing contract, but guard
		// against silently truncating a scripted chunk.
		panic("fake transport: destination buffer smaller than scripted chunk")
	}
	return n, nil
}

func (f *Transport) ReadComplete() bool {
	return f.readComplete
}
