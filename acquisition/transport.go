package acquisition

// Transport is the byte-oriented boundary over the SCPI transport
// (typically USB-TMC). The core never owns the underlying handle — it is
// borrowed from the device instance for the duration of an acquisition
// and must not be closed on stop (spec §5).
//
// ReadData's contract (spec §4.1, invariant I8):
//   - a return of n in [0, len(buf)] with err == nil means n bytes were read;
//   - a return of (-1, nil) is a *transient* drain signal: the transport's
//     internal send-buffer is refilling. It is not fatal by itself;
//     callers retry with backoff, bounded by MaxReadRetries.
//   - a return of (0, nil) signals EOF.
//   - any non-nil err is a genuine transport failure.
type Transport interface {
	// Send issues a formatted SCPI command. No response is expected.
	Send(format string, args ...any) error

	// GetString issues a query and returns its trimmed text response.
	GetString(query string) (string, error)

	// GetInt issues a query and parses the text response as an integer.
	GetInt(query string) (int, error)

	// GetFloat issues a query and parses the text response as a float.
	GetFloat(query string) (float64, error)

	// GetBool issues a query and parses an "ON"/"OFF" style text response.
	GetBool(query string) (bool, error)

	// ReadBegin signals the start of an unbounded binary response, such
	// as a waveform block.
	ReadBegin() error

	// ReadData reads up to len(buf) bytes of a binary response into buf.
	// See the type doc for the -1/0/err contract.
	ReadData(buf []byte) (int, error)

	// ReadComplete reports whether the most recent binary response has
	// been fully consumed by the transport layer.
	ReadComplete() bool
}
