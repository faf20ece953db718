package engine

import "fmt"

// Result is the completion code reported for a transfer.
type Result int

const (
	OK Result = iota
	UnsupportedProtocol
	URLMalformat
	CouldntResolveHost
	CouldntConnect
	SendError
	RecvError
	PartialFile
	HTTPReturnedError
	WriteError
	ReadError
	OperationTimedOut
	Aborted
)

var resultNames = [...]string{
	OK:                  "ok",
	UnsupportedProtocol: "unsupported_protocol",
	URLMalformat:        "url_malformat",
	CouldntResolveHost:  "couldnt_resolve_host",
	CouldntConnect:      "couldnt_connect",
	SendError:           "send_error",
	RecvError:           "recv_error",
	PartialFile:         "partial_file",
	HTTPReturnedError:   "http_returned_error",
	WriteError:          "write_error",
	ReadError:           "read_error",
	OperationTimedOut:   "operation_timedout",
	Aborted:             "aborted",
}

func (r Result) String() string {
	if r < 0 || int(r) >= len(resultNames) {
		return fmt.Sprintf("result(%d)", int(r))
	}
	return resultNames[r]
}

// MarshalText encodes the result by name.
func (r Result) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText decodes a result name produced by MarshalText.
func (r *Result) UnmarshalText(text []byte) error {
	for i, name := range resultNames {
		if name == string(text) {
			*r = Result(i)
			return nil
		}
	}
	return fmt.Errorf("engine: unknown result %q", text)
}

// Err returns nil for OK and an *Error otherwise.
func (r Result) Err() error {
	if r == OK {
		return nil
	}
	return &Error{Result: r}
}

// Error wraps a non-OK Result.
type Error struct {
	Result Result
}

func (e *Error) Error() string {
	return "transfer failed: " + e.Result.String()
}
