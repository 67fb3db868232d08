package live

import (
	"errors"
	"fmt"
	"net/url"
)

// ErrReconnectExhausted is reported once automatic reconnection gives up.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// TransportError represents connection-level failures (dial, read, write,
// unexpected close) on the streaming backend.
//
// Use errors.As(err, &TransportError{}) to tell transport failures apart from
// local faults; only these drive the session into Reconnecting.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Op != "" && e.URL != "":
		return fmt.Sprintf("transport error during %s %s: %v", e.Op, redactURL(e.URL), e.Err)
	case e.Op != "":
		return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("transport error: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func redactURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed == nil {
		return raw
	}
	parsed.User = nil
	q := parsed.Query()
	if q.Has("key") {
		q.Set("key", "REDACTED")
		parsed.RawQuery = q.Encode()
	}
	return parsed.String()
}

// DecodeError reports a malformed audio payload.
type DecodeError struct {
	Reason string
	Bytes  int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode audio (%d bytes): %s", e.Bytes, e.Reason)
}

// ToolDispatchError reports a malformed or unknown tool invocation.
type ToolDispatchError struct {
	Tool   string
	Reason string
}

func (e *ToolDispatchError) Error() string {
	if e.Tool == "" {
		return "tool dispatch: " + e.Reason
	}
	return fmt.Sprintf("tool %s: %s", e.Tool, e.Reason)
}

// ImageGenerationError reports a failed illustration request.
type ImageGenerationError struct {
	Prompt string
	Err    error
}

func (e *ImageGenerationError) Error() string {
	return fmt.Sprintf("image generation failed: %v", e.Err)
}

func (e *ImageGenerationError) Unwrap() error { return e.Err }

// DeviceAcquisitionError reports that an audio device could not be opened.
// It is fatal for the session and never retried automatically.
type DeviceAcquisitionError struct {
	Device string
	Err    error
}

func (e *DeviceAcquisitionError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Device, e.Err)
}

func (e *DeviceAcquisitionError) Unwrap() error { return e.Err }

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsDeviceAcquisition reports whether err is (or wraps) a DeviceAcquisitionError.
func IsDeviceAcquisition(err error) bool {
	var de *DeviceAcquisitionError
	return errors.As(err, &de)
}
