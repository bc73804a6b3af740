package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const storedAtHeaderName = "Offline-Cache-Stored-At"

// StoredResponse is a captured response together with the time it was stored.
type StoredResponse struct {
	Response *http.Response
	StoredAt time.Time
}

// BytesToStoredResponse reads a response stored with StoredResponseToBytes.
// The given request is attached to the response.
func BytesToStoredResponse(b []byte, req *http.Request) (StoredResponse, error) {
	sRes := StoredResponse{}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
	if err != nil {
		return sRes, fmt.Errorf("read stored response: %w", err)
	}
	sRes.Response = res
	if storedAt := res.Header.Get(storedAtHeaderName); storedAt != "" {
		millis, err := strconv.ParseInt(storedAt, 10, 64)
		if err != nil {
			return sRes, fmt.Errorf("stored-at header: %w", err)
		}
		sRes.StoredAt = time.UnixMilli(millis)
	}
	res.Header.Del(storedAtHeaderName)
	return sRes, nil
}

// StoredResponseToBytes returns the HTTP/1.1 representation of the response,
// including status, headers and the complete body.
// The body of the given response is consumed and replaced, so the response
// can still be sent after it has been serialized.
func StoredResponseToBytes(sRes StoredResponse) ([]byte, error) {
	res := sRes.Response
	body, err := readBody(res)
	if err != nil {
		return nil, err
	}

	out := *res
	out.Header = res.Header.Clone()
	if out.Header == nil {
		out.Header = http.Header{}
	}
	out.Header.Set(storedAtHeaderName, strconv.FormatInt(sRes.StoredAt.UnixMilli(), 10))
	out.ProtoMajor, out.ProtoMinor = 1, 1
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.ContentLength = int64(len(body))
	out.TransferEncoding = nil
	out.Close = false
	// the body is always written, whatever method the request had
	out.Request = nil

	buf := &bytes.Buffer{}
	if err := out.Write(buf); err != nil {
		return nil, fmt.Errorf("write response: %w", err)
	}
	return buf.Bytes(), nil
}

// Clone returns a copy of the response with its own body.
// The body of the original response is buffered and replaced.
func Clone(res *http.Response) (*http.Response, error) {
	body, err := readBody(res)
	if err != nil {
		return nil, err
	}
	clone := *res
	clone.Header = res.Header.Clone()
	clone.Body = io.NopCloser(bytes.NewReader(body))
	return &clone, nil
}

// readBody reads the complete body and sets a fresh reader over the same
// bytes back on the response.
func readBody(res *http.Response) ([]byte, error) {
	if res.Body == nil || res.Body == http.NoBody {
		res.Body = http.NoBody
		return []byte{}, nil
	}
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	res.ContentLength = int64(len(body))
	return body, nil
}
