package httpcache

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
)

const PREFIX = "---HTTP-RESPONSE---\n"

// Serialize dumps the http.Response in wire format behind PREFIX.
// The response body is buffered and stays readable afterwards.
func Serialize(resp *http.Response) ([]byte, error) {
	body, err := ReadBody(resp)
	if err != nil {
		return nil, err
	}

	snapshot := *resp
	snapshot.Header = resp.Header.Clone()
	snapshot.Body = io.NopCloser(bytes.NewReader(body))
	snapshot.ContentLength = int64(len(body))
	snapshot.TransferEncoding = nil
	snapshot.Close = false
	if snapshot.ProtoMajor == 0 {
		snapshot.Proto, snapshot.ProtoMajor, snapshot.ProtoMinor = "HTTP/1.1", 1, 1
	}

	b, err := httputil.DumpResponse(&snapshot, true)
	if err != nil {
		return nil, err
	}

	return append([]byte(PREFIX), b...), nil
}

func Deserialize(b []byte) (*http.Response, error) {
	if len(b) < len(PREFIX) || string(b[:len(PREFIX)]) != PREFIX {
		return nil, fmt.Errorf("invalid prefix: expected '%s'", PREFIX)
	}

	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b[len(PREFIX):])), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize response: %w", err)
	}

	if _, err := ReadBody(resp); err != nil {
		return nil, fmt.Errorf("failed to deserialize response body: %w", err)
	}

	return resp, nil
}

// ReadBody reads the whole response body and replaces it with an in-memory
// copy, so the response can be read again by the next consumer.
func ReadBody(resp *http.Response) ([]byte, error) {
	if resp.Body == nil || resp.Body == http.NoBody {
		resp.Body = http.NoBody
		return nil, nil
	}

	body, err := io.ReadAll(resp.Body)
	closeErr := resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("failed to close response body: %w", closeErr)
	}

	resp.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
