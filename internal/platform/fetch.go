package platform

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// maxBodyBytes caps how much of a status/page response we are willing to read.
const maxBodyBytes = 1 << 20

func doRequest(client HTTPDoer, req *http.Request) ([]byte, error) {
	req.Header.Set("User-Agent", "streamwatch/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrNetwork, req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s %s: status %d", ErrNetwork, req.Method, req.URL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrNetwork, req.URL, err)
	}
	return body, nil
}

func decodeJSON(body []byte, url string, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, url, err)
	}
	return nil
}

// flexInt tolerates remote APIs that serialize the same field as a JSON
// number or as a quoted number. Anything else decodes to zero.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	*f = 0
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
		var n int
		if _, err := fmt.Sscanf(s, "%d", &n); err == nil {
			*f = flexInt(n)
		}
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		*f = flexInt(n)
	}
	return nil
}

// flexString tolerates a field arriving as a string or a number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	*f = ""
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*f = flexString(n.String())
	}
	return nil
}
