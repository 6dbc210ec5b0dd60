package executor

import (
	"bytes"
	"encoding/json"
	"regexp"
)

// objectSpan matches from the first '{' to the last '}' in the text. It can
// pick up unrelated braces around the real document; callers only rely on it
// as a fallback after a direct parse fails.
var objectSpan = regexp.MustCompile(`(?s)\{.*\}`)

// DecodeFailure is the document synthesized when stdout holds no JSON object.
type DecodeFailure struct {
	Error  string `json:"error"`
	Raw    string `json:"raw"`
	Stderr string `json:"stderr"`
}

// DecodeDocument turns tool stdout into a JSON document. It never fails:
// when neither a direct parse nor the brace-span fallback yields JSON, the
// result is a DecodeFailure carrying failureMsg and the raw output.
// ok reports whether real tool output was decoded.
func DecodeDocument(stdout, stderr []byte, failureMsg string) (doc json.RawMessage, ok bool) {
	if decoded, found := decodeJSON(stdout); found {
		return decoded, true
	}
	if span := objectSpan.Find(stdout); span != nil {
		if decoded, found := decodeJSON(span); found {
			return decoded, true
		}
	}
	fallback, err := json.Marshal(DecodeFailure{
		Error:  failureMsg,
		Raw:    string(stdout),
		Stderr: string(stderr),
	})
	if err != nil {
		return json.RawMessage(`{"error":"Failed to encode decode failure"}`), false
	}
	return fallback, false
}

// decodeJSON accepts any single JSON value and returns a copy of it.
func decodeJSON(data []byte) (json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return nil, false
	}
	return append(json.RawMessage(nil), trimmed...), true
}
