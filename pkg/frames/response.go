package frames

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedPayload marks a JSON frame whose payload could not be parsed.
var ErrMalformedPayload = errors.New("malformed frame payload")

// Result is a decoded vendor result or acknowledgement.
type Result struct {
	Text    string
	IsFinal bool
	// Ack is set when the payload carries no result, e.g. the reply to the
	// configuration frame.
	Ack bool
	Raw json.RawMessage
}

// Response is a decoded vendor frame.
type Response struct {
	Version  byte
	Type     MessageType
	Sequence int8
	Length   uint32
	Payload  []byte

	Result *Result
	Error  string
	Err    error
}

type resultPayload struct {
	Result  json.RawMessage `json:"result"`
	IsFinal bool            `json:"is_final"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
}

type resultItem struct {
	Text string `json:"text"`
}

// Decode parses a received buffer. It reports false for buffers shorter
// than the header; those are discarded without error.
func Decode(buf []byte) (Response, bool) {
	if len(buf) < HeaderSize {
		return Response{}, false
	}
	resp := Response{
		Version:  buf[offVersion],
		Type:     MessageType(buf[offType]),
		Sequence: int8(buf[offSequence]),
		Length:   binary.BigEndian.Uint32(buf[offLength:HeaderSize]),
		Payload:  buf[HeaderSize:],
	}
	switch resp.Type {
	case TypeJSON:
		res, err := parseResult(resp.Payload)
		if err != nil {
			resp.Err = err
			return resp, true
		}
		resp.Result = res
	case TypeError:
		resp.Error = string(resp.Payload)
	}
	return resp, true
}

func parseResult(payload []byte) (*Result, error) {
	var p resultPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	res := &Result{IsFinal: p.IsFinal, Raw: append(json.RawMessage(nil), payload...)}
	if len(p.Result) == 0 || string(p.Result) == "null" {
		res.Ack = true
		return res, nil
	}
	text, err := resultText(p.Result)
	if err != nil {
		return nil, err
	}
	res.Text = text
	return res, nil
}

// resultText accepts either a list of {text} items or a single {text} object.
func resultText(raw json.RawMessage) (string, error) {
	var items []resultItem
	if err := json.Unmarshal(raw, &items); err == nil {
		parts := make([]string, 0, len(items))
		for _, it := range items {
			if it.Text != "" {
				parts = append(parts, it.Text)
			}
		}
		return strings.Join(parts, " "), nil
	}
	var single resultItem
	if err := json.Unmarshal(raw, &single); err != nil {
		return "", fmt.Errorf("%w: result: %v", ErrMalformedPayload, err)
	}
	return single.Text, nil
}
