package signaling

import "encoding/json"

// envelope is the single JSON frame shape on the wire.
//
//	request: {"id":"<uuid>","event":"calls:start","args":[...]}
//	emit:    {"event":"calls:sdp_answer","args":[...]}
//	ack:     {"ack":"<uuid>","data":{"type":"success","result":...}}
//	push:    {"event":"call:status","args":["<call id>","ACTIVE"]}
type envelope struct {
	ID    string            `json:"id,omitempty"`
	Ack   string            `json:"ack,omitempty"`
	Event string            `json:"event,omitempty"`
	Args  []json.RawMessage `json:"args,omitempty"`
	Data  *ackData          `json:"data,omitempty"`
}

type ackData struct {
	Type   string          `json:"type"`
	Result json.RawMessage `json:"result,omitempty"`
	Code   string          `json:"code,omitempty"`
}

// result converts an ack into the request outcome.
func (a *ackData) result(event string) (json.RawMessage, error) {
	if a == nil {
		return nil, nil
	}
	if a.Type == "success" {
		return a.Result, nil
	}

	msg := string(a.Result)
	var s string
	if err := json.Unmarshal(a.Result, &s); err == nil {
		msg = s
	}
	if msg == "" {
		msg = event + " failed"
	}
	return nil, &RequestError{Event: event, Message: msg, Code: a.Code}
}
