package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/valyala/fastjson"

	"trafficgw/pkg/model"
)

const (
	MsgInvalidJSON        = "Invalid JSON in request body"
	MsgBatchNotArray      = "batchData is required and must be an array"
	MsgBatchEmpty         = "batchData must contain at least one item"
	MsgBatchItemFields    = "Missing required fields in batchData: path, method, and time are mandatory"
	MsgLegacyFields       = "Missing required fields: host, url, and method are mandatory"
	MsgLegacyHeaders      = "Missing required fields: requestHeaders and responseHeaders are mandatory"
	MsgLegacyStatusNumber = "responseStatus must be a number"
)

// Rejection is a validation failure the caller caused. Any other error
// returned by the validators is an internal fault.
type Rejection struct {
	Message string
}

func (r *Rejection) Error() string { return r.Message }

func reject(msg string) error { return &Rejection{Message: msg} }

// IsRejection reports whether err is a caller-side validation failure and
// returns its message.
func IsRejection(err error) (string, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r.Message, true
	}
	return "", false
}

var errNullBody = errors.New("request body is null")

// ParseBody parses body with p. The returned value is only valid until p
// is reused.
func ParseBody(p *fastjson.Parser, body []byte) (*fastjson.Value, error) {
	v, err := p.ParseBytes(body)
	if err != nil {
		return nil, reject(MsgInvalidJSON)
	}
	return v, nil
}

// ValidateBatchRequest performs the array-level checks of the v2 endpoint
// and copies every item out of the parser's memory. Per-item checks are
// left to Service.IngestData.
func ValidateBatchRequest(v *fastjson.Value) ([]json.RawMessage, error) {
	if v.Type() == fastjson.TypeNull {
		return nil, errNullBody
	}
	batch := v.Get("batchData")
	if batch == nil || batch.Type() != fastjson.TypeArray {
		return nil, reject(MsgBatchNotArray)
	}
	items, _ := batch.Array()
	if len(items) == 0 {
		return nil, reject(MsgBatchEmpty)
	}
	out := make([]json.RawMessage, 0, len(items))
	for _, it := range items {
		out = append(out, json.RawMessage(it.MarshalTo(nil)))
	}
	return out, nil
}

// ValidateLegacyRequest checks a v1 body and builds the record that is
// forwarded. requestHeaders.host is filled from host when absent.
func ValidateLegacyRequest(v *fastjson.Value) (model.LegacyRecord, error) {
	if v.Type() == fastjson.TypeNull {
		return model.LegacyRecord{}, errNullBody
	}
	host, url, method := v.Get("host"), v.Get("url"), v.Get("method")
	if !truthy(host) || !truthy(url) || !truthy(method) {
		return model.LegacyRecord{}, reject(MsgLegacyFields)
	}
	reqHeaders, respHeaders := v.Get("requestHeaders"), v.Get("responseHeaders")
	if !truthy(reqHeaders) || !truthy(respHeaders) {
		return model.LegacyRecord{}, reject(MsgLegacyHeaders)
	}
	status := v.Get("responseStatus")
	if status == nil || status.Type() != fastjson.TypeNumber {
		return model.LegacyRecord{}, reject(MsgLegacyStatusNumber)
	}
	hostStr := text(host)
	var headers any
	switch reqHeaders.Type() {
	case fastjson.TypeObject:
		m := make(map[string]any)
		if err := json.Unmarshal(reqHeaders.MarshalTo(nil), &m); err != nil {
			return model.LegacyRecord{}, fmt.Errorf("decode requestHeaders: %w", err)
		}
		if !truthy(reqHeaders.Get("host")) {
			m["host"] = hostStr
		}
		headers = m
	case fastjson.TypeArray:
		// An array has no host entry to fill; it is forwarded as received.
		var list []any
		if err := json.Unmarshal(reqHeaders.MarshalTo(nil), &list); err != nil {
			return model.LegacyRecord{}, fmt.Errorf("decode requestHeaders: %w", err)
		}
		headers = list
	default:
		return model.LegacyRecord{}, fmt.Errorf("requestHeaders is a %s, not an object", reqHeaders.Type())
	}

	var respHeadersAny any
	if err := json.Unmarshal(respHeaders.MarshalTo(nil), &respHeadersAny); err != nil {
		return model.LegacyRecord{}, fmt.Errorf("decode responseHeaders: %w", err)
	}
	statusNum, _ := status.Float64()

	return model.LegacyRecord{
		Host:               hostStr,
		URL:                text(url),
		Method:             text(method),
		RequestHeaders:     headers,
		RequestBody:        textOrEmpty(v.Get("requestBody")),
		ResponseHeaders:    respHeadersAny,
		ResponseStatus:     statusNum,
		ResponseStatusText: textOrEmpty(v.Get("responseStatusText")),
		ResponseBody:       textOrEmpty(v.Get("responseBody")),
		Time:               raw(v.Get("time")),
		Tag:                raw(v.Get("tag")),
	}, nil
}

// hasBatchItemFields reports whether a v2 item carries truthy path, method
// and time. A null item cannot be inspected and is reported as an error.
func hasBatchItemFields(item *fastjson.Value) (bool, error) {
	if item.Type() == fastjson.TypeNull {
		return false, errors.New("batchData item is null")
	}
	return truthy(item.Get("path")) && truthy(item.Get("method")) && truthy(item.Get("time")), nil
}

// truthy follows JSON-in-JavaScript truthiness: missing, null, false, ""
// and 0 are false.
func truthy(v *fastjson.Value) bool {
	if v == nil {
		return false
	}
	switch v.Type() {
	case fastjson.TypeNull, fastjson.TypeFalse:
		return false
	case fastjson.TypeString:
		b, _ := v.StringBytes()
		return len(b) > 0
	case fastjson.TypeNumber:
		f, _ := v.Float64()
		return f != 0 && !math.IsNaN(f)
	}
	return true
}

// text returns string values unquoted and anything else as its JSON text.
func text(v *fastjson.Value) string {
	if v == nil {
		return ""
	}
	if v.Type() == fastjson.TypeString {
		b, _ := v.StringBytes()
		return string(b)
	}
	return string(v.MarshalTo(nil))
}

func textOrEmpty(v *fastjson.Value) string {
	if !truthy(v) {
		return ""
	}
	return text(v)
}

func raw(v *fastjson.Value) any {
	if v == nil || v.Type() == fastjson.TypeNull {
		return nil
	}
	return json.RawMessage(v.MarshalTo(nil))
}
