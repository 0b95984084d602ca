package model

import "time"

// TrafficRecord is one captured HTTP exchange as carried in the batchData
// array of the v2 ingestion endpoint. Header fields are opaque serialized
// blobs; the gateway never interprets them.
type TrafficRecord struct {
	Path            string `json:"path"`
	RequestHeaders  string `json:"requestHeaders"`
	ResponseHeaders string `json:"responseHeaders"`
	Method          string `json:"method"`
	RequestPayload  string `json:"requestPayload"`
	ResponsePayload string `json:"responsePayload"`
	IP              string `json:"ip"`
	DestIP          string `json:"destIp,omitempty"`
	Time            string `json:"time"`
	StatusCode      string `json:"statusCode"`
	Type            string `json:"type"`
	Status          string `json:"status"`
	AccountID       string `json:"akto_account_id"`
	VxlanID         string `json:"akto_vxlan_id"`
	IsPending       string `json:"is_pending"`
	Source          string `json:"source"`
	Direction       string `json:"direction,omitempty"`
	ProcessID       string `json:"process_id,omitempty"`
	SocketID        string `json:"socket_id,omitempty"`
	DaemonsetID     string `json:"daemonset_id,omitempty"`
	EnabledGraph    string `json:"enabled_graph,omitempty"`
	Tag             string `json:"tag,omitempty"`
}

type IngestDataRequest struct {
	BatchData []TrafficRecord `json:"batchData"`
}

// LegacyRecord is the single-record shape accepted by the deprecated
// /ingest-data endpoint.
type LegacyRecord struct {
	Host               string         `json:"host"`
	URL                string         `json:"url"`
	Method             string         `json:"method"`
	RequestHeaders     any            `json:"requestHeaders"`
	RequestBody        string         `json:"requestBody"`
	ResponseHeaders    any            `json:"responseHeaders"`
	ResponseStatus     float64        `json:"responseStatus"`
	ResponseStatusText string         `json:"responseStatusText"`
	ResponseBody       string         `json:"responseBody"`
	Time               any            `json:"time,omitempty"`
	Tag                any            `json:"tag,omitempty"`
}

// Message is the unit handed to a queue binding.
type Message struct {
	Body string `json:"body"`
}

// SpooledMessage is a message as persisted by a local spool binding.
type SpooledMessage struct {
	ID         string    `json:"id"`
	Queue      string    `json:"queue"`
	Body       string    `json:"body"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
