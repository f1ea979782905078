package query

import (
	"encoding/json"
)

type healthResponse struct {
	Status       string `json:"status"`
	DBPath       string `json:"db_path"`
	DBAccessible bool   `json:"db_accessible"`
	Timestamp    string `json:"timestamp"`
}

type metricsResponse struct {
	TotalKeys     int     `json:"total_keys"`
	DBSizeBytes   int64   `json:"db_size_bytes"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

type keyValueResponse struct {
	Key    string      `json:"key"`
	Value  interface{} `json:"value"`
	Exists bool        `json:"exists"`
}

type keyListResponse struct {
	Keys   []string `json:"keys"`
	Total  int      `json:"total"`
	Offset int      `json:"offset"`
	Limit  int      `json:"limit"`
}

type nestedKeyResponse struct {
	K1     string      `json:"k1"`
	K2     string      `json:"k2"`
	Value  interface{} `json:"value"`
	Exists bool        `json:"exists"`
}

type nestedKeyListResponse struct {
	K1       string                 `json:"k1"`
	Children map[string]interface{} `json:"children"`
	Total    int                    `json:"total"`
}

type nmapResponse struct {
	NMap   string      `json:"nmap"`
	Key    string      `json:"key"`
	Value  interface{} `json:"value"`
	Exists bool        `json:"exists"`
}

type nmapListResponse struct {
	NMap    string                 `json:"nmap"`
	Entries map[string]interface{} `json:"entries"`
	Total   int                    `json:"total"`
	Offset  int                    `json:"offset"`
	Limit   int                    `json:"limit"`
}

type nmapNamesResponse struct {
	NMaps []string `json:"nmaps"`
	Total int      `json:"total"`
}

type peerResponse struct {
	PeerID string      `json:"peer_id"`
	Data   interface{} `json:"data"`
	Exists bool        `json:"exists"`
}

type peerListResponse struct {
	Peers  map[string]interface{} `json:"peers"`
	Total  int                    `json:"total"`
	Offset int                    `json:"offset"`
	Limit  int                    `json:"limit"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// renderValue embeds JSON values as they are and everything else as a string.
func renderValue(v []byte) interface{} {
	if json.Valid(v) {
		return json.RawMessage(v)
	}
	return string(v)
}
