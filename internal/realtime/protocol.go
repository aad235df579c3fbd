package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Envelope types.
const (
	typeData    = "d"
	typeControl = "c"
)

// Data actions sent by the client.
const (
	actionStats  = "s"
	actionAuth   = "auth"
	actionListen = "q"
)

// Data actions pushed by the server.
const (
	actionPut          = "d"
	actionMerge        = "m"
	actionAuthRevoked  = "ac"
	actionListenRevoke = "c"
)

// Control message kinds.
const (
	controlHandshake = "h"
	controlRedirect  = "r"
	controlShutdown  = "s"
	controlReset     = "e"
)

// keepaliveFrame is exchanged in both directions and carries no payload.
const keepaliveFrame = "0"

// sdkStats identifies the client in the stats message.
const sdkStats = "sdk.go.1"

// maxFrameCount bounds the count prefix of a fragmented message.
const maxFrameCount = 1 << 16

type envelope struct {
	T string          `json:"t"`
	D json.RawMessage `json:"d"`
}

type dataMessage struct {
	R int64           `json:"r,omitempty"`
	A string          `json:"a,omitempty"`
	B json.RawMessage `json:"b,omitempty"`
}

type controlMessage struct {
	T string          `json:"t"`
	D json.RawMessage `json:"d"`
}

type handshake struct {
	TS int64  `json:"ts"`
	V  string `json:"v"`
	H  string `json:"h"`
	S  string `json:"s"`
}

type pushBody struct {
	P string          `json:"p"`
	D json.RawMessage `json:"d"`
}

type responseBody struct {
	S string          `json:"s"`
	D json.RawMessage `json:"d"`
}

func encodeData(r int64, action string, body any) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	d, err := json.Marshal(dataMessage{R: r, A: action, B: b})
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{T: typeData, D: d})
}

func statsRequest(r int64) ([]byte, error) {
	return encodeData(r, actionStats, map[string]any{"c": map[string]int{sdkStats: 1}})
}

func authRequest(r int64, token string) ([]byte, error) {
	return encodeData(r, actionAuth, map[string]string{"cred": token})
}

func listenRequest(r int64, path string) ([]byte, error) {
	return encodeData(r, actionListen, map[string]string{"p": path, "h": ""})
}

// frameAssembler joins count-prefixed fragmented messages.
type frameAssembler struct {
	remaining int
	buf       strings.Builder
}

var errBadFrameCount = errors.New("invalid frame count")

// Add consumes one websocket text frame and returns a complete message when available.
func (a *frameAssembler) Add(frame string) (string, bool, error) {
	if a.remaining > 0 {
		a.buf.WriteString(frame)
		a.remaining--
		if a.remaining > 0 {
			return "", false, nil
		}
		msg := a.buf.String()
		a.buf.Reset()
		return msg, true, nil
	}

	// a short all-digit frame announces how many frames follow
	if len(frame) > 0 && len(frame) <= 6 && isDigits(frame) {
		n, err := strconv.Atoi(frame)
		if err != nil || n > maxFrameCount {
			return "", false, errBadFrameCount
		}
		if n <= 1 {
			return "", false, nil
		}
		a.remaining = n
		return "", false, nil
	}
	return frame, true, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// route is a parsed realtime path.
type route struct {
	kind string // "device" or "zone"
	id   string
	rest []string
}

// parsePath splits /devices/<serial>[/...] and /zones/<zone>[/...].
func parsePath(p string) (route, error) {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) < 2 || parts[1] == "" {
		return route{}, fmt.Errorf("unroutable path %q", p)
	}
	switch parts[0] {
	case "devices":
		return route{kind: "device", id: parts[1], rest: parts[2:]}, nil
	case "zones":
		return route{kind: "zone", id: parts[1], rest: parts[2:]}, nil
	}
	return route{}, fmt.Errorf("unroutable path %q", p)
}

func devicePath(serial string) string { return "/devices/" + serial }
func zonePath(zoneID string) string   { return "/zones/" + zoneID + "/data" }

// fieldsAt flattens a push payload into a vendor field map given the path
// remainder below the device or zone node.
func fieldsAt(rest []string, data json.RawMessage) (map[string]any, bool) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil || v == nil {
		return nil, false
	}
	if len(rest) > 0 && rest[0] == "data" {
		rest = rest[1:]
	}
	switch len(rest) {
	case 0:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		// full device nodes wrap state in "data"
		if inner, ok := m["data"].(map[string]any); ok {
			out := make(map[string]any, len(m)+len(inner))
			for k, val := range m {
				if k != "data" {
					out[k] = val
				}
			}
			for k, val := range inner {
				out[k] = val
			}
			return out, true
		}
		return m, true
	case 1:
		return map[string]any{rest[0]: v}, true
	}
	return nil, false
}
