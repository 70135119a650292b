package dht

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"sort"

	"github.com/pkg/errors"
)

// The wire protocol is one UTF-8 JSON object per TCP connection. The
// writer sends the object (with a trailing newline) and half-closes its
// send side; the reader consumes to end-of-stream before parsing. There
// is no length prefix and no multiplexing.

const (
	msgPing      = "PING"
	msgPong      = "PONG"
	msgFindNode  = "FINDNODE"
	msgFindValue = "FINDVALUE"
	msgStore     = "STORE"
	msgNodeList  = "NODELIST"
	msgValue     = "VALUE"
)

// Frames larger than this are rejected outright; no legitimate message
// comes close.
const maxFrameSize = 64 << 10

// wireFields lists the exact field set of each message type. Decoding
// rejects extras and omissions alike.
var wireFields = map[string][]string{
	msgPing:      {"type", "source-address", "source-port"},
	msgPong:      {"type", "source-address", "source-port"},
	msgFindNode:  {"type", "source-address", "source-port", "target-uid"},
	msgFindValue: {"type", "source-address", "source-port", "target-uid"},
	msgStore:     {"type", "source-address", "source-port", "key", "value"},
	msgValue:     {"type", "source-address", "source-port", "key", "value"},
	msgNodeList:  {"type", "source-address", "source-port", "hosts"},
}

var hostFields = []string{"addr", "port", "uid"}

// message is the tagged variant over the seven wire shapes. Only the
// fields belonging to kind are meaningful; the envelope identifies the
// message's originator, not necessarily a key's owner.
type message struct {
	kind          string
	sourceAddress string
	sourcePort    int

	targetUID UID    // FINDNODE, FINDVALUE
	key       string // STORE, VALUE
	value     string // STORE, VALUE
	hosts     []Host // NODELIST
}

// encode serializes m with the exact field set of its type.
func (m *message) encode() ([]byte, error) {
	type envelope struct {
		Type          string `json:"type"`
		SourceAddress string `json:"source-address"`
		SourcePort    int    `json:"source-port"`
	}
	env := envelope{m.kind, m.sourceAddress, m.sourcePort}

	switch m.kind {
	case msgPing, msgPong:
		return json.Marshal(env)
	case msgFindNode, msgFindValue:
		return json.Marshal(struct {
			envelope
			TargetUID string `json:"target-uid"`
		}{env, string(m.targetUID)})
	case msgStore, msgValue:
		return json.Marshal(struct {
			envelope
			Key   string `json:"key"`
			Value string `json:"value"`
		}{env, m.key, m.value})
	case msgNodeList:
		hosts := m.hosts
		if hosts == nil {
			hosts = []Host{}
		}
		return json.Marshal(struct {
			envelope
			Hosts []Host `json:"hosts"`
		}{env, hosts})
	}
	return nil, errors.Errorf("wire: unknown message type %q", m.kind)
}

// decodeMessage parses and validates one frame. The accepted type set is
// uniform: PING, PONG, FINDNODE, FINDVALUE, STORE, NODELIST, VALUE;
// anything else is a structural error, as are missing, extra or malformed
// fields.
func decodeMessage(raw []byte) (*message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, errors.Wrap(err, "wire: invalid JSON object")
	}
	rawType, ok := fields["type"]
	if !ok {
		return nil, errors.New("wire: missing type field")
	}
	var kind string
	if err := json.Unmarshal(rawType, &kind); err != nil {
		return nil, errors.Wrap(err, "wire: type is not a string")
	}
	allowed, ok := wireFields[kind]
	if !ok {
		return nil, errors.Errorf("wire: unknown message type %q", kind)
	}
	if err := checkFields(fields, allowed); err != nil {
		return nil, errors.Wrapf(err, "wire: %s", kind)
	}

	m := &message{kind: kind}
	if err := json.Unmarshal(fields["source-address"], &m.sourceAddress); err != nil {
		return nil, errors.Wrap(err, "wire: source-address")
	}
	if m.sourceAddress == "" {
		return nil, errors.New("wire: empty source-address")
	}
	if err := json.Unmarshal(fields["source-port"], &m.sourcePort); err != nil {
		return nil, errors.Wrap(err, "wire: source-port")
	}
	if m.sourcePort < 0 {
		return nil, errors.Errorf("wire: negative source-port %d", m.sourcePort)
	}

	switch kind {
	case msgFindNode, msgFindValue:
		var target string
		if err := json.Unmarshal(fields["target-uid"], &target); err != nil {
			return nil, errors.Wrap(err, "wire: target-uid")
		}
		if target == "" {
			return nil, errors.New("wire: empty target-uid")
		}
		m.targetUID = coerceUID(target)
	case msgStore, msgValue:
		if err := json.Unmarshal(fields["key"], &m.key); err != nil {
			return nil, errors.Wrap(err, "wire: key")
		}
		if err := json.Unmarshal(fields["value"], &m.value); err != nil {
			return nil, errors.Wrap(err, "wire: value")
		}
		if m.key == "" || m.value == "" {
			return nil, errors.New("wire: empty key or value")
		}
	case msgNodeList:
		var rawHosts []json.RawMessage
		if err := json.Unmarshal(fields["hosts"], &rawHosts); err != nil {
			return nil, errors.Wrap(err, "wire: hosts is not an array")
		}
		m.hosts = make([]Host, 0, len(rawHosts))
		for i, rh := range rawHosts {
			var hf map[string]json.RawMessage
			if err := json.Unmarshal(rh, &hf); err != nil {
				return nil, errors.Wrapf(err, "wire: host %d", i)
			}
			if err := checkFields(hf, hostFields); err != nil {
				return nil, errors.Wrapf(err, "wire: host %d", i)
			}
			var h Host
			if err := json.Unmarshal(rh, &h); err != nil {
				return nil, errors.Wrapf(err, "wire: host %d", i)
			}
			valid, err := NewHost(h.Address, h.Port, string(h.UID))
			if err != nil {
				return nil, errors.Wrapf(err, "wire: host %d", i)
			}
			m.hosts = append(m.hosts, valid)
		}
	}
	return m, nil
}

// checkFields verifies that obj contains every allowed key and nothing
// else.
func checkFields(obj map[string]json.RawMessage, allowed []string) error {
	for _, k := range allowed {
		if _, ok := obj[k]; !ok {
			return errors.Errorf("missing field %q", k)
		}
	}
	if len(obj) != len(allowed) {
		extras := make([]string, 0, len(obj))
		for k := range obj {
			found := false
			for _, a := range allowed {
				if k == a {
					found = true
					break
				}
			}
			if !found {
				extras = append(extras, k)
			}
		}
		sort.Strings(extras)
		return errors.Errorf("superfluous fields %v", extras)
	}
	return nil
}

// frameArena recycles inbound read buffers.
var frameArena = newArena(maxFrameSize, 16)

// writeMessage sends one frame and half-closes the send side, signalling
// end-of-message to the reader.
func writeMessage(conn net.Conn, m *message) error {
	b, err := m.encode()
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := conn.Write(b); err != nil {
		return errors.Wrap(err, "wire: write")
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.CloseWrite(); err != nil {
			return errors.Wrap(err, "wire: close write")
		}
	}
	return nil
}

// readFrame consumes the connection to end-of-stream into buf and returns
// the whitespace-trimmed payload, which aliases buf.
func readFrame(conn net.Conn, buf []byte) ([]byte, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "wire: read")
		}
	}
	if total == len(buf) {
		var one [1]byte
		if n, err := conn.Read(one[:]); n > 0 || err != io.EOF {
			return nil, errors.Errorf("wire: frame exceeds %d bytes", maxFrameSize)
		}
	}
	return bytes.TrimSpace(buf[:total]), nil
}

var errEmptyFrame = errors.New("wire: empty frame")

// readMessage reads and decodes a peer's single reply on an outbound
// connection.
func readMessage(conn net.Conn) (*message, error) {
	buf := frameArena.Pop()
	defer frameArena.Push(buf)
	payload, err := readFrame(conn, buf)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, errEmptyFrame
	}
	return decodeMessage(payload)
}
