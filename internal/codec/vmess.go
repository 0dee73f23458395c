package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// vmessPayload mirrors the JSON object carried inside a vmess:// link.
// Numeric fields arrive as either strings or numbers depending on the
// generator, hence json.Number.
type vmessPayload struct {
	V    json.Number `json:"v,omitempty"`
	PS   string      `json:"ps,omitempty"`
	Add  string      `json:"add"`
	Port json.Number `json:"port"`
	ID   string      `json:"id"`
	Aid  json.Number `json:"aid,omitempty"`
	Scy  string      `json:"scy,omitempty"`
	Net  string      `json:"net,omitempty"`
	Type string      `json:"type,omitempty"`
	Host string      `json:"host,omitempty"`
	Path string      `json:"path,omitempty"`
	TLS  string      `json:"tls,omitempty"`
	SNI  string      `json:"sni,omitempty"`
	Fp   string      `json:"fp,omitempty"`
}

func parseVMess(raw string) (*ProxyRecord, error) {
	body := strings.TrimPrefix(raw, "vmess://")
	decoded, err := decodeBase64(body)
	if err != nil {
		return nil, parseErr("vmess", raw, "invalid base64 payload: %v", err)
	}
	var p vmessPayload
	if err := json.Unmarshal(decoded, &p); err != nil {
		return nil, parseErr("vmess", raw, "invalid json payload: %v", err)
	}

	if !validServer(p.Add) {
		return nil, parseErr("vmess", raw, "missing or invalid server %q", p.Add)
	}
	port, err := strconv.Atoi(p.Port.String())
	if err != nil || !validPort(port) {
		return nil, parseErr("vmess", raw, "invalid port %q", p.Port.String())
	}
	if !validUUID(p.ID) {
		return nil, parseErr("vmess", raw, "invalid uuid %q", p.ID)
	}

	cipher := p.Scy
	if cipher == "" {
		cipher = "auto"
	}
	if !vmessCiphers[cipher] {
		return nil, parseErr("vmess", raw, "unsupported cipher %q", cipher)
	}

	alterID := 0
	if p.Aid.String() != "" {
		alterID, err = strconv.Atoi(p.Aid.String())
		if err != nil || alterID < 0 {
			return nil, parseErr("vmess", raw, "invalid alterId %q", p.Aid.String())
		}
	}

	transport, err := transportFromWire(p.Net)
	if err != nil {
		return nil, parseErr("vmess", raw, "%v", err)
	}

	stream := StreamOptions{
		Transport:   transport,
		Path:        p.Path,
		Host:        p.Host,
		TLS:         tlsModeFromWire(p.TLS),
		ServerName:  p.SNI,
		Fingerprint: p.Fp,
	}
	if transport == TransportGRPC && p.Path != "" {
		// Some generators abuse "path" for the gRPC service name.
		stream.ServiceName = p.Path
		stream.Path = ""
	}

	name := percentDecode(p.PS)
	if name == "" {
		name = defaultName(p.Add, port)
	}

	return &ProxyRecord{
		Kind:   KindVMess,
		Name:   name,
		Server: p.Add,
		Port:   port,
		VMess: &VMessConfig{
			UUID:    p.ID,
			AlterID: alterID,
			Cipher:  cipher,
			Stream:  stream,
		},
	}, nil
}

func serializeVMess(r *ProxyRecord) string {
	c := r.VMess
	p := vmessPayload{
		V:    json.Number("2"),
		PS:   r.Name,
		Add:  r.Server,
		Port: json.Number(strconv.Itoa(r.Port)),
		ID:   c.UUID,
		Aid:  json.Number(strconv.Itoa(c.AlterID)),
		Scy:  c.Cipher,
		Net:  string(c.Stream.Transport),
		Host: c.Stream.Host,
		Path: c.Stream.Path,
		SNI:  c.Stream.ServerName,
		Fp:   c.Stream.Fingerprint,
	}
	if c.Stream.TLS != TLSNone {
		p.TLS = string(c.Stream.TLS)
	}
	if c.Stream.Transport == TransportGRPC {
		p.Path = c.Stream.ServiceName
	}
	blob, _ := json.Marshal(p)
	return "vmess://" + base64.StdEncoding.EncodeToString(blob)
}

func transportFromWire(net string) (Transport, error) {
	switch net {
	case "", "tcp":
		return TransportTCP, nil
	case "ws", "websocket":
		return TransportWebsocket, nil
	case "grpc", "gun":
		return TransportGRPC, nil
	case "h2", "http":
		return TransportHTTP2, nil
	default:
		return "", fmt.Errorf("unsupported transport %q", net)
	}
}

func tlsModeFromWire(s string) TLSMode {
	switch strings.ToLower(s) {
	case "tls":
		return TLSStd
	case "reality":
		return TLSReality
	default:
		return TLSNone
	}
}
