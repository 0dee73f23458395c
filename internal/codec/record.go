package codec

import (
	"encoding/hex"
	"net"
	"regexp"
	"strconv"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// Kind identifies the proxy protocol family of a record.
type Kind string

const (
	KindVMess        Kind = "vmess"
	KindVLESS        Kind = "vless"
	KindShadowsocks  Kind = "ss"
	KindShadowsocksR Kind = "ssr"
	KindTrojan       Kind = "trojan"
)

// Transport is the stream transport a record asks the runtime to use.
type Transport string

const (
	TransportTCP       Transport = "tcp"
	TransportWebsocket Transport = "ws"
	TransportGRPC      Transport = "grpc"
	TransportHTTP2     Transport = "h2"
)

// TLSMode is the transport security layer of a record.
type TLSMode string

const (
	TLSNone    TLSMode = "none"
	TLSStd     TLSMode = "tls"
	TLSReality TLSMode = "reality"
)

// StreamOptions carries the transport and TLS parameters shared by the
// URL-style link formats (vmess, vless, trojan).
type StreamOptions struct {
	Transport   Transport `json:"network"`
	Path        string    `json:"path,omitempty"`
	Host        string    `json:"host,omitempty"`
	ServiceName string    `json:"serviceName,omitempty"`

	TLS           TLSMode `json:"security"`
	ServerName    string  `json:"sni,omitempty"`
	Fingerprint   string  `json:"fp,omitempty"`
	PublicKey     string  `json:"publicKey,omitempty"` // REALITY
	ShortID       string  `json:"shortId,omitempty"`   // REALITY
	SpiderX       string  `json:"spiderX,omitempty"`   // REALITY
	AllowInsecure bool    `json:"allowInsecure,omitempty"`
}

// VMessConfig is the vmess credential payload.
type VMessConfig struct {
	UUID    string        `json:"uuid"`
	AlterID int           `json:"alterId"`
	Cipher  string        `json:"cipher"`
	Stream  StreamOptions `json:"stream"`
}

// VLESSConfig is the vless credential payload.
type VLESSConfig struct {
	UUID   string        `json:"uuid"`
	Flow   string        `json:"flow,omitempty"`
	Stream StreamOptions `json:"stream"`
}

// ShadowsocksConfig is the ss credential payload.
type ShadowsocksConfig struct {
	Cipher   string `json:"cipher"`
	Password string `json:"password"`
	Plugin   string `json:"plugin,omitempty"`
}

// ShadowsocksRConfig is the ssr credential payload.
type ShadowsocksRConfig struct {
	Cipher        string `json:"cipher"`
	Password      string `json:"password"`
	Protocol      string `json:"protocol"`
	ProtocolParam string `json:"protocolParam,omitempty"`
	Obfs          string `json:"obfs"`
	ObfsParam     string `json:"obfsParam,omitempty"`
}

// TrojanConfig is the trojan credential payload.
type TrojanConfig struct {
	Password string        `json:"password"`
	Stream   StreamOptions `json:"stream"`
}

// ProxyRecord is the canonical, validated form of one share link.
// Exactly one of the per-kind payload pointers is set, selected by Kind.
// Records are immutable once returned by Parse.
type ProxyRecord struct {
	Kind   Kind   `json:"kind"`
	Name   string `json:"name"`
	Server string `json:"server"`
	Port   int    `json:"port"`

	VMess        *VMessConfig        `json:"vmess,omitempty"`
	VLESS        *VLESSConfig        `json:"vless,omitempty"`
	Shadowsocks  *ShadowsocksConfig  `json:"ss,omitempty"`
	ShadowsocksR *ShadowsocksRConfig `json:"ssr,omitempty"`
	Trojan       *TrojanConfig       `json:"trojan,omitempty"`
}

// Endpoint returns the server:port form, bracketing IPv6 literals.
func (r *ProxyRecord) Endpoint() string {
	return net.JoinHostPort(r.Server, strconv.Itoa(r.Port))
}

// Fingerprint returns the deduplication key for a record: a short stable
// digest over (kind, server, port). Two records with equal fingerprints are
// the same underlying endpoint regardless of display name. Not a security
// hash.
func Fingerprint(r *ProxyRecord) string {
	sum := blake2b.Sum256([]byte(string(r.Kind) + "|" + r.Server + "|" + strconv.Itoa(r.Port)))
	return hex.EncodeToString(sum[:8])
}

var vmessCiphers = map[string]bool{
	"auto":              true,
	"none":              true,
	"zero":              true,
	"aes-128-gcm":       true,
	"chacha20-poly1305": true,
}

var ssCiphers = map[string]bool{
	"aes-128-gcm":                   true,
	"aes-192-gcm":                   true,
	"aes-256-gcm":                   true,
	"chacha20-ietf-poly1305":        true,
	"xchacha20-ietf-poly1305":       true,
	"2022-blake3-aes-128-gcm":       true,
	"2022-blake3-aes-256-gcm":       true,
	"2022-blake3-chacha20-poly1305": true,
	"aes-128-cfb":                   true,
	"aes-192-cfb":                   true,
	"aes-256-cfb":                   true,
	"aes-128-ctr":                   true,
	"aes-192-ctr":                   true,
	"aes-256-ctr":                   true,
	"rc4-md5":                       true,
	"chacha20":                      true,
	"chacha20-ietf":                 true,
}

var ssrCiphers = map[string]bool{
	"aes-128-cfb":   true,
	"aes-192-cfb":   true,
	"aes-256-cfb":   true,
	"aes-128-ctr":   true,
	"aes-192-ctr":   true,
	"aes-256-ctr":   true,
	"rc4-md5":       true,
	"chacha20":      true,
	"chacha20-ietf": true,
	"salsa20":       true,
	"none":          true,
}

// Hostname labels per RFC 1123: alphanumeric with inner hyphens.
var hostnameRe = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)

func validServer(s string) bool {
	if s == "" || len(s) > 253 {
		return false
	}
	if net.ParseIP(s) != nil {
		return true
	}
	return hostnameRe.MatchString(s)
}

func validPort(p int) bool {
	return p >= 1 && p <= 65535
}

// validUUID accepts only the canonical 8-4-4-4-12 hex form. uuid.Parse alone
// is too permissive (it also takes braced and undashed forms).
func validUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
