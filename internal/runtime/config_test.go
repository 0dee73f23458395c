package runtime

import (
	"encoding/base64"
	"os"
	"strings"
	"testing"

	"github.com/goccy/go-yaml"

	"clashprobe/internal/codec"
	"clashprobe/internal/shared/types"
)

const testUUID = "b831381d-6324-4d53-ad4f-8cda48b30811"

func mustParse(t *testing.T, link string) *codec.ProxyRecord {
	t.Helper()
	rec, err := codec.Parse(link)
	if err != nil {
		t.Fatalf("Parse(%q) failed: %v", link, err)
	}
	return rec
}

func TestBuildRuntimeConfigShape(t *testing.T) {
	rec := mustParse(t, "trojan://pw@tr.example.com:443#node-1")
	cfg, err := buildRuntimeConfig(rec, 21500, 21501)
	if err != nil {
		t.Fatalf("buildRuntimeConfig failed: %v", err)
	}

	if cfg["mixed-port"] != 21500 {
		t.Errorf("mixed-port = %v", cfg["mixed-port"])
	}
	if cfg["mode"] != "global" || cfg["log-level"] != "silent" || cfg["allow-lan"] != false {
		t.Errorf("base fields = %v %v %v", cfg["mode"], cfg["log-level"], cfg["allow-lan"])
	}
	if cfg["external-controller"] != "127.0.0.1:21501" {
		t.Errorf("external-controller = %v", cfg["external-controller"])
	}

	groups := cfg["proxy-groups"].([]obj)
	if len(groups) != 1 || groups[0]["name"] != "PROXY" || groups[0]["type"] != "select" {
		t.Fatalf("proxy-groups = %+v", groups)
	}
	if members := groups[0]["proxies"].([]string); len(members) != 1 || members[0] != "node-1" {
		t.Errorf("group members = %v", members)
	}

	rules := cfg["rules"].([]string)
	if len(rules) != 1 || rules[0] != "MATCH,PROXY" {
		t.Errorf("rules = %v", rules)
	}
}

func TestProxyEntryVMessWebsocketTLS(t *testing.T) {
	payload := `{"ps":"vm","add":"vm.example.com","port":"443","id":"` + testUUID + `","scy":"auto","net":"ws","host":"cdn.example.com","path":"/ws","tls":"tls","sni":"vm.example.com"}`
	rec := mustParse(t, "vmess://"+base64.StdEncoding.EncodeToString([]byte(payload)))

	entry, err := proxyEntry(rec)
	if err != nil {
		t.Fatalf("proxyEntry failed: %v", err)
	}
	if entry["type"] != "vmess" || entry["uuid"] != testUUID || entry["cipher"] != "auto" {
		t.Errorf("entry = %+v", entry)
	}
	if entry["tls"] != true || entry["servername"] != "vm.example.com" {
		t.Errorf("tls fields = %v %v", entry["tls"], entry["servername"])
	}
	if entry["network"] != "ws" {
		t.Fatalf("network = %v", entry["network"])
	}
	wsOpts := entry["ws-opts"].(obj)
	if wsOpts["path"] != "/ws" {
		t.Errorf("ws path = %v", wsOpts["path"])
	}
	if headers := wsOpts["headers"].(obj); headers["Host"] != "cdn.example.com" {
		t.Errorf("ws host header = %v", headers["Host"])
	}
}

func TestProxyEntryVLESSReality(t *testing.T) {
	rec := mustParse(t, "vless://"+testUUID+"@vl.example.com:443?type=grpc&serviceName=svc&security=reality&pbk=pk&sid=ab12&fp=chrome&flow=xtls-rprx-vision#vl")

	entry, err := proxyEntry(rec)
	if err != nil {
		t.Fatalf("proxyEntry failed: %v", err)
	}
	if entry["type"] != "vless" || entry["flow"] != "xtls-rprx-vision" {
		t.Errorf("entry = %+v", entry)
	}
	reality := entry["reality-opts"].(obj)
	if reality["public-key"] != "pk" || reality["short-id"] != "ab12" {
		t.Errorf("reality-opts = %+v", reality)
	}
	if entry["client-fingerprint"] != "chrome" {
		t.Errorf("client-fingerprint = %v", entry["client-fingerprint"])
	}
	if entry["grpc-opts"].(obj)["grpc-service-name"] != "svc" {
		t.Errorf("grpc-opts = %+v", entry["grpc-opts"])
	}
}

func TestProxyEntryShadowsocksAndSSR(t *testing.T) {
	b64 := func(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }

	ss := mustParse(t, "ss://"+b64("aes-256-gcm:pw")+"@ss.example.com:8388#s")
	entry, err := proxyEntry(ss)
	if err != nil {
		t.Fatalf("proxyEntry(ss) failed: %v", err)
	}
	if entry["type"] != "ss" || entry["cipher"] != "aes-256-gcm" || entry["password"] != "pw" {
		t.Errorf("ss entry = %+v", entry)
	}

	ssr := mustParse(t, "ssr://"+b64("sr.example.com:8388:auth_aes128_md5:aes-256-cfb:http_simple:"+b64("pw")+"/?remarks="+b64("r")+"&protoparam="+b64("32")))
	entry, err = proxyEntry(ssr)
	if err != nil {
		t.Fatalf("proxyEntry(ssr) failed: %v", err)
	}
	if entry["type"] != "ssr" || entry["protocol"] != "auth_aes128_md5" || entry["obfs"] != "http_simple" {
		t.Errorf("ssr entry = %+v", entry)
	}
	if entry["protocol-param"] != "32" {
		t.Errorf("protocol-param = %v", entry["protocol-param"])
	}
	if _, present := entry["obfs-param"]; present {
		t.Error("empty obfs-param should be omitted")
	}
}

func TestProxyEntryNameCollisionWithGroup(t *testing.T) {
	rec := mustParse(t, "trojan://pw@tr.example.com:443#PROXY")
	entry, err := proxyEntry(rec)
	if err != nil {
		t.Fatalf("proxyEntry failed: %v", err)
	}
	if entry["name"] == groupName {
		t.Error("proxy entry name shadows the group name")
	}
}

func TestWriteConfigFile(t *testing.T) {
	dir := t.TempDir()
	rec := mustParse(t, "trojan://pw@tr.example.com:443#n")

	path, err := writeConfigFile(types.RuntimeConf{WorkDir: dir}, rec, 21600, 21601)
	if err != nil {
		t.Fatalf("writeConfigFile failed: %v", err)
	}
	if !strings.HasPrefix(path, dir) {
		t.Errorf("config written outside work dir: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	var parsed struct {
		MixedPort          int      `yaml:"mixed-port"`
		ExternalController string   `yaml:"external-controller"`
		Rules              []string `yaml:"rules"`
		Proxies            []struct {
			Name string `yaml:"name"`
			Type string `yaml:"type"`
			Port int    `yaml:"port"`
		} `yaml:"proxies"`
	}
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("generated config is not valid yaml: %v", err)
	}
	if parsed.MixedPort != 21600 || parsed.ExternalController != "127.0.0.1:21601" {
		t.Errorf("parsed = %+v", parsed)
	}
	if len(parsed.Proxies) != 1 || parsed.Proxies[0].Type != "trojan" || parsed.Proxies[0].Port != 443 {
		t.Errorf("proxies = %+v", parsed.Proxies)
	}
}
