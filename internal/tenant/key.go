// Package tenant implements the TenantKey type and its obfuscated wire
// encoding: the scheme used to smuggle a routing key through the username
// field of a MySQL HandshakeResponse.
package tenant

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// headerLen is the width of the hex-encoded per-field length header: four
// 1-byte field lengths (region, AZ, namespace, cluster), two hex chars each.
const headerLen = 8

// Key identifies the backend cluster a connection should be routed to.
// TenantBackends is keyed on the full four-tuple, not namespace+cluster
// alone, so two same-named clusters in different regions or availability
// zones are never silently conflated.
type Key struct {
	Region    string
	AZ        string
	Namespace string
	Cluster   string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.Region, k.AZ, k.Namespace, k.Cluster)
}

// Encode obfuscates each field of k independently, then prefixes the
// concatenated result with an 8-hex-char header giving each field's
// obfuscated byte length. This is the string a client embeds ahead of the
// bare database user in its HandshakeResponse username, separated by '.'.
func Encode(k Key) string {
	region := obfuscate([]byte(k.Region))
	az := obfuscate([]byte(k.AZ))
	namespace := obfuscate([]byte(k.Namespace))
	cluster := obfuscate([]byte(k.Cluster))

	lens := []byte{byte(len(region)), byte(len(az)), byte(len(namespace)), byte(len(cluster))}

	var b strings.Builder
	b.WriteString(hex.EncodeToString(lens))
	b.Write(region)
	b.Write(az)
	b.Write(namespace)
	b.Write(cluster)
	return b.String()
}

// Decode reverses Encode: it reads the length header, slices out each
// field by its declared length, and deobfuscates each independently. A
// malformed header or an overrunning field length means s wasn't actually a
// tenant key — e.g. a client username that happens to contain a '.' with no
// key intended.
func Decode(s string) (Key, error) {
	if len(s) < headerLen {
		return Key{}, fmt.Errorf("tenant key shorter than its length header")
	}
	lens, err := hex.DecodeString(s[:headerLen])
	if err != nil {
		return Key{}, fmt.Errorf("tenant key length header is not valid hex: %w", err)
	}
	if len(lens) != 4 {
		return Key{}, fmt.Errorf("tenant key length header has %d fields, want 4", len(lens))
	}

	fields := make([]string, len(lens))
	pos := headerLen
	for i, n := range lens {
		end := pos + int(n)
		if end > len(s) {
			return Key{}, fmt.Errorf("tenant key field %d overruns key", i)
		}
		fields[i] = string(deobfuscate([]byte(s[pos:end])))
		pos = end
	}
	if pos != len(s) {
		return Key{}, fmt.Errorf("tenant key has trailing data past its declared fields")
	}

	return Key{Region: fields[0], AZ: fields[1], Namespace: fields[2], Cluster: fields[3]}, nil
}
