package wire

import "crypto/sha1" //nolint:gosec // mysql_native_password is defined in terms of SHA-1

// NativePasswordHash computes the mysql_native_password response:
// SHA1(password) XOR SHA1(authData + SHA1(SHA1(password))). Returns an
// empty slice for an empty password, matching the anonymous-user case.
func NativePasswordHash(password, authData []byte) []byte {
	if len(password) == 0 {
		return []byte{}
	}
	h1 := sha1.Sum(password) //nolint:gosec
	h2 := sha1.Sum(h1[:])    //nolint:gosec
	h := sha1.New()          //nolint:gosec
	h.Write(authData)
	h.Write(h2[:])
	h3 := h.Sum(nil)

	out := make([]byte, 20)
	for i := range out {
		out[i] = h1[i] ^ h3[i]
	}
	return out
}
