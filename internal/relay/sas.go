// Package relay implements the outbound-only bridge to the cloud scheduler:
// two independent hybrid-connection websocket channels with shared-access
// signature auth, plus persistent delivery/confirmation bookkeeping.
package relay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"time"
)

// SASToken builds a shared access signature for a relay entity. The signed
// string is the url-encoded entity URI and an expiry separated by a newline,
// HMAC-SHA256 under the shared key.
func SASToken(namespace, entityPath, keyName, key string, validity time.Duration) string {
	uri := fmt.Sprintf("http://%s/%s", namespace, entityPath)
	encoded := url.QueryEscape(uri)
	expiry := fmt.Sprintf("%d", time.Now().Add(validity).Unix())

	mac := hmac.New(sha256.New, []byte(key))
	fmt.Fprintf(mac, "%s\n%s", encoded, expiry)
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%s&skn=%s",
		encoded, url.QueryEscape(sig), expiry, keyName)
}

// ListenURL builds the websocket URL for the listening end of a channel.
func ListenURL(namespace, entityPath, token string) string {
	return fmt.Sprintf("wss://%s/$hc/%s?sb-hc-action=listen&sb-hc-token=%s",
		namespace, entityPath, url.QueryEscape(token))
}

// ConnectURL builds the websocket URL for the sending end of a channel.
func ConnectURL(namespace, entityPath, token string) string {
	return fmt.Sprintf("wss://%s/$hc/%s?sb-hc-action=connect&sb-hc-token=%s",
		namespace, entityPath, url.QueryEscape(token))
}
