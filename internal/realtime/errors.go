package realtime

import "errors"

// WebSocket close codes in the private-use range. Clients distinguish
// "fix your credentials and reconnect" from "back off" by code. Admission
// rejections (rate, slots) happen before the upgrade and carry plain HTTP
// statuses instead.
const (
	CloseUnauthorized       = 4001
	CloseSessionInvalidated = 4004
	ClosePayloadTooLarge    = 4009
)

// Error codes carried on outbound `error` events. These reject a single
// message; the connection stays open.
const (
	ErrCodeForbidden     = "forbidden"
	ErrCodeNotSubscribed = "not-subscribed"
	ErrCodeNotFound      = "not-found"
	ErrCodeEncrypted     = "encrypted-document"
	ErrCodeBadPayload    = "bad-payload"
)

var errEncryptedDoc = errors.New("encrypted documents are not merged live")

// errorData is the data of an outbound `error` event.
type errorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Target  string `json:"target,omitempty"`
}
