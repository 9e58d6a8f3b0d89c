// Package modules holds the wire types shared between the server
// packages and both clients (mobile API and browser UI).
package modules

// Version is reported by /status and the CLI.
const Version = `1.0.0`

// Error is the body of every non-2xx JSON response. Code is a stable
// machine-readable identifier the mobile client switches on; Detail is
// human text for the UI toast.
type Error struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

func (e *Error) Error() string {
	if len(e.Detail) == 0 {
		return e.Code
	}
	return e.Code + `: ` + e.Detail
}

// NewError builds a coded error suitable both as a Go error and as a
// response body.
func NewError(code, detail string) *Error {
	return &Error{Code: code, Detail: detail}
}

// Stable error codes, grouped by taxonomy.
const (
	// Authorization.
	CodeMissingCredential = `missing_credential`
	CodeInvalidCredential = `invalid_credential`
	CodeRevokedCredential = `revoked_credential`
	CodeServiceDisabled   = `service_disabled`
	CodeRateLimited       = `rate_limited`

	// Validation.
	CodePathForbidden   = `path_forbidden`
	CodePathInvalid     = `path_invalid`
	CodeSizeMismatch    = `size_mismatch`
	CodeChunkOutOfRange = `chunk_out_of_range`
	CodeConflictExists  = `conflict_exists`

	// Transfer.
	CodeTransferPaused    = `transfer_paused`
	CodeTransferStale     = `transfer_stale`
	CodeTransferCancelled = `transfer_cancelled`
	CodeDiskFull          = `disk_full`
	CodeIOError           = `io_error`

	// Pairing.
	CodePairingDenied      = `pairing_denied`
	CodePairingTimeout     = `pairing_timeout`
	CodePairingInvalidName = `pairing_invalid_name`

	// Misc.
	CodeNotFound              = `not_found`
	CodeInvalidParameter      = `invalid_parameter`
	CodeInternalError         = `internal_error`
	CodeCapabilityUnavailable = `capability_unavailable`
)

// Device is a paired client holding a long-lived credential.
type Device struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Platform   string `json:"platform"`
	IP         string `json:"ip"`
	DeviceKey  string `json:"device_key"`
	ApprovedAt int64  `json:"approved_at"`
	LastSeen   int64  `json:"last_seen"`
}

// EventEnvelope is the unit of WebSocket fan-out. Envelopes are ordered
// per subscriber and never persisted.
type EventEnvelope struct {
	Type       string `json:"type"`
	Payload    any    `json:"payload"`
	ServerTime int64  `json:"server_time"`
}

// Envelope discriminators.
const (
	EventPairingRequest     = `pairing_request`
	EventNotification       = `notification`
	EventServerStatus       = `server_status`
	EventDeviceConnected    = `device_connected`
	EventDeviceDisconnected = `device_disconnected`
	EventTransferUpdate     = `transfer_update`
	EventLog                = `log`
)

// Beacon is the UDP discovery datagram. Listening clients identify
// beacons by Magic.
type Beacon struct {
	Magic       string `json:"magic"`
	Hostname    string `json:"hostname"`
	Port        int    `json:"port"`
	HTTPS       bool   `json:"https"`
	Fingerprint string `json:"fingerprint"`
	ServerID    string `json:"server_id"`
}

const BeaconMagic = `PCLINK_DISCOVERY_BEACON_V1`

// QRPayload bootstraps pairing from the operator UI.
type QRPayload struct {
	IP              string `json:"ip"`
	Port            int    `json:"port"`
	Protocol        string `json:"protocol"`
	APIKey          string `json:"apiKey"`
	CertFingerprint string `json:"certFingerprint"`
}
