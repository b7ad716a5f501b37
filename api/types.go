// Package api holds the JSON wire types exchanged with keyd clients.
package api

// Response messages. Clients match on these strings, so they are part of the
// wire contract.
const (
	MsgOriginThrottled  = "You have already claimed a key. Try again later."
	MsgInternalError    = "Internal server error"
	MsgClaimMissing     = "Key and Client ID are required."
	MsgKeyNotFound      = "Key not found."
	MsgAlreadyClaimed   = "This key has already been claimed."
	MsgClaimSuccess     = "Key claimed successfully."
	MsgClaimErrorPrefix = "Error claiming key. Details: "
	MsgVerifyMissing    = "No key or clientId provided"
	MsgVerifyInvalid    = "Invalid key or expired."
	MsgInvalidBody      = "Request body must be a single JSON object."
	MsgBodyTooLarge     = "Request body too large."
)

// GenerateKeyResponse is returned by POST /generate-key. Exactly one of Key
// or Error is set.
type GenerateKeyResponse struct {
	// Key is the newly issued token.
	Key string `json:"key,omitempty"`
	// Error explains why no key was issued.
	Error string `json:"error,omitempty"`
}

// ClaimKeyRequest is the JSON body of POST /claim-key.
type ClaimKeyRequest struct {
	// Key is the token previously returned by /generate-key.
	Key string `json:"key"`
	// ClientID identifies the device the key is bound to.
	ClientID string `json:"clientId"`
}

// ClaimKeyResponse is returned by POST /claim-key.
type ClaimKeyResponse struct {
	// Message is set on success.
	Message string `json:"message,omitempty"`
	// Error is set on failure.
	Error string `json:"error,omitempty"`
}

// VerifyKeyResponse is returned by GET /verify-key.
type VerifyKeyResponse struct {
	// Valid is true only for the first successful verification of a key.
	Valid bool `json:"valid"`
	// Error carries the reason when Valid is false.
	Error string `json:"error,omitempty"`
}

// ErrorResponse is the generic error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is returned by /healthz and /readyz.
type HealthResponse struct {
	Status string `json:"status"`
}
