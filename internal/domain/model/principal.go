package model

// Principal is the authenticated caller as reported by the identity service.
type Principal struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}
