package adapter

import (
	"net/http"

	"llm-jobqueue/internal/domain/model"
)

// IdentityProvider resolves the caller of a request. It returns
// domain.ErrAuthentication when no valid principal is present.
type IdentityProvider interface {
	Authenticate(r *http.Request) (*model.Principal, error)
}
