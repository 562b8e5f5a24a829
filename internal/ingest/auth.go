package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// BearerTokenAuthenticator is a minimal Authenticator: the credential is
// "<application_id>:<secret_id>", both caller-supplied UUIDs. Real bearer
// token issuance/verification is an external collaborator per spec.md §1;
// this stands in for it so cmd/hook0-ingest has something concrete to run
// against until that collaborator exists.
type BearerTokenAuthenticator struct{}

func (BearerTokenAuthenticator) Authenticate(ctx context.Context, credential string) (uuid.UUID, uuid.UUID, error) {
	parts := strings.SplitN(credential, ":", 2)
	if len(parts) != 2 {
		return uuid.Nil, uuid.Nil, fmt.Errorf("malformed credential")
	}
	appID, err := uuid.Parse(parts[0])
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("malformed application id: %w", err)
	}
	secretID, err := uuid.Parse(parts[1])
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("malformed secret id: %w", err)
	}
	return appID, secretID, nil
}
