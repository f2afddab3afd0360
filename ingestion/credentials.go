package ingestion

import (
	"context"
	"os"
	"strings"

	"github.com/mmdatafocus/datapipe_backend/models"
	"github.com/mmdatafocus/datapipe_backend/utils"
)

type Credentials struct {
	Header string
	Secret string
}

// CredentialResolver returns decrypted connection parameters for a source.
// Secret storage itself lives outside this service.
type CredentialResolver interface {
	Resolve(ctx context.Context, src *models.IngestionSource) (Credentials, error)
}

// EnvCredentialResolver reads "env:NAME" references from the environment and
// treats any other non-empty reference as the literal secret.
type EnvCredentialResolver struct{}

func (EnvCredentialResolver) Resolve(ctx context.Context, src *models.IngestionSource) (Credentials, error) {
	header := strings.TrimSpace(src.AuthHeader)
	if header == "" {
		header = "X-API-Key"
	}
	ref := strings.TrimSpace(src.AuthSecretRef)
	if ref == "" {
		return Credentials{Header: header}, nil
	}
	if name, ok := strings.CutPrefix(ref, "env:"); ok {
		secret := strings.TrimSpace(os.Getenv(name))
		if secret == "" {
			return Credentials{}, utils.ConfigurationMissing("credential %s for source %d", name, src.ID)
		}
		return Credentials{Header: header, Secret: secret}, nil
	}
	return Credentials{Header: header, Secret: ref}, nil
}
