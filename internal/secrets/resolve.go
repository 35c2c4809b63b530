package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	builderrors "github.com/narvanalabs/buildengine/internal/builder/errors"
	"github.com/narvanalabs/buildengine/internal/models"
)

// Resolve returns vars with PARAMETER_STORE and SECRETS_MANAGER values
// replaced by what they refer to. PLAINTEXT values pass through.
//
// A SECRETS_MANAGER value has the form secret-id[:json-key[:version-stage[:version-id]]].
// With a json-key the secret must be a JSON object and the key's value is
// used. Only the current version of a secret is kept, so version fields
// are ignored.
//
// A missing value or key fails with a client error; a value the store
// cannot decrypt is an infrastructure failure.
func (s *Store) Resolve(ctx context.Context, vars []models.EnvironmentVariable) ([]models.EnvironmentVariable, error) {
	out := make([]models.EnvironmentVariable, len(vars))
	for i, v := range vars {
		out[i] = models.EnvironmentVariable{Name: v.Name, Value: v.Value, Type: models.EnvironmentVariablePlaintext}
		var (
			value string
			err   error
		)
		switch v.Type {
		case models.EnvironmentVariableParameterStore:
			value, err = s.parameter(ctx, v.Value)
		case models.EnvironmentVariableSecretsManager:
			value, err = s.secret(ctx, v.Value)
		default:
			continue
		}
		if err != nil {
			return nil, resolveError(v.Name, err)
		}
		out[i].Value = value
	}
	return out, nil
}

func (s *Store) parameter(ctx context.Context, name string) (string, error) {
	b, err := s.Get(ctx, KindParameter, name)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *Store) secret(ctx context.Context, ref string) (string, error) {
	id, key, _ := strings.Cut(ref, ":")
	if i := strings.IndexByte(key, ':'); i >= 0 {
		key = key[:i]
	}
	b, err := s.Get(ctx, KindSecret, id)
	if err != nil {
		return "", err
	}
	if key == "" {
		return string(b), nil
	}

	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		return "", fmt.Errorf("secret %q is not a JSON object: %w", id, err)
	}
	v, ok := doc[key]
	if !ok {
		return "", fmt.Errorf("secret %q key %q: %w", id, key, ErrNotFound)
	}
	if str, ok := v.(string); ok {
		return str, nil
	}
	enc, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(enc), nil
}

func resolveError(name string, err error) error {
	err = fmt.Errorf("resolving environment variable %s: %w", name, err)
	if errors.Is(err, ErrDecryptionFailed) {
		return builderrors.NewInfrastructureError(err, builderrors.CodeProvisioningFailed)
	}
	return builderrors.NewClientError(err, builderrors.CodeClientError)
}
