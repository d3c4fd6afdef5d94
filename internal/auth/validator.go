package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrNoEndpoint is returned by RemoteValidator when no validation endpoint
// is configured. Every protected request is then denied.
var ErrNoEndpoint = errors.New("token validation endpoint not configured")

// maxValidatorResponse bounds the validator's answer.
const maxValidatorResponse = 64 << 10

// Validator checks a bearer token. An error means the answer is unknown;
// the gate treats it as invalid.
type Validator interface {
	Validate(ctx context.Context, token string) (bool, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, token string) (bool, error)

func (f ValidatorFunc) Validate(ctx context.Context, token string) (bool, error) {
	return f(ctx, token)
}

// RemoteValidator calls the token validation collaborator: POST
// {"token": t} to the endpoint, expecting {"valid": bool}. Calls are not
// retried.
type RemoteValidator struct {
	endpoint string
	client   *http.Client
}

// NewRemoteValidator creates a validator for endpoint. client should be the
// gateway's shared outbound client so the call is bounded by its timeouts.
func NewRemoteValidator(endpoint string, client *http.Client) *RemoteValidator {
	return &RemoteValidator{endpoint: endpoint, client: client}
}

type validationRequest struct {
	Token string `json:"token"`
}

type validationResponse struct {
	Valid *bool `json:"valid"`
}

func (v *RemoteValidator) Validate(ctx context.Context, token string) (bool, error) {
	if v.endpoint == "" {
		return false, ErrNoEndpoint
	}

	payload, err := json.Marshal(validationRequest{Token: token})
	if err != nil {
		return false, fmt.Errorf("encoding validation request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("building validation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("calling validation endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxValidatorResponse)) //nolint:errcheck
		return false, fmt.Errorf("validation endpoint answered %d", resp.StatusCode)
	}

	var out validationResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxValidatorResponse)).Decode(&out); err != nil {
		return false, fmt.Errorf("decoding validation response: %w", err)
	}
	if out.Valid == nil {
		return false, errors.New("validation response has no valid field")
	}
	return *out.Valid, nil
}
