package paramstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"callcore/internal/apperr"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// ssmAPI is the subset of *ssm.Client used here.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter reads one decrypted parameter by name relative to the client's prefix.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client reads SecureString parameters (signing keys, provider and model
// credentials) from AWS SSM Parameter Store.
type Client struct {
	api    ssmAPI
	prefix string
}

// New creates a Client. Names passed to GetParameter are joined to prefix
// unless they are already absolute ("/...").
func New(api ssmAPI, prefix string) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	return &Client{api: api, prefix: prefix}, nil
}

func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = c.resolve(name)
	if name == "" {
		return "", fmt.Errorf("paramstore: name is required: %w", apperr.ErrInvalidArgument)
	}

	withDecryption := true
	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		var nf *types.ParameterNotFound
		if errors.As(err, &nf) {
			return "", fmt.Errorf("paramstore: %q: %w", name, apperr.ErrNotFound)
		}
		return "", apperr.Upstream(fmt.Sprintf("paramstore: get parameter %q", name), err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("paramstore: parameter %q missing value: %w", name, apperr.ErrNotFound)
	}
	return *out.Parameter.Value, nil
}

func (c *Client) resolve(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || strings.HasPrefix(name, "/") || c.prefix == "" {
		return name
	}
	return c.prefix + "/" + name
}
