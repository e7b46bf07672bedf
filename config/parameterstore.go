package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

const parameterStoreTimeout = 5 * time.Second

// ParameterGetter is the part of *ssm.Client used to resolve parameters.
type ParameterGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// NewParameterStore builds an SSM client from the default AWS credential chain.
func NewParameterStore(ctx context.Context) (*ssm.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, parameterStoreTimeout)
	defer cancel()

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return ssm.NewFromConfig(cfg), nil
}

// ApplyParameterStore replaces the feed endpoints with the values stored under
// the configured parameter names. Parameters that do not exist keep the file values.
func (c *Config) ApplyParameterStore(ctx context.Context, getter ParameterGetter) error {
	targets := []struct {
		name string
		dst  *string
	}{
		{c.ParameterStore.RESTBaseURL, &c.Feed.REST.BaseURL},
		{c.ParameterStore.WSURL, &c.Feed.WS.URL},
	}

	var errs []error
	for _, t := range targets {
		if t.name == "" {
			continue
		}
		value, err := getParameterStoreValue(ctx, getter, t.name, true)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if value != "" {
			*t.dst = value
		}
	}
	return errors.Join(errs...)
}

func getParameterStoreValue(ctx context.Context, getter ParameterGetter, parameterName string, decrypt bool) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, parameterStoreTimeout)
	defer cancel()

	result, err := getter.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(parameterName),
		WithDecryption: aws.Bool(decrypt),
	})
	if err != nil {
		var notFound *types.ParameterNotFound
		if errors.As(err, &notFound) {
			return "", nil
		}
		return "", fmt.Errorf("get parameter %s: %w", parameterName, err)
	}
	if result.Parameter == nil || result.Parameter.Value == nil {
		return "", nil
	}
	return *result.Parameter.Value, nil
}
