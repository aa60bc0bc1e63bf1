package hwapp

import (
	"context"
	"io"
	"path"
	"strings"
	"time"

	"github.com/advdv/haywire"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/cockroachdb/errors"
	"github.com/tidwall/gjson"
)

const configLoadTimeout = 10 * time.Second

// S3API is the part of the S3 client a ConfigSource uses.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// SSMAPI is the part of the SSM client a ConfigSource uses.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SecretsAPI is the part of the Secrets Manager client a ConfigSource uses.
type SecretsAPI interface {
	GetSecretValue(
		ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options),
	) (*secretsmanager.GetSecretValueOutput, error)
}

// ConfigSource loads a [haywire.Config] from a location. Supported locations:
//
//	/etc/haywire.ini                      a local file, format by extension
//	file:///etc/haywire.json              the same, as a URL
//	s3://bucket/path/haywire.ini          an S3 object, format by key extension
//	ssm:///haywire/prod.json              an SSM parameter (decrypted), format by name extension
//	secretsmanager://haywire-prod#http    a JSON secret, optionally narrowed to a gjson path
type ConfigSource struct {
	s3      S3API
	ssm     SSMAPI
	secrets SecretsAPI
}

// NewConfigSource creates a ConfigSource backed by AWS clients built from cfg.
func NewConfigSource(cfg aws.Config) *ConfigSource {
	return &ConfigSource{
		s3:      s3.NewFromConfig(cfg),
		ssm:     ssm.NewFromConfig(cfg),
		secrets: secretsmanager.NewFromConfig(cfg),
	}
}

// Load reads and parses the configuration at location.
func (s *ConfigSource) Load(ctx context.Context, location string) (haywire.Config, error) {
	scheme, rest, found := strings.Cut(location, "://")
	if !found {
		return haywire.LoadConfigFile(location)
	}

	switch scheme {
	case "file":
		return haywire.LoadConfigFile(rest)
	case "s3":
		return s.loadS3(ctx, rest)
	case "ssm":
		return s.loadSSM(ctx, rest)
	case "secretsmanager":
		return s.loadSecret(ctx, rest)
	default:
		return haywire.Config{}, errors.Wrapf(
			haywire.ErrInvalidConfig, "unsupported config location scheme %q", scheme)
	}
}

func (s *ConfigSource) loadS3(ctx context.Context, rest string) (haywire.Config, error) {
	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return haywire.Config{}, errors.Wrapf(
			haywire.ErrInvalidConfig, "s3 location %q needs a bucket and a key", rest)
	}

	out, err := s.s3.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return haywire.Config{}, errors.Wrapf(err, "failed to get s3 object %s/%s", bucket, key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return haywire.Config{}, errors.Wrapf(err, "failed to read s3 object %s/%s", bucket, key)
	}

	return haywire.ParseConfig(data, haywire.FormatOf(key))
}

func (s *ConfigSource) loadSSM(ctx context.Context, name string) (haywire.Config, error) {
	out, err := s.ssm.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return haywire.Config{}, errors.Wrapf(err, "failed to get parameter %q", name)
	}

	if out.Parameter == nil {
		return haywire.Config{}, errors.Newf("parameter %q has no value", name)
	}

	return haywire.ParseConfig([]byte(aws.ToString(out.Parameter.Value)), haywire.FormatOf(path.Base(name)))
}

func (s *ConfigSource) loadSecret(ctx context.Context, rest string) (haywire.Config, error) {
	secretID, jsonPath, _ := strings.Cut(rest, "#")

	out, err := s.secrets.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(secretID)})
	if err != nil {
		return haywire.Config{}, errors.Wrapf(err, "failed to get secret %q", secretID)
	}

	secret := aws.ToString(out.SecretString)
	if jsonPath != "" {
		result := gjson.Get(secret, jsonPath)
		if !result.Exists() {
			return haywire.Config{}, errors.Wrapf(
				haywire.ErrInvalidConfig, "secret path %q not found in secret %q", jsonPath, secretID)
		}

		secret = result.Raw
	}

	return haywire.ParseConfig([]byte(secret), haywire.FormatJSON)
}

// provideConfig loads the configuration named by the environment.
func provideConfig(env Environment, src *ConfigSource) (haywire.Config, error) {
	ctx, cancel := context.WithTimeout(context.Background(), configLoadTimeout)
	defer cancel()

	cfg, err := src.Load(ctx, env.configLocation())
	if err != nil {
		return cfg, errors.Wrapf(err, "failed to load config from %q", env.configLocation())
	}

	return cfg, nil
}
