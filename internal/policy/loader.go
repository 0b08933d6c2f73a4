package policy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/ticketmarket/internal/cryptoutil"
	"github.com/keithlinneman/ticketmarket/internal/log"
	"github.com/keithlinneman/ticketmarket/internal/xerrors"
)

// SSMAPI is the subset of the SSM client the loader uses
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// S3API is the subset of the S3 client the loader uses
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type LoaderOptions struct {
	Logger log.Logger

	// SSM parameter containing the sha256 of the current policy document
	SSMParam string

	// S3 location for documents: s3://{bucket}/{prefix}/{sha256}.yaml
	S3Bucket string
	S3Prefix string

	// SigningKeyARN enables detached signature checks against {sha256}.yaml.sig
	SigningKeyARN string

	// Base is merged under every loaded document, Defaults() if empty
	Base Set

	// AWS config (uses default if nil)
	AWSConfig *aws.Config

	// client overrides, mostly for tests
	SSMClient SSMAPI
	S3Client  S3API
	Verifier  cryptoutil.SignatureVerifier
}

type Loader struct {
	opts      LoaderOptions
	ssmClient SSMAPI
	s3Client  S3API
	verifier  cryptoutil.SignatureVerifier
	logger    log.Logger
}

// NewLoader creates a policy Loader backed by SSM and S3
func NewLoader(ctx context.Context, opts LoaderOptions) (*Loader, error) {
	if opts.SSMParam == "" {
		return nil, xerrors.New("SSMParam is required")
	}
	if opts.S3Bucket == "" {
		return nil, xerrors.New("S3Bucket is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if len(opts.Base.Policies) == 0 {
		opts.Base = Defaults()
	}

	l := &Loader{
		opts:      opts,
		ssmClient: opts.SSMClient,
		s3Client:  opts.S3Client,
		verifier:  opts.Verifier,
		logger:    opts.Logger,
	}

	needSigner := opts.SigningKeyARN != "" && l.verifier == nil
	if l.ssmClient == nil || l.s3Client == nil || needSigner {
		var awsCfg aws.Config
		if opts.AWSConfig != nil {
			awsCfg = *opts.AWSConfig
		} else {
			var err error
			awsCfg, err = config.LoadDefaultConfig(ctx)
			if err != nil {
				return nil, xerrors.Wrap(err, "load AWS config")
			}
		}
		if l.ssmClient == nil {
			l.ssmClient = ssm.NewFromConfig(awsCfg)
		}
		if l.s3Client == nil {
			l.s3Client = s3.NewFromConfig(awsCfg)
		}
		if needSigner {
			l.verifier = cryptoutil.NewKMSVerifier(kms.NewFromConfig(awsCfg), opts.SigningKeyARN)
		}
	}

	return l, nil
}

// FetchCurrentHash reads the current document hash from SSM
func (l *Loader) FetchCurrentHash(ctx context.Context) (string, error) {
	out, err := l.ssmClient.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(l.opts.SSMParam),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", l.opts.SSMParam)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", l.opts.SSMParam)
	}

	hash := strings.ToLower(strings.TrimSpace(*out.Parameter.Value))
	if hash == "" {
		return "", xerrors.Newf("SSM parameter %s is empty", l.opts.SSMParam)
	}
	// the hash becomes part of an S3 key
	if !cryptoutil.IsSHA256Hex(hash) {
		return "", xerrors.Newf("SSM parameter %s is not a sha256 hex digest", l.opts.SSMParam)
	}
	return hash, nil
}

// s3Key returns the S3 object key for a given hash
func (l *Loader) s3Key(hash string) string {
	if l.opts.S3Prefix != "" {
		return fmt.Sprintf("%s/%s.yaml", strings.TrimSuffix(l.opts.S3Prefix, "/"), hash)
	}
	return fmt.Sprintf("%s.yaml", hash)
}

func (l *Loader) getObject(ctx context.Context, key string) ([]byte, error) {
	out, err := l.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.opts.S3Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get S3 object s3://%s/%s", l.opts.S3Bucket, key)
	}
	defer out.Body.Close()

	data, err := readLimited(out.Body)
	if err != nil {
		return nil, xerrors.Wrapf(err, "read S3 object s3://%s/%s", l.opts.S3Bucket, key)
	}
	return data, nil
}

// LoadHash fetches the document for hash, verifies it and returns a Snapshot
func (l *Loader) LoadHash(ctx context.Context, hash string) (*Snapshot, error) {
	loadedAt := time.Now().UTC()
	key := l.s3Key(hash)

	l.logger.Info(ctx, "downloading policy document",
		"bucket", l.opts.S3Bucket,
		"key", key,
		"expected_hash", hash,
	)

	data, err := l.getObject(ctx, key)
	if err != nil {
		return nil, err
	}

	actual := cryptoutil.SHA256Hex(data)
	if !cryptoutil.HashEqual(actual, hash) {
		return nil, xerrors.Newf("checksum mismatch: expected %s, got %s", hash, actual)
	}

	signed := false
	if l.verifier != nil {
		sig, err := l.getObject(ctx, key+".sig")
		if err != nil {
			return nil, xerrors.Wrap(err, "fetch policy signature")
		}
		if err := l.verifier.VerifySignature(ctx, data, sig); err != nil {
			return nil, xerrors.Wrapf(err, "verify policy signature for %s", truncHash(hash))
		}
		signed = true
	}

	set, err := Parse(data)
	if err != nil {
		return nil, xerrors.Wrapf(err, "parse policy document %s", truncHash(hash))
	}

	l.logger.Info(ctx, "loaded policy document",
		"hash", truncHash(hash),
		"version", set.Version,
		"policies", len(set.Policies),
		"signed", signed,
	)

	return &Snapshot{
		Set: Merge(l.opts.Base, set),
		Meta: Meta{
			Version:    set.Version,
			SHA256:     hash,
			Source:     SourceS3,
			Signed:     signed,
			VerifiedAt: time.Now().UTC(),
		},
		LoadedAt: loadedAt,
	}, nil
}

// Load fetches the current document
func (l *Loader) Load(ctx context.Context) (*Snapshot, error) {
	hash, err := l.FetchCurrentHash(ctx)
	if err != nil {
		return nil, err
	}
	return l.LoadHash(ctx, hash)
}

// truncHash returns the first 12 characters of a hash for logging
func truncHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
