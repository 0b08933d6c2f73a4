package cryptoutil

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"slices"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/keithlinneman/ticketmarket/internal/xerrors"
)

// kmsKeyFetcher is the slice of the KMS API the verifier needs.
type kmsKeyFetcher interface {
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
}

// SignatureVerifier checks a detached signature over a policy document.
type SignatureVerifier interface {
	VerifySignature(ctx context.Context, message, signature []byte) error
}

// KMSVerifier checks rate limit policy signatures locally against the public
// half of an asymmetric KMS key. The key is fetched on first use and cached
// for the life of the verifier.
type KMSVerifier struct {
	client kmsKeyFetcher
	keyARN string

	// AllowPKCS1v15 also accepts RSASSA_PKCS1_V1_5_SHA_256 from RSA keys.
	// Off by default, RSA keys verify with PSS only.
	AllowPKCS1v15 bool

	mu     sync.Mutex
	pubKey crypto.PublicKey
	// signing algorithms KMS advertises for the key, empty means unrestricted
	advertised []kmstypes.SigningAlgorithmSpec
}

var _ SignatureVerifier = (*KMSVerifier)(nil)

func NewKMSVerifier(client *kms.Client, keyARN string) *KMSVerifier {
	v := &KMSVerifier{keyARN: keyARN}
	// a nil *kms.Client must stay a nil interface
	if client != nil {
		v.client = client
	}
	return v
}

// KeyARN returns the KMS key signatures are checked against
func (v *KMSVerifier) KeyARN() string { return v.keyARN }

// PublicKey returns the cached key, fetching it from KMS on first call.
// Keys not usable for SIGN_VERIFY are refused and never cached.
func (v *KMSVerifier) PublicKey(ctx context.Context) (crypto.PublicKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.pubKey != nil {
		return v.pubKey, nil
	}
	if v.client == nil {
		return nil, xerrors.Newf("no kms client to fetch policy signing key %s", v.keyARN)
	}

	out, err := v.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(v.keyARN)})
	if err != nil {
		return nil, xerrors.Wrapf(err, "fetch policy signing key %s", v.keyARN)
	}
	if out.KeyUsage != kmstypes.KeyUsageTypeSignVerify {
		return nil, xerrors.Newf("policy signing key %s has usage %s, want SIGN_VERIFY", v.keyARN, out.KeyUsage)
	}

	pub, err := x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, xerrors.Wrapf(err, "parse policy signing key %s", v.keyARN)
	}

	v.pubKey = pub
	v.advertised = slices.Clone(out.SigningAlgorithms)
	return pub, nil
}

// VerifySignature checks signature over message with every algorithm the key
// type allows (and KMS advertises for it). The first match wins.
//
//	ECDSA P-256  ECDSA_SHA_256
//	ECDSA P-384  ECDSA_SHA_384
//	RSA          RSASSA_PSS_SHA_256, plus RSASSA_PKCS1_V1_5_SHA_256 when AllowPKCS1v15
func (v *KMSVerifier) VerifySignature(ctx context.Context, message, signature []byte) error {
	if len(signature) == 0 {
		return xerrors.New("empty policy signature")
	}

	pub, err := v.PublicKey(ctx)
	if err != nil {
		return err
	}

	algs, err := v.algorithmsFor(pub)
	if err != nil {
		return err
	}

	var lastErr error
	for _, alg := range algs {
		if lastErr = verifyWith(pub, alg, message, signature); lastErr == nil {
			return nil
		}
	}
	return xerrors.Wrapf(lastErr, "policy signature does not verify against %s", v.keyARN)
}

// algorithmsFor lists the algorithms to try for pub, in preference order.
func (v *KMSVerifier) algorithmsFor(pub crypto.PublicKey) ([]kmstypes.SigningAlgorithmSpec, error) {
	var algs []kmstypes.SigningAlgorithmSpec
	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		switch key.Curve {
		case elliptic.P256():
			algs = append(algs, kmstypes.SigningAlgorithmSpecEcdsaSha256)
		case elliptic.P384():
			algs = append(algs, kmstypes.SigningAlgorithmSpecEcdsaSha384)
		default:
			return nil, xerrors.Newf("unsupported ECDSA curve %s", key.Curve.Params().Name)
		}
	case *rsa.PublicKey:
		algs = append(algs, kmstypes.SigningAlgorithmSpecRsassaPssSha256)
		if v.AllowPKCS1v15 {
			algs = append(algs, kmstypes.SigningAlgorithmSpecRsassaPkcs1V15Sha256)
		}
	default:
		return nil, xerrors.Newf("unsupported public key type %T", pub)
	}

	v.mu.Lock()
	advertised := v.advertised
	v.mu.Unlock()
	if len(advertised) == 0 {
		return algs, nil
	}

	usable := algs[:0]
	for _, alg := range algs {
		if slices.Contains(advertised, alg) {
			usable = append(usable, alg)
		}
	}
	if len(usable) == 0 {
		return nil, xerrors.Newf("policy signing key %s advertises none of %v", v.keyARN, algs)
	}
	return usable, nil
}

func verifyWith(pub crypto.PublicKey, alg kmstypes.SigningAlgorithmSpec, message, signature []byte) error {
	switch alg {
	case kmstypes.SigningAlgorithmSpecEcdsaSha256:
		d := sha256.Sum256(message)
		return verifyASN1(pub.(*ecdsa.PublicKey), d[:], signature, alg)
	case kmstypes.SigningAlgorithmSpecEcdsaSha384:
		d := sha512.Sum384(message)
		return verifyASN1(pub.(*ecdsa.PublicKey), d[:], signature, alg)
	case kmstypes.SigningAlgorithmSpecRsassaPssSha256:
		d := sha256.Sum256(message)
		return xerrors.Wrapf(rsa.VerifyPSS(pub.(*rsa.PublicKey), crypto.SHA256, d[:], signature, nil), "%s", alg)
	case kmstypes.SigningAlgorithmSpecRsassaPkcs1V15Sha256:
		d := sha256.Sum256(message)
		return xerrors.Wrapf(rsa.VerifyPKCS1v15(pub.(*rsa.PublicKey), crypto.SHA256, d[:], signature), "%s", alg)
	default:
		return xerrors.Newf("unsupported signing algorithm %s", alg)
	}
}

func verifyASN1(key *ecdsa.PublicKey, digest, signature []byte, alg kmstypes.SigningAlgorithmSpec) error {
	if !ecdsa.VerifyASN1(key, digest, signature) {
		return xerrors.Newf("%s verification failed", alg)
	}
	return nil
}
