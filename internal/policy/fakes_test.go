package policy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/keithlinneman/ticketmarket/internal/log"
)

const (
	testSSMParam = "/app/ticketmarket/server/ratelimit/policy/sha256"
	testBucket   = "policy-bucket"
	testS3Prefix = "apps/ticketmarket/server/ratelimit/policies"
)

type fakeSSM struct {
	mu    sync.Mutex
	value string
	err   error
	calls int
}

func ssmWithValue(v string) *fakeSSM { return &fakeSSM{value: v} }

func (f *fakeSSM) set(v string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.value, f.err = v, err
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{
		Name:  in.Name,
		Value: aws.String(f.value),
	}}, nil
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	gets    []string
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: map[string][]byte{}} }

func (f *fakeS3) put(key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Key)
	f.gets = append(f.gets, key)
	if aws.ToString(in.Bucket) != testBucket {
		return nil, errors.New("NoSuchBucket")
	}
	data, ok := f.objects[key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

type fakeVerifier struct {
	err  error
	seen [][]byte
}

func (f *fakeVerifier) VerifySignature(_ context.Context, message, signature []byte) error {
	f.seen = append(f.seen, signature)
	if f.err != nil {
		return f.err
	}
	if !bytes.Equal(signature, append([]byte("sig:"), message[:8]...)) {
		return errors.New("signature mismatch")
	}
	return nil
}

func fakeSign(doc []byte) []byte { return append([]byte("sig:"), doc[:8]...) }

func newTestLoader(s3c *fakeS3, ssmc *fakeSSM, v *fakeVerifier) *Loader {
	opts := LoaderOptions{
		Logger:    log.Nop(),
		SSMParam:  testSSMParam,
		S3Bucket:  testBucket,
		S3Prefix:  testS3Prefix,
		Base:      Defaults(),
		SSMClient: ssmc,
		S3Client:  s3c,
	}
	l := &Loader{opts: opts, ssmClient: ssmc, s3Client: s3c, logger: log.Nop()}
	if v != nil {
		l.verifier = v
	}
	return l
}

func putDoc(f *fakeS3, hash string, data []byte) {
	f.put(testS3Prefix+"/"+hash+".yaml", data)
}
