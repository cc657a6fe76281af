package main

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// objectPutter is the part of the S3 API the mirror uses.
type objectPutter interface {
	PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error)
}

// S3Mirror copies promoted checkpoint files to a bucket so a best model
// survives the loss of the training machine. Each rank uploads its own file.
type S3Mirror struct {
	svc    objectPutter
	bucket string
	prefix string
}

// NewS3Mirror parses an s3://bucket/prefix URL and opens a session using the
// standard AWS credential chain.
func NewS3Mirror(url, region string) (*S3Mirror, error) {
	bucket, prefix, err := parseS3URL(url)
	if err != nil {
		return nil, err
	}
	cfg := &aws.Config{}
	if region != "" {
		cfg.Region = aws.String(region)
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create session")
	}
	return &S3Mirror{svc: s3.New(sess), bucket: bucket, prefix: prefix}, nil
}

func parseS3URL(url string) (bucket, prefix string, err error) {
	rest, ok := strings.CutPrefix(url, "s3://")
	if !ok || rest == "" {
		return "", "", errors.Wrapf(ErrConfiguration, "mirror %q is not an s3:// URL", url)
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", errors.Wrapf(ErrConfiguration, "mirror %q has no bucket", url)
	}
	return bucket, strings.Trim(prefix, "/"), nil
}

// objectKey places a local file under the mirror prefix.
func (m *S3Mirror) objectKey(file string) string {
	return path.Join(m.prefix, filepath.Base(file))
}

// Upload copies one local file to the bucket.
func (m *S3Mirror) Upload(ctx context.Context, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", file)
	}
	defer f.Close()

	key := m.objectKey(file)
	_, err = m.svc.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to upload %s to s3://%s/%s", file, m.bucket, key)
	}
	klog.V(1).Infof("mirrored %s to s3://%s/%s", file, m.bucket, key)
	return nil
}
