package store

import (
	"context"
	"io"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pkg/errors"
)

const defaultRegion = "us-west-2"

// S3 is a store backed by an Amazon S3 bucket. Credentials are taken from the usual AWS environment
// variables or shared config files and the region from AWS_REGION.
type S3 struct {
	Bucket string
	svc    *s3.S3
}

func NewS3(bucket string) (*S3, error) {
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = defaultRegion
	}
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return nil, errors.Wrap(err, "create aws session")
	}
	return &S3{Bucket: bucket, svc: s3.New(sess)}, nil
}

func (s *S3) String() string { return "s3://" + s.Bucket }

func (s *S3) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "get s3://%s/%s", s.Bucket, key)
	}
	return out.Body, nil
}

func (s *S3) Put(ctx context.Context, key string, r io.ReadSeeker) error {
	_, err := s.svc.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
		Body:   r,
	})
	return errors.Wrapf(err, "put s3://%s/%s", s.Bucket, key)
}
