package delivery

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"aaronromeo.com/mailwatch/internal/config"
	"aaronromeo.com/mailwatch/internal/imap/base"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pkg/errors"
)

type objectPutter interface {
	PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error)
}

// S3 archives each message as <prefix>/<mailbox>/<uid>.eml.
type S3 struct {
	bucket string
	prefix string
	client objectPutter
}

func NewS3(cfg config.Delivery) (*S3, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("requires s3 bucket")
	}

	awsConfig := &aws.Config{}
	if cfg.Region != "" {
		awsConfig.Region = aws.String(cfg.Region)
	}
	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}
	if cfg.Key != "" && cfg.Secret != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(cfg.Key, cfg.Secret, "")
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, errors.Wrap(err, "creating aws session")
	}
	return newS3WithClient(cfg.Bucket, cfg.Prefix, s3.New(sess)), nil
}

func newS3WithClient(bucket, prefix string, client objectPutter) *S3 {
	return &S3{
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		client: client,
	}
}

func (a *S3) Deliver(ctx context.Context, mailbox string, msg base.Message) error {
	meta := ParseMetadata(msg.Body)
	metadata := map[string]*string{
		"Uid": aws.String(fmt.Sprintf("%d", msg.UID)),
	}
	if meta.MessageID != "" {
		metadata["Message-Id"] = aws.String(meta.MessageID)
	}

	_, err := a.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.Key(mailbox, msg.UID)),
		Body:        bytes.NewReader(msg.Body),
		ContentType: aws.String("message/rfc822"),
		Metadata:    metadata,
	})
	if err != nil {
		return errors.Wrapf(err, "uploading message %d", msg.UID)
	}
	return nil
}

// Key is the object key for a message.
func (a *S3) Key(mailbox string, uid uint32) string {
	name := strings.NewReplacer("/", "_", " ", "_").Replace(mailbox)
	return path.Join(a.prefix, name, fmt.Sprintf("%d.eml", uid))
}
