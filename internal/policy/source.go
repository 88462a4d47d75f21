package policy

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-cms/internal/log"
	"github.com/keithlinneman/linnemanlabs-cms/internal/xerrors"
)

// maxTableBytes caps what is read from S3 or disk.
const maxTableBytes = 1 << 20

type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Loader fetches the table from a file, "ssm:<parameter>" or "s3://bucket/key".
type Loader struct {
	SSM    SSMAPI
	S3     S3API
	Logger log.Logger
}

// NeedsAWS reports whether source is read through the AWS SDK.
func NeedsAWS(source string) bool {
	return strings.HasPrefix(source, "ssm:") || strings.HasPrefix(source, "s3://")
}

// NewAWSLoader builds a Loader with SSM and S3 clients from cfg, or from the
// default credential chain when cfg is nil.
func NewAWSLoader(ctx context.Context, cfg *aws.Config, logger log.Logger) (*Loader, error) {
	var awsCfg aws.Config
	if cfg != nil {
		awsCfg = *cfg
	} else {
		var err error
		awsCfg, err = config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, xerrors.Wrap(err, "load AWS config")
		}
	}
	return &Loader{
		SSM:    ssm.NewFromConfig(awsCfg),
		S3:     s3.NewFromConfig(awsCfg),
		Logger: logger,
	}, nil
}

// Load fetches and parses the table. An empty source yields an empty table.
func (l *Loader) Load(ctx context.Context, source string) (*Table, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return &Table{}, nil
	}
	logger := l.Logger
	if logger == nil {
		logger = log.Nop()
	}

	var (
		data []byte
		err  error
	)
	switch {
	case strings.HasPrefix(source, "ssm:"):
		data, err = l.fromSSM(ctx, strings.TrimPrefix(source, "ssm:"))
	case strings.HasPrefix(source, "s3://"):
		data, err = l.fromS3(ctx, strings.TrimPrefix(source, "s3://"))
	default:
		data, err = readFile(source)
	}
	if err != nil {
		return nil, err
	}

	t, err := Parse(data)
	if err != nil {
		return nil, xerrors.Wrapf(err, "policy table %s", source)
	}
	logger.Info(ctx, "loaded rate limit policy table", "source", source, "routes", len(t.Routes))
	return t, nil
}

func (l *Loader) fromSSM(ctx context.Context, name string) ([]byte, error) {
	if l.SSM == nil {
		return nil, xerrors.New("ssm client not configured")
	}
	if name == "" {
		return nil, xerrors.New("ssm source needs a parameter name")
	}
	out, err := l.SSM.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return nil, xerrors.Newf("SSM parameter %s has no value", name)
	}
	return []byte(*out.Parameter.Value), nil
}

func (l *Loader) fromS3(ctx context.Context, loc string) ([]byte, error) {
	if l.S3 == nil {
		return nil, xerrors.New("s3 client not configured")
	}
	bucket, key, ok := strings.Cut(loc, "/")
	if !ok || bucket == "" || key == "" {
		return nil, xerrors.Newf("s3 source %q must be s3://bucket/key", "s3://"+loc)
	}
	out, err := l.S3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get S3 object s3://%s/%s", bucket, key)
	}
	defer out.Body.Close()
	return readCapped(out.Body, "s3://"+loc)
}

func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Wrap(err, "open policy table")
	}
	defer f.Close()
	return readCapped(f, path)
}

func readCapped(r io.Reader, name string) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxTableBytes+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read %s", name)
	}
	if len(data) > maxTableBytes {
		return nil, xerrors.Newf("%s exceeds %d bytes", name, maxTableBytes)
	}
	return data, nil
}
