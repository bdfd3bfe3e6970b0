package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config selects the bucket and prefix that act as the filesystem root.
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	Region    string `mapstructure:"region" yaml:"region"`
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	Prefix    string `mapstructure:"prefix" yaml:"prefix"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`
}

// S3API is the subset of the S3 client used by S3.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3 maps the file capability onto a bucket. Objects are files, keys ending
// in "/" mark directories, and any shared "/" prefix is a directory too.
// Buckets have no links, so Canonicalize only checks existence.
type S3 struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Client builds an S3 client from cfg, using static credentials when
// given and path-style addressing for custom endpoints.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// NewS3 serves bucket through client. prefix may be empty.
func NewS3(client S3API, bucket, prefix string) *S3 {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3{client: client, bucket: bucket, prefix: prefix}
}

func (b *S3) key(p string) string {
	return b.prefix + strings.TrimPrefix(path.Clean(p), "/")
}

// dirKey is the listing prefix for directory p.
func (b *S3) dirKey(p string) string {
	if path.Clean(p) == "/" {
		return b.prefix
	}
	return b.key(p) + "/"
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func (b *S3) head(ctx context.Context, p string) (*s3.HeadObjectOutput, error) {
	if path.Clean(p) == "/" {
		return nil, nil
	}
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(p)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

// isDir reports whether p has a marker or any object beneath it.
func (b *S3) isDir(ctx context.Context, p string) (bool, error) {
	if path.Clean(p) == "/" {
		return true, nil
	}
	out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(b.dirKey(p)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, err
	}
	return len(out.Contents) > 0, nil
}

func (b *S3) requireParent(ctx context.Context, op, p string) error {
	parent := path.Dir(path.Clean(p))
	ok, err := b.isDir(ctx, parent)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, p, err)
	}
	if ok {
		return nil
	}
	if obj, err := b.head(ctx, parent); err == nil && obj != nil {
		return fmt.Errorf("%s %s: %w", op, p, ErrNotDirectory)
	}
	return fmt.Errorf("%s %s: %w", op, p, ErrParentMissing)
}

func (b *S3) List(ctx context.Context, dir string) ([]FileInfo, error) {
	ok, err := b.isDir(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	if !ok {
		if obj, _ := b.head(ctx, dir); obj != nil {
			return nil, fmt.Errorf("list %s: %w", dir, ErrNotDirectory)
		}
		return nil, fmt.Errorf("list %s: %w", dir, ErrNotFound)
	}
	prefix := b.dirKey(dir)
	var out []FileInfo
	var token *string
	for {
		page, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			Prefix:            aws.String(prefix),
			Delimiter:         aws.String("/"),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", dir, err)
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if name != "" {
				out = append(out, FileInfo{Name: name, IsDir: true, Mode: os.ModeDir | 0o755})
			}
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" {
				continue
			}
			out = append(out, FileInfo{
				Name:    name,
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
				Mode:    0o644,
			})
		}
		if !aws.ToBool(page.IsTruncated) {
			break
		}
		token = page.NextContinuationToken
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (b *S3) Stat(ctx context.Context, p string) (FileInfo, error) {
	name := path.Base(path.Clean(p))
	obj, err := b.head(ctx, p)
	if err != nil {
		return FileInfo{}, fmt.Errorf("stat %s: %w", p, err)
	}
	if obj != nil {
		return FileInfo{
			Name:    name,
			Size:    aws.ToInt64(obj.ContentLength),
			ModTime: aws.ToTime(obj.LastModified),
			Mode:    0o644,
		}, nil
	}
	ok, err := b.isDir(ctx, p)
	if err != nil {
		return FileInfo{}, fmt.Errorf("stat %s: %w", p, err)
	}
	if !ok {
		return FileInfo{}, fmt.Errorf("stat %s: %w", p, ErrNotFound)
	}
	return FileInfo{Name: name, IsDir: true, Mode: os.ModeDir | 0o755}, nil
}

func (b *S3) Read(ctx context.Context, p string) ([]byte, error) {
	fi, err := b.Stat(ctx, p)
	if err != nil {
		return nil, err
	}
	if fi.IsDir {
		return nil, fmt.Errorf("read %s: %w", p, ErrIsDirectory)
	}
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(p)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("read %s: %w", p, ErrNotFound)
		}
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	defer out.Body.Close()
	// the object may have been replaced since Stat
	data, err := io.ReadAll(io.LimitReader(out.Body, fi.Size+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	if int64(len(data)) > fi.Size {
		return nil, fmt.Errorf("read %s: %w", p, ErrChanged)
	}
	return data, nil
}

func (b *S3) put(ctx context.Context, key string, data []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	return err
}

func (b *S3) Write(ctx context.Context, p string, data []byte) error {
	if err := b.requireParent(ctx, "write", p); err != nil {
		return err
	}
	if ok, err := b.isDir(ctx, p); err == nil && ok {
		return fmt.Errorf("write %s: %w", p, ErrIsDirectory)
	}
	if err := b.put(ctx, b.key(p), data); err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	return nil
}

// Append rewrites the whole object; buckets have no append primitive.
func (b *S3) Append(ctx context.Context, p string, data []byte) error {
	existing, err := b.Read(ctx, p)
	if err != nil {
		return err
	}
	if err := b.put(ctx, b.key(p), append(existing, data...)); err != nil {
		return fmt.Errorf("append %s: %w", p, err)
	}
	return nil
}

func (b *S3) Create(ctx context.Context, p string) error {
	if err := b.requireParent(ctx, "create", p); err != nil {
		return err
	}
	if _, err := b.Stat(ctx, p); err == nil {
		return fmt.Errorf("create %s: %w", p, ErrAlreadyExists)
	}
	if err := b.put(ctx, b.key(p), nil); err != nil {
		return fmt.Errorf("create %s: %w", p, err)
	}
	return nil
}

func (b *S3) Delete(ctx context.Context, p string) error {
	fi, err := b.Stat(ctx, p)
	if err != nil {
		return err
	}
	if fi.IsDir {
		return fmt.Errorf("delete %s: %w", p, ErrIsDirectory)
	}
	_, err = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(p)),
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	return nil
}

func (b *S3) DeleteDir(ctx context.Context, p string) error {
	fi, err := b.Stat(ctx, p)
	if err != nil {
		return err
	}
	if !fi.IsDir {
		return fmt.Errorf("rmdir %s: %w", p, ErrNotDirectory)
	}
	marker := b.dirKey(p)
	out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(marker),
		MaxKeys: aws.Int32(2),
	})
	if err != nil {
		return fmt.Errorf("rmdir %s: %w", p, err)
	}
	for _, obj := range out.Contents {
		if aws.ToString(obj.Key) != marker {
			return fmt.Errorf("rmdir %s: %w", p, ErrNotEmpty)
		}
	}
	_, err = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(marker),
	})
	if err != nil {
		return fmt.Errorf("rmdir %s: %w", p, err)
	}
	return nil
}

func (b *S3) Mkdir(ctx context.Context, p string, parents bool) error {
	if fi, err := b.Stat(ctx, p); err == nil {
		if fi.IsDir && parents {
			return nil
		}
		return fmt.Errorf("mkdir %s: %w", p, ErrAlreadyExists)
	}
	if !parents {
		if err := b.requireParent(ctx, "mkdir", p); err != nil {
			return err
		}
	}
	if err := b.put(ctx, b.dirKey(p), nil); err != nil {
		return fmt.Errorf("mkdir %s: %w", p, err)
	}
	return nil
}

func (b *S3) Canonicalize(ctx context.Context, p string) (string, error) {
	if _, err := b.Stat(ctx, p); err != nil {
		return "", err
	}
	return path.Clean(p), nil
}
