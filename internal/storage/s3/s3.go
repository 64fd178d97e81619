// Package s3 implements types.Backend on an S3-compatible endpoint, which
// includes Cloud Storage's XML interoperability API with HMAC keys.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"pkt.systems/pslog"

	"github.com/s3fs-fuse/gcsfs-go/internal/credentials"
	"github.com/s3fs-fuse/gcsfs-go/internal/pathcodec"
	"github.com/s3fs-fuse/gcsfs-go/internal/storage/types"
)

const defaultPageSize = 1000

// Config describes the bucket to mount.
type Config struct {
	Bucket   string
	Region   string
	Endpoint string
	// Prefix roots the backend at a key prefix inside the bucket.
	Prefix      string
	Credentials *credentials.Credentials
	HTTPClient  *http.Client
	Logger      pslog.Logger
	PageSize    int32
}

// Backend implements types.Backend with aws-sdk-go-v2.
type Backend struct {
	bucket   string
	client   *awss3.Client
	uploader *manager.Uploader
	codec    *pathcodec.Codec
	logger   pslog.Logger
	pageSize int32
}

// New creates an S3 backend
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	codec, err := pathcodec.New(cfg.Prefix)
	if err != nil {
		return nil, err
	}

	cfgOptions := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if cfg.Credentials != nil && cfg.Credentials.IsValid() {
		cfgOptions = append(cfgOptions, config.WithCredentialsProvider(awscreds.NewStaticCredentialsProvider(
			cfg.Credentials.AccessKeyID,
			cfg.Credentials.SecretAccessKey,
			cfg.Credentials.SessionToken,
		)))
	}
	if cfg.HTTPClient != nil {
		cfgOptions = append(cfgOptions, config.WithHTTPClient(cfg.HTTPClient))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, cfgOptions...)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to load aws config: %w", err)
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Backend{
		bucket:   cfg.Bucket,
		client:   client,
		uploader: manager.NewUploader(client),
		codec:    codec,
		logger:   logger,
		pageSize: pageSize,
	}, nil
}

// Stat returns metadata for p, falling back to directory detection.
func (b *Backend) Stat(ctx context.Context, _ types.User, p string) (types.Metadata, error) {
	clean, err := pathcodec.Clean(p)
	if err != nil {
		return types.Metadata{}, types.NewOpError("stat", p, err)
	}
	if clean == "" {
		return types.DirMetadata(time.Time{}), nil
	}
	key, _ := b.codec.Key(clean)
	md, err := b.head(ctx, key)
	if err == nil {
		return md, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return types.Metadata{}, mapError("stat", p, err)
	}

	dirKey, _ := b.codec.DirKey(clean)
	marker, markerErr := b.head(ctx, dirKey)
	switch {
	case markerErr == nil:
		return types.DirMetadata(marker.ModTime), nil
	case !errors.Is(markerErr, types.ErrNotFound):
		return types.Metadata{}, mapError("stat", p, markerErr)
	}

	out, listErr := b.client.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(dirKey),
		MaxKeys: aws.Int32(1),
	})
	if listErr != nil {
		return types.Metadata{}, mapError("stat", p, listErr)
	}
	if len(out.Contents) > 0 {
		return types.DirMetadata(time.Time{}), nil
	}
	return types.Metadata{}, types.NewOpError("stat", p, types.ErrNotFound)
}

func (b *Backend) head(ctx context.Context, key string) (types.Metadata, error) {
	out, err := b.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return types.Metadata{}, mapError("head", key, err)
	}
	return types.FileMetadata(uint64(aws.ToInt64(out.ContentLength)), aws.ToTime(out.LastModified)), nil
}

// List returns a lazy delimiter listing of directory p.
func (b *Backend) List(ctx context.Context, _ types.User, p string) (types.EntryIterator, error) {
	clean, err := pathcodec.Clean(p)
	if err != nil {
		return nil, types.NewOpError("list", p, err)
	}
	dirKey, _ := b.codec.DirKey(clean)
	paginator := awss3.NewListObjectsV2Paginator(b.client, &awss3.ListObjectsV2Input{
		Bucket:    aws.String(b.bucket),
		Prefix:    aws.String(dirKey),
		Delimiter: aws.String("/"),
		MaxKeys:   aws.Int32(b.pageSize),
	})
	return &listIterator{backend: b, path: p, prefix: dirKey, paginator: paginator}, nil
}

// Get downloads the object at p.
func (b *Backend) Get(ctx context.Context, _ types.User, p string) (*types.Object, error) {
	key, err := b.fileKey("get", p)
	if err != nil {
		return nil, err
	}
	out, err := b.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, mapError("get", p, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, mapError("get", p, err)
	}
	return types.NewObject(data), nil
}

// Put uploads r through the multipart-aware uploader and reports the size
// the store recorded.
func (b *Backend) Put(ctx context.Context, _ types.User, p string, r io.Reader) (uint64, error) {
	key, err := b.fileKey("put", p)
	if err != nil {
		return 0, err
	}
	if r == nil {
		r = bytes.NewReader(nil)
	}
	_, err = b.uploader.Upload(ctx, &awss3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        r,
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return 0, mapError("put", p, err)
	}
	md, err := b.head(ctx, key)
	if err != nil {
		return 0, mapError("put", p, err)
	}
	return md.Size, nil
}

// Delete removes the object at p. S3 deletes are idempotent, so the
// object is checked first to report a missing key.
func (b *Backend) Delete(ctx context.Context, _ types.User, p string) error {
	key, err := b.fileKey("delete", p)
	if err != nil {
		return err
	}
	if _, err := b.head(ctx, key); err != nil {
		return mapError("delete", p, err)
	}
	return b.deleteKey(ctx, key)
}

func (b *Backend) deleteKey(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return mapError("delete", key, err)
	}
	return nil
}

// Mkdir writes the zero-length marker "{p}/".
func (b *Backend) Mkdir(ctx context.Context, _ types.User, p string) error {
	clean, err := pathcodec.Clean(p)
	if err != nil {
		return types.NewOpError("mkdir", p, err)
	}
	if clean == "" {
		return nil
	}
	dirKey, _ := b.codec.DirKey(clean)
	_, err = b.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(dirKey),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
		ContentType:   aws.String("application/x-directory"),
	})
	if err != nil {
		return mapError("mkdir", p, err)
	}
	return nil
}

// Rmdir removes an empty directory marker, refusing non-empty directories.
func (b *Backend) Rmdir(ctx context.Context, _ types.User, p string) error {
	clean, err := pathcodec.Clean(p)
	if err != nil {
		return types.NewOpError("rmdir", p, err)
	}
	if clean == "" {
		return types.NewOpError("rmdir", p, fmt.Errorf("%w: cannot remove the root", types.ErrInvalidPath))
	}
	dirKey, _ := b.codec.DirKey(clean)
	out, err := b.client.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(dirKey),
		MaxKeys: aws.Int32(2),
	})
	if err != nil {
		return mapError("rmdir", p, err)
	}
	marker := false
	for _, obj := range out.Contents {
		if aws.ToString(obj.Key) != dirKey {
			return types.NewOpError("rmdir", p, types.ErrNotEmpty)
		}
		marker = true
	}
	if !marker {
		return types.NewOpError("rmdir", p, types.ErrNotFound)
	}
	return b.deleteKey(ctx, dirKey)
}

// Rename copies then deletes. Directories are moved object by object and
// the move is not atomic.
func (b *Backend) Rename(ctx context.Context, _ types.User, from, to string) error {
	src, err := pathcodec.Clean(from)
	if err != nil {
		return types.NewOpError("rename", from, err)
	}
	dst, err := pathcodec.Clean(to)
	if err != nil {
		return types.NewOpError("rename", to, err)
	}
	if src == "" || dst == "" {
		return types.NewOpError("rename", from, fmt.Errorf("%w: cannot rename the root", types.ErrInvalidPath))
	}
	if src == dst {
		_, err := b.Stat(ctx, nil, from)
		return err
	}
	if strings.HasPrefix(dst, src+"/") {
		return types.NewOpError("rename", to, fmt.Errorf("%w: destination is inside the source", types.ErrInvalidPath))
	}

	srcKey, _ := b.codec.Key(src)
	dstKey, _ := b.codec.Key(dst)
	_, err = b.head(ctx, srcKey)
	if err == nil {
		if err := b.copyKey(ctx, srcKey, dstKey); err != nil {
			return mapError("rename", from, err)
		}
		return b.deleteKey(ctx, srcKey)
	}
	if !errors.Is(err, types.ErrNotFound) {
		return mapError("rename", from, err)
	}

	srcDir, _ := b.codec.DirKey(src)
	dstDir, _ := b.codec.DirKey(dst)
	var keys []string
	paginator := awss3.NewListObjectsV2Paginator(b.client, &awss3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(srcDir),
		MaxKeys: aws.Int32(b.pageSize),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return mapError("rename", from, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	if len(keys) == 0 {
		return types.NewOpError("rename", from, types.ErrNotFound)
	}
	b.logger.Debug("s3.rename.dir", "from", srcDir, "to", dstDir, "objects", len(keys))
	for _, key := range keys {
		if err := b.copyKey(ctx, key, dstDir+strings.TrimPrefix(key, srcDir)); err != nil {
			return fmt.Errorf("failed to copy %s: %w", key, mapError("rename", from, err))
		}
	}
	for _, key := range keys {
		if err := b.deleteKey(ctx, key); err != nil {
			return fmt.Errorf("failed to delete %s after copy: %w", key, err)
		}
	}
	return nil
}

func (b *Backend) copyKey(ctx context.Context, src, dst string) error {
	_, err := b.client.CopyObject(ctx, &awss3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(dst),
		CopySource: aws.String(url.PathEscape(b.bucket) + "/" + pathcodec.Encode(src)),
	})
	return err
}

func (b *Backend) fileKey(op, p string) (string, error) {
	clean, err := pathcodec.Clean(p)
	if err != nil {
		return "", types.NewOpError(op, p, err)
	}
	if clean == "" {
		return "", types.NewOpError(op, p, fmt.Errorf("%w: root is a directory", types.ErrInvalidPath))
	}
	key, _ := b.codec.Key(clean)
	return key, nil
}

type listIterator struct {
	backend   *Backend
	path      string
	prefix    string
	paginator *awss3.ListObjectsV2Paginator
	pending   []types.Fileinfo
	err       error
}

func (it *listIterator) Next(ctx context.Context) (types.Fileinfo, error) {
	for len(it.pending) == 0 {
		if it.err != nil {
			return types.Fileinfo{}, it.err
		}
		if !it.paginator.HasMorePages() {
			return types.Fileinfo{}, io.EOF
		}
		if err := it.fetch(ctx); err != nil {
			it.err = err
			return types.Fileinfo{}, err
		}
	}
	entry := it.pending[0]
	it.pending = it.pending[1:]
	return entry, nil
}

func (it *listIterator) fetch(ctx context.Context) error {
	page, err := it.paginator.NextPage(ctx)
	if err != nil {
		return mapError("list", it.path, err)
	}
	codec := it.backend.codec
	for _, obj := range page.Contents {
		key := aws.ToString(obj.Key)
		if key == it.prefix {
			continue
		}
		logical, err := codec.Logical(key)
		if err != nil {
			return types.NewOpError("list", key, err)
		}
		md := types.FileMetadata(uint64(aws.ToInt64(obj.Size)), aws.ToTime(obj.LastModified))
		it.pending = append(it.pending, types.Fileinfo{Path: logical, Metadata: md})
	}
	for _, cp := range page.CommonPrefixes {
		logical, err := codec.Logical(aws.ToString(cp.Prefix))
		if err != nil {
			return types.NewOpError("list", aws.ToString(cp.Prefix), err)
		}
		it.pending = append(it.pending, types.Fileinfo{Path: logical, Metadata: types.DirMetadata(time.Time{})})
	}
	return nil
}

// mapError folds SDK failures into the storage error taxonomy.
func mapError(op, p string, err error) error {
	if err == nil {
		return nil
	}
	if types.KindOf(err) != types.KindOther {
		return err
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return types.NewOpError(op, p, fmt.Errorf("%w: %s", types.ErrNotFound, apiErr.ErrorMessage()))
		}
	}
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return types.NewOpError(op, p, types.ErrNotFound)
	}
	if code := httpStatusCode(err); code != 0 {
		return types.StatusError(op, p, code, err.Error())
	}
	return types.NewOpError(op, p, fmt.Errorf("%w: %w", types.ErrUnavailable, err))
}

func httpStatusCode(err error) int {
	var withStatus interface{ HTTPStatusCode() int }
	if errors.As(err, &withStatus) {
		return withStatus.HTTPStatusCode()
	}
	return 0
}
