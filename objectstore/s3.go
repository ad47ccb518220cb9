package objectstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cenkalti/backoff/v4"

	"github.com/cncaiprojem/freecad-core/common"
)

// sharedHTTPClient provides connection pooling across every S3Store,
// grounded on the teacher's storage/s3aws.go sharedHTTPClient.
var sharedHTTPClient = &http.Client{
	Timeout: 60 * time.Second,
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	},
}

// S3Config configures the S3-compatible backend.
type S3Config struct {
	Endpoint            string // non-empty selects a MinIO/custom endpoint
	Region              string
	AccessKey           string
	SecretKey           string
	MultipartThreshold  int64
	MultipartChunkSize  int64
	MultipartParallelism int
	MaxRetries          int
}

// S3Store is the S3-compatible implementation of Store, used for both AWS
// S3 and MinIO, grounded on storage/s3aws.go.
type S3Store struct {
	client   *s3.Client
	presign  *s3.PresignClient
	uploader *manager.Uploader
	cfg      S3Config
}

// NewS3Store builds an S3Store from cfg.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.MultipartThreshold == 0 {
		cfg.MultipartThreshold = DefaultMultipartThreshold
	}
	if cfg.MultipartChunkSize == 0 {
		cfg.MultipartChunkSize = DefaultMultipartChunkSize
	}
	if cfg.MultipartParallelism == 0 {
		cfg.MultipartParallelism = DefaultMultipartParallelism
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, common.Wrap(common.CodeStorageUnreachable, "objectstore: load aws config", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.HTTPClient = sharedHTTPClient
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{
		client:   client,
		presign:  s3.NewPresignClient(client),
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = cfg.MultipartChunkSize
			u.Concurrency = cfg.MultipartParallelism
		}),
		cfg: cfg,
	}, nil
}

// withRetry retries fn with exponential backoff and jitter, up to
// cfg.MaxRetries attempts, for transient storage errors (spec §4.1).
func (s *S3Store) withRetry(ctx context.Context, fn func() error) error {
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(s.cfg.MaxRetries))
	bo2 := backoff.WithContext(bo, ctx)
	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if isAccessDenied(err) || isObjectTooLarge(err) {
			return backoff.Permanent(err)
		}
		return err
	}, bo2)
}

func isAccessDenied(err error) bool {
	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "AccessDenied" || code == "Forbidden"
	}
	return false
}

func isObjectTooLarge(err error) bool {
	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "EntityTooLarge"
	}
	return false
}

func (s *S3Store) Put(ctx context.Context, tier Tier, key string, data []byte, meta Metadata) (*PutResult, error) {
	bucket := BucketNames[tier]
	if meta.ContentType == "" {
		meta.ContentType = DefaultContentType(key)
	}
	if meta.ContentDisposition == "" {
		meta.ContentDisposition = DefaultContentDisposition(key)
	}
	sum := sha256.Sum256(data)
	sumHex := hex.EncodeToString(sum[:])

	metadata := map[string]string{"sha256": sumHex}
	for k, v := range meta.Custom {
		metadata[k] = v
	}

	var versionID string
	var etag string

	putOnce := func() error {
		if int64(len(data)) >= s.cfg.MultipartThreshold {
			out, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
				Bucket:             aws.String(bucket),
				Key:                aws.String(key),
				Body:               bytes.NewReader(data),
				ContentType:        aws.String(meta.ContentType),
				ContentDisposition: aws.String(meta.ContentDisposition),
				Metadata:           metadata,
			})
			if err != nil {
				return err
			}
			if out.VersionID != nil {
				versionID = *out.VersionID
			}
			if out.ETag != nil {
				etag = *out.ETag
			}
			return nil
		}
		out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:             aws.String(bucket),
			Key:                aws.String(key),
			Body:               bytes.NewReader(data),
			ContentType:        aws.String(meta.ContentType),
			ContentDisposition: aws.String(meta.ContentDisposition),
			Metadata:           metadata,
		})
		if err != nil {
			return err
		}
		if out.VersionId != nil {
			versionID = *out.VersionId
		}
		if out.ETag != nil {
			etag = *out.ETag
		}
		return nil
	}

	if err := s.withRetry(ctx, putOnce); err != nil {
		if isAccessDenied(err) {
			return nil, common.Wrap(common.CodeAccessDenied, "objectstore: put denied", err)
		}
		if isObjectTooLarge(err) {
			return nil, common.Wrap(common.CodeObjectTooLarge, "objectstore: object too large", err)
		}
		return nil, common.Wrap(common.CodeStorageUnreachable, "objectstore: put failed", err)
	}

	return &PutResult{Key: key, VersionID: versionID, ETag: etag, Size: int64(len(data)), SHA256: sumHex}, nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	var lastErr error
	for _, tier := range TierOrder {
		bucket := BucketNames[tier]
		var body []byte
		err := s.withRetry(ctx, func() error {
			out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
			if err != nil {
				return err
			}
			defer out.Body.Close()
			b, err := io.ReadAll(out.Body)
			if err != nil {
				return err
			}
			body = b
			return nil
		})
		if err == nil {
			return body, nil
		}
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			lastErr = err
			continue
		}
		lastErr = err
	}
	return nil, common.Wrap(common.CodeNotFound, fmt.Sprintf("objectstore: key %q not found in any tier", key), lastErr)
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	for _, tier := range TierOrder {
		bucket := BucketNames[tier]
		err := s.withRetry(ctx, func() error {
			_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
			return err
		})
		if err != nil {
			var nsk *types.NoSuchKey
			if !errors.As(err, &nsk) {
				return common.Wrap(common.CodeStorageUnreachable, "objectstore: delete failed", err)
			}
		}
	}
	return nil
}

func (s *S3Store) MoveTier(ctx context.Context, key string, from, to Tier) error {
	if from == to {
		return nil
	}
	srcBucket := BucketNames[from]
	dstBucket := BucketNames[to]

	err := s.withRetry(ctx, func() error {
		_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(dstBucket),
			Key:        aws.String(key),
			CopySource: aws.String(srcBucket + "/" + key),
		})
		return err
	})
	if err != nil {
		return common.Wrap(common.CodeStorageUnreachable, "objectstore: move-tier copy failed", err)
	}

	// Copy succeeded. If the delete of the source fails, the object is
	// still considered moved; the stale copy is left for best-effort
	// cleanup rather than surfaced as an error (spec §4.1).
	_ = s.withRetry(ctx, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(srcBucket), Key: aws.String(key)})
		return err
	})
	return nil
}

func (s *S3Store) List(ctx context.Context, prefix string, tier *Tier, max int) ([]Object, error) {
	tiers := TierOrder
	if tier != nil {
		tiers = []Tier{*tier}
	}

	var out []Object
	for _, t := range tiers {
		bucket := BucketNames[t]
		var page *s3.ListObjectsV2Output
		err := s.withRetry(ctx, func() error {
			p, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
				Bucket: aws.String(bucket),
				Prefix: aws.String(prefix),
			})
			page = p
			return err
		})
		if err != nil {
			return nil, common.Wrap(common.CodeStorageUnreachable, "objectstore: list failed", err)
		}
		for _, obj := range page.Contents {
			item := Object{Tier: t}
			if obj.Key != nil {
				item.Key = *obj.Key
			}
			if obj.Size != nil {
				item.Size = *obj.Size
			}
			if obj.LastModified != nil {
				item.LastModified = *obj.LastModified
			}
			out = append(out, item)
			if max > 0 && len(out) >= max {
				return out, nil
			}
		}
	}
	return out, nil
}

func (s *S3Store) PresignedURL(ctx context.Context, key string, op Operation, expiry time.Duration) (string, error) {
	expiry = ClampExpiry(expiry)
	bucket := BucketNames[TierHot]

	switch op {
	case OpGet:
		req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)},
			s3.WithPresignExpires(expiry))
		if err != nil {
			return "", common.Wrap(common.CodeStorageUnreachable, "objectstore: presign get failed", err)
		}
		return req.URL, nil
	case OpPut:
		req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)},
			s3.WithPresignExpires(expiry))
		if err != nil {
			return "", common.Wrap(common.CodeStorageUnreachable, "objectstore: presign put failed", err)
		}
		return req.URL, nil
	case OpHead:
		req, err := s.presign.PresignHeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)},
			s3.WithPresignExpires(expiry))
		if err != nil {
			return "", common.Wrap(common.CodeStorageUnreachable, "objectstore: presign head failed", err)
		}
		return req.URL, nil
	default:
		return "", common.New(common.CodeInvalidInput, fmt.Sprintf("objectstore: unsupported presign operation %q", op))
	}
}

// EnsureBucketPolicies applies the default-deny-public, versioning, and
// lifecycle rules (spec §4.1/§6) to every tier bucket. Called once at
// startup by the owning service.
func (s *S3Store) EnsureBucketPolicies(ctx context.Context) error {
	for _, tier := range TierOrder {
		bucket := BucketNames[tier]
		if _, err := s.client.PutPublicAccessBlock(ctx, &s3.PutPublicAccessBlockInput{
			Bucket: aws.String(bucket),
			PublicAccessBlockConfiguration: &types.PublicAccessBlockConfiguration{
				BlockPublicAcls:       aws.Bool(true),
				BlockPublicPolicy:     aws.Bool(true),
				IgnorePublicAcls:      aws.Bool(true),
				RestrictPublicBuckets: aws.Bool(true),
			},
		}); err != nil {
			return common.Wrap(common.CodeStorageUnreachable, "objectstore: public access block failed", err)
		}

		if _, err := s.client.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
			Bucket: aws.String(bucket),
			VersioningConfiguration: &types.VersioningConfiguration{
				Status: types.BucketVersioningStatusEnabled,
			},
		}); err != nil {
			return common.Wrap(common.CodeStorageUnreachable, "objectstore: enable versioning failed", err)
		}

		abortDays := int32(7)
		expireDays := int32(90)
		noncurrentTransitionDays := int32(30)
		noncurrentExpireDays := int32(180)
		if _, err := s.client.PutBucketLifecycleConfiguration(ctx, &s3.PutBucketLifecycleConfigurationInput{
			Bucket: aws.String(bucket),
			LifecycleConfiguration: &types.BucketLifecycleConfiguration{
				Rules: []types.LifecycleRule{
					{
						ID:     aws.String("abort-incomplete-multipart"),
						Status: types.ExpirationStatusEnabled,
						Filter: &types.LifecycleRuleFilterMemberPrefix{Value: ""},
						AbortIncompleteMultipartUpload: &types.AbortIncompleteMultipartUpload{
							DaysAfterInitiation: abortDays,
						},
					},
					{
						ID:     aws.String("expire-transient"),
						Status: types.ExpirationStatusEnabled,
						Filter: &types.LifecycleRuleFilterMemberPrefix{Value: "transient/"},
						Expiration: &types.LifecycleExpiration{
							Days: expireDays,
						},
					},
					{
						ID:     aws.String("noncurrent-version-lifecycle"),
						Status: types.ExpirationStatusEnabled,
						Filter: &types.LifecycleRuleFilterMemberPrefix{Value: ""},
						NoncurrentVersionTransitions: []types.NoncurrentVersionTransition{
							{NoncurrentDays: noncurrentTransitionDays, StorageClass: types.TransitionStorageClassStandardIa},
						},
						NoncurrentVersionExpiration: &types.NoncurrentVersionExpiration{
							NoncurrentDays: noncurrentExpireDays,
						},
					},
				},
			},
		}); err != nil {
			return common.Wrap(common.CodeStorageUnreachable, "objectstore: lifecycle configuration failed", err)
		}
	}
	return nil
}
