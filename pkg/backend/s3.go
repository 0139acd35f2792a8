package backend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Backend adapts github.com/aws/aws-sdk-go-v2/service/s3 to Backend. It
// has no real "directories": ChangeDirectory/CurrentDirectory track a
// key-prefix cursor, and ReadDirectory lists common-prefixes (via
// Delimiter "/") the way an S3-backed file browser simulates a tree.
type S3Backend struct {
	client *s3.Client
	bucket string
	cwd    string
	region string

	// concurrency is the worker count TransferToRemote/TransferToLocal
	// use, set by the apply phase's adaptive pool via
	// SetTransferConcurrency. 0 means sequential; the AWS SDK client is
	// safe for concurrent requests so no connection pool needs resizing.
	concurrency int
}

// S3Config names the parameters NewS3Backend needs beyond what a generic
// SessionDescriptor carries; HostName holds the endpoint, UserName/
// Password the access/secret key pair, and Bucket is parsed from the
// descriptor's remote directory's first path segment by the caller.
type S3Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// NewS3Backend builds an S3Backend from cfg. It does not dial anything;
// Open verifies the bucket exists.
func NewS3Backend(cfg S3Config) (*S3Backend, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("s3 load config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &S3Backend{client: client, bucket: cfg.Bucket, cwd: "/", region: region}, nil
}

func (b *S3Backend) Open(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err != nil {
		return fmt.Errorf("s3 open: bucket %s: %w", b.bucket, err)
	}
	return nil
}

func (b *S3Backend) Close() error                 { return nil }
func (b *S3Backend) Idle(_ context.Context) error { return nil }
func (b *S3Backend) CurrentDirectory() string     { return b.cwd }

func (b *S3Backend) ChangeDirectory(ctx context.Context, p string) error {
	prefix := keyPrefix(p)
	if prefix != "" {
		_, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket: aws.String(b.bucket), Prefix: aws.String(prefix), MaxKeys: aws.Int32(1),
		})
		if err != nil {
			return fmt.Errorf("change directory %s: %w", p, err)
		}
	}
	b.cwd = normalizeKeyPath(p)
	return nil
}

func (b *S3Backend) CachedChangeDirectory(p string) { b.cwd = normalizeKeyPath(p) }

func (b *S3Backend) HomeDirectory(_ context.Context) (string, error) { return "/", nil }

func (b *S3Backend) ReadDirectory(ctx context.Context, p string) (*RemoteFileList, error) {
	prefix := keyPrefix(p)
	list := NewRemoteFileList(normalizeKeyPath(p), time.Now())

	var token *string
	for {
		out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket: aws.String(b.bucket), Prefix: aws.String(prefix), Delimiter: aws.String("/"),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("read directory %s: %w", p, err)
		}
		for _, cp := range out.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if name == "" {
				continue
			}
			list.Add(&RemoteFile{Name: name, Type: FileTypeDirectory, Precision: PrecisionNone})
		}
		for _, obj := range out.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			list.Add(&RemoteFile{
				Name: name, Size: aws.ToInt64(obj.Size), ModTime: aws.ToTime(obj.LastModified),
				Precision: PrecisionFull, Type: FileTypeFile,
			})
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	return list, nil
}

func (b *S3Backend) ReadFile(ctx context.Context, p string) (*RemoteFile, error) {
	key := strings.TrimPrefix(normalizeKeyPath(p), "/")
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(b.bucket), Key: aws.String(key)})
	if err != nil {
		return nil, fmt.Errorf("read file %s: %w", p, err)
	}
	return &RemoteFile{
		Name: path.Base(p), Size: aws.ToInt64(out.ContentLength), ModTime: aws.ToTime(out.LastModified),
		Precision: PrecisionFull, Type: FileTypeFile,
	}, nil
}

func (b *S3Backend) ReadSymlink(_ context.Context, _ *RemoteFile) (*RemoteFile, error) {
	return nil, &ErrUnsupported{Backend: "s3", Operation: "read symlink"}
}

func (b *S3Backend) CreateDirectory(ctx context.Context, p string) error {
	key := strings.TrimPrefix(normalizeKeyPath(p), "/") + "/"
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{Bucket: aws.String(b.bucket), Key: aws.String(key)})
	if err != nil {
		return fmt.Errorf("create directory %s: %w", p, err)
	}
	return nil
}

func (b *S3Backend) CreateLink(_ context.Context, _, _ string, _ bool) error {
	return &ErrUnsupported{Backend: "s3", Operation: "create link"}
}

func (b *S3Backend) DeleteFile(ctx context.Context, p string, f *RemoteFile, params DeleteParams) error {
	if (f != nil && f.IsDir()) || params.Recursive {
		return b.deletePrefix(ctx, keyPrefix(p))
	}
	key := strings.TrimPrefix(normalizeKeyPath(p), "/")
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(b.bucket), Key: aws.String(key)})
	if err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	return nil
}

func (b *S3Backend) deletePrefix(ctx context.Context, prefix string) error {
	var token *string
	for {
		out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket: aws.String(b.bucket), Prefix: aws.String(prefix), ContinuationToken: token,
		})
		if err != nil {
			return fmt.Errorf("delete prefix %s: %w", prefix, err)
		}
		var ids []types.ObjectIdentifier
		for _, obj := range out.Contents {
			ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
		}
		if len(ids) > 0 {
			if _, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(b.bucket), Delete: &types.Delete{Objects: ids},
			}); err != nil {
				return fmt.Errorf("delete prefix %s: %w", prefix, err)
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			return nil
		}
		token = out.NextContinuationToken
	}
}

func (b *S3Backend) RenameFile(ctx context.Context, p, newName string) error {
	src := strings.TrimPrefix(normalizeKeyPath(p), "/")
	dst := strings.TrimPrefix(path.Join(path.Dir(normalizeKeyPath(p)), newName), "/")
	if err := b.copyObject(ctx, src, dst); err != nil {
		return err
	}
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(b.bucket), Key: aws.String(src)})
	if err != nil {
		return fmt.Errorf("rename %s: delete source: %w", p, err)
	}
	return nil
}

func (b *S3Backend) CopyFile(ctx context.Context, p, newName string) error {
	src := strings.TrimPrefix(normalizeKeyPath(p), "/")
	dst := strings.TrimPrefix(path.Join(path.Dir(normalizeKeyPath(p)), newName), "/")
	return b.copyObject(ctx, src, dst)
}

func (b *S3Backend) copyObject(ctx context.Context, src, dst string) error {
	_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket: aws.String(b.bucket), Key: aws.String(dst), CopySource: aws.String(b.bucket + "/" + src),
	})
	if err != nil {
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	return nil
}

func (b *S3Backend) ChangeFileProperties(_ context.Context, _ string, _ *RemoteFile, _ Properties) error {
	return &ErrUnsupported{Backend: "s3", Operation: "change file properties"}
}

func (b *S3Backend) TransferToRemote(ctx context.Context, files []TransferItem, targetDir string, sink ProgressSink) error {
	return runTransferPool(files, b.concurrency, sink, func(item TransferItem) error {
		if sink != nil {
			sink.SetCurrentFile(path.Base(item.LocalPath))
		}
		return b.putOneFile(ctx, item.LocalPath, path.Join(targetDir, path.Base(item.LocalPath)), sink)
	})
}

// SetTransferConcurrency sets the worker count future TransferToRemote/
// TransferToLocal batches use to move objects in parallel.
func (b *S3Backend) SetTransferConcurrency(n int) { b.concurrency = n }

func (b *S3Backend) putOneFile(ctx context.Context, localPath, key string, sink ProgressSink) error {
	f, err := os.Open(localPath) //nolint:gosec // caller-controlled transfer source
	if err != nil {
		return fmt.Errorf("transfer %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("transfer %s: %w", localPath, err)
	}

	key = strings.TrimPrefix(key, "/")
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket), Key: aws.String(key), Body: f, ContentLength: aws.Int64(info.Size()),
	})
	if err != nil {
		return fmt.Errorf("transfer %s: %w", localPath, err)
	}
	if sink != nil {
		sink.AddTransferred(info.Size())
	}
	return nil
}

func (b *S3Backend) TransferToLocal(ctx context.Context, files []TransferItem, targetDir string, sink ProgressSink) error {
	return runTransferPool(files, b.concurrency, sink, func(item TransferItem) error {
		if sink != nil {
			sink.SetCurrentFile(path.Base(item.RemotePath))
		}
		return b.getOneFile(ctx, item.RemotePath, path.Join(targetDir, path.Base(item.RemotePath)), sink)
	})
}

func (b *S3Backend) getOneFile(ctx context.Context, key, localPath string, sink ProgressSink) error {
	key = strings.TrimPrefix(key, "/")
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(b.bucket), Key: aws.String(key)})
	if err != nil {
		return fmt.Errorf("transfer %s: %w", key, err)
	}
	defer out.Body.Close()

	if err := os.MkdirAll(path.Dir(localPath), 0o750); err != nil {
		return fmt.Errorf("transfer %s: %w", key, err)
	}
	f, err := os.Create(localPath) //nolint:gosec // caller-controlled transfer destination
	if err != nil {
		return fmt.Errorf("transfer %s: %w", key, err)
	}
	defer f.Close()

	n, err := io.Copy(f, out.Body)
	if err != nil {
		return fmt.Errorf("transfer %s: %w", key, err)
	}
	if sink != nil {
		sink.AddTransferred(n)
	}
	return nil
}

func (b *S3Backend) CustomCommandOnFile(_ context.Context, _ string, _ *RemoteFile, _ string, _ func(string)) error {
	return &ErrUnsupported{Backend: "s3", Operation: "custom command"}
}

func (b *S3Backend) AnyCommand(_ context.Context, _ string, _ func(string)) error {
	return &ErrUnsupported{Backend: "s3", Operation: "any command"}
}

func (b *S3Backend) ChecksumFile(ctx context.Context, algorithm, p string) (string, error) {
	if algorithm != "sha256" && algorithm != "" {
		return "", &ErrUnsupported{Backend: "s3", Operation: "checksum algorithm " + algorithm}
	}
	key := strings.TrimPrefix(normalizeKeyPath(p), "/")
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(b.bucket), Key: aws.String(key)})
	if err != nil {
		return "", fmt.Errorf("checksum %s: %w", p, err)
	}
	defer out.Body.Close()

	h := sha256.New()
	if _, err := io.Copy(h, out.Body); err != nil {
		return "", fmt.Errorf("checksum %s: %w", p, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (b *S3Backend) SpaceAvailable(_ context.Context, _ string) (SpaceAvailable, error) {
	return SpaceAvailable{}, &ErrUnsupported{Backend: "s3", Operation: "space available"}
}

func (b *S3Backend) FileURL(p string) string {
	return fmt.Sprintf("s3://%s%s", b.bucket, normalizeKeyPath(p))
}

func (b *S3Backend) Capabilities() Capabilities {
	return NewCapabilities(
		CapRename, CapRemoteCopy, CapRemoteMove, CapCalculatingChecksum, CapParallelTransfers,
	)
}

func (b *S3Backend) FixedPaths() []string { return []string{"/"} }

func (b *S3Backend) SessionInfo() SessionInfo {
	return SessionInfo{Protocol: "s3", ServerID: b.region}
}

func (b *S3Backend) FileSystemInfo(_ context.Context, _ bool) (FileSystemInfo, error) {
	return FileSystemInfo{CaseSensitive: true, PathSeparator: "/"}, nil
}

func normalizeKeyPath(p string) string {
	if p == "" {
		return "/"
	}
	cleaned := path.Clean(p)
	if !strings.HasPrefix(cleaned, "/") {
		cleaned = "/" + cleaned
	}
	if cleaned != "/" {
		cleaned = strings.TrimSuffix(cleaned, "/")
	}
	return cleaned
}

func keyPrefix(p string) string {
	norm := normalizeKeyPath(p)
	if norm == "/" {
		return ""
	}
	return strings.TrimPrefix(norm, "/") + "/"
}
