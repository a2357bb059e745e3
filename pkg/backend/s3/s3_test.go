package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	backendtesting "github.com/marmos91/stratafs/pkg/backend/testing"
	"github.com/marmos91/stratafs/pkg/plugin"
	"github.com/marmos91/stratafs/pkg/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Fake S3
// ============================================================================

type fakeS3 struct {
	mu      sync.Mutex
	bucket  string
	objects map[string][]byte
	puts    atomic.Int32
}

func newFakeS3(bucket string) *fakeS3 {
	return &fakeS3{bucket: bucket, objects: make(map[string][]byte)}
}

func (f *fakeS3) checkBucket(b *string) error {
	if aws.ToString(b) != f.bucket {
		return &types.NoSuchBucket{}
	}
	return nil
}

func (f *fakeS3) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if err := f.checkBucket(in.Bucket); err != nil {
		return nil, err
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(append([]byte(nil), data...))),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	f.puts.Add(1)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	now := time.Now()
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data))), LastModified: &now}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) CopyObject(ctx context.Context, in *s3.CopyObjectInput, opts ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	src := strings.TrimPrefix(aws.ToString(in.CopySource), f.bucket+"/")
	data, ok := f.objects[src]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	f.objects[aws.ToString(in.Key)] = append([]byte(nil), data...)
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := aws.ToString(in.Prefix)
	delim := aws.ToString(in.Delimiter)

	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	seen := make(map[string]bool)
	for _, k := range keys {
		rest := strings.TrimPrefix(k, prefix)
		if delim != "" {
			if i := strings.Index(rest, delim); i >= 0 {
				cp := prefix + rest[:i+1]
				if !seen[cp] {
					seen[cp] = true
					out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(cp)})
				}
				continue
			}
		}
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k), Size: aws.Int64(int64(len(f.objects[k])))})
		if in.MaxKeys != nil && int32(len(out.Contents)) >= *in.MaxKeys {
			break
		}
	}
	return out, nil
}

// ============================================================================
// Helpers
// ============================================================================

var seq atomic.Int32

// withFakes makes every new instance talk to its own fake bucket.
func withFakes(t *testing.T) map[string]*fakeS3 {
	t.Helper()
	var mu sync.Mutex
	fakes := make(map[string]*fakeS3)

	prev := clientFactory
	clientFactory = func(ctx context.Context, cfg Config) (API, error) {
		mu.Lock()
		defer mu.Unlock()
		f := newFakeS3(cfg.Bucket)
		fakes[cfg.Bucket] = f
		return f, nil
	}
	t.Cleanup(func() { clientFactory = prev })
	return fakes
}

func newS3(t *testing.T) *plugin.Instance {
	n := seq.Add(1)
	inst := backendtesting.Load(t, Type, fmt.Sprintf("s3arch%d", n), fmt.Sprintf("bucket=bucket%d;region=us-east-1", n))
	inst.Properties().Set(resource.PropVaultPath, "/vault")
	return inst
}

// ============================================================================
// Tests
// ============================================================================

func TestS3Backend(t *testing.T) {
	withFakes(t)
	suite := &backendtesting.LeafTestSuite{NewInstance: newS3, SkipDirectories: true}
	suite.Run(t)
}

func TestKeysMirrorVaultPaths(t *testing.T) {
	fakes := withFakes(t)
	inst := newS3(t)

	physical := backendtesting.WriteFile(t, inst, backendtesting.Object("/tempZone/home/rods/f", inst.Name()), []byte("abc"))
	assert.Equal(t, "/vault/tempZone/home/rods/f", physical)

	fake := fakes[stateOf(&plugin.Call{Instance: inst}).cfg.Bucket]
	require.NotNil(t, fake)
	assert.Equal(t, []byte("abc"), fake.objects["vault/tempZone/home/rods/f"])
	assert.Equal(t, int32(1), fake.puts.Load())
}

func TestReadOnlyOpenDoesNotUpload(t *testing.T) {
	fakes := withFakes(t)
	inst := newS3(t)
	obj := backendtesting.Object("/f", inst.Name())
	backendtesting.WriteFile(t, inst, obj, []byte("x"))
	backendtesting.ReadFile(t, inst, obj)

	fake := fakes[stateOf(&plugin.Call{Instance: inst}).cfg.Bucket]
	assert.Equal(t, int32(1), fake.puts.Load())
}

func TestListing(t *testing.T) {
	withFakes(t)
	inst := newS3(t)
	ctx := context.Background()
	for _, name := range []string{"/coll/a", "/coll/b", "/coll/sub/c"} {
		backendtesting.WriteFile(t, inst, backendtesting.Object(name, inst.Name()), []byte(name))
	}

	dir := backendtesting.Object("/coll", inst.Name())
	st, err := inst.Invoke(ctx, plugin.OpStat, dir, nil)
	require.NoError(t, err)
	assert.True(t, st.Stat.IsDir)

	res, err := inst.Invoke(ctx, plugin.OpOpendir, dir, nil)
	require.NoError(t, err)
	entries, err := inst.Invoke(ctx, plugin.OpReaddir, dir, &plugin.Request{Descriptor: res.Descriptor})
	require.NoError(t, err)
	assert.Equal(t, []plugin.DirEntry{
		{Name: "sub", IsDir: true},
		{Name: "a", Size: int64(len("/coll/a"))},
		{Name: "b", Size: int64(len("/coll/b"))},
	}, entries.Entries)
	_, err = inst.Invoke(ctx, plugin.OpClosedir, dir, &plugin.Request{Descriptor: res.Descriptor})
	require.NoError(t, err)
}

func TestStartChecksBucket(t *testing.T) {
	withFakes(t)
	inst := newS3(t)
	_, err := inst.Invoke(context.Background(), plugin.OpStart, nil, nil)
	require.NoError(t, err)

	prev := clientFactory
	clientFactory = func(ctx context.Context, cfg Config) (API, error) {
		return newFakeS3("some-other-bucket"), nil
	}
	t.Cleanup(func() { clientFactory = prev })

	other := newS3(t)
	_, err = other.Invoke(context.Background(), plugin.OpStart, nil, nil)
	assert.True(t, resource.IsCode(err, resource.ErrPlugin), "got %v", err)
}

func TestClientFailure(t *testing.T) {
	prev := clientFactory
	clientFactory = func(ctx context.Context, cfg Config) (API, error) {
		return nil, errors.New("no credentials")
	}
	t.Cleanup(func() { clientFactory = prev })

	inst := newS3(t)
	_, err := inst.Invoke(context.Background(), plugin.OpStat, backendtesting.Object("/x", inst.Name()), nil)
	assert.True(t, resource.IsCode(err, resource.ErrPlugin), "got %v", err)
}

func TestFactoryRequiresBucketAndRegion(t *testing.T) {
	tests := []struct {
		name    string
		context string
	}{
		{"NoBucket", "region=us-east-1"},
		{"NoRegion", "bucket=b"},
		{"BadRetries", "bucket=b;region=r;max_retries=many"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Nil(t, Factory("s3bad", tt.context))
		})
	}
	assert.NotNil(t, Factory("s3good", "bucket=b;region=r;capacity=100"))
}

func TestCapacity(t *testing.T) {
	withFakes(t)
	inst := backendtesting.Load(t, Type, "s3cap", "bucket=cap;region=r;capacity=100")
	res, err := inst.Invoke(context.Background(), plugin.OpFreeSpace, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.FreeSpace)
}
