//go:build integration

package s3_test

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3backend "github.com/marmos91/stratafs/pkg/backend/s3"
	backendtesting "github.com/marmos91/stratafs/pkg/backend/testing"
	"github.com/marmos91/stratafs/pkg/plugin"
	"github.com/marmos91/stratafs/pkg/resource"
)

func localstackEndpoint() string {
	if endpoint := os.Getenv("LOCALSTACK_ENDPOINT"); endpoint != "" {
		return endpoint
	}
	return "http://localhost:4566"
}

// setupTestS3 creates the test bucket and returns a cleanup function that
// empties and deletes it.
func setupTestS3(t *testing.T, bucketName string) func() {
	t.Helper()
	ctx := context.Background()
	endpoint := localstackEndpoint()

	cfg, err := awsConfig.LoadDefaultConfig(ctx,
		awsConfig.WithRegion("us-east-1"),
		awsConfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               endpoint,
					HostnameImmutable: true,
					Source:            aws.EndpointSourceCustom,
				}, nil
			},
		)),
		awsConfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "")),
	)
	if err != nil {
		t.Fatalf("Failed to load AWS config: %v", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	if _, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucketName)}); err != nil {
		t.Fatalf("Failed to create test bucket: %v", err)
	}

	return func() {
		listResp, _ := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: aws.String(bucketName)})
		if listResp != nil {
			for _, obj := range listResp.Contents {
				_, _ = client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucketName), Key: obj.Key})
			}
		}
		_, _ = client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucketName)})
	}
}

// TestS3ArchiveResource_Integration runs the leaf plugin conformance suite
// against a real S3-compatible service (Localstack).
//
// Prerequisites:
//   - Localstack running on localhost:4566
//   - Run with: go test -tags=integration ./test/integration/s3/...
//
// To start Localstack:
//
//	docker run --rm -p 4566:4566 localstack/localstack
func TestS3ArchiveResource_Integration(t *testing.T) {
	bucketName := "stratafs-test-archive"
	cleanup := setupTestS3(t, bucketName)
	defer cleanup()

	rescContext := fmt.Sprintf("bucket=%s;region=us-east-1;endpoint=%s;access_key_id=test;secret_access_key=test",
		bucketName, localstackEndpoint())

	// Every instance gets its own key prefix so tests never see each
	// other's objects.
	var seq atomic.Int32
	newInstance := func(t *testing.T) *plugin.Instance {
		n := seq.Add(1)
		inst := backendtesting.Load(t, s3backend.Type, fmt.Sprintf("s3arch%d", n), rescContext)
		inst.Properties().Set(resource.PropVaultPath, fmt.Sprintf("/run%d", n))
		return inst
	}

	t.Run("Start", func(t *testing.T) {
		inst := newInstance(t)
		if _, err := inst.Invoke(context.Background(), plugin.OpStart, nil, nil); err != nil {
			t.Fatalf("start failed: %v", err)
		}
	})

	suite := &backendtesting.LeafTestSuite{NewInstance: newInstance, SkipDirectories: true}
	suite.Run(t)
}
