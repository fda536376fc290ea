package s3

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/docwire/blobstore"
)

// fakeClient is an in-memory S3 fake. Artifacts in these tests are small
// enough that the uploader always takes the single PutObject path.
type fakeClient struct {
	mu      sync.Mutex
	objects map[string][]byte
	// block, when set, stalls PutObject until closed; putStarted, when
	// set, receives a signal as each PutObject begins.
	block      chan struct{}
	putStarted chan struct{}
}

func newFakeClient() *fakeClient {
	return &fakeClient{objects: make(map[string][]byte)}
}

func (f *fakeClient) PutObject(_ context.Context, params *awss3.PutObjectInput, _ ...func(*awss3.Options)) (*awss3.PutObjectOutput, error) {
	if f.putStarted != nil {
		f.putStarted <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(params.Key)] = data
	return &awss3.PutObjectOutput{}, nil
}

func (f *fakeClient) GetObject(_ context.Context, params *awss3.GetObjectInput, _ ...func(*awss3.Options)) (*awss3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("no such key")}
	}
	return &awss3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(string(data)))}, nil
}

func (f *fakeClient) DeleteObject(_ context.Context, params *awss3.DeleteObjectInput, _ ...func(*awss3.Options)) (*awss3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(params.Key))
	return &awss3.DeleteObjectOutput{}, nil
}

func (f *fakeClient) ListObjectsV2(_ context.Context, params *awss3.ListObjectsV2Input, _ ...func(*awss3.Options)) (*awss3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for key := range f.objects {
		if strings.HasPrefix(key, aws.ToString(params.Prefix)) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	out := &awss3.ListObjectsV2Output{}
	for _, key := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(key)})
	}
	return out, nil
}

func (f *fakeClient) CreateMultipartUpload(context.Context, *awss3.CreateMultipartUploadInput, ...func(*awss3.Options)) (*awss3.CreateMultipartUploadOutput, error) {
	return nil, errors.New("multipart not supported by fake")
}

func (f *fakeClient) UploadPart(context.Context, *awss3.UploadPartInput, ...func(*awss3.Options)) (*awss3.UploadPartOutput, error) {
	return nil, errors.New("multipart not supported by fake")
}

func (f *fakeClient) CompleteMultipartUpload(context.Context, *awss3.CompleteMultipartUploadInput, ...func(*awss3.Options)) (*awss3.CompleteMultipartUploadOutput, error) {
	return nil, errors.New("multipart not supported by fake")
}

func (f *fakeClient) AbortMultipartUpload(context.Context, *awss3.AbortMultipartUploadInput, ...func(*awss3.Options)) (*awss3.AbortMultipartUploadOutput, error) {
	return nil, errors.New("multipart not supported by fake")
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	store := New(newFakeClient(), "docwire-exports", "db-1")

	_, err := store.Get(ctx, "exports/missing.json")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)

	require.NoError(t, store.Put(ctx, "exports/doc-1.json", strings.NewReader("payload")))
	data, err := blobstore.ReadAll(ctx, store, "exports/doc-1.json")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	require.NoError(t, store.Put(ctx, "exports/doc-2.json", strings.NewReader("x")))
	names, err := store.List(ctx, "exports/")
	require.NoError(t, err)
	assert.Equal(t, []string{"exports/doc-1.json", "exports/doc-2.json"}, names)

	require.NoError(t, store.Delete(ctx, "exports/doc-1.json"))
	_, err = store.Get(ctx, "exports/doc-1.json")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}

func TestStore_InflightGate(t *testing.T) {
	ctx := context.Background()
	store := New(newFakeClient(), "docwire-exports", "", func(o *Options) {
		o.MaxInflightPuts = 2
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := "exports/doc-" + string(rune('a'+i)) + ".json"
			assert.NoError(t, store.Put(ctx, name, strings.NewReader("x")))
		}(i)
	}
	wg.Wait()

	names, err := store.List(ctx, "exports/")
	require.NoError(t, err)
	assert.Len(t, names, 8)
}

func TestStore_GateHonorsContext(t *testing.T) {
	client := newFakeClient()
	client.block = make(chan struct{})
	client.putStarted = make(chan struct{}, 1)
	store := New(client, "docwire-exports", "", func(o *Options) {
		o.MaxInflightPuts = 1
	})

	// Occupy the gate with a stalled upload.
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, store.Put(context.Background(), "exports/slow.json", strings.NewReader("x")))
	}()
	<-client.putStarted

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := store.Put(ctx, "exports/doc.json", strings.NewReader("x"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(client.block)
	<-done
}
