package archive

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUploader struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakeUploader) Upload(_ context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(in.Body)
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)
	return &manager.UploadOutput{}, nil
}

func TestS3ArchiverUploads(t *testing.T) {
	up := &fakeUploader{}
	a := NewS3WithUploader(up, "backups", "/finsync/")

	require.NoError(t, a.Archive(context.Background(), "snapshots/u1/x.json", []byte(`{"ok":true}`)))
	require.Len(t, up.inputs, 1)
	assert.Equal(t, "backups", aws.ToString(up.inputs[0].Bucket))
	assert.Equal(t, "finsync/snapshots/u1/x.json", aws.ToString(up.inputs[0].Key))
	assert.Equal(t, "application/json", aws.ToString(up.inputs[0].ContentType))
	assert.Equal(t, `{"ok":true}`, string(up.bodies[0]))
}

func TestS3ArchiverError(t *testing.T) {
	a := NewS3WithUploader(&fakeUploader{err: errors.New("denied")}, "b", "")
	err := a.Archive(context.Background(), "k", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "denied")
}

func TestDirArchiver(t *testing.T) {
	root := t.TempDir()
	a := &DirArchiver{Root: root}

	require.NoError(t, a.Archive(context.Background(), "snapshots/u1/a.json", []byte("one")))
	data, err := os.ReadFile(filepath.Join(root, "snapshots", "u1", "a.json"))
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))
}

func TestDirArchiverStaysInsideRoot(t *testing.T) {
	root := t.TempDir()
	a := &DirArchiver{Root: filepath.Join(root, "archive")}

	require.NoError(t, a.Archive(context.Background(), "../../escape.json", []byte("x")))
	_, err := os.Stat(filepath.Join(root, "archive", "escape.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "escape.json"))
	assert.True(t, os.IsNotExist(err))

	assert.Error(t, a.Archive(context.Background(), "", []byte("x")))
}

func TestNewSelectsKind(t *testing.T) {
	ctx := context.Background()

	a, err := New(ctx, Config{})
	require.NoError(t, err)
	assert.Nil(t, a)

	a, err = New(ctx, Config{Kind: "dir", Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &DirArchiver{}, a)

	_, err = New(ctx, Config{Kind: "dir"})
	assert.Error(t, err)
	_, err = New(ctx, Config{Kind: "s3"})
	assert.Error(t, err)
	_, err = New(ctx, Config{Kind: "ftp"})
	assert.Error(t, err)
}

func TestNewS3WithStaticCredentials(t *testing.T) {
	a, err := New(context.Background(), Config{
		Kind:            "s3",
		Bucket:          "b",
		Region:          "us-east-1",
		Endpoint:        "http://127.0.0.1:9000",
		AccessKeyID:     "id",
		SecretAccessKey: "secret",
	})
	require.NoError(t, err)
	assert.IsType(t, &S3Archiver{}, a)
}

func TestSnapshotKey(t *testing.T) {
	assert.Equal(t, "snapshots/u_1/2025-01-02T030405000Z-7.json",
		SnapshotKey("u_1", 7, "2025-01-02T03:04:05.000Z"))
}
