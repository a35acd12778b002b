package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakeS3 struct {
	objects map[string]string
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: aws.Int64(int64(len(body))),
	}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	body := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(body)))}, nil
}

func TestParseURL(t *testing.T) {
	tests := []struct {
		raw       string
		bucket    string
		key       string
		shouldErr bool
	}{
		{"s3://images/pe/boot.wim", "images", "pe/boot.wim", false},
		{"s3://images/", "", "", true},
		{"http://images/pe.wim", "", "", true},
		{"s3:///pe.wim", "", "", true},
	}
	for _, tt := range tests {
		bucket, key, err := ParseURL(tt.raw)
		if tt.shouldErr {
			if err == nil {
				t.Errorf("expected error for %s", tt.raw)
			}
			continue
		}
		if err != nil || bucket != tt.bucket || key != tt.key {
			t.Errorf("ParseURL(%s) = %q, %q, %v", tt.raw, bucket, key, err)
		}
	}
}

func TestDownloadComputesChecksum(t *testing.T) {
	c := NewClientWithAPI(&fakeS3{objects: map[string]string{"images/pe.wim": "recovery image"}})

	var buf bytes.Buffer
	var announced int64
	res, err := c.Download(context.Background(), "s3://images/pe.wim", &buf, func(n int64) { announced = n })
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}

	sum := sha256.Sum256([]byte("recovery image"))
	if res.SHA256 != hex.EncodeToString(sum[:]) {
		t.Errorf("sha256 = %s", res.SHA256)
	}
	if res.Size != int64(len("recovery image")) || announced != res.Size {
		t.Errorf("size = %d, announced = %d", res.Size, announced)
	}
	if buf.String() != "recovery image" {
		t.Errorf("body = %q", buf.String())
	}

	size, err := c.Size(context.Background(), "s3://images/pe.wim")
	if err != nil || size != res.Size {
		t.Errorf("Size() = %d, %v", size, err)
	}
}
