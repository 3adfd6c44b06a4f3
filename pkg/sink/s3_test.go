package sink

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/Sternrassler/datasync-ingestor/internal/testutil"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakePutter struct {
	objects map[string][]byte
	types   map[string]string
	err     error
}

func newFakePutter() *fakePutter {
	return &fakePutter{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	key := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	f.objects[key] = data
	f.types[key] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func TestNewS3SinkWithClient_Validation(t *testing.T) {
	if _, err := NewS3SinkWithClient(nil, "b", ""); err == nil {
		t.Error("expected error for nil client")
	}
	if _, err := NewS3SinkWithClient(newFakePutter(), "", ""); err == nil {
		t.Error("expected error for empty bucket")
	}
}

func TestS3Sink_WritesNDJSONObject(t *testing.T) {
	putter := newFakePutter()
	s, err := NewS3SinkWithClient(putter, "lake", "")
	if err != nil {
		t.Fatalf("NewS3SinkWithClient() error = %v", err)
	}

	events := testutil.NewEvents(0, 3)
	if err := s.Write(context.Background(), events); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	key := "lake/events/" + events[0].ID + "_" + events[2].ID + ".ndjson"
	data, ok := putter.objects[key]
	if !ok {
		t.Fatalf("object %s not written; have %v", key, putter.objects)
	}
	if putter.types[key] != "application/x-ndjson" {
		t.Errorf("content type = %q", putter.types[key])
	}

	var lines int
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if !strings.Contains(sc.Text(), events[lines].ID) {
			t.Errorf("line %d does not carry id %s", lines, events[lines].ID)
		}
		lines++
	}
	if lines != 3 {
		t.Errorf("object has %d lines, want 3", lines)
	}
}

func TestS3Sink_RedeliveryOverwritesSameKey(t *testing.T) {
	putter := newFakePutter()
	s, _ := NewS3SinkWithClient(putter, "lake", "raw/")
	ctx := context.Background()

	batch := testutil.NewEvents(5, 9)
	for i := 0; i < 2; i++ {
		if err := s.Write(ctx, batch); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	if len(putter.objects) != 1 {
		t.Errorf("got %d objects, want 1", len(putter.objects))
	}
}

func TestS3Sink_EmptyBatchIsNoop(t *testing.T) {
	putter := newFakePutter()
	s, _ := NewS3SinkWithClient(putter, "lake", "")
	if err := s.Write(context.Background(), nil); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if len(putter.objects) != 0 {
		t.Errorf("empty batch wrote %d objects", len(putter.objects))
	}
}

func TestS3Sink_PropagatesErrors(t *testing.T) {
	putter := newFakePutter()
	putter.err = errors.New("access denied")
	s, _ := NewS3SinkWithClient(putter, "lake", "")

	err := s.Write(context.Background(), testutil.NewEvents(0, 1))
	if err == nil || !strings.Contains(err.Error(), "access denied") {
		t.Fatalf("Write() error = %v, want put failure", err)
	}
}
