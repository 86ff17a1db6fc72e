// Package gcs provides an annotation store backed by Google Cloud Storage.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/JakeFAU/page-annotator/internal/annotator"
	"github.com/JakeFAU/page-annotator/internal/storage/rowlock"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	Prefix string
}

// objects is the slice of the bucket API the store needs.
type objects interface {
	Read(ctx context.Context, name string) ([]byte, error)
	Write(ctx context.Context, name, contentType string, data []byte) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// AnnotationStore writes one JSON object per annotated row under
// <prefix>/records/. Row writes serialize within this process only.
type AnnotationStore struct {
	objects objects
	prefix  string
	locks   *rowlock.Locker
}

type object struct {
	RowID     string            `json:"row_id"`
	Annotator string            `json:"annotator"`
	Values    map[string]string `json:"values"`
}

// New creates a GCS-backed annotation store.
func New(client *storage.Client, cfg Config) (*AnnotationStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return newWithObjects(bucketObjects{bucket: client.Bucket(cfg.Bucket)}, cfg.Prefix), nil
}

func newWithObjects(o objects, prefix string) *AnnotationStore {
	return &AnnotationStore{
		objects: o,
		prefix:  path.Join(strings.Trim(prefix, "/"), "records") + "/",
		locks:   rowlock.New(),
	}
}

func (s *AnnotationStore) objectName(rowID string) string {
	return s.prefix + url.PathEscape(rowID) + ".json"
}

// Upsert replaces the object for rowID.
func (s *AnnotationStore) Upsert(
	ctx context.Context,
	rowID string,
	values map[string]string,
	reviewer string,
) (annotator.UpsertResult, error) {
	unlock := s.locks.Lock(rowID)
	defer unlock()

	prev, existed, err := s.Get(ctx, rowID)
	if err != nil {
		return annotator.UpsertResult{}, &annotator.PersistenceError{RowID: rowID, Err: err}
	}
	rec := annotator.Record{
		RowID:     rowID,
		Values:    annotator.CloneValues(values),
		Annotator: strings.TrimSpace(reviewer),
	}
	data, err := json.Marshal(object{RowID: rec.RowID, Annotator: rec.Annotator, Values: rec.Values})
	if err != nil {
		return annotator.UpsertResult{}, &annotator.PersistenceError{RowID: rowID, Err: err}
	}
	if err := s.objects.Write(ctx, s.objectName(rowID), "application/json", data); err != nil {
		return annotator.UpsertResult{}, &annotator.PersistenceError{RowID: rowID, Err: err}
	}
	return annotator.UpsertResult{Record: rec, Previous: prev.Annotator, Created: !existed}, nil
}

// Get returns the record for rowID.
func (s *AnnotationStore) Get(ctx context.Context, rowID string) (annotator.Record, bool, error) {
	data, err := s.objects.Read(ctx, s.objectName(rowID))
	if errors.Is(err, storage.ErrObjectNotExist) {
		return annotator.Record{}, false, nil
	}
	if err != nil {
		return annotator.Record{}, false, fmt.Errorf("read %s: %w", rowID, err)
	}
	rec, err := decode(data)
	if err != nil {
		return annotator.Record{}, false, err
	}
	return rec, true, nil
}

// All reads every record object under the prefix.
func (s *AnnotationStore) All(ctx context.Context) (map[string]annotator.Record, error) {
	names, err := s.objects.List(ctx, s.prefix)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	out := make(map[string]annotator.Record, len(names))
	for _, name := range names {
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := s.objects.Read(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		rec, err := decode(data)
		if err != nil {
			return nil, err
		}
		out[rec.RowID] = rec
	}
	return out, nil
}

func decode(data []byte) (annotator.Record, error) {
	var obj object
	if err := json.Unmarshal(data, &obj); err != nil {
		return annotator.Record{}, fmt.Errorf("decode record: %w", err)
	}
	return annotator.Record{RowID: obj.RowID, Annotator: obj.Annotator, Values: annotator.CloneValues(obj.Values)}, nil
}

// Close is a no-op; the caller owns the storage client.
func (s *AnnotationStore) Close() error { return nil }

type bucketObjects struct {
	bucket *storage.BucketHandle
}

func (b bucketObjects) Read(ctx context.Context, name string) ([]byte, error) {
	r, err := b.bucket.Object(name).NewReader(ctx)
	if err != nil {
		return nil, err //nolint:wrapcheck // callers match storage.ErrObjectNotExist
	}
	defer r.Close() //nolint:errcheck // read-only handle
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

func (b bucketObjects) Write(ctx context.Context, name, contentType string, data []byte) error {
	writer := b.bucket.Object(name).NewWriter(ctx)
	writer.ContentType = contentType
	if _, err := writer.Write(data); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return fmt.Errorf("write object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("write object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

func (b bucketObjects) List(ctx context.Context, prefix string) ([]string, error) {
	it := b.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return names, nil
		}
		if err != nil {
			return nil, fmt.Errorf("iterate objects: %w", err)
		}
		names = append(names, attrs.Name)
	}
}
