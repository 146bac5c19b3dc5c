package resolver

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"imagevariant/internal/apierr"
	"imagevariant/internal/metadata"
	"imagevariant/internal/queue"
	"imagevariant/internal/variant"
)

// fakeMetadataStore is an in-memory stand-in for metadata.Store honoring the
// same dedup and conditional-update semantics Postgres gives the real
// adapter, per spec.md §9's interface-seam guidance.
type fakeMetadataStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]*variant.Record
}

func newFakeMetadataStore() *fakeMetadataStore {
	return &fakeMetadataStore{records: map[uuid.UUID]*variant.Record{}}
}

func matches(r *variant.Record, f metadata.Filter) bool {
	if r.ImageID != f.ImageID {
		return false
	}
	if f.Width != nil && r.Width != *f.Width {
		return false
	}
	if f.Height != nil && r.Height != *f.Height {
		return false
	}
	if f.Format != nil && r.Format != *f.Format {
		return false
	}
	if f.Status != nil && r.Status != *f.Status {
		return false
	}
	return true
}

func (s *fakeMetadataStore) FindOne(ctx context.Context, f metadata.Filter) (*variant.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if matches(r, f) {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeMetadataStore) FindByID(ctx context.Context, id uuid.UUID) (*variant.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *fakeMetadataStore) Insert(ctx context.Context, r *variant.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.records {
		if existing.ImageID == r.ImageID && existing.Width == r.Width &&
			existing.Height == r.Height && existing.Format == r.Format {
			return apierr.ErrConflict
		}
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	cp := *r
	s.records[r.ID] = &cp
	return nil
}

func (s *fakeMetadataStore) UpdateByID(ctx context.Context, id uuid.UUID, patch metadata.RecordPatch, opts metadata.UpdateOptions) (*variant.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, apierr.ErrRecordMissing
	}
	if opts.ExpectedStatus != nil && r.Status != *opts.ExpectedStatus {
		return nil, apierr.ErrRecordMissing
	}
	if patch.Status != nil {
		r.Status = *patch.Status
	}
	if patch.FileSize != nil {
		r.FileSize = *patch.FileSize
	}
	if patch.FailedReason != nil {
		r.FailedReason = *patch.FailedReason
	}
	if patch.FailedAt != nil {
		r.FailedAt = *patch.FailedAt
	}
	if !opts.ReturnNew {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *fakeMetadataStore) IncrementRequeueCount(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return apierr.ErrRecordMissing
	}
	r.RequeueCount++
	return nil
}

func (s *fakeMetadataStore) DeleteOne(ctx context.Context, f metadata.Filter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.records {
		if matches(r, f) {
			delete(s.records, id)
			return nil
		}
	}
	return apierr.ErrNotFound
}

func (s *fakeMetadataStore) DeleteMany(ctx context.Context, f metadata.Filter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.records {
		if matches(r, f) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

func (s *fakeMetadataStore) Find(ctx context.Context, f metadata.Filter) ([]*variant.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*variant.Record
	for _, r := range s.records {
		if matches(r, f) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

// fakeObjectStore is an in-memory stand-in for internal/store.Client.
type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeObjectStore(originals ...string) *fakeObjectStore {
	objs := map[string][]byte{}
	for _, k := range originals {
		objs[k] = []byte("data")
	}
	return &fakeObjectStore{objects: objs}
}

func (s *fakeObjectStore) Head(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; !ok {
		return apierr.ErrNotFound
	}
	return nil
}

func (s *fakeObjectStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *fakeObjectStore) BatchDelete(ctx context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.objects, k)
	}
	return nil
}

func (s *fakeObjectStore) PublicURL(key string) string {
	return "https://cdn.example.test/" + key
}

// fakeQueue records every Enqueue call instead of dispatching to Redis.
type fakeQueue struct {
	mu   sync.Mutex
	jobs []queue.Payload
}

func (q *fakeQueue) Enqueue(ctx context.Context, name string, payload queue.Payload, opts queue.EnqueueOptions) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, payload)
	return "job-" + payload.ImageID, nil
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func newTestResolver(ms *fakeMetadataStore, os *fakeObjectStore, q *fakeQueue) *Resolver {
	return New(ms, os, q, Config{})
}

func TestResolveVariantColdMissAdmitsAndEnqueues(t *testing.T) {
	ms := newFakeMetadataStore()
	os := newFakeObjectStore("photo.jpg")
	q := &fakeQueue{}
	res := newTestResolver(ms, os, q)

	w, h := 200, 200
	key, servingOriginal, err := res.ResolveVariant(context.Background(), Request{
		ImageID: "photo.jpg", Width: &w, Height: &h, Format: "jpeg",
	})
	require.NoError(t, err)
	require.True(t, servingOriginal)
	require.Equal(t, "photo.jpg", key)
	require.Equal(t, 1, q.count())

	rec, err := ms.FindOne(context.Background(), metadata.Filter{ImageID: "photo.jpg", Width: &w, Height: &h})
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, variant.StatusQueued, rec.Status)
	require.Equal(t, "photo___200x200.jpeg", rec.VariantKey)
}

func TestResolveVariantReadyReturnsVariantKey(t *testing.T) {
	ms := newFakeMetadataStore()
	os := newFakeObjectStore("photo.jpg")
	q := &fakeQueue{}
	res := newTestResolver(ms, os, q)

	require.NoError(t, ms.Insert(context.Background(), &variant.Record{
		ImageID: "photo.jpg", Width: 200, Height: 200, Format: "jpeg",
		OriginalKey: "photo.jpg", VariantKey: "photo___200x200.jpeg", Status: variant.StatusReady,
	}))

	w, h := 200, 200
	key, servingOriginal, err := res.ResolveVariant(context.Background(), Request{
		ImageID: "photo.jpg", Width: &w, Height: &h, Format: "jpeg",
	})
	require.NoError(t, err)
	require.False(t, servingOriginal)
	require.Equal(t, "photo___200x200.jpeg", key)
	require.Equal(t, 0, q.count())
}

func TestResolveVariantQueuedServesOriginal(t *testing.T) {
	ms := newFakeMetadataStore()
	os := newFakeObjectStore("photo.jpg")
	q := &fakeQueue{}
	res := newTestResolver(ms, os, q)

	require.NoError(t, ms.Insert(context.Background(), &variant.Record{
		ImageID: "photo.jpg", Width: 200, Height: 200, Format: "jpeg",
		OriginalKey: "photo.jpg", VariantKey: "photo___200x200.jpeg", Status: variant.StatusProcessing,
	}))

	w, h := 200, 200
	key, servingOriginal, err := res.ResolveVariant(context.Background(), Request{
		ImageID: "photo.jpg", Width: &w, Height: &h, Format: "jpeg",
	})
	require.NoError(t, err)
	require.True(t, servingOriginal)
	require.Equal(t, "photo.jpg", key)
}

func TestResolveVariantMissingOriginalIsNotFound(t *testing.T) {
	ms := newFakeMetadataStore()
	os := newFakeObjectStore()
	q := &fakeQueue{}
	res := newTestResolver(ms, os, q)

	_, _, err := res.ResolveVariant(context.Background(), Request{ImageID: "ghost.jpg"})
	require.ErrorIs(t, err, apierr.ErrNotFound)
}

func TestResolveVariantForceResizeDisplacesReady(t *testing.T) {
	ms := newFakeMetadataStore()
	os := newFakeObjectStore("photo.jpg")
	os.objects["photo___200x200.jpeg"] = []byte("stale")
	q := &fakeQueue{}
	res := newTestResolver(ms, os, q)

	require.NoError(t, ms.Insert(context.Background(), &variant.Record{
		ImageID: "photo.jpg", Width: 200, Height: 200, Format: "jpeg",
		OriginalKey: "photo.jpg", VariantKey: "photo___200x200.jpeg", Status: variant.StatusReady,
	}))

	w, h := 200, 200
	key, servingOriginal, err := res.ResolveVariant(context.Background(), Request{
		ImageID: "photo.jpg", Width: &w, Height: &h, Format: "jpeg", ForceResize: true,
	})
	require.NoError(t, err)
	require.True(t, servingOriginal)
	require.Equal(t, "photo.jpg", key)
	require.Equal(t, 1, q.count())

	_, ok := os.objects["photo___200x200.jpeg"]
	require.False(t, ok)
}

func TestResolveVariantRejectsBadDimensions(t *testing.T) {
	ms := newFakeMetadataStore()
	os := newFakeObjectStore("photo.jpg")
	q := &fakeQueue{}
	res := newTestResolver(ms, os, q)

	w, h := 0, 200
	_, _, err := res.ResolveVariant(context.Background(), Request{
		ImageID: "photo.jpg", Width: &w, Height: &h, Format: "jpeg",
	})
	require.ErrorIs(t, err, apierr.ErrValidation)
}

func TestResolveVariantRejectsMismatchedDimensionPair(t *testing.T) {
	ms := newFakeMetadataStore()
	os := newFakeObjectStore("photo.jpg")
	q := &fakeQueue{}
	res := newTestResolver(ms, os, q)

	w := 200
	_, _, err := res.ResolveVariant(context.Background(), Request{ImageID: "photo.jpg", Width: &w})
	require.ErrorIs(t, err, apierr.ErrValidation)
}

func TestDeleteImageWithFullSelector(t *testing.T) {
	ms := newFakeMetadataStore()
	os := newFakeObjectStore("photo.jpg")
	os.objects["photo___200x200.jpeg"] = []byte("x")
	q := &fakeQueue{}
	res := newTestResolver(ms, os, q)

	require.NoError(t, ms.Insert(context.Background(), &variant.Record{
		ImageID: "photo.jpg", Width: 200, Height: 200, Format: "jpeg",
		OriginalKey: "photo.jpg", VariantKey: "photo___200x200.jpeg", Status: variant.StatusReady,
	}))

	w, h, f := 200, 200, "jpeg"
	err := res.DeleteImage(context.Background(), "photo.jpg", &w, &h, &f)
	require.NoError(t, err)

	_, ok := os.objects["photo___200x200.jpeg"]
	require.False(t, ok)

	recs, err := ms.Find(context.Background(), metadata.Filter{ImageID: "photo.jpg"})
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestDeleteImageNoMatchIsNotFound(t *testing.T) {
	ms := newFakeMetadataStore()
	os := newFakeObjectStore("photo.jpg")
	q := &fakeQueue{}
	res := newTestResolver(ms, os, q)

	err := res.DeleteImage(context.Background(), "photo.jpg", nil, nil, nil)
	require.ErrorIs(t, err, apierr.ErrNotFound)
}

// TestResolveVariantConcurrentColdMissAdmitsExactlyOnce drives spec.md §8
// scenario 2: N concurrent identical cold-miss requests for the same
// (imageId, width, height, format) must result in exactly one admitted
// record and exactly one enqueued render job, with every caller either
// admitting or observing the winner's queued/processing record.
func TestResolveVariantConcurrentColdMissAdmitsExactlyOnce(t *testing.T) {
	ms := newFakeMetadataStore()
	os := newFakeObjectStore("photo.jpg")
	q := &fakeQueue{}
	res := newTestResolver(ms, os, q)

	const concurrency = 50
	var wg sync.WaitGroup
	errs := make([]error, concurrency)
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w, h := 200, 200
			_, _, err := res.ResolveVariant(context.Background(), Request{
				ImageID: "photo.jpg", Width: &w, Height: &h, Format: "jpeg",
			})
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	recs, err := ms.Find(context.Background(), metadata.Filter{ImageID: "photo.jpg"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, 1, q.count())
}

func TestGetOriginalAndPublicURL(t *testing.T) {
	ms := newFakeMetadataStore()
	os := newFakeObjectStore("photo.jpg")
	q := &fakeQueue{}
	res := newTestResolver(ms, os, q)

	key, err := res.GetOriginal(context.Background(), "photo.jpg")
	require.NoError(t, err)
	require.Equal(t, "photo.jpg", key)
	require.Equal(t, "https://cdn.example.test/photo.jpg", res.PublicURL(key))
}
