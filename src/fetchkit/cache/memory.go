package cache

import (
	"bytes"
	"container/list"
	"image"
	"io"
	"sync"

	"github.com/tidwall/buntdb"
)

// ImageDecoder turns stored bytes into a decoded image. The default is the
// stdlib registry (image.Decode); applications plug their own decoder for
// formats the registry does not know.
type ImageDecoder func(r io.Reader) (image.Image, error)

func defaultDecoder(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	return img, err
}

// MemoryCache is the in-memory tier: a resource-id to file-URL map queried
// synchronously from any caller, plus a bounded cache of decoded images.
// The URL map lives in an in-memory buntdb so snapshots and prefix scans
// stay cheap under concurrent readers.
type MemoryCache struct {
	urls    *buntdb.DB
	decoder ImageDecoder

	mu       sync.Mutex
	images   map[string]*list.Element
	eviction *list.List
	capacity int
}

type imageEntry struct {
	id  string
	img image.Image
}

// NewMemoryCache creates a memory cache holding at most capacity decoded
// images (values below 1 fall back to 64).
func NewMemoryCache(capacity int, decoder ImageDecoder) (*MemoryCache, error) {
	if capacity < 1 {
		capacity = 64
	}
	if decoder == nil {
		decoder = defaultDecoder
	}

	urls, err := buntdb.Open(":memory:")
	if err != nil {
		return nil, err
	}

	return &MemoryCache{
		urls:     urls,
		decoder:  decoder,
		images:   make(map[string]*list.Element),
		eviction: list.New(),
		capacity: capacity,
	}, nil
}

// Close releases the underlying store.
func (m *MemoryCache) Close() error {
	return m.urls.Close()
}

// SetFileURL records the local path for a resource id.
func (m *MemoryCache) SetFileURL(id, fileURL string) {
	_ = m.urls.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(id, fileURL, nil)
		return err
	})
}

// FileURL returns the local path for a resource id.
func (m *MemoryCache) FileURL(id string) (string, bool) {
	var url string
	err := m.urls.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(id)
		if err != nil {
			return err
		}
		url = v
		return nil
	})
	if err != nil {
		return "", false
	}
	return url, true
}

// Remove drops both the URL mapping and any decoded image for the id.
func (m *MemoryCache) Remove(id string) {
	_ = m.urls.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(id)
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})

	m.mu.Lock()
	if el, ok := m.images[id]; ok {
		m.eviction.Remove(el)
		delete(m.images, id)
	}
	m.mu.Unlock()
}

// Len returns the number of tracked file URLs.
func (m *MemoryCache) Len() int {
	n := 0
	_ = m.urls.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", func(key, value string) bool {
			n++
			return true
		})
	})
	return n
}

// Image returns the cached decoded image for an id, if present.
func (m *MemoryCache) Image(id string) (image.Image, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.images[id]
	if !ok {
		return nil, false
	}
	m.eviction.MoveToFront(el)
	return el.Value.(*imageEntry).img, true
}

// Decode decodes data and caches the image under the id, evicting the least
// recently used entry when over capacity.
func (m *MemoryCache) Decode(id string, data []byte) (image.Image, error) {
	img, err := m.decoder(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if el, ok := m.images[id]; ok {
		m.eviction.MoveToFront(el)
		el.Value.(*imageEntry).img = img
	} else {
		m.images[id] = m.eviction.PushFront(&imageEntry{id: id, img: img})
		for m.eviction.Len() > m.capacity {
			oldest := m.eviction.Back()
			m.eviction.Remove(oldest)
			delete(m.images, oldest.Value.(*imageEntry).id)
		}
	}
	m.mu.Unlock()

	return img, nil
}
