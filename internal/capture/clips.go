package capture

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-repeat/internal/pcm"
)

// Clip is one finalized recording. URL is the playable handle, valid until
// the clip is released.
type Clip struct {
	ID         string
	PCM        []byte
	SampleRate int
	Channels   int
	Path       string
	URL        string
	CreatedAt  time.Time
}

func (c *Clip) Duration() time.Duration {
	if c == nil {
		return 0
	}
	return pcm.Duration(c.PCM, c.SampleRate, c.Channels)
}

// ClipStore persists clips as WAV files and serves the live ones over HTTP.
type ClipStore struct {
	dir     string
	baseURL string
	log     *slog.Logger
	clock   func() time.Time

	mu    sync.RWMutex
	clips map[string]*Clip
}

func NewClipStore(dir, baseURL string, log *slog.Logger) (*ClipStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create clip dir: %w", err)
	}
	if baseURL == "" {
		baseURL = "/clips/"
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &ClipStore{
		dir:     dir,
		baseURL: baseURL,
		log:     log.With(slog.String("component", "clip-store")),
		clock:   time.Now,
		clips:   make(map[string]*Clip),
	}, nil
}

func (s *ClipStore) Save(data []byte, format Format) (*Clip, error) {
	id := uuid.NewString()
	path := filepath.Join(s.dir, id+".wav")
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create clip file: %w", err)
	}
	if err := pcm.WriteWAV(file, data, format.SampleRate, format.Channels); err != nil {
		file.Close()
		os.Remove(path)
		return nil, err
	}
	if err := file.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("close clip file: %w", err)
	}

	clip := &Clip{
		ID:         id,
		PCM:        data,
		SampleRate: format.SampleRate,
		Channels:   format.Channels,
		Path:       path,
		URL:        s.baseURL + id + ".wav",
		CreatedAt:  s.clock().UTC(),
	}
	s.mu.Lock()
	s.clips[id] = clip
	s.mu.Unlock()
	return clip, nil
}

// Release frees the clip's handle. Nil or already released clips are ignored.
func (s *ClipStore) Release(clip *Clip) {
	if clip == nil {
		return
	}
	s.mu.Lock()
	_, ok := s.clips[clip.ID]
	delete(s.clips, clip.ID)
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := os.Remove(clip.Path); err != nil && !os.IsNotExist(err) {
		s.log.Warn("failed to remove clip", slog.String("clip", clip.ID), slogError(err))
	}
}

func (s *ClipStore) Lookup(id string) (*Clip, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	clip, ok := s.clips[id]
	return clip, ok
}

func (s *ClipStore) Live() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clips)
}

func (s *ClipStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	name := filepath.Base(r.URL.Path)
	id := strings.TrimSuffix(name, ".wav")
	clip, ok := s.Lookup(id)
	if !ok || name != id+".wav" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Cache-Control", "no-store")
	http.ServeFile(w, r, clip.Path)
}

// Close releases every live clip.
func (s *ClipStore) Close() error {
	s.mu.Lock()
	clips := s.clips
	s.clips = make(map[string]*Clip)
	s.mu.Unlock()
	for _, clip := range clips {
		if err := os.Remove(clip.Path); err != nil && !os.IsNotExist(err) {
			s.log.Warn("failed to remove clip", slog.String("clip", clip.ID), slogError(err))
		}
	}
	return nil
}
