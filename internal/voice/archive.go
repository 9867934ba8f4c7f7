package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/exam-voice-lab/internal/logging"
)

// Archive keeps a local copy of every final payload: the audio file plus a
// JSON sidecar describing it. Writes happen on a background goroutine so
// the listener loop never waits on disk.
type Archive struct {
	Dir   string
	queue chan AudioPayload
}

// archiveRecord is the sidecar written next to each audio file.
type archiveRecord struct {
	UtteranceID     string      `json:"utterance_id"`
	Mode            Mode        `json:"mode"`
	Reason          FlushReason `json:"reason"`
	DurationSeconds float64     `json:"duration_seconds"`
	MimeType        string      `json:"mime_type"`
	Bytes           int         `json:"bytes"`
	AudioPath       string      `json:"audio_path"`
	CreatedAt       time.Time   `json:"created_at"`
}

// NewArchive returns nil when dir is empty, which disables archiving.
func NewArchive(dir string, queueSize int) *Archive {
	if strings.TrimSpace(dir) == "" {
		return nil
	}
	if queueSize <= 0 {
		queueSize = 16
	}
	return &Archive{Dir: dir, queue: make(chan AudioPayload, queueSize)}
}

// HandleAudio queues final payloads for writing and ignores partials. When
// the queue is full the payload is dropped from the archive only.
func (a *Archive) HandleAudio(p AudioPayload) {
	if a == nil || !p.IsFinal {
		return
	}
	select {
	case a.queue <- p:
	default:
		logging.Warnw("archive: queue full, dropping copy", "utterance.id", p.UtteranceID)
	}
}

// Start runs the writer until ctx is done, then drains what is queued.
// Caller must call wg.Add(1) first.
func (a *Archive) Start(ctx context.Context, wg *sync.WaitGroup) {
	go func() {
		defer wg.Done()
		for {
			select {
			case p := <-a.queue:
				a.save(p)
			case <-ctx.Done():
				for {
					select {
					case p := <-a.queue:
						a.save(p)
					default:
						return
					}
				}
			}
		}
	}()
}

func (a *Archive) save(p AudioPayload) {
	if path, err := a.Save(p); err != nil {
		logging.Warnw("archive: save failed", "utterance.id", p.UtteranceID, "err", err)
	} else {
		logging.Debugw("archive: saved", "utterance.id", p.UtteranceID, "path", path)
	}
}

// Save writes p's audio and sidecar and returns the audio path.
func (a *Archive) Save(p AudioPayload) (string, error) {
	audio, err := p.Audio()
	if err != nil {
		return "", fmt.Errorf("decode payload audio: %w", err)
	}
	base := fmt.Sprintf("%s_%s_%s", p.CreatedAt.UTC().Format("20060102T150405.000Z"), p.Mode, p.UtteranceID)
	audioPath := filepath.Join(a.Dir, base+extensionFor(p.MimeType))
	if err := SaveFileAtomic(audioPath, audio, 0o644); err != nil {
		return "", fmt.Errorf("write audio: %w", err)
	}
	rec := archiveRecord{
		UtteranceID:     p.UtteranceID,
		Mode:            p.Mode,
		Reason:          p.Reason,
		DurationSeconds: p.DurationSeconds,
		MimeType:        p.MimeType,
		Bytes:           len(audio),
		AudioPath:       audioPath,
		CreatedAt:       p.CreatedAt,
	}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", err
	}
	if err := SaveFileAtomic(filepath.Join(a.Dir, base+".json"), b, 0o644); err != nil {
		return "", fmt.Errorf("write sidecar: %w", err)
	}
	return audioPath, nil
}

func extensionFor(mime string) string {
	switch {
	case strings.HasPrefix(mime, "audio/wav"):
		return ".wav"
	case strings.Contains(mime, "opus"):
		return ".opus"
	default:
		return ".bin"
	}
}

// SaveFileAtomic writes data through a temp file in the same directory,
// fsyncs it and renames it into place.
func SaveFileAtomic(path string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// StartCleaner periodically removes archived pairs older than retention
// and then the oldest pairs beyond maxFiles (0 disables the cap). Caller
// must call wg.Add(1) first.
func (a *Archive) StartCleaner(ctx context.Context, wg *sync.WaitGroup, retention, interval time.Duration, maxFiles int) {
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n, err := a.Clean(now, retention, maxFiles); err != nil {
					logging.Debugw("archive: cleanup failed", "dir", a.Dir, "err", err)
				} else if n > 0 {
					logging.Infow("archive: cleanup removed entries", "dir", a.Dir, "removed", n)
				}
			}
		}
	}()
}

// Clean applies the retention policy once and returns how many pairs it
// removed.
func (a *Archive) Clean(now time.Time, retention time.Duration, maxFiles int) (int, error) {
	entries, err := os.ReadDir(a.Dir)
	if err != nil {
		return 0, err
	}
	type pair struct {
		sidecar string
		audio   string
		mod     time.Time
	}
	var pairs []pair
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		sidecar := filepath.Join(a.Dir, name)
		info, err := e.Info()
		if err != nil {
			continue
		}
		pr := pair{sidecar: sidecar, mod: info.ModTime()}
		if b, err := os.ReadFile(sidecar); err == nil {
			var rec archiveRecord
			if json.Unmarshal(b, &rec) == nil {
				pr.audio = rec.AudioPath
			}
		}
		pairs = append(pairs, pr)
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].mod.Before(pairs[j].mod) })

	remove := func(p pair) {
		_ = os.Remove(p.sidecar)
		if p.audio != "" {
			_ = os.Remove(p.audio)
		}
	}
	removed := 0
	cutoff := now.Add(-retention)
	if retention > 0 {
		for _, p := range pairs {
			if !p.mod.Before(cutoff) {
				break
			}
			remove(p)
			removed++
		}
	}
	if left := len(pairs) - removed; maxFiles > 0 && left > maxFiles {
		for _, p := range pairs[removed : removed+left-maxFiles] {
			remove(p)
			removed++
		}
	}
	return removed, nil
}
