package conditions

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/oschwald/geoip2-golang"
	"github.com/rs/zerolog"
)

// MaxMindLocator resolves countries from a GeoLite2/GeoIP2 Country mmdb file.
// The reader is swapped atomically when the file is replaced on disk.
type MaxMindLocator struct {
	path   string
	reader atomic.Pointer[geoip2.Reader]
	log    zerolog.Logger
}

// OpenMaxMind opens the database at path.
func OpenMaxMind(path string, log zerolog.Logger) (*MaxMindLocator, error) {
	l := &MaxMindLocator{path: path, log: log}
	if err := l.reload(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *MaxMindLocator) reload() error {
	r, err := geoip2.Open(l.path)
	if err != nil {
		return fmt.Errorf("failed to open geo database %s: %w", l.path, err)
	}
	if old := l.reader.Swap(r); old != nil {
		_ = old.Close()
	}
	return nil
}

// CountryISO implements GeoLocator.
func (l *MaxMindLocator) CountryISO(ip net.IP) (string, error) {
	r := l.reader.Load()
	if r == nil {
		return "", ErrUnknownLocation
	}
	rec, err := r.Country(ip)
	if err != nil {
		return "", err
	}
	if rec.Country.IsoCode == "" {
		return "", ErrUnknownLocation
	}
	return rec.Country.IsoCode, nil
}

// Watch reopens the database whenever its file is written or replaced, until
// ctx is done. Reload failures keep the previous reader.
func (l *MaxMindLocator) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create geo database watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory: database updates usually land via rename.
	if err := w.Add(filepath.Dir(l.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(l.path), err)
	}

	target := filepath.Clean(l.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			if err := l.reload(); err != nil {
				l.log.Warn().Err(err).Msg("geo database reload failed")
				continue
			}
			l.log.Info().Str("path", l.path).Msg("geo database reloaded")
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if !errors.Is(err, fsnotify.ErrEventOverflow) {
				l.log.Warn().Err(err).Msg("geo database watcher error")
			}
		}
	}
}

// Close releases the current reader.
func (l *MaxMindLocator) Close() error {
	if r := l.reader.Swap(nil); r != nil {
		return r.Close()
	}
	return nil
}
