// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package discovery

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	cerror "github.com/mpik8s/rdzv/pkg/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// DirSource discovers units through a shared directory. Every unit writes a
// file named after its index that holds its address.
type DirSource struct {
	dir          string
	size         int
	pollInterval time.Duration
}

// NewDirSource creates a dir source. The directory is rescanned on every
// file system notification and at least once per pollInterval.
func NewDirSource(dir string, size int, pollInterval time.Duration) *DirSource {
	return &DirSource{dir: dir, size: size, pollInterval: pollInterval}
}

// Announce implements Announcer. The file is renamed into place so readers
// never see a partial address.
func (s *DirSource) Announce(_ context.Context, index int, addr string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return cerror.WrapError(cerror.ErrDiscoveryFailed, err)
	}
	name := strconv.Itoa(index)
	tmp, err := os.CreateTemp(s.dir, "."+name+".tmp*")
	if err != nil {
		return cerror.WrapError(cerror.ErrDiscoveryFailed, err)
	}
	_, err = tmp.WriteString(addr)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), filepath.Join(s.dir, name))
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return cerror.WrapError(cerror.ErrDiscoveryFailed, err)
	}
	return nil
}

// Watch implements Source. Every batch is a full snapshot of the directory.
func (s *DirSource) Watch(ctx context.Context) <-chan WatchResp {
	ch := make(chan WatchResp, defaultWatchChanSize)
	go func() {
		defer close(ch)
		if err := s.watch(ctx, ch); err != nil && ctx.Err() == nil {
			send(ctx, ch, WatchResp{Err: err})
		}
	}()
	return ch
}

func (s *DirSource) watch(ctx context.Context, ch chan<- WatchResp) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return cerror.WrapError(cerror.ErrDiscoveryFailed, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return cerror.WrapError(cerror.ErrDiscoveryFailed, err)
	}
	defer watcher.Close()
	if err := watcher.Add(s.dir); err != nil {
		return cerror.WrapError(cerror.ErrDiscoveryFailed, err)
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		resp, err := s.scan()
		if err != nil {
			return err
		}
		if !send(ctx, ch, resp) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case _, ok := <-watcher.Events:
			if !ok {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("directory watch error, falling back to polling",
				zap.String("dir", s.dir), zap.Error(err))
		}
	}
}

func (s *DirSource) scan() (WatchResp, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return WatchResp{}, cerror.WrapError(cerror.ErrDiscoveryFailed, err)
	}
	events := make([]Event, 0, len(entries)+1)
	if s.size > 0 {
		events = append(events, Event{Type: EventSize, Size: s.size})
	}
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		index, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			// Removed between ReadDir and ReadFile.
			continue
		}
		addr := strings.TrimSpace(string(data))
		if addr == "" {
			continue
		}
		events = append(events, Event{
			Type: EventReady, Index: index, Addr: addr, Name: entry.Name(),
		})
	}
	return WatchResp{Events: events, Snapshot: true}, nil
}
