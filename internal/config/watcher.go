package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// CatalogWatcher はカタログファイルを監視し、変更時に再読み込みする。
// 不正な内容に書き換えられた場合は直前のカタログを保持し続ける。
type CatalogWatcher struct {
	path    string
	current atomic.Pointer[Catalog]
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

// NewCatalogWatcher はカタログを読み込み、ファイル監視を準備する。
// 初回読み込みに失敗した場合はエラーを返す（起動を中止する）。
func NewCatalogWatcher(path string, logger *slog.Logger) (*CatalogWatcher, error) {
	cat, err := LoadCatalog(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create catalog watcher: %w", err)
	}
	// エディタのrename保存にも追従するため、ディレクトリを監視する
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch catalog directory: %w", err)
	}

	w := &CatalogWatcher{
		path:    path,
		watcher: watcher,
		logger:  logger,
	}
	w.current.Store(cat)
	return w, nil
}

// Current は現在有効なカタログを返す。
func (w *CatalogWatcher) Current() *Catalog {
	return w.current.Load()
}

// Run はコンテキストがキャンセルされるまでファイル変更を監視する。
func (w *CatalogWatcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("catalog watcher error", slog.String("error", err.Error()))
		}
	}
}

// Close はファイル監視を停止する。Run実行中に呼んだ場合、Runは終了する。
func (w *CatalogWatcher) Close() error {
	return w.watcher.Close()
}

func (w *CatalogWatcher) reload() {
	cat, err := LoadCatalog(w.path)
	if err != nil {
		w.logger.Error("catalog reload failed, keeping previous catalog",
			slog.String("path", w.path),
			slog.String("error", err.Error()),
		)
		return
	}
	w.current.Store(cat)
	w.logger.Info("catalog reloaded",
		slog.String("path", w.path),
		slog.Int("airports", len(cat.ATCStreams)),
		slog.Int("playlists", len(cat.SpotifyPlaylists)),
	)
}
