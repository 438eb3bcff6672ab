package config

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hitoshi/chillatc/internal/model"
)

// Catalog は選択可能なATCストリームとSpotifyプレイリストの一覧。
type Catalog struct {
	ATCStreams       map[string]string `yaml:"ATC streams"`
	SpotifyPlaylists map[string]string `yaml:"Spotify playlists"`
}

// LoadCatalog はYAMLファイルからCatalogを読み込む。
// ファイルが存在しない、または内容が不正な場合は*model.ConfigErrorを返す。
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &model.ConfigError{Invalid: []string{fmt.Sprintf("catalog %s: %v", path, err)}}
	}
	return ParseCatalog(data)
}

// ParseCatalog はYAMLバイト列をCatalogとして解釈し、検証する。
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, &model.ConfigError{Invalid: []string{fmt.Sprintf("catalog: %v", err)}}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate は両方の一覧が空でなく、全URLが絶対http(s) URLであることを検証する。
func (c *Catalog) Validate() error {
	cerr := &model.ConfigError{}
	if len(c.ATCStreams) == 0 {
		cerr.Missing = append(cerr.Missing, "ATC streams")
	}
	if len(c.SpotifyPlaylists) == 0 {
		cerr.Missing = append(cerr.Missing, "Spotify playlists")
	}
	for _, name := range sortedKeys(c.ATCStreams) {
		if !isAbsoluteHTTPURL(c.ATCStreams[name]) {
			cerr.Invalid = append(cerr.Invalid, fmt.Sprintf("ATC stream %q has invalid URL", name))
		}
	}
	for _, name := range sortedKeys(c.SpotifyPlaylists) {
		if !isAbsoluteHTTPURL(c.SpotifyPlaylists[name]) {
			cerr.Invalid = append(cerr.Invalid, fmt.Sprintf("playlist %q has invalid URL", name))
		}
	}
	if !cerr.Empty() {
		return cerr
	}
	return nil
}

// Airports は空港名を辞書順で返す。
func (c *Catalog) Airports() []string {
	return sortedKeys(c.ATCStreams)
}

// Playlists はプレイリスト名を辞書順で返す。
func (c *Catalog) Playlists() []string {
	return sortedKeys(c.SpotifyPlaylists)
}

// StreamURL は空港名に対応するATCストリームURLを返す。
func (c *Catalog) StreamURL(airport string) (string, bool) {
	u, ok := c.ATCStreams[airport]
	return u, ok
}

// PlaylistURL はプレイリスト名に対応する埋め込みURLを返す。
func (c *Catalog) PlaylistURL(playlist string) (string, bool) {
	u, ok := c.SpotifyPlaylists[playlist]
	return u, ok
}

// PlaylistURI は埋め込みURL（https://open.spotify.com/embed/playlist/<id>?…）から
// Web Playback SDKが受け付けるcontext URI（spotify:playlist:<id>）を導出する。
// 導出できない場合は空文字列を返す。
func PlaylistURI(rawURL string) string {
	if strings.HasPrefix(rawURL, "spotify:") {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+1 < len(segments); i++ {
		if segments[i] == "playlist" && segments[i+1] != "" {
			return "spotify:playlist:" + segments[i+1]
		}
	}
	return ""
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
