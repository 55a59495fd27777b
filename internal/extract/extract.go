// Package extract turns a media URL into an MP3 file on disk by driving
// yt-dlp (metadata and stream resolution) and ffmpeg (transcoding).
package extract

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
)

const (
	CodecMP3           = "mp3"
	DefaultBitrateKbps = 192
)

// Request describes one extraction.
type Request struct {
	SourceURL   string
	OutputPath  string
	Codec       string
	BitrateKbps int
}

// Metadata is what the source reports about the media. Zero values mean
// the source did not say.
type Metadata struct {
	Title     string
	Duration  float64
	Thumbnail string
}

// Client downloads and transcodes req.SourceURL into req.OutputPath.
type Client interface {
	Extract(ctx context.Context, req Request) (Metadata, error)
}

// ErrNoAudio is returned when the source offers no usable audio format.
var ErrNoAudio = errors.New("no usable audio formats found")

// YTDLP implements Client with the yt-dlp and ffmpeg binaries.
type YTDLP struct {
	ytdlpPath  string
	ffmpegPath string
	cookieFile string
	runner     CommandRunner
}

// Option configures YTDLP.
type Option func(*YTDLP)

func WithYTDLPPath(path string) Option {
	return func(y *YTDLP) { y.ytdlpPath = path }
}

func WithFFmpegPath(path string) Option {
	return func(y *YTDLP) { y.ffmpegPath = path }
}

// WithCookieFile passes a Netscape cookie file to yt-dlp for sources that
// require a signed-in session.
func WithCookieFile(path string) Option {
	return func(y *YTDLP) { y.cookieFile = path }
}

// WithCommandRunner replaces os/exec (for tests).
func WithCommandRunner(r CommandRunner) Option {
	return func(y *YTDLP) { y.runner = r }
}

func NewYTDLP(opts ...Option) *YTDLP {
	y := &YTDLP{
		ytdlpPath:  "yt-dlp",
		ffmpegPath: "ffmpeg",
		runner:     ExecCommandRunner{},
	}
	for _, opt := range opts {
		opt(y)
	}
	return y
}

type ytdlpFormat struct {
	FormatID    string            `json:"format_id"`
	ACodec      string            `json:"acodec"`
	VCodec      string            `json:"vcodec"`
	Ext         string            `json:"ext"`
	Protocol    string            `json:"protocol"`
	URL         string            `json:"url"`
	ABR         float64           `json:"abr"`
	TBR         float64           `json:"tbr"`
	HTTPHeaders map[string]string `json:"http_headers"`
}

type ytdlpInfo struct {
	Title     string        `json:"title"`
	Duration  float64       `json:"duration"`
	Thumbnail string        `json:"thumbnail"`
	Formats   []ytdlpFormat `json:"formats"`
}

// Extract implements Client.
func (y *YTDLP) Extract(ctx context.Context, req Request) (Metadata, error) {
	if req.Codec == "" {
		req.Codec = CodecMP3
	}
	if req.Codec != CodecMP3 {
		return Metadata{}, fmt.Errorf("unsupported codec %q", req.Codec)
	}
	if req.BitrateKbps <= 0 {
		req.BitrateKbps = DefaultBitrateKbps
	}

	info, err := y.probe(ctx, req.SourceURL)
	if err != nil {
		return Metadata{}, err
	}
	best, err := pickAudioFormat(info.Formats)
	if err != nil {
		return Metadata{}, err
	}
	if err := y.transcode(ctx, best, req); err != nil {
		return Metadata{}, err
	}
	return Metadata{
		Title:     strings.ReplaceAll(info.Title, "/", "-"),
		Duration:  info.Duration,
		Thumbnail: info.Thumbnail,
	}, nil
}

// VerifyInstalled checks that both binaries can be executed.
func (y *YTDLP) VerifyInstalled(ctx context.Context) error {
	if _, err := y.runner.Output(ctx, y.ytdlpPath, "--version"); err != nil {
		return fmt.Errorf("yt-dlp not found or not executable: %w", err)
	}
	if _, err := y.runner.Output(ctx, y.ffmpegPath, "-version"); err != nil {
		return fmt.Errorf("ffmpeg not found or not executable: %w", err)
	}
	return nil
}

func (y *YTDLP) probe(ctx context.Context, sourceURL string) (*ytdlpInfo, error) {
	args := []string{"-J", "--no-warnings", "--skip-download", "--no-playlist"}
	if y.cookieFile != "" {
		args = append(args, "--cookies", y.cookieFile)
	}
	args = append(args, "--", sourceURL)

	out, err := y.runner.Output(ctx, y.ytdlpPath, args...)
	if err != nil {
		return nil, fmt.Errorf("yt-dlp metadata: %w", err)
	}
	var info ytdlpInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, fmt.Errorf("yt-dlp metadata parse: %w", err)
	}
	return &info, nil
}

func (y *YTDLP) transcode(ctx context.Context, f ytdlpFormat, req Request) error {
	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	args := []string{"-y", "-loglevel", "error", "-nostdin"}
	if h := formatHeaders(f.HTTPHeaders); h != "" {
		args = append(args, "-headers", h)
	}
	args = append(args,
		"-i", f.URL,
		"-vn",
		"-acodec", "libmp3lame",
		"-ar", "44100",
		"-b:a", fmt.Sprintf("%dk", req.BitrateKbps),
		"-f", "mp3",
		req.OutputPath,
	)
	if err := y.runner.Run(ctx, y.ffmpegPath, args...); err != nil {
		return fmt.Errorf("ffmpeg conversion: %w", err)
	}
	return nil
}

// pickAudioFormat prefers audio-only formats and falls back to any format
// that carries audio. Among candidates the highest rank wins; equal ranks
// keep yt-dlp's order.
func pickAudioFormat(formats []ytdlpFormat) (ytdlpFormat, error) {
	var candidates []ytdlpFormat
	for _, f := range formats {
		if f.URL != "" && (f.VCodec == "none" || f.VCodec == "") && f.ACodec != "none" {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		for _, f := range formats {
			if f.URL != "" && f.ACodec != "none" {
				candidates = append(candidates, f)
			}
		}
	}
	if len(candidates) == 0 {
		return ytdlpFormat{}, ErrNoAudio
	}
	slices.SortStableFunc(candidates, func(a, b ytdlpFormat) int {
		return cmp.Compare(rankFormat(b), rankFormat(a))
	})
	return candidates[0], nil
}

// Container preference, ahead of bitrate. Unlisted containers get
// defaultContainerRank.
var containerRank = map[string]float64{
	"m4a":  100,
	"webm": 90,
	"ogg":  85,
	"opus": 85,
	"mp4":  70,
}

const defaultContainerRank = 60

// Transport preference; the first matching prefix or substring wins.
var protocolRank = []struct {
	match func(string) bool
	rank  float64
}{
	{func(p string) bool { return strings.HasPrefix(p, "https") }, 30},
	{func(p string) bool { return strings.HasPrefix(p, "http") }, 25},
	{func(p string) bool { return strings.Contains(p, "m3u8") || strings.Contains(p, "hls") }, 20},
	{func(p string) bool { return strings.Contains(p, "dash") }, 15},
}

// rankFormat scores a format by container, transport and audio bitrate in
// kbps. Bitrate is added unrounded, so between otherwise equal formats the
// higher bitrate wins. Without an audio bitrate, half the total bitrate
// stands in for it.
func rankFormat(f ytdlpFormat) float64 {
	rank, ok := containerRank[strings.ToLower(f.Ext)]
	if !ok {
		rank = defaultContainerRank
	}
	p := strings.ToLower(f.Protocol)
	for _, pr := range protocolRank {
		if pr.match(p) {
			rank += pr.rank
			break
		}
	}
	switch {
	case f.ABR > 0:
		rank += f.ABR
	case f.TBR > 0:
		rank += f.TBR / 2
	}
	return rank
}

// formatHeaders renders yt-dlp's per-format headers in ffmpeg's -headers
// syntax, sorted for stable argument lists.
func formatHeaders(h map[string]string) string {
	if len(h) == 0 {
		return ""
	}
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(h[k])
		b.WriteString("\r\n")
	}
	return b.String()
}

// Ensure YTDLP implements Client
var _ Client = (*YTDLP)(nil)
