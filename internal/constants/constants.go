// Package constants contains application-wide constants to avoid magic numbers and strings.
package constants

import "time"

// Application defaults
const (
	DefaultPort        = "8080"
	DefaultDBPath      = "crate.db"
	DefaultQueueFile   = "queue.json"
	DefaultQuality     = QualityLossless
	DefaultProviderURL = "http://127.0.0.1:8000"
	DefaultHTTPTimeout = 5 * time.Minute
	ImageHTTPTimeout   = 30 * time.Second
	APIHTTPTimeout     = 20 * time.Second
	DefaultCacheTTL    = 12 * time.Hour
	DefaultRateLimit   = 5 // requests per second against the catalog
)

// Engine
const (
	DefaultConcurrency     = 3
	MaxConcurrencyCeiling  = 10
	DefaultPerCycleQuota   = 10
	DefaultAdmitInterval   = 2 * time.Second
	DefaultAckTimeout      = 2 * time.Second
	DefaultStopTimeout     = 10 * time.Second
	DefaultMaxRetries      = 3
	DefaultWriteRetries    = 1
	DefaultRetryBase       = 1 * time.Second
	DefaultNoRetryLimit    = 50
	DefaultProbeParallel   = 8
	DefaultAlbumPageSize   = 50
	MaxAlbumPages          = 200
	EventBufferSize        = 64
	HTTPRetryCount         = 3
	HTTPRetryBase          = 1 * time.Second
	ProgressUpdateFreq     = 2 * time.Second
	ProgressUpdateBytes    = 1024 * 1024 // 1MB
	TempDirName            = ".crate-tmp"
	EncryptedTempExtension = ".enc"
	DecryptedTempExtension = ".dec"
	StagedTempExtension    = ".part"
)

// Naming templates
const (
	DefaultAlbumTemplate       = "{{.AlbumArtist}}/{{.Album}}/{{.Disc}}-{{.Track}} {{.Title}}"
	DefaultPlaylistTemplate    = "{{.Playlist}}/{{.Position}} - {{.Artist}} - {{.Title}}"
	DefaultCompilationTemplate = "Various Artists/{{.Album}}/{{.Disc}}-{{.Track}} {{.Title}}"
	VariousArtists             = "Various Artists"
)

// Quality levels
const (
	QualityLossless = "FLAC"
	QualityHigh     = "MP3_320"
	QualityLow      = "MP3_128"
)

// MIME Types
const (
	MimeTypeFLAC = "audio/flac"
	MimeTypeMP3  = "audio/mpeg"
	MimeTypeJPEG = "image/jpeg"
)

// Database
const (
	DownloadsTable = "downloads"
	CacheTable     = "cache"
	SettingsTable  = "settings"
)

// File Extensions
const (
	ExtFLAC = ".flac"
	ExtMP3  = ".mp3"
	ExtM3U  = ".m3u"
)

// File Names
const (
	PlaylistsDir = "playlists"
)

// File Permissions
const (
	DirPermissions  = 0755
	FilePermissions = 0644
)

// Characters to sanitize from filesystem paths
const InvalidPathChars = "<>:\"/\\|?*"
