package storage

import "path"

// Kind classifies a listing entry.
type Kind string

const (
	KindDirectory       Kind = "dir"
	KindPublicDirectory Kind = "public_directory"
	KindDocument        Kind = "document"
	KindImage           Kind = "image"
	KindAudio           Kind = "audio"
	KindVideo           Kind = "video"
	KindArchive         Kind = "archive"
	KindFile            Kind = "file"
)

// Suffixes are matched case-sensitively.
var kindBySuffix = map[string]Kind{
	".txt": KindDocument, ".pdf": KindDocument, ".md": KindDocument,
	".rtf": KindDocument, ".rst": KindDocument, ".odt": KindDocument,
	".doc": KindDocument, ".docx": KindDocument, ".xls": KindDocument,
	".xlsx": KindDocument,

	".jpg": KindImage, ".jpeg": KindImage, ".png": KindImage,
	".webp": KindImage, ".gif": KindImage, ".bmp": KindImage,
	".tiff": KindImage, ".avif": KindImage, ".apng": KindImage,

	".mp3": KindAudio, ".wav": KindAudio, ".flac": KindAudio,
	".ogg": KindAudio, ".aiff": KindAudio, ".aac": KindAudio,
	".alac": KindAudio, ".pcm": KindAudio, ".dsd": KindAudio,

	".mp4": KindVideo, ".wmv": KindVideo, ".webm": KindVideo,
	".mov": KindVideo, ".avi": KindVideo, ".mkv": KindVideo,

	".zip": KindArchive, ".7z": KindArchive, ".xz": KindArchive,
	".rar": KindArchive, ".gz": KindArchive, ".bz2": KindArchive,
	".zst": KindArchive,
}

// Classify returns the kind of a file by its name.
func Classify(name string) Kind {
	if k, ok := kindBySuffix[path.Ext(name)]; ok {
		return k
	}
	return KindFile
}

// IsVideo reports whether name is served as an embedded player.
func IsVideo(name string) bool {
	return Classify(name) == KindVideo
}
