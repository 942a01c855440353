// Package source decides where the input image comes from.
package source

import "errors"

// Kind identifies the origin of an image
type Kind int

const (
	// KindFile is an image on the local filesystem
	KindFile Kind = iota + 1
	// KindURL is an image fetched over HTTP
	KindURL
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindURL:
		return "url"
	default:
		return "unknown"
	}
}

// ErrNoSource is returned when neither a file path nor a URL was given
var ErrNoSource = errors.New("no image source: use -f or -u")

// Source is a resolved image location
type Source struct {
	Kind     Kind
	Location string
}

func (s Source) String() string {
	return s.Kind.String() + ":" + s.Location
}

// Resolve picks the image source. A file path wins over a URL when both are set.
func Resolve(filePath, imageURL string) (Source, error) {
	if filePath != "" {
		return Source{Kind: KindFile, Location: filePath}, nil
	}
	if imageURL != "" {
		return Source{Kind: KindURL, Location: imageURL}, nil
	}
	return Source{}, ErrNoSource
}
