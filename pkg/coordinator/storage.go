package coordinator

import "github.com/fluxorio/ekc/pkg/codec"

// Source is the ordered batch of input images.
type Source interface {
	Len() int
	// Name identifies image i in logs and events.
	Name(i int) string
	// Load reads image i. It is called once per image, just before the
	// image is sent.
	Load(i int) (codec.Image, error)
}

// Sink persists result images.
type Sink interface {
	// Store writes the result for input index and returns where it went.
	Store(index int, img codec.Image) (string, error)
}
