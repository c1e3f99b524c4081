package media

// Kind 描述媒体引用指向的内容类型。
type Kind string

const (
	Audio     Kind = "audio"
	Video     Kind = "video"
	Image     Kind = "image"
	Utterance Kind = "utterance"
)

// Ref is an opaque reference to produced or captured media. Audio and images
// point at the service's media endpoint, videos at the provider CDN, and an
// utterance carries the text the device should speak.
type Ref struct {
	URI         string `json:"uri,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Kind        Kind   `json:"kind"`
	Text        string `json:"text,omitempty"`
}
