// Package model defines domain entities used by services and repositories.
package model

// Algorithm names the HMAC hash used with a credential key.
type Algorithm string

const (
	SHA1   Algorithm = "sha1"
	SHA256 Algorithm = "sha256"
)

// Valid reports whether the algorithm is one the server knows how to compute.
func (a Algorithm) Valid() bool { return a == SHA1 || a == SHA256 }

// Credential is signing material resolved for a client id. Immutable once
// issued; "root" is reserved for the statically configured server identity.
type Credential struct {
	ID        string
	Key       string
	Algorithm Algorithm
}

// Version is the tamper-evident record attached to every post mutation.
// ID is the content digest of the post with the version field stripped.
// PublishedAt is milliseconds since the epoch. Parents, Message and Delta
// are app-supplied provenance and survive the strip.
type Version struct {
	ID          string          `json:"id,omitempty"`
	PublishedAt int64           `json:"published_at,omitempty"`
	Parents     []VersionParent `json:"parents,omitempty"`
	Message     string          `json:"message,omitempty"`
	Delta       map[string]any  `json:"delta,omitempty"`
}

// VersionParent points at a prior version of this or another post.
type VersionParent struct {
	Version string `json:"version"`
	Entity  string `json:"entity,omitempty"`
	Post    string `json:"post,omitempty"`
}

// Link relates a post to another post or entity.
type Link struct {
	Entity    string `json:"entity,omitempty"`
	URL       string `json:"url,omitempty"`
	Post      string `json:"post,omitempty"`
	Version   string `json:"version,omitempty"`
	Field     string `json:"field,omitempty"`
	SubString string `json:"sub_string,omitempty"`
	Type      string `json:"type,omitempty"`
}

// License a post is released under.
type License struct {
	Name string `json:"name,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Attachment describes a binary blob stored content-addressably. Digest is
// the hex-encoded first 256 bits of the SHA-512 of the content and doubles
// as the blob's identity on disk.
type Attachment struct {
	ContentType string `json:"content_type"`
	Name        string `json:"name"`
	Digest      string `json:"digest"`
	Size        int64  `json:"size"`
}

// AppInfo identifies the application that published a post.
type AppInfo struct {
	Post string `json:"post,omitempty"`
	Name string `json:"name,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Permissions controls read access. Omitted means private to the entity.
type Permissions struct {
	Public   bool            `json:"public,omitempty"`
	Groups   []GroupGrant    `json:"groups,omitempty"`
	Entities []string        `json:"entities,omitempty"`
}

// GroupGrant grants access to a group post.
type GroupGrant struct {
	Name string `json:"name,omitempty"`
	Post string `json:"post"`
}

// Post is the single document type the server stores. Everything is a post;
// apps decide what types to query for and how to display them.
type Post struct {
	ID          string         `json:"_id,omitempty"`
	Entity      string         `json:"entity"`
	Type        string         `json:"type"`
	PublishedAt int64          `json:"published_at,omitempty"`
	Source      string         `json:"source,omitempty"`
	Content     map[string]any `json:"content,omitempty"`
	Links       []Link         `json:"links,omitempty"`
	Licenses    []License      `json:"licenses,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	App         *AppInfo       `json:"app,omitempty"`
	Permissions *Permissions   `json:"permissions,omitempty"`
	Version     *Version       `json:"version,omitempty"`
}

// IsPublic reports whether the post is readable without authentication.
func (p *Post) IsPublic() bool {
	return p.Permissions != nil && p.Permissions.Public
}

// FindAttachment returns the attachment whose field (digest or name) matches.
func (p *Post) FindAttachment(match func(Attachment) bool) (Attachment, bool) {
	for _, a := range p.Attachments {
		if match(a) {
			return a, true
		}
	}
	return Attachment{}, false
}

// Meta describes the server to clients: its entity URL and the endpoints
// apps need to interact with it. Served at /meta and advertised in a Link
// header on every response.
type Meta struct {
	Entity string   `json:"entity"`
	Server MetaURLs `json:"server"`
}

// MetaURLs is the endpoint map inside a meta post.
type MetaURLs struct {
	URLs struct {
		PostsFeed   string `json:"posts_feed"`
		NewPost     string `json:"new_post"`
		Types       string `json:"types"`
		Attachments string `json:"attachments"`
	} `json:"urls"`
}
