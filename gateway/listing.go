package gateway

import (
	"bytes"
	"html/template"
	"io"
	"net/url"
	"path"
	"strings"

	"golang.org/x/net/html"

	cidcache "github.com/cidcache/cidcache"
)

// maxListingBytes caps how much of an HTML listing is buffered for
// normalization. Listings above this are cached as served.
const maxListingBytes = 2 << 20

var listingTmpl = template.Must(template.New("listing").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Index of /ipfs/{{.Ref}}</title></head>
<body>
<h1>Index of /ipfs/{{.Ref}}</h1>
<ul>
<li><a href="../">../</a></li>
{{- range .Entries}}
<li><a href="{{.Href}}">{{.Name}}</a></li>
{{- end}}
</ul>
</body>
</html>
`))

type listingEntry struct {
	Name string
	Href string
}

type listingData struct {
	Ref     string
	Entries []listingEntry
}

// looksLikeListing sniffs whether an HTML prefix is an upstream
// directory index rather than content that happens to be HTML.
func looksLikeListing(prefix []byte) bool {
	return bytes.Contains(prefix, []byte("Index of"))
}

// normalizeListing rewrites an upstream directory listing with the local
// template so cached listings link back through this cache instead of
// the origin gateway. On any failure the original byte stream is
// returned untouched.
func (g *Gateway) normalizeListing(ref cidcache.Ref, r io.Reader) (io.Reader, bool) {
	data, err := io.ReadAll(io.LimitReader(r, maxListingBytes+1))
	if err != nil || len(data) > maxListingBytes {
		return io.MultiReader(bytes.NewReader(data), r), false
	}
	passthrough := io.MultiReader(bytes.NewReader(data), r)

	entries, err := parseListingEntries(data)
	if err != nil || len(entries) == 0 {
		return passthrough, false
	}

	for i := range entries {
		entries[i].Href = "/ipfs/" + ref.Key() + "/" + entries[i].Name
	}

	var buf bytes.Buffer
	if err := listingTmpl.Execute(&buf, listingData{Ref: ref.Key(), Entries: entries}); err != nil {
		g.logger.Warn("failed to render listing", "ref", ref.Key(), "error", err)
		return passthrough, false
	}
	return &buf, true
}

// parseListingEntries extracts child entries from an upstream listing
// page: every anchor that points at a relative child path.
func parseListingEntries(data []byte) ([]listingEntry, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	var entries []listingEntry
	seen := make(map[string]struct{})

	for n := range doc.Descendants() {
		if n.Type != html.ElementNode || n.Data != "a" {
			continue
		}
		href := attrValue(n, "href")
		name := childName(href)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		entries = append(entries, listingEntry{Name: name})
	}

	return entries, nil
}

// childName reduces an anchor href to a bare child entry name, or ""
// when the link is not a child of the listed directory.
func childName(href string) string {
	if href == "" {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return ""
	}
	p := u.Path
	if p == "" || p == "/" {
		return ""
	}

	name := path.Base(strings.TrimSuffix(p, "/"))
	if name == "." || name == ".." || name == "/" {
		return ""
	}
	// Preserve the trailing slash convention for subdirectories.
	if strings.HasSuffix(p, "/") {
		name += "/"
	}
	return name
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
