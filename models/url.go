package models

// DiscoveredURL is one page found on a WordPress site, ready to be pushed
// to the remote sync-urls endpoint.
type DiscoveredURL struct {
	URL       string `json:"url"`
	HTMLTitle string `json:"html_title"`
	URLType   string `json:"url_type"`
	PostType  string `json:"post_type"`
}

// Flatten concatenates discovery chunks into a single list.
func Flatten(chunks [][]DiscoveredURL) []DiscoveredURL {
	n := 0
	for _, c := range chunks {
		n += len(c)
	}
	out := make([]DiscoveredURL, 0, n)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

// Chunk splits urls into consecutive slices of at most size elements.
func Chunk(urls []DiscoveredURL, size int) [][]DiscoveredURL {
	if size <= 0 {
		size = len(urls)
	}
	var out [][]DiscoveredURL
	for len(urls) > 0 {
		n := size
		if n > len(urls) {
			n = len(urls)
		}
		out = append(out, urls[:n:n])
		urls = urls[n:]
	}
	return out
}
