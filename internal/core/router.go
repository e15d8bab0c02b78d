package core

import "strings"

// WebSearchModel is the fixed model used whenever web search is requested.
// Routing deliberately overrides the user's model choice in that case; the
// product owner has flagged this as a decision to revisit, not a bug.
const WebSearchModel = "gpt-4o"

// ResolveModel maps the requested model identifier and the web-search flag
// to the concrete model name sent to the provider.  Requested identifiers
// come in the form "<provider>/<modelName>"; the provider prefix is
// stripped when present.  Unrecognized names pass through verbatim: the
// provider is the authority on validity, so bad ids fail at the provider
// boundary rather than here.
func ResolveModel(requested string, webSearch bool) string {
	if webSearch {
		return WebSearchModel
	}
	if _, name, found := strings.Cut(requested, "/"); found {
		return name
	}
	return requested
}
