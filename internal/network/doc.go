// Package network provides the fetch capability the offline worker falls back
// to: a shared http.Client and a Fetcher that turns cache.Request values into
// streaming cache.Response values, tagging each response as basic (same
// origin as the application scope) or opaque (anything else).
package network
