// Command edgeproxy is a path-prefix reverse proxy with rate limiting,
// response caching, request deduplication, circuit breaking and pluggable
// authentication.
package main

func main() {
	Execute()
}
