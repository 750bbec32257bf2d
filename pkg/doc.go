// Package pkg provides the core libraries for the cpkg install engine.
//
// # Overview
//
// cpkg installs C packages identified by author/name slugs. The packages
// here are layered roughly bottom-up:
//
//  1. [slug], [errors] - identifiers and the structured error taxonomy
//  2. [manifest], [config], [secrets] - on-disk state: package manifests,
//     engine configuration, registry access tokens
//  3. [httputil], [cache] - shared HTTP client with retries and the
//     TTL-based package cache
//  4. [registry], [fetcher] - catalog resolution and payload retrieval
//  5. [installer] - the concurrent install crawler tying it all together
//
// # Architecture
//
// The typical flow of an install:
//
//	slug → registry lookup → cache check → fetch (tarball or git clone)
//	     → manifest inspection → recurse into dependencies
//
// Everything below [installer] is safe for concurrent use; the installer's
// worker pool is the only place concurrency is introduced.
package pkg
