// Package api provides the HTTP API types for InferFlow.
//
// This package contains the request and response structures for the
// InferFlow inference gateway.
//
// # API Overview
//
// InferFlow provides an OpenAI-compatible REST API for:
//   - Text embeddings with admission control and dynamic batching
//   - Speech synthesis
//   - Model listing
//   - Health monitoring and metrics
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8080
package api
