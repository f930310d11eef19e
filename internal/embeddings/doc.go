// Package embeddings turns bullet text into vectors for the similarity
// service.
//
// Providers: "fastembed" runs a local ONNX model (requires cgo), "tei" calls
// a Text Embeddings Inference server over HTTP, and the model name "none"
// disables embeddings so that similarity falls back to exact and hash
// matching.
package embeddings
