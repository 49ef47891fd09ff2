package pipeline

import "fmt"

// ChunkOptions bounds the size of each summarization call.
type ChunkOptions struct {
	Size    int
	Overlap int
}

// DefaultChunkOptions returns 100k-character chunks with a 10k overlap.
func DefaultChunkOptions() ChunkOptions {
	return ChunkOptions{Size: 100000, Overlap: 10000}
}

// Validate rejects options that could not make progress through the input.
func (o ChunkOptions) Validate() error {
	if o.Size <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", o.Size)
	}
	if o.Overlap < 0 || o.Overlap >= o.Size {
		return fmt.Errorf("chunk overlap must be in [0, %d), got %d", o.Size, o.Overlap)
	}
	return nil
}

// Chunk splits text into overlapping segments measured in characters.
// Input no longer than the chunk size comes back as a single element.
// Invalid options fall back to DefaultChunkOptions.
func Chunk(text string, opts ChunkOptions) []string {
	if opts.Validate() != nil {
		opts = DefaultChunkOptions()
	}
	runes := []rune(text)
	n := len(runes)
	if n <= opts.Size {
		return []string{text}
	}

	step := opts.Size - opts.Overlap
	chunks := make([]string, 0, (n-opts.Overlap+step-1)/step)
	for start := 0; ; start += step {
		end := start + opts.Size
		if end > n {
			end = n
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == n {
			break
		}
	}
	return chunks
}
