package backend

import (
	"fmt"
	"strings"
)

// compressor describes an external stream compressor. Compression and
// decompression both run the tool with stdin/stdout wired through.
type compressor struct {
	name           string
	tool           string
	compressArgs   []string
	decompressArgs []string
	suffix         string
}

// compressors in preference order for automatic selection.
var compressors = []compressor{
	{name: "zstd", tool: "zstd", compressArgs: []string{"-q", "-c"}, decompressArgs: []string{"-q", "-d", "-c"}, suffix: ".zst"},
	{name: "lz4", tool: "lz4", compressArgs: []string{"-q", "-c"}, decompressArgs: []string{"-q", "-d", "-c"}, suffix: ".lz4"},
	{name: "gzip", tool: "gzip", compressArgs: []string{"-c"}, decompressArgs: []string{"-d", "-c"}, suffix: ".gz"},
}

// pickCompressor resolves the compressor for image creation. An empty name
// picks the first available tool in preference order, falling back to no
// compression when none is installed. A named compressor that is missing is
// a ToolUnavailableError; "none" disables compression explicitly.
func pickCompressor(runner CommandRunner, name string) (*compressor, error) {
	if name == "none" {
		return nil, nil
	}

	if name == "" {
		for i := range compressors {
			if _, err := runner.LookPath(compressors[i].tool); err == nil {
				return &compressors[i], nil
			}
		}
		return nil, nil
	}

	for i := range compressors {
		if compressors[i].name == name {
			if _, err := runner.LookPath(compressors[i].tool); err != nil {
				return nil, &ToolUnavailableError{Tool: compressors[i].tool, Op: OpImageCreate}
			}
			return &compressors[i], nil
		}
	}
	return nil, fmt.Errorf("unknown compression %q", name)
}

// decompressorFor resolves the decompressor for a restore. An empty name
// means the image is uncompressed.
func decompressorFor(runner CommandRunner, name string) (*compressor, error) {
	if name == "" || name == "none" {
		return nil, nil
	}
	for i := range compressors {
		if compressors[i].name == name {
			if _, err := runner.LookPath(compressors[i].tool); err != nil {
				return nil, &ToolUnavailableError{Tool: compressors[i].tool, Op: OpImageRestore}
			}
			return &compressors[i], nil
		}
	}
	return nil, fmt.Errorf("unknown compression %q", name)
}

// compressionFromSuffix guesses the compression of an image without a
// sidecar from its file extension.
func compressionFromSuffix(path string) string {
	for _, c := range compressors {
		if strings.HasSuffix(path, c.suffix) {
			return c.name
		}
	}
	return ""
}
