package manifest

import (
	"bytes"
)

var (
	fmOpen  = []byte("---\n")
	fmClose = []byte("\n---\n")
)

// SplitFrontmatter separates YAML frontmatter from a markdown document.
// Returns the frontmatter, the body exactly as written after the closing
// delimiter, and whether frontmatter was present.
func SplitFrontmatter(content []byte) (fm, body []byte, ok bool) {
	if !bytes.HasPrefix(content, fmOpen) {
		return nil, content, false
	}

	rest := content[len(fmOpen):]
	endIdx := bytes.Index(rest, fmClose)
	if endIdx == -1 {
		// closing delimiter at EOF without trailing newline
		if bytes.HasSuffix(rest, []byte("\n---")) {
			return rest[:len(rest)-4], nil, true
		}
		return nil, content, false
	}

	return rest[:endIdx+1], rest[endIdx+len(fmClose):], true
}

// JoinFrontmatter is the inverse of SplitFrontmatter
func JoinFrontmatter(fm, body []byte) []byte {
	var buf bytes.Buffer
	buf.Write(fmOpen)
	buf.Write(fm)
	if len(fm) > 0 && fm[len(fm)-1] != '\n' {
		buf.WriteByte('\n')
	}
	buf.WriteString("---\n")
	buf.Write(body)
	return buf.Bytes()
}
