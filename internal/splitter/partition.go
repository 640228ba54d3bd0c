package splitter

import "strings"

// SplitLines splits an input list into lines. CRLF and CR line endings are
// treated as LF, and a single trailing newline does not produce an empty
// final line. Blank lines elsewhere are kept.
func SplitLines(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.TrimSuffix(text, "\n")
	return strings.Split(text, "\n")
}

// Partition divides lines into at most n contiguous chunks of
// ceil(len(lines)/n) lines each; only the last chunk may be shorter.
func Partition(lines []string, n int) [][]string {
	if len(lines) == 0 || n <= 0 {
		return nil
	}
	size := (len(lines) + n - 1) / n
	chunks := make([][]string, 0, (len(lines)+size-1)/size)
	for start := 0; start < len(lines); start += size {
		end := min(start+size, len(lines))
		chunks = append(chunks, lines[start:end])
	}
	return chunks
}
