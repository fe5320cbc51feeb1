package bot

import "unicode/utf8"

// ChunkMessage splits text into consecutive pieces of exactly limit
// characters; only the last piece may be shorter. Splits ignore word and
// line boundaries. A non-positive limit returns text as a single piece.
func ChunkMessage(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if limit <= 0 {
		return []string{text}
	}
	chunks := make([]string, 0, utf8.RuneCountInString(text)/limit+1)
	start, count := 0, 0
	for i := range text {
		if count == limit {
			chunks = append(chunks, text[start:i])
			start, count = i, 0
		}
		count++
	}
	return append(chunks, text[start:])
}
