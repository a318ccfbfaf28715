package logsync

import "strings"

// SplitChunks packs newline-separated text into chunks of at most limit
// characters. Lines are kept whole and packed greedily; a new chunk
// starts when appending the next line would overflow. A single line
// longer than the limit is the one case where a line is cut, at limit
// boundaries, so every chunk fits a platform message.
func SplitChunks(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if limit <= 0 {
		return []string{text}
	}

	var chunks []string
	var cur strings.Builder
	for _, line := range strings.Split(text, "\n") {
		for len(line) > limit {
			if cur.Len() > 0 {
				chunks = append(chunks, cur.String())
				cur.Reset()
			}
			chunks = append(chunks, line[:limit])
			line = line[limit:]
		}

		need := len(line)
		if cur.Len() > 0 {
			need++ // separating newline
		}
		if cur.Len()+need > limit {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte('\n')
		}
		cur.WriteString(line)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}
