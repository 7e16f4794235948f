package publisher

const truncationMarker = "… [truncated]"

// clip bounds text to limit code points, replacing the tail with a marker
// when anything was cut. Platform length limits count characters, not bytes.
func clip(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	marker := []rune(truncationMarker)
	if limit <= len(marker) {
		return string(runes[:limit])
	}
	return string(runes[:limit-len(marker)]) + truncationMarker
}
