package decision

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

type hashedContent struct {
	Title   string   `json:"title"`
	Content Content  `json:"content"`
	Tags    []string `json:"tags"`
}

// ContentHash digests the normalized title, content and tags of a version.
// Strings are NFC-normalized and trimmed and tags are normalized with
// NormalizeTags, so equivalent inputs hash identically.
func ContentHash(title string, content Content, tags []string) (string, error) {
	payload := hashedContent{
		Title:   normalizeText(title),
		Content: NormalizeContent(content),
		Tags:    NormalizeTags(tags),
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyContentHash recomputes the digest of a stored version.
func VerifyContentHash(version Version) (bool, error) {
	expected, err := ContentHash(version.Title, version.Content, version.Tags)
	if err != nil {
		return false, err
	}
	return expected == version.ContentHash, nil
}

func NormalizeContent(content Content) Content {
	out := Content{
		ProblemContext: normalizeText(content.ProblemContext),
		ChosenOption:   normalizeText(content.ChosenOption),
		Rationale:      normalizeText(content.Rationale),
		Alternatives:   make([]Alternative, 0, len(content.Alternatives)),
	}
	for _, alt := range content.Alternatives {
		out.Alternatives = append(out.Alternatives, Alternative{
			Name:            normalizeText(alt.Name),
			Summary:         normalizeText(alt.Summary),
			RejectionReason: normalizeText(alt.RejectionReason),
		})
	}
	return out
}

// NormalizeTags lowercases, trims, de-duplicates and sorts tags.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		value := strings.ToLower(normalizeText(tag))
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	sort.Strings(out)
	return out
}

func NormalizeTitle(title string) string {
	return normalizeText(title)
}

func normalizeText(value string) string {
	return strings.TrimSpace(norm.NFC.String(value))
}
