package plan

import "strings"

// maxSlugLen bounds the title part of a branch name.
const maxSlugLen = 40

// BranchPrefix is the prefix shared by every branch created for id. The id
// is a whole path segment, so the prefix of "auth" never matches branches of
// "auth-db".
func BranchPrefix(id string) string {
	return "prp/" + strings.ToLower(id) + "/"
}

// BranchName is the deterministic branch name for an item.
func BranchName(it Item) string {
	slug := Slug(it.Title)
	if slug == "" {
		slug = "work"
	}
	return BranchPrefix(it.ID) + slug
}

// Slug lower-cases s, keeps only [a-z0-9], collapses every other run of
// characters into a single hyphen and truncates to 40 characters without a
// trailing hyphen.
func Slug(s string) string {
	var b strings.Builder
	pendingHyphen := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingHyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingHyphen = false
			b.WriteRune(r)
			continue
		}
		pendingHyphen = true
	}
	slug := b.String()
	if len(slug) > maxSlugLen {
		slug = strings.TrimRight(slug[:maxSlugLen], "-")
	}
	return slug
}
