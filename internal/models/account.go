package models

// DestinationAccount holds the publishing credentials and defaults of one
// content-platform account. It is read-only to the pipeline.
type DestinationAccount struct {
	ID              string     `yaml:"id" json:"id"`
	Name            string     `yaml:"name" json:"name"`
	AppID           string     `yaml:"app_id" json:"-"`
	AppSecret       string     `yaml:"app_secret" json:"-"`
	Author          string     `yaml:"author" json:"author"`
	Title           string     `yaml:"title" json:"title"`
	Digest          string     `yaml:"digest" json:"digest,omitempty"`
	ThumbMediaID    string     `yaml:"thumb_media_id" json:"thumb_media_id,omitempty"`
	TagGroups       [][]string `yaml:"tag_groups" json:"tag_groups"`
	OpenComment     *bool      `yaml:"open_comment" json:"open_comment,omitempty"`
	FansOnlyComment *bool      `yaml:"fans_only_comment" json:"fans_only_comment,omitempty"`
}

// IncludeTags flattens the account's tag groups into one OR list, preserving
// first-seen order.
func (a DestinationAccount) IncludeTags() []string {
	seen := make(map[string]struct{})
	var tags []string
	for _, group := range a.TagGroups {
		for _, tag := range group {
			if tag == "" {
				continue
			}
			if _, ok := seen[tag]; ok {
				continue
			}
			seen[tag] = struct{}{}
			tags = append(tags, tag)
		}
	}
	return tags
}

// CommentPolicy returns (open, fansOnly), both defaulting to on.
func (a DestinationAccount) CommentPolicy() (bool, bool) {
	open, fans := true, true
	if a.OpenComment != nil {
		open = *a.OpenComment
	}
	if a.FansOnlyComment != nil {
		fans = *a.FansOnlyComment
	}
	return open, fans
}
