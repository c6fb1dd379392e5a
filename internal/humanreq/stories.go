package humanreq

import (
	"regexp"
	"strings"

	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Story is a user story declared in user_stories.md.
type Story struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// storyHeading matches "US-001 – Title". The separator may also be a plain
// hyphen, which is what most keyboards produce.
var storyHeading = regexp.MustCompile(`^([A-Z]+-\d+)\s+(?:\x{2013}|-)\s+(.+)$`)

// UserStories returns the stories of user_stories.md, or none when the
// document is absent.
func (d *Documents) UserStories() ([]Story, error) {
	content, err := readOptional(d.paths.UserStories())
	if err != nil {
		return nil, err
	}
	return ParseStories([]byte(content)), nil
}

// ParseStories collects the level-three headings of src that name a story.
// The result is never nil.
func ParseStories(src []byte) []Story {
	stories := []Story{}
	root := markdown.Parser().Parse(text.NewReader(src))
	ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		h, ok := n.(*ast.Heading)
		if !ok {
			return ast.WalkContinue, nil
		}
		if h.Level == 3 {
			m := storyHeading.FindStringSubmatch(strings.TrimSpace(headingText(h, src)))
			if m != nil {
				stories = append(stories, Story{ID: m[1], Title: strings.TrimSpace(m[2])})
			}
		}
		return ast.WalkSkipChildren, nil
	})
	return stories
}
