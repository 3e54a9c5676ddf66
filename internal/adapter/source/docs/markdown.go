package docs

import (
	"fmt"
	"regexp"
	"strings"
)

// The content export mixes XML structure tags into markdown. ParseMarkdown
// flattens that into plain markdown: page wrappers become headings,
// collections become tables, callouts become blockquotes. On any input the
// transforms are best effort; unmatched tags are stripped, never errored on.

var (
	rePageWrapper     = regexp.MustCompile(`(?s)<page[^>]*>\s*<pageTitle>([^<]*)</pageTitle>\s*<content>(.*?)</content>\s*</page>`)
	reContentWrapper  = regexp.MustCompile(`(?s)<content>(.*?)</content>`)
	reCollection      = regexp.MustCompile(`(?s)<collection>\s*<title>([^<]*)</title>\s*<properties>([^<]*)</properties>\s*<content>(.*?)</content>\s*</collection>`)
	reCollectionItem  = regexp.MustCompile(`(?s)<collectionItem>\s*(.*?)\s*</collectionItem>`)
	reItemTitle       = regexp.MustCompile(`<title>([^<]*)</title>`)
	reItemProperty    = regexp.MustCompile(`<property name="([^"]+)">([^<]*)</property>`)
	reCallout         = regexp.MustCompile(`(?s)<callout>(.*?)</callout>`)
	reHighlight       = regexp.MustCompile(`<highlight[^>]*>([^<]*)</highlight>`)
	reComment         = regexp.MustCompile(`<comment[^>]*>[^<]*</comment>`)
	rePageTitleTag    = regexp.MustCompile(`<pageTitle>([^<]*)</pageTitle>`)
	reBareTags        = regexp.MustCompile(`</?content>|<page[^>]*>|</page>`)
	reLeadingIndent   = regexp.MustCompile(`(?m)^[ \t]+`)
	reHorizontalRule  = regexp.MustCompile(`(?m)^\*{3,}$`)
	reBrokenBold      = regexp.MustCompile(`\*{2,}([^*\n]+)\*{2,}`)
	reEmptyBold       = regexp.MustCompile(`\*{4,}`)
	reBlankRuns       = regexp.MustCompile(`\n{3,}`)
	reTrailingSpace   = regexp.MustCompile(`(?m)[ \t]+$`)
	reHeadingSpacing  = regexp.MustCompile(`([^\n])\n(#{1,6} )`)
	reTableCellBreaks = strings.NewReplacer("|", `\|`, "\n", " ")
)

// ParseMarkdown converts the export's XML-markdown mix to clean markdown.
// Empty input passes through unchanged.
func ParseMarkdown(raw string) string {
	if raw == "" {
		return raw
	}
	out := unwrapPage(raw)
	out = convertCollections(out)
	out = convertNestedPages(out)
	out = convertSimpleTags(out)
	out = cleanFormatting(out)
	return strings.TrimSpace(out)
}

// unwrapPage lifts the outer page wrapper into a top-level heading.
func unwrapPage(content string) string {
	if m := rePageWrapper.FindStringSubmatch(content); m != nil {
		return "# " + strings.TrimSpace(m[1]) + "\n\n" + m[2]
	}
	if m := reContentWrapper.FindStringSubmatch(content); m != nil {
		return m[1]
	}
	return content
}

// convertCollections renders collection blocks as markdown tables, with any
// per-item body content appended as sections under the table.
func convertCollections(content string) string {
	return reCollection.ReplaceAllStringFunc(content, func(block string) string {
		m := reCollection.FindStringSubmatch(block)
		title := strings.TrimSpace(m[1])
		var props []string
		for _, p := range strings.Split(m[2], ",") {
			if p = strings.TrimSpace(p); p != "" {
				props = append(props, p)
			}
		}
		items := parseCollectionItems(m[3])
		return buildCollectionTable(title, props, items)
	})
}

type collectionItem struct {
	title   string
	content string
	props   map[string]string
}

func parseCollectionItems(content string) []collectionItem {
	var items []collectionItem
	for _, m := range reCollectionItem.FindAllStringSubmatch(content, -1) {
		body := m[1]
		item := collectionItem{props: map[string]string{}}
		if t := reItemTitle.FindStringSubmatch(body); t != nil {
			item.title = strings.TrimSpace(t[1])
		}
		for _, p := range reItemProperty.FindAllStringSubmatch(body, -1) {
			item.props[p[1]] = strings.TrimSpace(p[2])
		}
		if c := reContentWrapper.FindStringSubmatch(body); c != nil {
			item.content = convertSimpleTags(strings.TrimSpace(c[1]))
		}
		if item.title != "" || hasValue(item.props) {
			items = append(items, item)
		}
	}
	return items
}

func hasValue(props map[string]string) bool {
	for _, v := range props {
		if v != "" {
			return true
		}
	}
	return false
}

func buildCollectionTable(title string, props []string, items []collectionItem) string {
	if len(items) == 0 {
		return fmt.Sprintf("## %s\n\n*Empty collection*\n", title)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n\n", title)
	b.WriteString("| Title | " + strings.Join(props, " | ") + " |\n")
	b.WriteString("|" + strings.Repeat("---|", len(props)+1) + "\n")
	var nested []collectionItem
	for _, item := range items {
		cells := []string{reTableCellBreaks.Replace(item.title)}
		for _, p := range props {
			cells = append(cells, reTableCellBreaks.Replace(item.props[p]))
		}
		b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
		if item.content != "" {
			nested = append(nested, item)
		}
	}
	b.WriteString("\n")
	for _, item := range nested {
		if item.title != "" {
			fmt.Fprintf(&b, "### %s\n\n", item.title)
		}
		b.WriteString(strings.TrimSpace(item.content) + "\n\n")
	}
	return b.String()
}

// convertNestedPages renders embedded page cards as level-3 sections,
// recursing so cards inside cards flatten too.
func convertNestedPages(content string) string {
	return rePageWrapper.ReplaceAllStringFunc(content, func(block string) string {
		m := rePageWrapper.FindStringSubmatch(block)
		inner := convertNestedPages(strings.TrimSpace(m[2]))
		inner = convertSimpleTags(inner)
		return "### " + strings.TrimSpace(m[1]) + "\n\n" + inner + "\n"
	})
}

func convertSimpleTags(content string) string {
	content = reCallout.ReplaceAllStringFunc(content, func(block string) string {
		inner := strings.TrimSpace(reCallout.FindStringSubmatch(block)[1])
		return "> " + strings.ReplaceAll(inner, "\n", "\n> ")
	})
	content = reHighlight.ReplaceAllString(content, "**$1**")
	content = reComment.ReplaceAllString(content, "")
	content = rePageTitleTag.ReplaceAllString(content, "# $1")
	content = reBareTags.ReplaceAllString(content, "")
	return content
}

func cleanFormatting(content string) string {
	content = reLeadingIndent.ReplaceAllString(content, "")
	content = reHorizontalRule.ReplaceAllString(content, "---")
	content = reBrokenBold.ReplaceAllString(content, "**$1**")
	content = reEmptyBold.ReplaceAllString(content, "")
	content = reBlankRuns.ReplaceAllString(content, "\n\n")
	content = reTrailingSpace.ReplaceAllString(content, "")
	content = reHeadingSpacing.ReplaceAllString(content, "$1\n\n$2")
	return content
}
