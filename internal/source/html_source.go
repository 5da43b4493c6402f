package source

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/xxxsen/markkb/internal/model"
	"github.com/xxxsen/markkb/internal/pkg/hashutil"
)

var statusExpr = regexp.MustCompile(`^/([^/]+)/status(?:es)?/(\d+)`)

func init() {
	Register("html", createHTMLSource)
}

// createHTMLSource reads a netscape style bookmark export:
// <DT><A HREF=... ADD_DATE=...>title</A> optionally followed by <DD>note.
func createHTMLSource(args interface{}) (Source, error) {
	cfg, err := decodeConfig(args)
	if err != nil {
		return nil, err
	}
	return &fileSource{name: "html", load: htmlLoader(cfg.Path)}, nil
}

func htmlLoader(path string) loader {
	return func(ctx context.Context) ([]itemOrError, error) {
		_ = ctx
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("read bookmarks: %w", err)
		}
		defer file.Close()
		doc, err := goquery.NewDocumentFromReader(file)
		if err != nil {
			return nil, fmt.Errorf("parse document: %w", err)
		}
		return extractBookmarks(doc), nil
	}
}

func extractBookmarks(doc *goquery.Document) []itemOrError {
	var out []itemOrError
	seen := make(map[string]bool)
	doc.Find("dt").Each(func(i int, dt *goquery.Selection) {
		link := dt.Find("a[href]").First()
		if link.Length() == 0 {
			return
		}
		item, err := parseBookmark(link, dt.Next())
		if err != nil {
			out = append(out, itemOrError{err: fmt.Errorf("bookmark #%d: %w", i, err)})
			return
		}
		if seen[item.ID] {
			return
		}
		seen[item.ID] = true
		out = append(out, itemOrError{item: item})
	})
	return out
}

func parseBookmark(link, next *goquery.Selection) (*model.ItemData, error) {
	href, _ := link.Attr("href")
	href = strings.TrimSpace(href)
	u, err := url.Parse(href)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid href %q", href)
	}
	item := &model.ItemData{
		URL:  href,
		Text: strings.TrimSpace(link.Text()),
	}
	if m := statusExpr.FindStringSubmatch(u.Path); m != nil {
		item.ID = m[2]
		item.Author = m[1]
	} else {
		item.ID = hashutil.Sum(href)[:20]
		item.Author = u.Host
	}
	if goquery.NodeName(next) == "dd" {
		if note := strings.TrimSpace(next.Text()); note != "" {
			item.Text = strings.TrimSpace(item.Text + "\n\n" + note)
		}
	}
	if raw, ok := link.Attr("add_date"); ok {
		if sec, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err == nil {
			item.CreatedAt = time.Unix(sec, 0).UTC()
		}
	}
	if conv, ok := link.Attr("data-conversation-id"); ok {
		item.ConversationID = strings.TrimSpace(conv)
	}
	return item, nil
}
