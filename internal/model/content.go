package model

const (
	SourceTypeTwitter = "twitter"
)

type MediaType string

const (
	MediaTypePhoto MediaType = "photo"
	MediaTypeVideo MediaType = "video"
	MediaTypeGIF   MediaType = "animated_gif"
)

type MediaItem struct {
	Type    MediaType `json:"type"`
	URL     string    `json:"url"`
	AltText string    `json:"alt_text,omitempty"`
}

type Engagement struct {
	Likes     int64 `json:"likes"`
	Retweets  int64 `json:"retweets"`
	Replies   int64 `json:"replies"`
	Quotes    int64 `json:"quotes"`
	Bookmarks int64 `json:"bookmarks"`
}

type MediaFinding struct {
	URL         string    `json:"url"`
	Type        MediaType `json:"type"`
	Description string    `json:"description"`
}

type ContentRecord struct {
	ID         string `json:"id"`
	SourceType string `json:"source_type"`
	SourceID   string `json:"source_id"`

	Title      string      `json:"title"`
	Text       string      `json:"text"`
	Author     string      `json:"author"`
	URL        string      `json:"url"`
	Media      []MediaItem `json:"media"`
	Engagement Engagement  `json:"engagement"`
	IsThread   bool        `json:"is_thread"`
	ThreadIDs  []string    `json:"thread_ids,omitempty"`

	Flags SubPhaseFlags `json:"-"`

	CollectiveUnderstanding string         `json:"collective_understanding"`
	MediaAnalysis           []MediaFinding `json:"media_analysis_results"`
	MainCategory            string         `json:"main_category"`
	SubCategory             string         `json:"sub_category"`
	VisionModel             string         `json:"vision_model_used"`
	UnderstandingModel      string         `json:"understanding_model_used"`
	CategorizationModel     string         `json:"categorization_model_used"`

	SourceCtime int64 `json:"source_ctime"`
	Ctime       int64 `json:"ctime"`
	Mtime       int64 `json:"mtime"`
}

func (r *ContentRecord) FullyProcessed() bool {
	return r.Flags.Complete()
}

func (r *ContentRecord) Category() CategoryKey {
	return CategoryKey{Main: r.MainCategory, Sub: r.SubCategory}
}

// EmbeddingText prefers the AI-derived understanding over the raw payload.
func (r *ContentRecord) EmbeddingText() string {
	if r.CollectiveUnderstanding != "" {
		return r.CollectiveUnderstanding
	}
	if r.Title != "" && r.Title != r.Text {
		return r.Title + "\n" + r.Text
	}
	return r.Text
}

// ContentRecordState mirrors the flag bits for api and export output.
type ContentRecordState struct {
	BookmarkCached    bool `json:"bookmark_cached"`
	MediaAnalyzed     bool `json:"media_analyzed"`
	ContentUnderstood bool `json:"content_understood"`
	Categorized       bool `json:"categorized"`
}

func (r *ContentRecord) State() ContentRecordState {
	return ContentRecordState{
		BookmarkCached:    r.Flags.Has(SubPhaseBookmarkCache),
		MediaAnalyzed:     r.Flags.Has(SubPhaseMediaAnalysis),
		ContentUnderstood: r.Flags.Has(SubPhaseContentUnderstanding),
		Categorized:       r.Flags.Has(SubPhaseCategorization),
	}
}

type CategoryKey struct {
	Main string `json:"main_category"`
	Sub  string `json:"sub_category"`
}

func (k CategoryKey) String() string {
	return k.Main + "/" + k.Sub
}

func (k CategoryKey) Empty() bool {
	return k.Main == "" || k.Sub == ""
}

type CategoryCount struct {
	CategoryKey
	Count int `json:"count"`
}

type ContentStats struct {
	Total          int             `json:"total"`
	FullyProcessed int             `json:"fully_processed"`
	Categories     []CategoryCount `json:"categories"`
}
