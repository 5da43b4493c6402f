package model

type DocumentType string

const (
	DocumentTypeContent   DocumentType = "content"
	DocumentTypeSynthesis DocumentType = "synthesis"
)

type DocumentRef struct {
	Type DocumentType `json:"document_type"`
	ID   string       `json:"document_id"`
}

func (r DocumentRef) Less(other DocumentRef) bool {
	if r.ID != other.ID {
		return r.ID < other.ID
	}
	return r.Type < other.Type
}

type Embedding struct {
	DocumentType DocumentType `json:"document_type"`
	DocumentID   string       `json:"document_id"`
	Model        string       `json:"model"`
	Embedding    []float32    `json:"embedding"`
	ContentHash  string       `json:"content_hash"`
	Mtime        int64        `json:"mtime"`
}

func (e *Embedding) Ref() DocumentRef {
	return DocumentRef{Type: e.DocumentType, ID: e.DocumentID}
}

type SimilarityMatch struct {
	DocumentRef
	Score float64 `json:"score"`
}

type DocumentError struct {
	DocumentRef
	Error string `json:"error"`
}

type EmbeddingReport struct {
	Model     string          `json:"model"`
	Generated int             `json:"generated"`
	Skipped   int             `json:"skipped"`
	Failed    int             `json:"failed"`
	Pruned    int             `json:"pruned"`
	Errors    []DocumentError `json:"errors,omitempty"`
}
