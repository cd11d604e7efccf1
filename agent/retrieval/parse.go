package retrieval

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/document/parser/pdf"
	"github.com/cloudwego/eino/components/document/parser"
)

// NewDocumentParser picks a parser by the extension of the URI passed with
// parser.WithURI. PDFs come back one document per page; anything else is
// read as plain text.
func NewDocumentParser(ctx context.Context) (*parser.ExtParser, error) {
	pdfParser, err := pdf.NewPDFParser(ctx, &pdf.Config{ToPages: true})
	if err != nil {
		return nil, fmt.Errorf("create pdf parser: %w", err)
	}
	return parser.NewExtParser(ctx, &parser.ExtParserConfig{
		Parsers:        map[string]parser.Parser{".pdf": pdfParser},
		FallbackParser: parser.TextParser{},
	})
}
