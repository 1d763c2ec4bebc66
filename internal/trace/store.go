package trace

import (
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"path/filepath"

	"github.com/healthinsight/orchestrator/internal/domain"
)

// Store persists a finalized TraceDocument. Persistence failures must
// never fail the query (spec §4.L4); callers log a TRACE_PERSIST_FAILED
// warning and continue.
type Store interface {
	Save(doc domain.TraceDocument) error
}

// FileTraceStore writes a trace as a JSON document and a standalone HTML
// rendering under a configured directory, one pair of files per trace_id.
type FileTraceStore struct {
	dir string
}

// NewFileTraceStore returns a Store rooted at dir. The directory is
// created on first Save if it does not exist.
func NewFileTraceStore(dir string) *FileTraceStore {
	return &FileTraceStore{dir: dir}
}

// Save implements Store.
func (s *FileTraceStore) Save(doc domain.TraceDocument) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("trace: creating store dir: %w", err)
	}

	jsonPath := filepath.Join(s.dir, doc.TraceID+".json")
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("trace: marshaling document: %w", err)
	}
	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		return fmt.Errorf("trace: writing json: %w", err)
	}

	htmlPath := filepath.Join(s.dir, doc.TraceID+".html")
	htmlFile, err := os.Create(htmlPath)
	if err != nil {
		return fmt.Errorf("trace: creating html: %w", err)
	}
	defer htmlFile.Close()

	if err := htmlTemplate.Execute(htmlFile, doc); err != nil {
		return fmt.Errorf("trace: rendering html: %w", err)
	}
	return nil
}

var htmlTemplate = template.Must(template.New("trace").Funcs(template.FuncMap{
	"children": func(events []domain.TraceEvent, parent string) []domain.TraceEvent {
		var out []domain.TraceEvent
		for _, e := range events {
			if e.ParentEventID == parent {
				out = append(out, e)
			}
		}
		return out
	},
}).Parse(`<!DOCTYPE html>
<html>
<head><title>Trace {{.TraceID}}</title></head>
<body>
<h1>Trace {{.TraceID}}</h1>
<p>Created: {{.CreatedAt}} &middot; Finalized: {{.FinalizedAt}}</p>
<p>LLM calls: {{.Summary.LLMCalls}} &middot; Tool calls: {{.Summary.ToolCalls}} &middot; Total ms: {{.Summary.TotalMS}}</p>
<ul>
{{range .Events}}
  <li><strong>{{.Type}}</strong> [{{.Stage}}] {{.StartTS}}{{if .EndTS}} &rarr; {{.EndTS}}{{end}}{{if .Error}} <em>error: {{.Error.Kind}}</em>{{end}}</li>
{{end}}
</ul>
</body>
</html>
`))
