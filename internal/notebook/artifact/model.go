package artifact

// Output kinds.
const (
	TypeText  = "text"
	TypeImage = "image"
	TypeTable = "table"
	TypeHTML  = "html"
	TypeError = "error"
)

// Output is one rendered cell output. Only the fields of its Type are set.
type Output struct {
	Type string `json:"type"`

	Body string `json:"body,omitempty"`
	Name string `json:"name,omitempty"`

	RelativeURL string `json:"relative_url,omitempty"`
	SourceURL   string `json:"source_url,omitempty"`

	Columns     []string   `json:"columns,omitempty"`
	Rows        [][]string `json:"rows,omitempty"`
	Truncated   bool       `json:"truncated,omitempty"`
	DownloadURL string     `json:"download_url,omitempty"`

	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	Traceback string `json:"traceback,omitempty"`
}

// File is a regular workspace file, named relative to the workspace.
type File struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	URL  string `json:"url,omitempty"`
}

// ErrorInfo describes why a run did not succeed.
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
}

// ErrorOutput renders err as an error output.
func ErrorOutput(err ErrorInfo) Output {
	return Output{Type: TypeError, Code: err.Code, Message: err.Message, Traceback: err.Traceback}
}

// Rebase prefixes every workspace-relative URL with prefix (e.g. /api/sessions/<id>/files/).
func Rebase(outputs []Output, files []File, prefix string) ([]Output, []File) {
	join := func(name string) string {
		if name == "" {
			return ""
		}
		return prefix + name
	}
	outs := make([]Output, len(outputs))
	for i, o := range outputs {
		o.RelativeURL = join(o.RelativeURL)
		o.DownloadURL = join(o.DownloadURL)
		o.SourceURL = join(o.SourceURL)
		outs[i] = o
	}
	fs := make([]File, len(files))
	for i, f := range files {
		f.URL = join(f.Name)
		fs[i] = f
	}
	return outs, fs
}
