package artifact_test

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"booml/internal/notebook/artifact"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

func types(outputs []artifact.Output) []string {
	out := make([]string, len(outputs))
	for i, o := range outputs {
		out[i] = o.Type + ":" + o.Name
	}
	return out
}

func TestCollectOrderAndSorting(t *testing.T) {
	ws := t.TempDir()
	writeFiles(t, ws, map[string]string{
		"b.csv":              "x;y\n1;2\n",
		"A.csv":              "a,b\n1,2\n3,4\n5,6\n",
		"plot.PNG":           "png",
		"chart.svg":          "<svg/>",
		"report.html":        "<p>hi</p>",
		"notes.txt":          "plain",
		".hidden.csv":        "h\n1\n",
		".vm_agent/cmd.json": "{}",
		"sub/inner.csv":      "k\nv\n",
	})

	c := artifact.NewCollector(1<<20, 2)
	outputs, files := c.Collect(context.Background(), ws, "hello\n")

	want := []string{
		"text:",
		"html:report.html",
		"image:chart.svg",
		"image:plot.PNG",
		"table:A.csv",
		"table:b.csv",
		"table:sub/inner.csv",
	}
	if got := types(outputs); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected outputs:\n got %v\nwant %v", got, want)
	}
	if outputs[1].Body != "<p>hi</p>" {
		t.Fatalf("html body should be inline, got %q", outputs[1].Body)
	}
	if outputs[3].RelativeURL != "plot.PNG" {
		t.Fatalf("image url must stay relative, got %q", outputs[3].RelativeURL)
	}
	table := outputs[4]
	if !table.Truncated || len(table.Rows) != 2 || !reflect.DeepEqual(table.Columns, []string{"a", "b"}) {
		t.Fatalf("unexpected table preview: %+v", table)
	}
	if table.DownloadURL != "A.csv" {
		t.Fatalf("unexpected download url: %q", table.DownloadURL)
	}
	if outputs[5].Truncated || !reflect.DeepEqual(outputs[5].Columns, []string{"x", "y"}) {
		t.Fatalf("semicolon csv should be sniffed: %+v", outputs[5])
	}

	var names []string
	for _, f := range files {
		names = append(names, f.Name)
	}
	wantFiles := []string{"A.csv", "b.csv", "chart.svg", "notes.txt", "plot.PNG", "report.html", "sub/inner.csv"}
	if !reflect.DeepEqual(names, wantFiles) {
		t.Fatalf("unexpected files: %v", names)
	}
}

func TestCollectSkipsWhitespaceStdoutAndLargeFiles(t *testing.T) {
	ws := t.TempDir()
	writeFiles(t, ws, map[string]string{
		"big.csv": "a\n" + strings.Repeat("1\n", 100),
		"ok.png":  "x",
	})
	c := artifact.NewCollector(50, 10)
	outputs, files := c.Collect(context.Background(), ws, " \n\t")
	if got := types(outputs); !reflect.DeepEqual(got, []string{"image:ok.png"}) {
		t.Fatalf("unexpected outputs: %v", got)
	}
	if len(files) != 2 {
		t.Fatalf("oversized files are still listed, got %d", len(files))
	}
}

func TestRebase(t *testing.T) {
	outs, files := artifact.Rebase(
		[]artifact.Output{{Type: artifact.TypeImage, Name: "p.png", RelativeURL: "p.png"}, {Type: artifact.TypeText, Body: "x"}},
		[]artifact.File{{Name: "p.png", Size: 1}},
		"/api/sessions/s1/files/",
	)
	if outs[0].RelativeURL != "/api/sessions/s1/files/p.png" || outs[1].RelativeURL != "" {
		t.Fatalf("unexpected rebased outputs: %+v", outs)
	}
	if files[0].URL != "/api/sessions/s1/files/p.png" {
		t.Fatalf("unexpected file url: %q", files[0].URL)
	}
}
