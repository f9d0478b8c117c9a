package engine

import (
	"encoding/json"
	"io"
)

// Control message types sent by the bootstrap on fd 3.
const (
	msgReady         = "ready"
	msgInputRequired = "input_required"
	msgVariables     = "variables"
	msgException     = "exception"
	msgDownload      = "download"
	msgViolation     = "violation"
)

// maxControlLine bounds a single control message (the variable snapshot is the largest).
const maxControlLine = 32 << 20

type controlMessage struct {
	Type     string            `json:"type"`
	Prompt   string            `json:"prompt,omitempty"`
	Values   map[string]string `json:"values,omitempty"`
	ExcType  string            `json:"exc_type,omitempty"`
	Message  string            `json:"message,omitempty"`
	Line     int               `json:"line,omitempty"`
	URL      string            `json:"url,omitempty"`
	Filename string            `json:"filename,omitempty"`
}

type replyError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// controlReply answers a download request on fd 4.
type controlReply struct {
	OK    bool        `json:"ok"`
	Name  string      `json:"name,omitempty"`
	Error *replyError `json:"error,omitempty"`
}

func writeReply(w io.Writer, reply controlReply) error {
	data, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}
